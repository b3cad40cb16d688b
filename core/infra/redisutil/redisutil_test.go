package redisutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestParseOptionsNoTLS(t *testing.T) {
	opts, err := ParseOptions("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig != nil {
		t.Fatalf("expected nil TLS config")
	}
	if opts.DB != 2 {
		t.Fatalf("expected db 2, got %d", opts.DB)
	}
}

func TestParseOptionsInvalidURL(t *testing.T) {
	if _, err := ParseOptions("http://nope"); err == nil {
		t.Fatalf("expected url error")
	}
}

func TestParseOptionsInsecureTLS(t *testing.T) {
	t.Setenv(envTLSInsecure, "yes")
	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected insecure TLS config")
	}
}

func TestBuildTLSWithCertificates(t *testing.T) {
	certPath, keyPath := writeTempCert(t, t.TempDir())
	cfg, err := BuildTLS(nil, TLSSettings{CAPath: certPath, CertPath: certPath, KeyPath: keyPath, ServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("BuildTLS: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected CA pool and client certificate")
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected server name %q", cfg.ServerName)
	}
}

func TestBuildTLSMissingKey(t *testing.T) {
	certPath, _ := writeTempCert(t, t.TempDir())
	if _, err := BuildTLS(nil, TLSSettings{CertPath: certPath}); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestConnectPings(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := srv.Get("k"); got != "v" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestConnectFailsWhenDown(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	if _, err := Connect(context.Background(), "redis://"+addr, 200*time.Millisecond); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestKeyspace(t *testing.T) {
	if got := Keyspace("cad").Key("inst", "abc"); got != "cad:inst:abc" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Keyspace("").Key("q", "due"); got != "q:due" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestSplitAddrs(t *testing.T) {
	got := splitAddrs(" a:1, b:2\nc:3 ")
	if len(got) != 3 || got[2] != "c:3" {
		t.Fatalf("unexpected addrs %v", got)
	}
}

func writeTempCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
