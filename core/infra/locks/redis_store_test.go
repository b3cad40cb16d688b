package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), srv
}

func TestAcquireIsExclusive(t *testing.T) {
	l, srv := newTestLocker(t)
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "reaper", "engine-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = l.TryAcquire(ctx, "reaper", "engine-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	if owner, err := srv.Get("cad:lock:reaper"); err != nil || owner != "engine-a" {
		t.Fatalf("unexpected owner %q err=%v", owner, err)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	l, srv := newTestLocker(t)
	ctx := context.Background()

	if _, err := l.TryAcquire(ctx, "reaper", "engine-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := l.Release(ctx, "reaper", "engine-b"); err != nil || ok {
		t.Fatalf("foreign release must not succeed: ok=%v err=%v", ok, err)
	}
	if ok, err := l.Release(ctx, "reaper", "engine-a"); err != nil || !ok {
		t.Fatalf("owner release: ok=%v err=%v", ok, err)
	}
	if srv.Exists("cad:lock:reaper") {
		t.Fatalf("expected free lock")
	}
}

func TestLockExpiresAndRenews(t *testing.T) {
	l, srv := newTestLocker(t)
	ctx := context.Background()

	if _, err := l.TryAcquire(ctx, "reaper", "engine-a", 10*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.FastForward(5 * time.Second)
	if ok, err := l.Renew(ctx, "reaper", "engine-a", 10*time.Second); err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	srv.FastForward(8 * time.Second)
	if ok, _ := l.TryAcquire(ctx, "reaper", "engine-b", time.Second); ok {
		t.Fatalf("renewed lock should still be held")
	}
	srv.FastForward(5 * time.Second)
	if ok, err := l.TryAcquire(ctx, "reaper", "engine-b", time.Second); err != nil || !ok {
		t.Fatalf("expired lock should be acquirable: ok=%v err=%v", ok, err)
	}
	if ok, _ := l.Renew(ctx, "reaper", "engine-a", time.Second); ok {
		t.Fatalf("previous owner must not renew")
	}
}

func TestValidation(t *testing.T) {
	l, _ := newTestLocker(t)
	if _, err := l.TryAcquire(context.Background(), " ", "x", 0); err == nil {
		t.Fatalf("expected resource error")
	}
	var nilLocker *RedisLocker
	if _, err := nilLocker.Renew(context.Background(), "x", "y", 0); err == nil {
		t.Fatalf("expected unavailable error")
	}
}
