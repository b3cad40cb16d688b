package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/welcomecrm/cadence/core/cadence"
	"github.com/welcomecrm/cadence/core/infra/schema"
)

const testAPIKey = "secret"

const testTemplates = `
templates:
  - id: welcome
    name: Welcome
    steps:
      - step_key: hello
        step_type: message
        config:
          channel: whatsapp
          template_name: hello
          wait_for_reply: true
      - step_key: done
        step_type: end
        config:
          result: won
  - id: drip
    name: Drip
    steps:
      - step_key: pause
        step_type: wait
        config:
          duration: 1h
      - step_key: done
        step_type: end
        config:
          result: completed
`

type fakeMessenger struct {
	mu   sync.Mutex
	sent []*cadence.Message
}

func (f *fakeMessenger) Send(_ context.Context, msg *cadence.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type testGateway struct {
	srv        *Server
	http       *httptest.Server
	mgr        *cadence.Manager
	store      *cadence.RedisStore
	dispatcher *cadence.Dispatcher
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	schemas, err := schema.StepSchemas()
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	templates := cadence.NewRedisTemplateStore(client, schemas)
	tpls, err := cadence.ParseTemplates([]byte(testTemplates))
	if err != nil {
		t.Fatalf("parse templates: %v", err)
	}
	for _, tpl := range tpls {
		if _, err := templates.Save(context.Background(), tpl); err != nil {
			t.Fatalf("save %s: %v", tpl.ID, err)
		}
	}

	hub := NewHub(0)
	store := cadence.NewRedisStore(client)
	mgr := cadence.NewManager(store, templates, cadence.NewScheduler(nil), cadence.Options{
		SuccessfulOutcomes: []string{"answered"},
		Sink:               hub,
	})
	dispatcher := cadence.NewDispatcher(mgr, cadence.Handlers{
		Message: &cadence.MessageHandler{Messenger: &fakeMessenger{}, Ledger: store},
		End:     &cadence.EndHandler{},
	}, cadence.DispatcherConfig{Workers: 1})

	srv := New(Options{
		Manager:    mgr,
		Correlator: cadence.NewCorrelator(mgr, nil),
		Hub:        hub,
		APIKey:     testAPIKey,
		Checks: map[string]Check{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{srv: srv, http: ts, mgr: mgr, store: store, dispatcher: dispatcher}
}

// do sends an authenticated request and decodes a JSON response into out.
func (g *testGateway) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, g.http.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := g.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (g *testGateway) start(t *testing.T, cardID, templateID string) string {
	t.Helper()
	var out startResponse
	if code := g.do(t, http.MethodPost, "/api/v1/cadences/start", startRequest{CardID: cardID, TemplateID: templateID}, &out); code != http.StatusCreated {
		t.Fatalf("start %s/%s: status %d", cardID, templateID, code)
	}
	return out.InstanceID
}

func (g *testGateway) runDue(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		ok, err := g.dispatcher.RunOnce(context.Background(), "worker-1")
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if !ok {
			return
		}
	}
	t.Fatalf("dispatcher did not drain")
}
