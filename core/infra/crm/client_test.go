package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/welcomecrm/cadence/core/cadence"
)

type fakeCRM struct {
	mu       sync.Mutex
	tasks    map[string]*cadence.Task
	byKey    map[string]string
	moves    []map[string]string
	failNext int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{tasks: map[string]*cadence.Task{}, byKey: map[string]string{}}
}

func (f *fakeCRM) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/cards/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id := r.PathValue("id")
		if id == "missing" {
			http.Error(w, "no such card", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(cadence.Card{ID: id, PipelineID: "sales", StageID: "new", OwnerID: "u-1"})
	})
	mux.HandleFunc("POST /api/v1/cards/{id}/move", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failNext > 0 {
			f.failNext--
			http.Error(w, "db down", http.StatusServiceUnavailable)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode move: %v", err)
		}
		body["card_id"] = r.PathValue("id")
		f.moves = append(f.moves, body)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/cards/{id}/lost", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "card already won", http.StatusConflict)
	})
	mux.HandleFunc("GET /api/v1/cards/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []*cadence.Task{}
		for _, task := range f.tasks {
			if task.CardID == r.PathValue("id") && task.Kind == r.URL.Query().Get("kind") && task.Status == r.URL.Query().Get("status") {
				out = append(out, task)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if id, ok := f.byKey[r.Header.Get("Idempotency-Key")]; ok {
			_ = json.NewEncoder(w).Encode(f.tasks[id])
			return
		}
		var task cadence.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		task.ID = "t-" + task.Kind
		task.Status = "open"
		f.tasks[task.ID] = &task
		f.byKey[r.Header.Get("Idempotency-Key")] = task.ID
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(task)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeCRM) {
	t.Helper()
	f := newFakeCRM()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(srv.URL, "secret", 0), f
}

func TestGetCard(t *testing.T) {
	c, _ := newTestClient(t)
	card, err := c.GetCard(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if card.ID != "c-1" || card.OwnerID != "u-1" || card.StageID != "new" {
		t.Fatalf("unexpected card %+v", card)
	}

	_, err = c.GetCard(context.Background(), "missing")
	if !errors.Is(err, cadence.ErrNotFound) || !cadence.IsPermanent(err) {
		t.Fatalf("expected permanent not found, got %v", err)
	}

	c.APIKey = "wrong"
	_, err = c.GetCard(context.Background(), "c-1")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized || !cadence.IsPermanent(err) {
		t.Fatalf("expected permanent 401, got %v", err)
	}
}

func TestMoveStageRetriesAreTransient(t *testing.T) {
	c, f := newTestClient(t)
	f.failNext = 1

	err := c.MoveStage(context.Background(), "c-1", "sales", "qualified")
	if err == nil || cadence.IsPermanent(err) {
		t.Fatalf("expected transient 503, got %v", err)
	}
	if err := c.MoveStage(context.Background(), "c-1", "sales", "qualified"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(f.moves) != 1 || f.moves[0]["stage_id"] != "qualified" || f.moves[0]["pipeline_id"] != "sales" {
		t.Fatalf("unexpected moves %v", f.moves)
	}
}

func TestMarkLostConflictIsPermanent(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.MarkLost(context.Background(), "c-1", "no-budget")
	if err == nil || !cadence.IsPermanent(err) {
		t.Fatalf("expected permanent 409, got %v", err)
	}
}

func TestTasksRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	open, err := c.FindOpenTask(ctx, "c-1", "call")
	if err != nil || open != nil {
		t.Fatalf("expected no open task, got %v %v", open, err)
	}
	task := &cadence.Task{CardID: "c-1", Kind: "call", Title: "Call lead", IdempotencyKey: "i-1:call"}
	created, err := c.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := c.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if created.ID == "" || created.ID != again.ID {
		t.Fatalf("idempotency key must return the same task: %q %q", created.ID, again.ID)
	}
	open, err = c.FindOpenTask(ctx, "c-1", "call")
	if err != nil || open == nil || open.ID != created.ID {
		t.Fatalf("expected open task %s, got %v %v", created.ID, open, err)
	}
}

func TestUnreachableCRMIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "", 0).GetCard(context.Background(), "c-1")
	if err == nil || cadence.IsPermanent(err) {
		t.Fatalf("expected transient network error, got %v", err)
	}
}
