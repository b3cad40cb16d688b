package cadence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/welcomecrm/cadence/core/infra/schema"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTasks struct {
	mu        sync.Mutex
	tasks     []*Task
	created   int
	createErr error
}

func (f *fakeTasks) FindOpenTask(_ context.Context, cardID, kind string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.CardID == cardID && t.Kind == kind && t.Status == "open" {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeTasks) CreateTask(_ context.Context, task *Task) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	cp := *task
	cp.ID = fmt.Sprintf("task-%d", f.created)
	f.tasks = append(f.tasks, &cp)
	out := cp
	return &out, nil
}

func (f *fakeTasks) complete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			t.Status = "done"
		}
	}
}

func (f *fakeTasks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type fakeCards struct {
	mu      sync.Mutex
	cards   map[string]*Card
	moves   []string
	lost    []string
	moveErr error
	panics  bool
}

func newFakeCards() *fakeCards {
	return &fakeCards{cards: map[string]*Card{}}
}

func (f *fakeCards) GetCard(_ context.Context, cardID string) (*Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cards[cardID]; ok {
		cp := *c
		return &cp, nil
	}
	return &Card{ID: cardID, PipelineID: "p-1", StageID: "s-1", OwnerID: "owner-1"}, nil
}

func (f *fakeCards) MoveStage(_ context.Context, cardID, _ string, stageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("card service exploded")
	}
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, cardID+"->"+stageID)
	return nil
}

func (f *fakeCards) MarkLost(_ context.Context, cardID, reasonID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, cardID+":"+reasonID)
	return nil
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []*Message
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *recordingSink) Publish(_ context.Context, events []*Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type testEnv struct {
	mr         *miniredis.Miniredis
	client     *redis.Client
	store      *RedisStore
	templates  *RedisTemplateStore
	clock      *testClock
	tasks      *fakeTasks
	cards      *fakeCards
	messenger  *fakeMessenger
	sink       *recordingSink
	mgr        *Manager
	dispatcher *Dispatcher
}

// t0 is Monday 2026-03-02 13:00 UTC.
var t0 = time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	schemas, err := schema.StepSchemas()
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	clock := &testClock{now: t0}
	store := NewRedisStore(client)
	templates := NewRedisTemplateStore(client, schemas)
	templates.now = clock.Now

	cal, err := NewCalendar("UTC", 9, 18, nil)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	env := &testEnv{
		mr:        mr,
		client:    client,
		store:     store,
		templates: templates,
		clock:     clock,
		tasks:     &fakeTasks{},
		cards:     newFakeCards(),
		messenger: &fakeMessenger{},
		sink:      &recordingSink{},
	}
	env.mgr = NewManager(store, templates, NewScheduler(cal), Options{
		Now:                clock.Now,
		Backoff:            Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
		MaxAttempts:        3,
		SuccessfulOutcomes: []string{"answered"},
		Sink:               env.sink,
	})
	env.dispatcher = NewDispatcher(env.mgr, Handlers{
		Task:      &TaskHandler{Tasks: env.tasks, Cards: env.cards, Ledger: store, Now: clock.Now},
		Message:   &MessageHandler{Messenger: env.messenger, Ledger: store},
		StageMove: &StageMoveHandler{Cards: env.cards},
		Condition: &ConditionHandler{Cards: env.cards, SuccessfulOutcomes: []string{"answered"}},
		End:       &EndHandler{Cards: env.cards},
	}, DispatcherConfig{Workers: 1, StepTimeout: 5 * time.Second})
	return env
}

func (e *testEnv) save(t *testing.T, tpl *Template) *Template {
	t.Helper()
	saved, err := e.templates.Save(context.Background(), tpl)
	if err != nil {
		t.Fatalf("save template %s: %v", tpl.ID, err)
	}
	return saved
}

func (e *testEnv) start(t *testing.T, cardID, templateID string) *Instance {
	t.Helper()
	inst, err := e.mgr.Start(context.Background(), cardID, templateID, SourceOperator)
	if err != nil {
		t.Fatalf("start %s/%s: %v", cardID, templateID, err)
	}
	return inst
}

// runDue processes due items until none is claimable and returns how many ran.
func (e *testEnv) runDue(t *testing.T) int {
	t.Helper()
	n := 0
	for i := 0; i < 100; i++ {
		ok, err := e.dispatcher.RunOnce(context.Background(), "worker-1")
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if !ok {
			return n
		}
		n++
	}
	t.Fatalf("dispatcher did not drain")
	return n
}

func (e *testEnv) instance(t *testing.T, id string) *Instance {
	t.Helper()
	inst, err := e.store.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	return inst
}

func (e *testEnv) items(t *testing.T, instanceID string) []*QueueItem {
	t.Helper()
	items, err := e.store.ItemsForInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	return items
}

func (e *testEnv) pending(t *testing.T, instanceID string) []*QueueItem {
	t.Helper()
	var out []*QueueItem
	for _, it := range e.items(t, instanceID) {
		if it.Status == ItemPending {
			out = append(out, it)
		}
	}
	return out
}

func (e *testEnv) eventTypes(t *testing.T, instanceID string) []string {
	t.Helper()
	events, err := e.store.ListEvents(context.Background(), instanceID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func taskStep(key, kind string) *Step {
	return &Step{Key: key, Type: StepTypeTask, Config: map[string]any{"kind": kind, "title": "Call " + kind}}
}

func endStep(key, result string) *Step {
	return &Step{Key: key, Type: StepTypeEnd, Config: map[string]any{"result": result}}
}

func waitStep(key, duration string) *Step {
	return &Step{Key: key, Type: StepTypeWait, Config: map[string]any{"duration": duration}}
}

func linear(id string, steps ...*Step) *Template {
	for i, s := range steps {
		s.Ordinal = i + 1
	}
	return &Template{ID: id, Name: id, ScheduleMode: ScheduleInterval, Steps: steps}
}

var errCRMDown = errors.New("crm unavailable")
