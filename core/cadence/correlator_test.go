package cadence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitingOnTask(t *testing.T, env *testEnv, cardID string) *Instance {
	t.Helper()
	inst := env.start(t, cardID, "calls")
	env.runDue(t)
	got := env.instance(t, inst.ID)
	if got.Status != StatusWaitingTask {
		t.Fatalf("setup: expected waiting_task, got %s", got.Status)
	}
	return got
}

func TestCorrelatorTaskCompletedResumes(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("calls", taskStep("call", "call"), endStep("done", "won")))
	c := NewCorrelator(env.mgr, nil)
	inst := waitingOnTask(t, env, "c-1")

	res, err := c.Handle(context.Background(), &Signal{
		ID: "sig-1", Type: SignalTaskCompleted, CardID: "c-1", TaskID: inst.WaitingTaskID, Outcome: "answered",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Resumed) != 1 || res.Resumed[0] != inst.ID {
		t.Fatalf("expected %s resumed, got %+v", inst.ID, res)
	}
	env.runDue(t)
	got := env.instance(t, inst.ID)
	if got.Status != StatusCompleted || got.SuccessfulContacts != 1 || got.LastOutcome != "answered" {
		t.Fatalf("unexpected instance %+v", got)
	}
}

func TestCorrelatorIsolatesCards(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("calls", taskStep("call", "call"), endStep("done", "won")))
	c := NewCorrelator(env.mgr, nil)
	inst := waitingOnTask(t, env, "c-1")

	res, err := c.Handle(context.Background(), &Signal{Type: SignalTaskCompleted, CardID: "c-2", TaskID: inst.WaitingTaskID})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Resumed) != 0 {
		t.Fatalf("signal for c-2 resumed %v", res.Resumed)
	}
	// Naming the instance does not bypass the card check.
	res, err = c.Handle(context.Background(), &Signal{Type: SignalTaskCompleted, CardID: "c-2", InstanceID: inst.ID})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Resumed) != 0 {
		t.Fatalf("signal for c-2 resumed %v by instance id", res.Resumed)
	}
	if got := env.instance(t, inst.ID); got.Status != StatusWaitingTask {
		t.Fatalf("c-1 left waiting_task: %s", got.Status)
	}
}

func TestCorrelatorIgnoresOtherTask(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("calls", taskStep("call", "call"), endStep("done", "won")))
	c := NewCorrelator(env.mgr, nil)
	inst := waitingOnTask(t, env, "c-1")

	res, err := c.Handle(context.Background(), &Signal{Type: SignalTaskCompleted, CardID: "c-1", TaskID: "task-99"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Resumed) != 0 {
		t.Fatalf("unrelated task resumed %v", res.Resumed)
	}
	if got := env.instance(t, inst.ID); got.Status != StatusWaitingTask {
		t.Fatalf("instance moved: %s", got.Status)
	}
}

func TestCorrelatorDeduplicatesSignals(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("calls", taskStep("call", "call"), taskStep("again", "call"), endStep("done", "won")))
	c := NewCorrelator(env.mgr, nil)
	waitingOnTask(t, env, "c-1")

	sig := &Signal{ID: "dup", Type: SignalManualOverride, CardID: "c-1"}
	if _, err := c.Handle(context.Background(), sig); err != nil {
		t.Fatalf("handle: %v", err)
	}
	res, err := c.Handle(context.Background(), sig)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Duplicate || len(res.Resumed) != 0 {
		t.Fatalf("expected duplicate, got %+v", res)
	}
}

func TestCorrelatorWhatsAppResumesWaitingEvent(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("chat",
		&Step{Key: "wa", Type: StepTypeMessage, Config: map[string]any{"channel": "whatsapp", "template_name": "hello", "wait_for_reply": true}},
		endStep("done", "won"),
	))
	c := NewCorrelator(env.mgr, nil)
	inst := env.start(t, "c-1", "chat")
	env.runDue(t)
	if got := env.instance(t, inst.ID); got.Status != StatusWaitingEvent {
		t.Fatalf("expected waiting_event, got %s", got.Status)
	}

	// A task completion cannot wake an instance waiting for a reply.
	res, _ := c.Handle(context.Background(), &Signal{Type: SignalTaskCompleted, CardID: "c-1"})
	if len(res.Resumed) != 0 {
		t.Fatalf("task_completed resumed a waiting_event instance")
	}
	res, err := c.Handle(context.Background(), &Signal{Type: SignalWhatsAppInbound, CardID: "c-1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Resumed) != 1 {
		t.Fatalf("expected resume, got %+v", res)
	}
	got := env.instance(t, inst.ID)
	if got.SuccessfulContacts != 1 || got.LastOutcome != SignalWhatsAppInbound {
		t.Fatalf("unexpected instance %+v", got)
	}
}

func TestCorrelatorManualCancel(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("calls", taskStep("call", "call"), endStep("done", "won")))
	c := NewCorrelator(env.mgr, nil)
	inst := waitingOnTask(t, env, "c-1")

	res, err := c.Handle(context.Background(), &Signal{Type: SignalManualOverride, CardID: "c-1", Action: "cancel", Reason: "deal won offline"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Cancelled) != 1 {
		t.Fatalf("expected cancel, got %+v", res)
	}
	got := env.instance(t, inst.ID)
	if got.Status != StatusCancelled || got.CancelledReason != "deal won offline" {
		t.Fatalf("unexpected instance %+v", got)
	}
}

func TestCorrelatorEntryRules(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("calls", taskStep("call", "call"), endStep("done", "won")))
	c := NewCorrelator(env.mgr, []EntryRule{
		{Name: "new-leads", StageID: "new", PipelineID: "sales", TemplateID: "calls"},
		{Name: "other-pipeline", StageID: "new", PipelineID: "support", TemplateID: "calls"},
	})
	ctx := context.Background()
	sig := &Signal{Type: SignalCardStageChanged, CardID: "c-1", StageID: "new", PipelineID: "sales"}

	res, err := c.Handle(ctx, sig)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Started) != 1 {
		t.Fatalf("expected one start, got %+v", res)
	}
	res, err = c.Handle(ctx, sig)
	if err != nil {
		t.Fatalf("second entry must not error: %v", err)
	}
	if len(res.Started) != 0 {
		t.Fatalf("second entry started %v", res.Started)
	}
	insts, _ := env.store.ListInstances(ctx, InstanceFilter{CardID: "c-1"})
	if len(insts) != 1 {
		t.Fatalf("expected one instance, got %d", len(insts))
	}
	if !hasType(env.eventTypes(t, insts[0].ID), EventEntryRuleTriggered) {
		t.Fatalf("missing entry_rule_triggered event")
	}
}

func TestCorrelatorRejectsMalformedSignals(t *testing.T) {
	env := newTestEnv(t)
	c := NewCorrelator(env.mgr, nil)
	for _, sig := range []*Signal{
		nil,
		{CardID: "c-1"},
		{Type: SignalTaskCompleted},
		{Type: "carrier_pigeon", CardID: "c-1"},
	} {
		if _, err := c.Handle(context.Background(), sig); err == nil || !IsPermanent(err) {
			t.Fatalf("expected permanent error for %+v, got %v", sig, err)
		}
	}
	var pe *PermanentError
	_, err := c.Handle(context.Background(), &Signal{Type: "nope", CardID: "c-1"})
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PermanentError, got %T", err)
	}
}

func TestCorrelatorLoopBackCreatesFreshTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.save(t, linear("retry-calls",
		taskStep("call", "call"),
		waitStep("pause", "1h"),
		&Step{Key: "check", Type: StepTypeCondition, Config: map[string]any{
			"predicate": map[string]any{"type": "total_contacts_gte", "value": 2},
			"if_true":   "done",
			"if_false":  "call",
		}},
		endStep("done", "won"),
	))
	c := NewCorrelator(env.mgr, nil)
	inst := env.start(t, "c-1", "retry-calls")
	env.runDue(t)

	complete := func(taskID string) {
		t.Helper()
		env.tasks.complete(taskID)
		res, err := c.Handle(ctx, &Signal{Type: SignalTaskCompleted, CardID: "c-1", TaskID: taskID, Outcome: "no_answer"})
		if err != nil || len(res.Resumed) != 1 {
			t.Fatalf("complete %s: %+v %v", taskID, res, err)
		}
		env.runDue(t)
		env.clock.Advance(time.Hour)
		env.runDue(t)
	}

	complete("task-1")
	got := env.instance(t, inst.ID)
	if got.Status != StatusWaitingTask || got.CurrentStep != "call" || got.WaitingTaskID != "task-2" {
		t.Fatalf("loop back should wait on a new task, got status=%s step=%s task=%s", got.Status, got.CurrentStep, got.WaitingTaskID)
	}
	if env.tasks.count() != 2 || got.TotalContactsAttempted != 2 {
		t.Fatalf("tasks=%d contacts=%d", env.tasks.count(), got.TotalContactsAttempted)
	}

	complete("task-2")
	got = env.instance(t, inst.ID)
	if got.Status != StatusCompleted || env.tasks.count() != 2 {
		t.Fatalf("expected completion after second contact, got %s with %d tasks", got.Status, env.tasks.count())
	}
}

func TestCorrelatorDeliveryDoesNotEndReplyWait(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.save(t, linear("chat",
		&Step{Key: "wa", Type: StepTypeMessage, Config: map[string]any{"channel": "whatsapp", "template_name": "hello", "wait_for_reply": true}},
		endStep("done", "won"),
	))
	env.save(t, linear("mail",
		&Step{Key: "send", Type: StepTypeMessage, Config: map[string]any{"channel": "email", "body": "hi", "wait_for_delivery": true}},
		endStep("done", "completed"),
	))
	c := NewCorrelator(env.mgr, nil)
	chat := env.start(t, "c-1", "chat")
	mail := env.start(t, "c-2", "mail")
	env.runDue(t)
	if got := env.instance(t, chat.ID); got.WaitingFor != WaitReply {
		t.Fatalf("expected reply wait, got %q", got.WaitingFor)
	}

	res, err := c.Handle(ctx, &Signal{Type: SignalMessageDelivered, CardID: "c-1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Resumed) != 0 {
		t.Fatalf("delivery receipt resumed a reply wait: %v", res.Resumed)
	}
	if got := env.instance(t, chat.ID); got.Status != StatusWaitingEvent {
		t.Fatalf("expected waiting_event, got %s", got.Status)
	}

	res, err = c.Handle(ctx, &Signal{Type: SignalMessageDelivered, CardID: "c-2", Outcome: "delivered"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.Resumed) != 1 || res.Resumed[0] != mail.ID {
		t.Fatalf("expected delivery wait resumed, got %+v", res)
	}
	env.runDue(t)
	got := env.instance(t, mail.ID)
	if got.Status != StatusCompleted || got.SuccessfulContacts != 0 || got.WaitingFor != "" {
		t.Fatalf("unexpected instance %+v", got)
	}
}

func TestCorrelatorEntryRuleMissingTemplateIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	c := NewCorrelator(env.mgr, []EntryRule{{Name: "r", StageID: "new", TemplateID: "ghost"}})
	_, err := c.Handle(context.Background(), &Signal{Type: SignalCardStageChanged, CardID: "c-1", StageID: "new"})
	if err == nil || !IsPermanent(err) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected permanent not found, got %v", err)
	}
}

func TestCorrelatorEntryRuleCreatesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := NewCorrelator(env.mgr, []EntryRule{{
		Name:         "first-contact",
		StageID:      "new",
		Action:       EntryActionCreateTask,
		Task:         EntryTask{Kind: "call", Title: "Call new lead"},
		DelayMinutes: 600,
		DelayType:    "business",
	}}).WithTasks(env.tasks, env.cards)

	res, err := c.Handle(ctx, &Signal{ID: "stage-1", Type: SignalCardStageChanged, CardID: "c-1", StageID: "new"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(res.TasksCreated) != 1 || len(res.Started) != 0 {
		t.Fatalf("expected one task, got %+v", res)
	}
	task := env.tasks.tasks[0]
	if task.Kind != "call" || task.Title != "Call new lead" || task.Priority != defaultEntryTaskPriority || task.AssigneeID != "owner-1" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.IdempotencyKey != "entry:first-contact:stage-1" {
		t.Fatalf("unexpected idempotency key %q", task.IdempotencyKey)
	}
	// t0 is Monday 13:00 with a 9-18 calendar: 5h today, 5h Tuesday.
	if want := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC); task.DueAt == nil || !task.DueAt.Equal(want) {
		t.Fatalf("expected due %s, got %v", want, task.DueAt)
	}

	// The open task blocks a second one of the same kind.
	res, err = c.Handle(ctx, &Signal{ID: "stage-2", Type: SignalCardStageChanged, CardID: "c-1", StageID: "new"})
	if err != nil {
		t.Fatalf("handle again: %v", err)
	}
	if len(res.TasksSkipped) != 1 || res.TasksSkipped[0] != task.ID || env.tasks.count() != 1 {
		t.Fatalf("expected skip, got %+v with %d tasks", res, env.tasks.count())
	}
	recent, err := env.store.RecentEvents(ctx, 20)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	var types []string
	for _, ev := range recent {
		types = append(types, ev.Type)
	}
	for _, want := range []string{EventEntryRuleTaskCreated, EventEntryRuleTaskSkipped} {
		if !hasType(types, want) {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
}

func TestCorrelatorCreateTaskNeedsTaskService(t *testing.T) {
	env := newTestEnv(t)
	c := NewCorrelator(env.mgr, []EntryRule{{Name: "r", StageID: "new", Action: EntryActionCreateTask}})
	_, err := c.Handle(context.Background(), &Signal{Type: SignalCardStageChanged, CardID: "c-1", StageID: "new"})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestCorrelatorSignalInInstanceHistory(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, linear("calls", taskStep("call", "call"), endStep("done", "won")))
	c := NewCorrelator(env.mgr, nil)
	inst := waitingOnTask(t, env, "c-1")

	if _, err := c.Handle(context.Background(), &Signal{ID: "s-1", Type: SignalTaskCompleted, CardID: "c-1", TaskID: inst.WaitingTaskID}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	events, err := env.store.ListEvents(context.Background(), inst.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == EventSignalReceived {
			found = ev.Data["signal_id"] == "s-1" && ev.ActionResult == "matched"
		}
	}
	if !found {
		t.Fatalf("signal_received missing from instance history")
	}
}
