package cadence

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestWaitHandler(t *testing.T) {
	cases := []struct {
		name     string
		cfg      map[string]any
		delay    time.Duration
		business int
		wantErr  string
	}{
		{name: "duration", cfg: map[string]any{"duration": "36h"}, delay: 36 * time.Hour},
		{name: "calendar minutes", cfg: map[string]any{"duration_minutes": 90}, delay: 90 * time.Minute},
		{name: "business minutes", cfg: map[string]any{"duration_minutes": 120, "duration_type": "business"}, business: 120},
		{name: "both", cfg: map[string]any{"duration": "1h", "duration_minutes": 5}, wantErr: "exclusive"},
		{name: "neither", cfg: map[string]any{}, wantErr: "needs duration"},
		{name: "garbage", cfg: map[string]any{"duration": "soon"}, wantErr: "invalid duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := WaitHandler{}.Execute(context.Background(), &Instance{ID: "i-1"}, &Step{Key: "w", Type: StepTypeWait, Config: tc.cfg}, nil)
			if tc.wantErr != "" {
				if err == nil || !IsPermanent(err) || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected permanent error %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if out.Kind != OutcomeWait || out.Delay != tc.delay || out.BusinessMinutes != tc.business {
				t.Fatalf("unexpected outcome %+v", out)
			}
		})
	}
}

func TestTaskHandlerIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := &TaskHandler{Tasks: env.tasks, Cards: env.cards, Ledger: env.store, Now: env.clock.Now}
	inst := &Instance{ID: "i-1", CardID: "c-1"}
	step := &Step{Key: "call", Type: StepTypeTask, Config: map[string]any{
		"kind": "call", "title": "Call lead", "due_in_minutes": 30,
	}}

	first, err := h.Execute(ctx, inst, step, nil)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := h.Execute(ctx, inst, step, nil)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if env.tasks.count() != 1 {
		t.Fatalf("expected one task created, got %d", env.tasks.count())
	}
	if first.WaitingTaskID != second.WaitingTaskID || first.WaitingTaskID == "" {
		t.Fatalf("expected the same task id, got %q and %q", first.WaitingTaskID, second.WaitingTaskID)
	}
	if first.ActionResult != "task_created" || second.ActionResult != "task_already_created" {
		t.Fatalf("unexpected results %q %q", first.ActionResult, second.ActionResult)
	}
	created := env.tasks.tasks[0]
	if created.AssigneeID != "owner-1" || created.IdempotencyKey != "i-1:call:1" {
		t.Fatalf("unexpected task %+v", created)
	}
	if created.DueAt == nil || !created.DueAt.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("unexpected due date %v", created.DueAt)
	}
	if first.Kind != OutcomeSuspend || first.Suspend != StatusWaitingTask || !first.ContactAttempted {
		t.Fatalf("expected suspend on waiting_task, got %+v", first)
	}
}

func TestTaskHandlerReusesOpenTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.tasks.tasks = append(env.tasks.tasks, &Task{ID: "crm-7", CardID: "c-1", Kind: "call", Status: "open"})
	h := &TaskHandler{Tasks: env.tasks, Ledger: env.store}

	out, err := h.Execute(ctx, &Instance{ID: "i-1", CardID: "c-1"}, taskStep("call", "call"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.WaitingTaskID != "crm-7" || out.ActionResult != "open_task_reused" {
		t.Fatalf("expected open task reused, got %+v", out)
	}
	if env.tasks.count() != 0 {
		t.Fatalf("no task should be created")
	}

	env.tasks.complete("crm-7")
	out, err = h.Execute(ctx, &Instance{ID: "i-1", CardID: "c-1"}, taskStep("call", "call"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.WaitingTaskID != "crm-7" {
		t.Fatalf("ledger should pin the first task, got %s", out.WaitingTaskID)
	}
}

func TestTaskHandlerNewVisitCreatesNewTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := &TaskHandler{Tasks: env.tasks, Ledger: env.store}
	inst := &Instance{ID: "i-1", CardID: "c-1", StepVisit: 1}

	first, err := h.Execute(ctx, inst, taskStep("call", "call"), nil)
	if err != nil {
		t.Fatalf("first visit: %v", err)
	}
	env.tasks.complete(first.WaitingTaskID)

	inst.StepVisit = 3
	second, err := h.Execute(ctx, inst, taskStep("call", "call"), nil)
	if err != nil {
		t.Fatalf("second visit: %v", err)
	}
	if second.WaitingTaskID == first.WaitingTaskID || second.ActionResult != "task_created" {
		t.Fatalf("expected a fresh task on a new visit, got %+v", second)
	}
	if env.tasks.count() != 2 || env.tasks.tasks[1].IdempotencyKey != "i-1:call:3" {
		t.Fatalf("unexpected tasks %d %+v", env.tasks.count(), env.tasks.tasks)
	}
}

func TestTaskHandlerWithoutWaiting(t *testing.T) {
	env := newTestEnv(t)
	h := &TaskHandler{Tasks: env.tasks}
	step := &Step{Key: "note", Type: StepTypeTask, Config: map[string]any{
		"kind": "email", "title": "Send recap", "assign_to": "user", "assign_to_user_id": "u-9", "wait_for_outcome": false,
	}}
	out, err := h.Execute(context.Background(), &Instance{ID: "i-1", CardID: "c-1"}, step, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeContinue {
		t.Fatalf("expected continue, got %s", out.Kind)
	}
	if env.tasks.tasks[0].AssigneeID != "u-9" {
		t.Fatalf("expected explicit assignee, got %s", env.tasks.tasks[0].AssigneeID)
	}
}

func TestMessageHandlerSendsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := &MessageHandler{Messenger: env.messenger, Ledger: env.store}
	step := &Step{Key: "wa", Type: StepTypeMessage, Config: map[string]any{
		"channel": "whatsapp", "template_name": "hello", "wait_for_reply": true,
	}}
	inst := &Instance{ID: "i-1", CardID: "c-1"}

	out, err := h.Execute(ctx, inst, step, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeSuspend || out.Suspend != StatusWaitingEvent || out.WaitingFor != WaitReply || out.ActionResult != "sent" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	out, err = h.Execute(ctx, inst, step, nil)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if out.ActionResult != "already_sent" || len(env.messenger.sent) != 1 {
		t.Fatalf("expected a single send, got %d (%s)", len(env.messenger.sent), out.ActionResult)
	}
	msg := env.messenger.sent[0]
	if msg.IdempotencyKey != "i-1:wa:1" || msg.Channel != "whatsapp" || msg.TemplateName != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestMessageHandlerWaitsForDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := &MessageHandler{Messenger: env.messenger, Ledger: env.store}
	step := &Step{Key: "mail", Type: StepTypeMessage, Config: map[string]any{
		"channel": "email", "body": "hi", "wait_for_delivery": true,
	}}
	inst := &Instance{ID: "i-1", CardID: "c-1", StepVisit: 1}

	out, err := h.Execute(ctx, inst, step, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeSuspend || out.WaitingFor != WaitDelivery {
		t.Fatalf("expected suspend on delivery, got %+v", out)
	}

	inst.StepVisit = 2
	if _, err := h.Execute(ctx, inst, step, nil); err != nil {
		t.Fatalf("second visit: %v", err)
	}
	if len(env.messenger.sent) != 2 || env.messenger.sent[1].IdempotencyKey != "i-1:mail:2" {
		t.Fatalf("a new visit should send again, got %d", len(env.messenger.sent))
	}
}

func TestMessageHandlerFailureIsNotRemembered(t *testing.T) {
	env := newTestEnv(t)
	env.messenger.err = Transient(errCRMDown)
	h := &MessageHandler{Messenger: env.messenger, Ledger: env.store}
	step := &Step{Key: "wa", Type: StepTypeMessage, Config: map[string]any{"channel": "sms", "body": "hi"}}

	if _, err := h.Execute(context.Background(), &Instance{ID: "i-1"}, step, nil); err == nil || IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	env.messenger.err = nil
	out, err := h.Execute(context.Background(), &Instance{ID: "i-1"}, step, nil)
	if err != nil || out.ActionResult != "sent" {
		t.Fatalf("retry should send: %+v %v", out, err)
	}
}

func TestConditionHandlerPredicates(t *testing.T) {
	cards := newFakeCards()
	cards.cards["c-1"] = &Card{ID: "c-1", StageID: "qualified", Fields: map[string]any{"budget": 5000}}
	h := &ConditionHandler{Cards: cards, SuccessfulOutcomes: []string{"answered"}}
	inst := &Instance{ID: "i-1", CardID: "c-1", SuccessfulContacts: 2, TotalContactsAttempted: 3, LastOutcome: "answered"}

	cases := []struct {
		name string
		cfg  map[string]any
		want bool
	}{
		{"in stage", map[string]any{"predicate": map[string]any{"type": "card_in_stage", "stage_id": "qualified"}}, true},
		{"in stages", map[string]any{"predicate": map[string]any{"type": "card_in_stages", "stage_ids": []any{"new", "lost"}}}, false},
		{"successful gte", map[string]any{"predicate": map[string]any{"type": "successful_contacts_gte", "value": 2}}, true},
		{"total gte", map[string]any{"predicate": map[string]any{"type": "total_contacts_gte", "value": 4}}, false},
		{"task outcome default", map[string]any{"predicate": map[string]any{"type": "task_outcome"}}, true},
		{"task outcome explicit", map[string]any{"predicate": map[string]any{"type": "task_outcome", "outcome": "no_answer"}}, false},
		{"expression", map[string]any{"expression": "card.fields.budget >= 1000 && instance.successful_contacts > 1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := map[string]any{"if_true": "yes", "if_false": "no"}
			for k, v := range tc.cfg {
				cfg[k] = v
			}
			out, err := h.Execute(context.Background(), inst, &Step{Key: "check", Type: StepTypeCondition, Config: cfg}, nil)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			want := "no"
			if tc.want {
				want = "yes"
			}
			if out.Next != want || out.Data["result"] != tc.want {
				t.Fatalf("expected branch %s, got %+v", want, out)
			}
		})
	}
}

func TestConditionHandlerRequiresOneForm(t *testing.T) {
	h := &ConditionHandler{}
	_, err := h.Execute(context.Background(), &Instance{ID: "i-1", CardID: "c-1"}, &Step{Key: "check", Type: StepTypeCondition, Config: map[string]any{}}, nil)
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestEndHandlerMarksLost(t *testing.T) {
	cards := newFakeCards()
	h := &EndHandler{Cards: cards}
	step := endStep("done", "lost")
	step.Config["move_to_stage_id"] = "archive"
	step.Config["loss_reason_id"] = "no-response"

	out, err := h.Execute(context.Background(), &Instance{ID: "i-1", CardID: "c-1"}, step, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != OutcomeComplete || out.Result != "lost" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(cards.moves) != 1 || cards.moves[0] != "c-1->archive" || len(cards.lost) != 1 {
		t.Fatalf("expected move and loss, got %v %v", cards.moves, cards.lost)
	}
}
