package cadence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/welcomecrm/cadence/core/infra/logging"
)

const correlatorComponent = "cadence-correlator"

// Signal types accepted by the correlator.
const (
	SignalTaskCompleted    = "task_completed"
	SignalWhatsAppInbound  = "whatsapp_inbound"
	SignalMessageDelivered = "message_delivered"
	SignalManualOverride   = "manual_override"
	SignalCardStageChanged = "card_stage_changed"
)

// Signal is an external event that may resume a waiting instance. Action
// applies to manual_override: "resume" (default) or "cancel".
type Signal struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	CardID     string         `json:"card_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Action     string         `json:"action,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	StageID    string         `json:"stage_id,omitempty"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// SignalResult summarizes what a signal did.
type SignalResult struct {
	Duplicate    bool     `json:"duplicate,omitempty"`
	Resumed      []string `json:"resumed,omitempty"`
	Cancelled    []string `json:"cancelled,omitempty"`
	Started      []string `json:"started,omitempty"`
	TasksCreated []string `json:"tasks_created,omitempty"`
	TasksSkipped []string `json:"tasks_skipped,omitempty"`
}

func (r *SignalResult) matched() bool {
	return len(r.Resumed)+len(r.Cancelled)+len(r.Started)+len(r.TasksCreated)+len(r.TasksSkipped) > 0
}

// Entry rule actions.
const (
	EntryActionStartCadence = "start_cadence"
	EntryActionCreateTask   = "create_task"
)

// EntryTask configures the task a create_task entry rule opens.
type EntryTask struct {
	Kind        string
	Title       string
	Description string
	Priority    string
}

// Defaults for create_task entry rules.
const (
	defaultEntryTaskKind     = "contato"
	defaultEntryTaskTitle    = "Tarefa Automática"
	defaultEntryTaskPriority = "alta"
)

// EntryRule reacts to a card entering a stage: it starts TemplateID
// (start_cadence, the default) or opens a task (create_task). The task is due
// DelayMinutes later, counted in business minutes when DelayType is "business".
type EntryRule struct {
	Name         string
	StageID      string
	PipelineID   string
	Action       string
	TemplateID   string
	Task         EntryTask
	DelayMinutes int
	DelayType    string
}

// Correlator routes external signals to the instances waiting for them.
type Correlator struct {
	mgr      *Manager
	rules    []EntryRule
	tasks    TaskService
	cards    CardService
	dedupTTL time.Duration
}

func NewCorrelator(mgr *Manager, rules []EntryRule) *Correlator {
	return &Correlator{mgr: mgr, rules: rules, dedupTTL: 24 * time.Hour}
}

// WithTasks sets the services create_task entry rules use.
func (c *Correlator) WithTasks(tasks TaskService, cards CardService) *Correlator {
	c.tasks = tasks
	c.cards = cards
	return c
}

// Handle applies sig. Signals carrying an id are processed at most once.
// A signal that matches no waiting instance is logged and dropped.
func (c *Correlator) Handle(ctx context.Context, sig *Signal) (*SignalResult, error) {
	if sig == nil || sig.Type == "" {
		return nil, Permanentf("signal type required")
	}
	if sig.CardID == "" && sig.InstanceID == "" {
		return nil, Permanentf("signal %s: card_id or instance_id required", sig.Type)
	}
	res := &SignalResult{}
	store := c.mgr.store
	dedupKey := "signal:" + sig.ID
	if sig.ID != "" {
		seen, err := store.Recall(ctx, dedupKey)
		if err != nil {
			return nil, err
		}
		if seen != "" {
			res.Duplicate = true
			c.mgr.opts.Metrics.IncSignals(sig.Type, "duplicate")
			return res, nil
		}
	}

	var err error
	switch sig.Type {
	case SignalTaskCompleted:
		err = c.resume(ctx, sig, res, ResumeRequest{
			Statuses: []InstanceStatus{StatusWaitingTask},
			TaskID:   sig.TaskID,
			Outcome:  sig.Outcome,
			Success:  c.mgr.IsSuccessful(sig.Outcome),
		})
	case SignalWhatsAppInbound:
		outcome := sig.Outcome
		if outcome == "" {
			outcome = SignalWhatsAppInbound
		}
		// A reply also proves delivery.
		err = c.resume(ctx, sig, res, ResumeRequest{
			Statuses:   []InstanceStatus{StatusWaitingEvent},
			WaitingFor: []string{WaitReply, WaitDelivery},
			Outcome:    outcome,
			Success:    true,
		})
	case SignalMessageDelivered:
		err = c.resume(ctx, sig, res, ResumeRequest{
			Statuses:   []InstanceStatus{StatusWaitingEvent},
			WaitingFor: []string{WaitDelivery},
			Outcome:    sig.Outcome,
		})
	case SignalManualOverride:
		if sig.Action == "cancel" {
			err = c.cancel(ctx, sig, res)
		} else {
			err = c.resume(ctx, sig, res, ResumeRequest{
				Statuses: []InstanceStatus{StatusWaitingTask, StatusWaitingEvent},
				Outcome:  sig.Outcome,
				Success:  c.mgr.IsSuccessful(sig.Outcome),
			})
		}
	case SignalCardStageChanged:
		err = c.applyEntryRules(ctx, sig, res)
	default:
		return nil, Permanentf("unknown signal type %q", sig.Type)
	}
	if err != nil {
		c.mgr.opts.Metrics.IncSignals(sig.Type, "error")
		return nil, err
	}

	result := "unmatched"
	if res.matched() {
		result = "matched"
	} else {
		logging.Info(correlatorComponent, "signal matched no waiting instance", "signal", sig.Type, "card_id", sig.CardID, "instance_id", sig.InstanceID)
	}
	c.mgr.opts.Metrics.IncSignals(sig.Type, result)

	if err := c.mgr.Record(ctx, c.signalEvents(sig, res, result)...); err != nil {
		logging.Warn(correlatorComponent, "record signal event failed", "signal", sig.Type, "error", err)
	}
	if sig.ID != "" {
		if _, err := store.Remember(ctx, dedupKey, sig.Type, c.dedupTTL); err != nil {
			logging.Warn(correlatorComponent, "remember signal failed", "signal_id", sig.ID, "error", err)
		}
	}
	return res, nil
}

// candidates lists the card's instances, or the named instance when it belongs
// to the signal's card.
func (c *Correlator) candidates(ctx context.Context, sig *Signal) ([]*Instance, error) {
	if sig.InstanceID != "" {
		inst, err := c.mgr.store.GetInstance(ctx, sig.InstanceID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if sig.CardID != "" && inst.CardID != sig.CardID {
			return nil, nil
		}
		return []*Instance{inst}, nil
	}
	return c.mgr.store.ListInstances(ctx, InstanceFilter{CardID: sig.CardID, Limit: 1000})
}

func (c *Correlator) resume(ctx context.Context, sig *Signal, res *SignalResult, req ResumeRequest) error {
	insts, err := c.candidates(ctx, sig)
	if err != nil {
		return err
	}
	req.Signal = sig.Type
	req.Source = SourceCorrelator
	req.Data = map[string]any{}
	if sig.ID != "" {
		req.Data["signal_id"] = sig.ID
	}
	if sig.TaskID != "" {
		req.Data["task_id"] = sig.TaskID
	}
	for _, inst := range insts {
		if !matchesStatus(inst.Status, req.Statuses) {
			continue
		}
		ok, err := c.mgr.ResumeWaiting(ctx, inst.ID, req)
		if err != nil {
			return fmt.Errorf("resume instance %s: %w", inst.ID, err)
		}
		if ok {
			res.Resumed = append(res.Resumed, inst.ID)
			logging.Info(correlatorComponent, "instance resumed", "instance_id", inst.ID, "signal", sig.Type, "outcome", req.Outcome)
		}
	}
	return nil
}

func (c *Correlator) cancel(ctx context.Context, sig *Signal, res *SignalResult) error {
	insts, err := c.candidates(ctx, sig)
	if err != nil {
		return err
	}
	reason := sig.Reason
	if reason == "" {
		reason = "manual override"
	}
	for _, inst := range insts {
		if inst.Status.Terminal() {
			continue
		}
		if _, err := c.mgr.Cancel(ctx, inst.ID, reason, SourceCorrelator); err != nil {
			return fmt.Errorf("cancel instance %s: %w", inst.ID, err)
		}
		res.Cancelled = append(res.Cancelled, inst.ID)
	}
	return nil
}

func (c *Correlator) applyEntryRules(ctx context.Context, sig *Signal, res *SignalResult) error {
	if sig.CardID == "" || sig.StageID == "" {
		return nil
	}
	for _, rule := range c.rules {
		if rule.StageID != sig.StageID {
			continue
		}
		if rule.PipelineID != "" && rule.PipelineID != sig.PipelineID {
			continue
		}
		var err error
		switch rule.Action {
		case "", EntryActionStartCadence:
			err = c.startFromRule(ctx, rule, sig, res)
		case EntryActionCreateTask:
			err = c.createTaskFromRule(ctx, rule, sig, res)
		default:
			err = Permanentf("unknown action %q", rule.Action)
		}
		if err != nil {
			return fmt.Errorf("entry rule %s: %w", rule.Name, err)
		}
	}
	return nil
}

func (c *Correlator) startFromRule(ctx context.Context, rule EntryRule, sig *Signal, res *SignalResult) error {
	inst, err := c.mgr.Start(ctx, sig.CardID, rule.TemplateID, SourceEntryRule)
	if errors.Is(err, ErrAlreadyRunning) {
		logging.Info(correlatorComponent, "entry rule skipped, cadence already running",
			"rule", rule.Name, "card_id", sig.CardID, "instance_id", RunningInstanceID(err))
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		// Redelivery cannot make a missing template appear.
		return Permanent(err)
	}
	if err != nil {
		return err
	}
	res.Started = append(res.Started, inst.ID)
	ev := c.mgr.event(inst, EventEntryRuleTriggered, SourceEntryRule, map[string]any{
		"rule":        rule.Name,
		"stage_id":    sig.StageID,
		"template_id": rule.TemplateID,
	})
	if err := c.mgr.Record(ctx, ev); err != nil {
		logging.Warn(correlatorComponent, "record entry rule event failed", "rule", rule.Name, "error", err)
	}
	return nil
}

// createTaskFromRule opens a task unless the card already has an open one of
// the same kind.
func (c *Correlator) createTaskFromRule(ctx context.Context, rule EntryRule, sig *Signal, res *SignalResult) error {
	if c.tasks == nil {
		return Permanentf("no task service configured")
	}
	kind := rule.Task.Kind
	if kind == "" {
		kind = defaultEntryTaskKind
	}
	open, err := c.tasks.FindOpenTask(ctx, sig.CardID, kind)
	if err != nil {
		return err
	}
	if open != nil {
		res.TasksSkipped = append(res.TasksSkipped, open.ID)
		logging.Info(correlatorComponent, "entry rule task skipped, open task exists",
			"rule", rule.Name, "card_id", sig.CardID, "task_id", open.ID, "kind", kind)
		ev := c.ruleEvent(EventEntryRuleTaskSkipped, rule, sig, map[string]any{
			"kind":             kind,
			"reason":           "existing_open_task",
			"existing_task_id": open.ID,
		})
		ev.ActionTaken = "skip_duplicate"
		c.recordRuleEvent(ctx, rule, ev)
		return nil
	}

	task := &Task{
		CardID:      sig.CardID,
		Kind:        kind,
		Title:       rule.Task.Title,
		Description: rule.Task.Description,
		Priority:    rule.Task.Priority,
		Status:      "open",
	}
	if task.Title == "" {
		task.Title = defaultEntryTaskTitle
	}
	if task.Priority == "" {
		task.Priority = defaultEntryTaskPriority
	}
	if sig.ID != "" {
		task.IdempotencyKey = "entry:" + rule.Name + ":" + sig.ID
	}
	if c.cards != nil {
		card, err := c.cards.GetCard(ctx, sig.CardID)
		if err != nil {
			return err
		}
		task.AssigneeID = card.OwnerID
	}
	due := c.entryTaskDue(rule)
	task.DueAt = &due

	created, err := c.tasks.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	if created == nil || created.ID == "" {
		return errors.New("task service returned no task id")
	}
	res.TasksCreated = append(res.TasksCreated, created.ID)
	logging.Info(correlatorComponent, "entry rule task created",
		"rule", rule.Name, "card_id", sig.CardID, "task_id", created.ID, "kind", kind, "due_at", due)
	ev := c.ruleEvent(EventEntryRuleTaskCreated, rule, sig, map[string]any{
		"kind":    kind,
		"task_id": created.ID,
		"due_at":  due,
	})
	ev.ActionTaken = "create_task"
	ev.ActionResult = created.ID
	c.recordRuleEvent(ctx, rule, ev)
	return nil
}

func (c *Correlator) entryTaskDue(rule EntryRule) time.Time {
	now := c.mgr.Now()
	if rule.DelayMinutes <= 0 {
		return now
	}
	if rule.DelayType == "business" {
		return c.mgr.sched.AddBusinessMinutes(nil, now, rule.DelayMinutes)
	}
	return now.Add(time.Duration(rule.DelayMinutes) * time.Minute)
}

func (c *Correlator) ruleEvent(eventType string, rule EntryRule, sig *Signal, data map[string]any) *Event {
	data["rule"] = rule.Name
	data["stage_id"] = sig.StageID
	ev := c.mgr.event(nil, eventType, SourceEntryRule, data)
	ev.CardID = sig.CardID
	return ev
}

func (c *Correlator) recordRuleEvent(ctx context.Context, rule EntryRule, ev *Event) {
	if err := c.mgr.Record(ctx, ev); err != nil {
		logging.Warn(correlatorComponent, "record entry rule event failed", "rule", rule.Name, "error", err)
	}
}

// signalEvents builds the card-level signal_received entry plus one copy per
// instance the signal touched, so it shows up in that instance's history.
func (c *Correlator) signalEvents(sig *Signal, res *SignalResult, result string) []*Event {
	data := map[string]any{
		"signal":  sig.Type,
		"result":  result,
		"resumed": len(res.Resumed),
	}
	for k, v := range map[string]string{
		"signal_id":   sig.ID,
		"task_id":     sig.TaskID,
		"outcome":     sig.Outcome,
		"action":      sig.Action,
		"stage_id":    sig.StageID,
		"instance_id": sig.InstanceID,
	} {
		if v != "" {
			data[k] = v
		}
	}
	ev := c.mgr.event(nil, EventSignalReceived, SourceCorrelator, data)
	ev.CardID = sig.CardID
	ev.ActionResult = result
	events := []*Event{ev}

	touched := make([]string, 0, len(res.Resumed)+len(res.Cancelled)+len(res.Started))
	touched = append(touched, res.Resumed...)
	touched = append(touched, res.Cancelled...)
	touched = append(touched, res.Started...)
	for _, id := range touched {
		cp := make(map[string]any, len(data))
		for k, v := range data {
			cp[k] = v
		}
		own := c.mgr.event(nil, EventSignalReceived, SourceCorrelator, cp)
		own.InstanceID = id
		own.CardID = sig.CardID
		own.ActionResult = result
		events = append(events, own)
	}
	return events
}
