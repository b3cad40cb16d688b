package cadence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/welcomecrm/cadence/core/infra/logging"
	"github.com/welcomecrm/cadence/core/infra/metrics"
)

const managerComponent = "cadence-manager"

// Options configures the manager. Zero values fall back to defaults.
type Options struct {
	Now                func() time.Time
	Backoff            Backoff
	MaxAttempts        int
	SuccessfulOutcomes []string
	Metrics            metrics.Metrics
	Sink               EventSink
	NewID              func() string
}

// Manager owns the instance state machine. All transitions go through
// Store.Mutate, so concurrent dispatchers, correlators and operators serialize
// on the instance record.
type Manager struct {
	store      Store
	templates  TemplateStore
	sched      *Scheduler
	opts       Options
	successful map[string]bool
}

func NewManager(store Store, templates TemplateStore, sched *Scheduler, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if sched == nil {
		sched = NewScheduler(nil)
	}
	successful := make(map[string]bool, len(opts.SuccessfulOutcomes))
	for _, o := range opts.SuccessfulOutcomes {
		successful[o] = true
	}
	return &Manager{store: store, templates: templates, sched: sched, opts: opts, successful: successful}
}

func (m *Manager) Store() Store { return m.store }

func (m *Manager) Templates() TemplateStore { return m.templates }

func (m *Manager) Now() time.Time { return m.opts.Now().UTC() }

// IsSuccessful reports whether a task outcome counts as a successful contact.
func (m *Manager) IsSuccessful(outcome string) bool { return m.successful[outcome] }

// TemplateFor resolves the template version an instance was started with.
func (m *Manager) TemplateFor(ctx context.Context, inst *Instance) (*Template, error) {
	tpl, err := m.templates.GetVersion(ctx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

// Start creates an active instance at the template's first step.
func (m *Manager) Start(ctx context.Context, cardID, templateID, source string) (*Instance, error) {
	if cardID == "" || templateID == "" {
		return nil, fmt.Errorf("card id and template id required")
	}
	if source == "" {
		source = SourceEngine
	}
	tpl, err := m.templates.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	first := tpl.First()
	if first == nil {
		return nil, Permanentf("template %s has no steps", templateID)
	}
	now := m.Now()
	inst := &Instance{
		ID:              m.opts.NewID(),
		CardID:          cardID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Status:          StatusActive,
		CurrentStep:     first.Key,
		StepVisit:       1,
		Generation:      1,
		Source:          source,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	item := m.newItem(inst, first.Key, m.sched.DueAt(tpl, inst, first, now), now)
	events := []*Event{m.event(inst, EventCadenceStarted, source, map[string]any{
		"template_version": tpl.Version,
		"first_step":       first.Key,
		"execute_at":       item.ExecuteAt,
	})}
	if err := m.store.CreateInstance(ctx, inst, item, events); err != nil {
		return nil, err
	}
	m.opts.Metrics.IncInstancesStarted(tpl.ID)
	logging.Info(managerComponent, "cadence started", "instance_id", inst.ID, "card_id", cardID, "template_id", tpl.ID, "source", source)
	m.publish(ctx, events)
	return inst, nil
}

// Advance settles a successfully executed item according to out. claimed is
// the item as returned by the claim; the caller must still own it.
func (m *Manager) Advance(ctx context.Context, claimed *QueueItem, tpl *Template, step *Step, out Outcome) error {
	var committed []*Event
	var finished InstanceStatus
	err := m.store.Mutate(ctx, claimed.InstanceID, claimed.ID, func(inst *Instance, item *QueueItem, _ []*QueueItem) (*Mutation, error) {
		committed, finished = nil, ""
		if err := owns(claimed, item); err != nil {
			return nil, err
		}
		now := m.Now()
		settleItem(item, ItemCompleted, "", now)
		mut := &Mutation{Items: []*QueueItem{item}}
		executed := m.event(inst, EventStepExecuted, SourceDispatcher, map[string]any{
			"step_key":  step.Key,
			"step_type": string(step.Type),
			"attempt":   item.Attempts,
			"outcome":   out.Kind.String(),
		})
		executed.ActionTaken, executed.ActionResult = out.Action, out.ActionResult
		for k, v := range out.Data {
			executed.Data[k] = v
		}
		mut.Events = append(mut.Events, executed)

		if stale(inst, item) {
			executed.Data["stale"] = true
			committed = mut.Events
			return mut, nil
		}
		mut.SaveInstance = true
		inst.UpdatedAt = now
		if out.ContactAttempted {
			inst.TotalContactsAttempted++
		}

		switch out.Kind {
		case OutcomeComplete:
			m.complete(mut, inst, out.Result, now)
		case OutcomeSuspend:
			if !out.Suspend.Waiting() {
				return nil, Permanentf("step %s: invalid suspend status %q", step.Key, out.Suspend)
			}
			inst.Status = out.Suspend
			inst.WaitingTaskID = out.WaitingTaskID
			inst.WaitingFor = ""
			if out.Suspend == StatusWaitingEvent {
				inst.WaitingFor = out.WaitingFor
				if inst.WaitingFor == "" {
					inst.WaitingFor = WaitReply
				}
			}
			mut.Events = append(mut.Events, m.event(inst, EventCadenceWaiting, SourceDispatcher, map[string]any{
				"step_key":        step.Key,
				"status":          string(out.Suspend),
				"waiting_task_id": out.WaitingTaskID,
				"waiting_for":     inst.WaitingFor,
			}))
		default:
			if err := m.proceed(mut, inst, tpl, step, out, now); err != nil {
				return nil, err
			}
		}
		if inst.Status.Terminal() {
			finished = inst.Status
		}
		committed = mut.Events
		return mut, nil
	})
	if err != nil {
		return err
	}
	if finished != "" {
		m.opts.Metrics.IncInstancesFinished(tpl.ID, string(finished))
	}
	m.publish(ctx, committed)
	return nil
}

// Suspend marks the item completed and parks the instance in a waiting status.
func (m *Manager) Suspend(ctx context.Context, claimed *QueueItem, tpl *Template, step *Step, status InstanceStatus) error {
	return m.Advance(ctx, claimed, tpl, step, Suspend(status))
}

// proceed moves inst to the step after from (or out.Next) and enqueues it,
// completing the instance when no step remains.
func (m *Manager) proceed(mut *Mutation, inst *Instance, tpl *Template, from *Step, out Outcome, now time.Time) error {
	var next *Step
	if out.Next != "" {
		s, ok := tpl.Step(out.Next)
		if !ok {
			return Permanentf("step %s: branch target %q not in template", from.Key, out.Next)
		}
		next = s
	} else {
		next = tpl.Next(from.Key)
	}
	if next == nil {
		m.complete(mut, inst, "completed", now)
		return nil
	}
	base := now
	switch {
	case !out.Until.IsZero():
		base = out.Until
	case out.BusinessMinutes > 0:
		base = m.sched.AddBusinessMinutes(tpl, now, out.BusinessMinutes)
	case out.Delay > 0:
		base = now.Add(out.Delay)
	}
	inst.CurrentStep = next.Key
	inst.StepVisit++
	mut.Enqueue = append(mut.Enqueue, m.newItem(inst, next.Key, m.sched.DueAt(tpl, inst, next, base), now))
	return nil
}

func (m *Manager) complete(mut *Mutation, inst *Instance, result string, now time.Time) {
	inst.Status = StatusCompleted
	inst.CompletedAt = &now
	inst.WaitingTaskID = ""
	inst.WaitingFor = ""
	mut.Events = append(mut.Events, m.event(inst, EventCadenceCompleted, SourceEngine, map[string]any{
		"result":                   result,
		"successful_contacts":      inst.SuccessfulContacts,
		"total_contacts_attempted": inst.TotalContactsAttempted,
	}))
}

// HandleFailure records a failed execution. Transient errors below the attempt
// ceiling reschedule the item with backoff; anything else dead-letters it and
// fails the instance, or skips the step when its policy allows.
func (m *Manager) HandleFailure(ctx context.Context, claimed *QueueItem, tpl *Template, step *Step, cause error) error {
	return m.fail(ctx, claimed, tpl, step, cause, SourceDispatcher, true)
}

func (m *Manager) fail(ctx context.Context, claimed *QueueItem, tpl *Template, step *Step, cause error, source string, checkOwner bool) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	stepType := ""
	if step != nil {
		stepType = string(step.Type)
	}
	var (
		committed []*Event
		retried   bool
		dead      bool
		finished  InstanceStatus
	)
	err := m.store.Mutate(ctx, claimed.InstanceID, claimed.ID, func(inst *Instance, item *QueueItem, pending []*QueueItem) (*Mutation, error) {
		committed, retried, dead, finished = nil, false, false, ""
		if checkOwner {
			if err := owns(claimed, item); err != nil {
				return nil, err
			}
		} else if !sameClaim(claimed, item) {
			return nil, nil
		}
		now := m.Now()
		mut := &Mutation{Items: []*QueueItem{item}}

		if stale(inst, item) {
			settleItem(item, ItemCancelled, cause.Error(), now)
			mut.Events = append(mut.Events, m.itemEvent(inst, item, EventItemReleased, source, "stale instance"))
			committed = mut.Events
			return mut, nil
		}

		permanent := IsPermanent(cause)
		if !permanent && item.Attempts < m.opts.MaxAttempts {
			delay := m.opts.Backoff.Delay(item.Attempts)
			item.Status = ItemPending
			item.ExecuteAt = now.Add(delay)
			item.LastError = cause.Error()
			item.ClaimedBy = ""
			item.ClaimedAt = nil
			item.UpdatedAt = now
			ev := m.event(inst, EventStepRetryScheduled, source, map[string]any{
				"step_key":     item.StepKey,
				"attempt":      item.Attempts,
				"next_attempt": item.Attempts + 1,
				"execute_at":   item.ExecuteAt,
				"backoff":      delay.String(),
				"error":        cause.Error(),
			})
			mut.Events = append(mut.Events, ev)
			retried = true
			committed = mut.Events
			return mut, nil
		}

		settleItem(item, ItemFailed, cause.Error(), now)
		dead = true
		mut.DeadLetter = &DeadLetter{
			QueueItemID: item.ID,
			InstanceID:  inst.ID,
			CardID:      inst.CardID,
			StepKey:     item.StepKey,
			StepType:    StepType(stepType),
			Error:       cause.Error(),
			Attempts:    item.Attempts,
			Skipped:     step.Skippable() && tpl != nil,
			CreatedAt:   now,
		}
		mut.Events = append(mut.Events, m.event(inst, EventStepFailed, source, map[string]any{
			"step_key":  item.StepKey,
			"attempts":  item.Attempts,
			"permanent": permanent,
			"error":     cause.Error(),
		}))
		mut.SaveInstance = true
		inst.UpdatedAt = now

		if step.Skippable() && tpl != nil {
			mut.Events = append(mut.Events, m.event(inst, EventStepSkipped, source, map[string]any{
				"step_key": item.StepKey,
				"error":    cause.Error(),
			}))
			if err := m.proceed(mut, inst, tpl, step, Continue(), now); err != nil {
				return nil, err
			}
		} else {
			inst.Status = StatusFailed
			inst.FailedAt = &now
			inst.LastError = cause.Error()
			cancelPending(mut, pending, "instance failed", now)
			mut.Events = append(mut.Events, m.event(inst, EventCadenceFailed, source, map[string]any{
				"step_key":   item.StepKey,
				"attempts":   item.Attempts,
				"last_error": cause.Error(),
			}))
		}
		if inst.Status.Terminal() {
			finished = inst.Status
		}
		committed = mut.Events
		return mut, nil
	})
	if err != nil {
		return err
	}
	if retried {
		m.opts.Metrics.IncStepRetries(stepType)
		logging.Warn(managerComponent, "step retry scheduled", "item_id", claimed.ID, "instance_id", claimed.InstanceID, "attempt", claimed.Attempts, "error", cause)
	}
	if dead {
		m.opts.Metrics.IncDeadLetters(stepType)
		logging.Error(managerComponent, "step dead-lettered", "item_id", claimed.ID, "instance_id", claimed.InstanceID, "attempts", claimed.Attempts, "error", cause)
	}
	if finished != "" && tpl != nil {
		m.opts.Metrics.IncInstancesFinished(tpl.ID, string(finished))
	}
	m.publish(ctx, committed)
	return nil
}

// Recover returns an item stuck in processing to the retry path. It is a no-op
// when the item was settled or re-claimed since it was observed.
func (m *Manager) Recover(ctx context.Context, observed *QueueItem, timeout time.Duration) error {
	var (
		tpl  *Template
		step *Step
	)
	if inst, err := m.store.GetInstance(ctx, observed.InstanceID); err == nil {
		if t, err := m.TemplateFor(ctx, inst); err == nil {
			tpl = t
			step, _ = t.Step(observed.StepKey)
		}
	}
	cause := Transient(fmt.Errorf("processing timeout after %s (worker %s)", timeout, observed.ClaimedBy))
	return m.fail(ctx, observed, tpl, step, cause, SourceReaper, false)
}

// Release settles a claimed item as cancelled without touching its instance.
func (m *Manager) Release(ctx context.Context, claimed *QueueItem, reason string) error {
	var committed []*Event
	err := m.store.Mutate(ctx, claimed.InstanceID, claimed.ID, func(inst *Instance, item *QueueItem, _ []*QueueItem) (*Mutation, error) {
		committed = nil
		if err := owns(claimed, item); err != nil {
			return nil, err
		}
		settleItem(item, ItemCancelled, reason, m.Now())
		mut := &Mutation{
			Items:  []*QueueItem{item},
			Events: []*Event{m.itemEvent(inst, item, EventItemReleased, SourceDispatcher, reason)},
		}
		committed = mut.Events
		return mut, nil
	})
	if err != nil {
		return err
	}
	m.publish(ctx, committed)
	return nil
}

// Cancel terminates a non-terminal instance and cancels its pending items.
// Cancelling a terminal instance returns it unchanged.
func (m *Manager) Cancel(ctx context.Context, instanceID, reason, source string) (*Instance, error) {
	if source == "" {
		source = SourceOperator
	}
	var (
		result    *Instance
		committed []*Event
		cancelled bool
	)
	err := m.store.Mutate(ctx, instanceID, "", func(inst *Instance, _ *QueueItem, pending []*QueueItem) (*Mutation, error) {
		result, committed, cancelled = inst, nil, false
		if inst.Status.Terminal() {
			return nil, nil
		}
		now := m.Now()
		inst.Status = StatusCancelled
		inst.CancelledAt = &now
		inst.CancelledReason = reason
		inst.WaitingTaskID = ""
		inst.WaitingFor = ""
		inst.UpdatedAt = now
		mut := &Mutation{SaveInstance: true}
		n := cancelPending(mut, pending, "instance cancelled", now)
		mut.Events = append(mut.Events, m.event(inst, EventCadenceCancelled, source, map[string]any{
			"reason":          reason,
			"cancelled_items": n,
			"previous_step":   inst.CurrentStep,
		}))
		committed, cancelled = mut.Events, true
		return mut, nil
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		m.opts.Metrics.IncInstancesFinished(result.TemplateID, string(StatusCancelled))
		logging.Info(managerComponent, "cadence cancelled", "instance_id", instanceID, "reason", reason, "source", source)
	}
	m.publish(ctx, committed)
	return result, nil
}

// Pause suspends an active or waiting instance and cancels its pending items.
func (m *Manager) Pause(ctx context.Context, instanceID, source string) (*Instance, error) {
	if source == "" {
		source = SourceOperator
	}
	var (
		result    *Instance
		committed []*Event
	)
	err := m.store.Mutate(ctx, instanceID, "", func(inst *Instance, _ *QueueItem, pending []*QueueItem) (*Mutation, error) {
		result, committed = inst, nil
		if inst.Status == StatusPaused {
			return nil, nil
		}
		if inst.Status != StatusActive && !inst.Status.Waiting() {
			return nil, fmt.Errorf("pause %s instance %s: %w", inst.Status, inst.ID, ErrInvalidTransition)
		}
		now := m.Now()
		inst.PausedFrom = inst.Status
		inst.Status = StatusPaused
		inst.Generation++
		inst.UpdatedAt = now
		mut := &Mutation{SaveInstance: true}
		n := cancelPending(mut, pending, "instance paused", now)
		mut.Events = append(mut.Events, m.event(inst, EventCadencePaused, source, map[string]any{
			"paused_from":     string(inst.PausedFrom),
			"cancelled_items": n,
		}))
		committed = mut.Events
		return mut, nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, committed)
	return result, nil
}

// Resume restores a paused instance to the status it was paused from,
// re-enqueueing the current step when that status was active.
func (m *Manager) Resume(ctx context.Context, instanceID, source string) (*Instance, error) {
	return m.reactivate(ctx, instanceID, source, StatusPaused, EventCadenceUnpaused)
}

// RetryFailed replays a failed instance from its current step.
func (m *Manager) RetryFailed(ctx context.Context, instanceID, source string) (*Instance, error) {
	return m.reactivate(ctx, instanceID, source, StatusFailed, EventCadenceRetried)
}

func (m *Manager) reactivate(ctx context.Context, instanceID, source string, from InstanceStatus, eventType string) (*Instance, error) {
	if source == "" {
		source = SourceOperator
	}
	snapshot, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tpl, err := m.TemplateFor(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	var (
		result    *Instance
		committed []*Event
	)
	err = m.store.Mutate(ctx, instanceID, "", func(inst *Instance, _ *QueueItem, _ []*QueueItem) (*Mutation, error) {
		result, committed = inst, nil
		if inst.Status != from {
			return nil, fmt.Errorf("%s instance %s is %s: %w", eventType, inst.ID, inst.Status, ErrInvalidTransition)
		}
		step, ok := tpl.Step(inst.CurrentStep)
		if !ok {
			return nil, Permanentf("instance %s: current step %q not in template", inst.ID, inst.CurrentStep)
		}
		now := m.Now()
		target := StatusActive
		if from == StatusPaused && inst.PausedFrom != "" {
			target = inst.PausedFrom
		}
		inst.Status = target
		inst.PausedFrom = ""
		inst.Generation++
		inst.UpdatedAt = now
		mut := &Mutation{SaveInstance: true}
		if from == StatusFailed {
			inst.FailedAt = nil
			inst.LastError = ""
			mut.DropDeadLetters = true
		}
		if target == StatusActive {
			mut.Enqueue = append(mut.Enqueue, m.newItem(inst, step.Key, m.sched.DueAt(tpl, inst, step, now), now))
		}
		mut.Events = append(mut.Events, m.event(inst, eventType, source, map[string]any{
			"status":       string(target),
			"current_step": inst.CurrentStep,
		}))
		committed = mut.Events
		return mut, nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, committed)
	return result, nil
}

// ResumeRequest describes a signal that may wake a waiting instance.
type ResumeRequest struct {
	Signal string
	// Statuses the instance must be in to match.
	Statuses []InstanceStatus
	// TaskID, when set, must equal the instance's waiting task (if it has one).
	TaskID string
	// WaitingFor, when set, lists what a waiting_event instance must be
	// waiting for to match.
	WaitingFor []string

	Outcome string
	Success bool
	Source  string
	Data    map[string]any
}

// ResumeWaiting moves a waiting instance back to active and schedules the step
// after its current one. It reports false when the instance did not match.
func (m *Manager) ResumeWaiting(ctx context.Context, instanceID string, req ResumeRequest) (bool, error) {
	if req.Source == "" {
		req.Source = SourceCorrelator
	}
	snapshot, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	tpl, err := m.TemplateFor(ctx, snapshot)
	if err != nil {
		return false, err
	}
	var (
		resumed   bool
		committed []*Event
		finished  InstanceStatus
	)
	err = m.store.Mutate(ctx, instanceID, "", func(inst *Instance, _ *QueueItem, _ []*QueueItem) (*Mutation, error) {
		resumed, committed, finished = false, nil, ""
		if !matchesStatus(inst.Status, req.Statuses) {
			return nil, nil
		}
		if req.TaskID != "" && inst.WaitingTaskID != "" && inst.WaitingTaskID != req.TaskID {
			return nil, nil
		}
		if !matchesWaitingFor(inst, req.WaitingFor) {
			return nil, nil
		}
		step, ok := tpl.Step(inst.CurrentStep)
		if !ok {
			return nil, Permanentf("instance %s: current step %q not in template", inst.ID, inst.CurrentStep)
		}
		now := m.Now()
		prev := inst.Status
		waitedFor := inst.WaitingFor
		inst.Status = StatusActive
		inst.WaitingTaskID = ""
		inst.WaitingFor = ""
		inst.UpdatedAt = now
		if req.Outcome != "" {
			inst.LastOutcome = req.Outcome
		}
		if req.Success {
			inst.SuccessfulContacts++
		}
		mut := &Mutation{SaveInstance: true}
		data := map[string]any{
			"signal":       req.Signal,
			"resumed_from": string(prev),
			"step_key":     step.Key,
		}
		if waitedFor != "" {
			data["waiting_for"] = waitedFor
		}
		if req.Outcome != "" {
			data["outcome"] = req.Outcome
		}
		for k, v := range req.Data {
			if _, exists := data[k]; !exists {
				data[k] = v
			}
		}
		ev := m.event(inst, EventCadenceResumed, req.Source, data)
		ev.ActionTaken = "resume"
		ev.ActionResult = req.Signal
		mut.Events = append(mut.Events, ev)
		if err := m.proceed(mut, inst, tpl, step, Continue(), now); err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			finished = inst.Status
		}
		resumed, committed = true, mut.Events
		return mut, nil
	})
	if err != nil {
		return false, err
	}
	if finished != "" {
		m.opts.Metrics.IncInstancesFinished(tpl.ID, string(finished))
	}
	m.publish(ctx, committed)
	return resumed, nil
}

// Record appends free-standing events (signals, entry rules) to the log.
func (m *Manager) Record(ctx context.Context, events ...*Event) error {
	if err := m.store.AppendEvents(ctx, events...); err != nil {
		return err
	}
	m.publish(ctx, events)
	return nil
}

func (m *Manager) publish(ctx context.Context, events []*Event) {
	if m.opts.Sink == nil || len(events) == 0 {
		return
	}
	m.opts.Sink.Publish(ctx, events)
}

func (m *Manager) newItem(inst *Instance, stepKey string, due, now time.Time) *QueueItem {
	return &QueueItem{
		ID:         m.opts.NewID(),
		InstanceID: inst.ID,
		CardID:     inst.CardID,
		StepKey:    stepKey,
		Generation: inst.Generation,
		Status:     ItemPending,
		ExecuteAt:  due.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (m *Manager) event(inst *Instance, eventType, source string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	ev := &Event{
		ID:        m.opts.NewID(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		CreatedAt: m.Now(),
	}
	if inst != nil {
		ev.InstanceID = inst.ID
		ev.CardID = inst.CardID
	}
	return ev
}

func (m *Manager) itemEvent(inst *Instance, item *QueueItem, eventType, source, reason string) *Event {
	return m.event(inst, eventType, source, map[string]any{
		"item_id":  item.ID,
		"step_key": item.StepKey,
		"reason":   reason,
	})
}

func cancelPending(mut *Mutation, pending []*QueueItem, reason string, now time.Time) int {
	for _, p := range pending {
		settleItem(p, ItemCancelled, reason, now)
		mut.Items = append(mut.Items, p)
	}
	return len(pending)
}

func settleItem(item *QueueItem, status ItemStatus, lastError string, now time.Time) {
	item.Status = status
	if lastError != "" {
		item.LastError = lastError
	}
	item.UpdatedAt = now
}

func stale(inst *Instance, item *QueueItem) bool {
	return inst.Status != StatusActive || item.Generation != inst.Generation || item.StepKey != inst.CurrentStep
}

func owns(claimed, cur *QueueItem) error {
	if cur == nil || !sameClaim(claimed, cur) {
		return fmt.Errorf("queue item %s: %w", claimed.ID, ErrClaimLost)
	}
	return nil
}

func sameClaim(claimed, cur *QueueItem) bool {
	return cur != nil &&
		cur.Status == ItemProcessing &&
		cur.ClaimedBy == claimed.ClaimedBy &&
		cur.Attempts == claimed.Attempts
}

func matchesStatus(status InstanceStatus, allowed []InstanceStatus) bool {
	if len(allowed) == 0 {
		return status.Waiting()
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// matchesWaitingFor applies to waiting_event instances only. Instances stored
// without a waiting reason wait for a reply.
func matchesWaitingFor(inst *Instance, allowed []string) bool {
	if inst.Status != StatusWaitingEvent || len(allowed) == 0 {
		return true
	}
	waiting := inst.WaitingFor
	if waiting == "" {
		waiting = WaitReply
	}
	for _, w := range allowed {
		if w == waiting {
			return true
		}
	}
	return false
}
