package cadence

import (
	"sort"
	"time"
)

// StepType identifies the kind of step in a cadence template.
type StepType string

const (
	StepTypeWait      StepType = "wait"
	StepTypeTask      StepType = "task"
	StepTypeMessage   StepType = "message"
	StepTypeStageMove StepType = "stage_move"
	StepTypeCondition StepType = "condition"
	StepTypeEnd       StepType = "end"
)

// ScheduleMode selects how step due times are derived.
type ScheduleMode string

const (
	ScheduleInterval   ScheduleMode = "interval"
	ScheduleDayPattern ScheduleMode = "day_pattern"
)

// FailurePolicy decides what happens when a step exhausts its retries.
type FailurePolicy string

const (
	OnFailureFail FailurePolicy = "fail"
	OnFailureSkip FailurePolicy = "skip"
)

// InstanceStatus captures the lifecycle of a cadence instance.
type InstanceStatus string

const (
	StatusActive       InstanceStatus = "active"
	StatusWaitingTask  InstanceStatus = "waiting_task"
	StatusWaitingEvent InstanceStatus = "waiting_event"
	StatusPaused       InstanceStatus = "paused"
	StatusCompleted    InstanceStatus = "completed"
	StatusCancelled    InstanceStatus = "cancelled"
	StatusFailed       InstanceStatus = "failed"
)

// What a waiting_event instance waits for.
const (
	WaitReply    = "reply"
	WaitDelivery = "delivery"
)

// Terminal reports whether no further transitions are expected.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Waiting reports whether the instance is suspended on an external signal.
func (s InstanceStatus) Waiting() bool {
	return s == StatusWaitingTask || s == StatusWaitingEvent
}

// ItemStatus captures the lifecycle of a queue item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemCancelled  ItemStatus = "cancelled"
	ItemFailed     ItemStatus = "failed"
)

// Template is an immutable, versioned step list.
type Template struct {
	ID                   string       `json:"id" yaml:"id"`
	Name                 string       `json:"name" yaml:"name"`
	Version              int          `json:"version" yaml:"version"`
	ScheduleMode         ScheduleMode `json:"schedule_mode" yaml:"schedule_mode"`
	RespectBusinessHours bool         `json:"respect_business_hours" yaml:"respect_business_hours"`
	BusinessHoursStart   int          `json:"business_hours_start,omitempty" yaml:"business_hours_start"`
	BusinessHoursEnd     int          `json:"business_hours_end,omitempty" yaml:"business_hours_end"`
	AllowedWeekdays      []int        `json:"allowed_weekdays,omitempty" yaml:"allowed_weekdays"`
	Timezone             string       `json:"timezone,omitempty" yaml:"timezone"`
	Steps                []*Step      `json:"steps" yaml:"steps"`
	CreatedAt            time.Time    `json:"created_at" yaml:"-"`
}

// Step is one entry of a template.
type Step struct {
	Key         string         `json:"step_key" yaml:"step_key"`
	Type        StepType       `json:"step_type" yaml:"step_type"`
	Ordinal     int            `json:"ordinal" yaml:"ordinal"`
	Config      map[string]any `json:"config,omitempty" yaml:"config"`
	NextStepKey string         `json:"next_step_key,omitempty" yaml:"next_step_key"`
	DayOffset   *int           `json:"day_offset,omitempty" yaml:"day_offset"`
	OnFailure   FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure"`
}

// Skippable reports whether an exhausted step advances instead of failing the instance.
func (s *Step) Skippable() bool {
	return s != nil && s.OnFailure == OnFailureSkip
}

// sortSteps orders steps by ordinal, keeping declaration order for ties.
func (t *Template) sortSteps() {
	sort.SliceStable(t.Steps, func(i, j int) bool {
		return t.Steps[i].Ordinal < t.Steps[j].Ordinal
	})
}

// Step returns the step with the given key.
func (t *Template) Step(key string) (*Step, bool) {
	for _, s := range t.Steps {
		if s.Key == key {
			return s, true
		}
	}
	return nil, false
}

// First returns the first step by ordinal.
func (t *Template) First() *Step {
	if len(t.Steps) == 0 {
		return nil
	}
	return t.Steps[0]
}

// Next resolves the step after key: the step's next_step_key override when set,
// otherwise the following ordinal. Nil means the cadence is finished.
func (t *Template) Next(key string) *Step {
	for i, s := range t.Steps {
		if s.Key != key {
			continue
		}
		if s.NextStepKey != "" {
			next, _ := t.Step(s.NextStepKey)
			return next
		}
		if i+1 < len(t.Steps) {
			return t.Steps[i+1]
		}
		return nil
	}
	return nil
}

// Instance is one execution of a template against one card.
type Instance struct {
	ID                     string         `json:"id"`
	CardID                 string         `json:"card_id"`
	TemplateID             string         `json:"template_id"`
	TemplateVersion        int            `json:"template_version"`
	Status                 InstanceStatus `json:"status"`
	CurrentStep            string         `json:"current_step"`
	StepVisit              int            `json:"step_visit"`
	Generation             int            `json:"generation"`
	TotalContactsAttempted int            `json:"total_contacts_attempted"`
	SuccessfulContacts     int            `json:"successful_contacts"`
	LastOutcome            string         `json:"last_outcome,omitempty"`
	WaitingTaskID          string         `json:"waiting_task_id,omitempty"`
	WaitingFor             string         `json:"waiting_for,omitempty"`
	PausedFrom             InstanceStatus `json:"paused_from,omitempty"`
	Source                 string         `json:"source,omitempty"`
	StartedAt              time.Time      `json:"started_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty"`
	CancelledAt            *time.Time     `json:"cancelled_at,omitempty"`
	CancelledReason        string         `json:"cancelled_reason,omitempty"`
	FailedAt               *time.Time     `json:"failed_at,omitempty"`
	LastError              string         `json:"last_error,omitempty"`
}

// QueueItem is one scheduled execution of a step for an instance.
type QueueItem struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	CardID     string     `json:"card_id"`
	StepKey    string     `json:"step_key"`
	Generation int        `json:"generation"`
	Status     ItemStatus `json:"status"`
	ExecuteAt  time.Time  `json:"execute_at"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Event types appended to the log.
const (
	EventCadenceStarted     = "cadence_started"
	EventCadenceCompleted   = "cadence_completed"
	EventCadenceCancelled   = "cadence_cancelled"
	EventCadenceFailed      = "cadence_failed"
	EventCadenceWaiting     = "cadence_waiting"
	EventCadenceResumed     = "cadence_resumed"
	EventCadencePaused      = "cadence_paused"
	EventCadenceUnpaused    = "cadence_unpaused"
	EventCadenceRetried     = "cadence_retried"
	EventStepExecuted       = "step_executed"
	EventStepRetryScheduled = "step_retry_scheduled"
	EventStepSkipped        = "step_skipped"
	EventStepFailed         = "step_failed"
	EventItemReleased       = "item_released"
	EventSignalReceived     = "signal_received"
	EventEntryRuleTriggered = "entry_rule_triggered"

	EventEntryRuleTaskCreated = "entry_rule_task_created"
	EventEntryRuleTaskSkipped = "entry_rule_task_skipped"
)

// Event sources.
const (
	SourceEngine     = "engine"
	SourceDispatcher = "dispatcher"
	SourceCorrelator = "correlator"
	SourceReaper     = "reaper"
	SourceOperator   = "operator"
	SourceEntryRule  = "entry_rule"
)

// Event is an immutable audit entry.
type Event struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id,omitempty"`
	CardID       string         `json:"card_id,omitempty"`
	Type         string         `json:"event_type"`
	Source       string         `json:"event_source"`
	Data         map[string]any `json:"event_data,omitempty"`
	ActionTaken  string         `json:"action_taken,omitempty"`
	ActionResult string         `json:"action_result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DeadLetter records a queue item that exhausted its retries or failed permanently.
type DeadLetter struct {
	QueueItemID string    `json:"queue_item_id"`
	InstanceID  string    `json:"instance_id"`
	CardID      string    `json:"card_id"`
	StepKey     string    `json:"step_key"`
	StepType    StepType  `json:"step_type"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	Skipped     bool      `json:"skipped,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// InstanceFilter narrows instance listings. Empty fields match everything.
type InstanceFilter struct {
	TemplateID string
	CardID     string
	Status     InstanceStatus
	Limit      int64
}

// ItemFilter narrows queue listings.
type ItemFilter struct {
	Status ItemStatus
	Limit  int64
}
