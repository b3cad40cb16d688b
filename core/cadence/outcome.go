package cadence

import "time"

// OutcomeKind tells the dispatcher how to settle a successful step.
type OutcomeKind int

const (
	// OutcomeContinue advances to the next step immediately.
	OutcomeContinue OutcomeKind = iota
	// OutcomeWait advances with the next item scheduled later.
	OutcomeWait
	// OutcomeSuspend parks the instance until a signal resumes it.
	OutcomeSuspend
	// OutcomeComplete finishes the instance regardless of remaining steps.
	OutcomeComplete
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeWait:
		return "wait"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Outcome is the result of a successful step execution.
type Outcome struct {
	Kind OutcomeKind
	// Next overrides the following step (condition branches).
	Next string
	// Delay, Until and BusinessMinutes schedule the next item for OutcomeWait.
	Delay           time.Duration
	Until           time.Time
	BusinessMinutes int
	// Suspend is waiting_task or waiting_event.
	Suspend       InstanceStatus
	WaitingTaskID string
	// WaitingFor is WaitReply or WaitDelivery for waiting_event.
	WaitingFor string
	// ContactAttempted bumps total_contacts_attempted.
	ContactAttempted bool
	// Result is the terminal label of an end step.
	Result       string
	Action       string
	ActionResult string
	Data         map[string]any
}

func Continue() Outcome {
	return Outcome{Kind: OutcomeContinue}
}

// Branch continues to the named step.
func Branch(next string) Outcome {
	return Outcome{Kind: OutcomeContinue, Next: next}
}

func Wait(d time.Duration) Outcome {
	return Outcome{Kind: OutcomeWait, Delay: d}
}

// WaitBusiness waits a number of minutes counted inside business hours.
func WaitBusiness(minutes int) Outcome {
	return Outcome{Kind: OutcomeWait, BusinessMinutes: minutes}
}

func Suspend(status InstanceStatus) Outcome {
	return Outcome{Kind: OutcomeSuspend, Suspend: status}
}

func Complete(result string) Outcome {
	return Outcome{Kind: OutcomeComplete, Result: result}
}
