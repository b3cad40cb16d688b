package cadence

import (
	"context"
	"time"
)

// Card is the CRM record a cadence runs against.
type Card struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipeline_id"`
	StageID    string         `json:"stage_id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// CardService reads cards and moves them through the pipeline.
type CardService interface {
	GetCard(ctx context.Context, cardID string) (*Card, error)
	MoveStage(ctx context.Context, cardID, pipelineID, stageID string) error
	MarkLost(ctx context.Context, cardID, reasonID string) error
}

// Task is a to-do created on a card for a human to complete.
type Task struct {
	ID             string     `json:"id,omitempty"`
	CardID         string     `json:"card_id"`
	Kind           string     `json:"kind"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	AssigneeID     string     `json:"assignee_id,omitempty"`
	Status         string     `json:"status,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// TaskService creates tasks. FindOpenTask returns nil, nil when nothing is open.
type TaskService interface {
	FindOpenTask(ctx context.Context, cardID, kind string) (*Task, error)
	CreateTask(ctx context.Context, task *Task) (*Task, error)
}

// Message is an outbound contact attempt.
type Message struct {
	IdempotencyKey string `json:"idempotency_key"`
	CardID         string `json:"card_id"`
	InstanceID     string `json:"instance_id"`
	Channel        string `json:"channel"`
	TemplateName   string `json:"template_name,omitempty"`
	Body           string `json:"body,omitempty"`
	Subject        string `json:"subject,omitempty"`
}

// Messenger hands messages to the outbound channel.
type Messenger interface {
	Send(ctx context.Context, msg *Message) error
}

// EventSink receives events after they are committed to the log.
type EventSink interface {
	Publish(ctx context.Context, events []*Event)
}
