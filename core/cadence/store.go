package cadence

import (
	"context"
	"time"
)

// Store persists instances, queue items, the event log, dead letters and the
// idempotency ledger. Every state change of an instance and its items goes
// through Mutate so it commits atomically or not at all.
type Store interface {
	// CreateInstance stores a new instance with its first item, failing with an
	// *AlreadyRunningError when the (card, template) slot is taken.
	CreateInstance(ctx context.Context, inst *Instance, first *QueueItem, events []*Event) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	GetItem(ctx context.Context, id string) (*QueueItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*QueueItem, error)
	ItemsForInstance(ctx context.Context, instanceID string) ([]*QueueItem, error)

	// ClaimDue moves one due pending item to processing for worker. It returns
	// nil, nil when nothing is claimable.
	ClaimDue(ctx context.Context, now time.Time, worker string, scanLimit int64) (*QueueItem, error)
	// StaleProcessing lists items claimed before olderThan.
	StaleProcessing(ctx context.Context, olderThan time.Time, limit int64) ([]*QueueItem, error)

	// Mutate loads the instance, the optional item and the instance's pending
	// items, lets fn decide, and commits the returned mutation atomically.
	// A nil mutation commits nothing.
	Mutate(ctx context.Context, instanceID, itemID string, fn MutateFunc) error

	AppendEvents(ctx context.Context, events ...*Event) error
	ListEvents(ctx context.Context, instanceID string, limit int64) ([]*Event, error)
	RecentEvents(ctx context.Context, limit int64) ([]*Event, error)

	ListDeadLetters(ctx context.Context, limit int64) ([]*DeadLetter, error)

	// Recall returns the value stored under an idempotency key, or "".
	Recall(ctx context.Context, key string) (string, error)
	// Remember stores value unless the key exists; it reports whether it stored.
	Remember(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// MutateFunc edits the loaded documents in place and describes what to commit.
// item is nil when no item id was given. Returned errors abort without writing.
type MutateFunc func(inst *Instance, item *QueueItem, pending []*QueueItem) (*Mutation, error)

// Mutation is the write set of one Mutate call.
type Mutation struct {
	// SaveInstance persists the (modified) instance.
	SaveInstance bool
	// Items are existing items (the claimed item or pending ones) to persist.
	Items []*QueueItem
	// Enqueue are new pending items.
	Enqueue    []*QueueItem
	Events     []*Event
	DeadLetter *DeadLetter
	// DropDeadLetters removes every dead letter recorded for the instance.
	DropDeadLetters bool
}
