package cadence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/welcomecrm/cadence/core/infra/redisutil"
)

const (
	ks redisutil.Keyspace = "cad"

	recentEventsMax = 1000
	maxTxRetries    = 8
	defaultListSize = 100
)

var errNotClaimable = errors.New("item not claimable")

// RedisStore implements Store on Redis. Multi-key invariants (one active
// instance per card and template, one processing item per instance, no enqueue
// after cancel) are enforced with WATCH/MULTI transactions.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, r reader, key string) (*T, error) {
	data, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &v, nil
}

func getString(ctx context.Context, r reader, key string) (string, error) {
	val, err := r.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) CreateInstance(ctx context.Context, inst *Instance, first *QueueItem, events []*Event) error {
	if inst == nil || inst.ID == "" || inst.CardID == "" || inst.TemplateID == "" {
		return fmt.Errorf("instance id, card id and template id required")
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("create instance in terminal status %s: %w", inst.Status, ErrInvalidTransition)
	}
	prepareEvents(events)
	guard := activeKey(inst.CardID, inst.TemplateID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			holder, err := getString(ctx, tx, guard)
			if err != nil {
				return err
			}
			if holder != "" && holder != inst.ID {
				existing, err := getJSON[Instance](ctx, tx, instKey(holder))
				switch {
				case err == nil && !existing.Status.Terminal():
					return &AlreadyRunningError{InstanceID: holder}
				case err != nil && !errors.Is(err, ErrNotFound):
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, guard, inst.ID, 0)
				if err := writeInstance(ctx, pipe, inst, ""); err != nil {
					return err
				}
				if first != nil {
					if err := writeItem(ctx, pipe, first, "", ""); err != nil {
						return err
					}
				}
				return appendEvents(ctx, pipe, events)
			})
			return err
		}, guard)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("create instance %s: %w", inst.ID, ErrConflict)
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id required")
	}
	inst, err := getJSON[Instance](ctx, s.client, instKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst, err
}

// ListInstances returns instances newest first. Filtering by card reads the
// card's set; other filters read a sorted index.
func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListSize
	}
	var (
		ids []string
		err error
	)
	switch {
	case filter.CardID != "":
		ids, err = s.client.SMembers(ctx, instCardKey(filter.CardID)).Result()
	case filter.Status != "" && filter.TemplateID != "":
		ids, err = s.client.ZRevRange(ctx, instStatusKey(filter.Status), 0, -1).Result()
	case filter.Status != "":
		ids, err = s.client.ZRevRange(ctx, instStatusKey(filter.Status), 0, limit-1).Result()
	case filter.TemplateID != "":
		ids, err = s.client.ZRevRange(ctx, instTemplateKey(filter.TemplateID), 0, limit-1).Result()
	default:
		ids, err = s.client.ZRevRange(ctx, instAllKey(), 0, limit-1).Result()
	}
	if err != nil {
		return nil, err
	}
	all, err := loadMany[Instance](ctx, s.client, ids, instKey)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if filter.TemplateID != "" && inst.TemplateID != filter.TemplateID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.CardID != "" && inst.CardID != filter.CardID {
			continue
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	if id == "" {
		return nil, fmt.Errorf("item id required")
	}
	item, err := getJSON[QueueItem](ctx, s.client, itemKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return item, err
}

// ListItems lists items by status. Without a status it returns pending items
// (soonest due first) followed by processing items (oldest claim first).
func (s *RedisStore) ListItems(ctx context.Context, filter ItemFilter) ([]*QueueItem, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListSize
	}
	var ids []string
	switch filter.Status {
	case "":
		for _, st := range []ItemStatus{ItemPending, ItemProcessing} {
			part, err := s.client.ZRange(ctx, itemStatusKey(st), 0, limit-1).Result()
			if err != nil {
				return nil, err
			}
			ids = append(ids, part...)
		}
		if int64(len(ids)) > limit {
			ids = ids[:limit]
		}
	case ItemPending, ItemProcessing:
		part, err := s.client.ZRange(ctx, itemStatusKey(filter.Status), 0, limit-1).Result()
		if err != nil {
			return nil, err
		}
		ids = part
	default:
		part, err := s.client.ZRevRange(ctx, itemStatusKey(filter.Status), 0, limit-1).Result()
		if err != nil {
			return nil, err
		}
		ids = part
	}
	return loadMany[QueueItem](ctx, s.client, ids, itemKey)
}

func (s *RedisStore) ItemsForInstance(ctx context.Context, instanceID string) ([]*QueueItem, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id required")
	}
	ids, err := s.client.SMembers(ctx, instItemsKey(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	items, err := loadMany[QueueItem](ctx, s.client, ids, itemKey)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ExecuteAt.Before(items[j].ExecuteAt)
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, worker string, scanLimit int64) (*QueueItem, error) {
	if worker == "" {
		return nil, fmt.Errorf("worker id required")
	}
	if scanLimit <= 0 {
		scanLimit = 50
	}
	ids, err := s.client.ZRangeByScore(ctx, dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: scanLimit,
	}).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		item, err := s.tryClaim(ctx, id, now, worker)
		if err != nil {
			if errors.Is(err, redis.TxFailedErr) || errors.Is(err, errNotClaimable) {
				continue
			}
			return nil, err
		}
		return item, nil
	}
	return nil, nil
}

func (s *RedisStore) tryClaim(ctx context.Context, id string, now time.Time, worker string) (*QueueItem, error) {
	cur, err := getJSON[QueueItem](ctx, s.client, itemKey(id))
	if errors.Is(err, ErrNotFound) {
		_ = s.client.ZRem(ctx, dueKey(), id).Err()
		return nil, errNotClaimable
	}
	if err != nil {
		return nil, err
	}
	guard := processingKey(cur.InstanceID)
	var claimed *QueueItem
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		item, err := getJSON[QueueItem](ctx, tx, itemKey(id))
		if err != nil {
			return err
		}
		if item.Status != ItemPending || item.ExecuteAt.After(now) {
			return errNotClaimable
		}
		holder, err := getString(ctx, tx, guard)
		if err != nil {
			return err
		}
		if holder != "" {
			return errNotClaimable
		}
		at := now.UTC()
		item.Status = ItemProcessing
		item.Attempts++
		item.ClaimedBy = worker
		item.ClaimedAt = &at
		item.UpdatedAt = at
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := writeItem(ctx, pipe, item, ItemPending, ""); err != nil {
				return err
			}
			pipe.Set(ctx, guard, item.ID, 0)
			return nil
		})
		if err == nil {
			claimed = item
		}
		return err
	}, itemKey(id), guard)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *RedisStore) StaleProcessing(ctx context.Context, olderThan time.Time, limit int64) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = defaultListSize
	}
	ids, err := s.client.ZRangeByScore(ctx, itemStatusKey(ItemProcessing), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return loadMany[QueueItem](ctx, s.client, ids, itemKey)
}

func (s *RedisStore) Mutate(ctx context.Context, instanceID, itemID string, fn MutateFunc) error {
	if instanceID == "" {
		return fmt.Errorf("instance id required")
	}
	if fn == nil {
		return fmt.Errorf("mutate func required")
	}
	keys := []string{instKey(instanceID), pendingKey(instanceID), processingKey(instanceID)}
	if itemID != "" {
		keys = append(keys, itemKey(itemID))
	}
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			return s.mutate(ctx, tx, instanceID, itemID, fn)
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("mutate instance %s: %w", instanceID, ErrConflict)
}

func (s *RedisStore) mutate(ctx context.Context, tx *redis.Tx, instanceID, itemID string, fn MutateFunc) error {
	inst, err := getJSON[Instance](ctx, tx, instKey(instanceID))
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	var item *QueueItem
	if itemID != "" {
		item, err = getJSON[QueueItem](ctx, tx, itemKey(itemID))
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("queue item %s: %w", itemID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if item.InstanceID != instanceID {
			return fmt.Errorf("queue item %s belongs to instance %s", itemID, item.InstanceID)
		}
	}

	pendingIDs, err := tx.SMembers(ctx, pendingKey(instanceID)).Result()
	if err != nil {
		return err
	}
	guard := activeKey(inst.CardID, inst.TemplateID)
	watch := []string{guard}
	for _, id := range pendingIDs {
		if id != itemID {
			watch = append(watch, itemKey(id))
		}
	}
	if err := tx.Watch(ctx, watch...).Err(); err != nil {
		return err
	}
	pending := make([]*QueueItem, 0, len(pendingIDs))
	for _, id := range pendingIDs {
		if item != nil && id == item.ID {
			pending = append(pending, item)
			continue
		}
		p, err := getJSON[QueueItem](ctx, tx, itemKey(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		pending = append(pending, p)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].ExecuteAt.Before(pending[j].ExecuteAt)
	})

	holder, err := getString(ctx, tx, guard)
	if err != nil {
		return err
	}
	processing, err := getString(ctx, tx, processingKey(instanceID))
	if err != nil {
		return err
	}

	prevStatus := inst.Status
	prevItems := make(map[string]ItemStatus, len(pending)+1)
	for _, p := range pending {
		prevItems[p.ID] = p.Status
	}
	if item != nil {
		prevItems[item.ID] = item.Status
	}

	mut, err := fn(inst, item, pending)
	if err != nil || mut == nil {
		return err
	}
	for _, it := range mut.Items {
		if _, ok := prevItems[it.ID]; !ok {
			return fmt.Errorf("queue item %s was not loaded by this mutation", it.ID)
		}
	}
	for _, it := range mut.Enqueue {
		if _, ok := prevItems[it.ID]; ok || it.ID == "" {
			return fmt.Errorf("enqueue requires a new item id")
		}
		if it.Status != ItemPending {
			return fmt.Errorf("enqueued item %s must be pending", it.ID)
		}
	}

	var guardOp func(pipe redis.Pipeliner)
	if mut.SaveInstance {
		switch {
		case !prevStatus.Terminal() && inst.Status.Terminal():
			if holder == inst.ID {
				guardOp = func(pipe redis.Pipeliner) { pipe.Del(ctx, guard) }
			}
		case prevStatus.Terminal() && !inst.Status.Terminal():
			if holder != "" && holder != inst.ID {
				return &AlreadyRunningError{InstanceID: holder}
			}
			guardOp = func(pipe redis.Pipeliner) { pipe.Set(ctx, guard, inst.ID, 0) }
		}
	}
	var dropped []string
	if mut.DropDeadLetters {
		dropped, err = tx.SMembers(ctx, deadLetterInstKey(instanceID)).Result()
		if err != nil {
			return err
		}
	}
	prepareEvents(mut.Events)

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if mut.SaveInstance {
			if err := writeInstance(ctx, pipe, inst, prevStatus); err != nil {
				return err
			}
			if guardOp != nil {
				guardOp(pipe)
			}
		}
		for _, it := range mut.Items {
			if err := writeItem(ctx, pipe, it, prevItems[it.ID], processing); err != nil {
				return err
			}
		}
		for _, it := range mut.Enqueue {
			if err := writeItem(ctx, pipe, it, "", ""); err != nil {
				return err
			}
		}
		if mut.DeadLetter != nil {
			if err := writeDeadLetter(ctx, pipe, mut.DeadLetter); err != nil {
				return err
			}
		}
		for _, id := range dropped {
			pipe.Del(ctx, deadLetterKey(id))
			pipe.ZRem(ctx, deadLetterIndexKey(), id)
		}
		if len(dropped) > 0 {
			pipe.Del(ctx, deadLetterInstKey(instanceID))
		}
		return appendEvents(ctx, pipe, mut.Events)
	})
	return err
}

func (s *RedisStore) AppendEvents(ctx context.Context, events ...*Event) error {
	if len(events) == 0 {
		return nil
	}
	prepareEvents(events)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return appendEvents(ctx, pipe, events)
	})
	return err
}

// ListEvents returns an instance's events in append order.
func (s *RedisStore) ListEvents(ctx context.Context, instanceID string, limit int64) ([]*Event, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id required")
	}
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	raw, err := s.client.LRange(ctx, eventsKey(instanceID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return decodeEvents(raw), nil
}

// RecentEvents returns the latest events across all instances, newest first.
func (s *RedisStore) RecentEvents(ctx context.Context, limit int64) ([]*Event, error) {
	if limit <= 0 {
		limit = defaultListSize
	}
	raw, err := s.client.LRange(ctx, recentEventsKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return decodeEvents(raw), nil
}

func (s *RedisStore) ListDeadLetters(ctx context.Context, limit int64) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListSize
	}
	ids, err := s.client.ZRevRange(ctx, deadLetterIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return loadMany[DeadLetter](ctx, s.client, ids, deadLetterKey)
}

func (s *RedisStore) Recall(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("idempotency key required")
	}
	return getString(ctx, s.client, idemKey(key))
}

func (s *RedisStore) Remember(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key required")
	}
	return s.client.SetNX(ctx, idemKey(key), value, ttl).Result()
}

func loadMany[T any](ctx context.Context, client redis.UniversalClient, ids []string, key func(string) string) ([]*T, error) {
	if len(ids) == 0 {
		return []*T{}, nil
	}
	pipe := client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]*T, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func writeInstance(ctx context.Context, pipe redis.Pipeliner, inst *Instance, prev InstanceStatus) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	score := float64(inst.StartedAt.UnixMilli())
	pipe.Set(ctx, instKey(inst.ID), payload, 0)
	if prev == "" {
		pipe.ZAdd(ctx, instAllKey(), redis.Z{Score: score, Member: inst.ID})
		pipe.ZAdd(ctx, instTemplateKey(inst.TemplateID), redis.Z{Score: score, Member: inst.ID})
		pipe.SAdd(ctx, instCardKey(inst.CardID), inst.ID)
	}
	if prev != inst.Status {
		if prev != "" {
			pipe.ZRem(ctx, instStatusKey(prev), inst.ID)
		}
		pipe.ZAdd(ctx, instStatusKey(inst.Status), redis.Z{Score: score, Member: inst.ID})
	}
	return nil
}

// writeItem persists item and keeps the status, due and pending indexes in
// step with its transition from prev. processing is the current holder of the
// instance's processing guard.
func writeItem(ctx context.Context, pipe redis.Pipeliner, item *QueueItem, prev ItemStatus, processing string) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	pipe.Set(ctx, itemKey(item.ID), payload, 0)
	if prev == "" {
		pipe.SAdd(ctx, instItemsKey(item.InstanceID), item.ID)
	}
	if prev != "" && prev != item.Status {
		pipe.ZRem(ctx, itemStatusKey(prev), item.ID)
	}
	pipe.ZAdd(ctx, itemStatusKey(item.Status), redis.Z{Score: itemScore(item), Member: item.ID})
	switch {
	case item.Status == ItemPending:
		pipe.ZAdd(ctx, dueKey(), redis.Z{Score: float64(item.ExecuteAt.UnixMilli()), Member: item.ID})
		pipe.SAdd(ctx, pendingKey(item.InstanceID), item.ID)
	case prev == ItemPending:
		pipe.ZRem(ctx, dueKey(), item.ID)
		pipe.SRem(ctx, pendingKey(item.InstanceID), item.ID)
	}
	if prev == ItemProcessing && item.Status != ItemProcessing && processing == item.ID {
		pipe.Del(ctx, processingKey(item.InstanceID))
	}
	return nil
}

func itemScore(item *QueueItem) float64 {
	switch {
	case item.Status == ItemPending:
		return float64(item.ExecuteAt.UnixMilli())
	case item.Status == ItemProcessing && item.ClaimedAt != nil:
		return float64(item.ClaimedAt.UnixMilli())
	default:
		return float64(item.UpdatedAt.UnixMilli())
	}
}

func writeDeadLetter(ctx context.Context, pipe redis.Pipeliner, dl *DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe.Set(ctx, deadLetterKey(dl.QueueItemID), payload, 0)
	pipe.ZAdd(ctx, deadLetterIndexKey(), redis.Z{Score: float64(dl.CreatedAt.UnixMilli()), Member: dl.QueueItemID})
	pipe.SAdd(ctx, deadLetterInstKey(dl.InstanceID), dl.QueueItemID)
	return nil
}

func prepareEvents(events []*Event) {
	now := time.Now().UTC()
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
	}
}

func appendEvents(ctx context.Context, pipe redis.Pipeliner, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if ev.InstanceID != "" {
			pipe.RPush(ctx, eventsKey(ev.InstanceID), data)
		}
		pipe.LPush(ctx, recentEventsKey(), data)
	}
	pipe.LTrim(ctx, recentEventsKey(), 0, recentEventsMax-1)
	return nil
}

func decodeEvents(raw []string) []*Event {
	out := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out
}

func instKey(id string) string { return ks.Key("inst", id) }
func instAllKey() string { return ks.Key("inst", "all") }
func instTemplateKey(tpl string) string { return ks.Key("inst", "tpl", tpl) }
func instStatusKey(st InstanceStatus) string { return ks.Key("inst", "status", string(st)) }
func instCardKey(card string) string { return ks.Key("inst", "card", card) }
func activeKey(card, tpl string) string { return ks.Key("inst", "active", card, tpl) }
func itemKey(id string) string { return ks.Key("q", "item", id) }
func dueKey() string { return ks.Key("q", "due") }
func itemStatusKey(st ItemStatus) string { return ks.Key("q", "status", string(st)) }
func instItemsKey(instanceID string) string { return ks.Key("q", "inst", instanceID) }
func pendingKey(instanceID string) string { return ks.Key("q", "pending", instanceID) }
func processingKey(instanceID string) string { return ks.Key("q", "processing", instanceID) }
func eventsKey(instanceID string) string { return ks.Key("ev", "inst", instanceID) }
func recentEventsKey() string { return ks.Key("ev", "all") }
func idemKey(key string) string { return ks.Key("idem", key) }
func deadLetterKey(itemID string) string { return ks.Key("dlq", "item", itemID) }
func deadLetterIndexKey() string { return ks.Key("dlq", "index") }
func deadLetterInstKey(instanceID string) string { return ks.Key("dlq", "inst", instanceID) }
