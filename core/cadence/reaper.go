package cadence

import (
	"context"
	"os"
	"time"

	"github.com/welcomecrm/cadence/core/infra/locks"
	"github.com/welcomecrm/cadence/core/infra/logging"
)

const (
	reaperComponent = "cadence-reaper"
	reaperResource  = "reaper"
	reaperBatch     = 200
)

// Reaper returns items stuck in processing (worker crash before settling) to
// the retry path. One replica reaps at a time.
type Reaper struct {
	mgr      *Manager
	locker   locks.Locker
	owner    string
	timeout  time.Duration
	interval time.Duration
}

func NewReaper(mgr *Manager, locker locks.Locker, processingTimeout, interval time.Duration) *Reaper {
	if processingTimeout <= 0 {
		processingTimeout = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	host, _ := os.Hostname()
	return &Reaper{
		mgr:      mgr,
		locker:   locker,
		owner:    host + "-" + mgr.opts.NewID(),
		timeout:  processingTimeout,
		interval: interval,
	}
}

// Start sweeps every interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				logging.Error(reaperComponent, "sweep failed", "error", err)
			}
		}
	}
}

// Sweep recovers stale items once. It returns how many were recovered; zero
// when another replica holds the reaper lock.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.locker != nil {
		ok, err := r.locker.TryAcquire(ctx, reaperResource, r.owner, r.interval*2)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() { _, _ = r.locker.Release(context.WithoutCancel(ctx), reaperResource, r.owner) }()
	}

	cutoff := r.mgr.Now().Add(-r.timeout)
	items, err := r.mgr.store.StaleProcessing(ctx, cutoff, reaperBatch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i, item := range items {
		if i > 0 && !r.renew(ctx) {
			break
		}
		if err := r.mgr.Recover(ctx, item, r.timeout); err != nil {
			logging.Error(reaperComponent, "recover item failed", "item_id", item.ID, "instance_id", item.InstanceID, "error", err)
			continue
		}
		recovered++
		logging.Warn(reaperComponent, "recovered stuck item", "item_id", item.ID, "instance_id", item.InstanceID, "worker", item.ClaimedBy, "attempts", item.Attempts)
	}
	if recovered > 0 {
		r.mgr.opts.Metrics.IncReaped(recovered)
	}
	return recovered, nil
}

// renew extends the reaper lock before the next item. False means another
// replica may now be reaping, so the sweep stops.
func (r *Reaper) renew(ctx context.Context) bool {
	if r.locker == nil {
		return true
	}
	ok, err := r.locker.Renew(ctx, reaperResource, r.owner, r.interval*2)
	if err != nil || !ok {
		logging.Warn(reaperComponent, "reaper lock lost, ending sweep", "owner", r.owner, "error", err)
		return false
	}
	return true
}
