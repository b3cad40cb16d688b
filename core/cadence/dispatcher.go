package cadence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/welcomecrm/cadence/core/infra/logging"
	"github.com/welcomecrm/cadence/core/infra/metrics"
)

const dispatcherComponent = "cadence-dispatcher"

// Handlers holds one handler per step type.
type Handlers struct {
	Wait      WaitHandler
	Task      *TaskHandler
	Message   *MessageHandler
	StageMove *StageMoveHandler
	Condition *ConditionHandler
	End       *EndHandler
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers      int
	PollInterval time.Duration
	ScanLimit    int64
	StepTimeout  time.Duration
	WorkerPrefix string
}

// Dispatcher polls the queue with a pool of workers. Each worker claims one due
// item at a time, runs its handler and settles the result through the manager.
type Dispatcher struct {
	mgr      *Manager
	handlers Handlers
	cfg      DispatcherConfig
	metrics  metrics.Metrics
}

func NewDispatcher(mgr *Manager, handlers Handlers, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 50
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "worker"
	}
	return &Dispatcher{mgr: mgr, handlers: handlers, cfg: cfg, metrics: mgr.opts.Metrics}
}

// Start runs the pool until ctx is cancelled and waits for in-flight items.
func (d *Dispatcher) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 1; i <= d.cfg.Workers; i++ {
		id := fmt.Sprintf("%s-%d", d.cfg.WorkerPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, id)
		}()
	}
	logging.Info(dispatcherComponent, "workers started", "workers", d.cfg.Workers, "poll_interval", d.cfg.PollInterval.String())
	wg.Wait()
	logging.Info(dispatcherComponent, "workers stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx, id)
		}
	}
}

// drain processes due items until none is claimable.
func (d *Dispatcher) drain(ctx context.Context, worker string) {
	for ctx.Err() == nil {
		processed, err := d.RunOnce(ctx, worker)
		if err != nil {
			logging.Error(dispatcherComponent, "claim failed", "worker", worker, "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

// RunOnce claims and processes at most one due item. It reports whether an
// item was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context, worker string) (bool, error) {
	item, err := d.mgr.store.ClaimDue(ctx, d.mgr.Now(), worker, d.cfg.ScanLimit)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	// Settling must survive shutdown; otherwise the item waits for the reaper.
	d.process(context.WithoutCancel(ctx), ctx, item)
	return true, nil
}

func (d *Dispatcher) process(settleCtx, execCtx context.Context, item *QueueItem) {
	inst, err := d.mgr.store.GetInstance(settleCtx, item.InstanceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d.settle(item, d.mgr.Release(settleCtx, item, "instance not found"))
			return
		}
		d.settle(item, d.mgr.HandleFailure(settleCtx, item, nil, nil, Transient(err)))
		return
	}
	if stale(inst, item) {
		d.settle(item, d.mgr.Release(settleCtx, item, "instance "+string(inst.Status)))
		return
	}
	tpl, err := d.mgr.TemplateFor(settleCtx, inst)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = Permanent(err)
		}
		d.settle(item, d.mgr.HandleFailure(settleCtx, item, nil, nil, err))
		return
	}
	step, ok := tpl.Step(item.StepKey)
	if !ok {
		cause := Permanentf("step %q not in template %s v%d", item.StepKey, tpl.ID, tpl.Version)
		d.settle(item, d.mgr.HandleFailure(settleCtx, item, tpl, nil, cause))
		return
	}

	started := time.Now()
	out, err := d.execute(execCtx, inst, step, item)
	d.metrics.ObserveStepDuration(string(step.Type), time.Since(started).Seconds())
	if err == nil && out.Next != "" {
		if _, ok := tpl.Step(out.Next); !ok {
			err = Permanentf("step %s: branch target %q not in template", step.Key, out.Next)
		}
	}
	if err != nil {
		d.metrics.IncStepsExecuted(string(step.Type), "error")
		logging.Warn(dispatcherComponent, "step failed",
			"item_id", item.ID, "instance_id", item.InstanceID, "step_key", step.Key,
			"attempt", item.Attempts, "permanent", IsPermanent(err), "error", err)
		d.settle(item, d.mgr.HandleFailure(settleCtx, item, tpl, step, err))
		return
	}
	d.metrics.IncStepsExecuted(string(step.Type), out.Kind.String())

	err = d.mgr.Advance(settleCtx, item, tpl, step, out)
	if err != nil && IsPermanent(err) {
		err = d.mgr.HandleFailure(settleCtx, item, tpl, step, err)
	}
	d.settle(item, err)
}

func (d *Dispatcher) settle(item *QueueItem, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrClaimLost):
		logging.Warn(dispatcherComponent, "claim lost before settle", "item_id", item.ID, "worker", item.ClaimedBy)
	default:
		logging.Error(dispatcherComponent, "settle failed", "item_id", item.ID, "instance_id", item.InstanceID, "error", err)
	}
}

// execute dispatches on the step type. Handler panics fail the item permanently.
func (d *Dispatcher) execute(ctx context.Context, inst *Instance, step *Step, item *QueueItem) (out Outcome, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(dispatcherComponent, "step handler panic", "step_key", step.Key, "panic", r)
			out, err = Outcome{}, Permanentf("step %s panicked: %v", step.Key, r)
		}
	}()

	switch step.Type {
	case StepTypeWait:
		return d.handlers.Wait.Execute(ctx, inst, step, item)
	case StepTypeTask:
		if d.handlers.Task == nil {
			return Outcome{}, missingHandler(step)
		}
		return d.handlers.Task.Execute(ctx, inst, step, item)
	case StepTypeMessage:
		if d.handlers.Message == nil {
			return Outcome{}, missingHandler(step)
		}
		return d.handlers.Message.Execute(ctx, inst, step, item)
	case StepTypeStageMove:
		if d.handlers.StageMove == nil {
			return Outcome{}, missingHandler(step)
		}
		return d.handlers.StageMove.Execute(ctx, inst, step, item)
	case StepTypeCondition:
		if d.handlers.Condition == nil {
			return Outcome{}, missingHandler(step)
		}
		return d.handlers.Condition.Execute(ctx, inst, step, item)
	case StepTypeEnd:
		if d.handlers.End == nil {
			return Complete("completed"), nil
		}
		return d.handlers.End.Execute(ctx, inst, step, item)
	default:
		return Outcome{}, Permanentf("unknown step type %q", step.Type)
	}
}

func missingHandler(step *Step) error {
	return Permanentf("no handler configured for %s step %s", step.Type, step.Key)
}
