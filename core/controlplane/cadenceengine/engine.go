package cadenceengine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/welcomecrm/cadence/core/cadence"
	"github.com/welcomecrm/cadence/core/controlplane/gateway"
	"github.com/welcomecrm/cadence/core/infra/bus"
	"github.com/welcomecrm/cadence/core/infra/config"
	"github.com/welcomecrm/cadence/core/infra/crm"
	"github.com/welcomecrm/cadence/core/infra/locks"
	"github.com/welcomecrm/cadence/core/infra/logging"
	"github.com/welcomecrm/cadence/core/infra/metrics"
	"github.com/welcomecrm/cadence/core/infra/redisutil"
	"github.com/welcomecrm/cadence/core/infra/schema"
)

const (
	component              = "cadence-engine"
	metricsNamespace       = "cadence"
	redisConnectTimeout    = 5 * time.Second
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second
)

// components is the engine assembled around one Redis client.
type components struct {
	store      *cadence.RedisStore
	templates  *cadence.RedisTemplateStore
	mgr        *cadence.Manager
	dispatcher *cadence.Dispatcher
	reaper     *cadence.Reaper
	correlator *cadence.Correlator
}

// deps are the external collaborators handed to build.
type deps struct {
	Redis     redis.UniversalClient
	Publisher Publisher
	Cards     cadence.CardService
	Tasks     cadence.TaskService
	Metrics   metrics.Metrics
	Now       func() time.Time
}

// Run starts the cadence engine: dispatcher pool, reaper, signal subscription,
// HTTP gateway and metrics listener. It blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	policy, err := loadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redisutil.Connect(ctx, cfg.RedisURL, redisConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	crmClient := crm.New(cfg.CRM.BaseURL, cfg.CRM.APIKey, cfg.CRM.Timeout)
	c, err := build(ctx, cfg, policy, deps{
		Redis:     client,
		Publisher: natsBus,
		Cards:     crmClient,
		Tasks:     crmClient,
		Metrics:   metrics.NewProm(metricsNamespace),
	})
	if err != nil {
		return err
	}

	hub := gateway.NewHub(0)
	if err := natsBus.Subscribe(bus.SubjectSignalAll, bus.QueueEngine, signalHandler(c.correlator)); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectSignalAll, err)
	}
	// Every replica relays every event to its own stream clients.
	if err := natsBus.Subscribe(bus.SubjectEventAll, "", eventHandler(hub)); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectEventAll, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.dispatcher.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		c.reaper.Start(ctx)
	}()

	metricsSrv := startMetricsServer(cfg.MetricsAddr)

	api := gateway.New(gateway.Options{
		Manager:        c.mgr,
		Correlator:     c.correlator,
		Hub:            hub,
		Metrics:        metrics.NewGatewayProm(metricsNamespace),
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		RateLimitRPS:   cfg.Gateway.RateLimitRPS,
		RateLimitBurst: cfg.Gateway.RateLimitBurst,
		Checks: map[string]gateway.Check{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
			"nats": func(context.Context) error {
				if !natsBus.IsConnected() {
					return fmt.Errorf("nats %s", natsBus.Status())
				}
				return nil
			},
		},
	})
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.ListenAndServe(ctx, cfg.HTTPAddr)
	}()

	logging.Info(component, "started",
		"http", cfg.HTTPAddr,
		"metrics", cfg.MetricsAddr,
		"workers", cfg.Dispatcher.Workers,
		"poll_interval", cfg.Dispatcher.PollInterval.String(),
		"entry_rules", len(policy.EntryRules),
	)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-apiErr
	case runErr = <-apiErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()

	if runErr != nil {
		logging.Error(component, "http server error", "error", runErr)
		return runErr
	}
	logging.Info(component, "stopped")
	return nil
}

// build wires stores, manager, handlers, dispatcher, reaper and correlator.
func build(ctx context.Context, cfg *config.Config, policy *config.Policy, d deps) (*components, error) {
	schemas, err := schema.StepSchemas()
	if err != nil {
		return nil, fmt.Errorf("load step schemas: %w", err)
	}
	templates := cadence.NewRedisTemplateStore(d.Redis, schemas)
	if _, err := seedTemplates(ctx, templates, cfg.TemplatesPath); err != nil {
		return nil, err
	}

	bh := policy.BusinessHours
	cal, err := cadence.NewCalendar(bh.Timezone, bh.Start, bh.End, bh.AllowedWeekdays)
	if err != nil {
		return nil, fmt.Errorf("business hours: %w", err)
	}

	var sink cadence.EventSink
	var messenger cadence.Messenger
	if d.Publisher != nil {
		sink = NewEventSink(d.Publisher)
		messenger = NewMessenger(d.Publisher)
	}

	backoff := cadence.Backoff{
		Initial:    policy.Retry.InitialBackoff,
		Max:        policy.Retry.MaxBackoff,
		Multiplier: policy.Retry.Multiplier,
	}
	store := cadence.NewRedisStore(d.Redis)
	mgr := cadence.NewManager(store, templates, cadence.NewScheduler(cal), cadence.Options{
		Now:                d.Now,
		Backoff:            backoff,
		MaxAttempts:        policy.Retry.MaxAttempts,
		SuccessfulOutcomes: policy.SuccessfulOutcomes,
		Metrics:            d.Metrics,
		Sink:               sink,
	})

	handlers := cadence.Handlers{
		Task:      &cadence.TaskHandler{Tasks: d.Tasks, Cards: d.Cards, Ledger: store, Now: d.Now},
		Message:   &cadence.MessageHandler{Messenger: messenger, Ledger: store},
		StageMove: &cadence.StageMoveHandler{Cards: d.Cards},
		Condition: &cadence.ConditionHandler{Cards: d.Cards, SuccessfulOutcomes: policy.SuccessfulOutcomes},
		End:       &cadence.EndHandler{Cards: d.Cards},
	}
	dc := cfg.Dispatcher
	dispatcher := cadence.NewDispatcher(mgr, handlers, cadence.DispatcherConfig{
		Workers:      dc.Workers,
		PollInterval: dc.PollInterval,
		ScanLimit:    dc.ClaimScanLimit,
		StepTimeout:  dc.StepTimeout,
		WorkerPrefix: workerPrefix(dc.WorkerPrefix),
	})

	for _, r := range policy.EntryRules {
		if r.Action == config.EntryActionCreateTask {
			continue
		}
		if _, err := templates.Get(ctx, r.TemplateID); errors.Is(err, cadence.ErrNotFound) {
			logging.Warn(component, "entry rule names unknown template", "rule", r.Name, "template_id", r.TemplateID)
		}
	}

	return &components{
		store:      store,
		templates:  templates,
		mgr:        mgr,
		dispatcher: dispatcher,
		reaper:     cadence.NewReaper(mgr, locks.NewRedisLocker(d.Redis), dc.ProcessingTimeout, dc.ReaperInterval),
		correlator: cadence.NewCorrelator(mgr, entryRules(policy)).WithTasks(d.Tasks, d.Cards),
	}, nil
}

// loadPolicy reads the policy file, falling back to defaults when it does not exist.
func loadPolicy(path string) (*config.Policy, error) {
	policy, err := config.LoadPolicy(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Warn(component, "policy file not found, using defaults", "path", path)
		return config.DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return policy, nil
}

// seedTemplates saves every template in the YAML file. Unchanged templates
// keep their current version. A missing file seeds nothing.
func seedTemplates(ctx context.Context, store *cadence.RedisTemplateStore, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	tpls, err := cadence.LoadTemplatesFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Warn(component, "templates file not found, skipping seed", "path", path)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, tpl := range tpls {
		saved, err := store.Save(ctx, tpl)
		if err != nil {
			return 0, fmt.Errorf("save template %s: %w", tpl.ID, err)
		}
		logging.Info(component, "template loaded", "template_id", saved.ID, "version", saved.Version, "steps", len(saved.Steps))
	}
	return len(tpls), nil
}

func entryRules(policy *config.Policy) []cadence.EntryRule {
	out := make([]cadence.EntryRule, 0, len(policy.EntryRules))
	for _, r := range policy.EntryRules {
		out = append(out, cadence.EntryRule{
			Name:       r.Name,
			StageID:    r.StageID,
			PipelineID: r.PipelineID,
			Action:     r.Action,
			TemplateID: r.TemplateID,
			Task: cadence.EntryTask{
				Kind:        r.Task.Kind,
				Title:       r.Task.Title,
				Description: r.Task.Description,
				Priority:    r.Task.Priority,
			},
			DelayMinutes: r.DelayMinutes,
			DelayType:    r.DelayType,
		})
	}
	return out
}

func workerPrefix(prefix string) string {
	if prefix != "" {
		return prefix
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker"
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	go func() {
		logging.Info(component, "metrics listening", "addr", addr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()
	return srv
}
