// Package system provides the composition root: a System struct owning
// every component explicitly, constructed once in main and passed by
// reference (spec.md §9 "Replace global mutable singletons").
package system

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/agency/internal/config"
	"github.com/aristath/agency/internal/errs"
	"github.com/aristath/agency/internal/events"
	"github.com/aristath/agency/internal/ledger/accounts"
	"github.com/aristath/agency/internal/ledger/reports"
	"github.com/aristath/agency/internal/ledger/transactions"
	"github.com/aristath/agency/internal/metrics"
	"github.com/aristath/agency/internal/priority"
	"github.com/aristath/agency/internal/queue"
	"github.com/aristath/agency/internal/store"
	"github.com/aristath/agency/internal/task"
	"github.com/aristath/agency/internal/workers"
)

// System owns every long-lived component, replacing the source's process-
// wide registries and caches (spec.md §9).
type System struct {
	Config      *config.Config
	Store       *store.Store
	Accounts    *accounts.Registry
	Processor   *transactions.Processor
	PriorityEng *priority.Engine
	Queue       *queue.Queue
	Workers     *workers.Registry
	Dispatcher  Dispatcher
	Reports     *reports.Aggregator
	Events      *events.Bus
	Metrics     *metrics.Registry
	Backup      *store.Backup

	log  zerolog.Logger
	cron *cron.Cron
}

// Dispatcher is the subset of *dispatch.Dispatcher the System drives,
// narrowed here to avoid an import cycle (internal/dispatch already
// depends on internal/queue, internal/workers and internal/ledger/*, all
// of which System also constructs).
type Dispatcher interface {
	Run(ctx context.Context, tick time.Duration)
	Stop()
}

// New wires every component per SPEC_FULL.md's package-layout table, opens
// the durable store, bootstraps the account cache, and ensures the two
// bootstrap accounts spec.md §3 requires exist.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*System, error) {
	db, err := store.Open(store.Config{
		Path:    cfg.DataDir + "/ledger.db",
		Profile: store.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	st, err := store.New(db, log)
	if err != nil {
		return nil, fmt.Errorf("initialize durable store: %w", err)
	}

	acctReg := accounts.New(st)
	if err := acctReg.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("load accounts cache: %w", err)
	}
	if err := ensureBootstrapAccounts(ctx, acctReg, cfg); err != nil {
		return nil, fmt.Errorf("ensure bootstrap accounts: %w", err)
	}

	proc := transactions.New(st, acctReg, cfg, log)
	engine := priority.New(log)
	q := queue.New(engine, cfg.QueueHighWater, log)
	wreg := workers.New(cfg.HeartbeatStaleness, cfg.WorkerErrorRateThreshold, cfg.WorkerErrorRateMinSamples, st, log)
	bus := events.NewBus()
	rpt := reports.New(st, log)
	met := metrics.New()

	backup, err := store.NewBackup(ctx, store.BackupConfig{
		Enabled: cfg.Backup.Enabled,
		Bucket:  cfg.Backup.Bucket,
		Prefix:  cfg.Backup.Prefix,
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("cloud backup unavailable, continuing without it")
	}

	sys := &System{
		Config:      cfg,
		Store:       st,
		Accounts:    acctReg,
		Processor:   proc,
		PriorityEng: engine,
		Queue:       q,
		Workers:     wreg,
		Reports:     rpt,
		Events:      bus,
		Metrics:     met,
		Backup:      backup,
		log:         log.With().Str("component", "system").Logger(),
		cron:        cron.New(),
	}
	return sys, nil
}

// ensureBootstrapAccounts guarantees exactly one primary-revenue and one
// operational-expense account exist (spec.md §3 "exactly one... exists at
// bootstrap").
func ensureBootstrapAccounts(ctx context.Context, reg *accounts.Registry, cfg *config.Config) error {
	if len(reg.ListByType(accounts.TypePrimaryRevenue)) == 0 {
		if err := reg.Create(ctx, accounts.Account{
			ID:       "primary-revenue",
			Name:     "Primary Revenue",
			Type:     accounts.TypePrimaryRevenue,
			Balance:  decimal.Zero,
			Currency: cfg.DefaultCurrency,
			Status:   accounts.StatusActive,
		}); err != nil {
			return err
		}
	}
	if len(reg.ListByType(accounts.TypeOperationalExpense)) == 0 {
		if err := reg.Create(ctx, accounts.Account{
			ID:       "operational-expense",
			Name:     "Operational Expense",
			Type:     accounts.TypeOperationalExpense,
			Balance:  decimal.Zero,
			Currency: cfg.DefaultCurrency,
			Status:   accounts.StatusActive,
		}); err != nil {
			return err
		}
	}
	return nil
}

// AttachDispatcher wires a constructed Dispatcher in once the caller has
// built it (the Dispatcher itself depends on Queue/Workers/Processor, which
// System constructs first, so it's supplied after New returns).
func (s *System) AttachDispatcher(d Dispatcher) {
	s.Dispatcher = d
}

// StartScheduler registers and starts the cron jobs for queue rebalance
// (every QueueRebalanceInterval), a once-a-minute queue-depth metrics sample,
// and, when backup is enabled, the periodic durable-store snapshot upload.
func (s *System) StartScheduler(ctx context.Context) error {
	rebalanceSpec := fmt.Sprintf("@every %s", s.Config.QueueRebalanceInterval)
	if _, err := s.cron.AddFunc(rebalanceSpec, func() {
		s.Queue.Rebalance(ctx, s.currentContext())
	}); err != nil {
		return fmt.Errorf("schedule rebalance: %w", err)
	}

	if _, err := s.cron.AddFunc("@every 1m", func() {
		s.Metrics.SetQueueDepth(s.Queue.Status())
	}); err != nil {
		return fmt.Errorf("schedule metrics sample: %w", err)
	}

	if s.Config.Backup.Enabled && s.Backup != nil {
		backupSpec := fmt.Sprintf("@every %s", s.Config.Backup.Interval)
		if _, err := s.cron.AddFunc(backupSpec, func() {
			if err := s.Backup.Snapshot(ctx, s.Store.DB()); err != nil {
				s.log.Error().Err(err).Msg("scheduled backup failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule backup: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// currentContext samples system load and account-independent expertise
// coverage for the Priority Engine's recompute (spec.md §4.4 SystemContext).
func (s *System) currentContext() task.SystemContext {
	return task.SystemContext{
		LoadFraction:        s.PriorityEng.SystemLoad(),
		AvailableExpertise:  map[string]float64{},
		DependencyCompleted: map[string]bool{},
	}
}

// Status aggregates the per-type account summary, queue depth and a metrics
// snapshot into one view — carried over from the original system's
// `FinancialInfrastructureSystem.get_system_status()` (spec.md "Supplemented
// features").
type Status struct {
	AccountsByType map[accounts.Type]accounts.TypeSummary
	QueueDepth     int
	MetricsSnapshot metrics.Snapshot
}

// Submit implements the Task submission API (spec.md §6 "submit"): scores
// t via the Priority Engine and enqueues it, returning its id. Returns
// ErrThrottled if the queue is at its high-water mark, or ErrInvalidTask if
// the description is empty. Empty requirements are accepted.
func (s *System) Submit(ctx context.Context, description string, requirements task.Requirements, deadline *time.Time, basePriority int) (string, error) {
	if description == "" {
		return "", errs.ErrInvalidTask
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:           uuid.NewString(),
		Title:        description,
		Description:  description,
		Requirements: requirements,
		CreatedAt:    now,
		Deadline:     deadline,
		BasePriority: basePriority,
		Status:       task.StatusPending,
		FailedWith:   make(map[string]struct{}),
	}
	t.Score = s.PriorityEng.Score(t, s.currentContext(), now)

	if err := s.Queue.Enqueue(t, now); err != nil {
		if err == errs.ErrThrottled {
			s.Events.Publish(events.Event{
				Kind: events.KindLoadWarning,
				At:   now,
				Data: events.LoadWarning{QueueDepth: s.Queue.Status()},
			})
		}
		return "", err
	}
	return t.ID, nil
}

// CurrentStatus returns the aggregate view exposed at GET /healthz.
func (s *System) CurrentStatus() Status {
	return Status{
		AccountsByType:  s.Accounts.Summary().ByType,
		QueueDepth:      s.Queue.Status(),
		MetricsSnapshot: s.Metrics.Snapshot(),
	}
}

// Shutdown stops the scheduler, stops the attached Dispatcher (if any),
// closes the events bus and closes the durable store. Call after the HTTP
// server has shut down.
func (s *System) Shutdown() error {
	s.cron.Stop()
	if s.Dispatcher != nil {
		s.Dispatcher.Stop()
	}
	s.Events.Close()
	return s.Store.Close()
}
