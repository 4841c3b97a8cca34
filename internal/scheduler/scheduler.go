// Package scheduler triggers alert and price-drop passes on fixed
// intervals. Each pass kind runs at most once at a time per process, and
// optionally once at a time across processes through a store lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/dispatcher"
	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/storage"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

var (
	// ErrPassRunning is returned when a pass of the same kind is still in flight.
	ErrPassRunning = errors.New("pass already running")
	// ErrLeaseHeld is returned when another instance holds the pass lease.
	ErrLeaseHeld = errors.New("pass lease held by another instance")
)

const cleanupEvery = 24 * time.Hour

// Runner executes passes.
type Runner interface {
	RunAlertPass(ctx context.Context) (*dispatcher.PassReport, error)
	RunPriceDropPass(ctx context.Context) (*dispatcher.PassReport, error)
}

// Maintenance prunes old audit and delivery rows.
type Maintenance interface {
	Cleanup(ctx context.Context, retentionDays int) error
}

// Options are the collaborators of a Scheduler. Leases is required when
// the config asks for store leases; the rest are optional.
type Options struct {
	Runner        Runner
	Leases        storage.LeaseStore
	Holder        string
	Metrics       *metrics.Manager
	Maintenance   Maintenance
	RetentionDays int
}

// PassStatus describes one pass kind for the management API.
type PassStatus struct {
	Kind       dispatcher.PassKind    `json:"kind"`
	Interval   string                 `json:"interval"`
	Running    bool                   `json:"running"`
	NextRun    *time.Time             `json:"next_run,omitempty"`
	LastReport *dispatcher.PassReport `json:"last_report,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
}

type job struct {
	kind     dispatcher.PassKind
	interval time.Duration
	run      func(context.Context) (*dispatcher.PassReport, error)
	running  atomic.Bool
	entry    cron.EntryID

	mu      sync.Mutex
	last    *dispatcher.PassReport
	lastErr error
}

// Scheduler owns the cron loop.
type Scheduler struct {
	cfg    config.SchedulerConfig
	opts   Options
	jobs   map[dispatcher.PassKind]*job
	logger *logrus.Entry

	mu          sync.Mutex
	cron        *cron.Cron
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastCleanup time.Time
}

// New creates a scheduler. It does not start it.
func New(cfg config.SchedulerConfig, opts Options) (*Scheduler, error) {
	if opts.Runner == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "scheduler requires a pass runner")
	}
	if cfg.UseStoreLease && opts.Leases == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "store leases enabled without a lease store")
	}
	if cfg.AlertInterval <= cfg.SafetyMargin || cfg.PriceDropInterval <= cfg.SafetyMargin {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "pass intervals must exceed the safety margin")
	}
	if opts.Holder == "" {
		opts.Holder = utils.GenerateID()
	}

	s := &Scheduler{
		cfg:    cfg,
		opts:   opts,
		logger: utils.ComponentLogger("scheduler"),
	}
	s.jobs = map[dispatcher.PassKind]*job{
		dispatcher.PassAlerts:    {kind: dispatcher.PassAlerts, interval: cfg.AlertInterval, run: opts.Runner.RunAlertPass},
		dispatcher.PassPriceDrop: {kind: dispatcher.PassPriceDrop, interval: cfg.PriceDropInterval, run: opts.Runner.RunPriceDropPass},
	}
	return s, nil
}

// Start registers both passes with cron and starts ticking. Passes run
// with contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "scheduler already running")
	}

	log := cronLogger{entry: s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log)),
	)
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		j := j
		id, err := c.AddFunc(fmt.Sprintf("@every %s", j.interval), func() {
			s.trigger(j)
		})
		if err != nil {
			s.cancel()
			return utils.WrapError(utils.ErrCodeConfiguration, "failed to schedule pass", err)
		}
		j.entry = id
	}
	s.cron = c
	c.Start()

	if s.cfg.RunOnStart {
		for _, j := range s.jobs {
			j := j
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.trigger(j)
			}()
		}
	}

	s.logger.WithFields(logrus.Fields{
		"alert_interval":      s.cfg.AlertInterval.String(),
		"price_drop_interval": s.cfg.PriceDropInterval.String(),
		"store_lease":         s.cfg.UseStoreLease,
	}).Info("Scheduler started")
	return nil
}

// Stop cancels in-flight passes and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) trigger(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.run(ctx, j); err != nil && !errors.Is(err, ErrPassRunning) && !errors.Is(err, ErrLeaseHeld) {
		s.logger.WithError(err).WithField("pass", j.kind).Error("Scheduled pass failed")
	}
}

// RunNow runs one pass of kind immediately, subject to the same overlap
// and lease rules as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, kind dispatcher.PassKind) (*dispatcher.PassReport, error) {
	j, ok := s.jobs[kind]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "unknown pass kind", string(kind))
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (*dispatcher.PassReport, error) {
	log := s.logger.WithField("pass", j.kind)

	if !j.running.CompareAndSwap(false, true) {
		log.Warn("Previous pass still running, skipping this tick")
		s.recordSkipped(j.kind)
		return nil, ErrPassRunning
	}
	defer j.running.Store(false)

	deadline := s.cfg.PassDeadline(j.interval)
	if s.cfg.UseStoreLease {
		name := "pass:" + string(j.kind)
		held, err := s.opts.Leases.AcquireLease(ctx, name, s.opts.Holder, deadline)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to acquire pass lease", err)
		}
		if !held {
			log.Info("Pass lease held by another instance, skipping this tick")
			s.recordSkipped(j.kind)
			return nil, ErrLeaseHeld
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.opts.Leases.ReleaseLease(rctx, name, s.opts.Holder); err != nil {
				log.WithError(err).Warn("Failed to release pass lease")
			}
		}()
	}

	passCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	report, err := j.run(passCtx)

	j.mu.Lock()
	j.last, j.lastErr = report, err
	j.mu.Unlock()

	if err == nil && j.kind == dispatcher.PassAlerts {
		s.maybeCleanup(ctx)
	}
	return report, err
}

func (s *Scheduler) maybeCleanup(ctx context.Context) {
	if s.opts.Maintenance == nil || s.opts.RetentionDays <= 0 {
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastCleanup) >= cleanupEvery
	if due {
		s.lastCleanup = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.opts.Maintenance.Cleanup(ctx, s.opts.RetentionDays); err != nil {
		s.logger.WithError(err).Warn("Retention cleanup failed")
	}
}

func (s *Scheduler) recordSkipped(kind dispatcher.PassKind) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.GetPrometheusMetrics().RecordPassSkipped(string(kind))
	}
}

// Status reports every pass kind.
func (s *Scheduler) Status() []PassStatus {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	out := make([]PassStatus, 0, len(s.jobs))
	for _, kind := range []dispatcher.PassKind{dispatcher.PassAlerts, dispatcher.PassPriceDrop} {
		j := s.jobs[kind]
		st := PassStatus{Kind: kind, Interval: j.interval.String(), Running: j.running.Load()}
		if c != nil {
			if next := c.Entry(j.entry).Next; !next.IsZero() {
				st.NextRun = &next
			}
		}
		j.mu.Lock()
		st.LastReport = j.last
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	return out
}
