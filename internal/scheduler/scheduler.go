// Package scheduler owns the recurring triggers that enumerate eligible
// work and enqueue specialist jobs: a daily portfolio review per
// organization, a daily certificate watch per case, and a poller that
// converts due follow-ups into jobs. Created jobs run strictly one at a
// time, to bound concurrent model-service invocations.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridian/caseagent/internal/bus"
	"github.com/meridian/caseagent/internal/collab"
	otelx "github.com/meridian/caseagent/internal/otel"
	"github.com/meridian/caseagent/internal/shared"
	"github.com/meridian/caseagent/internal/store"
)

// Trigger names, recorded on scheduler pass events.
const (
	TriggerPortfolioReview  = "portfolio_review"
	TriggerCertificateWatch = "certificate_watch"
	TriggerFollowups        = "followups"
)

// Executor runs one job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Config holds the scheduler's dependencies and cadence.
type Config struct {
	Store    *store.Store
	Cases    collab.CaseDirectory
	Certs    collab.CertificateStore
	Executor Executor
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otelx.Metrics

	// PortfolioCron and CertificateCron are standard 5-field cron
	// expressions. Defaults: 06:00 and 06:30 daily.
	PortfolioCron   string
	CertificateCron string
	// ExpiryWindowDays is the certificate watch look-ahead. Default 14.
	ExpiryWindowDays int
	// FollowupPollInterval is the due-follow-up poll cadence. Default 1m.
	FollowupPollInterval time.Duration
}

// Scheduler is an explicit service object: constructed once at process
// start, passed by handle to anything needing control.
type Scheduler struct {
	store    *store.Store
	cases    collab.CaseDirectory
	certs    collab.CertificateStore
	executor Executor
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otelx.Metrics

	portfolioCron    string
	certificateCron  string
	expiryWindowDays int
	followupPoll     time.Duration

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	// passMu serializes scheduler passes: no two specialist runs overlap
	// within scheduler-driven work.
	passMu sync.Mutex
}

// Status is the scheduler's externally visible state.
type Status struct {
	Running         bool      `json:"running"`
	PortfolioCron   string    `json:"portfolio_cron"`
	CertificateCron string    `json:"certificate_cron"`
	NextPortfolio   time.Time `json:"next_portfolio,omitempty"`
	NextCertificate time.Time `json:"next_certificate,omitempty"`
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:            cfg.Store,
		cases:            cfg.Cases,
		certs:            cfg.Certs,
		executor:         cfg.Executor,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		portfolioCron:    cfg.PortfolioCron,
		certificateCron:  cfg.CertificateCron,
		expiryWindowDays: cfg.ExpiryWindowDays,
		followupPoll:     cfg.FollowupPollInterval,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.portfolioCron == "" {
		s.portfolioCron = "0 6 * * *"
	}
	if s.certificateCron == "" {
		s.certificateCron = "30 6 * * *"
	}
	if s.expiryWindowDays <= 0 {
		s.expiryWindowDays = 14
	}
	if s.followupPoll <= 0 {
		s.followupPoll = time.Minute
	}
	return s
}

// Start registers the cron triggers and the follow-up poller. The context
// bounds everything the scheduler does; cancelling it stops in-flight
// passes at the next model call.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cronlib.New()
	if _, err := c.AddFunc(s.portfolioCron, func() {
		if _, err := s.RunPortfolioReview(runCtx); err != nil {
			s.logger.Error("portfolio review pass failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("register portfolio trigger %q: %w", s.portfolioCron, err)
	}
	if _, err := c.AddFunc(s.certificateCron, func() {
		if _, err := s.RunCertificateWatch(runCtx); err != nil {
			s.logger.Error("certificate watch pass failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("register certificate trigger %q: %w", s.certificateCron, err)
	}
	s.cron = c
	s.cancel = cancel
	s.cron.Start()

	s.wg.Add(1)
	go s.followupLoop(runCtx)

	s.running = true
	s.logger.Info("scheduler started",
		"portfolio_cron", s.portfolioCron,
		"certificate_cron", s.certificateCron,
		"expiry_window_days", s.expiryWindowDays,
		"followup_poll", s.followupPoll.String())
	return nil
}

// Stop halts the triggers and waits for the poller to exit. In-flight
// cron-fired passes finish on their own context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Running:         s.running,
		PortfolioCron:   s.portfolioCron,
		CertificateCron: s.certificateCron,
	}
	if s.running && s.cron != nil {
		entries := s.cron.Entries()
		if len(entries) > 0 {
			status.NextPortfolio = entries[0].Next
		}
		if len(entries) > 1 {
			status.NextCertificate = entries[1].Next
		}
	}
	return status
}

// RunPortfolioReview creates one coordinator job per active organization
// and runs the created jobs sequentially. Also the manual entry point.
func (s *Scheduler) RunPortfolioReview(ctx context.Context) (int, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	orgs, err := s.cases.ActiveOrganizations(ctx)
	if err != nil {
		return 0, fmt.Errorf("portfolio review: list organizations: %w", err)
	}

	var jobIDs []string
	for _, org := range orgs {
		exists, err := s.store.OpenJobExists(ctx, org.ID, "", "coordinator")
		if err != nil {
			s.logger.Error("portfolio review: duplicate check failed", "org_id", org.ID, "error", err)
			continue
		}
		if exists {
			s.logger.Debug("portfolio review: coordinator job already open", "org_id", org.ID)
			continue
		}
		jobID, err := s.store.CreateJob(ctx, store.NewJob{
			OrgID:      org.ID,
			Specialist: "coordinator",
			Trigger:    store.TriggerCron,
		})
		if err != nil {
			s.logger.Error("portfolio review: create job failed", "org_id", org.ID, "error", err)
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}

	s.runSequentially(ctx, TriggerPortfolioReview, jobIDs)
	return len(jobIDs), nil
}

// RunCertificateWatch creates one certificate job per case with a
// certificate expiring inside the window or already expired. A case
// appearing in both windows is processed once.
func (s *Scheduler) RunCertificateWatch(ctx context.Context) (int, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	orgs, err := s.cases.ActiveOrganizations(ctx)
	if err != nil {
		return 0, fmt.Errorf("certificate watch: list organizations: %w", err)
	}

	now := time.Now().UTC()
	var jobIDs []string
	for _, org := range orgs {
		expiring, err := s.certs.ExpiringWithin(ctx, org.ID, s.expiryWindowDays)
		if err != nil {
			s.logger.Error("certificate watch: expiring query failed", "org_id", org.ID, "error", err)
			continue
		}
		expired, err := s.certs.Expired(ctx, org.ID)
		if err != nil {
			s.logger.Error("certificate watch: expired query failed", "org_id", org.ID, "error", err)
			continue
		}

		seen := make(map[string]bool)
		for _, cert := range append(expiring, expired...) {
			if seen[cert.CaseID] {
				continue
			}
			seen[cert.CaseID] = true

			exists, err := s.store.OpenJobExists(ctx, org.ID, cert.CaseID, "certificate")
			if err != nil {
				s.logger.Error("certificate watch: duplicate check failed", "case_id", cert.CaseID, "error", err)
				continue
			}
			if exists {
				continue
			}
			jobID, err := s.store.CreateJob(ctx, store.NewJob{
				OrgID:      org.ID,
				CaseID:     cert.CaseID,
				Specialist: "certificate",
				Trigger:    store.TriggerCron,
				Context: map[string]any{
					"mode":              "expiry",
					"days_until_expiry": cert.DaysUntilExpiry(now),
				},
			})
			if err != nil {
				s.logger.Error("certificate watch: create job failed", "case_id", cert.CaseID, "error", err)
				continue
			}
			jobIDs = append(jobIDs, jobID)
		}
	}

	s.runSequentially(ctx, TriggerCertificateWatch, jobIDs)
	return len(jobIDs), nil
}

// runSequentially executes the created jobs one at a time. Per-job
// failures are logged and do not abort the remaining queue.
func (s *Scheduler) runSequentially(ctx context.Context, trigger string, jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	s.passMu.Lock()
	defer s.passMu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicSchedulerPassStarted, bus.SchedulerEvent{
			Trigger: trigger, Created: len(jobIDs),
		})
	}

	ran, failed := 0, 0
	for _, jobID := range jobIDs {
		if ctx.Err() != nil {
			s.logger.Warn("scheduler pass cancelled", "trigger", trigger, "remaining", len(jobIDs)-ran)
			break
		}
		if err := s.executor.Execute(ctx, jobID); err != nil {
			failed++
			s.logger.Error("scheduled job failed", "trigger", trigger, "job_id", jobID, "error", err)
		}
		ran++
	}

	if s.metrics != nil {
		s.metrics.JobsCreated.Add(ctx, int64(len(jobIDs)),
			metric.WithAttributes(attribute.String("trigger", trigger)))
		s.metrics.SchedulerPasses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("trigger", trigger)))
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicSchedulerPassFinished, bus.SchedulerEvent{
			Trigger: trigger, Created: len(jobIDs), Ran: ran, Failed: failed,
		})
	}
	s.logger.Info("scheduler pass finished",
		"trigger", trigger, "created", len(jobIDs), "ran", ran, "failed", failed)
}

// followupLoop polls for due follow-ups and dispatches them as jobs.
func (s *Scheduler) followupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.followupPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollFollowups(ctx)
		}
	}
}

// pollFollowups converts due follow-ups into jobs. The dispatched CAS
// guards against double-dispatch if two pollers ever race.
func (s *Scheduler) pollFollowups(ctx context.Context) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	due, err := s.store.DueFollowups(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("followup poll failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	var jobIDs []string
	for _, followup := range due {
		dispatched, err := s.store.MarkFollowupDispatched(ctx, followup.ID)
		if err != nil {
			s.logger.Error("followup dispatch failed", "followup_id", followup.ID, "error", err)
			continue
		}
		if !dispatched {
			continue
		}
		jobContext := map[string]any{"followup_id": followup.ID}
		for k, v := range followup.Context {
			jobContext[k] = v
		}
		jobID, err := s.store.CreateJob(ctx, store.NewJob{
			OrgID:      followup.OrgID,
			CaseID:     followup.CaseID,
			Specialist: followup.Specialist,
			Trigger:    store.TriggerCron,
			Context:    jobContext,
		})
		if err != nil {
			s.logger.Error("followup job creation failed", "followup_id", followup.ID, "error", err)
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}

	s.runSequentially(ctx, TriggerFollowups, jobIDs)
}
