package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TickScheduler periodically enqueues a sweep for every project that owns
// at least one active automation.
type TickScheduler struct {
	cron     *cron.Cron
	store    AutomationStore
	queue    JobEnqueuer
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
}

func NewTickScheduler(store AutomationStore, queue JobEnqueuer, interval time.Duration, logger *logrus.Logger) *TickScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval < time.Second {
		interval = time.Minute
	}
	return &TickScheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(logger)),
			cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
		)),
		store:    store,
		queue:    queue,
		interval: interval,
		logger:   logger,
	}
}

// Start registers the tick and starts the cron runner.
func (s *TickScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		if _, err := s.Tick(ctx); err != nil {
			s.logger.WithError(err).Warn("automation tick failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule automation tick: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.WithField("interval", s.interval.String()).Info("automation scheduler started")
	return nil
}

// Stop stops the cron runner and waits for a running tick.
func (s *TickScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Tick enqueues one job per project with active automations and returns how
// many were enqueued.
func (s *TickScheduler) Tick(ctx context.Context) (int, error) {
	projects, err := s.store.ProjectsWithActiveAutomations(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, id := range projects {
		if err := s.queue.Enqueue(ctx, NewJob(id, EventScheduleTick)); err != nil {
			s.logger.WithError(err).WithField("project_id", id).Warn("enqueue tick failed")
			continue
		}
		enqueued++
	}
	return enqueued, nil
}
