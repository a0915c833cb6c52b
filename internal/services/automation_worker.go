package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"planboard/internal/metrics"

	"github.com/sirupsen/logrus"
)

// WorkerPool drains the automation queue with a fixed number of workers. A
// project is swept by at most one worker at a time; a job that arrives while
// its project is in flight is coalesced into the running sweep.
type WorkerPool struct {
	queue        AutomationQueue
	locker       ProjectLocker
	orchestrator *Orchestrator
	workers      int
	logger       *logrus.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewWorkerPool(queue AutomationQueue, locker ProjectLocker, orchestrator *Orchestrator, workers int, logger *logrus.Logger, m *metrics.Metrics) *WorkerPool {
	if logger == nil {
		logger = logrus.New()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		queue:        queue,
		locker:       locker,
		orchestrator: orchestrator,
		workers:      workers,
		logger:       logger,
		metrics:      m,
	}
}

// Enqueue pushes a job and refreshes the queue depth gauge.
func (p *WorkerPool) Enqueue(ctx context.Context, job Job) error {
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	p.observeDepth(ctx)
	return nil
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.WithField("workers", p.workers).Info("automation worker pool started")
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("automation worker pool stopped")
}

func (p *WorkerPool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.logger.WithError(err).WithField("worker", id).Warn("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.observeDepth(ctx)
		p.Handle(ctx, job)
	}
}

// Handle processes one job under the project lock.
func (p *WorkerPool) Handle(ctx context.Context, job Job) {
	log := p.logger.WithFields(logrus.Fields{"job_id": job.ID, "project_id": job.ProjectID, "event": job.Event})

	release, ok, err := p.locker.TryLock(ctx, job.ProjectID)
	if err != nil {
		log.WithError(err).Error("project lock failed")
		p.metrics.RecordJob("failed")
		return
	}
	if !ok {
		log.Debug("project already in flight, job coalesced")
		p.metrics.RecordJob("coalesced")
		return
	}
	defer release()

	event := job.Event
	if event == "" {
		event = EventScheduleTick
	}
	results, err := p.orchestrator.ProcessEvent(ctx, job.ProjectID, event, nil)
	if err != nil {
		log.WithError(err).Error("project sweep failed")
		p.metrics.RecordJob("failed")
		return
	}
	fired := 0
	for _, r := range results {
		if r.State != RunSkipped {
			fired++
		}
	}
	log.WithField("fired", fired).Debug("project sweep finished")
	p.metrics.RecordJob("processed")
}

func (p *WorkerPool) observeDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	if n, err := p.queue.Len(ctx); err == nil {
		p.metrics.SetQueueDepth(n)
	}
}
