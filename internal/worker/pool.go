package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/queue"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// JobStore is the slice of job persistence the pool needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkActive(ctx context.Context, id string) (models.Job, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) (bool, error)
	MarkFailed(ctx context.Context, id string, lastError string) (bool, error)
	MarkRetryScheduled(ctx context.Context, id string, nextRun time.Time, lastError string) error
	MarkWaiting(ctx context.Context, ids []string) error
	MarkStalled(ctx context.Context, ids []string) error
	UpdateProgress(ctx context.Context, id string, p models.Progress) error
	DeleteJob(ctx context.Context, id string) (bool, error)
	PruneTerminal(ctx context.Context, jobType, status string, keep int) (int64, error)
}

// Publisher pushes progress events toward connected clients.
type Publisher interface {
	Publish(ctx context.Context, userID string, ev models.ProgressEvent)
}

// ProgressFunc lets a processor push partial progress without completing
// the job. Every call is persisted and forwarded to the owning user's
// progress channel.
type ProgressFunc func(p models.Progress)

// Processor performs the actual work for one job type. The returned value is
// stored as the job result; a returned error is classified and routed into
// the retry policy.
type Processor func(ctx context.Context, job models.Job, report ProgressFunc) (any, error)

// TerminalHook observes completed/failed transitions, used by the batch
// coordinator to aggregate member outcomes.
type TerminalHook func(ctx context.Context, job models.Job, status string, errMsg string)

// Pool runs one bounded executor pool per registered job type. Executors
// share nothing but the queue and store; a failure inside one job never
// reaches its siblings.
type Pool struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	store      JobStore
	hub        Publisher
	log        *zap.Logger
	processors map[string]Processor
	hooks      []TerminalHook
	pools      map[string]*ants.Pool
	wg         sync.WaitGroup
}

// NewPool constructs the worker pool. Processors are registered before Run.
func NewPool(cfg config.Config, q *queue.RedisQueue, st JobStore, hub Publisher, log *zap.Logger) *Pool {
	return &Pool{
		cfg:        cfg,
		queue:      q,
		store:      st,
		hub:        hub,
		log:        log,
		processors: make(map[string]Processor),
		pools:      make(map[string]*ants.Pool),
	}
}

// Register binds a processor to a job type.
func (p *Pool) Register(jobType string, proc Processor) {
	if jobType == "" || proc == nil {
		return
	}
	p.processors[jobType] = proc
}

// OnTerminal adds a hook invoked after every completed/failed transition.
func (p *Pool) OnTerminal(hook TerminalHook) {
	p.hooks = append(p.hooks, hook)
}

// Run starts a dispatch loop and executor pool per registered type and
// blocks until the context is cancelled. Shutdown stops dequeuing first,
// then waits up to the configured grace period for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	for jobType := range p.processors {
		size := p.cfg.Concurrency[jobType]
		if size <= 0 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return fmt.Errorf("executor pool for %s: %w", jobType, err)
		}
		p.pools[jobType] = pool

		p.wg.Add(1)
		go func(t string) {
			defer p.wg.Done()
			p.dispatch(ctx, t)
		}(jobType)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("shutdown grace elapsed with jobs still in flight")
	}
	for _, pool := range p.pools {
		pool.Release()
	}
	return ctx.Err()
}

// dispatch promotes, reclaims, and feeds one queue type's executor pool.
func (p *Pool) dispatch(ctx context.Context, jobType string) {
	pool := p.pools[jobType]
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if promoted, err := p.queue.PromoteScheduled(ctx, jobType, time.Now(), int64(p.cfg.ScheduledBatchSize)); err == nil && len(promoted) > 0 {
			if err := p.store.MarkWaiting(ctx, promoted); err != nil {
				p.log.Warn("mark promoted jobs waiting", zap.String("type", jobType), zap.Error(err))
			}
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, jobType, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.log.Warn("reclaimed expired leases", zap.String("type", jobType), zap.Int("count", len(reclaimed)))
			_ = p.store.MarkStalled(ctx, reclaimed)
			_ = p.store.MarkWaiting(ctx, reclaimed)
		}
		if depth, err := p.queue.ReadyDepth(ctx, jobType); err == nil {
			telemetry.QueueDepth.WithLabelValues(jobType).Set(float64(depth))
		}

		if pool.Free() == 0 {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		jobID, err := p.queue.DequeueWithLease(ctx, jobType)
		if err != nil || jobID == "" {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.wg.Add(1)
		id := jobID
		if err := pool.Submit(func() {
			defer p.wg.Done()
			p.runJob(ctx, jobType, id)
		}); err != nil {
			p.wg.Done()
			// Pool is shutting down; give the claim back.
			_ = p.queue.Schedule(ctx, id, jobType, "default", time.Now())
		}
	}
}

// runJob executes one leased job end to end. The context is detached from
// the shutdown signal: a claimed job gets the grace period to finish, and
// its terminal bookkeeping must land even mid-shutdown, or a completed but
// unacked job would re-run after lease expiry. The processor timeout in
// invoke still bounds the work.
func (p *Pool) runJob(ctx context.Context, jobType, jobID string) {
	ctx = context.WithoutCancel(ctx)
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.log.Error("load job", zap.String("job_id", jobID), zap.Error(err))
		}
		_ = p.queue.Ack(ctx, jobID, jobType)
		return
	}
	if job.CancelRequested {
		p.discard(ctx, job)
		return
	}

	job, err = p.store.MarkActive(ctx, jobID)
	if err != nil {
		// Someone else already ran or removed it.
		_ = p.queue.Ack(ctx, jobID, jobType)
		return
	}

	telemetry.InFlight.WithLabelValues(jobType).Inc()
	defer telemetry.InFlight.WithLabelValues(jobType).Dec()
	p.publish(ctx, job, models.StatusActive, "")

	reporter := func(prog models.Progress) {
		job.Progress = prog
		if err := p.store.UpdateProgress(ctx, job.ID, prog); err != nil {
			p.log.Warn("persist progress", zap.String("job_id", job.ID), zap.Error(err))
		}
		p.publish(ctx, job, models.StatusActive, "")
	}

	result, procErr := p.invoke(ctx, job, reporter)

	// Cancellation during execution discards the outcome.
	if fresh, err := p.store.GetJob(ctx, job.ID); err == nil && fresh.CancelRequested {
		p.discard(ctx, job)
		return
	}

	if procErr == nil {
		p.complete(ctx, job, result)
		return
	}
	p.fail(ctx, job, procErr)
}

// invoke runs the processor with the per-invocation timeout and a panic
// barrier, so a crashing processor fails the job rather than the worker.
func (p *Pool) invoke(ctx context.Context, job models.Job, report ProgressFunc) (result any, err error) {
	proc, ok := p.processors[job.Type]
	if !ok {
		return nil, Terminal(fmt.Errorf("no processor registered for type %q", job.Type))
	}

	procCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessorTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor panic", zap.String("job_id", job.ID), zap.Any("panic", r))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(procCtx, job, report)
}

func (p *Pool) complete(ctx context.Context, job models.Job, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		p.fail(ctx, job, Terminal(fmt.Errorf("marshal result: %w", err)))
		return
	}
	applied, err := p.store.MarkCompleted(ctx, job.ID, payload)
	if err != nil {
		p.log.Error("mark completed", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = p.queue.Ack(ctx, job.ID, job.Type)
	if !applied {
		return
	}
	telemetry.CompletedTotal.WithLabelValues(job.Type).Inc()
	job.Progress.Percent = 100
	p.publish(ctx, job, models.StatusCompleted, "")
	p.fireHooks(ctx, job, models.StatusCompleted, "")
}

func (p *Pool) fail(ctx context.Context, job models.Job, procErr error) {
	msg := procErr.Error()
	terminal := IsTerminal(procErr) || job.Attempts >= job.MaxAttempts

	if terminal {
		applied, err := p.store.MarkFailed(ctx, job.ID, msg)
		if err != nil {
			p.log.Error("mark failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		_ = p.queue.Ack(ctx, job.ID, job.Type)
		if !applied {
			return
		}
		telemetry.FailedTotal.WithLabelValues(job.Type).Inc()
		p.log.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.String("error", msg))
		p.publish(ctx, job, models.StatusFailed, msg)
		p.fireHooks(ctx, job, models.StatusFailed, msg)
		return
	}

	delay := Backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, job.Attempts)
	nextRun := time.Now().Add(delay)
	if err := p.store.MarkRetryScheduled(ctx, job.ID, nextRun, msg); err != nil {
		p.log.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = p.queue.Ack(ctx, job.ID, job.Type)
	_ = p.queue.Schedule(ctx, job.ID, job.Type, job.Priority, nextRun)
	telemetry.RetriedTotal.WithLabelValues(job.Type).Inc()
	p.log.Info("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("backoff", delay),
		zap.String("error", msg))
	p.publish(ctx, job, models.StatusDelayed, msg)
}

// discard honors a cancel request: drop the lease and remove the record.
// A cancelled batch member still counts toward its batch as a failure,
// otherwise the aggregate never reaches total and the batch stays RUNNING.
func (p *Pool) discard(ctx context.Context, job models.Job) {
	_ = p.queue.Ack(ctx, job.ID, job.Type)
	_, _ = p.store.DeleteJob(ctx, job.ID)
	p.log.Info("job cancelled", zap.String("job_id", job.ID), zap.String("type", job.Type))
	if job.BatchID != "" {
		p.fireHooks(ctx, job, models.StatusFailed, "cancelled by user")
	}
}

func (p *Pool) publish(ctx context.Context, job models.Job, status, errMsg string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(ctx, job.UserID, models.ProgressEvent{
		JobID:     job.ID,
		BatchID:   job.BatchID,
		Type:      job.Type,
		Status:    status,
		Progress:  job.Progress,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Pool) fireHooks(ctx context.Context, job models.Job, status, errMsg string) {
	for _, hook := range p.hooks {
		hook(ctx, job, status, errMsg)
	}
}

// maintain prunes terminal jobs down to the retention bounds.
func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for jobType := range p.processors {
			if _, err := p.store.PruneTerminal(ctx, jobType, models.StatusCompleted, p.cfg.RetainCompleted); err != nil {
				p.log.Warn("prune completed", zap.String("type", jobType), zap.Error(err))
			}
			if _, err := p.store.PruneTerminal(ctx, jobType, models.StatusFailed, p.cfg.RetainFailed); err != nil {
				p.log.Warn("prune failed", zap.String("type", jobType), zap.Error(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
