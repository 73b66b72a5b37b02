package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/queue"
	"outreach-orchestrator/internal/store"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// inStates mirrors the status = ANY(...) guards; the fake consults the same
// transition tables the SQL store builds its predicates from.
func inStates(status string, states []string) bool {
	for _, s := range states {
		if status == s {
			return true
		}
	}
	return false
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.Job)}
}

func (f *fakeJobStore) put(j models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := j
	f.jobs[j.ID] = &copied
}

func (f *fakeJobStore) snapshot(id string) (models.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *j, true
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := f.snapshot(id)
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobStore) MarkActive(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	if !inStates(j.Status, store.ClaimFrom) {
		return models.Job{}, store.ErrNotFound
	}
	j.Status = models.StatusActive
	j.Attempts++
	return *j, nil
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, id string, result json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || !inStates(j.Status, store.CompleteFrom) {
		return false, nil
	}
	j.Status = models.StatusCompleted
	j.Result = result
	j.Progress.Percent = 100
	return true, nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, id string, lastError string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || inStates(j.Status, store.TerminalStates) {
		return false, nil
	}
	j.Status = models.StatusFailed
	j.LastError = &lastError
	return true, nil
}

func (f *fakeJobStore) MarkRetryScheduled(_ context.Context, id string, nextRun time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if inStates(j.Status, store.TerminalStates) {
		return nil
	}
	j.Status = models.StatusDelayed
	j.NextRunAt = nextRun
	if lastError != "" {
		j.LastError = &lastError
	}
	return nil
}

func (f *fakeJobStore) MarkWaiting(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if j, ok := f.jobs[id]; ok {
			if j.Status == models.StatusDelayed || j.Status == models.StatusStalled {
				j.Status = models.StatusWaiting
			}
		}
	}
	return nil
}

func (f *fakeJobStore) MarkStalled(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if j, ok := f.jobs[id]; ok && j.Status == models.StatusActive {
			j.Status = models.StatusStalled
		}
	}
	return nil
}

func (f *fakeJobStore) UpdateProgress(_ context.Context, id string, p models.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Progress = p
	}
	return nil
}

func (f *fakeJobStore) DeleteJob(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[id]
	delete(f.jobs, id)
	return ok, nil
}

func (f *fakeJobStore) PruneTerminal(context.Context, string, string, int) (int64, error) {
	return 0, nil
}

func testPoolConfig() config.Config {
	return config.Config{
		Concurrency: map[string]int{
			models.TypeProspectEnrichment: 2,
		},
		WorkerPollInterval: 5 * time.Millisecond,
		ProcessorTimeout:   time.Second,
		BackoffBase:        time.Millisecond,
		BackoffCap:         10 * time.Millisecond,
		ScheduledBatchSize: 10,
		ShutdownGrace:      time.Second,
		RetainCompleted:    10,
		RetainFailed:       10,
	}
}

func startPool(t *testing.T, st *fakeJobStore, proc Processor, hooks ...TerminalHook) (*queue.RedisQueue, context.CancelFunc) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewWithClient(client, []string{"high", "default", "low"}, time.Minute)

	pool := NewPool(testPoolConfig(), q, st, nil, zap.NewNop())
	pool.Register(models.TypeProspectEnrichment, proc)
	for _, h := range hooks {
		pool.OnTerminal(h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return q, cancel
}

func waitForStatus(t *testing.T, st *fakeJobStore, id, status string) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := st.snapshot(id); ok && j.Status == status {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := st.snapshot(id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, status, j)
	return models.Job{}
}

func seedJob(st *fakeJobStore, id string, maxAttempts int) models.Job {
	job := models.Job{
		ID:          id,
		Type:        models.TypeProspectEnrichment,
		UserID:      "user-1",
		Priority:    "default",
		Status:      models.StatusWaiting,
		MaxAttempts: maxAttempts,
	}
	st.put(job)
	return job
}

func TestPoolRetriesTransientThenCompletes(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, "job-1", 3)

	var mu sync.Mutex
	calls := 0
	proc := func(_ context.Context, job models.Job, _ ProgressFunc) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return nil, Transient(errors.New("provider timeout"))
		}
		return map[string]string{"ok": "yes"}, nil
	}

	q, _ := startPool(t, st, proc)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, st, "job-1", models.StatusCompleted)
	if job.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.Attempts)
	}
	if string(job.Result) != `{"ok":"yes"}` {
		t.Fatalf("unexpected result: %s", job.Result)
	}
}

func TestPoolTerminalErrorFailsImmediately(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, "job-1", 3)

	proc := func(context.Context, models.Job, ProgressFunc) (any, error) {
		return nil, Terminal(errors.New("prospect not found"))
	}

	q, _ := startPool(t, st, proc)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, st, "job-1", models.StatusFailed)
	if job.Attempts != 1 {
		t.Fatalf("terminal failure should not retry, attempts=%d", job.Attempts)
	}
	if job.LastError == nil || *job.LastError != "prospect not found" {
		t.Fatalf("expected error recorded, got %v", job.LastError)
	}
}

func TestPoolExhaustsAttemptsThenFails(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, "job-1", 2)

	proc := func(context.Context, models.Job, ProgressFunc) (any, error) {
		return nil, Transient(errors.New("always failing"))
	}

	q, _ := startPool(t, st, proc)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, st, "job-1", models.StatusFailed)
	if job.Attempts != 2 {
		t.Fatalf("expected max attempts reached, attempts=%d", job.Attempts)
	}
}

func TestPoolPanicIsFailureNotCrash(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, "job-1", 1)

	proc := func(context.Context, models.Job, ProgressFunc) (any, error) {
		panic("boom")
	}

	q, _ := startPool(t, st, proc)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, st, "job-1", models.StatusFailed)
	if job.LastError == nil {
		t.Fatalf("expected panic recorded as error")
	}
}

func TestPoolHonorsCancelRequest(t *testing.T) {
	st := newFakeJobStore()
	job := seedJob(st, "job-1", 3)
	job.CancelRequested = true
	st.put(job)

	proc := func(context.Context, models.Job, ProgressFunc) (any, error) {
		t.Error("cancelled job must not run")
		return nil, nil
	}

	q, _ := startPool(t, st, proc)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := st.snapshot("job-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cancelled job was not removed")
}

func TestPoolShutdownLetsActiveJobFinish(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, "job-1", 3)

	started := make(chan struct{})
	release := make(chan struct{})
	proc := func(ctx context.Context, _ models.Job, _ ProgressFunc) (any, error) {
		close(started)
		<-release
		// Shutdown must not cancel a claimed job mid-flight.
		if err := ctx.Err(); err != nil {
			return nil, Transient(err)
		}
		return "done", nil
	}

	q, cancel := startPool(t, st, proc)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	<-started
	cancel()
	// Let the dispatch loops observe shutdown before the job ends, so the
	// terminal bookkeeping provably runs after cancellation.
	time.Sleep(20 * time.Millisecond)
	close(release)

	job := waitForStatus(t, st, "job-1", models.StatusCompleted)
	if string(job.Result) != `"done"` {
		t.Fatalf("result lost during shutdown: %s", job.Result)
	}
}

func TestPoolCancelledBatchMemberCountsAsFailed(t *testing.T) {
	st := newFakeJobStore()
	job := seedJob(st, "job-1", 3)
	job.BatchID = "batch-1"
	job.CancelRequested = true
	st.put(job)

	var mu sync.Mutex
	var hookCalls []string
	hook := func(_ context.Context, j models.Job, status, _ string) {
		mu.Lock()
		defer mu.Unlock()
		hookCalls = append(hookCalls, j.ID+"/"+j.BatchID+"/"+status)
	}
	proc := func(context.Context, models.Job, ProgressFunc) (any, error) {
		t.Error("cancelled job must not run")
		return nil, nil
	}

	q, _ := startPool(t, st, proc, hook)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(hookCalls)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hookCalls) != 1 || hookCalls[0] != "job-1/batch-1/"+models.StatusFailed {
		t.Fatalf("cancelled member must reach the batch as failed, got %v", hookCalls)
	}
	if _, ok := st.snapshot("job-1"); ok {
		t.Fatalf("cancelled job record should be removed")
	}
}

func TestPoolProgressReportsPersist(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, "job-1", 3)

	proc := func(_ context.Context, _ models.Job, report ProgressFunc) (any, error) {
		report(models.Progress{Percent: 50, Processed: 1, Total: 2, Message: "halfway"})
		return "done", nil
	}

	q, _ := startPool(t, st, proc)
	if err := q.Enqueue(context.Background(), "job-1", models.TypeProspectEnrichment, "default", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForStatus(t, st, "job-1", models.StatusCompleted)
	if job.Progress.Percent != 100 {
		t.Fatalf("completed job should read 100%%, got %d", job.Progress.Percent)
	}
	if job.Progress.Processed != 1 || job.Progress.Total != 2 {
		t.Fatalf("mid-run progress lost: %+v", job.Progress)
	}
}
