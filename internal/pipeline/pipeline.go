package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"fovpipe/internal/fov"
	"fovpipe/internal/logging"
	"fovpipe/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobFOVStats JobType = "fov_stats"
)

// Job represents a single processing request.
type Job struct {
	ID        string
	RunID     string
	Type      JobType
	InputPath string
	Output    string
	Row       fov.Row
	Options   map[string]any

	reply chan<- Result
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job            `json:"-"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Executor runs a batch of jobs and returns one Result per job that was
// started. Cancelling ctx stops submission; started jobs still finish.
type Executor interface {
	Execute(ctx context.Context, jobs []Job) []Result
}

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline stopped")
	// ErrPanicked wraps a panic recovered from a Processor.
	ErrPanicked = errors.New("job panicked")
)

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	metrics   *Metrics
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency and processor implementation.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor, metrics *Metrics) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		done:      make(chan struct{}),
		store:     store,
		metrics:   metrics,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	_ = p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		RunID:       job.RunID,
		FOVId:       job.Row.FOVId,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(optsJSON),
	})
}

// Submit adds a job to the processing queue without blocking.
func (p *Pipeline) Submit(job Job) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	p.recordQueued(job)

	select {
	case p.jobs <- job:
		p.metrics.queued(1)
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Execute submits jobs in order, blocking while the queue is full, and
// waits for the result of every job it managed to submit.
func (p *Pipeline) Execute(ctx context.Context, jobs []Job) []Result {
	replies := make(chan Result, len(jobs))
	submitted := 0
submit:
	for _, job := range jobs {
		job.reply = replies
		p.recordQueued(job)
		select {
		case p.jobs <- job:
			p.metrics.queued(1)
			submitted++
		case <-ctx.Done():
			break submit
		case <-p.done:
			break submit
		}
	}

	results := make([]Result, 0, submitted)
	for len(results) < submitted {
		select {
		case res := <-replies:
			results = append(results, res)
		case <-p.done:
			return results
		}
	}
	return results
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.metrics.queued(-1)
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := safeProcess(ctx, p.processor, job)
			res.Job = job
			duration := time.Since(start)

			status := jobStatus(res)
			if res.Error != nil {
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":  job.InputPath,
					"output": job.Output,
					"fov_id": job.Row.FOVId,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}
			p.metrics.observeJob(status, duration)

			if job.reply != nil {
				job.reply <- res
			}
			p.broadcast(res)
		}
	}
}

// safeProcess turns a panic in proc into a failed Result so one job cannot
// take down its siblings.
func safeProcess(ctx context.Context, proc Processor, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Errorf("%w: %v", ErrPanicked, r)}
		}
	}()
	return proc.Process(ctx, job)
}

// Status is the ledger status of a finished job: failed, skipped or completed.
func (r Result) Status() string { return jobStatus(r) }

func jobStatus(res Result) string {
	switch {
	case res.Error != nil:
		return "failed"
	case res.Meta["outcome"] == "skipped":
		return "skipped"
	default:
		return "completed"
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

// SyncExecutor runs jobs one after another on the calling goroutine.
type SyncExecutor struct {
	Processor Processor
}

// Execute implements Executor.
func (s SyncExecutor) Execute(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		res := safeProcess(ctx, s.Processor, job)
		res.Job = job
		results = append(results, res)
	}
	return results
}
