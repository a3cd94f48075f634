package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/providers"
)

// RuntimeConfig tunes the worker pool's concurrency, retry, and shutdown
// behavior.
type RuntimeConfig struct {
	MaxConcurrent int

	PollBase time.Duration // inter-poll sleep floor when Next() returns nothing
	PollMax  time.Duration // inter-poll sleep ceiling

	BackoffBase time.Duration // retry delay floor
	BackoffMax  time.Duration // retry delay ceiling

	AbortPollInterval time.Duration // how often executing jobs check for ABORTING
	ShutdownGrace     time.Duration // time Stop() waits for in-flight jobs to finish

	// DispatchRateLimit caps jobs/sec dispatched across the whole pool,
	// independent of MaxConcurrent — useful when the downstream provider
	// enforces its own requests-per-minute quota. 0 disables the limiter.
	DispatchRateLimit float64
	DispatchBurst     int
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.PollBase <= 0 {
		c.PollBase = 10 * time.Millisecond
	}
	if c.PollMax <= 0 {
		c.PollMax = time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.AbortPollInterval <= 0 {
		c.AbortPollInterval = 250 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Runtime is the worker pool that dispatches jobs from a Storage against a
// provider Registry: one goroutine per MaxConcurrent slot, each looping
// Next -> resolve RunFunc -> execute -> Complete, with cooperative
// cancellation, progress coalescing, and exponential backoff on retry.
type Runtime struct {
	storage  Storage
	registry providers.Registry
	models   providers.ModelRepository
	logger   *common.Logger
	config   RuntimeConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*inflight

	limiter *rate.Limiter // nil when DispatchRateLimit is unset
}

type inflight struct {
	cancelled bool
	onCancel  []func()
	mu        sync.Mutex
}

func (c *inflight) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *inflight) OnCancel(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		fn()
		return
	}
	c.onCancel = append(c.onCancel, fn)
}

func (c *inflight) trigger() {
	c.mu.Lock()
	c.cancelled = true
	fns := c.onCancel
	c.onCancel = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// NewRuntime creates a worker pool. logger must not be nil.
func NewRuntime(storage Storage, registry providers.Registry, models providers.ModelRepository, logger *common.Logger, config RuntimeConfig) *Runtime {
	config = config.withDefaults()
	r := &Runtime{
		storage:  storage,
		registry: registry,
		models:   models,
		logger:   logger,
		config:   config,
		running:  make(map[string]*inflight),
	}
	if config.DispatchRateLimit > 0 {
		burst := config.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.DispatchRateLimit), burst)
	}
	return r
}

// safeGo launches a goroutine under the runtime's WaitGroup, recovering and
// logging any panic rather than letting it take down the process.
func (r *Runtime) safeGo(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", rec)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in queue runtime goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the worker pool. Safe to call once; call Stop before
// starting again.
func (r *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for i := 0; i < r.config.MaxConcurrent; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		r.safeGo(workerID, func() { r.processLoop(runCtx, workerID) })
	}

	r.logger.Info().Int("max_concurrent", r.config.MaxConcurrent).Msg("queue runtime started")
}

// Stop cancels outstanding workers, gives in-flight jobs ShutdownGrace to
// finish, and then returns regardless of whether they did.
func (r *Runtime) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.config.ShutdownGrace):
		r.logger.Warn().Dur("grace", r.config.ShutdownGrace).Msg("queue runtime stop timed out waiting for workers")
	}
}

// Abort cooperatively cancels a running job: marks it ABORTING in storage
// and, if it is currently executing on this process, triggers its
// CancelSignal immediately rather than waiting for the next poll.
func (r *Runtime) Abort(ctx context.Context, jobID string) error {
	if err := r.storage.Abort(ctx, jobID); err != nil {
		return err
	}
	r.mu.Lock()
	c, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		c.trigger()
	}
	return nil
}

func (r *Runtime) processLoop(ctx context.Context, workerID string) {
	consecutiveEmpty := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.storage.Next(ctx, workerID)
		if err != nil {
			r.logger.Warn().Err(err).Str("worker", workerID).Msg("queue runtime: dequeue error")
			if !sleep(ctx, PollBackoff(consecutiveEmpty+1, r.config.PollBase, r.config.PollMax)) {
				return
			}
			consecutiveEmpty++
			continue
		}
		if job == nil {
			if !sleep(ctx, PollBackoff(consecutiveEmpty, r.config.PollBase, r.config.PollMax)) {
				return
			}
			consecutiveEmpty++
			continue
		}
		consecutiveEmpty = 0

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		r.execute(ctx, job, workerID)
	}
}

func (r *Runtime) execute(ctx context.Context, job *Job, workerID string) {
	cancelSig := &inflight{}
	r.mu.Lock()
	r.running[job.ID] = cancelSig
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
	}()

	stopAbortPoll := r.watchForAbort(ctx, job.ID, cancelSig)
	defer stopAbortPoll()

	start := time.Now()

	var model *providers.Model
	if job.ModelName != "" {
		m, err := r.models.FindByName(ctx, job.ModelName)
		if err != nil {
			r.finish(ctx, job, nil, NewPermanent(ErrCodeModelNotFound, fmt.Errorf("resolve model %q: %w", job.ModelName, err)), start)
			return
		}
		if m == nil {
			r.finish(ctx, job, nil, NewPermanent(ErrCodeModelNotFound, fmt.Errorf("model %q not found", job.ModelName)), start)
			return
		}
		model = m
	}

	provider, taskType := splitTaskKey(job.QueueName)
	runFn, ok := r.registry.Resolve(provider, taskType)
	if !ok {
		r.finish(ctx, job, nil, NewPermanent(ErrCodeNoRunFunction, fmt.Errorf("no run function for %s/%s", provider, taskType)), start)
		return
	}

	// Progress is coalesced: a call reaches storage only when the percentage
	// has moved by at least 1.0 since the last stored call, or the message or
	// details differ from it.
	var progressMu sync.Mutex
	lastPct, lastMsg, lastDetails := math.Inf(-1), "", map[string]any(nil)
	progress := func(pct float64, message string, details map[string]any) {
		progressMu.Lock()
		if math.Abs(pct-lastPct) < 1.0 && message == lastMsg && reflect.DeepEqual(details, lastDetails) {
			progressMu.Unlock()
			return
		}
		lastPct, lastMsg, lastDetails = pct, message, details
		progressMu.Unlock()
		if err := r.storage.SaveProgress(ctx, job.ID, pct, message, details); err != nil {
			r.logger.Debug().Err(err).Str("job_id", job.ID).Msg("queue runtime: progress save failed")
		}
	}

	runCtx := ctx
	if job.DeadlineAt != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, *job.DeadlineAt)
		defer cancel()
	}

	output, runErr := runFn(runCtx, job.Input, model, progress, cancelSig)
	r.finish(ctx, job, output, runErr, start)
}

// watchForAbort polls storage for the job flipping to ABORTING and triggers
// cancelSig when it does, so a run function's CancelSignal reacts even when
// Abort() was called from a different process than the one executing it.
func (r *Runtime) watchForAbort(ctx context.Context, jobID string, cancelSig *inflight) func() {
	pollCtx, cancel := context.WithCancel(ctx)
	r.safeGo("abort-watch-"+jobID, func() {
		ticker := time.NewTicker(r.config.AbortPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				j, err := r.storage.Get(pollCtx, jobID)
				if err == nil && j != nil && j.Status == StatusAborting {
					cancelSig.trigger()
					return
				}
			}
		}
	})
	return cancel
}

func (r *Runtime) finish(ctx context.Context, job *Job, output []byte, runErr error, start time.Time) {
	duration := time.Since(start)

	if runErr == nil {
		err := r.storage.Complete(ctx, job.ID, CompleteUpdate{Status: StatusCompleted, Output: output})
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue runtime: failed to mark job completed")
		}
		r.logger.Debug().Str("job_id", job.ID).Dur("duration", duration).Msg("job completed")
		return
	}

	if cancelSigErr, aborted := asAborted(runErr); aborted {
		_ = cancelSigErr
		err := r.storage.Complete(ctx, job.ID, CompleteUpdate{Status: StatusFailed, Error: runErr.Error(), Code: ErrCodeAborted})
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue runtime: failed to mark job aborted")
		}
		return
	}

	if IsPermanent(runErr) || job.RunAttempts+1 >= job.MaxRetries {
		code := ErrCodePermanent
		if !IsPermanent(runErr) {
			code = ErrCodeRetriesExhausted
		}
		if qerr, ok := asQueueError(runErr); ok && qerr.Code != "" {
			code = qerr.Code
		}
		err := r.storage.Complete(ctx, job.ID, CompleteUpdate{Status: StatusFailed, Error: runErr.Error(), Code: code})
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue runtime: failed to mark job failed")
		}
		r.logger.Warn().Str("job_id", job.ID).Err(runErr).Msg("job failed permanently")
		return
	}

	delay := Backoff(job.RunAttempts+1, r.config.BackoffBase, r.config.BackoffMax)
	if override := RetryAfterMillis(runErr); override > 0 {
		if o := time.Duration(override) * time.Millisecond; o > delay {
			delay = o
		}
	}
	runAfter := time.Now().UTC().Add(delay)
	err := r.storage.Complete(ctx, job.ID, CompleteUpdate{Status: StatusPending, RunAfter: runAfter})
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue runtime: failed to re-queue job")
	}
	r.logger.Info().Str("job_id", job.ID).Time("run_after", runAfter).Err(runErr).Msg("job failed, retrying")
}

func asQueueError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func asAborted(err error) (error, bool) {
	if qerr, ok := asQueueError(err); ok && qerr.Kind == KindCancellation {
		return err, true
	}
	return nil, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// splitTaskKey derives (provider, task_type) from a queue name of the form
// "<provider>:<task_type>"; queues that don't follow this convention
// dispatch with an empty provider, which a Registry is free to treat as a
// wildcard.
func splitTaskKey(queueName string) (provider, taskType string) {
	for i := 0; i < len(queueName); i++ {
		if queueName[i] == ':' {
			return queueName[:i], queueName[i+1:]
		}
	}
	return "", queueName
}
