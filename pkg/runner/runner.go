// Package runner drives provisioning jobs through their lifecycle:
// Started -> Running -> Completed or Failed.
//
// The runner knows nothing about what an action does. It creates the
// record, hands it to the action on a worker goroutine, and guarantees the
// job never sticks in Running: an error or panic at the boundary becomes a
// structured errorResponse and a Failed status.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/polling"
)

// Action is an opaque unit of provisioning work. Given the job record, it
// narrates progress via AddLog and finishes with exactly one terminal
// call: SetStatus(Completed) plus SetResult, or SetStatus(Failed) plus
// SetErrorResponse. An action that returns nil without reaching a terminal
// state is finalized as Completed.
type Action func(ctx context.Context, rec *job.Record) error

// Config configures runner behavior.
type Config struct {
	// Workers is the number of concurrent action goroutines. Default: 4.
	Workers int

	// QueueDepth is the submit queue size. Default: 64.
	QueueDepth int

	// PollInterval is the sleep between status checks in RunSync.
	// Default: 1s.
	PollInterval time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueDepth:   64,
		PollInterval: time.Second,
	}
}

type task struct {
	rec    *job.Record
	action Action
}

// Runner executes provisioning actions against a job store.
type Runner struct {
	store *job.Store
	log   *zap.Logger
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New returns a Runner over store. Call Start before submitting work.
func New(store *job.Store, logger *zap.Logger, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:  store,
		log:    logger,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan task, cfg.QueueDepth),
	}
}

// Start launches the worker goroutines.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runner already started")
	}
	r.started = true

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(i + 1)
	}
	r.log.Debug("runner started", zap.Int("workers", r.cfg.Workers))
	return nil
}

// Stop drains the workers. Queued tasks that have not begun are dropped;
// their jobs remain in Started and are observable through the store.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Runner) workerLoop(id int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case t := <-r.tasks:
			r.execute(id, t)
		}
	}
}

// SubmitAsync creates the job and queues the action without blocking on
// its execution. The returned record is live: the worker advances it and
// readers observe progress through the store.
func (r *Runner) SubmitAsync(ctx context.Context, action Action, fields map[string]any) (*job.Record, error) {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("runner is not started")
	}

	rec, err := r.store.Create(ctx, fields)
	if err != nil {
		return nil, err
	}

	select {
	case r.tasks <- task{rec: rec, action: action}:
		return rec, nil
	case <-ctx.Done():
		return rec, ctx.Err()
	}
}

// RunSync submits the action and polls until the job reaches a terminal
// state or the timeout passes. On timeout the job is returned in whatever
// state was last observed together with polling.ErrTimeout; it is never
// forced to Failed, since the action may still finish.
func (r *Runner) RunSync(ctx context.Context, action Action, fields map[string]any, timeout time.Duration) (*job.Record, error) {
	rec, err := r.SubmitAsync(ctx, action, fields)
	if err != nil {
		return rec, err
	}

	p := &polling.Poller[*job.Record]{
		Interval: r.cfg.PollInterval,
		Refresh: func(ctx context.Context, h *job.Record) (*job.Record, error) {
			if err := h.Refresh(ctx); err != nil {
				return h, err
			}
			return h, nil
		},
		Complete: func(h *job.Record) bool {
			return h.Status().Terminal()
		},
		Successful: func(h *job.Record) bool {
			return h.Status() == job.StatusCompleted
		},
	}
	return p.PollForCompletion(ctx, rec, timeout)
}

// RequestCancel sets the cooperative cancellation flag on a job. Actions
// observe it via Record.CancelRequested; nothing is interrupted forcibly.
func (r *Runner) RequestCancel(ctx context.Context, id string) error {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return rec.RequestCancel(ctx)
}

// execute runs one action to a terminal state. Errors and panics are
// captured at this boundary; they never propagate to pollers.
func (r *Runner) execute(workerID int, t task) {
	ctx := r.ctx
	rec := t.rec
	logger := r.log.With(
		zap.String("job_id", rec.ID()),
		zap.String("job_type", rec.Type()),
		zap.Int("worker", workerID))

	if err := rec.RecordPID(ctx); err != nil {
		logger.Warn("failed to record worker pid", zap.Error(err))
	}
	if err := rec.SetStatus(ctx, job.StatusRunning); err != nil {
		logger.Error("failed to mark job running", zap.Error(err))
		return
	}

	err := r.runAction(ctx, t.action, rec)
	if err != nil {
		r.finalizeFailure(ctx, rec, logger, err)
		return
	}

	if !rec.Status().Terminal() {
		if err := rec.SetStatus(ctx, job.StatusCompleted); err != nil {
			logger.Error("failed to finalize job", zap.Error(err))
			return
		}
	}
	logger.Debug("job finished", zap.String("status", string(rec.Status())))
}

// actionError carries the stack captured when an action panics.
type actionError struct {
	err   error
	stack string
}

func (e *actionError) Error() string {
	return e.err.Error()
}

func (r *Runner) runAction(ctx context.Context, action Action, rec *job.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &actionError{
				err:   fmt.Errorf("action panicked: %v", p),
				stack: string(debug.Stack()),
			}
		}
	}()
	return action(ctx, rec)
}

func (r *Runner) finalizeFailure(ctx context.Context, rec *job.Record, logger *zap.Logger, actErr error) {
	logger.Warn("action failed", zap.Error(actErr))

	if rec.Status().Terminal() {
		// The action already recorded its own terminal outcome.
		return
	}

	traceback := ""
	if ae, ok := actErr.(*actionError); ok {
		traceback = ae.stack
	}
	if err := rec.SetErrorResponse(ctx, job.InternalErrorCode, actErr.Error(), traceback, nil); err != nil {
		logger.Error("failed to record error response", zap.Error(err))
	}
	if err := rec.SetStatus(ctx, job.StatusFailed); err != nil {
		logger.Error("failed to mark job failed", zap.Error(err))
	}
}
