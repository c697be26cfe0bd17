package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dusk-indust/testsmith/internal/task"
)

// Config holds the orchestrator's runtime knobs.
type Config struct {
	// WorkDir is the root under which per-task working directories are
	// created.
	WorkDir string

	// StageTimeout bounds each individual stage.
	StageTimeout time.Duration

	// AnalysisTimeout bounds the whole task regardless of per-stage budgets.
	AnalysisTimeout time.Duration

	// MaxConcurrent caps the number of simultaneously executing analyses.
	// Submissions beyond the cap queue in pending state.
	MaxConcurrent int64

	// EstimatedSeconds is the estimate returned to submitters.
	EstimatedSeconds int
}

// Orchestrator creates tasks, runs the pipeline definition against each one,
// updates the task record store as it goes, and converts stage outputs into
// final result records. Each submitted task runs as its own goroutine; stages
// within one task run strictly in sequence.
type Orchestrator struct {
	store   task.Store
	defs    []StageDef
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	sem     *semaphore.Weighted

	mu      sync.RWMutex
	results map[string]*Result
}

// New wires an Orchestrator over store with the given pipeline definition.
// The definition's progress ranges must partition [0,100].
func New(store task.Store, defs []StageDef, cfg Config, logger *zap.Logger, metrics *Metrics) (*Orchestrator, error) {
	if err := validatePipeline(defs); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("orchestrator: MaxConcurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	return &Orchestrator{
		store:   store,
		defs:    defs,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		results: make(map[string]*Result),
	}, nil
}

// EstimatedSeconds returns the completion estimate reported to submitters.
func (o *Orchestrator) EstimatedSeconds() int { return o.cfg.EstimatedSeconds }

// Submit validates the request, creates the task record, and launches the
// pipeline in the background. It returns the task id immediately and never
// blocks for pipeline completion. A request that fails validation creates no
// record at all.
func (o *Orchestrator) Submit(_ context.Context, req Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	id := task.NewTaskID()
	t := task.Task{
		ID:            id,
		RepositoryURL: req.RepositoryURL,
		Options:       req.Options,
		Status:        task.StatePending,
		CurrentStep:   "queued",
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.store.Create(t); err != nil {
		return "", fmt.Errorf("create task record: %w", err)
	}

	o.metrics.TasksStarted.Inc()
	o.logger.Info("analysis submitted",
		zap.String("task_id", id),
		zap.String("repository_url", req.RepositoryURL))

	go o.run(id, req)
	return id, nil
}

// Status returns the task record for id, or task.ErrNotFound.
func (o *Orchestrator) Status(id string) (*task.Task, error) {
	return o.store.Get(id)
}

// Results returns the result record for id. It answers ErrNotReady while the
// task is still pending or running, and ErrNoResult for a failed task that
// produced nothing partial.
func (o *Orchestrator) Results(id string) (*Result, error) {
	t, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotReady)
	}

	o.mu.RLock()
	r, ok := o.results[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNoResult)
	}
	return r, nil
}

// DropResult discards the result record for id. The janitor calls this when
// a task's retention expires.
func (o *Orchestrator) DropResult(id string) {
	o.mu.Lock()
	delete(o.results, id)
	o.mu.Unlock()
}

// run is the per-task execution loop: the single writer for this task's
// record. Every error raised by a stage is converted into task state here;
// nothing escapes as an unhandled fault.
func (o *Orchestrator) run(id string, req Request) {
	if err := o.sem.Acquire(context.Background(), 1); err != nil {
		o.fail(id, nil, fmt.Sprintf("could not schedule analysis: %v", err))
		return
	}
	defer o.sem.Release(1)

	o.metrics.ActiveTasks.Inc()
	defer o.metrics.ActiveTasks.Dec()

	ws := &Workspace{
		TaskID:  id,
		Request: req,
		Dir:     filepath.Join(o.cfg.WorkDir, id),
	}
	defer os.RemoveAll(ws.Dir)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("analysis panicked", zap.String("task_id", id), zap.Any("panic", r))
			o.fail(id, ws, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.AnalysisTimeout)
	defer cancel()

	err := o.store.Update(id, func(t *task.Task) {
		now := time.Now().UTC()
		t.Status = task.StateRunning
		t.StartedAt = &now
	})
	if err != nil {
		// Record gone or already terminal (janitor raced us); nothing to run.
		o.logger.Warn("task not runnable", zap.String("task_id", id), zap.Error(err))
		return
	}

	for _, def := range o.defs {
		if err := o.runStage(ctx, def, ws); err != nil {
			if def.Blocking {
				o.fail(id, ws, err.Error())
				return
			}
			o.logger.Warn("optional stage failed, continuing",
				zap.String("task_id", id),
				zap.String("stage", def.Stage.Name()),
				zap.Error(err))
		}

		// The whole-task deadline binds every stage, including ones that
		// absorb their own errors. An expired budget is task failure no
		// matter what the stage reported.
		if ctx.Err() != nil {
			o.fail(id, ws, fmt.Sprintf("analysis timed out during %q", def.Label))
			return
		}

		// Stage boundary reached: advance to the end of its range.
		_ = o.store.Update(id, func(t *task.Task) {
			t.ProgressPercentage = def.End
		})
	}

	o.complete(id, ws)
}

// runStage executes one stage under its timeout, translating the stage's
// fractional progress notifications into absolute task progress.
func (o *Orchestrator) runStage(ctx context.Context, def StageDef, ws *Workspace) error {
	stageCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	report := func(frac float64) {
		pct := absProgress(def, frac)
		_ = o.store.Update(ws.TaskID, func(t *task.Task) {
			t.ProgressPercentage = pct
			t.CurrentStep = def.Label
		})
	}
	report(0)

	start := time.Now()
	err := def.Stage.Run(stageCtx, ws, report)
	o.metrics.StageDuration.WithLabelValues(def.Stage.Name()).Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}
	return stageError(def, stageCtx, ctx, err)
}

// stageError classifies a stage failure: stage timeout, whole-task timeout,
// or plain stage failure. The resulting message is what pollers see in
// error_message.
func stageError(def StageDef, stageCtx, taskCtx context.Context, err error) error {
	switch {
	case taskCtx.Err() != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("analysis timed out during %q", def.Label)
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("stage %q timed out after %s", def.Label, def.Timeout)
	default:
		return err
	}
}

// complete finishes a successful run. The terminal write and the result
// publish form one critical section: a poller that has observed the terminal
// status always finds the result.
func (o *Orchestrator) complete(id string, ws *Workspace) {
	o.mu.Lock()
	err := o.store.Update(id, func(t *task.Task) {
		t.Status = task.StateCompleted
		t.ProgressPercentage = 100
		t.CurrentStep = "completed"
	})
	if err != nil {
		o.mu.Unlock()
		o.logger.Warn("could not mark task completed", zap.String("task_id", id), zap.Error(err))
		return
	}
	o.publishLocked(id, ws)
	o.mu.Unlock()

	o.metrics.TasksCompleted.Inc()
	o.logger.Info("analysis completed", zap.String("task_id", id))
}

// fail writes the terminal failed state. Progress is left wherever the last
// successful update put it, preserving an honest account of how far execution
// got. If generation already produced output, a partial result is published
// in the same critical section as the terminal write.
func (o *Orchestrator) fail(id string, ws *Workspace, msg string) {
	o.mu.Lock()
	err := o.store.Update(id, func(t *task.Task) {
		t.Status = task.StateFailed
		t.ErrorMessage = msg
	})
	if err != nil {
		o.mu.Unlock()
		o.logger.Warn("could not mark task failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	if ws != nil && ws.Generation != nil {
		o.publishLocked(id, ws)
	}
	o.mu.Unlock()

	o.metrics.TasksFailed.Inc()
	o.logger.Warn("analysis failed", zap.String("task_id", id), zap.String("error", msg))
}

// publishLocked builds the result record from the workspace and the freshly
// written terminal task record. Callers hold o.mu.
func (o *Orchestrator) publishLocked(id string, ws *Workspace) {
	t, err := o.store.Get(id)
	if err != nil {
		o.logger.Warn("could not read task for result", zap.String("task_id", id), zap.Error(err))
		return
	}
	o.results[id] = BuildResult(ws, t)
}

// allowedSchemes are the repository address forms accepted at submission.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"git":   true,
	"ssh":   true,
}

// validateRequest rejects malformed submissions before any record exists.
func validateRequest(req Request) error {
	u, err := url.Parse(req.RepositoryURL)
	if err != nil {
		return validationErrorf("repository_url", "not a well-formed address: %v", err)
	}
	if !allowedSchemes[u.Scheme] {
		return validationErrorf("repository_url", "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return validationErrorf("repository_url", "missing host")
	}
	if req.Options.TargetCoverage < 0 || req.Options.TargetCoverage > 100 {
		return validationErrorf("target_coverage", "must be between 0 and 100, got %d", req.Options.TargetCoverage)
	}
	if req.Options.MaxFiles < 0 {
		return validationErrorf("max_files", "must be positive, got %d", req.Options.MaxFiles)
	}
	return nil
}
