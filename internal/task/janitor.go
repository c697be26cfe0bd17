package task

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// JanitorConfig controls the background sweep over the task store.
type JanitorConfig struct {
	// Retention is how long terminal task records (and their cached
	// artifacts) are kept after completion.
	Retention time.Duration

	// SweepInterval is how often the janitor scans the store.
	SweepInterval time.Duration

	// LostAfter is how long a running task may go without a store write
	// before its executor is presumed dead and the task is failed.
	LostAfter time.Duration
}

// Janitor enforces the retention policy and the lost-execution safeguard:
// pollers must never wait forever on a task whose executor died without
// writing a terminal state.
type Janitor struct {
	store    Store
	cfg      JanitorConfig
	logger   *zap.Logger
	onDelete func(taskID string)
}

// NewJanitor creates a Janitor over store. onDelete is invoked after a record
// is removed so owners of derived state (cached artifacts, result records)
// can drop theirs too; it may be nil.
func NewJanitor(store Store, cfg JanitorConfig, logger *zap.Logger, onDelete func(taskID string)) *Janitor {
	return &Janitor{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		onDelete: onDelete,
	}
}

// Run sweeps the store on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(time.Now().UTC())
		}
	}
}

// sweep applies retention expiry and the lost-executor check against now.
func (j *Janitor) sweep(now time.Time) {
	tasks, err := j.store.List()
	if err != nil {
		j.logger.Warn("janitor: list tasks", zap.Error(err))
		return
	}

	for _, t := range tasks {
		switch {
		case t.Status.IsTerminal():
			if t.CompletedAt == nil || now.Sub(*t.CompletedAt) < j.cfg.Retention {
				continue
			}
			if err := j.store.Delete(t.ID); err != nil {
				j.logger.Warn("janitor: delete expired task", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			if j.onDelete != nil {
				j.onDelete(t.ID)
			}
			j.logger.Info("janitor: expired task removed", zap.String("task_id", t.ID))

		case t.Status == StateRunning:
			if now.Sub(t.UpdatedAt) < j.cfg.LostAfter {
				continue
			}
			err := j.store.Update(t.ID, func(t *Task) {
				t.Status = StateFailed
				t.ErrorMessage = "analysis executor lost: no progress recorded before the deadline"
			})
			if err != nil {
				j.logger.Warn("janitor: fail lost task", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			j.logger.Warn("janitor: lost executor, task failed", zap.String("task_id", t.ID))
		}
	}
}
