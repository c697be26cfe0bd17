package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func janitorConfig() JanitorConfig {
	return JanitorConfig{
		Retention:     time.Hour,
		SweepInterval: time.Minute,
		LostAfter:     10 * time.Minute,
	}
}

func TestJanitorDeletesExpiredTerminalTasks(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newTask("old")))
	require.NoError(t, s.Update("old", func(tk *Task) { tk.Status = StateCompleted }))

	var deleted []string
	j := NewJanitor(s, janitorConfig(), zaptest.NewLogger(t), func(id string) {
		deleted = append(deleted, id)
	})

	// Inside retention: nothing happens.
	j.sweep(time.Now().UTC())
	_, err := s.Get("old")
	require.NoError(t, err)

	// Past retention: the record and derived state go.
	j.sweep(time.Now().UTC().Add(2 * time.Hour))
	_, err = s.Get("old")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"old"}, deleted)
}

func TestJanitorKeepsFreshTerminalTasks(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newTask("fresh")))
	require.NoError(t, s.Update("fresh", func(tk *Task) { tk.Status = StateFailed }))

	j := NewJanitor(s, janitorConfig(), zaptest.NewLogger(t), nil)
	j.sweep(time.Now().UTC().Add(30 * time.Minute))

	_, err := s.Get("fresh")
	require.NoError(t, err)
}

func TestJanitorFailsLostRunningTasks(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newTask("stuck")))
	require.NoError(t, s.Update("stuck", func(tk *Task) {
		tk.Status = StateRunning
		tk.ProgressPercentage = 35
	}))

	j := NewJanitor(s, janitorConfig(), zaptest.NewLogger(t), nil)

	// Recent write: the task is still considered alive.
	j.sweep(time.Now().UTC())
	got, err := s.Get("stuck")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.Status)

	// No writes past the deadline: the executor is presumed dead.
	j.sweep(time.Now().UTC().Add(15 * time.Minute))
	got, err = s.Get("stuck")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "executor lost")
	assert.Equal(t, 35, got.ProgressPercentage, "progress stays where execution stopped")
	require.NotNil(t, got.CompletedAt)
}

func TestJanitorLeavesPendingTasksAlone(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newTask("queued")))

	j := NewJanitor(s, janitorConfig(), zaptest.NewLogger(t), nil)
	j.sweep(time.Now().UTC().Add(24 * time.Hour))

	got, err := s.Get("queued")
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.Status)
}
