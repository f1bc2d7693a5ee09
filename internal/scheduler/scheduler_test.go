package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/logging"
)

// futureSchedule returns time + 1 hour
type futureSchedule struct{}

func (s futureSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Hour)
}

func TestScheduler_CRUD(t *testing.T) {
	s := New(logging.Discard())

	task := &Task{
		ID:       "test-1",
		Name:     "Test Task",
		Enabled:  true,
		Schedule: futureSchedule{},
		Func:     func(ctx context.Context) error { return nil },
	}

	require.NoError(t, s.AddTask(task))
	_, exists := s.GetTaskStatus("test-1")
	assert.True(t, exists)

	assert.Error(t, s.AddTask(task), "duplicate add")
	assert.Error(t, s.AddTask(&Task{ID: "x", Func: task.Func}), "missing schedule")
	assert.Error(t, s.AddTask(&Task{Schedule: futureSchedule{}, Func: task.Func}), "missing id")

	require.NoError(t, s.EnableTask("test-1", false))
	stat, _ := s.GetTaskStatus("test-1")
	assert.False(t, stat.Enabled)
	assert.True(t, stat.NextRun.IsZero())

	require.NoError(t, s.EnableTask("test-1", true))
	stat, _ = s.GetTaskStatus("test-1")
	assert.True(t, stat.Enabled)
	assert.False(t, stat.NextRun.IsZero())

	assert.Len(t, s.GetStatus(), 1)

	require.NoError(t, s.RemoveTask("test-1"))
	_, exists = s.GetTaskStatus("test-1")
	assert.False(t, exists)
	assert.Error(t, s.RemoveTask("test-1"))
}

func TestScheduler_RunTask(t *testing.T) {
	s := New(logging.Discard())

	ran := make(chan struct{})
	require.NoError(t, s.AddTask(&Task{
		ID:       "manual-run",
		Name:     "Manual Run",
		Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			close(ran)
			return errors.New("failed on purpose")
		},
	}))

	assert.Error(t, s.RunTask("manual-run"), "not running yet")

	s.Start()
	defer s.Stop()
	assert.True(t, s.IsRunning())

	require.NoError(t, s.RunTask("manual-run"))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for manual task run")
	}

	require.Eventually(t, func() bool {
		st, _ := s.GetTaskStatus("manual-run")
		return st.ErrorCount == 1
	}, time.Second, 5*time.Millisecond)

	st, _ := s.GetTaskStatus("manual-run")
	assert.Equal(t, "failed on purpose", st.LastError)
	assert.EqualValues(t, 1, st.RunCount)
}

func TestScheduler_Interval(t *testing.T) {
	s := New(logging.Discard(), WithTick(5*time.Millisecond))

	var runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "tick",
		Name:     "Tick",
		Enabled:  true,
		Schedule: Every(10 * time.Millisecond),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestScheduler_FollowsClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMockClock(start)
	s := New(logging.Discard(), WithClock(clk), WithTick(5*time.Millisecond))

	var runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "hourly",
		Name:     "Hourly",
		Enabled:  true,
		Schedule: Every(time.Hour),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	st, _ := s.GetTaskStatus("hourly")
	assert.Equal(t, start.Add(time.Hour), st.NextRun)

	s.Start()
	defer s.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load(), "wall time passing does not make the task due")

	clk.Set(start.Add(time.Hour))
	require.Eventually(t, func() bool {
		st, _ := s.GetTaskStatus("hourly")
		return st.RunCount == 1
	}, time.Second, 5*time.Millisecond)

	st, _ = s.GetTaskStatus("hourly")
	assert.Equal(t, start.Add(time.Hour), st.LastRun)
	assert.Equal(t, start.Add(2*time.Hour), st.NextRun)
	assert.EqualValues(t, 1, runs.Load())
}

func TestScheduler_RunOnStartAndStopCancels(t *testing.T) {
	s := New(logging.Discard())

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.AddTask(&Task{
		ID:         "start-run",
		Name:       "Start Run",
		Enabled:    true,
		RunOnStart: true,
		Schedule:   futureSchedule{},
		Func: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task with RunOnStart did not run")
	}

	s.Stop()
	assert.True(t, cancelled.Load())
}

func TestDailySchedule(t *testing.T) {
	d := Daily(3, 30)
	base := time.Date(2025, 1, 10, 1, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 1, 10, 3, 30, 0, 0, time.UTC), d.Next(base))
	assert.Equal(t, time.Date(2025, 1, 11, 3, 30, 0, 0, time.UTC), d.Next(base.Add(3*time.Hour)))
	assert.Equal(t, base.Add(time.Minute), Every(time.Minute).Next(base))
}

func TestCleanupBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	names := []string{
		"iface_stats.csv.1700000001.bak",
		"iface_stats.csv.1700000002.bak",
		"iface_stats.csv.1700000003.bak",
		"uid_stats.csv.1700000001.bak",
		"iface_stats.csv",
	}
	for i, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
		mt := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}

	require.NoError(t, CleanupBackups(dir, 1))

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	var got []string
	for _, e := range left {
		got = append(got, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"iface_stats.csv.1700000003.bak",
		"uid_stats.csv.1700000001.bak",
		"iface_stats.csv",
	}, got)
}

func TestStatsRefreshTask(t *testing.T) {
	task := NewStatsRefreshTask(func(context.Context) error { return nil }, 30*time.Second)
	assert.Equal(t, TaskStatsRefresh, task.ID)
	assert.True(t, task.RunOnStart)
	assert.Equal(t, 30*time.Second, task.Schedule.(*IntervalSchedule).Interval)
}
