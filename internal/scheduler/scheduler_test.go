package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/store"
)

type call struct {
	before   time.Time
	priority int32
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []call
	n     int64
	err   error
}

func (f *fakeArchiver) ArchiveExecutions(_ context.Context, before time.Time, p int32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{before, p})
	return f.n, f.err
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, c *clock) *Scheduler {
	t.Helper()
	return New(nil, WithClock(c.now), WithInterval(5*time.Millisecond))
}

func TestAdd_Validation(t *testing.T) {
	s := New(nil)
	a := &fakeArchiver{}

	assert.Error(t, s.Add(Policy{Schedule: "@daily", MaxAge: time.Hour}, a))
	assert.Error(t, s.Add(Policy{Name: "p", Schedule: "@daily"}, a))
	assert.Error(t, s.Add(Policy{Name: "p", Schedule: "not a cron", MaxAge: time.Hour}, a))

	require.NoError(t, s.Add(Policy{Name: "p", Schedule: "0 3 * * *", MaxAge: time.Hour}, a))
	assert.Error(t, s.Add(Policy{Name: "p", Schedule: "@hourly", MaxAge: time.Hour}, a), "duplicate name")
}

func TestRunDue_FiresOnScheduleWithCutoff(t *testing.T) {
	c := &clock{t: time.Date(2026, 4, 1, 2, 59, 0, 0, time.UTC)}
	s := newTestScheduler(t, c)
	a := &fakeArchiver{n: 4}
	require.NoError(t, s.Add(Policy{Name: "nightly", Schedule: "0 3 * * *", MaxAge: 24 * time.Hour, MaxPriority: 2}, a))

	assert.Equal(t, 0, s.RunDue(context.Background()))

	c.advance(time.Minute)
	assert.Equal(t, 1, s.RunDue(context.Background()))
	require.Equal(t, 1, a.count())
	assert.Equal(t, time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC), a.calls[0].before)
	assert.Equal(t, int32(2), a.calls[0].priority)

	// Not due again until tomorrow.
	c.advance(time.Hour)
	assert.Equal(t, 0, s.RunDue(context.Background()))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(4), jobs[0].Archived)
	assert.Equal(t, time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC), jobs[0].NextRun)
}

func TestRunNow_RecordsFailure(t *testing.T) {
	c := &clock{t: time.Now()}
	s := newTestScheduler(t, c)
	a := &fakeArchiver{err: errors.New("db locked")}
	require.NoError(t, s.Add(Policy{Name: "p", Schedule: "@daily", MaxAge: time.Hour}, a))

	_, err := s.RunNow(context.Background(), "p")
	assert.Error(t, err)
	assert.Error(t, s.Jobs()[0].LastErr)
	assert.Zero(t, s.Jobs()[0].Archived)

	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStartStop_RunsDueJobs(t *testing.T) {
	c := &clock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, c)
	a := &fakeArchiver{}
	require.NoError(t, s.Add(Policy{Name: "hourly", Schedule: "@hourly", MaxAge: time.Hour}, a))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	c.advance(time.Hour)
	require.Eventually(t, func() bool { return a.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestNextRun(t *testing.T) {
	s := New(nil)
	from := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := s.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 45, 0, 0, time.UTC), next)

	_, err = s.NextRun("bogus", from)
	assert.Error(t, err)
}

func TestRetention_AgainstHookHistory(t *testing.T) {
	db, err := store.Open("file:" + filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	h, err := store.NewHookHistory(db, "acme")
	require.NoError(t, err)

	now := time.Now().UTC()
	for i, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Minute} {
		require.NoError(t, h.StoreExecution(ctx, &store.SerializedHookExecution{
			ExecutionID: string(rune('a' + i)),
			HookID:      "audit",
			HookType:    "step_start",
			Timestamp:   now.Add(-age),
		}))
	}

	s := New(nil, WithClock(func() time.Time { return now }))
	require.NoError(t, s.Add(Policy{Name: "daily", Schedule: "@daily", MaxAge: 24 * time.Hour}, h))
	n, err := s.RunNow(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := h.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalExecutions)
}
