package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testPoolConfig(id string) PoolConfig {
	return PoolConfig{
		WorkerID:           id,
		Concurrency:        2,
		PollInterval:       10 * time.Millisecond,
		StallThreshold:     5 * time.Minute,
		CompletedRetention: time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

func seedJob(t *testing.T, repo *Repo, typ JobType, entityID string, fireAt time.Time) *Job {
	t.Helper()
	j := &Job{
		ID:          JobID(typ, entityID),
		Type:        typ,
		EntityID:    entityID,
		PatientID:   "p1",
		Token:       "tok-" + entityID,
		FireAt:      fireAt,
		MaxAttempts: 3,
	}
	created, _, err := repo.Add(context.Background(), j)
	require.NoError(t, err)
	require.True(t, created)
	return j
}

func TestPool_CompletesAndPrunes(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeConfirmation, "a1", clock.Now())

	var calls atomic.Int32
	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeConfirmation, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		calls.Add(1)
		return Report{Outcome: RunSent}, nil
	}))

	n, err := pool.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, calls.Load())

	j, err := repo.Get(ctx, "CONFIRMATION-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Nil(t, j.LockedBy)
	require.NotNil(t, j.FinishedAt)

	n, err = pool.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "completed job is not claimed again")

	pruned, err := pool.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	clock.Advance(61 * time.Minute)
	pruned, err = pool.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	_, err = repo.Get(ctx, "CONFIRMATION-a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPool_NotDueNotClaimed(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeReminder24h, "a1", clock.Now().Add(time.Minute))

	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeReminder24h, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		t.Fatal("job ran before its fire time")
		return Report{}, nil
	}))

	n, err := pool.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPool_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeReminder1h, "a1", clock.Now())

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
	pool := NewPool(repo, policy, testPoolConfig("w1"), nopLogger())
	pool.Register(TypeReminder1h, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		return Report{}, errors.New("transport unavailable")
	}))

	_, err := pool.Tick(ctx)
	require.NoError(t, err)
	j, err := repo.Get(ctx, "REMINDER_1H-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.WithinDuration(t, clock.Now().Add(time.Minute), j.FireAt, 0)
	require.NotNil(t, j.LastError)
	assert.Equal(t, "transport unavailable", *j.LastError)

	n, err := pool.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retry is not due yet")

	clock.Advance(time.Minute)
	_, err = pool.Tick(ctx)
	require.NoError(t, err)
	j, err = repo.Get(ctx, "REMINDER_1H-a1")
	require.NoError(t, err)
	assert.Equal(t, 2, j.Attempts)
	assert.WithinDuration(t, clock.Now().Add(2*time.Minute), j.FireAt, 0)

	clock.Advance(2 * time.Minute)
	_, err = pool.Tick(ctx)
	require.NoError(t, err)
	j, err = repo.Get(ctx, "REMINDER_1H-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
}

func TestPool_PermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeConfirmation, "a1", clock.Now())

	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeConfirmation, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		return Report{}, Permanent(errors.New("bad payload"))
	}))

	_, err := pool.Tick(ctx)
	require.NoError(t, err)
	j, err := repo.Get(ctx, "CONFIRMATION-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestPool_UnknownTypeFails(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeNoShowMark, "a1", clock.Now())

	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())

	_, err := pool.Tick(ctx)
	require.NoError(t, err)
	j, err := repo.Get(ctx, "NO_SHOW_MARK-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
}

func TestPool_PanicIsRetried(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeConfirmation, "a1", clock.Now())

	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeConfirmation, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		panic("boom")
	}))

	_, err := pool.Tick(ctx)
	require.NoError(t, err)
	j, err := repo.Get(ctx, "CONFIRMATION-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "boom")
}

func TestPool_RequeuesStalledJob(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeConfirmation, "a1", clock.Now())

	// a worker that claimed the job and died
	claimed, err := repo.Claim(ctx, "dead-worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var ran atomic.Int32
	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeConfirmation, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		ran.Add(1)
		return Report{Outcome: RunSent}, nil
	}))

	n, err := pool.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stalled yet")

	clock.Advance(6 * time.Minute)
	n, err = pool.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, ran.Load())

	j, err := repo.Get(ctx, "CONFIRMATION-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 1, j.Attempts)

	// the dead worker coming back cannot finish the job
	ok, err := repo.Complete(ctx, &claimed[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPool_RepeatedStallsExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeConfirmation, "a1", clock.Now())

	// every worker that picks the job dies before finishing it
	for i := 1; i <= 3; i++ {
		claimed, err := repo.Claim(ctx, "dead-worker", 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "claim %d", i)

		clock.Advance(6 * time.Minute)
		requeued, failed, err := repo.RequeueStalled(ctx, 5*time.Minute)
		require.NoError(t, err)

		j, err := repo.Get(ctx, "CONFIRMATION-a1")
		require.NoError(t, err)
		assert.Equal(t, i, j.Attempts)
		if i < 3 {
			assert.EqualValues(t, 1, requeued)
			assert.Zero(t, failed)
			assert.Equal(t, StatusPending, j.Status)
			continue
		}
		assert.Zero(t, requeued)
		assert.EqualValues(t, 1, failed)
		assert.Equal(t, StatusFailed, j.Status)
		assert.Nil(t, j.LockedBy)
		require.NotNil(t, j.FinishedAt)
		require.NotNil(t, j.LastError)
		assert.Contains(t, *j.LastError, "stalled")
	}

	claimed, err := repo.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed job is never retried automatically")
}

func TestRepo_ClaimSkipsRescheduledIncarnation(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeReminder24h, "a1", clock.Now())

	// the appointment moves between the due scan and the claiming update
	var once sync.Once
	require.NoError(t, repo.DB.Callback().Update().Before("gorm:begin_transaction").Register("reschedule_race", func(*gorm.DB) {
		once.Do(func() {
			_, err := repo.Remove(ctx, "REMINDER_24H-a1")
			require.NoError(t, err)
			created, _, err := repo.Add(ctx, &Job{
				ID:          "REMINDER_24H-a1",
				Type:        TypeReminder24h,
				EntityID:    "a1",
				PatientID:   "p1",
				Token:       "new",
				FireAt:      clock.Now().Add(72 * time.Hour),
				MaxAttempts: 3,
			})
			require.NoError(t, err)
			require.True(t, created)
		})
	}))

	claimed, err := repo.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	j, err := repo.Get(ctx, "REMINDER_24H-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, "new", j.Token)
	assert.Nil(t, j.LockedBy)
}

func TestPool_DeferKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeReminder24h, "a1", clock.Now())

	until := clock.Now().Add(10 * time.Minute)
	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeReminder24h, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		return Report{}, Defer(errors.New("waiting on callback"), until)
	}))

	n, err := pool.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := repo.Get(ctx, "REMINDER_24H-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Zero(t, j.Attempts)
	assert.True(t, j.FireAt.Equal(until), "fire at %s", j.FireAt)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "waiting on callback")
}

func TestPool_CancelledWhileRunning(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeReminder24h, "a1", clock.Now())

	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeReminder24h, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		n, err := repo.Remove(ctx, j.ID)
		if err != nil || n != 1 {
			return Report{}, errors.New("remove failed")
		}

		still, err := repo.StillClaimed(ctx, j)
		if err != nil {
			return Report{}, err
		}
		if !still {
			return Report{Outcome: RunSkipped, Reason: "cancelled"}, nil
		}
		return Report{Outcome: RunSent}, nil
	}))

	_, err := pool.Tick(ctx)
	require.NoError(t, err)
	_, err = repo.Get(ctx, "REMINDER_24H-a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPool_TwoWorkersProcessOnce(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		seedJob(t, repo, TypeConfirmation, id, clock.Now())
	}

	var mu sync.Mutex
	seen := map[string]int{}
	proc := ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		return Report{Outcome: RunSent}, nil
	})

	pools := []*Pool{
		NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger()),
		NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w2"), nopLogger()),
	}
	var wg sync.WaitGroup
	for _, p := range pools {
		p.Register(TypeConfirmation, proc)
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := p.Tick(ctx)
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	assert.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeConfirmation, "a1", clock.Now())

	done := make(chan struct{})
	pool := NewPool(repo, DefaultRetryPolicy(), testPoolConfig("w1"), nopLogger())
	pool.Register(TypeConfirmation, ProcessorFunc(func(ctx context.Context, j *Job) (Report, error) {
		close(done)
		return Report{Outcome: RunSent}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never processed")
	}
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestRepo_Requeue(t *testing.T) {
	ctx := context.Background()
	clock := newClock(date("2026-02-08 10:00"))
	repo := newTestRepo(t, clock)
	seedJob(t, repo, TypeConfirmation, "a1", clock.Now())

	_, err := repo.Requeue(ctx, "CONFIRMATION-a1")
	assert.ErrorIs(t, err, ErrNotFailed)

	claimed, err := repo.Claim(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	ok, err := repo.Fail(ctx, &claimed[0], 3, "gave up")
	require.NoError(t, err)
	require.True(t, ok)

	j, err := repo.Requeue(ctx, "CONFIRMATION-a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Zero(t, j.Attempts)

	_, err = repo.Requeue(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
