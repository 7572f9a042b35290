package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

type runFunc func(ctx context.Context, cfg *models.FeedConfiguration, job *models.SyncJob) error

// fakeRunner counts runs and tracks concurrency
type fakeRunner struct {
	run runFunc

	mu        sync.Mutex
	calls     map[string]int
	perFeed   map[string]int
	active    int
	maxActive int
	overlap   bool
}

func newFakeRunner(run runFunc) *fakeRunner {
	return &fakeRunner{run: run, calls: map[string]int{}, perFeed: map[string]int{}}
}

func (r *fakeRunner) Run(ctx context.Context, _ models.TenantContext, cfg *models.FeedConfiguration, _ *time.Time, job *models.SyncJob) error {
	r.mu.Lock()
	r.calls[cfg.ID]++
	r.perFeed[cfg.ID]++
	if r.perFeed[cfg.ID] > 1 {
		r.overlap = true
	}
	r.active++
	r.maxActive = max(r.maxActive, r.active)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.perFeed[cfg.ID]--
		r.mu.Unlock()
	}()
	if r.run == nil {
		return nil
	}
	return r.run(ctx, cfg, job)
}

func (r *fakeRunner) activeNow() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRunner) callsOf(feed string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[feed]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func feed(tenantID, id string, priority int) *models.FeedConfiguration {
	return &models.FeedConfiguration{
		ID:              id,
		TenantID:        tenantID,
		Name:            id,
		URL:             "https://feeds.example.com/" + id,
		Type:            models.FeedTypeOpenSource,
		Format:          models.FormatPlain,
		IntervalMinutes: 60,
		Priority:        priority,
		Enabled:         true,
	}
}

func newTestScheduler(t *testing.T, runner SyncRunner, cfg config.SchedulerConfig, feeds ...*models.FeedConfiguration) (*Scheduler, *fakeClock) {
	t.Helper()
	s := NewScheduler(runner, storage.NewMemoryStore(0), cfg, nil, logger.Nop())
	clock := &fakeClock{now: testNow}
	s.now = clock.Now
	require.NoError(t, s.SetFeeds(feeds))
	return s, clock
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	s := NewScheduler(newFakeRunner(nil), storage.NewMemoryStore(0), config.SchedulerConfig{
		BackoffBase: time.Minute,
		BackoffMax:  6 * time.Hour,
	}, nil, logger.Nop())

	assert.Zero(t, s.Backoff(0))
	assert.Equal(t, time.Minute, s.Backoff(1))
	assert.Equal(t, 2*time.Minute, s.Backoff(2))
	assert.Equal(t, 4*time.Minute, s.Backoff(3))
	assert.Equal(t, 256*time.Minute, s.Backoff(9))
	assert.Equal(t, 6*time.Hour, s.Backoff(10))
	assert.Equal(t, 6*time.Hour, s.Backoff(64))
}

func TestRateLimitedFeedBacksOffThenQuarantines(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *models.FeedConfiguration, *models.SyncJob) error {
		return models.NewError(models.KindRateLimited, "fetch", errors.New("429 too many requests"))
	})
	s, clock := newTestScheduler(t, runner, config.SchedulerConfig{Workers: 2}, feed("acme", "A", 0))
	tc := tenant("acme")
	ctx := context.Background()

	for i, want := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		job, err := s.SyncNow(ctx, tc, "A")
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, job.Status)
		assert.Equal(t, string(models.KindRateLimited), job.Reason)

		st, err := s.State(tc, "A")
		require.NoError(t, err)
		assert.Equal(t, models.PhaseBackoff, st.Phase)
		assert.Equal(t, i+1, st.ConsecutiveFailures)
		assert.Equal(t, clock.Now().Add(want), st.NextDue)
		assert.Nil(t, st.LastRun, "failures never advance the watermark")
	}

	for i := 3; i < 10; i++ {
		_, err := s.SyncNow(ctx, tc, "A")
		require.NoError(t, err)
	}
	st, err := s.State(tc, "A")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseQuarantined, st.Phase)
	assert.Equal(t, 10, st.ConsecutiveFailures)
	assert.True(t, st.NextDue.IsZero())
	assert.Equal(t, []string{"acme/A"}, s.Stats().Quarantined)

	_, err = s.SyncNow(ctx, tc, "A")
	assert.Equal(t, models.KindQuarantined, models.KindOf(err))
	assert.Equal(t, models.KindQuarantined, models.KindOf(s.Trigger(tc, "A")))
	assert.Equal(t, 10, runner.callsOf("A"))

	reader := models.NewTenantContext("acme", "viewer", models.PermRead)
	assert.Equal(t, models.KindPermissionDenied, models.KindOf(s.Reenable(reader, "A")))

	require.NoError(t, s.Reenable(tc, "A"))
	st, err = s.State(tc, "A")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScheduled, st.Phase)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), st.NextDue)
}

func TestRetryAfterHintExtendsBackoff(t *testing.T) {
	runner := newFakeRunner(func(context.Context, *models.FeedConfiguration, *models.SyncJob) error {
		return &models.Error{Kind: models.KindRateLimited, Op: "fetch", Err: errors.New("slow down"), RetryAfter: 30 * time.Minute}
	})
	s, clock := newTestScheduler(t, runner, config.SchedulerConfig{}, feed("acme", "A", 0))

	_, err := s.SyncNow(context.Background(), tenant("acme"), "A")
	require.NoError(t, err)
	st, err := s.State(tenant("acme"), "A")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Minute), st.NextDue)
}

func TestSuccessResetsFailuresAndAdvancesWatermark(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	runner := newFakeRunner(func(_ context.Context, _ *models.FeedConfiguration, job *models.SyncJob) error {
		if fail.Load() {
			return models.NewError(models.KindUnreachable, "fetch", errors.New("connection refused"))
		}
		job.Imported = 3
		job.Watermark = "cursor-42"
		return nil
	})
	s, clock := newTestScheduler(t, runner, config.SchedulerConfig{}, feed("acme", "A", 0))
	tc := tenant("acme")

	_, err := s.SyncNow(context.Background(), tc, "A")
	require.NoError(t, err)
	fail.Store(false)

	job, err := s.SyncNow(context.Background(), tc, "A")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, 3, job.Imported)

	st, err := s.State(tc, "A")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSucceeded, st.Phase)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, "cursor-42", st.Watermark)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, clock.Now().Add(time.Hour), st.NextDue)

	f, err := s.Feed(tc, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, f.Quality.TotalSyncs)
}

func TestWorkerCapAndNoOverlap(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(func(context.Context, *models.FeedConfiguration, *models.SyncJob) error {
		<-release
		return nil
	})
	s, _ := newTestScheduler(t, runner, config.SchedulerConfig{Workers: 2},
		feed("acme", "A", 3), feed("acme", "B", 2), feed("acme", "C", 1))
	tc := tenant("acme")

	var (
		jobs []*models.SyncJob
		err  error
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		jobs, err = s.SyncAll(context.Background(), tc)
	}()

	require.Eventually(t, func() bool { return runner.activeNow() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.InFlight())
	assert.Equal(t, 1, runner.callsOf("A"), "highest priority runs first")
	assert.Equal(t, 1, runner.callsOf("B"))
	assert.Equal(t, models.KindConflict, models.KindOf(s.Trigger(tc, "A")))

	close(release)
	<-done
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, models.JobSucceeded, j.Status)
	}
	assert.Equal(t, []string{"A", "B", "C"}, []string{jobs[0].FeedID, jobs[1].FeedID, jobs[2].FeedID})
	assert.LessOrEqual(t, runner.maxActive, 2)
	assert.False(t, runner.overlap)
}

func TestTypeCapLimitsConcurrency(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(func(context.Context, *models.FeedConfiguration, *models.SyncJob) error {
		<-release
		return nil
	})
	s, _ := newTestScheduler(t, runner, config.SchedulerConfig{
		Workers:  4,
		TypeCaps: map[string]int{string(models.FeedTypeOpenSource): 1},
	}, feed("acme", "A", 0), feed("acme", "B", 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.SyncAll(context.Background(), tenant("acme"))
	}()
	require.Eventually(t, func() bool { return runner.activeNow() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, runner.activeNow())
	close(release)
	<-done
	assert.Equal(t, 1, runner.maxActive)
}

func TestSyncAllCancellationFailsRunningJobs(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, _ *models.FeedConfiguration, job *models.SyncJob) error {
		<-ctx.Done()
		return models.FromContext("fetch", ctx.Err())
	})
	s, _ := newTestScheduler(t, runner, config.SchedulerConfig{Workers: 4}, feed("acme", "A", 0), feed("acme", "B", 0))
	tc := tenant("acme")

	ctx, cancel := context.WithCancel(context.Background())
	var (
		jobs []*models.SyncJob
		err  error
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		jobs, err = s.SyncAll(ctx, tc)
	}()
	require.Eventually(t, func() bool { return runner.activeNow() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, models.KindCancelled, models.KindOf(err))
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, models.JobFailed, j.Status)
		assert.Equal(t, string(models.KindCancelled), j.Reason)
		assert.Zero(t, j.Imported)
	}
	for _, id := range []string{"A", "B"} {
		st, err := s.State(tc, id)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseCancelled, st.Phase)
		assert.Zero(t, st.ConsecutiveFailures, "cancellation is not a failure")
	}
	assert.Zero(t, s.InFlight())
}

func TestExplicitCancel(t *testing.T) {
	runner := newFakeRunner(func(ctx context.Context, _ *models.FeedConfiguration, _ *models.SyncJob) error {
		<-ctx.Done()
		return models.FromContext("fetch", ctx.Err())
	})
	s, _ := newTestScheduler(t, runner, config.SchedulerConfig{}, feed("acme", "A", 0))
	tc := tenant("acme")

	assert.Equal(t, models.KindNotFound, models.KindOf(s.Cancel(tc, "A")))

	result := make(chan *models.SyncJob, 1)
	go func() {
		job, _ := s.SyncNow(context.Background(), tc, "A")
		result <- job
	}()
	require.Eventually(t, func() bool { return s.Cancel(tc, "A") == nil }, time.Second, 5*time.Millisecond)

	job := <-result
	require.NotNil(t, job)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, string(models.KindCancelled), job.Reason)
	st, err := s.State(tc, "A")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCancelled, st.Phase)
}

func TestGraceExpiryFailsJobWithTimeout(t *testing.T) {
	release := make(chan struct{})
	runner := newFakeRunner(func(_ context.Context, _ *models.FeedConfiguration, job *models.SyncJob) error {
		<-release
		job.Imported = 5
		return nil
	})
	s, _ := newTestScheduler(t, runner, config.SchedulerConfig{
		JobDeadline: 20 * time.Millisecond,
		GracePeriod: 20 * time.Millisecond,
	}, feed("acme", "A", 0))
	tc := tenant("acme")

	result := make(chan *models.SyncJob, 1)
	go func() {
		job, _ := s.SyncNow(context.Background(), tc, "A")
		result <- job
	}()

	require.Eventually(t, func() bool {
		st, err := s.State(tc, "A")
		return err == nil && st.Phase == models.PhaseBackoff
	}, time.Second, 5*time.Millisecond)
	close(release)

	job := <-result
	require.NotNil(t, job)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, string(models.KindTimeout), job.Reason)
	assert.Zero(t, job.Imported, "a timed out job is immutable")
}

type refusingLocker struct{}

func (refusingLocker) AcquireLock(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (refusingLocker) ReleaseLock(context.Context, string) error { return nil }

func TestLockedFeedIsSkipped(t *testing.T) {
	runner := newFakeRunner(nil)
	s, clock := newTestScheduler(t, runner, config.SchedulerConfig{TickInterval: time.Minute}, feed("acme", "A", 0))
	s.SetLocker(refusingLocker{})

	job, err := s.SyncNow(context.Background(), tenant("acme"), "A")
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
	assert.Equal(t, "locked", job.Reason)
	assert.Zero(t, runner.callsOf("A"))

	st, err := s.State(tenant("acme"), "A")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScheduled, st.Phase)
	assert.Equal(t, clock.Now().Add(time.Minute), st.NextDue)
}

type memStates struct {
	mu     sync.Mutex
	states map[string]models.FeedState
}

func (m *memStates) LoadFeedStates() ([]*models.FeedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.FeedState, 0, len(m.states))
	for _, st := range m.states {
		st := st
		out = append(out, &st)
	}
	return out, nil
}

func (m *memStates) SaveFeedState(st *models.FeedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[feedKey(st.TenantID, st.FeedID)] = *st
	return nil
}

func (m *memStates) get(key string) (models.FeedState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	return st, ok
}

func TestStateSurvivesRestart(t *testing.T) {
	last := testNow.Add(-2 * time.Hour)
	states := &memStates{states: map[string]models.FeedState{
		"acme/A": {FeedID: "A", TenantID: "acme", Phase: models.PhaseRunning, LastRun: &last, Watermark: "w1"},
		"acme/B": {FeedID: "B", TenantID: "acme", Phase: models.PhaseQuarantined, ConsecutiveFailures: 10},
		"acme/Z": {FeedID: "Z", TenantID: "acme", Phase: models.PhaseBackoff},
	}}
	runner := newFakeRunner(nil)
	s, _ := newTestScheduler(t, runner, config.SchedulerConfig{TickInterval: time.Hour},
		feed("acme", "A", 0), feed("acme", "B", 0))
	s.SetStateStore(states)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// the interrupted feed is rescheduled and keeps its watermark
	require.Eventually(t, func() bool {
		st, ok := states.get("acme/A")
		return ok && st.Phase == models.PhaseSucceeded
	}, time.Second, 5*time.Millisecond)
	a, err := s.State(tenant("acme"), "A")
	require.NoError(t, err)
	assert.Equal(t, "w1", a.Watermark)

	b, err := s.State(tenant("acme"), "B")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseQuarantined, b.Phase)

	_, err = s.State(tenant("acme"), "Z")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
	assert.Zero(t, runner.callsOf("B"))
}

func TestDispatchLoopRunsDueFeeds(t *testing.T) {
	runner := newFakeRunner(nil)
	disabled := feed("acme", "off", 0)
	disabled.Enabled = false
	manual := feed("acme", "manual", 0)
	manual.IntervalMinutes = 0

	s, _ := newTestScheduler(t, runner, config.SchedulerConfig{TickInterval: 10 * time.Millisecond},
		feed("acme", "A", 0), disabled, manual)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return runner.callsOf("A") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	assert.Equal(t, 1, runner.callsOf("A"), "next run is an hour away")
	assert.Zero(t, runner.callsOf("off"))
	assert.Equal(t, 1, runner.callsOf("manual"), "a new manual feed runs once")

	st, err := s.State(tenant("acme"), "off")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDisabled, st.Phase)
	assert.Equal(t, models.KindValidation, models.KindOf(s.Trigger(tenant("acme"), "off")))
	assert.False(t, s.Stats().Running)
}

func TestSetFeedsValidatesCatalog(t *testing.T) {
	s := NewScheduler(newFakeRunner(nil), storage.NewMemoryStore(0), config.SchedulerConfig{}, nil, logger.Nop())

	bad := feed("acme", "A", 0)
	bad.Cron = "every tuesday"
	assert.Equal(t, models.KindValidation, models.KindOf(s.SetFeeds([]*models.FeedConfiguration{bad})))
	assert.Equal(t, models.KindValidation, models.KindOf(s.SetFeeds([]*models.FeedConfiguration{feed("acme", "A", 0), feed("acme", "A", 1)})))

	// the same feed id may exist in two tenants
	require.NoError(t, s.SetFeeds([]*models.FeedConfiguration{feed("acme", "A", 0), feed("globex", "A", 0)}))
	acme, err := s.Feeds(tenant("acme"))
	require.NoError(t, err)
	require.Len(t, acme, 1)
	assert.Equal(t, "acme", acme[0].TenantID)

	_, err = s.Feed(tenant("globex"), "B")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestCronFeedIsDueAtNextTick(t *testing.T) {
	runner := newFakeRunner(nil)
	f := feed("acme", "A", 0)
	f.Cron = "0 * * * *"
	s, clock := newTestScheduler(t, runner, config.SchedulerConfig{}, f)
	clock.Advance(17 * time.Minute)

	_, err := s.SyncNow(context.Background(), tenant("acme"), "A")
	require.NoError(t, err)
	st, err := s.State(tenant("acme"), "A")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), st.NextDue)
}
