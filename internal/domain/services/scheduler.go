package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/metrics"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

// SyncRunner executes one feed sync into a job
type SyncRunner interface {
	Run(ctx context.Context, t models.TenantContext, cfg *models.FeedConfiguration, since *time.Time, job *models.SyncJob) error
}

// SyncLocker is a cross-process per-feed lock
type SyncLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// StateStore persists feed states across restarts
type StateStore interface {
	LoadFeedStates() ([]*models.FeedState, error)
	SaveFeedState(s *models.FeedState) error
}

// feedSnapshot is an immutable view of the configured feeds
type feedSnapshot struct {
	feeds map[string]*models.FeedConfiguration
	crons map[string]cron.Schedule
}

// running tracks an in-flight job
type running struct {
	job      *models.SyncJob
	cancel   context.CancelFunc
	explicit atomic.Bool
}

// SchedulerStats holds scheduler statistics
type SchedulerStats struct {
	Running     bool                     `json:"running"`
	Feeds       int                      `json:"feeds"`
	InFlight    int                      `json:"in_flight"`
	Workers     int                      `json:"workers"`
	Phases      map[models.FeedPhase]int `json:"phases"`
	Quarantined []string                 `json:"quarantined,omitempty"`
}

// Scheduler drives feed synchronization: cadence, worker and type caps,
// at-most-one-in-flight per feed, backoff and quarantine.
type Scheduler struct {
	runner  SyncRunner
	store   storage.Store
	locker  SyncLocker
	states  StateStore
	cfg     config.SchedulerConfig
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time

	feeds  atomic.Pointer[feedSnapshot]
	feedMu sync.Mutex

	slots     chan struct{}
	typeSlots map[models.FeedType]chan struct{}

	mu       sync.Mutex
	state    map[string]*models.FeedState
	inFlight map[string]*running
	started  bool
	wake     chan struct{}
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler creates a new Scheduler
func NewScheduler(runner SyncRunner, store storage.Store, cfg config.SchedulerConfig, m *metrics.Metrics, log *logger.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 6 * time.Hour
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	s := &Scheduler{
		runner:    runner,
		store:     store,
		cfg:       cfg,
		metrics:   m,
		logger:    log.WithComponent("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
		slots:     make(chan struct{}, cfg.Workers),
		typeSlots: make(map[models.FeedType]chan struct{}),
		state:     make(map[string]*models.FeedState),
		inFlight:  make(map[string]*running),
		wake:      make(chan struct{}, 1),
	}
	for typ, n := range cfg.TypeCaps {
		if n > 0 {
			s.typeSlots[models.FeedType(typ)] = make(chan struct{}, n)
		}
	}
	s.feeds.Store(&feedSnapshot{
		feeds: map[string]*models.FeedConfiguration{},
		crons: map[string]cron.Schedule{},
	})
	return s
}

// SetLocker enables the distributed per-feed lock
func (s *Scheduler) SetLocker(l SyncLocker) { s.locker = l }

// SetStateStore enables state persistence
func (s *Scheduler) SetStateStore(st StateStore) { s.states = st }

func feedKey(tenantID, feedID string) string {
	return tenantID + "/" + feedID
}

// SetFeeds replaces the feed catalog. Existing feed states are kept.
func (s *Scheduler) SetFeeds(feeds []*models.FeedConfiguration) error {
	snap := &feedSnapshot{
		feeds: make(map[string]*models.FeedConfiguration, len(feeds)),
		crons: make(map[string]cron.Schedule),
	}
	for _, f := range feeds {
		key := feedKey(f.TenantID, f.ID)
		if _, dup := snap.feeds[key]; dup {
			return models.Errorf(models.KindValidation, "scheduler", "duplicate feed %s", key)
		}
		if f.Cron != "" {
			sched, err := cron.ParseStandard(f.Cron)
			if err != nil {
				return models.Errorf(models.KindValidation, "scheduler", "feed %s: bad cron %q: %v", f.ID, f.Cron, err)
			}
			snap.crons[key] = sched
		}
		snap.feeds[key] = f.Clone()
	}

	s.feedMu.Lock()
	s.feeds.Store(snap)
	s.feedMu.Unlock()

	now := s.now()
	s.mu.Lock()
	for key, f := range snap.feeds {
		st, ok := s.state[key]
		if !ok {
			st = &models.FeedState{FeedID: f.ID, TenantID: f.TenantID, Phase: models.PhaseIdle}
			s.state[key] = st
		}
		s.arm(st, f, snap.crons[key], now)
	}
	for key := range s.state {
		if _, ok := snap.feeds[key]; !ok {
			delete(s.state, key)
		}
	}
	s.mu.Unlock()
	s.poke()
	return nil
}

// arm schedules an idle or disabled feed. Caller holds mu.
func (s *Scheduler) arm(st *models.FeedState, f *models.FeedConfiguration, sched cron.Schedule, now time.Time) {
	switch {
	case !f.Enabled:
		st.Phase = models.PhaseDisabled
		st.NextDue = time.Time{}
	case st.Phase == models.PhaseDisabled || st.Phase == models.PhaseIdle:
		st.Phase = models.PhaseScheduled
		if st.LastRun == nil {
			st.NextDue = now
		} else {
			st.NextDue = nextDue(f, sched, *st.LastRun)
		}
		if st.NextDue.IsZero() {
			st.Phase = models.PhaseIdle
		}
	}
}

// nextDue is the next cadence tick after from; zero for manual-only feeds
func nextDue(f *models.FeedConfiguration, sched cron.Schedule, from time.Time) time.Time {
	if sched != nil {
		return sched.Next(from)
	}
	if f.Interval() > 0 {
		return from.Add(f.Interval())
	}
	return time.Time{}
}

// Backoff returns the delay after n consecutive failures
func (s *Scheduler) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := s.cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return min(d, s.cfg.BackoffMax)
}

// Feeds returns the feeds of a tenant ordered by id
func (s *Scheduler) Feeds(t models.TenantContext) ([]*models.FeedConfiguration, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	snap := s.feeds.Load()
	var out []*models.FeedConfiguration
	for _, f := range snap.feeds {
		if t.Owns(f.TenantID) {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Feed returns one feed of the tenant
func (s *Scheduler) Feed(t models.TenantContext, feedID string) (*models.FeedConfiguration, error) {
	if err := t.Require(models.PermRead); err != nil {
		return nil, err
	}
	f, ok := s.feeds.Load().feeds[feedKey(t.TenantID, feedID)]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "scheduler", "feed %s not found", feedID)
	}
	return f.Clone(), nil
}

// State returns a copy of the scheduler state of a feed
func (s *Scheduler) State(t models.TenantContext, feedID string) (models.FeedState, error) {
	if err := t.Require(models.PermRead); err != nil {
		return models.FeedState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[feedKey(t.TenantID, feedID)]
	if !ok {
		return models.FeedState{}, models.Errorf(models.KindNotFound, "scheduler", "feed %s not found", feedID)
	}
	return *st, nil
}

// Start loads persisted state and runs the dispatch loop until Stop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.restore(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info().Int("workers", s.cfg.Workers).Msg("scheduler started")
	return nil
}

// Stop cancels in-flight jobs and waits for them to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.stop
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Restore merges persisted feed states without starting the loop. One-shot
// commands use it so that quarantine and cursors survive between runs.
func (s *Scheduler) Restore() error { return s.restore() }

// restore merges persisted feed states into the current ones
func (s *Scheduler) restore() error {
	if s.states == nil {
		return nil
	}
	saved, err := s.states.LoadFeedStates()
	if err != nil {
		return err
	}
	snap := s.feeds.Load()
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range saved {
		key := feedKey(st.TenantID, st.FeedID)
		f, ok := snap.feeds[key]
		if !ok {
			continue
		}
		restored := *st
		if restored.Phase == models.PhaseRunning || restored.Phase == models.PhaseScheduled {
			// interrupted by the previous shutdown
			restored.Phase = models.PhaseScheduled
			restored.NextDue = now
		}
		if !f.Enabled {
			restored.Phase = models.PhaseDisabled
		}
		if restored.Phase == models.PhaseQuarantined {
			s.metrics.Quarantined(st.FeedID, true)
		}
		s.state[key] = &restored
	}
	s.logger.Info().Int("feeds", len(saved)).Msg("restored feed states")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// due returns the feeds ready to run ordered by
// (next_due asc, priority desc, feed_id asc). Caller holds mu.
func (s *Scheduler) due(now time.Time) []*models.FeedConfiguration {
	snap := s.feeds.Load()
	var out []*models.FeedConfiguration
	for key, st := range s.state {
		f, ok := snap.feeds[key]
		if !ok || !f.Enabled || st.NextDue.IsZero() || st.NextDue.After(now) {
			continue
		}
		if st.Phase == models.PhaseQuarantined || st.Phase == models.PhaseDisabled || st.Phase == models.PhaseRunning {
			continue
		}
		if _, busy := s.inFlight[key]; busy {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a := s.state[feedKey(out[i].TenantID, out[i].ID)]
		b := s.state[feedKey(out[j].TenantID, out[j].ID)]
		return readyLess(a.NextDue, out[i], b.NextDue, out[j])
	})
	return out
}

func readyLess(dueA time.Time, a *models.FeedConfiguration, dueB time.Time, b *models.FeedConfiguration) bool {
	if !dueA.Equal(dueB) {
		return dueA.Before(dueB)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.TenantID < b.TenantID
}

// dispatch starts as many due feeds as the caps allow
func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	ready := s.due(now)
	s.mu.Unlock()

	for _, f := range ready {
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquire(f.Type) {
			continue
		}
		job, err := s.begin(f)
		if err != nil {
			s.release(f.Type)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(f.Type)
			s.execute(ctx, f, job)
		}()
	}
}

func (s *Scheduler) tryAcquire(typ models.FeedType) bool {
	select {
	case s.slots <- struct{}{}:
	default:
		return false
	}
	if ts, ok := s.typeSlots[typ]; ok {
		select {
		case ts <- struct{}{}:
		default:
			<-s.slots
			return false
		}
	}
	return true
}

func (s *Scheduler) acquire(ctx context.Context, typ models.FeedType) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return models.FromContext("scheduler", ctx.Err())
	}
	if ts, ok := s.typeSlots[typ]; ok {
		select {
		case ts <- struct{}{}:
		case <-ctx.Done():
			<-s.slots
			return models.FromContext("scheduler", ctx.Err())
		}
	}
	return nil
}

func (s *Scheduler) release(typ models.FeedType) {
	if ts, ok := s.typeSlots[typ]; ok {
		<-ts
	}
	<-s.slots
}

// begin claims the feed and creates its job
func (s *Scheduler) begin(f *models.FeedConfiguration) (*models.SyncJob, error) {
	key := feedKey(f.TenantID, f.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[key]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "scheduler", "feed %s not found", f.ID)
	}
	if st.Phase == models.PhaseQuarantined {
		return nil, models.Errorf(models.KindQuarantined, "scheduler", "feed %s is quarantined", f.ID)
	}
	if !f.Enabled {
		return nil, models.Errorf(models.KindValidation, "scheduler", "feed %s is disabled", f.ID)
	}
	if _, busy := s.inFlight[key]; busy {
		return nil, models.Errorf(models.KindConflict, "scheduler", "feed %s already syncing", f.ID)
	}

	job := models.NewSyncJob(f.TenantID, f.ID, s.now())
	s.inFlight[key] = &running{job: job}
	st.Phase = models.PhaseRunning
	st.LastJobID = job.ID
	return job, nil
}

// execute runs job and settles the feed state
func (s *Scheduler) execute(parent context.Context, f *models.FeedConfiguration, job *models.SyncJob) *models.SyncJob {
	key := feedKey(f.TenantID, f.ID)
	log := s.logger.WithFeed(f.ID).WithTenant(f.TenantID).WithJob(job.ID.String())
	t := models.NewTenantContext(f.TenantID, "scheduler", models.AllPermissions...)
	bg := context.WithoutCancel(parent)

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
		s.poke()
	}()

	if s.locker != nil {
		lockKey := "sync:" + key
		ok, err := s.locker.AcquireLock(parent, lockKey, s.cfg.LockTTL)
		if err != nil || !ok {
			log.Warn().Err(err).Msg("could not acquire sync lock, skipping")
			s.mu.Lock()
			if st := s.state[key]; st != nil {
				st.Phase = models.PhaseScheduled
				st.NextDue = s.now().Add(s.cfg.TickInterval)
			}
			s.mu.Unlock()
			job.Finish(models.JobCancelled, "locked", s.now())
			return job
		}
		defer func() { _ = s.locker.ReleaseLock(bg, lockKey) }()
	}

	ctx, cancel := context.WithCancel(parent)
	if s.cfg.JobDeadline > 0 {
		ctx, cancel = context.WithTimeout(parent, s.cfg.JobDeadline)
	}
	defer cancel()

	s.mu.Lock()
	r := s.inFlight[key]
	if r != nil {
		r.cancel = cancel
	}
	st := s.state[key]
	var since *time.Time
	if st != nil && st.LastRun != nil {
		last := *st.LastRun
		since = &last
	}
	s.mu.Unlock()

	if err := s.store.RecordSyncJob(bg, t, job); err != nil {
		log.Warn().Err(err).Msg("failed to record job start")
	}
	s.metrics.JobStarted()
	log.Info().Msg("sync started")

	// the runner owns its own copy so a timed-out job stays immutable
	work := *job
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- models.Errorf(models.KindStorageCorrupted, "sync", "panic: %v", r)
			}
		}()
		done <- s.runner.Run(ctx, t, f, since, &work)
	}()

	cancelled := func() bool {
		return parent.Err() != nil || (r != nil && r.explicit.Load())
	}
	var err error
	select {
	case err = <-done:
		*job = work
	case <-ctx.Done():
		grace := time.NewTimer(s.cfg.GracePeriod)
		select {
		case err = <-done:
			grace.Stop()
			*job = work
		case <-grace.C:
			err = models.NewError(models.KindTimeout, "sync", errors.New("grace period expired"))
			s.settle(bg, t, f, job, err, cancelled(), log)
			<-done
			return job
		}
	}
	if err == nil && ctx.Err() != nil {
		err = models.FromContext("sync", ctx.Err())
	}
	s.settle(bg, t, f, job, err, cancelled(), log)
	return job
}

// settle finishes job, updates the feed state and records the outcome
func (s *Scheduler) settle(ctx context.Context, t models.TenantContext, f *models.FeedConfiguration, job *models.SyncJob, err error, cancelled bool, log *logger.Logger) {
	now := s.now()
	key := feedKey(f.TenantID, f.ID)
	kind := models.KindOf(err)

	switch {
	case err == nil:
		job.Finish(models.JobSucceeded, "", now)
	case kind == models.KindTimeout:
		job.Finish(models.JobFailed, string(models.KindTimeout), now)
	case cancelled:
		job.Finish(models.JobFailed, string(models.KindCancelled), now)
	default:
		reason := string(kind)
		if reason == "" {
			reason = "error"
		}
		job.Errors = append(job.Errors, err.Error())
		job.Finish(models.JobFailed, reason, now)
	}
	s.metrics.JobFinished()
	s.metrics.ObserveSync(f.ID, string(job.Status), job.Duration())

	snap := s.feeds.Load()
	s.mu.Lock()
	st := s.state[key]
	if st != nil {
		st.LastJobID = job.ID
		switch {
		case err == nil:
			st.Phase = models.PhaseSucceeded
			st.ConsecutiveFailures = 0
			st.LastError = ""
			started := job.StartedAt
			st.LastRun = &started
			if job.Watermark != "" {
				st.Watermark = job.Watermark
			}
			st.NextDue = nextDue(f, snap.crons[key], now)
		case cancelled:
			st.Phase = models.PhaseCancelled
			st.LastError = err.Error()
			st.NextDue = nextDue(f, snap.crons[key], now)
		default:
			st.ConsecutiveFailures++
			st.LastError = err.Error()
			if st.ConsecutiveFailures >= s.cfg.MaxConsecutiveFailures {
				st.Phase = models.PhaseQuarantined
				st.NextDue = time.Time{}
				s.metrics.Quarantined(f.ID, true)
				log.Error().Int("failures", st.ConsecutiveFailures).Msg("feed quarantined")
			} else {
				st.Phase = models.PhaseBackoff
				st.NextDue = now.Add(max(s.Backoff(st.ConsecutiveFailures), models.RetryAfter(err)))
			}
		}
	}
	var saved models.FeedState
	if st != nil {
		saved = *st
	}
	s.mu.Unlock()

	s.observeQuality(key, job)
	if st != nil {
		s.persist(&saved, log)
	}

	if rerr := s.store.RecordSyncJob(ctx, t, job); rerr != nil && models.KindOf(rerr) != models.KindConflict {
		log.Warn().Err(rerr).Msg("failed to record job result")
	}
	if s.cfg.HistoryRetention > 0 {
		if _, perr := s.store.PruneSyncJobs(ctx, t, now.Add(-s.cfg.HistoryRetention)); perr != nil {
			log.Warn().Err(perr).Msg("failed to prune sync history")
		}
	}

	ev := log.Info()
	if job.Status != models.JobSucceeded {
		ev = log.Warn().Err(err)
	}
	ev.Str("status", string(job.Status)).
		Str("reason", job.Reason).
		Int("imported", job.Imported).
		Int("updated", job.Updated).
		Dur("duration", job.Duration()).
		Msg("sync finished")
}

// observeQuality folds job into the feed's quality metrics
func (s *Scheduler) observeQuality(key string, job *models.SyncJob) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	cur := s.feeds.Load()
	f, ok := cur.feeds[key]
	if !ok {
		return
	}
	next := &feedSnapshot{
		feeds: make(map[string]*models.FeedConfiguration, len(cur.feeds)),
		crons: cur.crons,
	}
	for k, v := range cur.feeds {
		next.feeds[k] = v
	}
	updated := f.Clone()
	updated.Quality.Observe(job)
	next.feeds[key] = updated
	s.feeds.Store(next)
}

func (s *Scheduler) persist(st *models.FeedState, log *logger.Logger) {
	if s.states == nil {
		return
	}
	if err := s.states.SaveFeedState(st); err != nil {
		log.Warn().Err(err).Msg("failed to persist feed state")
	}
}

// lookup resolves a feed of the tenant
func (s *Scheduler) lookup(t models.TenantContext, feedID string) (*models.FeedConfiguration, error) {
	f, ok := s.feeds.Load().feeds[feedKey(t.TenantID, feedID)]
	if !ok || !t.Owns(f.TenantID) {
		return nil, models.Errorf(models.KindNotFound, "scheduler", "feed %s not found", feedID)
	}
	return f, nil
}

// Trigger schedules a feed for immediate execution by the dispatch loop
func (s *Scheduler) Trigger(t models.TenantContext, feedID string) error {
	if err := t.Require(models.PermSync); err != nil {
		return err
	}
	f, err := s.lookup(t, feedID)
	if err != nil {
		return err
	}
	key := feedKey(f.TenantID, f.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[key]
	switch {
	case st.Phase == models.PhaseQuarantined:
		return models.Errorf(models.KindQuarantined, "scheduler", "feed %s is quarantined", feedID)
	case !f.Enabled:
		return models.Errorf(models.KindValidation, "scheduler", "feed %s is disabled", feedID)
	}
	if _, busy := s.inFlight[key]; busy {
		return models.Errorf(models.KindConflict, "scheduler", "feed %s already syncing", feedID)
	}
	st.Phase = models.PhaseScheduled
	st.NextDue = s.now()
	s.poke()
	return nil
}

// SyncNow runs one feed synchronously, waiting for a worker slot
func (s *Scheduler) SyncNow(ctx context.Context, t models.TenantContext, feedID string) (*models.SyncJob, error) {
	if err := t.Require(models.PermSync); err != nil {
		return nil, err
	}
	f, err := s.lookup(t, feedID)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, f.Type); err != nil {
		return nil, err
	}
	defer s.release(f.Type)

	job, err := s.begin(f)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, f, job), nil
}

// SyncAll runs every enabled, non-quarantined feed of the tenant in ready
// order, bounded by the worker pool. Cancelling ctx cancels running jobs
// and skips the rest.
func (s *Scheduler) SyncAll(ctx context.Context, t models.TenantContext) ([]*models.SyncJob, error) {
	if err := t.Require(models.PermSync); err != nil {
		return nil, err
	}
	snap := s.feeds.Load()
	now := s.now()

	s.mu.Lock()
	var feeds []*models.FeedConfiguration
	for key, f := range snap.feeds {
		st := s.state[key]
		if !t.Owns(f.TenantID) || !f.Enabled || st == nil || st.Phase == models.PhaseQuarantined {
			continue
		}
		feeds = append(feeds, f)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return readyLess(now, feeds[i], now, feeds[j])
	})
	s.mu.Unlock()

	var (
		mu   sync.Mutex
		jobs []*models.SyncJob
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, f := range feeds {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			job, err := s.SyncNow(ctx, t, f.ID)
			if err != nil {
				s.logger.WithFeed(f.ID).Debug().Err(err).Msg("feed not synced")
				return nil
			}
			mu.Lock()
			jobs = append(jobs, job)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FeedID < jobs[j].FeedID })
	if err := ctx.Err(); err != nil {
		return jobs, models.FromContext("sync-all", err)
	}
	return jobs, nil
}

// Cancel cancels the in-flight job of a feed
func (s *Scheduler) Cancel(t models.TenantContext, feedID string) error {
	if err := t.Require(models.PermSync); err != nil {
		return err
	}
	s.mu.Lock()
	r, ok := s.inFlight[feedKey(t.TenantID, feedID)]
	s.mu.Unlock()
	if !ok || r.cancel == nil {
		return models.Errorf(models.KindNotFound, "scheduler", "feed %s has no running job", feedID)
	}
	r.explicit.Store(true)
	r.cancel()
	return nil
}

// Reenable clears quarantine and schedules the feed immediately
func (s *Scheduler) Reenable(t models.TenantContext, feedID string) error {
	if err := t.Require(models.PermAdmin); err != nil {
		return err
	}
	f, err := s.lookup(t, feedID)
	if err != nil {
		return err
	}
	key := feedKey(f.TenantID, f.ID)
	s.mu.Lock()
	st := s.state[key]
	wasQuarantined := st.Phase == models.PhaseQuarantined
	st.ConsecutiveFailures = 0
	st.LastError = ""
	if f.Enabled {
		st.Phase = models.PhaseScheduled
		st.NextDue = s.now()
	}
	saved := *st
	s.mu.Unlock()

	if wasQuarantined {
		s.metrics.Quarantined(f.ID, false)
		s.logger.WithFeed(f.ID).Info().Msg("feed re-enabled")
	}
	s.persist(&saved, s.logger)
	s.poke()
	return nil
}

// InFlight returns the number of running jobs
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SchedulerStats{
		Running:  s.started,
		Feeds:    len(s.state),
		InFlight: len(s.inFlight),
		Workers:  s.cfg.Workers,
		Phases:   make(map[models.FeedPhase]int),
	}
	for key, st := range s.state {
		stats.Phases[st.Phase]++
		if st.Phase == models.PhaseQuarantined {
			stats.Quarantined = append(stats.Quarantined, key)
		}
	}
	sort.Strings(stats.Quarantined)
	return stats
}
