package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaj13/libcache"
	_ "github.com/shaj13/libcache/lru"

	"github.com/airframesio/table-comparator/cmd/comparator"
)

// Static errors for job management
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrJobNotFinished = errors.New("job has not finished")
	ErrNotCancellable = errors.New("job cannot be cancelled")
)

const (
	DefaultMaxAge   = 24 * time.Hour
	DefaultMaxCount = 100

	defaultSourceLabel = "PROD"
	defaultTargetLabel = "DEV"
)

// Options configure a Manager. Sampling and Batch are the defaults applied
// to requests that do not override them.
type Options struct {
	Sampling comparator.Sampling
	Batch    comparator.BatchOptions
	MaxAge   time.Duration
	MaxCount int
	Open     comparator.OpenFunc
	Logger   *slog.Logger
}

// Request is one batch comparison to run in the background.
type Request struct {
	ID       string
	Source   comparator.EnvironmentConfig
	Target   comparator.EnvironmentConfig
	Pairs    []comparator.TablePairConfig
	Sampling *comparator.Sampling
	Batch    *comparator.BatchOptions
}

// Manager owns the job registry. Running jobs live in a map until they reach
// a terminal state; finished jobs move to an LRU bounded by MaxCount whose
// entries expire after MaxAge.
type Manager struct {
	ctx    context.Context
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	active   map[string]*Job
	finished libcache.Cache

	wg sync.WaitGroup
}

// NewManager creates a registry. Jobs run with ctx; cancelling it aborts
// in-flight queries.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}

	finished := libcache.LRU.New(opts.MaxCount)
	finished.SetTTL(opts.MaxAge)
	finished.RegisterOnExpired(func(key, _ interface{}) {
		finished.Delete(key)
	})

	return &Manager{
		ctx:      ctx,
		opts:     opts,
		logger:   opts.Logger,
		active:   make(map[string]*Job),
		finished: finished,
	}
}

// Submit registers a job and starts it in the background. An empty ID gets a
// random UUID. Pairs without both table names are dropped.
func (m *Manager) Submit(req Request) (*Job, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	if req.Source.Label == "" {
		req.Source.Label = defaultSourceLabel
	}
	if req.Target.Label == "" {
		req.Target.Label = defaultTargetLabel
	}

	pairs := make([]comparator.TablePairConfig, 0, len(req.Pairs))
	for _, pair := range req.Pairs {
		if !pair.Valid() {
			m.logger.Warn(fmt.Sprintf("⚠️  Skipping table pair with missing table name: %q / %q", pair.SourceTable, pair.TargetTable))
			continue
		}
		pairs = append(pairs, pair.Normalize())
	}

	labels := comparator.Labels{Source: req.Source.Label, Target: req.Target.Label}
	job := newJob(id, pairs, labels, time.Now())

	m.mu.Lock()
	if _, ok := m.active[id]; ok || m.finished.Contains(id) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	m.active[id] = job
	m.wg.Add(1)
	m.mu.Unlock()

	RunningJobs.Inc()
	m.logger.Info(fmt.Sprintf("🚀 Started job %s with %d table pair(s)", id, len(pairs)))
	go m.run(job, req, pairs)

	return job, nil
}

func (m *Manager) run(job *Job, req Request, pairs []comparator.TablePairConfig) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(fmt.Sprintf("❌ Job %s panicked: %v", job.id, r))
			job.fail(fmt.Sprint(r), time.Now())
		}
		RunningJobs.Dec()
		m.archive(job)
		close(job.done)
	}()

	if len(pairs) == 0 {
		job.fail("No valid table pairs configured", time.Now())
		return
	}

	sampling := m.opts.Sampling
	if req.Sampling != nil {
		sampling = *req.Sampling
	}
	batchOpts := m.opts.Batch
	if req.Batch != nil {
		batchOpts = *req.Batch
	}

	job.setMessage(fmt.Sprintf("Starting comparison of %d table pair(s)...", len(pairs)))

	pool := comparator.NewPool(m.opts.Open, m.logger)
	cmp := comparator.New(req.Source, req.Target, pool, sampling, m.logger)
	batch := comparator.NewBatch(cmp, batchOpts, m.logger)

	result := batch.Run(m.ctx, pairs, job.token, &jobObserver{job: job})
	state := job.complete(result, time.Now())
	m.logger.Info(fmt.Sprintf("🏁 Job %s finished: %s", job.id, state))
}

// archive moves a terminal job from the active map into the finished cache.
// The cache entry is written first so lookups never miss in between.
func (m *Manager) archive(job *Job) {
	state := job.Snapshot(time.Now()).State
	JobsTotal.WithLabelValues(string(state)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished.Store(job.id, job)
	delete(m.active, job.id)
}

// Get returns a job by id, active or finished.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, ok := m.active[id]; ok {
		return job, nil
	}
	if v, ok := m.finished.Load(id); ok {
		if job, ok := v.(*Job); ok {
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Status returns a snapshot of the job.
func (m *Manager) Status(id string) (StatusSnapshot, error) {
	job, err := m.Get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return job.Snapshot(time.Now()), nil
}

// RequestCancel asks a running job to stop before its next table pair.
func (m *Manager) RequestCancel(id string) error {
	job, err := m.Get(id)
	if err != nil {
		return err
	}
	if !job.requestCancel() {
		return fmt.Errorf("%w: %s", ErrNotCancellable, id)
	}
	m.logger.Info(fmt.Sprintf("🛑 Cancellation requested for job %s", id))
	return nil
}

// Result returns the batch result of a finished job.
func (m *Manager) Result(id string) (*comparator.BatchResult, error) {
	job, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	result, ok := job.Result()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFinished, id)
	}
	return result, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (StatusSnapshot, error) {
	job, err := m.Get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	select {
	case <-job.Done():
		return job.Snapshot(time.Now()), nil
	case <-ctx.Done():
		return job.Snapshot(time.Now()), ctx.Err()
	}
}

// List returns snapshots of every known job, newest first.
func (m *Manager) List() []StatusSnapshot {
	now := time.Now()

	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.active)+m.finished.Len())
	for _, job := range m.active {
		jobs = append(jobs, job)
	}
	for _, key := range m.finished.Keys() {
		if v, ok := m.finished.Peek(key); ok {
			if job, ok := v.(*Job); ok {
				jobs = append(jobs, job)
			}
		}
	}
	m.mu.RUnlock()

	snapshots := make([]StatusSnapshot, len(jobs))
	for i, job := range jobs {
		snapshots[i] = job.Snapshot(now)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartTime.After(snapshots[j].StartTime)
	})
	return snapshots
}

// Shutdown requests cancellation of every running job and waits for them to
// stop, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, job := range m.active {
		job.requestCancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jobObserver mirrors batch progress into the job and the metrics.
type jobObserver struct {
	job *Job
}

func (o *jobObserver) PairStarted(index int) {
	o.job.tableStarted(index, time.Now())
}

func (o *jobObserver) PairFinished(index int, outcome comparator.PairOutcome) {
	status := o.job.tableFinished(index, outcome, time.Now())
	PairsTotal.WithLabelValues(string(status)).Inc()
	if outcome.Result != nil {
		PairDuration.Observe(outcome.Result.Duration.Seconds())
	}
}
