package comparator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers bounds parallel batches when no limit is configured.
const DefaultMaxWorkers = 3

// BatchOptions control how a batch is executed.
type BatchOptions struct {
	Parallel      bool
	MaxWorkers    int
	StopOnFailure bool
}

// Observer is notified around each pair. In parallel mode calls arrive from
// several goroutines.
type Observer interface {
	PairStarted(index int)
	PairFinished(index int, outcome PairOutcome)
}

// CancelToken is a cooperative cancellation flag. It is only consulted between
// pairs, so queries already running finish normally.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel sets the token. Calling it more than once is harmless.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel was called. A nil token is never cancelled.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// BatchResult aggregates the pairs a batch processed.
type BatchResult struct {
	RequestedPairs int                 `json:"requested_pairs"`
	TotalPairs     int                 `json:"total_pairs"`
	Successful     int                 `json:"successful_comparisons"`
	Failed         int                 `json:"failed_comparisons"`
	Identical      int                 `json:"identical_tables"`
	Different      int                 `json:"different_tables"`
	SuccessRate    float64             `json:"success_rate"`
	IdenticalRate  float64             `json:"identical_rate"`
	Cancelled      bool                `json:"was_cancelled"`
	StoppedEarly   bool                `json:"stopped_early"`
	Duration       time.Duration       `json:"duration"`
	Results        []*ComparisonResult `json:"results"`
}

func (r *BatchResult) record(res *ComparisonResult) {
	r.Results = append(r.Results, res)
	r.TotalPairs++
	switch {
	case res.Failed():
		r.Failed++
	case res.TablesIdentical:
		r.Successful++
		r.Identical++
	default:
		r.Successful++
		r.Different++
	}
}

func (r *BatchResult) summarize() {
	r.SuccessRate, r.IdenticalRate = 0, 0
	if r.TotalPairs > 0 {
		r.SuccessRate = float64(r.Successful) / float64(r.TotalPairs) * 100
	}
	if r.Successful > 0 {
		r.IdenticalRate = float64(r.Identical) / float64(r.Successful) * 100
	}
}

// Batch runs many pair comparisons against one pair of environments.
type Batch struct {
	comparator *Comparator
	opts       BatchOptions
	logger     *slog.Logger
}

// NewBatch wraps a comparator. Its pool is closed at the end of every Run.
func NewBatch(comparator *Comparator, opts BatchOptions, logger *slog.Logger) *Batch {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	return &Batch{comparator: comparator, opts: opts, logger: logger}
}

// Run compares every pair and returns whatever was produced. The token is
// checked before each pair starts; ctx is handed to the queries unchanged.
func (b *Batch) Run(ctx context.Context, pairs []TablePairConfig, token *CancelToken, observer Observer) *BatchResult {
	start := time.Now()
	result := &BatchResult{RequestedPairs: len(pairs), Results: []*ComparisonResult{}}
	defer b.comparator.pool.CloseAll()

	if b.opts.Parallel && len(pairs) > 1 {
		b.runParallel(ctx, pairs, token, observer, result)
	} else {
		b.runSequential(ctx, pairs, token, observer, result)
	}

	result.summarize()
	result.Duration = time.Since(start)
	b.logger.Info(fmt.Sprintf("📊 Batch finished: %d/%d compared, %d identical, %d different, %d failed",
		result.TotalPairs, result.RequestedPairs, result.Identical, result.Different, result.Failed))

	return result
}

func (b *Batch) runSequential(ctx context.Context, pairs []TablePairConfig, token *CancelToken, observer Observer, result *BatchResult) {
	for i, pair := range pairs {
		if token.Cancelled() {
			result.Cancelled = true
			b.logger.Info(fmt.Sprintf("🛑 Cancelled after processing %d of %d tables", i, len(pairs)))
			return
		}
		outcome := b.runPair(ctx, 0, i, pair, observer)
		result.record(outcome.Result)
		if !outcome.OK() && b.opts.StopOnFailure {
			result.StoppedEarly = true
			return
		}
	}
}

func (b *Batch) runParallel(ctx context.Context, pairs []TablePairConfig, token *CancelToken, observer Observer, result *BatchResult) {
	workers := min(b.opts.MaxWorkers, len(pairs))
	slots := make(chan int, workers)
	for w := 0; w < workers; w++ {
		slots <- w
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed atomic.Bool
	)
	g.SetLimit(workers)

	for i, pair := range pairs {
		if token.Cancelled() {
			result.Cancelled = true
			b.logger.Info(fmt.Sprintf("🛑 Cancelled before scheduling table %d of %d", i+1, len(pairs)))
			break
		}
		if failed.Load() && b.opts.StopOnFailure {
			result.StoppedEarly = true
			break
		}
		// g.Go may block until a worker frees up, so the checks are repeated
		// once the pair actually has a slot
		i, pair := i, pair
		g.Go(func() error {
			worker := <-slots
			defer func() { slots <- worker }()

			if token.Cancelled() {
				mu.Lock()
				result.Cancelled = true
				mu.Unlock()
				return nil
			}
			if failed.Load() && b.opts.StopOnFailure {
				mu.Lock()
				result.StoppedEarly = true
				mu.Unlock()
				return nil
			}

			outcome := b.runPair(ctx, worker, i, pair, observer)
			if !outcome.OK() {
				failed.Store(true)
			}
			mu.Lock()
			result.record(outcome.Result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// runPair compares one pair and converts a panic into a failed outcome so a
// single bad pair cannot take the batch down.
func (b *Batch) runPair(ctx context.Context, worker, index int, pair TablePairConfig, observer Observer) (outcome PairOutcome) {
	if observer != nil {
		observer.PairStarted(index)
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while comparing %s: %v", pair.Normalize().DisplayName, r)
			outcome = PairOutcome{
				Result: &ComparisonResult{
					DisplayName:       pair.Normalize().DisplayName,
					SourceTable:       pair.SourceTable,
					TargetTable:       pair.TargetTable,
					MissingFromTarget: []string{},
					MissingFromSource: []string{},
					DifferingRows:     []RowDifference{},
					SchemaDifferences: []string{},
					Error:             err.Error(),
				},
				Err: err,
			}
		}
		if observer != nil {
			observer.PairFinished(index, outcome)
		}
		b.logOutcome(outcome)
	}()

	return b.comparator.ComparePair(ctx, worker, pair)
}

func (b *Batch) logOutcome(outcome PairOutcome) {
	res := outcome.Result
	switch {
	case !outcome.OK():
		b.logger.Warn(fmt.Sprintf("❌ %s failed: %s", res.DisplayName, res.Error))
	case res.TablesIdentical:
		b.logger.Info(fmt.Sprintf("✅ %s: identical (%d rows)", res.DisplayName, res.SourceRowCount))
	default:
		b.logger.Info(fmt.Sprintf("⚠️  %s: %d differing rows, %d missing from %s, %d missing from %s",
			res.DisplayName, len(res.DifferingRows),
			len(res.MissingFromTarget), b.comparator.target.Label,
			len(res.MissingFromSource), b.comparator.source.Label))
	}
}
