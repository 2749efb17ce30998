package comparator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

type recordingObserver struct {
	mu       sync.Mutex
	started  []int
	finished []int
	onFinish func(index int)
}

func (o *recordingObserver) PairStarted(index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, index)
}

func (o *recordingObserver) PairFinished(index int, _ PairOutcome) {
	o.mu.Lock()
	o.finished = append(o.finished, index)
	o.mu.Unlock()
	if o.onFinish != nil {
		o.onFinish(index)
	}
}

func identicalFixture(table string) tableFixture {
	return accountsFixture(table, []any{int64(1), "5", "x"}, []any{int64(2), "6", "y"})
}

func batchPairs(tables ...string) []TablePairConfig {
	pairs := make([]TablePairConfig, len(tables))
	for i, table := range tables {
		pairs[i] = TablePairConfig{SourceTable: table, TargetTable: table}
	}
	return pairs
}

func TestBatchRunSequential(t *testing.T) {
	t.Run("CountsAndRates", func(t *testing.T) {
		envs := newMockEnvironments(t)
		expectTable(envs.prod, identicalFixture("accounts"))
		expectTable(envs.dev, identicalFixture("accounts"))
		expectTable(envs.prod, identicalFixture("orders"))
		expectTable(envs.dev, accountsFixture("orders", []any{int64(1), "5", "x"}, []any{int64(2), "7", "y"}))
		envs.prod.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("relation \"broken\" does not exist"))

		observer := &recordingObserver{}
		batch := NewBatch(newTestComparator(envs, Sampling{}), BatchOptions{}, nil)
		result := batch.Run(context.Background(), batchPairs("accounts", "orders", "broken"), nil, observer)

		if result.TotalPairs != 3 || result.Successful != 2 || result.Failed != 1 {
			t.Fatalf("unexpected counts: %+v", result)
		}
		if result.Identical != 1 || result.Different != 1 {
			t.Errorf("identical/different = %d/%d", result.Identical, result.Different)
		}
		if math.Abs(result.SuccessRate-200.0/3) > 1e-9 || result.IdenticalRate != 50 {
			t.Errorf("rates = %v / %v", result.SuccessRate, result.IdenticalRate)
		}
		for i, name := range []string{"accounts", "orders", "broken"} {
			if result.Results[i].SourceTable != name {
				t.Errorf("result %d is %s, want %s", i, result.Results[i].SourceTable, name)
			}
		}
		if len(observer.started) != 3 || len(observer.finished) != 3 {
			t.Errorf("observer saw %v / %v", observer.started, observer.finished)
		}
	})

	t.Run("CancelAfterFirstPair", func(t *testing.T) {
		envs := newMockEnvironments(t)
		expectTable(envs.prod, identicalFixture("a"))
		expectTable(envs.dev, identicalFixture("a"))

		token := NewCancelToken()
		observer := &recordingObserver{onFinish: func(index int) {
			if index == 0 {
				token.Cancel()
			}
		}}
		batch := NewBatch(newTestComparator(envs, Sampling{}), BatchOptions{}, nil)
		result := batch.Run(context.Background(), batchPairs("a", "b", "c"), token, observer)

		if !result.Cancelled {
			t.Error("expected batch to be cancelled")
		}
		if len(result.Results) != 1 || result.TotalPairs != 1 || result.RequestedPairs != 3 {
			t.Errorf("expected exactly one result, got %+v", result)
		}
		if len(observer.started) != 1 {
			t.Errorf("pairs after the cancel must not start, started %v", observer.started)
		}
	})

	t.Run("StopOnFailure", func(t *testing.T) {
		envs := newMockEnvironments(t)
		envs.prod.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("timeout"))

		batch := NewBatch(newTestComparator(envs, Sampling{}), BatchOptions{StopOnFailure: true}, nil)
		result := batch.Run(context.Background(), batchPairs("a", "b"), nil, nil)

		if !result.StoppedEarly || result.TotalPairs != 1 || result.Failed != 1 {
			t.Errorf("unexpected result: %+v", result)
		}
		if result.SuccessRate != 0 || result.IdenticalRate != 0 {
			t.Errorf("rates should be zero, got %v / %v", result.SuccessRate, result.IdenticalRate)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		envs := newMockEnvironments(t)
		batch := NewBatch(newTestComparator(envs, Sampling{}), BatchOptions{}, nil)
		result := batch.Run(context.Background(), nil, nil, nil)
		if result.TotalPairs != 0 || result.Results == nil {
			t.Errorf("unexpected result: %+v", result)
		}
	})
}

func TestBatchRunParallel(t *testing.T) {
	envs := newMockEnvironments(t)
	for _, m := range []sqlmock.Sqlmock{envs.prod, envs.dev} {
		m.MatchExpectationsInOrder(false)
	}
	for _, table := range []string{"a", "b", "c"} {
		expectTable(envs.prod, identicalFixture(table))
		expectTable(envs.dev, identicalFixture(table))
	}

	observer := &recordingObserver{}
	cmp := newTestComparator(envs, Sampling{})
	batch := NewBatch(cmp, BatchOptions{Parallel: true, MaxWorkers: 2}, nil)
	result := batch.Run(context.Background(), batchPairs("a", "b", "c"), nil, observer)

	if result.TotalPairs != 3 || result.Identical != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(observer.finished) != 3 {
		t.Errorf("observer finished = %v", observer.finished)
	}
	if cmp.pool.Size() != 0 {
		t.Errorf("connections should be closed after the batch, %d left", cmp.pool.Size())
	}
}

func TestBatchRunParallelWaitingPairs(t *testing.T) {
	t.Run("CancelWhileWaitingForWorker", func(t *testing.T) {
		envs := newMockEnvironments(t)
		expectTable(envs.prod, identicalFixture("a"))
		expectTable(envs.dev, identicalFixture("a"))

		token := NewCancelToken()
		observer := &recordingObserver{onFinish: func(index int) {
			if index == 0 {
				token.Cancel()
			}
		}}
		batch := NewBatch(newTestComparator(envs, Sampling{}), BatchOptions{Parallel: true, MaxWorkers: 1}, nil)
		result := batch.Run(context.Background(), batchPairs("a", "b", "c"), token, observer)

		if !result.Cancelled {
			t.Error("expected batch to be cancelled")
		}
		if len(observer.started) != 1 || observer.started[0] != 0 {
			t.Errorf("pairs queued behind the cancel must not start, started %v", observer.started)
		}
		if result.TotalPairs != 1 {
			t.Errorf("expected exactly one result, got %+v", result)
		}
	})

	t.Run("StopOnFailureWhileWaitingForWorker", func(t *testing.T) {
		envs := newMockEnvironments(t)
		envs.prod.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("timeout"))

		observer := &recordingObserver{}
		batch := NewBatch(newTestComparator(envs, Sampling{}), BatchOptions{Parallel: true, MaxWorkers: 1, StopOnFailure: true}, nil)
		result := batch.Run(context.Background(), batchPairs("a", "b", "c"), nil, observer)

		if !result.StoppedEarly || result.TotalPairs != 1 || result.Failed != 1 {
			t.Errorf("unexpected result: %+v", result)
		}
		if len(observer.started) != 1 {
			t.Errorf("pairs after the failure must not start, started %v", observer.started)
		}
	})
}

func TestCancelToken(t *testing.T) {
	var nilToken *CancelToken
	if nilToken.Cancelled() {
		t.Error("nil token must not be cancelled")
	}

	token := NewCancelToken()
	if token.Cancelled() {
		t.Error("new token must not be cancelled")
	}
	token.Cancel()
	token.Cancel()
	if !token.Cancelled() {
		t.Error("token should be cancelled")
	}
}

func TestBatchResultCapped(t *testing.T) {
	res := &ComparisonResult{DisplayName: "t"}
	for i := 0; i < 120; i++ {
		res.MissingFromTarget = append(res.MissingFromTarget, "k")
		res.DifferingRows = append(res.DifferingRows, RowDifference{Key: "k"})
	}
	res.MissingFromSource = []string{"only"}
	batch := &BatchResult{TotalPairs: 1, Results: []*ComparisonResult{res}}

	capped := batch.Capped(0, 0)
	got := capped.Results[0]
	if len(got.MissingFromTarget) != DefaultMaxMissing || len(got.DifferingRows) != DefaultMaxDiffering {
		t.Errorf("caps not applied: %d / %d", len(got.MissingFromTarget), len(got.DifferingRows))
	}
	if got.Totals.MissingFromTarget != 120 || got.Totals.DifferingRows != 120 || got.Totals.MissingFromSource != 1 {
		t.Errorf("totals = %+v", got.Totals)
	}
	if len(res.MissingFromTarget) != 120 {
		t.Error("capping must not modify the stored result")
	}
}
