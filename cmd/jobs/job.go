package jobs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/airframesio/table-comparator/cmd/comparator"
)

// State is the lifecycle position of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// TableStatus is the progress of one table pair inside a job.
type TableStatus string

const (
	TablePending   TableStatus = "pending"
	TableRunning   TableStatus = "running"
	TableIdentical TableStatus = "identical"
	TableDifferent TableStatus = "different"
	TableError     TableStatus = "error"
)

// TableSummary holds the counts shown next to a finished table.
type TableSummary struct {
	DevRowCount            int64 `json:"dev_row_count"`
	ProdRowCount           int64 `json:"prod_row_count"`
	SchemaDifferencesCount int   `json:"schema_differences_count"`
	DifferingRowsCount     int   `json:"differing_rows_count"`
	MissingFromDevCount    int   `json:"missing_from_dev_count"`
	MissingFromProdCount   int   `json:"missing_from_prod_count"`
	SkippedCellsCount      int   `json:"skipped_cells_count"`
	WasLimited             bool  `json:"was_limited"`
}

// TableProgress is one entry of a job's per-table list.
type TableProgress struct {
	Index        int           `json:"index"`
	DisplayName  string        `json:"display_name"`
	ProdTable    string        `json:"prod_table"`
	DevTable     string        `json:"dev_table"`
	Status       TableStatus   `json:"status"`
	StartTime    *time.Time    `json:"start_time,omitempty"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Duration     time.Duration `json:"duration"`
	StatusDetail string        `json:"status_detail,omitempty"`
	Summary      *TableSummary `json:"comparison_summary,omitempty"`
}

// StatusSnapshot is a point-in-time copy of a job's status.
type StatusSnapshot struct {
	ID           string          `json:"id"`
	State        State           `json:"status"`
	Message      string          `json:"progress"`
	Tables       []TableProgress `json:"table_list"`
	CurrentIndex int             `json:"current_table_index"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Elapsed      time.Duration   `json:"total_duration"`
	CanCancel    bool            `json:"can_cancel"`
}

// Job is one submitted batch comparison. It is mutated only by its own worker
// goroutine and by cancellation requests.
type Job struct {
	mu        sync.RWMutex
	id        string
	state     State
	message   string
	tables    []TableProgress
	current   int
	start     time.Time
	end       *time.Time
	canCancel bool
	token     *comparator.CancelToken
	result    *comparator.BatchResult
	labels    comparator.Labels
	done      chan struct{}
}

func newJob(id string, pairs []comparator.TablePairConfig, labels comparator.Labels, now time.Time) *Job {
	tables := make([]TableProgress, len(pairs))
	for i, pair := range pairs {
		tables[i] = TableProgress{
			Index:       i,
			DisplayName: pair.DisplayName,
			ProdTable:   pair.SourceTable,
			DevTable:    pair.TargetTable,
			Status:      TablePending,
		}
	}
	return &Job{
		id:        id,
		state:     StateRunning,
		message:   "Initializing...",
		tables:    tables,
		current:   -1,
		start:     now,
		canCancel: true,
		token:     comparator.NewCancelToken(),
		labels:    labels,
		done:      make(chan struct{}),
	}
}

// ID returns the job identifier.
func (j *Job) ID() string {
	return j.id
}

// Done is closed once the job reaches a terminal state and has been archived.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Snapshot copies the job's status.
func (j *Job) Snapshot(now time.Time) StatusSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	tables := make([]TableProgress, len(j.tables))
	for i, t := range j.tables {
		tables[i] = t
		if t.Summary != nil {
			summary := *t.Summary
			tables[i].Summary = &summary
		}
	}

	elapsed := now.Sub(j.start)
	if j.end != nil {
		elapsed = j.end.Sub(j.start)
	}

	return StatusSnapshot{
		ID:           j.id,
		State:        j.state,
		Message:      j.message,
		Tables:       tables,
		CurrentIndex: j.current,
		StartTime:    j.start,
		EndTime:      j.end,
		Elapsed:      elapsed,
		CanCancel:    j.canCancel && j.state == StateRunning,
	}
}

func (j *Job) setMessage(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.message = msg
}

// requestCancel sets the token when the job is running and still cancellable.
func (j *Job) requestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning || !j.canCancel {
		return false
	}
	j.canCancel = false
	j.message = "Cancellation requested, stopping after the current table..."
	j.token.Cancel()
	return true
}

func (j *Job) tableStarted(index int, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if index < 0 || index >= len(j.tables) {
		return
	}
	t := &j.tables[index]
	t.Status = TableRunning
	t.StartTime = &now
	j.current = index
	if j.canCancel {
		j.message = fmt.Sprintf("Comparing table %d/%d: %s", index+1, len(j.tables), t.DisplayName)
	}
}

func (j *Job) tableFinished(index int, outcome comparator.PairOutcome, now time.Time) TableStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	if index < 0 || index >= len(j.tables) {
		return TableError
	}

	t := &j.tables[index]
	t.EndTime = &now
	if t.StartTime != nil {
		t.Duration = now.Sub(*t.StartTime)
	}

	res := outcome.Result
	switch {
	case !outcome.OK():
		t.Status = TableError
		t.StatusDetail = res.Error
	case res.TablesIdentical:
		t.Status = TableIdentical
		t.StatusDetail = "Tables are completely identical"
	default:
		t.Status = TableDifferent
		t.StatusDetail = differenceDetail(res, j.labels)
	}
	if outcome.OK() {
		t.Summary = &TableSummary{
			DevRowCount:            res.TargetRowCount,
			ProdRowCount:           res.SourceRowCount,
			SchemaDifferencesCount: len(res.SchemaDifferences),
			DifferingRowsCount:     len(res.DifferingRows),
			MissingFromDevCount:    len(res.MissingFromTarget),
			MissingFromProdCount:   len(res.MissingFromSource),
			SkippedCellsCount:      res.SkippedCells,
			WasLimited:             res.Sampling.WasLimited,
		}
	}
	return t.Status
}

func differenceDetail(res *comparator.ComparisonResult, labels comparator.Labels) string {
	var parts []string
	if n := len(res.SchemaDifferences); n > 0 {
		parts = append(parts, fmt.Sprintf("%d schema differences", n))
	}
	if res.SourceRowCount != res.TargetRowCount {
		parts = append(parts, fmt.Sprintf("Row count mismatch: %s(%d) vs %s(%d)",
			labels.Target, res.TargetRowCount, labels.Source, res.SourceRowCount))
	}
	if n := len(res.DifferingRows); n > 0 {
		parts = append(parts, fmt.Sprintf("%d differing rows", n))
	}
	if n := len(res.MissingFromTarget); n > 0 {
		parts = append(parts, fmt.Sprintf("%d missing from %s", n, labels.Target))
	}
	if n := len(res.MissingFromSource); n > 0 {
		parts = append(parts, fmt.Sprintf("%d missing from %s", n, labels.Source))
	}
	return strings.Join(parts, "; ")
}

func (j *Job) complete(result *comparator.BatchResult, now time.Time) State {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.result = result
	j.current = -1
	j.canCancel = false
	j.end = &now

	processed := result.TotalPairs
	switch {
	case result.Cancelled:
		j.state = StateCancelled
		j.message = fmt.Sprintf("Cancelled after processing %d of %d tables", processed, len(j.tables))
	case result.StoppedEarly:
		j.state = StateCompleted
		j.message = fmt.Sprintf("Stopped after first failure: %d of %d tables processed", processed, len(j.tables))
	default:
		j.state = StateCompleted
		j.message = "Comparison completed!"
	}
	return j.state
}

func (j *Job) fail(msg string, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateError
	j.message = "Error: " + msg
	j.current = -1
	j.canCancel = false
	j.end = &now
}

// Result returns the batch result once the job has produced one.
func (j *Job) Result() (*comparator.BatchResult, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result, j.result != nil
}
