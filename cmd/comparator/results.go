package comparator

// Transport caps used by the results API.
const (
	DefaultMaxMissing   = 50
	DefaultMaxDiffering = 20
)

// ResultTotals keeps the full list sizes of a capped result.
type ResultTotals struct {
	MissingFromTarget int `json:"missing_from_dev"`
	MissingFromSource int `json:"missing_from_prod"`
	DifferingRows     int `json:"differing_rows"`
}

// CappedResult is a ComparisonResult with bounded lists plus their totals.
type CappedResult struct {
	ComparisonResult
	Totals ResultTotals `json:"totals"`
}

// CappedBatchResult is the payload returned to API callers.
type CappedBatchResult struct {
	RequestedPairs int             `json:"requested_pairs"`
	TotalPairs     int             `json:"total_pairs"`
	Successful     int             `json:"successful_comparisons"`
	Failed         int             `json:"failed_comparisons"`
	Identical      int             `json:"identical_tables"`
	Different      int             `json:"different_tables"`
	SuccessRate    float64         `json:"success_rate"`
	IdenticalRate  float64         `json:"identical_rate"`
	Cancelled      bool            `json:"was_cancelled"`
	StoppedEarly   bool            `json:"stopped_early"`
	Results        []*CappedResult `json:"results"`
}

// Capped copies the batch keeping at most maxMissing keys per missing list and
// maxDiffering differing rows per pair. Non-positive caps use the defaults.
func (r *BatchResult) Capped(maxMissing, maxDiffering int) *CappedBatchResult {
	if maxMissing <= 0 {
		maxMissing = DefaultMaxMissing
	}
	if maxDiffering <= 0 {
		maxDiffering = DefaultMaxDiffering
	}

	out := &CappedBatchResult{
		RequestedPairs: r.RequestedPairs,
		TotalPairs:     r.TotalPairs,
		Successful:     r.Successful,
		Failed:         r.Failed,
		Identical:      r.Identical,
		Different:      r.Different,
		SuccessRate:    r.SuccessRate,
		IdenticalRate:  r.IdenticalRate,
		Cancelled:      r.Cancelled,
		StoppedEarly:   r.StoppedEarly,
		Results:        make([]*CappedResult, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		c := &CappedResult{
			ComparisonResult: *res,
			Totals: ResultTotals{
				MissingFromTarget: len(res.MissingFromTarget),
				MissingFromSource: len(res.MissingFromSource),
				DifferingRows:     len(res.DifferingRows),
			},
		}
		c.MissingFromTarget = head(res.MissingFromTarget, maxMissing)
		c.MissingFromSource = head(res.MissingFromSource, maxMissing)
		if len(res.DifferingRows) > maxDiffering {
			c.DifferingRows = res.DifferingRows[:maxDiffering:maxDiffering]
		}
		out.Results = append(out.Results, c)
	}
	return out
}

func head(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n:n]
}
