package types

import (
	"fmt"
	"time"
)

// Reducer names the function applied to each aggregation bucket.
type Reducer string

const (
	ReducerAvg   Reducer = "avg"
	ReducerMin   Reducer = "min"
	ReducerMax   Reducer = "max"
	ReducerCount Reducer = "count"
	ReducerP50   Reducer = "p50"
	ReducerP90   Reducer = "p90"
	ReducerP95   Reducer = "p95"
	ReducerP99   Reducer = "p99"
)

// Valid reports whether the reducer is one the query engine implements.
func (r Reducer) Valid() bool {
	switch r {
	case ReducerAvg, ReducerMin, ReducerMax, ReducerCount,
		ReducerP50, ReducerP90, ReducerP95, ReducerP99:
		return true
	}
	return false
}

// IsPercentile reports whether the reducer requires a quantile sketch.
func (r Reducer) IsPercentile() bool {
	switch r {
	case ReducerP50, ReducerP90, ReducerP95, ReducerP99:
		return true
	}
	return false
}

// Quantile returns the quantile for a percentile reducer.
func (r Reducer) Quantile() float64 {
	switch r {
	case ReducerP50:
		return 0.50
	case ReducerP90:
		return 0.90
	case ReducerP95:
		return 0.95
	case ReducerP99:
		return 0.99
	}
	return 0
}

// AggregationSpec downsamples a merged series into fixed-width time buckets
// anchored at the query's from timestamp. One point is emitted per
// non-empty bucket, stamped at the bucket start.
type AggregationSpec struct {
	BucketWidthMs int64   `json:"bucket_width_ms"`
	Reducer       Reducer `json:"reducer"`
}

// Validate checks the aggregation parameters before a query touches storage.
func (a *AggregationSpec) Validate() error {
	if a.BucketWidthMs <= 0 {
		return fmt.Errorf("bucket width must be positive, got %d", a.BucketWidthMs)
	}
	if !a.Reducer.Valid() {
		return fmt.Errorf("unknown reducer %q", a.Reducer)
	}
	return nil
}

// BucketWidth returns the bucket width as a duration.
func (a *AggregationSpec) BucketWidth() time.Duration {
	return time.Duration(a.BucketWidthMs) * time.Millisecond
}
