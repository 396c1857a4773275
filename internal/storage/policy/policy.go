// Package policy implements the recording policy evaluator: the pure
// decision of whether an incoming sample is worth persisting.
//
// The evaluator never touches storage. It compares a sample against the
// tag's configuration and the last *recorded* state (not the last received
// sample), which is the standard historian gating semantic.
package policy

import (
	"math"

	"github.com/historio/historian/internal/storage/types"
)

// Reason explains why a sample was or was not recorded.
type Reason string

const (
	// ReasonDisabled: the tag is disabled; never record.
	ReasonDisabled Reason = "disabled"
	// ReasonFirst: no prior recorded state exists; always record.
	ReasonFirst Reason = "first"
	// ReasonChange: the value moved beyond the deadband.
	ReasonChange Reason = "change"
	// ReasonQuality: the quality changed and the tag marks quality significant.
	ReasonQuality Reason = "quality"
	// ReasonInterval: the recording interval elapsed.
	ReasonInterval Reason = "interval"
	// ReasonAlways: the tag is in explicit always mode.
	ReasonAlways Reason = "always"
	// ReasonSuppressed: no rule fired; the sample is not recorded.
	ReasonSuppressed Reason = "suppressed"
)

// State is the per-tag recording state the decision gates against. It is
// owned by the ingestion pipeline and advanced only after a successful
// append.
type State struct {
	LastValue       float64
	LastTimestampMs int64
	LastQuality     types.Quality
}

// Decision is the evaluator's verdict for one sample.
type Decision struct {
	Record bool
	Reason Reason
}

// Evaluate decides whether a sample should be persisted.
//
// Rules, in priority order:
//   - disabled tag: never record
//   - no prior state: always record
//   - on-change enabled and |value - lastValue| > deadband: record
//   - quality significant and quality differs from last recorded: record
//   - interval > 0 and timestamp - lastTimestamp >= interval: record
//   - interval == 0 and on-change disabled: record every sample
//   - otherwise: suppress
func Evaluate(tag types.Tag, state *State, sample types.Sample) Decision {
	if !tag.Enabled {
		return Decision{Record: false, Reason: ReasonDisabled}
	}

	if state == nil {
		return Decision{Record: true, Reason: ReasonFirst}
	}

	if tag.OnChange && math.Abs(sample.Value-state.LastValue) > tag.Deadband {
		return Decision{Record: true, Reason: ReasonChange}
	}

	if tag.QualitySignificant && sample.Quality != state.LastQuality {
		return Decision{Record: true, Reason: ReasonQuality}
	}

	if tag.IntervalMs > 0 && sample.TimestampMs-state.LastTimestampMs >= tag.IntervalMs {
		return Decision{Record: true, Reason: ReasonInterval}
	}

	if tag.AlwaysRecord() {
		return Decision{Record: true, Reason: ReasonAlways}
	}

	return Decision{Record: false, Reason: ReasonSuppressed}
}
