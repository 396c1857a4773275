package types

import "time"

// Quality classifies the trustworthiness of a measurement at the moment it
// was taken. Values follow the usual OPC-style coarse classification.
type Quality int16

const (
	// QualityGood is a normal, trusted measurement.
	QualityGood Quality = iota
	// QualityUncertain is a measurement the source could not fully vouch for
	// (e.g., sensor in calibration, stale read).
	QualityUncertain
	// QualityBad is a measurement known to be wrong (e.g., sensor fault).
	QualityBad
)

// String returns a human-readable representation of the Quality.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	default:
		return "unknown"
	}
}

// ParseQuality maps a quality name back to its value. Unrecognized names
// map to QualityUncertain.
func ParseQuality(s string) Quality {
	switch s {
	case "good", "":
		return QualityGood
	case "bad":
		return QualityBad
	default:
		return QualityUncertain
	}
}

// Sample represents a single raw measurement delivered by the polling layer.
// Samples are ephemeral: the ingestion pipeline decides whether one becomes
// a persisted Record.
type Sample struct {
	TagID       string  // Measurement series identifier
	TimestampMs int64   // Unix timestamp in milliseconds
	Value       float64 // Measured value
	Quality     Quality // Measurement quality at poll time
}

// TimestampTime returns the sample timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Record is a persisted sample. Records are immutable once appended and are
// uniquely identified by (TagID, TimestampMs).
type Record struct {
	TagID       string
	TimestampMs int64
	Value       float64
	Quality     Quality
}

// TimestampTime returns the record timestamp as a time.Time.
func (r *Record) TimestampTime() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// RecordFromSample builds the Record that persists a sample.
func RecordFromSample(s Sample) Record {
	return Record{
		TagID:       s.TagID,
		TimestampMs: s.TimestampMs,
		Value:       s.Value,
		Quality:     s.Quality,
	}
}

// Point is a single entry in a query result series. For raw queries Quality
// carries the recorded quality; for aggregated queries it is QualityGood.
type Point struct {
	TimestampMs int64   `json:"t"`
	Value       float64 `json:"v"`
	Quality     Quality `json:"q"`
}

// Series is an ascending-timestamp sequence of points for one tag.
type Series []Point
