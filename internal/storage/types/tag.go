package types

// Tag describes the recording configuration of one measurement series.
// Tags are owned and mutated by the configuration collaborator; the
// historian core only reads them, and a change applies starting with the
// next sample for that tag.
type Tag struct {
	// ID uniquely identifies the series.
	ID string `yaml:"id"`

	// GroupID names the rotation group whose segments store this tag.
	GroupID string `yaml:"group"`

	// Enabled gates recording entirely. A disabled tag never records.
	Enabled bool `yaml:"enabled"`

	// IntervalMs forces a record when this many milliseconds have elapsed
	// since the last recorded sample. 0 disables interval gating.
	IntervalMs int64 `yaml:"interval_ms"`

	// Deadband is the minimum absolute value change required for an
	// on-change record. 0 means any change qualifies.
	Deadband float64 `yaml:"deadband"`

	// OnChange enables change-based recording against Deadband.
	OnChange bool `yaml:"on_change"`

	// QualitySignificant records a sample whose quality differs from the
	// last recorded quality even when the value is inside the deadband.
	QualitySignificant bool `yaml:"quality_significant"`
}

// AlwaysRecord reports whether the tag is configured in explicit "always"
// mode: no interval and no change gating, so every sample persists.
func (t *Tag) AlwaysRecord() bool {
	return t.IntervalMs == 0 && !t.OnChange
}

// TagProvider supplies tag configuration to the historian core. It is the
// seam to the configuration collaborator.
type TagProvider interface {
	// Lookup returns the current configuration for a tag id.
	Lookup(tagID string) (Tag, bool)

	// GroupTags returns the ids of all tags assigned to a group.
	GroupTags(groupID string) []string
}
