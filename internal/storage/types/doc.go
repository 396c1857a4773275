// Package types defines the shared data model of the historian:
// samples, records, tags, and aggregation specifications.
//
// Keeping these in a leaf package avoids import cycles between the
// ingestion, segment, retention, and query packages.
package types
