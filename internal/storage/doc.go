// Package storage composes the historian's components into a single
// service: recording-policy ingestion, crash-safe segmented storage,
// rotation and retention, and range queries with downsampling.
package storage
