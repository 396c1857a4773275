// Package archive writes sealed segments to Parquet files and optionally
// copies them to S3-compatible object storage. Archive files are immutable
// once written; each one covers a contiguous, disjoint time range of a
// single rotation group.
package archive
