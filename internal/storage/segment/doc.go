// Package segment implements the storage engine: an in-memory active
// segment per rotation group, crash safety through the write-ahead log,
// sealed Parquet archives tracked in a SQLite catalog, and range reads
// that stitch archives and the active segment back together.
package segment
