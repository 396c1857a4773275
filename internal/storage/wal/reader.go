package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/historio/historian/internal/storage/types"
)

// Reader reads records back from WAL files. It is used once, at startup,
// to rebuild the active segment after a crash.
type Reader struct {
	path string
	file *os.File

	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	EntriesRead    int64
	RecordsRead    int64
	BytesRead      int64
	CorruptEntries int64
}

// NewReader opens a WAL file for replay.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Truncated header: the file was created but never written.
			return &Reader{path: path}, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", walMagic, magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
	}, nil
}

// ReadAll reads all intact records from the file. Corrupt or truncated
// trailing entries are counted and skipped; everything before them is
// returned, which is the most a crash-recovery replay can promise.
func (r *Reader) ReadAll() ([]types.Record, error) {
	if r.file == nil {
		return nil, nil
	}

	var all []types.Record

	for {
		records, err := r.readEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.stats.CorruptEntries++
			break
		}

		all = append(all, records...)
	}

	return all, nil
}

// readEntry reads the next entry. Returns io.EOF at a clean end of file.
func (r *Reader) readEntry() ([]types.Record, error) {
	var header [entryHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read entry header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	// Sanity check against clearly bogus lengths
	if length > 64*1024*1024 {
		return nil, fmt.Errorf("entry too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	actualCRC := crc32.ChecksumIEEE(payload)
	if actualCRC != expectedCRC {
		return nil, fmt.Errorf("crc mismatch: expected %x, got %x", expectedCRC, actualCRC)
	}

	records, err := decodeRecords(payload)
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	r.stats.EntriesRead++
	r.stats.RecordsRead += int64(len(records))
	r.stats.BytesRead += int64(entryHeaderSize + len(payload))

	return records, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// ReplayDir reads back every record from all WAL files found under dir,
// in file sequence order.
func ReplayDir(dir string) ([]types.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read wal dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) == 20 && name[16:] == ".wal" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var all []types.Record
	for _, name := range names {
		r, err := NewReader(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}

		records, err := r.ReadAll()
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", name, err)
		}

		all = append(all, records...)
	}

	return all, nil
}
