package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/historio/historian/internal/storage/types"
)

// Record encoding format (binary, little-endian), snappy-compressed as a
// whole payload:
// - Record count (4 bytes)
// - Per record:
//   - TagID length (2 bytes) + TagID string
//   - TimestampMs (8 bytes)
//   - Value (8 bytes, float64)
//   - Quality (2 bytes)

// encodeRecords encodes records into a snappy-compressed binary payload.
func encodeRecords(records []types.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}

	// Estimate: ~40 bytes per record average
	buf := make([]byte, 0, len(records)*40)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(records)))

	for _, r := range records {
		if len(r.TagID) > math.MaxUint16 {
			return nil, fmt.Errorf("tag id too long: %d bytes", len(r.TagID))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.TagID)))
		buf = append(buf, r.TagID...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.TimestampMs))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Value))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Quality))
	}

	return snappy.Encode(nil, buf), nil
}

// decodeRecords decodes a snappy-compressed payload into records.
func decodeRecords(payload []byte) ([]types.Record, error) {
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("payload too short for record count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	records := make([]types.Record, count)
	offset := 4

	for i := 0; i < count; i++ {
		var r types.Record

		if offset+2 > len(data) {
			return nil, fmt.Errorf("record %d: payload too short for tag id length", i)
		}
		idLen := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2

		if offset+idLen > len(data) {
			return nil, fmt.Errorf("record %d: payload too short for tag id", i)
		}
		r.TagID = string(data[offset : offset+idLen])
		offset += idLen

		if offset+18 > len(data) {
			return nil, fmt.Errorf("record %d: payload too short for fields", i)
		}
		r.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		r.Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		r.Quality = types.Quality(int16(binary.LittleEndian.Uint16(data[offset:])))
		offset += 2

		records[i] = r
	}

	return records, nil
}
