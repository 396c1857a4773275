// Package export renders query results as tabular CSV. It consumes the
// identical Result the JSON boundary serves; no query logic lives here.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/historio/historian/internal/storage/query"
)

var csvHeader = []string{"tag_id", "timestamp_ms", "value", "quality"}

// WriteCSV streams a query result to w, one row per point, tags in
// lexical order and each tag's points ascending.
func WriteCSV(w io.Writer, result query.Result) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	tagIDs := make([]string, 0, len(result.Series))
	for tagID := range result.Series {
		tagIDs = append(tagIDs, tagID)
	}
	sort.Strings(tagIDs)

	for _, tagID := range tagIDs {
		for _, p := range result.Series[tagID] {
			row := []string{
				tagID,
				strconv.FormatInt(p.TimestampMs, 10),
				strconv.FormatFloat(p.Value, 'g', -1, 64),
				p.Quality.String(),
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
