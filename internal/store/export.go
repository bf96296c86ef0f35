package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ExportJSONL writes matching records to w, one JSON object per line,
// oldest first.
func ExportJSONL(ctx context.Context, s RunStore, w io.Writer, filter RunFilter) (int, error) {
	records, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i := len(records) - 1; i >= 0; i-- {
		if err := enc.Encode(records[i]); err != nil {
			return len(records) - 1 - i, fmt.Errorf("failed to encode run %d: %w", records[i].ID, err)
		}
	}
	return len(records), nil
}

// ImportJSONL reads records written by ExportJSONL and appends them to s.
// Ids are reassigned. Blank lines are skipped; a malformed line aborts the import.
func ImportJSONL(ctx context.Context, s RunStore, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	imported, lineNum := 0, 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return imported, fmt.Errorf("failed to parse line %d: %w", lineNum, err)
		}
		rec.ID = 0
		if _, err := s.Record(ctx, rec); err != nil {
			return imported, fmt.Errorf("failed to import line %d: %w", lineNum, err)
		}
		imported++
	}

	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("scanner error: %w", err)
	}
	return imported, nil
}
