package pipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
)

// maxTabularRows caps one upload. Counted over data rows, header excluded.
const maxTabularRows = 2_000_000

// TabularBatch is the output of the tabular adapter: recognized fields only,
// plus the digest of the raw bytes. PresentOptional records which optional
// columns the batch schema declared (the status gate keys off presence, not
// per-row values).
type TabularBatch struct {
	Rows            []Row
	ContentHash     string
	PresentOptional map[string]bool
}

// ParseTabular decodes delimited text, enforces the five required columns,
// and drops every column outside the required set and the optional
// allow-list. Fails fast with MISSING_REQUIRED_COLUMN before reading any
// data row.
func ParseTabular(raw []byte) (*TabularBatch, error) {
	if len(raw) == 0 {
		return nil, batcherr(BATCH_ERR_EMPTY, "empty file")
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "unreadable header")
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := colIndex[name]; !dup {
			colIndex[name] = i
		}
	}

	var missing []string
	for _, req := range RequiredFields {
		if _, ok := colIndex[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, batcherr(BATCH_ERR_MISSING_COLUMN, fmt.Sprintf("missing required columns: %s", strings.Join(missing, ",")))
	}

	keep := make(map[string]int, len(RequiredFields)+len(OptionalFields))
	present := make(map[string]bool, len(OptionalFields))
	for _, f := range RequiredFields {
		keep[f] = colIndex[f]
	}
	for _, f := range OptionalFields {
		if idx, ok := colIndex[f]; ok {
			keep[f] = idx
			present[f] = true
		}
	}

	batch := &TabularBatch{
		ContentHash:     sha3Hex(raw),
		PresentOptional: present,
	}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, batcherr(BATCH_ERR_BAD_REQUEST, "malformed delimited row")
		}
		if len(batch.Rows) >= maxTabularRows {
			return nil, batcherr(BATCH_ERR_BAD_REQUEST, fmt.Sprintf("too many rows: > %d", maxTabularRows))
		}
		row := make(Row, len(keep))
		for field, idx := range keep {
			if idx < len(rec) {
				row[field] = rec[idx]
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}
