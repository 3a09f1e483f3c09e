package pipeline

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// DateRange is a closed calendar-date interval, ISO formatted.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ParseDeclaredRange validates the caller-asserted bounds. Both or neither
// must be supplied, dates must parse, and start must not exceed end.
func ParseDeclaredRange(start, end string) (*DateRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "both input_start_date and input_end_date must be provided")
	}
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "input_start_date is not an ISO date")
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "input_end_date is not an ISO date")
	}
	if s.After(e) {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "input_start_date must be <= input_end_date")
	}
	return &DateRange{Start: s.Format(dateLayout), End: e.Format(dateLayout)}, nil
}

// InferRange computes the min/max event date over accepted records, each in
// its own timezone. Requires at least one record.
func InferRange(records []CanonicalRecord) DateRange {
	r := DateRange{Start: records[0].Day(), End: records[0].Day()}
	for i := 1; i < len(records); i++ {
		d := records[i].Day()
		if d < r.Start {
			r.Start = d
		}
		if d > r.End {
			r.End = d
		}
	}
	return r
}

// CheckDeclaredRange enforces inferred ⊆ declared before any persistence.
func CheckDeclaredRange(declared *DateRange, inferred DateRange) error {
	if declared == nil {
		return nil
	}
	if inferred.Start < declared.Start || inferred.End > declared.End {
		return batcherr(BATCH_ERR_DECLARED_RANGE, "inferred range outside declared range")
	}
	return nil
}

// keyRange picks the declared dates when supplied, else the inferred ones.
// Declared dates pin batch identity so re-uploads with the same assertion
// dedupe even if row order shifts the inference.
func keyRange(declared *DateRange, inferred DateRange) DateRange {
	if declared != nil {
		return *declared
	}
	return inferred
}

// TabularIdempotencyKey digests tabular batch identity:
// subject | source | content hash | key range. subject_ref_version is
// deliberately excluded.
func TabularIdempotencyKey(subjectRef, source, contentHash string, declared *DateRange, inferred DateRange) string {
	kr := keyRange(declared, inferred)
	preimage := fmt.Sprintf("%s|%s|%s|%s|%s", subjectRef, source, contentHash, kr.Start, kr.End)
	return sha3Hex([]byte(preimage))
}

// FeedIdempotencyKey digests feed batch identity:
// subject | source | watermark | key range | event count | content hash.
func FeedIdempotencyKey(subjectRef, source string, watermark time.Time, declared *DateRange, inferred DateRange, eventCount int, contentHash string) string {
	kr := keyRange(declared, inferred)
	preimage := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s",
		subjectRef, source, watermark.Format(timeLayoutRFC3339), kr.Start, kr.End, eventCount, contentHash)
	return sha3Hex([]byte(preimage))
}
