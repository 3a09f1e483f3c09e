package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cashctl.dev/ingest/store"
)

// Orchestrator drives the pipeline in strict order for each batch: parse,
// validate, gate, normalize, classify, aggregate, key, commit. It holds no
// mutable state beyond the read-only config and the port, so batches may run
// concurrently.
type Orchestrator struct {
	cfg  Config
	port store.Port
}

func NewOrchestrator(cfg Config, port store.Port) *Orchestrator {
	return &Orchestrator{cfg: cfg, port: port}
}

// TabularRequest is one tabular ingestion call. Raw and Filename are scoped
// to the request; only their digests survive.
type TabularRequest struct {
	SubjectRef        string
	SubjectRefVersion string
	Source            string
	InputStartDate    string
	InputEndDate      string
	Filename          string
	Raw               []byte
}

// FeedRequest is one event-feed ingestion call.
type FeedRequest struct {
	SubjectRef            string
	SubjectRefVersion     string
	Source                string
	InputStartDate        string
	InputEndDate          string
	WatermarkTS           string
	AllowMissingWatermark bool
	Events                []FeedEvent
}

// IngestResult is the caller-visible outcome of a committed batch. It carries
// reason codes, counts, and digests only.
type IngestResult struct {
	Status              string                  `json:"status"`
	BatchID             string                  `json:"batch_id"`
	SubjectRef          string                  `json:"subject_ref"`
	SubjectRefVersion   string                  `json:"subject_ref_version,omitempty"`
	Source              string                  `json:"source"`
	FilenameHash        string                  `json:"filename_hash,omitempty"`
	FileExt             string                  `json:"file_ext,omitempty"`
	ContentHash         string                  `json:"content_hash"`
	IdempotencyKey      string                  `json:"idempotency_key"`
	RowsAccepted        int                     `json:"rows_accepted"`
	RowsRejected        int                     `json:"rows_rejected"`
	RejectionBreakdown  map[RejectionReason]int `json:"rejection_breakdown"`
	AcceptedPartialRows int                     `json:"accepted_partial_rows"`
	DeclaredRange       *DateRange              `json:"declared_range,omitempty"`
	InferredRange       DateRange               `json:"inferred_range"`
	WatermarkTS         string                  `json:"watermark_ts,omitempty"`
	DailyAggregateDays  int                     `json:"daily_aggregate_days"`
	DailyControlDays    int                     `json:"daily_control_days"`
	CCTUnknownRate      float64                 `json:"cct_unknown_rate"`
	PayerTokenPresent   bool                    `json:"payer_token_present"`
	PolicyVersion       string                  `json:"policy_version"`
}

const statusIngested = "INGESTED_DERIVED_ONLY"

// filtered is the output of the validate+gate+normalize stages.
type filtered struct {
	records    []CanonicalRecord
	rejected   int
	breakdown  map[RejectionReason]int
	partials   int
	totalRows  int
	payerToken bool
}

// runRowStages validates, gates, and normalizes parsed rows in order. Row
// failures count; they never halt the batch.
func (o *Orchestrator) runRowStages(subjectRef string, rows []Row, statusPresent bool) filtered {
	f := filtered{
		breakdown: make(map[RejectionReason]int),
		totalRows: len(rows),
	}
	for _, row := range rows {
		vrow, reason := ValidateRow(row)
		if vrow == nil {
			f.breakdown[reason]++
			f.rejected++
			continue
		}
		if gateReason, ok := GateStatus(row, statusPresent); !ok {
			f.breakdown[gateReason]++
			f.rejected++
			continue
		}
		rec := Normalize(subjectRef, vrow, row)
		if rec.PartialRecord {
			f.partials++
		}
		if rec.PayerToken != "" || rec.RawCounterpartyToken != "" {
			f.payerToken = true
		}
		f.records = append(f.records, rec)
	}
	return f
}

// guardrails enforces the batch-level acceptance rules. Every rejection here
// short-circuits before persistence.
func (o *Orchestrator) guardrails(f *filtered) error {
	if f.totalRows == 0 {
		return batcherr(BATCH_ERR_EMPTY, "no rows parsed")
	}
	if len(f.records) == 0 {
		return &BatchError{
			Code:               BATCH_ERR_NO_VALID_ROWS,
			Msg:                "no valid rows after filtering and validation",
			RowsRejected:       f.rejected,
			RejectionBreakdown: f.breakdown,
		}
	}
	if o.cfg.MinAcceptRatio > 0 {
		acceptedRatio := float64(len(f.records)) / float64(f.totalRows)
		if acceptedRatio < o.cfg.MinAcceptRatio {
			return &BatchError{
				Code:               BATCH_ERR_LOW_ACCEPT_RATIO,
				Msg:                fmt.Sprintf("accepted ratio %.4f below minimum %.4f", acceptedRatio, o.cfg.MinAcceptRatio),
				RowsAccepted:       len(f.records),
				RowsRejected:       f.rejected,
				RejectionBreakdown: f.breakdown,
			}
		}
	}
	return nil
}

// commit persists the derived artifacts. On a duplicate key the port wins
// and the caller sees ALREADY_INGESTED.
func (o *Orchestrator) commit(ctx context.Context, meta store.BatchMetadata, aggs []store.DailyAggregate) (string, error) {
	// Caller gone: drop everything, persist nothing.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	batchID, err := o.port.CommitBatch(ctx, meta)
	if errors.Is(err, store.ErrDuplicateBatch) {
		return "", batcherr(BATCH_ERR_ALREADY_INGESTED, "batch already ingested")
	}
	if err != nil {
		return "", fmt.Errorf("commit batch: %w", err)
	}
	if err := o.port.CommitDailyAggregates(ctx, batchID, aggs); err != nil {
		return "", fmt.Errorf("commit daily aggregates: %w", err)
	}
	return batchID, nil
}

func breakdownForPort(b map[RejectionReason]int) map[string]int {
	out := make(map[string]int, len(b))
	for k, v := range b {
		out[string(k)] = v
	}
	return out
}

func rangeForPort(r DateRange) store.DateRange {
	return store.DateRange{Start: r.Start, End: r.End}
}

func rangePtrForPort(r *DateRange) *store.DateRange {
	if r == nil {
		return nil
	}
	out := rangeForPort(*r)
	return &out
}

// IngestTabular runs one tabular batch end to end.
func (o *Orchestrator) IngestTabular(ctx context.Context, req TabularRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.SubjectRef) == "" || strings.TrimSpace(req.Source) == "" {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "subject_ref and source are required")
	}
	declared, err := ParseDeclaredRange(req.InputStartDate, req.InputEndDate)
	if err != nil {
		return nil, err
	}

	batch, err := ParseTabular(req.Raw)
	if err != nil {
		return nil, err
	}

	f := o.runRowStages(req.SubjectRef, batch.Rows, batch.PresentOptional[FieldRecordStatus])
	if err := o.guardrails(&f); err != nil {
		return nil, err
	}

	inferred := InferRange(f.records)
	if err := CheckDeclaredRange(declared, inferred); err != nil {
		return nil, err
	}
	idemKey := TabularIdempotencyKey(req.SubjectRef, req.Source, batch.ContentHash, declared, inferred)

	aggs := AggregateDaily(&o.cfg, req.SubjectRef, f.records)
	unknownTotal := sumUnknown(aggs)

	meta := store.BatchMetadata{
		SubjectRef:          req.SubjectRef,
		SubjectRefVersion:   req.SubjectRefVersion,
		Source:              req.Source,
		IdempotencyKey:      idemKey,
		ContentHash:         batch.ContentHash,
		FilenameHash:        HashFilename(req.Filename),
		FileExt:             fileExt(req.Filename),
		RowsAccepted:        len(f.records),
		RowsRejected:        f.rejected,
		RejectionBreakdown:  breakdownForPort(f.breakdown),
		AcceptedPartialRows: f.partials,
		DeclaredRange:       rangePtrForPort(declared),
		InferredRange:       rangeForPort(inferred),
		CCTUnknownRate:      unknownRate(unknownTotal, len(f.records)),
		PayerTokenPresent:   f.payerToken,
		PolicyVersion:       o.cfg.PolicyVersion,
	}
	batchID, err := o.commit(ctx, meta, aggs)
	if err != nil {
		return nil, err
	}

	return &IngestResult{
		Status:              statusIngested,
		BatchID:             batchID,
		SubjectRef:          req.SubjectRef,
		SubjectRefVersion:   req.SubjectRefVersion,
		Source:              req.Source,
		FilenameHash:        meta.FilenameHash,
		FileExt:             meta.FileExt,
		ContentHash:         batch.ContentHash,
		IdempotencyKey:      idemKey,
		RowsAccepted:        len(f.records),
		RowsRejected:        f.rejected,
		RejectionBreakdown:  f.breakdown,
		AcceptedPartialRows: f.partials,
		DeclaredRange:       declared,
		InferredRange:       inferred,
		DailyAggregateDays:  len(aggs),
		DailyControlDays:    len(aggs),
		CCTUnknownRate:      meta.CCTUnknownRate,
		PayerTokenPresent:   f.payerToken,
		PolicyVersion:       o.cfg.PolicyVersion,
	}, nil
}

// IngestFeed runs one event-feed batch end to end.
func (o *Orchestrator) IngestFeed(ctx context.Context, req FeedRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.SubjectRef) == "" || strings.TrimSpace(req.Source) == "" {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "subject_ref and source are required")
	}
	declared, err := ParseDeclaredRange(req.InputStartDate, req.InputEndDate)
	if err != nil {
		return nil, err
	}

	var watermark time.Time
	haveWatermark := strings.TrimSpace(req.WatermarkTS) != ""
	if haveWatermark {
		watermark, err = parseEventTS(req.WatermarkTS)
		if err != nil {
			return nil, batcherr(BATCH_ERR_BAD_REQUEST, "unparseable watermark_ts")
		}
	} else if !(o.cfg.AllowMissingWatermark && req.AllowMissingWatermark) {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, "watermark_ts is required")
	}

	batch, err := ParseFeed(req.Events)
	if err != nil {
		return nil, err
	}

	f := o.runRowStages(req.SubjectRef, batch.Rows, batch.PresentOptional[FieldRecordStatus])
	if err := o.guardrails(&f); err != nil {
		return nil, err
	}

	inferred := InferRange(f.records)
	if err := CheckDeclaredRange(declared, inferred); err != nil {
		return nil, err
	}
	if !haveWatermark {
		watermark = maxEventTS(f.records)
	}
	idemKey := FeedIdempotencyKey(req.SubjectRef, req.Source, watermark, declared, inferred, batch.EventCount, batch.ContentHash)

	aggs := AggregateDaily(&o.cfg, req.SubjectRef, f.records)
	unknownTotal := sumUnknown(aggs)

	meta := store.BatchMetadata{
		SubjectRef:          req.SubjectRef,
		SubjectRefVersion:   req.SubjectRefVersion,
		Source:              req.Source,
		IdempotencyKey:      idemKey,
		ContentHash:         batch.ContentHash,
		RowsAccepted:        len(f.records),
		RowsRejected:        f.rejected,
		RejectionBreakdown:  breakdownForPort(f.breakdown),
		AcceptedPartialRows: f.partials,
		DeclaredRange:       rangePtrForPort(declared),
		InferredRange:       rangeForPort(inferred),
		CCTUnknownRate:      unknownRate(unknownTotal, len(f.records)),
		PayerTokenPresent:   f.payerToken,
		PolicyVersion:       o.cfg.PolicyVersion,
	}
	batchID, err := o.commit(ctx, meta, aggs)
	if err != nil {
		return nil, err
	}

	return &IngestResult{
		Status:              statusIngested,
		BatchID:             batchID,
		SubjectRef:          req.SubjectRef,
		SubjectRefVersion:   req.SubjectRefVersion,
		Source:              req.Source,
		ContentHash:         batch.ContentHash,
		IdempotencyKey:      idemKey,
		RowsAccepted:        len(f.records),
		RowsRejected:        f.rejected,
		RejectionBreakdown:  f.breakdown,
		AcceptedPartialRows: f.partials,
		DeclaredRange:       declared,
		InferredRange:       inferred,
		WatermarkTS:         watermark.Format(timeLayoutRFC3339),
		DailyAggregateDays:  len(aggs),
		DailyControlDays:    len(aggs),
		CCTUnknownRate:      meta.CCTUnknownRate,
		PayerTokenPresent:   f.payerToken,
		PolicyVersion:       o.cfg.PolicyVersion,
	}, nil
}

func sumUnknown(aggs []store.DailyAggregate) int {
	total := 0
	for i := range aggs {
		total += int(aggs[i].UnknownCCTCount)
	}
	return total
}

func unknownRate(unknown, accepted int) float64 {
	if accepted < 1 {
		accepted = 1
	}
	return float64(unknown) / float64(accepted)
}

func maxEventTS(records []CanonicalRecord) time.Time {
	maxTS := records[0].EventTS
	for i := 1; i < len(records); i++ {
		if records[i].EventTS.After(maxTS) {
			maxTS = records[i].EventTS
		}
	}
	return maxTS
}

func fileExt(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToLower(filepath.Ext(name))
}
