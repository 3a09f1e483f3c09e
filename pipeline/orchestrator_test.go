package pipeline

import (
	"context"
	"errors"
	"testing"

	"cashctl.dev/ingest/store"
)

func newTestOrchestrator(cfg Config) (*Orchestrator, *store.Memory) {
	mem := store.NewMemory()
	return NewOrchestrator(cfg, mem), mem
}

func happyPathCSV() []byte {
	return csvBytes(
		"merchant_id,ts,amount,direction,channel",
		"MRC-001,2025-11-05T09:01:00+05:30,120.50,credit,UPI",
		"MRC-001,2025-11-05T12:45:10+05:30,80.00,debit,BANK",
	)
}

func TestIngestTabular_HappyPath(t *testing.T) {
	orch, mem := newTestOrchestrator(DefaultConfig())
	res, err := orch.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "SUBJ-1",
		Source:     "bank_a",
		Filename:   "statement_nov.csv",
		Raw:        happyPathCSV(),
	})
	if err != nil {
		t.Fatalf("IngestTabular: %v", err)
	}

	if res.Status != "INGESTED_DERIVED_ONLY" {
		t.Fatalf("status: got %q", res.Status)
	}
	if res.BatchID == "" || res.IdempotencyKey == "" || res.ContentHash == "" {
		t.Fatalf("missing identifiers: %+v", res)
	}
	if res.RowsAccepted != 2 || res.RowsRejected != 0 {
		t.Fatalf("counts: got %d/%d", res.RowsAccepted, res.RowsRejected)
	}
	if res.InferredRange.Start != "2025-11-05" || res.InferredRange.End != "2025-11-05" {
		t.Fatalf("inferred range: %+v", res.InferredRange)
	}
	if res.DailyAggregateDays != 1 || res.DailyControlDays != 1 {
		t.Fatalf("days: %d/%d", res.DailyAggregateDays, res.DailyControlDays)
	}
	// The bank debit only reaches a 0.60 heuristic: one UNKNOWN of two rows.
	if !approxEqual(res.CCTUnknownRate, 0.5) {
		t.Fatalf("unknown rate: got %v", res.CCTUnknownRate)
	}
	if res.FilenameHash == "" || len(res.FilenameHash) != 64 || res.FileExt != ".csv" {
		t.Fatalf("filename digest: %q %q", res.FilenameHash, res.FileExt)
	}
	if res.PolicyVersion != DefaultPolicyVersion {
		t.Fatalf("policy version: %q", res.PolicyVersion)
	}

	agg, ok := mem.Daily("SUBJ-1", "2025-11-05")
	if !ok {
		t.Fatalf("daily aggregate not stored")
	}
	if agg.BucketCounts["FREE_IN"] != 1 || agg.BucketCounts["UNKNOWN_OUT"] != 1 {
		t.Fatalf("buckets: %+v", agg.BucketCounts)
	}
	if !agg.InflowSum.Equal(mustDecimal(t, "120.50")) || !agg.OutflowSum.Equal(mustDecimal(t, "80.00")) {
		t.Fatalf("flows: %s / %s", agg.InflowSum, agg.OutflowSum)
	}

	batches := mem.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches stored: %d", len(batches))
	}
	meta := batches[0]
	if meta.IdempotencyKey != res.IdempotencyKey || meta.ContentHash != res.ContentHash {
		t.Fatalf("metadata mismatch: %+v", meta)
	}
	if meta.FilenameHash == "statement_nov.csv" {
		t.Fatalf("raw filename persisted")
	}
}

func TestIngestTabular_DuplicateBatch(t *testing.T) {
	orch, mem := newTestOrchestrator(DefaultConfig())
	req := TabularRequest{SubjectRef: "SUBJ-1", Source: "bank_a", Raw: happyPathCSV()}

	if _, err := orch.IngestTabular(context.Background(), req); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := orch.IngestTabular(context.Background(), req)
	be, ok := AsBatchError(err)
	if !ok || be.Code != BATCH_ERR_ALREADY_INGESTED {
		t.Fatalf("second ingest: got %v", err)
	}

	// Stored derivations unchanged: no double merge.
	if mem.DailyCount() != 1 {
		t.Fatalf("daily rows: %d", mem.DailyCount())
	}
	agg, _ := mem.Daily("SUBJ-1", "2025-11-05")
	if agg.BucketCounts["FREE_IN"] != 1 {
		t.Fatalf("duplicate mutated aggregate: %+v", agg.BucketCounts)
	}
}

func TestIngestTabular_ValidationMix(t *testing.T) {
	lines := []string{"merchant_id,ts,amount,direction,channel"}
	for i := 0; i < 6; i++ {
		lines = append(lines, "MRC,2025-11-05T09:00:00Z,100,credit,UPI")
	}
	lines = append(lines,
		"MRC,2025-11-05T09:00:00Z,0,credit,UPI",
		"MRC,2025-11-05T09:00:00Z,0,credit,UPI",
		"MRC,2025-11-05T09:00:00Z,100,sideways,UPI",
		"MRC,not-a-date,100,credit,UPI",
	)

	orch, _ := newTestOrchestrator(DefaultConfig())
	res, err := orch.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "SUBJ-1", Source: "bank_a", Raw: csvBytes(lines...),
	})
	if err != nil {
		t.Fatalf("IngestTabular: %v", err)
	}
	if res.RowsAccepted != 6 || res.RowsRejected != 4 {
		t.Fatalf("counts: %d/%d", res.RowsAccepted, res.RowsRejected)
	}
	want := map[RejectionReason]int{
		RejectInvalidAmount:    2,
		RejectInvalidDirection: 1,
		RejectInvalidTS:        1,
	}
	for reason, n := range want {
		if res.RejectionBreakdown[reason] != n {
			t.Fatalf("breakdown[%s]: got %d want %d", reason, res.RejectionBreakdown[reason], n)
		}
	}
	if len(res.RejectionBreakdown) != len(want) {
		t.Fatalf("breakdown: %+v", res.RejectionBreakdown)
	}
}

func TestIngestTabular_StatusGate(t *testing.T) {
	raw := csvBytes(
		"merchant_id,ts,amount,direction,channel,record_status",
		"MRC,2025-11-05T09:00:00Z,10,credit,UPI,SUCCESS",
		"MRC,2025-11-05T09:01:00Z,10,credit,UPI,success",
		"MRC,2025-11-05T09:02:00Z,10,credit,UPI,SUCCESS",
		"MRC,2025-11-05T09:03:00Z,10,credit,UPI,failed-timeout",
		"MRC,2025-11-05T09:04:00Z,10,credit,UPI,PARTIAL_SOMETHING",
	)
	orch, _ := newTestOrchestrator(DefaultConfig())
	res, err := orch.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "SUBJ-1", Source: "bank_a", Raw: raw,
	})
	if err != nil {
		t.Fatalf("IngestTabular: %v", err)
	}
	if res.RowsAccepted != 3 || res.RowsRejected != 2 {
		t.Fatalf("counts: %d/%d", res.RowsAccepted, res.RowsRejected)
	}
	if res.RejectionBreakdown[RejectFailedTimeout] != 1 || res.RejectionBreakdown[RejectUnknownStatus] != 1 {
		t.Fatalf("breakdown: %+v", res.RejectionBreakdown)
	}
}

func TestIngestTabular_PartialRows(t *testing.T) {
	raw := csvBytes(
		"merchant_id,ts,amount,direction,channel,partial_record",
		"MRC,2025-11-05T09:00:00Z,10,credit,UPI,true",
		"MRC,2025-11-05T09:01:00Z,10,credit,UPI,1",
		"MRC,2025-11-05T09:02:00Z,10,credit,UPI,false",
		"MRC,2025-11-05T09:03:00Z,10,credit,UPI,",
	)
	orch, mem := newTestOrchestrator(DefaultConfig())
	res, err := orch.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "SUBJ-1", Source: "bank_a", Raw: raw,
	})
	if err != nil {
		t.Fatalf("IngestTabular: %v", err)
	}
	if res.RowsAccepted != 4 || res.AcceptedPartialRows != 2 {
		t.Fatalf("counts: accepted=%d partial=%d", res.RowsAccepted, res.AcceptedPartialRows)
	}
	agg, _ := mem.Daily("SUBJ-1", "2025-11-05")
	if agg.AcceptedPartialRows != 2 {
		t.Fatalf("stored partial rows: %d", agg.AcceptedPartialRows)
	}
}

func TestIngestTabular_DeclaredRangeViolation(t *testing.T) {
	raw := csvBytes(
		"merchant_id,ts,amount,direction,channel",
		"MRC,2025-11-06T09:00:00Z,10,credit,UPI",
	)
	orch, mem := newTestOrchestrator(DefaultConfig())
	_, err := orch.IngestTabular(context.Background(), TabularRequest{
		SubjectRef:     "SUBJ-1",
		Source:         "bank_a",
		InputStartDate: "2025-11-01",
		InputEndDate:   "2025-11-05",
		Raw:            raw,
	})
	be, ok := AsBatchError(err)
	if !ok || be.Code != BATCH_ERR_DECLARED_RANGE {
		t.Fatalf("got %v", err)
	}
	if len(mem.Batches()) != 0 || mem.DailyCount() != 0 {
		t.Fatalf("rejected batch left persisted state")
	}
}

func TestIngestTabular_BatchGuardrails(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		orch, _ := newTestOrchestrator(DefaultConfig())
		_, err := orch.IngestTabular(context.Background(), TabularRequest{
			SubjectRef: "SUBJ-1", Source: "bank_a", Raw: nil,
		})
		be, ok := AsBatchError(err)
		if !ok || be.Code != BATCH_ERR_EMPTY {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("header only", func(t *testing.T) {
		orch, _ := newTestOrchestrator(DefaultConfig())
		_, err := orch.IngestTabular(context.Background(), TabularRequest{
			SubjectRef: "SUBJ-1", Source: "bank_a",
			Raw: csvBytes("merchant_id,ts,amount,direction,channel"),
		})
		be, ok := AsBatchError(err)
		if !ok || be.Code != BATCH_ERR_EMPTY {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("no valid rows", func(t *testing.T) {
		orch, mem := newTestOrchestrator(DefaultConfig())
		_, err := orch.IngestTabular(context.Background(), TabularRequest{
			SubjectRef: "SUBJ-1", Source: "bank_a",
			Raw: csvBytes(
				"merchant_id,ts,amount,direction,channel",
				"MRC,bad-ts,10,credit,UPI",
				"MRC,2025-11-05T09:00:00Z,-1,credit,UPI",
			),
		})
		be, ok := AsBatchError(err)
		if !ok || be.Code != BATCH_ERR_NO_VALID_ROWS {
			t.Fatalf("got %v", err)
		}
		if be.RowsRejected != 2 || be.RejectionBreakdown[RejectInvalidTS] != 1 {
			t.Fatalf("counts: %+v", be)
		}
		if len(mem.Batches()) != 0 {
			t.Fatalf("rejected batch persisted")
		}
	})

	t.Run("missing subject or source", func(t *testing.T) {
		orch, _ := newTestOrchestrator(DefaultConfig())
		for _, req := range []TabularRequest{
			{Source: "bank_a", Raw: happyPathCSV()},
			{SubjectRef: "SUBJ-1", Raw: happyPathCSV()},
		} {
			_, err := orch.IngestTabular(context.Background(), req)
			be, ok := AsBatchError(err)
			if !ok || be.Code != BATCH_ERR_BAD_REQUEST {
				t.Fatalf("got %v", err)
			}
		}
	})
}

func TestIngestTabular_AcceptRatio(t *testing.T) {
	// 2 valid rows of 10.
	lines := []string{"merchant_id,ts,amount,direction,channel"}
	lines = append(lines,
		"MRC,2025-11-05T09:00:00Z,10,credit,UPI",
		"MRC,2025-11-05T09:01:00Z,10,credit,UPI",
	)
	for i := 0; i < 8; i++ {
		lines = append(lines, "MRC,bad-ts,10,credit,UPI")
	}
	raw := csvBytes(lines...)

	lenient := DefaultConfig()
	orch, _ := newTestOrchestrator(lenient)
	res, err := orch.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "SUBJ-1", Source: "bank_a", Raw: raw,
	})
	if err != nil {
		t.Fatalf("lenient ingest: %v", err)
	}
	if res.RowsAccepted != 2 {
		t.Fatalf("accepted: %d", res.RowsAccepted)
	}

	strict := DefaultConfig()
	strict.MinAcceptRatio = 0.5
	orchStrict, memStrict := newTestOrchestrator(strict)
	_, err = orchStrict.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "SUBJ-1", Source: "bank_a", Raw: raw,
	})
	be, ok := AsBatchError(err)
	if !ok || be.Code != BATCH_ERR_LOW_ACCEPT_RATIO {
		t.Fatalf("strict ingest: got %v", err)
	}
	if be.RowsAccepted != 2 || be.RowsRejected != 8 {
		t.Fatalf("counts: %+v", be)
	}
	if len(memStrict.Batches()) != 0 {
		t.Fatalf("rejected batch persisted")
	}

	// Raising the floor can only shrink what commits, never grow it.
	if res.RowsAccepted < be.RowsAccepted {
		t.Fatalf("acceptance not monotone: %d < %d", res.RowsAccepted, be.RowsAccepted)
	}
}

func TestIngestTabular_Cancelled(t *testing.T) {
	orch, mem := newTestOrchestrator(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.IngestTabular(ctx, TabularRequest{
		SubjectRef: "SUBJ-1", Source: "bank_a", Raw: happyPathCSV(),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if len(mem.Batches()) != 0 || mem.DailyCount() != 0 {
		t.Fatalf("cancelled batch persisted")
	}
}

func feedEvents(t *testing.T) []FeedEvent {
	t.Helper()
	return decodeEvents(t, `[
		{"merchant_id": "MRC", "ts": "2025-11-05T09:00:00Z", "amount": "120.50", "direction": "credit", "channel": "UPI"},
		{"merchant_id": "MRC", "ts": "2025-11-05T12:00:00Z", "amount": "80.00", "direction": "debit", "channel": "BANK"}
	]`)
}

func TestIngestFeed_HappyPath(t *testing.T) {
	orch, mem := newTestOrchestrator(DefaultConfig())
	res, err := orch.IngestFeed(context.Background(), FeedRequest{
		SubjectRef:  "SUBJ-1",
		Source:      "psp_x",
		WatermarkTS: "2025-11-05T13:00:00Z",
		Events:      feedEvents(t),
	})
	if err != nil {
		t.Fatalf("IngestFeed: %v", err)
	}
	if res.RowsAccepted != 2 || res.WatermarkTS != "2025-11-05T13:00:00Z" {
		t.Fatalf("got %+v", res)
	}
	if res.FilenameHash != "" || res.FileExt != "" {
		t.Fatalf("feed result carries file fields: %+v", res)
	}
	if _, ok := mem.Daily("SUBJ-1", "2025-11-05"); !ok {
		t.Fatalf("daily aggregate not stored")
	}
}

func TestIngestFeed_WatermarkRequired(t *testing.T) {
	orch, _ := newTestOrchestrator(DefaultConfig())
	_, err := orch.IngestFeed(context.Background(), FeedRequest{
		SubjectRef: "SUBJ-1", Source: "psp_x", Events: feedEvents(t),
		AllowMissingWatermark: true, // request alone is not enough
	})
	be, ok := AsBatchError(err)
	if !ok || be.Code != BATCH_ERR_BAD_REQUEST {
		t.Fatalf("got %v", err)
	}
}

func TestIngestFeed_WatermarkFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowMissingWatermark = true
	orch, _ := newTestOrchestrator(cfg)

	res, err := orch.IngestFeed(context.Background(), FeedRequest{
		SubjectRef: "SUBJ-1", Source: "psp_x", Events: feedEvents(t),
		AllowMissingWatermark: true,
	})
	if err != nil {
		t.Fatalf("IngestFeed: %v", err)
	}
	// Falls back to the max event timestamp.
	if res.WatermarkTS != "2025-11-05T12:00:00Z" {
		t.Fatalf("watermark: got %q", res.WatermarkTS)
	}
}

func TestIngestFeed_DuplicateByWatermark(t *testing.T) {
	orch, _ := newTestOrchestrator(DefaultConfig())
	base := FeedRequest{
		SubjectRef:  "SUBJ-1",
		Source:      "psp_x",
		WatermarkTS: "2025-11-05T13:00:00Z",
		Events:      feedEvents(t),
	}

	if _, err := orch.IngestFeed(context.Background(), base); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := orch.IngestFeed(context.Background(), base)
	be, ok := AsBatchError(err)
	if !ok || be.Code != BATCH_ERR_ALREADY_INGESTED {
		t.Fatalf("replay: got %v", err)
	}

	// A later watermark is a new batch even with identical events.
	advanced := base
	advanced.WatermarkTS = "2025-11-05T14:00:00Z"
	if _, err := orch.IngestFeed(context.Background(), advanced); err != nil {
		t.Fatalf("advanced watermark: %v", err)
	}
}

func TestIngestTabular_AmbiguousRowCountsUnknown(t *testing.T) {
	raw := csvBytes(
		"merchant_id,ts,amount,direction,channel,raw_category,raw_narration",
		"MRC,2025-11-05T09:00:00Z,500,credit,BANK,insurance claim,settle",
	)
	orch, mem := newTestOrchestrator(DefaultConfig())
	res, err := orch.IngestTabular(context.Background(), TabularRequest{
		SubjectRef: "SUBJ-1", Source: "bank_a", Raw: raw,
	})
	if err != nil {
		t.Fatalf("IngestTabular: %v", err)
	}
	if !approxEqual(res.CCTUnknownRate, 1.0) {
		t.Fatalf("unknown rate: got %v", res.CCTUnknownRate)
	}
	agg, _ := mem.Daily("SUBJ-1", "2025-11-05")
	if agg.BucketCounts["UNKNOWN_IN"] != 1 {
		t.Fatalf("buckets: %+v", agg.BucketCounts)
	}
}
