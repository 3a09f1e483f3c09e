// Package store defines the storage port for the ingestion boundary and its
// backends. Only two kinds of records may ever be persisted: BatchMetadata
// and DailyAggregate. Both are derived values; no raw row content, token,
// narration, or filename is representable here.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrDuplicateBatch is returned by CommitBatch when the idempotency key has
// already committed. The port is the serialization point: of two concurrent
// batches sharing a key, exactly one commits.
var ErrDuplicateBatch = errors.New("DUPLICATE_BATCH")

// DateRange is a closed ISO calendar-date interval.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BatchMetadata is the persisted record of one committed batch.
type BatchMetadata struct {
	SubjectRef          string         `json:"subject_ref"`
	SubjectRefVersion   string         `json:"subject_ref_version,omitempty"`
	Source              string         `json:"source"`
	IdempotencyKey      string         `json:"idempotency_key"`
	ContentHash         string         `json:"content_hash"`
	FilenameHash        string         `json:"filename_hash,omitempty"`
	FileExt             string         `json:"file_ext,omitempty"`
	RowsAccepted        int            `json:"rows_accepted"`
	RowsRejected        int            `json:"rows_rejected"`
	RejectionBreakdown  map[string]int `json:"rejection_breakdown"`
	AcceptedPartialRows int            `json:"accepted_partial_rows"`
	DeclaredRange       *DateRange     `json:"declared_range,omitempty"`
	InferredRange       DateRange      `json:"inferred_range"`
	CCTUnknownRate      float64        `json:"cct_unknown_rate"`
	PayerTokenPresent   bool           `json:"payer_token_present"`
	PolicyVersion       string         `json:"policy_version"`
}

// DailyAggregate is the persisted per-day derivation, keyed by
// (subject_ref, day). BucketCounts/BucketSums carry all twelve
// {CCT}_{IN|OUT} entries.
type DailyAggregate struct {
	SubjectRef string `json:"subject_ref"`
	Day        string `json:"day"`

	InflowSum  decimal.Decimal `json:"inflow_sum"`
	OutflowSum decimal.Decimal `json:"outflow_sum"`

	BucketCounts map[string]int64           `json:"bucket_counts"`
	BucketSums   map[string]decimal.Decimal `json:"bucket_sums"`

	FreeCashNet          decimal.Decimal `json:"free_cash_net"`
	OwnerDependencyRatio float64         `json:"owner_dependency_ratio"`
	PassThroughRatio     float64         `json:"pass_through_ratio"`
	UnknownFlowRatio     float64         `json:"unknown_flow_ratio"`

	UniquePayersCount   int64 `json:"unique_payers_count"`
	AcceptedPartialRows int64 `json:"accepted_partial_rows"`
	UnknownCCTCount     int64 `json:"unknown_cct_count"`
}

// Port is the storage contract. Implementations own their connection/lock
// discipline and must be safe for concurrent batches.
//
// CommitBatch checks idempotency-key uniqueness atomically and assigns a
// stable batch ID, or returns ErrDuplicateBatch.
//
// CommitDailyAggregates upserts by (subject_ref, day). The conflict policy
// for repeated days is additive merge: sums and counts add. Merged
// unique_payers_count is an upper bound unless a backend keeps a distinct
// sketch; none of the bundled backends does (documented per backend).
type Port interface {
	CommitBatch(ctx context.Context, meta BatchMetadata) (string, error)
	CommitDailyAggregates(ctx context.Context, batchID string, aggs []DailyAggregate) error
}

// PersistedBatchFields and PersistedDailyFields are the exhaustive field
// allow-lists for the two record kinds. Backends and the no-raw-storage
// property test verify persisted field names against them.
var PersistedBatchFields = []string{
	"subject_ref", "subject_ref_version", "source", "idempotency_key",
	"content_hash", "filename_hash", "file_ext", "rows_accepted",
	"rows_rejected", "rejection_breakdown", "accepted_partial_rows",
	"declared_range", "inferred_range", "cct_unknown_rate",
	"payer_token_present", "policy_version",
}

var PersistedDailyFields = []string{
	"subject_ref", "day", "inflow_sum", "outflow_sum", "bucket_counts",
	"bucket_sums", "free_cash_net", "owner_dependency_ratio",
	"pass_through_ratio", "unknown_flow_ratio", "unique_payers_count",
	"accepted_partial_rows", "unknown_cct_count",
}

// mergeDaily folds next into base additively. Shared by every backend so
// repeated days behave identically across them.
func mergeDaily(base, next DailyAggregate) DailyAggregate {
	out := base
	out.InflowSum = base.InflowSum.Add(next.InflowSum)
	out.OutflowSum = base.OutflowSum.Add(next.OutflowSum)

	out.BucketCounts = make(map[string]int64, len(base.BucketCounts))
	for k, v := range base.BucketCounts {
		out.BucketCounts[k] = v
	}
	for k, v := range next.BucketCounts {
		out.BucketCounts[k] += v
	}
	out.BucketSums = make(map[string]decimal.Decimal, len(base.BucketSums))
	for k, v := range base.BucketSums {
		out.BucketSums[k] = v
	}
	for k, v := range next.BucketSums {
		out.BucketSums[k] = out.BucketSums[k].Add(v)
	}

	out.FreeCashNet = out.BucketSums["FREE_IN"].Sub(out.BucketSums["FREE_OUT"])
	out.OwnerDependencyRatio = ratio(out.BucketSums["ARTIFICIAL_IN"], totalSuffix(out.BucketSums, "_IN"))
	totalFlow := totalSuffix(out.BucketSums, "_IN").Add(totalSuffix(out.BucketSums, "_OUT"))
	out.PassThroughRatio = ratio(out.BucketSums["PASS_THROUGH_IN"].Add(out.BucketSums["PASS_THROUGH_OUT"]), totalFlow)
	out.UnknownFlowRatio = ratio(out.BucketSums["UNKNOWN_IN"].Add(out.BucketSums["UNKNOWN_OUT"]), totalFlow)

	// Upper bound: distinct sets are discarded at aggregation time, so a
	// merge can only add the cardinalities.
	out.UniquePayersCount = base.UniquePayersCount + next.UniquePayersCount
	out.AcceptedPartialRows = base.AcceptedPartialRows + next.AcceptedPartialRows
	out.UnknownCCTCount = base.UnknownCCTCount + next.UnknownCCTCount
	return out
}

const ratioEpsilon = 1e-9

func ratio(num, den decimal.Decimal) float64 {
	d := den.InexactFloat64()
	if d < ratioEpsilon {
		d = ratioEpsilon
	}
	v := num.InexactFloat64() / d
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func totalSuffix(sums map[string]decimal.Decimal, suffix string) decimal.Decimal {
	total := decimal.Zero
	for k, v := range sums {
		if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
			total = total.Add(v)
		}
	}
	return total
}
