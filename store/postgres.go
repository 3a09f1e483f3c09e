package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres is the relational backend. Duplicate rejection rides on the
// unique index over idempotency_key. Daily merges run read-modify-write in
// Go under a per-(subject_ref, day) advisory lock: FOR UPDATE alone cannot
// serialize two batches inserting the same row for the first time.
//
// Additive-merge note: like the other backends, no distinct-payer sketch is
// kept; a merged unique_payers_count is an upper bound.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

// OpenPostgres connects and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ingest_batches (
    batch_id              TEXT PRIMARY KEY,
    idempotency_key       TEXT NOT NULL UNIQUE,
    subject_ref           TEXT NOT NULL,
    subject_ref_version   TEXT,
    source                TEXT NOT NULL,
    content_hash          TEXT NOT NULL,
    filename_hash         TEXT,
    file_ext              TEXT,
    rows_accepted         BIGINT NOT NULL,
    rows_rejected         BIGINT NOT NULL,
    rejection_breakdown   JSONB NOT NULL,
    accepted_partial_rows BIGINT NOT NULL,
    declared_start        DATE,
    declared_end          DATE,
    inferred_start        DATE NOT NULL,
    inferred_end          DATE NOT NULL,
    cct_unknown_rate      DOUBLE PRECISION NOT NULL,
    payer_token_present   BOOLEAN NOT NULL,
    policy_version        TEXT NOT NULL,
    committed_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingest_daily_aggregates (
    subject_ref            TEXT NOT NULL,
    day                    DATE NOT NULL,
    inflow_sum             NUMERIC(18,2) NOT NULL,
    outflow_sum            NUMERIC(18,2) NOT NULL,
    bucket_counts          JSONB NOT NULL,
    bucket_sums            JSONB NOT NULL,
    free_cash_net          NUMERIC(18,2) NOT NULL,
    owner_dependency_ratio DOUBLE PRECISION NOT NULL,
    pass_through_ratio     DOUBLE PRECISION NOT NULL,
    unknown_flow_ratio     DOUBLE PRECISION NOT NULL,
    unique_payers_count    BIGINT NOT NULL,
    accepted_partial_rows  BIGINT NOT NULL,
    unknown_cct_count      BIGINT NOT NULL,
    PRIMARY KEY (subject_ref, day)
);
`

func (s *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

func (s *Postgres) CommitBatch(ctx context.Context, meta BatchMetadata) (string, error) {
	batchID := uuid.NewString()
	breakdown, err := json.Marshal(meta.RejectionBreakdown)
	if err != nil {
		return "", fmt.Errorf("encode rejection breakdown: %w", err)
	}
	var declaredStart, declaredEnd *string
	if meta.DeclaredRange != nil {
		declaredStart = &meta.DeclaredRange.Start
		declaredEnd = &meta.DeclaredRange.End
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingest_batches (
			batch_id, idempotency_key, subject_ref, subject_ref_version, source,
			content_hash, filename_hash, file_ext, rows_accepted, rows_rejected,
			rejection_breakdown, accepted_partial_rows, declared_start, declared_end,
			inferred_start, inferred_end, cct_unknown_rate, payer_token_present,
			policy_version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		batchID, meta.IdempotencyKey, meta.SubjectRef, nullable(meta.SubjectRefVersion), meta.Source,
		meta.ContentHash, nullable(meta.FilenameHash), nullable(meta.FileExt), meta.RowsAccepted, meta.RowsRejected,
		breakdown, meta.AcceptedPartialRows, declaredStart, declaredEnd,
		meta.InferredRange.Start, meta.InferredRange.End, meta.CCTUnknownRate, meta.PayerTokenPresent,
		meta.PolicyVersion,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", ErrDuplicateBatch
		}
		return "", fmt.Errorf("insert batch: %w", err)
	}
	return batchID, nil
}

func (s *Postgres) CommitDailyAggregates(ctx context.Context, batchID string, aggs []DailyAggregate) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, agg := range aggs {
		counts, err := json.Marshal(agg.BucketCounts)
		if err != nil {
			return fmt.Errorf("encode bucket counts: %w", err)
		}
		sums, err := json.Marshal(agg.BucketSums)
		if err != nil {
			return fmt.Errorf("encode bucket sums: %w", err)
		}
		// Without this lock, two batches writing the same day for the first
		// time would both read no row, both skip the merge, and the later
		// commit would overwrite the earlier one. The advisory lock holds
		// until commit, so the second reader sees the first writer's row.
		// Days arrive sorted ascending, which keeps lock order consistent
		// across batches for one subject. Merge math stays in Go (mergeDaily)
		// so the three backends cannot drift.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, dailyLockID(agg.SubjectRef, agg.Day)); err != nil {
			return fmt.Errorf("lock daily aggregate: %w", err)
		}
		var stored DailyAggregate
		var found bool
		row := tx.QueryRow(ctx, `
			SELECT inflow_sum::text, outflow_sum::text, bucket_counts, bucket_sums,
			       unique_payers_count, accepted_partial_rows, unknown_cct_count
			FROM ingest_daily_aggregates
			WHERE subject_ref = $1 AND day = $2
			FOR UPDATE`, agg.SubjectRef, agg.Day)
		var inflow, outflow string
		var storedCounts, storedSums []byte
		scanErr := row.Scan(&inflow, &outflow, &storedCounts, &storedSums,
			&stored.UniquePayersCount, &stored.AcceptedPartialRows, &stored.UnknownCCTCount)
		switch {
		case scanErr == nil:
			found = true
			stored.SubjectRef = agg.SubjectRef
			stored.Day = agg.Day
			if err := decodeDecimalText(inflow, &stored.InflowSum); err != nil {
				return err
			}
			if err := decodeDecimalText(outflow, &stored.OutflowSum); err != nil {
				return err
			}
			if err := json.Unmarshal(storedCounts, &stored.BucketCounts); err != nil {
				return fmt.Errorf("decode bucket counts: %w", err)
			}
			if err := json.Unmarshal(storedSums, &stored.BucketSums); err != nil {
				return fmt.Errorf("decode bucket sums: %w", err)
			}
		case errors.Is(scanErr, pgx.ErrNoRows):
		default:
			return fmt.Errorf("read daily aggregate: %w", scanErr)
		}
		if found {
			agg = mergeDaily(stored, agg)
			counts, err = json.Marshal(agg.BucketCounts)
			if err != nil {
				return fmt.Errorf("encode bucket counts: %w", err)
			}
			sums, err = json.Marshal(agg.BucketSums)
			if err != nil {
				return fmt.Errorf("encode bucket sums: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ingest_daily_aggregates (
				subject_ref, day, inflow_sum, outflow_sum, bucket_counts, bucket_sums,
				free_cash_net, owner_dependency_ratio, pass_through_ratio,
				unknown_flow_ratio, unique_payers_count, accepted_partial_rows,
				unknown_cct_count
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (subject_ref, day) DO UPDATE SET
				inflow_sum = EXCLUDED.inflow_sum,
				outflow_sum = EXCLUDED.outflow_sum,
				bucket_counts = EXCLUDED.bucket_counts,
				bucket_sums = EXCLUDED.bucket_sums,
				free_cash_net = EXCLUDED.free_cash_net,
				owner_dependency_ratio = EXCLUDED.owner_dependency_ratio,
				pass_through_ratio = EXCLUDED.pass_through_ratio,
				unknown_flow_ratio = EXCLUDED.unknown_flow_ratio,
				unique_payers_count = EXCLUDED.unique_payers_count,
				accepted_partial_rows = EXCLUDED.accepted_partial_rows,
				unknown_cct_count = EXCLUDED.unknown_cct_count`,
			agg.SubjectRef, agg.Day, agg.InflowSum, agg.OutflowSum, counts, sums,
			agg.FreeCashNet, agg.OwnerDependencyRatio, agg.PassThroughRatio,
			agg.UnknownFlowRatio, agg.UniquePayersCount, agg.AcceptedPartialRows,
			agg.UnknownCCTCount,
		)
		if err != nil {
			return fmt.Errorf("upsert daily aggregate: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// dailyLockID derives the advisory-lock key for one (subject_ref, day) row.
// Computed in Go so the key derivation is deterministic and testable.
func dailyLockID(subjectRef, day string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(subjectRef))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(day))
	return int64(h.Sum64())
}

func decodeDecimalText(raw string, out *decimal.Decimal) error {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("decode numeric %q: %w", raw, err)
	}
	*out = d
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
