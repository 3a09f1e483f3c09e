package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBatchesByKey = []byte("batches_by_idem_key")
	bucketBatchIDs     = []byte("batch_id_by_idem_key")
	bucketDaily        = []byte("daily_by_subject_day")
)

// Bolt is the embedded durable backend. One file, one writer; bbolt's
// single Update transaction is the duplicate-rejection serialization point.
//
// Additive-merge note: no distinct-payer sketch is kept, so a merged
// unique_payers_count is an upper bound.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the aggregate store under dataDir.
func OpenBolt(dataDir string) (*Bolt, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "aggregates.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	s := &Bolt{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBatchesByKey, bucketBatchIDs, bucketDaily} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Bolt) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Bolt) CommitBatch(ctx context.Context, meta BatchMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	batchID := uuid.NewString()
	err := s.db.Update(func(tx *bolt.Tx) error {
		keyBytes := []byte(meta.IdempotencyKey)
		if tx.Bucket(bucketBatchesByKey).Get(keyBytes) != nil {
			return ErrDuplicateBatch
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode batch metadata: %w", err)
		}
		if err := tx.Bucket(bucketBatchesByKey).Put(keyBytes, encoded); err != nil {
			return err
		}
		return tx.Bucket(bucketBatchIDs).Put(keyBytes, []byte(batchID))
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

func dailyKey(subjectRef, day string) []byte {
	return []byte(subjectRef + "|" + day)
}

func (s *Bolt) CommitDailyAggregates(ctx context.Context, batchID string, aggs []DailyAggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDaily)
		for _, agg := range aggs {
			key := dailyKey(agg.SubjectRef, agg.Day)
			if existing := b.Get(key); existing != nil {
				var stored DailyAggregate
				if err := json.Unmarshal(existing, &stored); err != nil {
					return fmt.Errorf("decode stored aggregate: %w", err)
				}
				agg = mergeDaily(stored, agg)
			}
			encoded, err := json.Marshal(agg)
			if err != nil {
				return fmt.Errorf("encode aggregate: %w", err)
			}
			if err := b.Put(key, encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// Daily reads back the stored aggregate for (subjectRef, day), if present.
func (s *Bolt) Daily(subjectRef, day string) (DailyAggregate, bool, error) {
	var agg DailyAggregate
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDaily).Get(dailyKey(subjectRef, day))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &agg); err != nil {
			return fmt.Errorf("decode stored aggregate: %w", err)
		}
		found = true
		return nil
	})
	return agg, found, err
}

// BatchByKey reads back committed batch metadata by idempotency key.
func (s *Bolt) BatchByKey(idemKey string) (BatchMetadata, bool, error) {
	var meta BatchMetadata
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBatchesByKey).Get([]byte(idemKey))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &meta); err != nil {
			return fmt.Errorf("decode batch metadata: %w", err)
		}
		found = true
		return nil
	})
	return meta, found, err
}
