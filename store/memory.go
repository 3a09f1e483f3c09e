package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is the in-process backend. Test and development only: nothing
// survives a restart.
type Memory struct {
	mu       sync.Mutex
	batches  map[string]BatchMetadata  // idempotency_key -> metadata
	batchIDs map[string]string         // idempotency_key -> batch_id
	daily    map[string]DailyAggregate // subject_ref|day -> aggregate
}

func NewMemory() *Memory {
	return &Memory{
		batches:  make(map[string]BatchMetadata),
		batchIDs: make(map[string]string),
		daily:    make(map[string]DailyAggregate),
	}
}

func (m *Memory) CommitBatch(ctx context.Context, meta BatchMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.batches[meta.IdempotencyKey]; dup {
		return "", ErrDuplicateBatch
	}
	batchID := uuid.NewString()
	m.batches[meta.IdempotencyKey] = meta
	m.batchIDs[meta.IdempotencyKey] = batchID
	return batchID, nil
}

func (m *Memory) CommitDailyAggregates(ctx context.Context, batchID string, aggs []DailyAggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agg := range aggs {
		key := agg.SubjectRef + "|" + agg.Day
		if existing, ok := m.daily[key]; ok {
			m.daily[key] = mergeDaily(existing, agg)
			continue
		}
		m.daily[key] = agg
	}
	return nil
}

// Batches returns a copy of all committed batch metadata. Test helper.
func (m *Memory) Batches() []BatchMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BatchMetadata, 0, len(m.batches))
	for _, meta := range m.batches {
		out = append(out, meta)
	}
	return out
}

// Daily returns the stored aggregate for (subjectRef, day), if any. Test
// helper.
func (m *Memory) Daily(subjectRef, day string) (DailyAggregate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.daily[subjectRef+"|"+day]
	return agg, ok
}

// DailyCount reports the number of stored (subject, day) rows. Test helper.
func (m *Memory) DailyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.daily)
}
