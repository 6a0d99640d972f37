package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"marketscope/internal/logging"
)

type batchOp struct {
	collection string
	id         string
	data       string
}

// Batch accumulates document writes and commits them in sub-batches of at
// most BatchOpLimit operations. Sub-batches are committed sequentially, never
// in parallel, to bound in-flight writes and keep failure attribution
// unambiguous. The batch as a whole is NOT atomic: a failed sub-batch aborts
// the commit and earlier sub-batches stay committed. Callers retry the whole
// write with the same deterministic ids, so retries are idempotent.
type Batch struct {
	store   *Store
	ops     []batchOp
	opLimit int
}

// NewBatch creates a batch writer bound to the store.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, opLimit: BatchOpLimit}
}

// Set queues an upsert. The payload is sanitized immediately so a later
// mutation of doc by the caller does not change what is written.
func (b *Batch) Set(collection, id string, doc any) error {
	sanitized, err := SanitizeValue(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("batch marshal %s/%s: %w", collection, id, err)
	}
	b.ops = append(b.ops, batchOp{collection: collection, id: id, data: string(data)})
	return nil
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Commit writes all queued operations. Returns the number of sub-batches
// committed and the first error encountered.
func (b *Batch) Commit(ctx context.Context) (int, error) {
	if len(b.ops) == 0 {
		return 0, nil
	}

	timer := logging.StartTimer(logging.CategoryStore, "Batch.Commit")
	defer timer.Stop()

	committed := 0
	for start := 0; start < len(b.ops); start += b.opLimit {
		end := start + b.opLimit
		if end > len(b.ops) {
			end = len(b.ops)
		}
		if err := b.commitSub(ctx, b.ops[start:end]); err != nil {
			logging.Get(logging.CategoryStore).Error(
				"Batch sub-commit %d failed after %d committed: %v", committed, start, err)
			return committed, fmt.Errorf("batch sub-commit %d: %w", committed, err)
		}
		committed++
	}

	logging.StoreDebug("Batch committed: ops=%d sub_batches=%d", len(b.ops), committed)
	b.ops = nil
	return committed, nil
}

func (b *Batch) commitSub(ctx context.Context, ops []batchOp) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (collection, doc_id, data, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, op := range ops {
		if _, err := stmt.ExecContext(ctx, op.collection, op.id, op.data); err != nil {
			return fmt.Errorf("set %s/%s: %w", op.collection, op.id, err)
		}
	}
	return tx.Commit()
}
