package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"marketscope/internal/canon"
	"marketscope/internal/docstore"
	"marketscope/internal/logging"
)

// DefaultChunkSize is the row count per chunk document. Sized so a chunk of
// fully populated rows stays well under the per-document payload ceiling.
const DefaultChunkSize = 500

// ErrChunkCorrupt is returned when a chunk's recomputed hash does not match
// the hash stored alongside it.
var ErrChunkCorrupt = fmt.Errorf("chunk payload hash mismatch")

// ChunkStore persists row payloads as ordered, hash-stamped chunk documents
// under a parent snapshot collection. Chunk ids are deterministic
// (chunk_0000, chunk_0001, ...) so a retried write overwrites the same
// documents instead of appending duplicates.
type ChunkStore struct {
	docs *docstore.Store
}

// NewChunkStore wraps a document store.
func NewChunkStore(docs *docstore.Store) *ChunkStore {
	return &ChunkStore{docs: docs}
}

// ChunkID returns the zero-padded id for a chunk index.
func ChunkID(index int) string {
	return fmt.Sprintf("chunk_%04d", index)
}

func chunkCollection(parent string) string {
	return parent + "/chunks"
}

type chunkDoc struct {
	Index        int    `json:"index"`
	RowCount     int    `json:"row_count"`
	Rows         []Row  `json:"rows"`
	SHA256       string `json:"sha256"`
	CreatedAtISO string `json:"created_at_iso"`
}

// WriteResult describes a completed chunk write.
type WriteResult struct {
	ChunkCount int
	ChunkSize  int
	// CombinedHash is the hash over the ordered per-chunk hashes, stored on
	// the snapshot metadata for read-time verification.
	CombinedHash string
}

// hashRows computes the content hash of a sanitized chunk payload. Rows pass
// through the same sanitize step used at write time so re-hashing a read-back
// chunk is stable.
func hashRows(rows []Row) (string, error) {
	clean, err := docstore.SanitizeValue(rows)
	if err != nil {
		return "", fmt.Errorf("sanitize chunk rows: %w", err)
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("marshal chunk rows: %w", err)
	}
	return canon.SHA256Hex(string(data)), nil
}

// WriteChunks splits rows into fixed-size chunks and commits them in bounded
// sequential sub-batches. Writing an identical row set twice produces
// byte-identical chunk documents under the same ids. Zero rows yields zero
// chunks and a combined ZeroHash.
func (c *ChunkStore) WriteChunks(ctx context.Context, parent string, rows []Row, chunkSize int) (WriteResult, error) {
	timer := logging.StartTimer(logging.CategoryChunks, "WriteChunks")
	defer timer.Stop()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(rows) == 0 {
		logging.Chunks("No rows to write under %s, skipping chunk write", parent)
		return WriteResult{ChunkCount: 0, ChunkSize: chunkSize, CombinedHash: canon.ZeroHash}, nil
	}

	coll := chunkCollection(parent)
	now := docstore.NowISO()
	batch := c.docs.NewBatch()

	var chunkHashes []string
	chunkCount := 0
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		hash, err := hashRows(part)
		if err != nil {
			return WriteResult{}, fmt.Errorf("chunk %d: %w", chunkCount, err)
		}
		doc := chunkDoc{
			Index:        chunkCount,
			RowCount:     len(part),
			Rows:         part,
			SHA256:       hash,
			CreatedAtISO: now,
		}
		if err := batch.Set(coll, ChunkID(chunkCount), doc); err != nil {
			return WriteResult{}, fmt.Errorf("stage chunk %d: %w", chunkCount, err)
		}
		chunkHashes = append(chunkHashes, hash)
		chunkCount++
	}

	committed, err := batch.Commit(ctx)
	if err != nil {
		return WriteResult{}, fmt.Errorf("commit %d chunks under %s: %w", chunkCount, coll, err)
	}

	combined := canon.SHA256Hex(fmt.Sprint(chunkHashes))
	logging.Chunks("Wrote %d rows as %d chunks under %s (%d ops, hash %s)",
		len(rows), chunkCount, coll, committed, canon.ShortHash(combined, 12))

	return WriteResult{ChunkCount: chunkCount, ChunkSize: chunkSize, CombinedHash: combined}, nil
}

// ReadChunks reads back all chunks under parent in index order and
// concatenates their rows. Every chunk's payload hash is re-verified; a gap
// in the index sequence or a hash mismatch is an integrity error, never a
// silent skip.
func (c *ChunkStore) ReadChunks(ctx context.Context, parent string) ([]Row, int, error) {
	timer := logging.StartTimer(logging.CategoryChunks, "ReadChunks")
	defer timer.Stop()

	coll := chunkCollection(parent)
	docs, err := c.docs.Query(coll).OrderBy("index", false).Documents(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("read chunks under %s: %w", coll, err)
	}
	if len(docs) == 0 {
		return nil, 0, nil
	}

	var rows []Row
	for i, d := range docs {
		var chunk chunkDoc
		if err := docstore.Decode(d.Data, &chunk); err != nil {
			return nil, 0, fmt.Errorf("decode chunk %s: %w", d.ID, err)
		}
		if chunk.Index != i {
			return nil, 0, fmt.Errorf("chunk sequence gap under %s: expected index %d, got %d (%s)",
				coll, i, chunk.Index, d.ID)
		}
		hash, err := hashRows(chunk.Rows)
		if err != nil {
			return nil, 0, fmt.Errorf("rehash chunk %s: %w", d.ID, err)
		}
		if chunk.SHA256 != "" && hash != chunk.SHA256 {
			return nil, 0, fmt.Errorf("chunk %s under %s: %w", d.ID, coll, ErrChunkCorrupt)
		}
		rows = append(rows, chunk.Rows...)
	}

	logging.ChunksDebug("Read %d rows from %d chunks under %s", len(rows), len(docs), coll)
	return rows, len(docs), nil
}

// ChunkIDs lists the chunk document ids under parent in index order, without
// loading payloads.
func (c *ChunkStore) ChunkIDs(ctx context.Context, parent string) ([]string, error) {
	docs, err := c.docs.Query(chunkCollection(parent)).OrderBy("index", false).Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunk ids under %s: %w", parent, err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadChunk loads one chunk by id and returns its rows and stored hash.
func (c *ChunkStore) ReadChunk(ctx context.Context, parent, chunkID string) ([]Row, string, error) {
	var chunk chunkDoc
	if err := c.docs.Get(ctx, chunkCollection(parent), chunkID, &chunk); err != nil {
		return nil, "", fmt.Errorf("read chunk %s under %s: %w", chunkID, parent, err)
	}
	return chunk.Rows, chunk.SHA256, nil
}

// WriteSingleChunk rewrites one chunk in place, re-stamping its hash. Used by
// repair flows that patch a damaged chunk without rewriting the whole set.
func (c *ChunkStore) WriteSingleChunk(ctx context.Context, parent, chunkID string, index int, rows []Row) error {
	hash, err := hashRows(rows)
	if err != nil {
		return fmt.Errorf("hash chunk %s: %w", chunkID, err)
	}
	doc := chunkDoc{
		Index:        index,
		RowCount:     len(rows),
		Rows:         rows,
		SHA256:       hash,
		CreatedAtISO: docstore.NowISO(),
	}
	if err := c.docs.Set(ctx, chunkCollection(parent), chunkID, doc); err != nil {
		return fmt.Errorf("write chunk %s under %s: %w", chunkID, parent, err)
	}
	logging.Chunks("Rewrote single chunk %s under %s (%d rows, hash %s)",
		chunkID, parent, len(rows), canon.ShortHash(hash, 12))
	return nil
}

// DeleteChunks removes all chunk documents under parent. Used when a snapshot
// row set is replaced with a differently sized set, so stale tail chunks
// cannot survive past the new write.
func (c *ChunkStore) DeleteChunks(ctx context.Context, parent string) (int, error) {
	ids, err := c.ChunkIDs(ctx, parent)
	if err != nil {
		return 0, err
	}
	coll := chunkCollection(parent)
	for _, id := range ids {
		if err := c.docs.Delete(ctx, coll, id); err != nil {
			return 0, fmt.Errorf("delete chunk %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		logging.Chunks("Deleted %d stale chunks under %s", len(ids), coll)
	}
	return len(ids), nil
}
