package badger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/storage"
)

// ChunkRepository implements storage.ChunkRepository for BadgerDB.
type ChunkRepository struct {
	backend *Backend
	now     func() time.Time
}

var _ storage.ChunkRepository = (*ChunkRepository)(nil)

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(backend *Backend) (*ChunkRepository, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	return &ChunkRepository{
		backend: backend,
		now:     time.Now,
	}, nil
}

// Close is a no-op; the backend is owned by the caller.
func (r *ChunkRepository) Close() error {
	return nil
}

// PersistChunk inserts a chunk and its index entries in one transaction.
func (r *ChunkRepository) PersistChunk(ctx context.Context, chunk *core.Chunk) (*core.Chunk, error) {
	if chunk == nil {
		return nil, fmt.Errorf("%w: chunk is nil", core.ErrMalformedInput)
	}
	if err := core.ValidateKey(chunk.Key()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := *chunk
	if stored.Id == 0 {
		stored.Id = core.IdempotencyKey(stored.GroupID, stored.ChannelID, stored.EarliestTimestamp, stored.MessageCount)
	}
	if stored.Category == "" {
		stored.Category = core.DefaultCategory
	}
	stored.AuthorIDs = slices.Clone(chunk.AuthorIDs)
	stored.Vector = core.NormalizeVector(chunk.Vector)
	stored.InsertedAt = r.now().UTC()

	err := r.backend.Update(func(tx *badger.Txn) error {
		key := makeChunkKey(stored.Id)
		if _, err := tx.Get(key); err == nil {
			return fmt.Errorf("%w: %w: chunk %d", storage.ErrDuplicateKey, core.ErrDuplicateWrite, stored.Id)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := tx.Set(key, storage.MarshalChunk(&stored)); err != nil {
			return err
		}
		if len(stored.Vector) > 0 {
			entry := storage.VectorEntry{EarliestTimestamp: stored.EarliestTimestamp, Vector: stored.Vector}
			if err := tx.Set(makeVectorKey(stored.Id), storage.MarshalVectorEntry(entry)); err != nil {
				return err
			}
		}
		return r.writeIndexes(tx, &stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetChunk retrieves a single chunk by ID.
func (r *ChunkRepository) GetChunk(ctx context.Context, id core.ID) (*core.Chunk, error) {
	var result *core.Chunk
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		result, err = readChunk(tx, id)
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	})
	return result, err
}

// GetChunks retrieves multiple chunks by their IDs.
func (r *ChunkRepository) GetChunks(ctx context.Context, ids ...core.ID) ([]*core.Chunk, error) {
	var result []*core.Chunk
	err := r.backend.View(func(tx *badger.Txn) error {
		for _, id := range ids {
			chunk, err := readChunk(tx, id)
			if err != nil {
				return err
			}
			if chunk != nil {
				result = append(result, chunk)
			}
		}
		return nil
	})
	return result, err
}

// FindSimilar scans every stored vector and returns the k best matches.
// Stored vectors are unit length, so for a normalized query the dot product
// is the cosine similarity.
func (r *ChunkRepository) FindSimilar(ctx context.Context, vector []float32, k int) ([]*core.SimilarityMatch, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", storage.ErrInvalidQuery)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidQuery)
	}
	query := core.NormalizeVector(vector)

	var results []*core.SimilarityMatch
	err := r.backend.View(func(tx *badger.Txn) error {
		return r.backend.scanPrefix(tx, []byte(chunkVectorPrefix), false, func(item *badger.Item) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := item.Key()
			id := idFromKeySuffix(key)
			return item.Value(func(val []byte) error {
				entry, err := storage.UnmarshalVectorEntry(val)
				if err != nil {
					return err
				}
				results = append(results, &core.SimilarityMatch{
					ChunkId:           id,
					Score:             core.DotProduct(query, entry.Vector),
					EarliestTimestamp: entry.EarliestTimestamp,
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(results, compareMatches)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// compareMatches orders by score descending, then earlier timestamp, then ID.
func compareMatches(a, b *core.SimilarityMatch) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := a.EarliestTimestamp.Compare(b.EarliestTimestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ChunkId, b.ChunkId)
}

// ChunksByChannel returns the newest chunks of one channel.
func (r *ChunkRepository) ChunksByChannel(ctx context.Context, groupID, channelID string, limit int) ([]*core.Chunk, error) {
	return r.chunksByIndex(makeChannelPrefix(groupID, channelID), limit)
}

// ChunksByAuthor returns the newest chunks of a group that include userID.
func (r *ChunkRepository) ChunksByAuthor(ctx context.Context, groupID, userID string, limit int) ([]*core.Chunk, error) {
	return r.chunksByIndex(makeAuthorPrefix(groupID, userID), limit)
}

// RecentChunks returns the newest chunks of a group.
func (r *ChunkRepository) RecentChunks(ctx context.Context, groupID string, limit int) ([]*core.Chunk, error) {
	return r.chunksByIndex(makeGroupPrefix(groupID), limit)
}

// chunksByIndex walks an index prefix newest first and loads up to limit chunks.
// A non-positive limit loads them all.
func (r *ChunkRepository) chunksByIndex(prefix []byte, limit int) ([]*core.Chunk, error) {
	var results []*core.Chunk
	err := r.backend.View(func(tx *badger.Txn) error {
		return r.backend.scanPrefix(tx, prefix, true, func(item *badger.Item) error {
			chunk, err := readChunk(tx, idFromKeySuffix(item.Key()))
			if err != nil {
				return err
			}
			if chunk != nil {
				results = append(results, chunk)
			}
			if limit > 0 && len(results) >= limit {
				return errStopScan
			}
			return nil
		})
	})
	return results, err
}

// DeleteRecentChunks removes the n newest chunks of a group.
func (r *ChunkRepository) DeleteRecentChunks(ctx context.Context, groupID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	return r.deleteFromGroup(groupID, n)
}

// DeleteGroup removes every chunk of a group.
func (r *ChunkRepository) DeleteGroup(ctx context.Context, groupID string) (int, error) {
	return r.deleteFromGroup(groupID, 0)
}

func (r *ChunkRepository) deleteFromGroup(groupID string, limit int) (int, error) {
	var deleted int
	err := r.backend.Update(func(tx *badger.Txn) error {
		deleted = 0
		var ids []core.ID
		err := r.backend.scanPrefix(tx, makeGroupPrefix(groupID), true, func(item *badger.Item) error {
			ids = append(ids, idFromKeySuffix(item.KeyCopy(nil)))
			if limit > 0 && len(ids) >= limit {
				return errStopScan
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			chunk, err := readChunk(tx, id)
			if err != nil {
				return err
			}
			if chunk == nil {
				continue
			}
			if err := r.deleteIndexes(tx, chunk); err != nil {
				return err
			}
			if err := tx.Delete(makeVectorKey(id)); err != nil {
				return err
			}
			if err := tx.Delete(makeChunkKey(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return 0, fmt.Errorf("delete %d chunks of %q in smaller batches: %w", limit, groupID, err)
	}
	return deleted, err
}

// CountChunks counts a group's chunks, or all chunks when groupID is empty.
func (r *ChunkRepository) CountChunks(ctx context.Context, groupID string) (int, error) {
	prefix := []byte(chunkRecordPrefix)
	if groupID != "" {
		prefix = makeGroupPrefix(groupID)
	}

	count := 0
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Helper methods

// indexKeys returns every secondary index key of a chunk.
func indexKeys(chunk *core.Chunk) [][]byte {
	ts := chunk.LatestTimestamp
	keys := [][]byte{
		makeGroupKey(chunk.GroupID, ts, chunk.Id),
		makeChannelKey(chunk.GroupID, chunk.ChannelID, ts, chunk.Id),
	}
	for _, author := range chunk.AuthorIDs {
		keys = append(keys, makeAuthorKey(chunk.GroupID, author, ts, chunk.Id))
	}
	return keys
}

func (r *ChunkRepository) writeIndexes(tx *badger.Txn, chunk *core.Chunk) error {
	value := storage.MarshalID(chunk.Id)
	for _, key := range indexKeys(chunk) {
		if err := tx.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChunkRepository) deleteIndexes(tx *badger.Txn, chunk *core.Chunk) error {
	for _, key := range indexKeys(chunk) {
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// readChunk reads a chunk from the transaction. A missing chunk is nil, nil.
func readChunk(tx *badger.Txn, id core.ID) (*core.Chunk, error) {
	item, err := tx.Get(makeChunkKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var chunk *core.Chunk
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		chunk, unmarshalErr = storage.UnmarshalChunk(val)
		return unmarshalErr
	})
	return chunk, err
}
