package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/quiry/core"
	"github.com/poiesic/quiry/storage"
)

// DeadLetterRepository implements storage.DeadLetterRepository for BadgerDB.
type DeadLetterRepository struct {
	backend *Backend
}

var _ storage.DeadLetterRepository = (*DeadLetterRepository)(nil)

// NewDeadLetterRepository creates a new DeadLetterRepository.
func NewDeadLetterRepository(backend *Backend) (*DeadLetterRepository, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	return &DeadLetterRepository{backend: backend}, nil
}

// Close is a no-op; the backend is owned by the caller.
func (r *DeadLetterRepository) Close() error {
	return nil
}

// AddDeadLetter stores a dead letter.
func (r *DeadLetterRepository) AddDeadLetter(ctx context.Context, letter *core.DeadLetter) (*core.DeadLetter, error) {
	if letter == nil {
		return nil, storage.ErrInvalidQuery
	}
	stored := *letter
	if stored.Id == "" {
		stored.Id = uuid.NewString()
	}
	if stored.FailedAt.IsZero() {
		stored.FailedAt = time.Now()
	}
	stored.FailedAt = stored.FailedAt.UTC().Truncate(time.Microsecond)

	err := r.backend.Update(func(tx *badger.Txn) error {
		return tx.Set(makeDeadLetterKey(stored.FailedAt, stored.Id), storage.MarshalDeadLetter(&stored))
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListDeadLetters returns dead letters oldest first.
func (r *DeadLetterRepository) ListDeadLetters(ctx context.Context, limit int) ([]*core.DeadLetter, error) {
	var results []*core.DeadLetter
	err := r.backend.View(func(tx *badger.Txn) error {
		return r.backend.scanPrefix(tx, []byte(deadLetterPrefix), false, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				letter, err := storage.UnmarshalDeadLetter(val)
				if err != nil {
					return err
				}
				results = append(results, letter)
				if limit > 0 && len(results) >= limit {
					return errStopScan
				}
				return nil
			})
		})
	})
	return results, err
}

// DeleteDeadLetter removes a dead letter by ID.
func (r *DeadLetterRepository) DeleteDeadLetter(ctx context.Context, id string) error {
	return r.backend.Update(func(tx *badger.Txn) error {
		var key []byte
		err := r.backend.scanPrefix(tx, []byte(deadLetterPrefix), false, func(item *badger.Item) error {
			k := item.Key()
			if len(k) == len(deadLetterPrefix)+8+len(id) && string(k[len(k)-len(id):]) == id {
				key = item.KeyCopy(nil)
				return errStopScan
			}
			return nil
		})
		if err != nil {
			return err
		}
		if key == nil {
			return storage.ErrNotFound
		}
		return tx.Delete(key)
	})
}
