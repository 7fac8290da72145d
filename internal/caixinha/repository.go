package caixinha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/shared"
)

const colCaixinhas = "caixinhas"

// Repository persists caixinha records.
type Repository struct {
	store    store.Store
	attempts int
}

// NewRepository constructs a Repository.
func NewRepository(s store.Store, attempts int) *Repository {
	if attempts < 1 {
		attempts = 3
	}
	return &Repository{store: s, attempts: attempts}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("caixinha: %w", shared.ErrNotFound)
	case errors.Is(err, store.ErrExists), errors.Is(err, store.ErrRevisionMismatch):
		return fmt.Errorf("caixinha: %w", shared.ErrConflict)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("caixinha: store: %w", shared.ErrService)
	default:
		return err
	}
}

// Insert stores a new caixinha.
func (r *Repository) Insert(ctx context.Context, c Caixinha) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := r.store.Insert(ctx, colCaixinhas, c.ID, data); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// Get fetches a caixinha by ID.
func (r *Repository) Get(ctx context.Context, id string) (Caixinha, error) {
	rec, err := r.store.Get(ctx, colCaixinhas, id)
	if err != nil {
		return Caixinha{}, mapStoreErr(err)
	}
	var c Caixinha
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return Caixinha{}, err
	}
	return c, nil
}

// Update applies fn under a conditional write.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Caixinha) error) (Caixinha, error) {
	var updated Caixinha
	_, err := store.Update(ctx, r.store, colCaixinhas, id, r.attempts, func(rec store.Record) ([]byte, error) {
		var c Caixinha
		if err := json.Unmarshal(rec.Data, &c); err != nil {
			return nil, err
		}
		if err := fn(&c); err != nil {
			return nil, err
		}
		updated = c
		return json.Marshal(c)
	})
	if err != nil {
		return Caixinha{}, mapStoreErr(err)
	}
	return updated, nil
}
