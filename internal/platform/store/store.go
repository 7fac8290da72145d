// Package store provides a revisioned record store with conditional
// (compare-and-swap) writes. Every mutating path in the governance core
// goes through the same bounded optimistic retry loop, Update.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrExists indicates an insert hit an existing record.
	ErrExists = errors.New("store: record already exists")
	// ErrRevisionMismatch indicates a conditional write lost the race.
	ErrRevisionMismatch = errors.New("store: revision mismatch")
	// ErrUnavailable indicates the backing store could not be reached
	// within the operation deadline.
	ErrUnavailable = errors.New("store: unavailable")
)

// Record is a versioned document. Revision increases by one on every
// successful write and is the token for conditional updates.
type Record struct {
	ID       string
	Revision int64
	Data     []byte
}

// Filter matches records whose JSON document contains the given
// top-level field values.
type Filter map[string]any

// Store is the key-addressable record store contract.
type Store interface {
	Get(ctx context.Context, collection, id string) (Record, error)
	Insert(ctx context.Context, collection, id string, data []byte) (Record, error)
	Put(ctx context.Context, collection, id string, data []byte, expectedRevision int64) (Record, error)
	Delete(ctx context.Context, collection, id string, expectedRevision int64) error
	Find(ctx context.Context, collection string, filter Filter) ([]Record, error)
}

// UpdateFn receives the current record and returns the replacement
// document, or an error to abort the loop.
type UpdateFn func(rec Record) ([]byte, error)

// Update runs a bounded optimistic read-modify-write loop: read the
// record with its revision, apply fn, attempt a conditional write, and
// retry from a fresh read when another writer got there first. Errors
// other than ErrRevisionMismatch abort immediately.
func Update(ctx context.Context, s Store, collection, id string, attempts int, fn UpdateFn) (Record, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		rec, err := s.Get(ctx, collection, id)
		if err != nil {
			return Record{}, err
		}
		next, err := fn(rec)
		if err != nil {
			return Record{}, err
		}
		updated, err := s.Put(ctx, collection, id, next, rec.Revision)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrRevisionMismatch) {
			return Record{}, err
		}
		lastErr = err
	}
	return Record{}, fmt.Errorf("store: update %s/%s exhausted %d attempts: %w", collection, id, attempts, lastErr)
}
