package loan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/shared"
)

const colLoans = "loans"

// Repository persists loans in the record store. Every mutation is a
// conditional write keyed on the loan's revision so concurrent payment
// allocations serialize per loan.
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
		return fmt.Errorf("loan: %w", shared.ErrNotFound)
	case errors.Is(err, store.ErrExists), errors.Is(err, store.ErrRevisionMismatch):
		return fmt.Errorf("loan: %w", shared.ErrConflict)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("loan: store: %w", shared.ErrService)
	default:
		return err
	}
}

// Insert stores a new loan.
func (r *Repository) Insert(ctx context.Context, l Loan) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if _, err := r.store.Insert(ctx, colLoans, l.ID, data); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// Get fetches a loan by ID.
func (r *Repository) Get(ctx context.Context, id string) (Loan, error) {
	rec, err := r.store.Get(ctx, colLoans, id)
	if err != nil {
		return Loan{}, mapStoreErr(err)
	}
	var l Loan
	if err := json.Unmarshal(rec.Data, &l); err != nil {
		return Loan{}, err
	}
	return l, nil
}

// ListByCaixinha returns the loans of a caixinha.
func (r *Repository) ListByCaixinha(ctx context.Context, caixinhaID string) ([]Loan, error) {
	recs, err := r.store.Find(ctx, colLoans, store.Filter{"caixinhaId": caixinhaID})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	loans := make([]Loan, 0, len(recs))
	for _, rec := range recs {
		var l Loan
		if err := json.Unmarshal(rec.Data, &l); err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, nil
}

// ListByStatus returns every loan in the given status. Used by the
// due-installment reminder sweep.
func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]Loan, error) {
	recs, err := r.store.Find(ctx, colLoans, store.Filter{"status": string(status)})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	loans := make([]Loan, 0, len(recs))
	for _, rec := range recs {
		var l Loan
		if err := json.Unmarshal(rec.Data, &l); err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, nil
}

// Update applies fn to the loan under a conditional write.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Loan) error) (Loan, error) {
	var updated Loan
	_, err := store.Update(ctx, r.store, colLoans, id, r.attempts, func(rec store.Record) ([]byte, error) {
		var l Loan
		if err := json.Unmarshal(rec.Data, &l); err != nil {
			return nil, err
		}
		if err := fn(&l); err != nil {
			return nil, err
		}
		updated = l
		return json.Marshal(l)
	})
	if err != nil {
		return Loan{}, mapStoreErr(err)
	}
	return updated, nil
}
