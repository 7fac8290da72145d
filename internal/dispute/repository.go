package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/shared"
)

const colDisputes = "disputes"

// Repository persists disputes in the record store. Vote appends and
// status flips are conditional writes so concurrent ballots serialize
// per dispute and the resolution side effect fires once.
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
		return fmt.Errorf("dispute: %w", shared.ErrNotFound)
	case errors.Is(err, store.ErrExists), errors.Is(err, store.ErrRevisionMismatch):
		return fmt.Errorf("dispute: %w", shared.ErrConflict)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("dispute: store: %w", shared.ErrService)
	default:
		return err
	}
}

// Insert stores a new dispute.
func (r *Repository) Insert(ctx context.Context, d Dispute) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if _, err := r.store.Insert(ctx, colDisputes, d.ID, data); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// Get fetches a dispute by ID.
func (r *Repository) Get(ctx context.Context, id string) (Dispute, error) {
	rec, err := r.store.Get(ctx, colDisputes, id)
	if err != nil {
		return Dispute{}, mapStoreErr(err)
	}
	var d Dispute
	if err := json.Unmarshal(rec.Data, &d); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// Find returns disputes matching the filter.
func (r *Repository) Find(ctx context.Context, filter store.Filter) ([]Dispute, error) {
	recs, err := r.store.Find(ctx, colDisputes, filter)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	disputes := make([]Dispute, 0, len(recs))
	for _, rec := range recs {
		var d Dispute
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, nil
}

// ListByCaixinha returns the disputes of a caixinha.
func (r *Repository) ListByCaixinha(ctx context.Context, caixinhaID string) ([]Dispute, error) {
	return r.Find(ctx, store.Filter{"caixinhaId": caixinhaID})
}

// FindActiveByLoan returns the open LOAN_APPROVAL dispute for a loan,
// if any.
func (r *Repository) FindActiveByLoan(ctx context.Context, loanID string) (Dispute, bool, error) {
	disputes, err := r.Find(ctx, store.Filter{"loanId": loanID, "status": string(StatusActive)})
	if err != nil {
		return Dispute{}, false, err
	}
	if len(disputes) == 0 {
		return Dispute{}, false, nil
	}
	return disputes[0], true, nil
}

// ListActive returns every active dispute, for the expiry sweep.
func (r *Repository) ListActive(ctx context.Context) ([]Dispute, error) {
	return r.ListByStatus(ctx, StatusActive)
}

// ListByStatus returns every dispute in the given status.
func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]Dispute, error) {
	return r.Find(ctx, store.Filter{"status": string(status)})
}

// Update applies fn to the dispute under a conditional write.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Dispute) error) (Dispute, error) {
	var updated Dispute
	_, err := store.Update(ctx, r.store, colDisputes, id, r.attempts, func(rec store.Record) ([]byte, error) {
		var d Dispute
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return nil, err
		}
		if err := fn(&d); err != nil {
			return nil, err
		}
		updated = d
		return json.Marshal(d)
	})
	if err != nil {
		return Dispute{}, mapStoreErr(err)
	}
	return updated, nil
}
