package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultOpTimeout = 5 * time.Second

// Postgres implements Store on a single records table with a revision
// column. Documents live in a JSONB column so Find can use containment.
type Postgres struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

// NewPostgres constructs a Postgres-backed store. A zero opTimeout
// falls back to the default per-call deadline.
func NewPostgres(pool *pgxpool.Pool, opTimeout time.Duration) *Postgres {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Postgres{pool: pool, opTimeout: opTimeout}
}

func (p *Postgres) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opTimeout)
}

// Get fetches a record by collection and id.
func (p *Postgres) Get(ctx context.Context, collection, id string) (Record, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	rec := Record{ID: id}
	err := p.pool.QueryRow(ctx,
		`SELECT revision, data FROM records WHERE collection=$1 AND id=$2`,
		collection, id).Scan(&rec.Revision, &rec.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapUnavailable(err)
	}
	return rec, nil
}

// Insert creates a record at revision 1.
func (p *Postgres) Insert(ctx context.Context, collection, id string, data []byte) (Record, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO records (collection, id, revision, data, updated_at) VALUES ($1, $2, 1, $3, NOW())`,
		collection, id, data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrExists
		}
		return Record{}, wrapUnavailable(err)
	}
	return Record{ID: id, Revision: 1, Data: data}, nil
}

// Put replaces a record only when expectedRevision still matches.
func (p *Postgres) Put(ctx context.Context, collection, id string, data []byte, expectedRevision int64) (Record, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`UPDATE records SET data=$4, revision=revision+1, updated_at=NOW()
		 WHERE collection=$1 AND id=$2 AND revision=$3`,
		collection, id, expectedRevision, data)
	if err != nil {
		return Record{}, wrapUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing record.
		var exists bool
		err := p.pool.QueryRow(ctx,
			`SELECT true FROM records WHERE collection=$1 AND id=$2`,
			collection, id).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		if err != nil {
			return Record{}, wrapUnavailable(err)
		}
		return Record{}, ErrRevisionMismatch
	}
	return Record{ID: id, Revision: expectedRevision + 1, Data: data}, nil
}

// Delete removes a record conditionally on its revision.
func (p *Postgres) Delete(ctx context.Context, collection, id string, expectedRevision int64) error {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM records WHERE collection=$1 AND id=$2 AND revision=$3`,
		collection, id, expectedRevision)
	if err != nil {
		return wrapUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := p.pool.QueryRow(ctx,
			`SELECT true FROM records WHERE collection=$1 AND id=$2`,
			collection, id).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return wrapUnavailable(err)
		}
		return ErrRevisionMismatch
	}
	return nil
}

// Find returns records whose document contains the filter fields.
func (p *Postgres) Find(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()
	var (
		rows pgx.Rows
		err  error
	)
	if len(filter) == 0 {
		rows, err = p.pool.Query(ctx,
			`SELECT id, revision, data FROM records WHERE collection=$1 ORDER BY id`, collection)
	} else {
		var contains []byte
		contains, err = json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("store: marshal filter: %w", err)
		}
		rows, err = p.pool.Query(ctx,
			`SELECT id, revision, data FROM records WHERE collection=$1 AND data @> $2::jsonb ORDER BY id`,
			collection, contains)
	}
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Revision, &rec.Data); err != nil {
			return nil, wrapUnavailable(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err)
	}
	return out, nil
}

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
