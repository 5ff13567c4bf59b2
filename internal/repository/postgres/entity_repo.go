package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
)

// EntityRepo implements EntityRepository using PostgreSQL JSONB rows.
type EntityRepo struct{ db *DB }

// NewEntityRepo constructs an entity repository.
func NewEntityRepo(db *DB) *EntityRepo { return &EntityRepo{db: db} }

// Insert creates an entity or revives a tombstone with the same id.
func (r *EntityRepo) Insert(ctx context.Context, tenantID, domain string, id uuid.UUID, data model.Payload) (*model.Entity, error) {
	const q = `
INSERT INTO entities (tenant_id, domain, id, data, ver, deleted) VALUES ($1,$2,$3,$4::jsonb,1,false)
ON CONFLICT (tenant_id, domain, id) DO UPDATE SET data=EXCLUDED.data, ver=entities.ver+1, deleted=false
WHERE entities.deleted
RETURNING ver, updated_at`
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	e := &model.Entity{ID: id.String(), TenantID: tenantID, Domain: domain, Data: data.Clone()}
	if err := r.db.Pool.QueryRow(ctx, q, tenantID, domain, id, raw).Scan(&e.Version, &e.UpdatedAt); err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// conflict with a live row: the WHERE clause suppressed the update
			return nil, errs.ErrAlreadyExists
		case isUniqueViolation(err):
			return nil, errs.ErrAlreadyExists
		case isInvalidText(err):
			return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return nil, err
	}
	return e, nil
}

// Get returns a single live entity by id.
func (r *EntityRepo) Get(ctx context.Context, tenantID, domain string, id uuid.UUID) (*model.Entity, error) {
	const q = `
SELECT data, ver, deleted, updated_at
FROM entities WHERE tenant_id=$1 AND domain=$2 AND id=$3`
	var (
		raw     []byte
		deleted bool
	)
	e := &model.Entity{ID: id.String(), TenantID: tenantID, Domain: domain}
	if err := r.db.Pool.QueryRow(ctx, q, tenantID, domain, id).Scan(&raw, &e.Version, &deleted, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if deleted {
		return nil, errs.ErrNotFound
	}
	data, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	e.Data = data
	return e, nil
}

// Patch merges fields into the stored document with optimistic concurrency (ver++).
func (r *EntityRepo) Patch(
	ctx context.Context, tenantID, domain string, id uuid.UUID, data model.Payload, baseVer *int64,
) (out *model.Entity, err error) {
	patch, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT ver, deleted FROM entities WHERE tenant_id=$1 AND domain=$2 AND id=$3 FOR UPDATE`
	const upd = `UPDATE entities SET data=data || $4::jsonb, ver=$5 WHERE tenant_id=$1 AND domain=$2 AND id=$3 RETURNING data, updated_at`

	var (
		curVer  int64
		deleted bool
	)
	if err = tx.QueryRow(ctx, sel, tenantID, domain, id).Scan(&curVer, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if deleted {
		return nil, errs.ErrNotFound
	}
	if baseVer != nil && *baseVer != curVer {
		return nil, errs.ErrVersionConflict
	}

	newVer := curVer + 1
	var (
		raw []byte
		ts  time.Time
	)
	if err = tx.QueryRow(ctx, upd, tenantID, domain, id, patch, newVer).Scan(&raw, &ts); err != nil {
		return nil, err
	}
	merged, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	return &model.Entity{ID: id.String(), TenantID: tenantID, Domain: domain, Version: newVer, Data: merged, UpdatedAt: ts}, nil
}

// Delete marks an entity as deleted (tombstone) with version increment.
func (r *EntityRepo) Delete(ctx context.Context, tenantID, domain string, id uuid.UUID) (ver int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT ver, deleted FROM entities WHERE tenant_id=$1 AND domain=$2 AND id=$3 FOR UPDATE`
	const upd = `UPDATE entities SET deleted=true, ver=$4 WHERE tenant_id=$1 AND domain=$2 AND id=$3`

	var (
		curVer  int64
		deleted bool
	)
	if err = tx.QueryRow(ctx, sel, tenantID, domain, id).Scan(&curVer, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	if deleted {
		return 0, errs.ErrNotFound
	}
	newVer := curVer + 1
	if _, err = tx.Exec(ctx, upd, tenantID, domain, id, newVer); err != nil {
		return 0, err
	}
	return newVer, nil
}

// FindByField looks up a live entity by one top-level JSON field (containment, GIN indexed).
func (r *EntityRepo) FindByField(ctx context.Context, tenantID, domain, field string, value any) (*model.Entity, error) {
	const q = `
SELECT id, data, ver, updated_at
FROM entities WHERE tenant_id=$1 AND domain=$2 AND NOT deleted AND data @> $3::jsonb
ORDER BY updated_at ASC LIMIT 1`
	probe, err := encodeData(model.Payload{field: value})
	if err != nil {
		return nil, err
	}
	var (
		id  uuid.UUID
		raw []byte
	)
	e := &model.Entity{TenantID: tenantID, Domain: domain}
	if err := r.db.Pool.QueryRow(ctx, q, tenantID, domain, probe).Scan(&id, &raw, &e.Version, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	e.ID = id.String()
	if e.Data, err = decodeData(raw); err != nil {
		return nil, err
	}
	return e, nil
}

func encodeData(p model.Payload) (string, error) {
	if p == nil {
		p = model.Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: encode data: %v", errs.ErrValidation, err)
	}
	return string(b), nil
}

func decodeData(raw []byte) (model.Payload, error) {
	p := model.Payload{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return p, nil
}
