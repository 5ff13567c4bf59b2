package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldsync/internal/model"
)

// EntityRepository provides versioned, tenant-scoped access to entities of any domain.
// Deleted entities are tombstoned and reported as errs.ErrNotFound.
type EntityRepository interface {
	// Insert creates the entity at version 1 or revives a tombstone.
	// A live entity with the same id yields errs.ErrAlreadyExists.
	Insert(ctx context.Context, tenantID, domain string, id uuid.UUID, data model.Payload) (*model.Entity, error)

	// Get returns a live entity.
	Get(ctx context.Context, tenantID, domain string, id uuid.UUID) (*model.Entity, error)

	// Patch merges data into the entity (ver++). A non-nil baseVer must match the current version.
	Patch(ctx context.Context, tenantID, domain string, id uuid.UUID, data model.Payload, baseVer *int64) (*model.Entity, error)

	// Delete tombstones the entity (ver++) and returns the new version.
	Delete(ctx context.Context, tenantID, domain string, id uuid.UUID) (int64, error)

	// FindByField returns a live entity whose data[field] equals value.
	FindByField(ctx context.Context, tenantID, domain, field string, value any) (*model.Entity, error)
}
