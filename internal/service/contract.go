// Package service contains the entity service contract consumed by the sync
// engine and the server-side implementation behind the gRPC API.
package service

import (
	"context"

	"github.com/and161185/fieldsync/internal/model"
)

// EntityService is the per-domain entity API the sync engine writes through.
// Errors are classified with the sentinels in internal/errs; anything else is transient.
type EntityService interface {
	// Create stores a new entity. A non-empty entityID is the client-generated id to use.
	Create(ctx context.Context, tenantID, entityID string, payload model.Payload) (*model.Entity, error)
	// FindByID returns nil, nil when the entity does not exist.
	FindByID(ctx context.Context, entityID, tenantID string) (*model.Entity, error)
	// Update merges payload into the entity unconditionally.
	Update(ctx context.Context, entityID, tenantID string, payload model.Payload) (*model.Entity, error)
	// Delete reports whether an entity was removed.
	Delete(ctx context.Context, entityID, tenantID string) (bool, error)
}

// NaturalKeyFinder is implemented by services whose entities carry a business key
// (e.g. customer email) in addition to the id.
type NaturalKeyFinder interface {
	// FindByNaturalKey returns the live entity sharing payload's natural key, or nil.
	FindByNaturalKey(ctx context.Context, tenantID string, payload model.Payload) (*model.Entity, error)
}

// VersionedUpdater applies an update only while the entity is still at expected.
// It fails with errs.ErrVersionConflict otherwise.
type VersionedUpdater interface {
	UpdateIfVersion(ctx context.Context, entityID, tenantID string, payload model.Payload, expected int64) (*model.Entity, error)
}
