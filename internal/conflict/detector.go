// Package conflict decides whether a queued operation still matches remote
// state and applies caller decisions to the conflicts it finds.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/fieldsync/internal/clock"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/service"
)

// Detector compares an operation's expectations with the entity service.
type Detector struct {
	svc            service.EntityService
	requireVersion bool
	clk            clock.Clock
}

// NewDetector returns a detector. With requireVersion set, an update without an
// expected version never conflicts (last write wins).
func NewDetector(svc service.EntityService, requireVersion bool, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Detector{svc: svc, requireVersion: requireVersion, clk: clk}
}

// RemotePayload is the conflict view of a remote entity: its data plus id and version.
func RemotePayload(e *model.Entity) model.Payload {
	if e == nil {
		return nil
	}
	p := e.Data.Clone()
	if p == nil {
		p = model.Payload{}
	}
	p["id"] = e.ID
	p["version"] = e.Version
	return p
}

// CheckUpdate returns a conflict when the target of an update is gone or has
// moved past op.ExpectedVersion. A nil conflict with nil error means "apply".
func (d *Detector) CheckUpdate(ctx context.Context, op model.Operation) (*model.SyncConflict, error) {
	if op.ExpectedVersion == nil && d.requireVersion {
		return nil, nil
	}
	remote, err := d.svc.FindByID(ctx, op.EntityID, op.TenantID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote: %w", err)
	}
	if remote == nil {
		return d.missing(op), nil
	}
	if op.ExpectedVersion != nil && *op.ExpectedVersion != remote.Version {
		return d.mismatch(op, remote), nil
	}
	return nil, nil
}

// CheckCreate reports an existing entity with the same client-generated id or,
// when the service supports it, the same natural key.
func (d *Detector) CheckCreate(ctx context.Context, op model.Operation) (*model.SyncConflict, error) {
	if op.EntityID != "" {
		remote, err := d.svc.FindByID(ctx, op.EntityID, op.TenantID)
		if err != nil {
			return nil, fmt.Errorf("fetch remote: %w", err)
		}
		if remote != nil {
			return d.exists(op, remote, "an entity with this id already exists"), nil
		}
	}
	nk, ok := d.svc.(service.NaturalKeyFinder)
	if !ok {
		return nil, nil
	}
	remote, err := nk.FindByNaturalKey(ctx, op.TenantID, op.Payload)
	if err != nil {
		return nil, fmt.Errorf("natural key lookup: %w", err)
	}
	if remote != nil {
		return d.exists(op, remote, "an entity with the same natural key already exists"), nil
	}
	return nil, nil
}

// FromWriteError converts a write failure that means divergence into a conflict.
// It returns nil for any other error, and for a missing target of an update
// without expected version when versions are required.
func (d *Detector) FromWriteError(ctx context.Context, op model.Operation, err error) *model.SyncConflict {
	switch {
	case errors.Is(err, errs.ErrAlreadyExists) && op.Kind == model.OpCreate:
		c := d.exists(op, nil, "the server reported the entity already exists")
		if op.EntityID != "" {
			if remote, ferr := d.svc.FindByID(ctx, op.EntityID, op.TenantID); ferr == nil && remote != nil {
				c = d.exists(op, remote, c.Message)
			}
		}
		return c
	case errors.Is(err, errs.ErrNotFound) && op.Kind == model.OpUpdate:
		if op.ExpectedVersion == nil && d.requireVersion {
			// unversioned updates never conflict; the failure is retried
			return nil
		}
		return d.missing(op)
	case errors.Is(err, errs.ErrVersionConflict) && op.Kind == model.OpUpdate:
		remote, ferr := d.svc.FindByID(ctx, op.EntityID, op.TenantID)
		if ferr != nil || remote == nil {
			c := d.base(op, model.ConflictVersionMismatch, "the entity changed on the server")
			return &c
		}
		return d.mismatch(op, remote)
	}
	return nil
}

func (d *Detector) base(op model.Operation, kind model.ConflictKind, msg string) model.SyncConflict {
	return model.SyncConflict{
		OperationID: op.ID,
		Kind:        kind,
		EntityID:    op.EntityID,
		TenantID:    op.TenantID,
		LocalData:   op.Payload.Clone(),
		Message:     msg,
		DetectedAt:  d.clk.Now(),
	}
}

func (d *Detector) missing(op model.Operation) *model.SyncConflict {
	c := d.base(op, model.ConflictEntityMissing, "the entity no longer exists on the server")
	return &c
}

func (d *Detector) mismatch(op model.Operation, remote *model.Entity) *model.SyncConflict {
	msg := fmt.Sprintf("the entity changed on the server (version %d)", remote.Version)
	if op.ExpectedVersion != nil {
		msg = fmt.Sprintf("expected version %d, server has %d", *op.ExpectedVersion, remote.Version)
	}
	c := d.base(op, model.ConflictVersionMismatch, msg)
	c.RemoteData = RemotePayload(remote)
	c.RemoteVersion = remote.Version
	return &c
}

func (d *Detector) exists(op model.Operation, remote *model.Entity, msg string) *model.SyncConflict {
	c := d.base(op, model.ConflictEntityAlreadyExists, msg)
	if remote != nil {
		c.EntityID = remote.ID
		c.RemoteData = RemotePayload(remote)
		c.RemoteVersion = remote.Version
	}
	return &c
}
