package conflict

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/service"
)

// bookkeeping fields of a remote entity that are never written back.
var remoteOnly = []string{"id", "version", "tenant_id", "updated_at"}

// Merge returns remote overridden by every field of local. Remote bookkeeping
// fields are dropped.
func Merge(local, remote model.Payload) model.Payload {
	out := make(model.Payload, len(remote)+len(local))
	for k, v := range remote {
		out[k] = v
	}
	for _, k := range remoteOnly {
		delete(out, k)
	}
	for k, v := range local {
		out[k] = v
	}
	return out
}

// Resolver applies caller decisions to conflicts.
type Resolver struct {
	svc service.EntityService
	log *zap.Logger
}

func NewResolver(svc service.EntityService, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{svc: svc, log: log}
}

// Resolve applies choices[i] to conflicts[i]. Input is validated before any
// write; afterwards every conflict is handled independently and its outcome
// reported, so one failure never stops the rest.
func (r *Resolver) Resolve(ctx context.Context, conflicts []model.SyncConflict, choices []model.ResolutionChoice) ([]model.ResolveOutcome, error) {
	if len(conflicts) != len(choices) {
		return nil, fmt.Errorf("%w: %d conflicts but %d choices", errs.ErrValidation, len(conflicts), len(choices))
	}
	for i, c := range choices {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: choice[%d] %q", errs.ErrValidation, i, c)
		}
	}

	out := make([]model.ResolveOutcome, len(conflicts))
	for i := range conflicts {
		out[i] = r.resolveOne(ctx, conflicts[i], choices[i])
		if out[i].Err != nil {
			r.log.Warn("conflict resolution failed",
				zap.String("op_id", conflicts[i].OperationID),
				zap.String("choice", string(choices[i])),
				zap.Error(out[i].Err))
		}
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, c model.SyncConflict, choice model.ResolutionChoice) model.ResolveOutcome {
	res := model.ResolveOutcome{OperationID: c.OperationID, Choice: choice}

	var payload model.Payload
	switch choice {
	case model.KeepRemote:
		return res
	case model.KeepLocal:
		payload = c.LocalData.Clone()
	case model.Merge:
		payload = Merge(c.LocalData, c.RemoteData)
	}
	if c.EntityID == "" {
		res.Err = fmt.Errorf("%w: conflict %s has no entity id", errs.ErrValidation, c.OperationID)
		return res
	}
	if len(payload) == 0 {
		res.Err = fmt.Errorf("%w: conflict %s has nothing to write", errs.ErrValidation, c.OperationID)
		return res
	}

	var (
		e   *model.Entity
		err error
	)
	if c.Kind == model.ConflictEntityMissing {
		e, err = r.svc.Create(ctx, c.TenantID, c.EntityID, payload)
	} else {
		e, err = r.svc.Update(ctx, c.EntityID, c.TenantID, payload)
	}
	if err != nil {
		res.Err = err
		return res
	}
	res.Applied = true
	res.Entity = e
	return res
}
