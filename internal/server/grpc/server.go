// Package grpcserver exposes the fieldsync entity API over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/fieldsync/internal/convert"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/service"
)

// Server wires the entity service into gRPC handlers.
type Server struct {
	entities *service.Entities
}

var _ EntitiesServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(entities *service.Entities) *Server {
	return &Server{entities: entities}
}

// Create stores a new entity, honouring a client-generated entity_id.
func (s *Server) Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, tenant, err := s.request(ctx, in)
	if err != nil {
		return nil, err
	}
	e, err := s.entities.Create(ctx, tenant, req.Domain, req.EntityID, req.Payload)
	if err != nil {
		return nil, toStatus("create", err)
	}
	return entityReply(e)
}

// Get returns one live entity or NotFound.
func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, tenant, err := s.request(ctx, in)
	if err != nil {
		return nil, err
	}
	e, err := s.entities.Get(ctx, tenant, req.Domain, req.EntityID)
	if err != nil {
		return nil, toStatus("get", err)
	}
	return entityReply(e)
}

// Update merges payload into the entity. With expected_version set the write
// only applies while the entity is still at that version.
func (s *Server) Update(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, tenant, err := s.request(ctx, in)
	if err != nil {
		return nil, err
	}
	e, err := s.entities.Update(ctx, tenant, req.Domain, req.EntityID, req.Payload, req.ExpectedVersion)
	if err != nil {
		return nil, toStatus("update", err)
	}
	return entityReply(e)
}

// Delete tombstones the entity.
func (s *Server) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, tenant, err := s.request(ctx, in)
	if err != nil {
		return nil, err
	}
	ver, err := s.entities.Delete(ctx, tenant, req.Domain, req.EntityID)
	if err != nil {
		return nil, toStatus("delete", err)
	}
	return convert.VersionToStruct(ver), nil
}

// FindByNaturalKey returns the entity sharing the payload's natural key.
func (s *Server) FindByNaturalKey(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, tenant, err := s.request(ctx, in)
	if err != nil {
		return nil, err
	}
	e, err := s.entities.FindByNaturalKey(ctx, tenant, req.Domain, req.Payload)
	if err != nil {
		return nil, toStatus("find by natural key", err)
	}
	return entityReply(e)
}

// request decodes in and checks it against the authenticated tenant. An empty
// tenant_id means the caller's own tenant.
func (s *Server) request(ctx context.Context, in *structpb.Struct) (convert.Request, string, error) {
	tenant, ok := TenantFromCtx(ctx)
	if !ok {
		return convert.Request{}, "", status.Error(codes.Unauthenticated, "no auth")
	}
	req, err := convert.RequestFromStruct(in)
	if err != nil {
		return convert.Request{}, "", status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	if req.TenantID != "" && req.TenantID != tenant {
		return convert.Request{}, "", status.Error(codes.PermissionDenied, "tenant mismatch")
	}
	return req, tenant, nil
}

func entityReply(e *model.Entity) (*structpb.Struct, error) {
	out, err := convert.EntityToStruct(e)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode entity: %v", err)
	}
	return out, nil
}

// toStatus maps service errors to gRPC codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrVersionConflict):
		return status.Error(codes.FailedPrecondition, "version conflict")
	case errors.Is(err, errs.ErrValidation):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
