package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/repository"
)

var domainRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// reservedFields are entity bookkeeping and never stored inside data.
var reservedFields = []string{"id", "version", "tenant_id", "updated_at"}

// Entities is the server-side entity service shared by all domains.
type Entities struct {
	repo        repository.EntityRepository
	naturalKeys map[string]string // domain -> data field
}

// NewEntities constructs the service. naturalKeys maps a domain to the data field
// that identifies an entity besides its id; nil disables natural-key lookups.
func NewEntities(repo repository.EntityRepository, naturalKeys map[string]string) *Entities {
	nk := make(map[string]string, len(naturalKeys))
	for d, f := range naturalKeys {
		nk[d] = f
	}
	return &Entities{repo: repo, naturalKeys: nk}
}

// NaturalKey returns the natural-key field for domain.
func (s *Entities) NaturalKey(domain string) (string, bool) {
	f, ok := s.naturalKeys[domain]
	return f, ok
}

// Create validates input and inserts a new entity. An empty entityID gets a fresh UUID.
func (s *Entities) Create(ctx context.Context, tenantID, domain, entityID string, data model.Payload) (*model.Entity, error) {
	if err := checkScope(tenantID, domain); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", errs.ErrValidation)
	}
	var (
		id  uuid.UUID
		err error
	)
	if entityID == "" {
		id, err = uuid.NewV4()
	} else {
		id, err = parseID(entityID)
	}
	if err != nil {
		return nil, err
	}
	return s.repo.Insert(ctx, tenantID, domain, id, stripReserved(data))
}

// Get returns a live entity or errs.ErrNotFound.
func (s *Entities) Get(ctx context.Context, tenantID, domain, entityID string) (*model.Entity, error) {
	if err := checkScope(tenantID, domain); err != nil {
		return nil, err
	}
	id, err := parseID(entityID)
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, tenantID, domain, id)
}

// Update merges data into the entity. A non-nil expected enables optimistic concurrency.
func (s *Entities) Update(ctx context.Context, tenantID, domain, entityID string, data model.Payload, expected *int64) (*model.Entity, error) {
	if err := checkScope(tenantID, domain); err != nil {
		return nil, err
	}
	id, err := parseID(entityID)
	if err != nil {
		return nil, err
	}
	data = stripReserved(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", errs.ErrValidation)
	}
	if expected != nil && *expected < 0 {
		return nil, fmt.Errorf("%w: negative expected_version", errs.ErrValidation)
	}
	return s.repo.Patch(ctx, tenantID, domain, id, data, expected)
}

// Delete tombstones the entity and returns its new version.
func (s *Entities) Delete(ctx context.Context, tenantID, domain, entityID string) (int64, error) {
	if err := checkScope(tenantID, domain); err != nil {
		return 0, err
	}
	id, err := parseID(entityID)
	if err != nil {
		return 0, err
	}
	return s.repo.Delete(ctx, tenantID, domain, id)
}

// FindByNaturalKey looks the entity up by the domain's natural-key field taken from data.
// It returns errs.ErrNotFound when the domain has no natural key or data lacks the field.
func (s *Entities) FindByNaturalKey(ctx context.Context, tenantID, domain string, data model.Payload) (*model.Entity, error) {
	if err := checkScope(tenantID, domain); err != nil {
		return nil, err
	}
	field, ok := s.naturalKeys[domain]
	if !ok {
		return nil, errs.ErrNotFound
	}
	v, ok := data[field]
	if !ok || v == nil {
		return nil, errs.ErrNotFound
	}
	return s.repo.FindByField(ctx, tenantID, domain, field, v)
}

func checkScope(tenantID, domain string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: empty tenant_id", errs.ErrValidation)
	}
	if !domainRe.MatchString(domain) {
		return fmt.Errorf("%w: bad domain %q", errs.ErrValidation, domain)
	}
	return nil
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad entity id %q", errs.ErrValidation, s)
	}
	return id, nil
}

func stripReserved(data model.Payload) model.Payload {
	out := data.Clone()
	for _, f := range reservedFields {
		delete(out, f)
	}
	return out
}

// Bound adapts Entities to the EntityService contract for one domain, for
// in-process use without the gRPC hop.
type Bound struct {
	svc    *Entities
	domain string
}

var (
	_ EntityService    = (*Bound)(nil)
	_ NaturalKeyFinder = (*Bound)(nil)
	_ VersionedUpdater = (*Bound)(nil)
)

// Bind returns the EntityService view of s for domain.
func Bind(s *Entities, domain string) *Bound { return &Bound{svc: s, domain: domain} }

func (b *Bound) Create(ctx context.Context, tenantID, entityID string, payload model.Payload) (*model.Entity, error) {
	return b.svc.Create(ctx, tenantID, b.domain, entityID, payload)
}

func (b *Bound) FindByID(ctx context.Context, entityID, tenantID string) (*model.Entity, error) {
	e, err := b.svc.Get(ctx, tenantID, b.domain, entityID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (b *Bound) Update(ctx context.Context, entityID, tenantID string, payload model.Payload) (*model.Entity, error) {
	return b.svc.Update(ctx, tenantID, b.domain, entityID, payload, nil)
}

func (b *Bound) UpdateIfVersion(ctx context.Context, entityID, tenantID string, payload model.Payload, expected int64) (*model.Entity, error) {
	return b.svc.Update(ctx, tenantID, b.domain, entityID, payload, &expected)
}

func (b *Bound) Delete(ctx context.Context, entityID, tenantID string) (bool, error) {
	_, err := b.svc.Delete(ctx, tenantID, b.domain, entityID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Bound) FindByNaturalKey(ctx context.Context, tenantID string, payload model.Payload) (*model.Entity, error) {
	e, err := b.svc.FindByNaturalKey(ctx, tenantID, b.domain, payload)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return e, err
}
