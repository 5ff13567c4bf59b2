// Package remote implements the entity service contract against a fieldsync
// entity server over gRPC.
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/fieldsync/internal/convert"
	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/model"
	"github.com/and161185/fieldsync/internal/service"
)

// DefaultTimeout bounds each call when Client.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Client talks to one domain of the entity server.
type Client struct {
	conn    grpc.ClientConnInterface
	domain  string
	Timeout time.Duration
}

var (
	_ service.EntityService    = (*Client)(nil)
	_ service.NaturalKeyFinder = (*Client)(nil)
	_ service.VersionedUpdater = (*Client)(nil)
)

// New returns a client bound to domain.
func New(conn grpc.ClientConnInterface, domain string) *Client {
	return &Client{conn: conn, domain: domain, Timeout: DefaultTimeout}
}

func (c *Client) Create(ctx context.Context, tenantID, entityID string, payload model.Payload) (*model.Entity, error) {
	return c.entity(ctx, convert.MethodCreate, convert.Request{TenantID: tenantID, EntityID: entityID, Payload: payload})
}

// FindByID returns nil, nil when the server reports NotFound.
func (c *Client) FindByID(ctx context.Context, entityID, tenantID string) (*model.Entity, error) {
	e, err := c.entity(ctx, convert.MethodGet, convert.Request{TenantID: tenantID, EntityID: entityID})
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (c *Client) Update(ctx context.Context, entityID, tenantID string, payload model.Payload) (*model.Entity, error) {
	return c.entity(ctx, convert.MethodUpdate, convert.Request{TenantID: tenantID, EntityID: entityID, Payload: payload})
}

func (c *Client) UpdateIfVersion(ctx context.Context, entityID, tenantID string, payload model.Payload, expected int64) (*model.Entity, error) {
	return c.entity(ctx, convert.MethodUpdate, convert.Request{TenantID: tenantID, EntityID: entityID, Payload: payload, ExpectedVersion: &expected})
}

// Delete reports false when the entity was already gone.
func (c *Client) Delete(ctx context.Context, entityID, tenantID string) (bool, error) {
	_, err := c.invoke(ctx, convert.MethodDelete, convert.Request{TenantID: tenantID, EntityID: entityID})
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) FindByNaturalKey(ctx context.Context, tenantID string, payload model.Payload) (*model.Entity, error) {
	e, err := c.entity(ctx, convert.MethodFindByNaturalKey, convert.Request{TenantID: tenantID, Payload: payload})
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (c *Client) entity(ctx context.Context, method string, r convert.Request) (*model.Entity, error) {
	out, err := c.invoke(ctx, method, r)
	if err != nil {
		return nil, err
	}
	e, err := convert.EntityFromStruct(out)
	if err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return e, nil
}

func (c *Client) invoke(ctx context.Context, method string, r convert.Request) (*structpb.Struct, error) {
	r.Domain = c.domain
	in, err := convert.RequestToStruct(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// fromStatus maps gRPC codes back to the errs sentinels. Codes without a
// sentinel stay as they are and count as transient.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = errs.ErrNotFound
	case codes.AlreadyExists:
		sentinel = errs.ErrAlreadyExists
	case codes.FailedPrecondition:
		sentinel = errs.ErrVersionConflict
	case codes.InvalidArgument:
		sentinel = errs.ErrValidation
	case codes.Unauthenticated, codes.PermissionDenied:
		sentinel = errs.ErrUnauthorized
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

// ---- dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

// DialOptions configures Dial.
type DialOptions struct {
	Token      string
	CACert     string // PEM bundle; empty uses the system roots
	Plaintext  bool   // no TLS, for local development
	SkipVerify bool
}

func loadTLS(o DialOptions) (credentials.TransportCredentials, error) {
	if o.Plaintext {
		return insecure.NewCredentials(), nil
	}
	if o.SkipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // opt-in for self-signed dev servers
	}
	if o.CACert == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(o.CACert)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// Dial creates a lazily connecting client connection to addr.
func Dial(addr string, o DialOptions, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	creds, err := loadTLS(o)
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if o.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: o.Token, secure: !o.Plaintext}))
	}
	return grpc.NewClient(addr, append(opts, extra...)...)
}
