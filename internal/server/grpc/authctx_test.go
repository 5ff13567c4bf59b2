package grpcserver

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestWithTenant_And_TenantFromCtx(t *testing.T) {
	t.Parallel()

	if id, ok := TenantFromCtx(context.Background()); ok || id != "" {
		t.Fatalf("expected no tenant in empty ctx")
	}

	ctx := WithTenant(context.Background(), "t1")
	got, ok := TenantFromCtx(ctx)
	if !ok {
		t.Fatalf("expected tenant in ctx")
	}
	if got != "t1" {
		t.Fatalf("mismatch: got %s, want t1", got)
	}

	if _, ok := TenantFromCtx(WithTenant(context.Background(), "")); ok {
		t.Fatalf("empty tenant must not count")
	}

	type otherKey string
	bad := context.WithValue(context.Background(), otherKey("fs.tenantID"), "t1")
	if _, ok := TenantFromCtx(bad); ok {
		t.Fatalf("expected miss on foreign key type")
	}
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}
