package connectivity

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const svc = "fieldsync.v1.Entities"

func TestHealthWatcher_DrivesMonitor(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	m := NewMonitor(false, nil, nil, nil, zaptest.NewLogger(t))
	online := make(chan struct{}, 4)
	m.Subscribe(func() { online <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- HealthWatcher{Conn: conn, Service: svc, Retry: 20 * time.Millisecond, Log: zaptest.NewLogger(t)}.Run(ctx, m)
	}()

	hs.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	select {
	case <-online:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never went online")
	}

	hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	require.Eventually(t, func() bool { return !m.IsOnline() }, 5*time.Second, 10*time.Millisecond)

	hs.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	require.Eventually(t, m.IsOnline, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestProbe(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// unknown service
	require.False(t, Probe(ctx, conn, svc))

	hs.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	require.True(t, Probe(ctx, conn, svc))

	hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	require.False(t, Probe(ctx, conn, svc))
}
