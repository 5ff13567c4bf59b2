package connectivity

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/fieldsync/internal/clock"
)

// HealthWatcher feeds a Monitor from the standard gRPC health Watch stream.
// SERVING means online; any other status or a broken stream means offline.
type HealthWatcher struct {
	Conn    grpc.ClientConnInterface
	Service string
	Retry   time.Duration // delay before re-opening a failed stream
	Clock   clock.Clock
	Log     *zap.Logger
}

// Run blocks until ctx is done.
func (w HealthWatcher) Run(ctx context.Context, m *Monitor) error {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := w.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	retry := w.Retry
	if retry <= 0 {
		retry = 5 * time.Second
	}
	client := healthpb.NewHealthClient(w.Conn)

	for {
		err := w.watch(ctx, client, m)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.Set(false)
		log.Debug("health watch ended", zap.Error(err), zap.Duration("retry_in", retry))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(retry):
		}
	}
}

func (w HealthWatcher) watch(ctx context.Context, client healthpb.HealthClient, m *Monitor) error {
	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: w.Service})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		m.Set(resp.GetStatus() == healthpb.HealthCheckResponse_SERVING)
	}
}

// Probe runs a single health Check and reports whether service is SERVING.
// One-shot commands use it to seed a Monitor.
func Probe(ctx context.Context, conn grpc.ClientConnInterface, service string) bool {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}
