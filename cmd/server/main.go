// Command fieldsyncd serves the fieldsync entity API over gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/fieldsync/internal/auth"
	"github.com/and161185/fieldsync/internal/convert"
	"github.com/and161185/fieldsync/internal/limiter"
	"github.com/and161185/fieldsync/internal/migrate"
	"github.com/and161185/fieldsync/internal/repository"
	"github.com/and161185/fieldsync/internal/repository/memory"
	"github.com/and161185/fieldsync/internal/repository/postgres"
	grpcserver "github.com/and161185/fieldsync/internal/server/grpc"
	"github.com/and161185/fieldsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// naturalKeys collects repeated -natural-key domain=field flags.
type naturalKeys map[string]string

func (n naturalKeys) String() string {
	parts := make([]string, 0, len(n))
	for d, f := range n {
		parts = append(parts, d+"="+f)
	}
	return strings.Join(parts, ",")
}

func (n naturalKeys) Set(v string) error {
	d, f, ok := strings.Cut(v, "=")
	if !ok || d == "" || f == "" {
		return fmt.Errorf("want domain=field, got %q", v)
	}
	n[d] = f
	return nil
}

// main parses configuration, runs migrations, and starts the gRPC server.
func main() {
	nk := naturalKeys{}

	// Flags
	addr := flag.String("addr", ":8443", "listen address")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (empty keeps entities in memory)")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	certFile := flag.String("tls-cert", "", "TLS certificate (PEM); empty serves plaintext")
	keyFile := flag.String("tls-key", "", "TLS private key (PEM)")
	mint := flag.String("mint-token", "", "print a bearer token for this tenant and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of minted tokens")
	dev := flag.Bool("dev", false, "enable server reflection (dev only)")
	flag.Var(nk, "natural-key", "domain=field natural key, repeatable")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if *jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}

	if *mint != "" {
		tok, err := auth.Issue([]byte(*jwtKey), *mint, *tokenTTL, time.Now())
		if err != nil {
			logger.Fatal("mint token", zap.Error(err))
		}
		fmt.Println(tok)
		return
	}

	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo repository.EntityRepository
		lim  limiter.Limiter
	)
	if *dsn == "" {
		logger.Warn("no --dsn, entities are kept in memory")
		repo = memory.NewEntityRepo()
		lim = limiter.NewMemory(limiter.DefaultPolicy, nil)
	} else {
		if err := migrate.Up(ctx, *dsn); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, *dsn)
		if err != nil {
			logger.Fatal("pgxpool.New", zap.Error(err))
		}
		defer db.Close()
		repo = postgres.NewEntityRepo(db)
		lim = limiter.NewPG(db.Pool, limiter.DefaultPolicy)
	}

	entities := service.NewEntities(repo, nk)

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(*jwtKey), lim, logger),
		),
	}
	if *certFile != "" {
		creds, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("serving without TLS")
	}
	s := grpc.NewServer(opts...)

	grpcserver.Register(s, grpcserver.New(entities))

	// Health drives device connectivity; reflection is dev only
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(convert.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if *dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr), zap.Bool("tls", *certFile != ""))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		// tell watching devices first, then drain in-flight calls
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
