package grpcserver

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/fieldsync/internal/auth"
	"github.com/and161185/fieldsync/internal/limiter"
)

// healthPrefix is served without a token so devices can probe connectivity.
const healthPrefix = "/grpc.health.v1.Health/"

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		// metadata only, payloads carry tenant data
		log.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", peerAddr(ctx)),
		)
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// AuthUnary verifies the bearer JWT and stores its tenant in the context.
// Health checks pass through unauthenticated. With a non-nil limiter, peers
// that keep failing are rejected with ResourceExhausted until the block ends.
// Limiter bookkeeping errors are logged and never fail the call on their own.
func AuthUnary(signKey []byte, lim limiter.Limiter, log *zap.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return next(ctx, req)
		}
		var peerHash []byte
		if lim != nil {
			peerHash = limiter.HashPeer(peerAddr(ctx))
			ok, wait, err := lim.Allow(ctx, peerHash)
			if err != nil {
				log.Error("limiter allow", zap.String("method", info.FullMethod), zap.Error(err))
				return nil, status.Error(codes.Internal, "internal")
			}
			if !ok {
				return nil, status.Errorf(codes.ResourceExhausted, "too many failed attempts, retry in %s", wait.Round(time.Second))
			}
		}

		claims, err := verify(ctx, signKey)
		if err != nil {
			if lim != nil {
				blocked, _, ferr := lim.Failure(ctx, peerHash)
				switch {
				case ferr != nil:
					log.Warn("limiter failure not recorded", zap.String("peer", peerAddr(ctx)), zap.Error(ferr))
				case blocked:
					log.Warn("peer blocked after failed auth", zap.String("peer", peerAddr(ctx)))
				}
			}
			return nil, err
		}
		if lim != nil {
			if serr := lim.Success(ctx, peerHash); serr != nil {
				log.Warn("limiter reset failed", zap.String("peer", peerAddr(ctx)), zap.Error(serr))
			}
		}
		return next(WithTenant(ctx, claims.TenantID), req)
	}
}

func verify(ctx context.Context, signKey []byte) (auth.Claims, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return auth.Claims{}, status.Error(codes.Unauthenticated, "no auth")
	}
	claims, err := auth.Parse(signKey, tok)
	if err != nil {
		return auth.Claims{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	return claims, nil
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
