package grpc

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor turns handler panics into Internal errors and logs
// slow calls.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("method", info.FullMethod).
					Msg("Peer handler panicked")
				resp, err = nil, status.Errorf(codes.Internal, "handler panic: %v", r)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				log.Warn().
					Str("method", info.FullMethod).
					Dur("elapsed", elapsed).
					Msg("Slow peer call")
			}
		}()
		return handler(ctx, req)
	}
}
