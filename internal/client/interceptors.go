package client

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-sterilization-trace/internal/metrics"
)

// requestIDHeader carries the HTTP request id onto ledger RPCs so peer logs
// can be correlated with API logs.
const requestIDHeader = "x-request-id"

// propagateRequestID is a gRPC unary client interceptor that copies the
// request id set by the HTTP middleware into outgoing metadata.
func propagateRequestID(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if id := middleware.GetReqID(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDHeader, id)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// observeLedgerRPC records latency and outcome of every gateway RPC.
func observeLedgerRPC(log zerolog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		elapsed := time.Since(start)

		code := status.Code(err)
		metrics.LedgerRPCDuration.WithLabelValues(method, code.String()).Observe(elapsed.Seconds())
		log.Debug().
			Str("method", method).
			Str("code", code.String()).
			Dur("elapsed", elapsed).
			Msg("ledger rpc")
		return err
	}
}
