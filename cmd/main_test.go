package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func runShutdown(t *testing.T, grpcServer *grpc.Server, timeout time.Duration) bool {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cleaned := false
	done := make(chan struct{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go waitForShutdown(ctx, logger, &http.Server{}, grpcServer, timeout, func() { cleaned = true }, done)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown sequence did not complete")
	}
	return cleaned
}

func TestWaitForShutdown_WithoutGrpcServer(t *testing.T) {
	// an already expired deadline makes both the gRPC and the timeout branch ready
	for i := 0; i < 50; i++ {
		require.NotPanics(t, func() {
			assert.True(t, runShutdown(t, nil, time.Nanosecond))
		})
	}
}

func TestWaitForShutdown_WithGrpcServer(t *testing.T) {
	assert.True(t, runShutdown(t, grpc.NewServer(), time.Second))
}
