package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"label-print-service/internal/domain"
)

// mutableCatalogs lets a test change counts between refreshes.
type mutableCatalogs struct {
	counts map[domain.LabelKind]int
}

func (m *mutableCatalogs) Counts() map[domain.LabelKind]int { return m.counts }

func startGRPC(t *testing.T, handler *GRPCHandler) grpc_health_v1.HealthClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	handler.Register(s)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return grpc_health_v1.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestGRPCHandler_CatalogStatus(t *testing.T) {
	catalogs := &mutableCatalogs{counts: map[domain.LabelKind]int{domain.LabelFlower: 0}}
	handler := NewGRPCHandler(catalogs, discardLogger())
	client := startGRPC(t, handler)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, client, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, CatalogService))

	catalogs.counts = map[domain.LabelKind]int{domain.LabelFlower: 12}
	handler.Refresh()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, client, CatalogService))

	handler.Shutdown()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, ""))
}

func TestCatalogsLoaded(t *testing.T) {
	assert.False(t, catalogsLoaded(nil))
	assert.False(t, catalogsLoaded(fakeCatalogs{}))
	assert.False(t, catalogsLoaded(fakeCatalogs{domain.LabelFlower: 0}))
	assert.True(t, catalogsLoaded(fakeCatalogs{domain.LabelPerishable: 1}))
}
