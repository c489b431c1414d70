package api

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"label-print-service/internal/domain"
)

// CatalogService is the health service name that tracks catalog availability.
const CatalogService = "catalog"

// CatalogCounter reports how many products each catalog holds.
type CatalogCounter interface {
	Counts() map[domain.LabelKind]int
}

// GRPCHandler exposes the standard gRPC health service. The overall status is SERVING
// while the process runs; "catalog" is NOT_SERVING while every catalog is empty.
type GRPCHandler struct {
	health   *health.Server
	catalogs CatalogCounter
	logger   *slog.Logger
}

// NewGRPCHandler creates a new GRPCHandler and computes the initial status.
func NewGRPCHandler(catalogs CatalogCounter, logger *slog.Logger) *GRPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GRPCHandler{health: health.NewServer(), catalogs: catalogs, logger: logger}
	g.Refresh()
	return g
}

// Refresh recomputes the catalog status. Call it after every catalog reload.
func (g *GRPCHandler) Refresh() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if catalogsLoaded(g.catalogs) {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(CatalogService, status)
	g.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

func catalogsLoaded(c CatalogCounter) bool {
	if c == nil {
		return false
	}
	for _, n := range c.Counts() {
		if n > 0 {
			return true
		}
	}
	return false
}

// Register installs the health and reflection services on s.
func (g *GRPCHandler) Register(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, g.health)
	g.logger.Info("gRPC health check service registered")

	// Enable gRPC server reflection (useful for tools like grpcurl).
	reflection.Register(s)
	g.logger.Info("gRPC reflection service registered")
}

// Shutdown marks every service NOT_SERVING so clients stop routing here.
func (g *GRPCHandler) Shutdown() {
	g.health.Shutdown()
}
