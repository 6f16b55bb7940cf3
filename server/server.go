// Package server exposes the overlay store and the sync engine over HTTP.
package server

import (
	"context"

	log "github.com/go-kit/log"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/overmaps/tilesync/cache"
	"github.com/overmaps/tilesync/store"
	"github.com/overmaps/tilesync/syncer"
)

// Server exposes overlay, plan, sync and cached tile endpoints.
type Server struct {
	baseCtx      context.Context
	appName      string
	tilesKey     string
	origin       string
	store        *store.Store
	caches       cache.Provider
	engine       *syncer.Engine
	logger       log.Logger
	healthServer *health.Server
}

// New returns a Server. tilesKey, when set, protects the tile read path with
// a key query parameter. Background sync passes inherit ctx, so shutting the
// daemon down cancels them at the next suspension point.
func New(ctx context.Context, appName, tilesKey, origin string, st *store.Store, caches cache.Provider,
	engine *syncer.Engine, logger log.Logger, healthServer *health.Server,
) (*Server, error) {
	logger = log.With(logger, "component", "server")

	s := &Server{
		baseCtx:      ctx,
		appName:      appName,
		tilesKey:     tilesKey,
		origin:       origin,
		store:        st,
		caches:       caches,
		engine:       engine,
		logger:       logger,
		healthServer: healthServer,
	}

	return s, nil
}

// SetServing flips the gRPC health status for the app service.
func (s *Server) SetServing(serving bool) {
	if s.healthServer == nil {
		return
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.healthServer.SetServingStatus("grpc.health.v1."+s.appName, status)
}
