package handler

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
)

// Pinger is satisfied by the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves grpc.health.v1 and flips the serving status with the
// database connectivity.
type HealthHandler struct {
	*health.Server
	db       Pinger
	service  string
	interval time.Duration
	logger   *logger.Logger
}

// NewHealthHandler creates a handler that reports NOT_SERVING until the
// first successful check.
func NewHealthHandler(db Pinger, service string, interval time.Duration, log *logger.Logger) *HealthHandler {
	h := &HealthHandler{
		Server:   health.NewServer(),
		db:       db,
		service:  service,
		interval: interval,
		logger:   log.Component("health"),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// CheckNow pings the database once and updates the status.
func (h *HealthHandler) CheckNow(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.db.Ping(pingCtx); err != nil {
		h.logger.Warn().Err(err).Msg("Database health check failed")
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run checks on every interval until ctx is done, then marks the service
// NOT_SERVING.
func (h *HealthHandler) Run(ctx context.Context) error {
	h.CheckNow(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return nil
		case <-ticker.C:
			h.CheckNow(ctx)
		}
	}
}

func (h *HealthHandler) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(h.service, status)
}
