package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"go.uber.org/zap"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Pinger is a dependency that can be probed, such as the record store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HomeserverChecker checks the health of the homeserver
type HomeserverChecker interface {
	Check(ctx context.Context) string
}

// VersionsGetter is the part of the homeserver API the default checker needs.
type VersionsGetter interface {
	GetVersions(ctx context.Context) (*homeserver.Versions, error)
}

// VersionsChecker reports the homeserver healthy when GET /_matrix/client/versions answers.
type VersionsChecker struct {
	API VersionsGetter
}

// Check calls the unauthenticated versions endpoint.
func (c *VersionsChecker) Check(ctx context.Context) string {
	v, err := c.API.GetVersions(ctx)
	if err != nil {
		logging.Error(ctx, "Homeserver health check failed", zap.Error(err))
		return statusUnhealthy
	}
	if len(v.Versions) == 0 {
		logging.Warn(ctx, "Homeserver advertises no client API versions")
		return statusUnhealthy
	}
	return statusHealthy
}

// Handler manages health check endpoints
type Handler struct {
	store             Pinger
	homeserverChecker HomeserverChecker
}

// NewHandler creates a new health check handler. A nil store means single-instance mode and
// a nil checker skips the homeserver probe.
func NewHandler(store Pinger, checker HomeserverChecker) *Handler {
	return &Handler{
		store:             store,
		homeserverChecker: checker,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != statusHealthy {
		allHealthy = false
	}

	if h.homeserverChecker != nil {
		hsStatus := h.homeserverChecker.Check(ctx)
		checks["homeserver"] = hsStatus
		if hsStatus != statusHealthy {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return statusHealthy
	}

	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Store health check failed", zap.Error(err))
		return statusUnhealthy
	}

	return statusHealthy
}
