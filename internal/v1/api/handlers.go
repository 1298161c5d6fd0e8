// Package api exposes homeserver capabilities, logout URLs and call configuration over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/middleware"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/voip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Refresher runs a capabilities refresh for a user.
type Refresher interface {
	Execute(ctx context.Context, userID string, params homeserver.Params) (*homeserver.CapabilitiesRecord, error)
}

// TurnSource returns TURN credentials for the caller.
type TurnSource interface {
	Get(ctx context.Context) (*voip.TurnServer, error)
}

// CapabilitiesResponse is the JSON view of a stored record.
type CapabilitiesResponse struct {
	UserID            string                            `json:"userId"`
	Capabilities      homeserver.HomeServerCapabilities `json:"capabilities"`
	UsesDelegatedAuth bool                              `json:"usesDelegatedAuth"`
	LastUpdated       time.Time                         `json:"lastUpdated"`
}

// LogoutURLResponse is returned by the logout URL endpoint.
type LogoutURLResponse struct {
	DeviceID string `json:"deviceId"`
	Action   string `json:"action"`
	URL      string `json:"url"`
}

// VoipResponse pairs the call configuration with the ICE settings derived from it.
type VoipResponse struct {
	Config voip.Config           `json:"config"`
	ICE    voip.ICEConfiguration `json:"ice"`
}

func newCapabilitiesResponse(r *homeserver.CapabilitiesRecord) CapabilitiesResponse {
	caps := r.Capabilities()
	return CapabilitiesResponse{
		UserID:            r.UserID,
		Capabilities:      caps,
		UsesDelegatedAuth: caps.UsesDelegatedAuth(),
		LastUpdated:       r.LastUpdated,
	}
}

// Handler serves the /api/v1 routes.
type Handler struct {
	store      homeserver.RecordStore
	refresher  Refresher
	turn       TurnSource
	voipConfig voip.Config
}

// NewHandler creates the API handler.
func NewHandler(store homeserver.RecordStore, refresher Refresher, turn TurnSource, voipConfig voip.Config) *Handler {
	return &Handler{
		store:      store,
		refresher:  refresher,
		turn:       turn,
		voipConfig: voipConfig,
	}
}

// GetCapabilities returns the stored record of the caller.
// GET /api/v1/capabilities
func (h *Handler) GetCapabilities(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	ctx := c.Request.Context()

	record, err := h.store.Get(ctx, claims.UserID())
	if errors.Is(err, homeserver.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "capabilities not loaded yet, refresh first"})
		return
	}
	if err != nil {
		logging.Error(ctx, "Failed to load capabilities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load capabilities"})
		return
	}

	c.JSON(http.StatusOK, newCapabilitiesResponse(record))
}

// RefreshCapabilities refreshes the caller's record from the homeserver.
// POST /api/v1/capabilities/refresh?force=true
func (h *Handler) RefreshCapabilities(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	force := false
	if raw := c.Query("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
			return
		}
		force = parsed
	}

	ctx := c.Request.Context()
	record, err := h.refresher.Execute(ctx, claims.UserID(), homeserver.Params{ForceRefresh: force})
	if err != nil {
		logging.Error(ctx, "Capabilities refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh capabilities"})
		return
	}

	c.JSON(http.StatusOK, newCapabilitiesResponse(record))
}

// LogoutURL returns the account management URL that signs out a device. A caller without a
// stored record gets one loaded first.
// GET /api/v1/devices/:deviceId/logout-url
func (h *Handler) LogoutURL(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	deviceID := c.Param("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}
	ctx := c.Request.Context()

	record, err := h.store.Get(ctx, claims.UserID())
	if errors.Is(err, homeserver.ErrRecordNotFound) {
		record, err = h.refresher.Execute(ctx, claims.UserID(), homeserver.Params{})
	}
	if err != nil {
		logging.Error(ctx, "Failed to load capabilities for logout URL", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load capabilities"})
		return
	}

	caps := record.Capabilities()
	url, ok := caps.LogoutDeviceURL(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "homeserver has no external account management"})
		return
	}

	action := homeserver.SelectLogoutAction(caps.ExternalAccountManagementSupportedActions)
	metrics.LogoutURLsBuilt.WithLabelValues(action).Inc()
	c.JSON(http.StatusOK, LogoutURLResponse{
		DeviceID: deviceID,
		Action:   action,
		URL:      url,
	})
}

// VoipConfig returns the call configuration. Without TURN credentials the ICE server list is
// empty, which in relay-only mode means calls cannot connect; clients are expected to retry.
// GET /api/v1/voip/config
func (h *Handler) VoipConfig(c *gin.Context) {
	ctx := c.Request.Context()

	var turn *voip.TurnServer
	if h.turn != nil {
		ts, err := h.turn.Get(ctx)
		if err != nil {
			logging.Warn(ctx, "TURN server unavailable", zap.Error(err))
		} else {
			turn = ts
		}
	}

	c.JSON(http.StatusOK, VoipResponse{
		Config: h.voipConfig,
		ICE:    voip.BuildICEConfiguration(h.voipConfig, turn),
	})
}
