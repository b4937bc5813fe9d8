package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
	"github.com/satriahrh/storyteller/server/internal/auth"
	"github.com/satriahrh/storyteller/server/internal/observability"
	"github.com/satriahrh/storyteller/server/internal/websocket"
)

// Bridge is the conversation service as seen by the HTTP surface.
type Bridge interface {
	TotalConversations() int64
	NextEpisode(ctx context.Context, deviceID string) (*entities.Episode, error)
	Episodes(ctx context.Context) ([]entities.Episode, error)
}

// Dependencies wires the routes to the rest of the server.
type Dependencies struct {
	Hub     *websocket.Hub
	Bridge  Bridge
	Devices repositories.DeviceRepository
	Tokens  *auth.Issuer

	RealtimeConfigured bool
	// RequireDeviceAuth makes /upload/:deviceID demand a matching device token.
	RequireDeviceAuth bool
	StartedAt         time.Time
	Logger            *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "storyteller-bridge",
		})
	})

	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, StatusResponse{
			Status:             "running",
			UptimeSeconds:      time.Since(deps.StartedAt).Seconds(),
			ActiveDevices:      deps.Hub.ActiveCount(),
			TotalConversations: deps.Bridge.TotalConversations(),
			TotalMessages:      deps.Hub.TotalMessages(),
			RealtimeConfigured: deps.RealtimeConfigured,
		})
	})

	e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))

	// Device administration
	e.GET("/devices", func(c echo.Context) error {
		devices := deps.Hub.Devices()
		return c.JSON(http.StatusOK, DevicesResponse{Count: len(devices), Devices: devices})
	})
	e.GET("/devices/:id", func(c echo.Context) error {
		info, ok := deps.Hub.Device(c.Param("id"))
		if !ok {
			return deviceNotConnected(c)
		}
		return c.JSON(http.StatusOK, info)
	})
	e.POST("/devices/:id/disconnect", func(c echo.Context) error {
		return disconnectDevice(c, deps.Hub, logger)
	})

	// Curriculum
	e.GET("/episodes", func(c echo.Context) error {
		return listEpisodes(c, deps.Bridge, logger)
	})
	e.GET("/episodes/:deviceID/next", func(c echo.Context) error {
		return nextEpisode(c, deps.Bridge, logger)
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Device APIs
	v1.POST("/device/auth", func(c echo.Context) error {
		return deviceAuth(c, deps.Devices, deps.Tokens, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(deps.Hub, deps.Tokens, c, logger)
	})

	// Device id in the path, as the firmware dials it
	e.GET("/upload/:deviceID", func(c echo.Context) error {
		return websocketByPath(deps, c)
	})
}

func deviceNotConnected(c echo.Context) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "device_not_connected",
		Message: "No active connection for device",
	})
}

func disconnectDevice(c echo.Context, hub *websocket.Hub, logger *zap.Logger) error {
	deviceID := c.Param("id")
	report, ok := hub.Disconnect(c.Request().Context(), deviceID, "admin")
	if !ok {
		return deviceNotConnected(c)
	}

	logger.Info("Device disconnected by admin",
		zap.String("device_id", deviceID),
		zap.String("state", string(report.State)))

	return c.JSON(http.StatusOK, DisconnectResponse{DeviceID: deviceID, Report: report})
}

func listEpisodes(c echo.Context, bridge Bridge, logger *zap.Logger) error {
	episodes, err := bridge.Episodes(c.Request().Context())
	if err != nil {
		logger.Error("Failed to list episodes", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "content_unavailable",
			Message: "Failed to list episodes",
		})
	}

	out := make([]entities.EpisodeSummary, 0, len(episodes))
	for i := range episodes {
		out = append(out, *episodes[i].Summary())
	}
	return c.JSON(http.StatusOK, EpisodesResponse{Count: len(out), Episodes: out})
}

func nextEpisode(c echo.Context, bridge Bridge, logger *zap.Logger) error {
	deviceID := c.Param("deviceID")
	episode, err := bridge.NextEpisode(c.Request().Context(), deviceID)
	if err != nil {
		logger.Error("Failed to resolve next episode", zap.String("device_id", deviceID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "content_unavailable",
			Message: "Failed to resolve next episode",
		})
	}
	return c.JSON(http.StatusOK, NextEpisodeResponse{DeviceID: deviceID, Episode: episode.Summary()})
}

func deviceAuth(c echo.Context, devices repositories.DeviceRepository, tokens *auth.Issuer, logger *zap.Logger) error {
	var req DeviceAuthRequest

	// Bind and validate request
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	// Validate required fields
	if req.SerialNumber == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number and secret key are required",
		})
	}

	device, err := devices.ValidateDevice(c.Request().Context(), req.SerialNumber, req.SecretKey)
	if err != nil {
		logger.Warn("Device authentication failed",
			zap.String("serial_number", req.SerialNumber),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	// Generate JWT token for the device
	token, expiresAt, err := tokens.GenerateDeviceToken(device.ID)
	if err != nil {
		logger.Error("Failed to generate device token",
			zap.String("device_id", device.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Device authenticated successfully",
		zap.String("device_id", device.ID),
		zap.String("serial_number", device.SerialNumber))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  device.ID,
	})
}

func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, tokens *auth.Issuer, c echo.Context, logger *zap.Logger) error {
	token := bearerToken(c)
	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		})
	}

	claims, err := tokens.ValidateDeviceToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired device token",
		})
	}

	logger.Info("WebSocket connection authenticated", zap.String("device_id", claims.DeviceID))
	return websocket.HandleWebSocket(hub, c, claims.DeviceID)
}

func websocketByPath(deps Dependencies, c echo.Context) error {
	deviceID := c.Param("deviceID")
	if deps.RequireDeviceAuth {
		claims, err := deps.Tokens.ValidateDeviceToken(bearerToken(c))
		if err != nil || claims.DeviceID != deviceID {
			deps.Logger.Warn("Upload connection rejected", zap.String("device_id", deviceID), zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "A device token for this device is required",
			})
		}
	}
	return websocket.HandleWebSocket(deps.Hub, c, deviceID)
}
