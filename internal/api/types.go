package api

import (
	"time"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/internal/cleanup"
	"github.com/satriahrh/storyteller/server/internal/websocket"
)

// DeviceAuthRequest represents the request payload for device authentication
type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	SecretKey    string `json:"secret_key" validate:"required"`
}

// DeviceAuthResponse represents the response payload for device authentication
type DeviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse summarizes the running server.
type StatusResponse struct {
	Status             string  `json:"status"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	ActiveDevices      int     `json:"active_devices"`
	TotalConversations int64   `json:"total_conversations"`
	TotalMessages      int64   `json:"total_messages"`
	RealtimeConfigured bool    `json:"realtime_configured"`
}

type DevicesResponse struct {
	Count   int                    `json:"count"`
	Devices []websocket.DeviceInfo `json:"devices"`
}

type DisconnectResponse struct {
	DeviceID string         `json:"device_id"`
	Report   cleanup.Report `json:"report"`
}

type EpisodesResponse struct {
	Count    int                       `json:"count"`
	Episodes []entities.EpisodeSummary `json:"episodes"`
}

// NextEpisodeResponse has a nil episode once the curriculum is finished.
type NextEpisodeResponse struct {
	DeviceID string                   `json:"device_id"`
	Episode  *entities.EpisodeSummary `json:"episode"`
}
