package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/adapters/memory"
	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/internal/auth"
	"github.com/satriahrh/storyteller/server/internal/cleanup"
	"github.com/satriahrh/storyteller/server/internal/websocket"
	"github.com/satriahrh/storyteller/server/usecase"
)

type stubBridge struct {
	episodes []entities.Episode
	err      error
}

func (b *stubBridge) TotalConversations() int64 { return 7 }

func (b *stubBridge) NextEpisode(ctx context.Context, deviceID string) (*entities.Episode, error) {
	if b.err != nil {
		return nil, b.err
	}
	if deviceID == "finished" {
		return nil, nil
	}
	return &b.episodes[0], nil
}

func (b *stubBridge) Episodes(ctx context.Context) ([]entities.Episode, error) {
	return b.episodes, b.err
}

// idleConversation greets the device and otherwise does nothing.
type idleConversation struct {
	deviceID string
	out      usecase.DeviceSender
}

func (c *idleConversation) Start(ctx context.Context) error {
	return c.out.SendMessage(map[string]any{"type": "connected", "device_id": c.deviceID})
}
func (c *idleConversation) HandleAudio(pcm []byte)                       {}
func (c *idleConversation) EndStream()                                   {}
func (c *idleConversation) HandleText(text string)                       {}
func (c *idleConversation) Heartbeat()                                   {}
func (c *idleConversation) StartConversation(ctx context.Context) error  { return nil }
func (c *idleConversation) EndConversation(ctx context.Context)          {}
func (c *idleConversation) StopTiming()                                  {}
func (c *idleConversation) EndLearningSession(ctx context.Context) error { return nil }
func (c *idleConversation) CloseRealtime()                               {}
func (c *idleConversation) DeleteSession(ctx context.Context) error      { return nil }
func (c *idleConversation) Snapshot() usecase.Snapshot {
	return usecase.Snapshot{DeviceID: c.deviceID, State: usecase.StateChoosingEpisode}
}

type apiFixture struct {
	e      *echo.Echo
	hub    *websocket.Hub
	bridge *stubBridge
	tokens *auth.Issuer
}

func setupAPI(t *testing.T, requireDeviceAuth bool) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	f := &apiFixture{
		e:      echo.New(),
		tokens: auth.NewIssuer("test-secret"),
		bridge: &stubBridge{episodes: []entities.Episode{
			{EpisodeRef: entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 1}, Title: "Greetings and Family"},
			{EpisodeRef: entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 2}, Title: "Farm Animals"},
		}},
	}
	f.hub = websocket.NewHub(func(deviceID string, out usecase.DeviceSender) websocket.Conversation {
		return &idleConversation{deviceID: deviceID, out: out}
	}, websocket.Config{}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)
	t.Cleanup(func() {
		f.hub.Shutdown(context.Background())
		cancel()
	})

	InitRoutes(f.e, Dependencies{
		Hub:                f.hub,
		Bridge:             f.bridge,
		Devices:            memory.NewSeededDeviceRepository(),
		Tokens:             f.tokens,
		RealtimeConfigured: true,
		RequireDeviceAuth:  requireDeviceAuth,
		StartedAt:          time.Now().Add(-time.Minute),
		Logger:             logger,
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Invalid JSON %q: %v", rec.Body.String(), err)
	}
	return out
}

func (f *apiFixture) dial(t *testing.T, server *httptest.Server, path string, header http.Header) (*gorilla.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, resp, err := gorilla.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func waitActive(t *testing.T, hub *websocket.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ActiveCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d active devices, got %d", n, hub.ActiveCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	f := setupAPI(t, false)

	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "ok" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestStatus(t *testing.T) {
	f := setupAPI(t, false)

	status := decode[StatusResponse](t, f.do(t, http.MethodGet, "/status", ""))
	if status.TotalConversations != 7 || status.ActiveDevices != 0 || !status.RealtimeConfigured {
		t.Errorf("Unexpected status %+v", status)
	}
	if status.UptimeSeconds < 60 {
		t.Errorf("Expected at least a minute of uptime, got %v", status.UptimeSeconds)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupAPI(t, false)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestEpisodes(t *testing.T) {
	f := setupAPI(t, false)

	list := decode[EpisodesResponse](t, f.do(t, http.MethodGet, "/episodes", ""))
	if list.Count != 2 || list.Episodes[1].Title != "Farm Animals" {
		t.Errorf("Unexpected episodes %+v", list)
	}

	next := decode[NextEpisodeResponse](t, f.do(t, http.MethodGet, "/episodes/bear-1/next", ""))
	if next.Episode == nil || next.Episode.Title != "Greetings and Family" {
		t.Errorf("Unexpected next episode %+v", next)
	}

	done := decode[NextEpisodeResponse](t, f.do(t, http.MethodGet, "/episodes/finished/next", ""))
	if done.Episode != nil {
		t.Errorf("Expected no next episode, got %+v", done.Episode)
	}

	f.bridge.err = errors.New("catalog offline")
	rec := f.do(t, http.MethodGet, "/episodes", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if body := decode[ErrorResponse](t, rec); body.Error != "content_unavailable" {
		t.Errorf("Unexpected error body %+v", body)
	}
}

func TestDeviceAuth(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"valid", `{"serial_number": "BEAR001", "secret_key": "secret123"}`, http.StatusOK, ""},
		{"wrong secret", `{"serial_number": "BEAR001", "secret_key": "nope"}`, http.StatusUnauthorized, "authentication_failed"},
		{"missing fields", `{"serial_number": "BEAR001"}`, http.StatusBadRequest, "missing_fields"},
		{"malformed", `{"serial_number":`, http.StatusBadRequest, "invalid_request"},
	}

	f := setupAPI(t, false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/device/auth", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantErr != "" {
				if body := decode[ErrorResponse](t, rec); body.Error != tt.wantErr {
					t.Errorf("Expected %s, got %+v", tt.wantErr, body)
				}
				return
			}

			resp := decode[DeviceAuthResponse](t, rec)
			claims, err := f.tokens.ValidateDeviceToken(resp.Token)
			if err != nil {
				t.Fatalf("Issued token is invalid: %v", err)
			}
			if claims.DeviceID != "device-BEAR001" || resp.DeviceID != "device-BEAR001" {
				t.Errorf("Unexpected device %q/%q", claims.DeviceID, resp.DeviceID)
			}
		})
	}
}

func TestWebSocketRequiresDeviceToken(t *testing.T) {
	f := setupAPI(t, false)
	server := httptest.NewServer(f.e)
	defer server.Close()

	_, resp, err := f.dial(t, server, "/ws", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without a token, got %v", err)
	}

	userToken, _, _ := f.tokens.GenerateUserToken("user-1")
	_, resp, err = f.dial(t, server, "/ws", http.Header{"Authorization": {"Bearer " + userToken}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for a user token, got %v", err)
	}

	token, _, _ := f.tokens.GenerateDeviceToken("device-BEAR001")
	conn, _, err := f.dial(t, server, "/ws", http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	var msg map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "connected" || msg["device_id"] != "device-BEAR001" {
		t.Errorf("Unexpected greeting %v", msg)
	}
	waitActive(t, f.hub, 1)
}

func TestUploadPath(t *testing.T) {
	f := setupAPI(t, false)
	server := httptest.NewServer(f.e)
	defer server.Close()

	if _, _, err := f.dial(t, server, "/upload/bear-7", nil); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitActive(t, f.hub, 1)

	rec := f.do(t, http.MethodGet, "/devices", "")
	devices := decode[DevicesResponse](t, rec)
	if devices.Count != 1 || devices.Devices[0].DeviceID != "bear-7" {
		t.Errorf("Unexpected devices %+v", devices)
	}

	rec = f.do(t, http.MethodGet, "/devices/bear-7", "")
	if info := decode[websocket.DeviceInfo](t, rec); info.Conversation.State != usecase.StateChoosingEpisode {
		t.Errorf("Unexpected device info %+v", info)
	}
}

func TestUploadPathWithRequiredAuth(t *testing.T) {
	f := setupAPI(t, true)
	server := httptest.NewServer(f.e)
	defer server.Close()

	if _, resp, err := f.dial(t, server, "/upload/device-BEAR001", nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without a token, got %v", err)
	}

	other, _, _ := f.tokens.GenerateDeviceToken("device-BEAR002")
	if _, resp, err := f.dial(t, server, "/upload/device-BEAR001", http.Header{"Authorization": {"Bearer " + other}}); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for another device's token, got %v", err)
	}

	token, _, _ := f.tokens.GenerateDeviceToken("device-BEAR001")
	if _, _, err := f.dial(t, server, "/upload/device-BEAR001", http.Header{"Authorization": {"Bearer " + token}}); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitActive(t, f.hub, 1)
}

func TestDisconnectDevice(t *testing.T) {
	f := setupAPI(t, false)
	server := httptest.NewServer(f.e)
	defer server.Close()

	rec := f.do(t, http.MethodPost, "/devices/bear-7/disconnect", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown device, got %d", rec.Code)
	}

	if _, _, err := f.dial(t, server, "/upload/bear-7", nil); err != nil {
		t.Fatal(err)
	}
	waitActive(t, f.hub, 1)

	rec = f.do(t, http.MethodPost, "/devices/bear-7/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	resp := decode[DisconnectResponse](t, rec)
	if resp.Report.State != cleanup.CascadeCompleted || resp.Report.Reason != "admin" {
		t.Errorf("Unexpected report %+v", resp.Report)
	}
	if len(resp.Report.Steps) != 5 {
		t.Errorf("Expected 5 steps, got %d", len(resp.Report.Steps))
	}
	waitActive(t, f.hub, 0)
}
