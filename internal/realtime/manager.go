// Package realtime manages one outbound speech-to-speech session per device
// against an OpenAI Realtime compatible endpoint. Remote events are translated
// and delivered in order on a per-device channel.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/internal/audio"
)

var (
	ErrConnect     = errors.New("realtime: connect failed")
	ErrNoSession   = errors.New("realtime: no session for device")
	ErrReconfigure = errors.New("realtime: reconfigure failed")
	ErrClosed      = errors.New("realtime: session closed")
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

	greeting = "Hello! Please start our conversation."
)

var defaultModalities = []string{"text", "audio"}

// Config holds the remote endpoint and timing knobs.
type Config struct {
	URL    string
	Model  string
	APIKey string

	SessionTimeout      time.Duration
	AckTimeout          time.Duration
	ReconfigureAttempts int
	ReconfigureBackoff  time.Duration
	EventBuffer         int
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ReconfigureAttempts <= 0 {
		c.ReconfigureAttempts = 3
	}
	if c.ReconfigureBackoff <= 0 {
		c.ReconfigureBackoff = 250 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Manager owns the realtime handles. At most one handle is active per device;
// opening a new one replaces and closes the old.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.SessionTimeout,
		},
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Configured reports whether an API key is set.
func (m *Manager) Configured() bool {
	return m.cfg.APIKey != ""
}

func (m *Manager) endpoint() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", m.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open connects a fresh remote session for deviceID and waits for
// session.created. The returned channel is closed when the connection ends.
func (m *Manager) Open(ctx context.Context, deviceID string) (<-chan Event, error) {
	m.Close(deviceID)

	endpoint, err := m.endpoint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+m.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SessionTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		m.logger.Error("Failed to dial realtime endpoint", zap.String("deviceID", deviceID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	conn.SetReadLimit(16 << 20)

	h := newHandle(deviceID, conn, m.cfg.EventBuffer, m.logger)
	h.onExit = m.release
	go h.readLoop()
	go h.forward()

	select {
	case id := <-h.created:
		m.logger.Info("Realtime session created", zap.String("deviceID", deviceID), zap.String("sessionID", id))
	case <-h.done:
		h.close()
		return nil, fmt.Errorf("%w: connection closed before session.created", ErrConnect)
	case <-ctx.Done():
		h.close()
		return nil, fmt.Errorf("%w: timed out waiting for session.created", ErrConnect)
	}

	m.mu.Lock()
	old := m.handles[deviceID]
	m.handles[deviceID] = h
	m.mu.Unlock()
	if old != nil {
		m.logger.Info("Replacing realtime session", zap.String("deviceID", deviceID))
		old.close()
	}

	return h.events, nil
}

// release forgets h once its connection ends, unless it was already replaced.
func (m *Manager) release(h *handle) {
	m.mu.Lock()
	if m.handles[h.deviceID] == h {
		delete(m.handles, h.deviceID)
	}
	m.mu.Unlock()
}

func (m *Manager) get(deviceID string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[deviceID]
	if !ok {
		return nil, ErrNoSession
	}
	return h, nil
}

// Reconfigure applies persona to the remote session and waits for the
// session.updated acknowledgement, retrying with linear backoff.
func (m *Manager) Reconfigure(ctx context.Context, deviceID string, persona entities.PersonaConfig) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ReconfigureAttempts; attempt++ {
		h, err := m.get(deviceID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReconfigure, err)
		}

		lastErr = m.reconfigureOnce(ctx, h, persona)
		if lastErr == nil {
			m.logger.Info("Realtime session reconfigured",
				zap.String("deviceID", deviceID),
				zap.String("persona", persona.Name),
				zap.String("voice", persona.Voice),
				zap.Int("tools", len(persona.Tools)),
				zap.Int("attempt", attempt))
			return nil
		}
		if errors.Is(lastErr, ErrClosed) || ctx.Err() != nil {
			break
		}

		m.logger.Warn("Reconfigure attempt failed",
			zap.String("deviceID", deviceID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < m.cfg.ReconfigureAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrReconfigure, ctx.Err())
			case <-time.After(time.Duration(attempt) * m.cfg.ReconfigureBackoff):
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrReconfigure, lastErr)
}

func (m *Manager) reconfigureOnce(ctx context.Context, h *handle, persona entities.PersonaConfig) error {
	select {
	case <-h.acks:
	default:
	}

	if err := h.writeJSON(sessionUpdate(persona)); err != nil {
		return err
	}

	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-h.acks:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for session.updated")
	}
}

// SendAudio appends PCM16 at the service rate to the remote input buffer.
func (m *Manager) SendAudio(deviceID string, pcm []byte) error {
	h, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return h.writeJSON(map[string]any{
		"type":  typeAudioAppend,
		"audio": audio.EncodeBase64(pcm),
	})
}

// CommitAudio closes the current input turn and asks for a response.
func (m *Manager) CommitAudio(deviceID string) error {
	h, err := m.get(deviceID)
	if err != nil {
		return err
	}
	if err := h.writeJSON(map[string]any{"type": typeAudioCommit}); err != nil {
		return err
	}
	_, err = m.RequestResponse(deviceID)
	return err
}

// SendText adds a user text message to the conversation.
func (m *Manager) SendText(deviceID, text string) error {
	h, err := m.get(deviceID)
	if err != nil {
		return err
	}
	return h.writeJSON(userText(text))
}

// StartConversation sends the greeting and requests the first response.
func (m *Manager) StartConversation(deviceID string) error {
	if err := m.SendText(deviceID, greeting); err != nil {
		return err
	}
	_, err := m.RequestResponse(deviceID)
	return err
}

// RequestResponse asks the remote to generate. It is a no-op returning false
// while another response is in flight.
func (m *Manager) RequestResponse(deviceID string, modalities ...string) (bool, error) {
	h, err := m.get(deviceID)
	if err != nil {
		return false, err
	}
	if len(modalities) == 0 {
		modalities = defaultModalities
	}
	if !h.beginResponse() {
		m.logger.Debug("Response already in flight", zap.String("deviceID", deviceID))
		return false, nil
	}
	if err := h.writeJSON(responseCreate(modalities)); err != nil {
		h.abortResponse()
		return false, err
	}
	return true, nil
}

// SendFunctionResult returns output for callID and requests the follow-up
// response. A response still in flight defers the request until it is done.
func (m *Manager) SendFunctionResult(deviceID, callID string, output map[string]any) error {
	h, err := m.get(deviceID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode function output: %w", err)
	}
	if err := h.writeJSON(functionOutput(callID, string(data))); err != nil {
		return err
	}

	if !h.deferOrBegin() {
		m.logger.Debug("Deferring response until current one completes",
			zap.String("deviceID", deviceID),
			zap.String("callID", callID))
		return nil
	}
	if err := h.writeJSON(responseCreate(defaultModalities)); err != nil {
		h.abortResponse()
		return err
	}
	return nil
}

// Close ends the device's remote session. Idempotent.
func (m *Manager) Close(deviceID string) {
	m.mu.Lock()
	h, ok := m.handles[deviceID]
	delete(m.handles, deviceID)
	m.mu.Unlock()

	if ok {
		h.close()
		m.logger.Info("Realtime session closed", zap.String("deviceID", deviceID))
	}
}

// CloseAll ends every remote session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Active lists devices with an open remote session.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// SessionID returns the remote session id for deviceID.
func (m *Manager) SessionID(deviceID string) (string, bool) {
	h, err := m.get(deviceID)
	if err != nil {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID, true
}

// ResponseInFlight reports whether a response is being generated for deviceID.
func (m *Manager) ResponseInFlight(deviceID string) bool {
	h, err := m.get(deviceID)
	if err != nil {
		return false
	}
	return h.responseInFlight()
}
