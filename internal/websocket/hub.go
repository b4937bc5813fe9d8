package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/internal/cleanup"
	"github.com/satriahrh/storyteller/server/internal/observability"
	"github.com/satriahrh/storyteller/server/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBufferSize = 256
	startupWait    = 5 * time.Second

	DefaultReadIdleTimeout = 300 * time.Second
	DefaultMaxPingFailures = 3
	DefaultPreemptWait     = 2 * time.Second
)

var (
	ErrSendBufferFull = errors.New("websocket: send buffer full")
	ErrClientClosed   = errors.New("websocket: client closed")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices authenticate with a token, not an origin.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config tunes device connections.
type Config struct {
	ReadIdleTimeout time.Duration
	MaxPingFailures int
	PreemptWait     time.Duration
}

func (c *Config) setDefaults() {
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = DefaultMaxPingFailures
	}
	if c.PreemptWait <= 0 {
		c.PreemptWait = DefaultPreemptWait
	}
}

// Conversation is what a client drives for its device.
type Conversation interface {
	Start(ctx context.Context) error
	HandleAudio(pcm []byte)
	EndStream()
	HandleText(text string)
	Heartbeat()
	StartConversation(ctx context.Context) error
	EndConversation(ctx context.Context)

	StopTiming()
	EndLearningSession(ctx context.Context) error
	CloseRealtime()
	DeleteSession(ctx context.Context) error

	Snapshot() usecase.Snapshot
}

var _ Conversation = (*usecase.Conversation)(nil)

// ConversationFactory creates the conversation for a new connection.
type ConversationFactory func(deviceID string, out usecase.DeviceSender) Conversation

// Hub maintains the set of active clients, one per device.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed once Run returns.
	stopped chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	newConversation ConversationFactory
	validator       *MessageValidator
	cfg             Config
	metrics         *observability.Metrics
	logger          *zap.Logger

	messages atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(newConversation ConversationFactory, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	cfg.setDefaults()
	return &Hub{
		clients:         make(map[string]*Client),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		stopped:         make(chan struct{}),
		newConversation: newConversation,
		validator:       NewMessageValidator(),
		cfg:             cfg,
		metrics:         metrics,
		logger:          logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			old := h.clients[client.deviceID]
			h.clients[client.deviceID] = client
			h.mu.Unlock()
			if old != nil && old != client {
				// Raced with another connect for the same device.
				old.cascade.Trigger("preempted")
			}
			h.logger.Info("Client registered", zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.drop(client)
			h.logger.Info("Client unregistered", zap.String("deviceID", client.deviceID))

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
		h.mu.Lock()
		h.clients[c.deviceID] = c
		h.mu.Unlock()
	}
	h.metrics.DeviceConnected()
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
		h.drop(c)
	}
	h.metrics.DeviceDisconnected()
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.deviceID] == c {
		delete(h.clients, c.deviceID)
	}
}

func (h *Hub) client(deviceID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[deviceID]
}

// HandleWebSocket upgrades an authenticated device request.
func HandleWebSocket(hub *Hub, c echo.Context, deviceID string) error {
	return hub.ServeDevice(c.Response(), c.Request(), deviceID)
}

// ServeDevice accepts a device connection. An existing connection for the
// same device is torn down first, waiting up to PreemptWait for its cleanup.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string) error {
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return fmt.Errorf("websocket: missing device id")
	}

	if old := h.client(deviceID); old != nil {
		h.logger.Info("Preempting existing connection", zap.String("deviceID", deviceID))
		h.metrics.ConnectionEvent("preempted")
		old.cascade.Trigger("preempted")
		if !old.cascade.Wait(h.cfg.PreemptWait) {
			h.logger.Warn("Previous connection cleanup still running", zap.String("deviceID", deviceID))
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.String("deviceID", deviceID), zap.Error(err))
		return err
	}

	client := newClient(h, conn, deviceID)
	h.add(client)
	h.metrics.ConnectionEvent("connected")

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	go client.start()

	return nil
}

// DeviceInfo describes a connected device.
type DeviceInfo struct {
	DeviceID     string           `json:"device_id"`
	ConnectedAt  time.Time        `json:"connected_at"`
	Conversation usecase.Snapshot `json:"conversation"`
}

// Devices lists connected devices ordered by id.
func (h *Hub) Devices() []DeviceInfo {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Device returns one connected device.
func (h *Hub) Device(deviceID string) (DeviceInfo, bool) {
	c := h.client(deviceID)
	if c == nil {
		return DeviceInfo{}, false
	}
	return c.info(), true
}

// ActiveCount is the number of connected devices.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalMessages counts device messages in both directions since boot.
func (h *Hub) TotalMessages() int64 {
	return h.messages.Load()
}

// Disconnect tears a device down and returns the cleanup report.
func (h *Hub) Disconnect(ctx context.Context, deviceID, reason string) (cleanup.Report, bool) {
	c := h.client(deviceID)
	if c == nil {
		return cleanup.Report{}, false
	}
	return c.cascade.Run(ctx, reason), true
}

// Shutdown disconnects every device. It returns when all cascades finished
// or ctx is done.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.cascade.Run(ctx, "shutdown")
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("All devices disconnected", zap.Int("count", len(clients)))
	case <-ctx.Done():
		h.logger.Warn("Shutdown interrupted before all devices disconnected", zap.Error(ctx.Err()))
	}
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the
// conversation of one device.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	deviceID    string
	connectedAt time.Time
	logger      *zap.Logger

	conv    Conversation
	cascade *cleanup.Cascade

	// ctx is canceled when teardown begins.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	writeDone chan struct{}
	startDone chan struct{}

	lastRead  atomic.Int64
	lastProbe atomic.Int64
	probes    atomic.Int32
}

func newClient(h *Hub, conn *websocket.Conn, deviceID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan WriteData, sendBufferSize),
		deviceID:    deviceID,
		connectedAt: time.Now(),
		logger:      h.logger.With(zap.String("deviceID", deviceID)),
		ctx:         ctx,
		cancel:      cancel,
		writeDone:   make(chan struct{}),
		startDone:   make(chan struct{}),
	}
	c.lastRead.Store(c.connectedAt.UnixNano())
	c.conv = h.newConversation(deviceID, c)
	c.cascade = cleanup.NewCascade(deviceID, c.cleanupSteps(), h.metrics, h.logger)
	return c
}

func (c *Client) cleanupSteps() []cleanup.Step {
	return []cleanup.Step{
		{ID: cleanup.StepStopTiming, Run: func(ctx context.Context) error {
			c.cancel()
			c.conv.StopTiming()
			return nil
		}},
		{ID: cleanup.StepEndLearningSession, Run: func(ctx context.Context) error {
			c.waitStarted()
			return c.conv.EndLearningSession(ctx)
		}},
		{ID: cleanup.StepCloseRealtime, Run: func(ctx context.Context) error {
			c.conv.CloseRealtime()
			return nil
		}},
		{ID: cleanup.StepDeleteSession, Run: func(ctx context.Context) error {
			return c.conv.DeleteSession(ctx)
		}},
		{ID: cleanup.StepReleaseSocket, Run: func(ctx context.Context) error {
			return c.release()
		}},
	}
}

func (c *Client) start() {
	defer close(c.startDone)
	if err := c.conv.Start(c.ctx); err != nil {
		c.logger.Warn("Conversation did not start", zap.Error(err))
	}
}

func (c *Client) waitStarted() {
	select {
	case <-c.startDone:
	case <-time.After(startupWait):
		c.logger.Warn("Conversation start still running during cleanup")
	}
}

func (c *Client) info() DeviceInfo {
	return DeviceInfo{
		DeviceID:     c.deviceID,
		ConnectedAt:  c.connectedAt,
		Conversation: c.conv.Snapshot(),
	}
}

// SendMessage queues msg as a JSON text frame. It never blocks.
func (c *Client) SendMessage(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload}); err != nil {
		return err
	}

	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &head)
	c.hub.messages.Add(1)
	c.hub.metrics.Message("out", head.Type)
	return nil
}

func (c *Client) enqueue(data WriteData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("Send buffer full, dropping message")
		return ErrSendBufferFull
	}
}

// release closes the outbound queue, lets writePump say goodbye and drops
// the client from the hub.
func (c *Client) release() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	select {
	case <-c.writeDone:
	case <-time.After(writeWait):
		c.logger.Warn("Write pump did not finish in time")
	}
	_ = c.conn.Close()
	c.hub.remove(c)
	return nil
}

func (c *Client) touch() {
	c.lastRead.Store(time.Now().UnixNano())
	c.probes.Store(0)
}

// readPump pumps messages from the websocket connection to the conversation.
func (c *Client) readPump() {
	reason := "read_error"
	defer func() {
		c.cascade.Run(context.Background(), reason)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = "closed"
			}
			return
		}
		c.touch()

		switch messageType {
		case websocket.TextMessage:
			if stop := c.processMessage(message); stop {
				reason = "disconnect"
				return
			}
		case websocket.BinaryMessage:
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps queued messages to the websocket connection and probes an
// idle device with pings.
func (c *Client) writePump() {
	idle := c.hub.cfg.ReadIdleTimeout
	tick := idle / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				c.cascade.Trigger("write_error")
				c.drain()
				return
			}

		case <-ticker.C:
			if !c.probe(time.Now()) {
				c.logger.Warn("Device stopped answering pings", zap.Int32("failedProbes", c.probes.Load()))
				c.hub.metrics.ConnectionEvent("ping_timeout")
				c.cascade.Trigger("ping_timeout")
				c.drain()
				return
			}
		}
	}
}

// drain discards queued frames until release closes the queue.
func (c *Client) drain() {
	for range c.send {
	}
}

// probe pings a device that has been silent for ReadIdleTimeout. It reports
// false once MaxPingFailures probes in a row went unanswered.
func (c *Client) probe(now time.Time) bool {
	idle := c.hub.cfg.ReadIdleTimeout
	if now.Sub(time.Unix(0, c.lastRead.Load())) < idle {
		return true
	}
	if now.Sub(time.Unix(0, c.lastProbe.Load())) < idle {
		return true
	}
	if int(c.probes.Load()) >= c.hub.cfg.MaxPingFailures {
		return false
	}

	c.probes.Add(1)
	c.lastProbe.Store(now.UnixNano())
	if err := c.conn.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
		c.logger.Warn("Ping failed", zap.Error(err))
	}
	return true
}

// processMessage handles a control message. It returns true when the device
// asked to disconnect.
func (c *Client) processMessage(message []byte) bool {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Dropping invalid message", zap.Error(err))
		return false
	}
	c.hub.messages.Add(1)

	switch m := msg.(type) {
	case *AudioMessage:
		c.hub.metrics.Message("in", string(m.Type))
		c.conv.HandleAudio(m.PCM)

	case *TextMessage:
		c.hub.metrics.Message("in", string(m.Type))
		c.conv.HandleText(m.Text)

	case *ControlMessage:
		c.hub.metrics.Message("in", string(m.Type))
		switch m.Type {
		case MessageTypeHeartbeat:
			c.conv.Heartbeat()
		case MessageTypeEndStream:
			c.conv.EndStream()
		case MessageTypeStartConversation:
			if err := c.conv.StartConversation(c.ctx); err != nil {
				c.logger.Warn("Failed to start conversation", zap.Error(err))
			}
		case MessageTypeEndConversation:
			c.conv.EndConversation(c.ctx)
		case MessageTypeDisconnect:
			c.logger.Info("Device requested disconnect")
			return true
		}
	}
	return false
}

// processBinaryAudioChunk handles raw PCM16 frames
func (c *Client) processBinaryAudioChunk(data []byte) {
	c.hub.messages.Add(1)
	c.hub.metrics.Message("in", "audio_binary")
	c.conv.HandleAudio(data)
}
