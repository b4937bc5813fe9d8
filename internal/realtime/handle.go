package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// handle is one device's connection to the remote session.
type handle struct {
	deviceID string
	conn     *websocket.Conn
	logger   *zap.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	sessionID     string
	inFlight      bool
	pendingResume bool
	lastActivity  time.Time

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}

	events  chan Event
	created chan string
	acks    chan struct{}
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	onExit    func(*handle)
}

func newHandle(deviceID string, conn *websocket.Conn, buffer int, logger *zap.Logger) *handle {
	return &handle{
		deviceID:     deviceID,
		conn:         conn,
		logger:       logger.With(zap.String("deviceID", deviceID)),
		lastActivity: time.Now(),
		wake:         make(chan struct{}, 1),
		events:       make(chan Event, buffer),
		created:      make(chan string, 1),
		acks:         make(chan struct{}, 1),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (h *handle) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	select {
	case <-h.closing:
		return ErrClosed
	default:
	}

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	h.touch()
	return nil
}

func (h *handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// beginResponse claims the in-flight slot. It reports false if a response is
// already being generated.
func (h *handle) beginResponse() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight {
		return false
	}
	h.inFlight = true
	return true
}

// deferOrBegin claims the in-flight slot, or marks a deferred response if the
// slot is taken. It reports whether the caller must send response.create now.
func (h *handle) deferOrBegin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight {
		h.pendingResume = true
		return false
	}
	h.inFlight = true
	return true
}

func (h *handle) abortResponse() {
	h.mu.Lock()
	h.inFlight = false
	h.mu.Unlock()
}

// finishResponse clears the in-flight flag. If a response was deferred the
// slot is handed straight to it and resume is true.
func (h *handle) finishResponse() (resume bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight = false
	if h.pendingResume {
		h.pendingResume = false
		h.inFlight = true
		return true
	}
	return false
}

func (h *handle) responseInFlight() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight
}

// emit queues ev for forward and never blocks, so the read loop keeps
// consuming acks while the event consumer is busy.
func (h *handle) emit(ev Event) {
	h.queueMu.Lock()
	h.queue = append(h.queue, ev)
	h.queueMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// forward hands queued events to the consumer in order. It closes events
// once the read loop has exited and the queue is drained, or at once when
// the handle is closed.
func (h *handle) forward() {
	defer close(h.events)

	for {
		h.queueMu.Lock()
		batch := h.queue
		h.queue = nil
		h.queueMu.Unlock()

		for _, ev := range batch {
			select {
			case h.events <- ev:
			case <-h.closing:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-h.wake:
		case <-h.closing:
			return
		case <-h.done:
			h.queueMu.Lock()
			drained := len(h.queue) == 0
			h.queueMu.Unlock()
			if drained {
				return
			}
		}
	}
}

func (h *handle) readLoop() {
	defer func() {
		close(h.done)
		if h.onExit != nil {
			h.onExit(h)
		}
	}()

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.closing:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Warn("Realtime connection lost", zap.Error(err))
				} else {
					h.logger.Info("Realtime connection closed", zap.Error(err))
				}
			}
			return
		}
		h.touch()

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			h.logger.Warn("Dropping malformed realtime event", zap.Error(err))
			continue
		}
		h.handle(ev)
	}
}

func (h *handle) handle(ev serverEvent) {
	switch ev.Type {
	case typeSessionCreated:
		if ev.Session != nil {
			h.mu.Lock()
			h.sessionID = ev.Session.ID
			h.mu.Unlock()
			select {
			case h.created <- ev.Session.ID:
			default:
			}
		}
	case typeSessionUpdated:
		select {
		case h.acks <- struct{}{}:
		default:
		}
		return
	case typeResponseCreated:
		h.mu.Lock()
		h.inFlight = true
		h.mu.Unlock()
		return
	case typeResponseDone, typeError:
		if h.finishResponse() {
			h.logger.Debug("Issuing deferred response")
			if err := h.writeJSON(responseCreate(defaultModalities)); err != nil {
				h.abortResponse()
				h.logger.Warn("Failed to issue deferred response", zap.Error(err))
			}
		}
	}

	out, ok, err := translate(ev)
	if err != nil {
		h.logger.Warn("Failed to decode realtime event", zap.String("type", ev.Type), zap.Error(err))
		if !ok {
			return
		}
	}
	if !ok {
		h.logger.Debug("Ignoring realtime event", zap.String("type", ev.Type))
		return
	}
	h.emit(out)
}

// close shuts the connection with a normal closure. Safe to call repeatedly.
func (h *handle) close() {
	h.closeOnce.Do(func() {
		h.writeMu.Lock()
		close(h.closing)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		h.writeMu.Unlock()
		_ = h.conn.Close()
	})
}
