package usecase

import (
	"sync"
	"time"
)

const (
	DefaultTimingGap  = 2 * time.Second
	DefaultTextCredit = 3 * time.Second
)

// ConversationTimer measures talk time rather than wall-clock time. Audio
// frames are grouped into chunks; a silence longer than the gap closes the
// running chunk at the last frame and the next frame opens a new one.
type ConversationTimer struct {
	gap        time.Duration
	textCredit time.Duration
	flush      func(time.Duration)

	mu         sync.Mutex
	open       bool
	stopped    bool
	chunkStart time.Time
	lastAudio  time.Time
	total      time.Duration
}

// NewConversationTimer returns a timer that hands every closed duration to
// flush. flush runs outside the timer's lock and may be nil.
func NewConversationTimer(gap, textCredit time.Duration, flush func(time.Duration)) *ConversationTimer {
	if gap <= 0 {
		gap = DefaultTimingGap
	}
	if textCredit <= 0 {
		textCredit = DefaultTextCredit
	}
	return &ConversationTimer{gap: gap, textCredit: textCredit, flush: flush}
}

// Audio records a frame arriving at now and reports whether it opened a new chunk.
func (t *ConversationTimer) Audio(now time.Time) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}

	var closed time.Duration
	if t.open && now.Sub(t.lastAudio) > t.gap {
		closed = t.closeLocked(t.lastAudio)
	}

	started := false
	if !t.open {
		t.open = true
		t.chunkStart = now
		started = true
	}
	t.lastAudio = now
	t.mu.Unlock()

	t.emit(closed)
	return started
}

// EndStream closes the running chunk at now.
func (t *ConversationTimer) EndStream(now time.Time) {
	t.mu.Lock()
	var closed time.Duration
	if t.open && !t.stopped {
		closed = t.closeLocked(now)
	}
	t.mu.Unlock()

	t.emit(closed)
}

// Text credits a fixed duration for a text message.
func (t *ConversationTimer) Text() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.total += t.textCredit
	credit := t.textCredit
	t.mu.Unlock()

	t.emit(credit)
}

// Stop closes the running chunk at now and ignores anything after. It
// returns the accumulated talk time and is safe to call repeatedly.
func (t *ConversationTimer) Stop(now time.Time) time.Duration {
	t.mu.Lock()
	if t.stopped {
		total := t.total
		t.mu.Unlock()
		return total
	}
	var closed time.Duration
	if t.open {
		closed = t.closeLocked(now)
	}
	t.stopped = true
	total := t.total
	t.mu.Unlock()

	t.emit(closed)
	return total
}

// Reset re-arms a stopped timer for a new conversation on the same
// connection. The accumulated total is kept.
func (t *ConversationTimer) Reset() {
	t.mu.Lock()
	t.stopped = false
	t.open = false
	t.mu.Unlock()
}

// Total returns the closed talk time so far.
func (t *ConversationTimer) Total() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// InChunk reports whether a chunk is open.
func (t *ConversationTimer) InChunk() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *ConversationTimer) closeLocked(end time.Time) time.Duration {
	d := end.Sub(t.chunkStart)
	if d < 0 {
		d = 0
	}
	t.open = false
	t.total += d
	return d
}

func (t *ConversationTimer) emit(d time.Duration) {
	if d > 0 && t.flush != nil {
		t.flush(d)
	}
}
