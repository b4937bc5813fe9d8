package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain"
	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
	"github.com/satriahrh/storyteller/server/internal/audio"
	"github.com/satriahrh/storyteller/server/internal/observability"
	"github.com/satriahrh/storyteller/server/internal/persona"
	"github.com/satriahrh/storyteller/server/internal/realtime"
)

// State of a device conversation
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateChoosingEpisode State = "CHOOSING_EPISODE"
	StateLearning        State = "LEARNING"
	StateEpisodeComplete State = "EPISODE_COMPLETE"
	StateError           State = "ERROR"
	StateDisconnected    State = "DISCONNECTED"
)

var ErrNoEpisodes = errors.New("no episodes available")

const (
	functionTimeout = 30 * time.Second
	storeTimeout    = 5 * time.Second
	loopExitWait    = 2 * time.Second
	textQueueSize   = 8
)

// Realtime is the slice of the realtime session manager a conversation drives.
type Realtime interface {
	Open(ctx context.Context, deviceID string) (<-chan realtime.Event, error)
	Reconfigure(ctx context.Context, deviceID string, p entities.PersonaConfig) error
	SendAudio(deviceID string, pcm []byte) error
	CommitAudio(deviceID string) error
	SendText(deviceID, text string) error
	StartConversation(deviceID string) error
	RequestResponse(deviceID string, modalities ...string) (bool, error)
	SendFunctionResult(deviceID, callID string, output map[string]any) error
	Close(deviceID string)
}

var _ Realtime = (*realtime.Manager)(nil)

// DeviceSender delivers an outbound message to one device.
type DeviceSender interface {
	SendMessage(msg any) error
}

// ConversationConfig tunes every conversation created by a service.
type ConversationConfig struct {
	SessionTTL time.Duration
	TimingGap  time.Duration
	TextCredit time.Duration
	Pipeline   audio.Pipeline
}

// ConversationService holds the collaborators shared by all device
// conversations and creates one Conversation per connected device.
type ConversationService struct {
	realtime   Realtime
	sessions   repositories.SessionStore
	progress   repositories.ProgressStore
	content    repositories.ContentProvider
	dispatcher *FunctionDispatcher
	cfg        ConversationConfig
	metrics    *observability.Metrics
	logger     *zap.Logger

	started atomic.Int64
}

func NewConversationService(
	rt Realtime,
	sessions repositories.SessionStore,
	progress repositories.ProgressStore,
	content repositories.ContentProvider,
	cfg ConversationConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ConversationService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = entities.DefaultSessionTTL
	}
	if cfg.Pipeline.DeviceRate == 0 || cfg.Pipeline.ServiceRate == 0 {
		cfg.Pipeline = audio.DefaultPipeline()
	}
	return &ConversationService{
		realtime:   rt,
		sessions:   sessions,
		progress:   progress,
		content:    content,
		dispatcher: NewFunctionDispatcher(sessions, progress, content, cfg.SessionTTL, metrics, logger),
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Dispatcher exposes the function dispatcher.
func (s *ConversationService) Dispatcher() *FunctionDispatcher {
	return s.dispatcher
}

// TotalConversations counts successful starts since boot.
func (s *ConversationService) TotalConversations() int64 {
	return s.started.Load()
}

// NextEpisode resolves the episode a device would be offered now.
func (s *ConversationService) NextEpisode(ctx context.Context, deviceID string) (*entities.Episode, error) {
	user, err := s.progress.GetOrCreateUser(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return s.content.GetNextEpisodeForUser(ctx, user.ID, user.Position())
}

// Episodes lists the catalog.
func (s *ConversationService) Episodes(ctx context.Context) ([]entities.Episode, error) {
	return s.content.ListEpisodes(ctx)
}

// NewConversation creates the controller for one device connection.
func (s *ConversationService) NewConversation(deviceID string, out DeviceSender) *Conversation {
	c := &Conversation{
		svc:       s,
		deviceID:  deviceID,
		out:       out,
		logger:    s.logger.With(zap.String("deviceID", deviceID)),
		state:     StateInitializing,
		startedAt: time.Now(),
	}
	c.timer = NewConversationTimer(s.cfg.TimingGap, s.cfg.TextCredit, c.flushTalkTime)
	return c
}

// Conversation is the per-device state machine. It consumes the device's
// realtime event channel, dispatches function calls and swaps personas.
type Conversation struct {
	svc      *ConversationService
	deviceID string
	out      DeviceSender
	logger   *zap.Logger
	timer    *ConversationTimer

	// turnMu serializes persona swaps, function calls and text turns.
	turnMu sync.Mutex

	mu            sync.Mutex
	state         State
	user          *entities.User
	current       *entities.Episode
	next          *entities.Episode
	words         []string
	topics        []string
	errorCount    int
	talkSeconds   float64
	startedAt     time.Time
	active        bool
	ending        bool
	generation    int
	loopDone      chan struct{}
	texts         chan string
	pendingAudio  bool
	textStreamed  bool
	turnEndedAt   time.Time
	lastUserInput time.Time
}

// Start runs INITIALIZING to CHOOSING_EPISODE: it loads the user, resolves
// the next episode, opens the realtime session, applies the choice persona
// and greets the child.
func (c *Conversation) Start(ctx context.Context) error {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.mu.Lock()
	c.state = StateInitializing
	c.ending = false
	c.mu.Unlock()

	user, err := c.svc.progress.GetOrCreateUser(ctx, c.deviceID)
	if err != nil {
		c.fail(domain.ErrCodeInternal, "I couldn't load your profile. Please try again.")
		return fmt.Errorf("get or create user: %w", err)
	}

	if err := c.svc.dispatcher.AbortEpisode(ctx, c.deviceID); err != nil && !errors.Is(err, repositories.ErrSessionNotFound) {
		c.logger.Warn("Failed to abort previous episode", zap.Error(err))
	}
	sess := entities.NewDeviceSession(c.deviceID, user.ID)
	if err := c.svc.sessions.Set(ctx, sess, c.svc.cfg.SessionTTL); err != nil {
		c.fail(domain.ErrCodeInternal, "I couldn't start a session. Please try again.")
		return fmt.Errorf("save device session: %w", err)
	}

	next, err := c.svc.content.GetNextEpisodeForUser(ctx, user.ID, user.Position())
	if err != nil || next == nil {
		if err != nil {
			c.logger.Error("Failed to load next episode", zap.Error(err))
		}
		c.fail(domain.ErrCodeNoEpisodes, "No learning content available right now. Please try again later.")
		if err == nil {
			err = ErrNoEpisodes
		}
		return err
	}

	events, err := c.svc.realtime.Open(ctx, c.deviceID)
	if err != nil {
		c.fail(domain.ErrCodeConnectFailed, "I'm having trouble connecting. Please try again.")
		return err
	}

	c.mu.Lock()
	c.user = user
	c.next = next
	c.current = nil
	c.active = true
	c.generation++
	gen := c.generation
	done := make(chan struct{})
	c.loopDone = done
	texts := make(chan string, textQueueSize)
	c.texts = texts
	c.mu.Unlock()

	c.timer.Reset()
	go c.loop(gen, events, done)
	go c.textLoop(texts, done)

	p := persona.Choice(next, persona.UserInfoFrom(user))
	if err := c.applyPersona(ctx, p, "choice"); err != nil {
		c.fail(domain.ErrCodePersonaFailed, "I'm having trouble getting ready. Please try again.")
		c.closeRealtime()
		return err
	}

	c.setState(StateChoosingEpisode)
	c.sendWelcome(ctx, user, next)

	if err := c.svc.realtime.StartConversation(c.deviceID); err != nil {
		c.logger.Warn("Failed to start remote conversation", zap.Error(err))
	}
	c.svc.started.Add(1)

	c.logger.Info("Conversation started",
		zap.String("userID", user.ID),
		zap.String("nextEpisode", next.String()))
	return nil
}

func (c *Conversation) sendWelcome(ctx context.Context, user *entities.User, next *entities.Episode) {
	analytics, err := c.svc.progress.GetUserLearningAnalytics(ctx, user.ID)
	if err != nil {
		c.logger.Warn("Failed to load analytics", zap.Error(err))
		analytics = entities.AnalyticsFor(user)
	}

	c.send(domain.ConnectedMessage{
		Type:        domain.TypeConnected,
		UserID:      user.ID,
		Message:     welcomeText(persona.UserInfoFrom(user).Name, analytics, next),
		NextEpisode: next.Summary(),
		Analytics: domain.WelcomeAnalytics{
			TotalWordsLearned:      analytics.TotalWordsLearned,
			TotalEpisodesCompleted: analytics.TotalEpisodesCompleted,
			CurrentStreak:          analytics.CurrentStreak,
		},
	})
}

func welcomeText(name string, a *entities.LearningAnalytics, next *entities.Episode) string {
	switch {
	case a.TotalEpisodesCompleted == 0:
		return fmt.Sprintf("Hola %s! Welcome to your Spanish learning adventure! I'm Lingo, and I'm so excited to help you learn!", name)
	case a.TotalEpisodesCompleted < 5:
		return fmt.Sprintf("Welcome back %s! You've learned %d words so far - that's amazing! Ready for more Spanish fun?", name, a.TotalWordsLearned)
	case a.CurrentStreak > 0:
		return fmt.Sprintf("Fantastico %s! You're on a %d-day learning streak and have learned %d words! Let's keep it going!", name, a.CurrentStreak, a.TotalWordsLearned)
	default:
		title := "your next adventure"
		if next != nil {
			title = next.Title
		}
		return fmt.Sprintf("Welcome back, Spanish superstar %s! Your next adventure '%s' is ready!", name, title)
	}
}

func (c *Conversation) applyPersona(ctx context.Context, p entities.PersonaConfig, kind string) error {
	err := c.svc.realtime.Reconfigure(ctx, c.deviceID, p)
	c.svc.metrics.Reconfiguration(kind, err)
	if err != nil {
		c.logger.Error("Persona reconfiguration failed", zap.String("persona", p.Name), zap.Error(err))
		return err
	}
	c.logger.Info("Persona applied", zap.String("persona", p.Name), zap.String("voice", p.Voice))
	return nil
}

func (c *Conversation) loop(gen int, events <-chan realtime.Event, done chan struct{}) {
	defer close(done)

	for ev := range events {
		c.svc.metrics.RealtimeEvent(string(ev.Type))
		c.handleEvent(ev)
	}

	c.mu.Lock()
	current := gen == c.generation
	lost := current && !c.ending
	if current {
		c.active = false
	}
	c.mu.Unlock()

	if lost {
		c.logger.Warn("Realtime session lost")
		c.fail(domain.ErrCodeSessionLost, "I lost my connection. Say start to try again.")
	}
}

func (c *Conversation) handleEvent(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventSessionReady:
		c.updateSession(func(s *entities.DeviceSession) { s.RealtimeSessionID = ev.SessionID })

	case realtime.EventAudioChunk:
		c.mu.Lock()
		turnEnded := c.turnEndedAt
		c.turnEndedAt = time.Time{}
		c.mu.Unlock()
		if !turnEnded.IsZero() {
			c.svc.metrics.ObserveFirstAudioLatency(time.Since(turnEnded))
		}

		pcm := c.svc.cfg.Pipeline.ToDevice(ev.Audio)
		c.send(domain.AudioResponseMessage{
			Type:       domain.TypeAudioResponse,
			AudioData:  audio.EncodeBase64(pcm),
			SampleRate: c.svc.cfg.Pipeline.DeviceRate,
		})

	case realtime.EventTextChunk:
		c.mu.Lock()
		c.textStreamed = true
		c.mu.Unlock()
		c.send(domain.TextResponseMessage{Type: domain.TypeTextResponse, Text: ev.Text})

	case realtime.EventTranscript:
		c.logger.Debug("User transcript", zap.String("text", ev.Text))

	case realtime.EventFunctionCall:
		c.handleFunctionCall(*ev.FunctionCall)

	case realtime.EventResponseComplete:
		c.mu.Lock()
		streamed := c.textStreamed
		c.textStreamed = false
		c.mu.Unlock()
		if streamed {
			c.send(domain.TextResponseMessage{Type: domain.TypeTextResponse, Final: true})
		}
		c.send(domain.ResponseCompleteMessage{
			Type:   domain.TypeResponseComplete,
			Status: ev.Status,
			Stats:  c.Stats(),
		})

	case realtime.EventSpeechStarted:
		c.logger.Debug("User speech started")

	case realtime.EventSpeechStopped:
		c.logger.Debug("User speech stopped")
		c.mu.Lock()
		c.turnEndedAt = time.Now()
		c.mu.Unlock()

	case realtime.EventError:
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		c.svc.metrics.ProviderError(ev.ErrorCode)
		c.logger.Warn("Realtime error",
			zap.String("code", ev.ErrorCode),
			zap.String("message", ev.ErrorMessage))
	}
}

// handleFunctionCall dispatches call, applies the state transition it implies
// and acknowledges it to the remote exactly once. Persona changes happen
// before the result is returned, so the follow-up response uses the new persona.
func (c *Conversation) handleFunctionCall(call entities.FunctionCallRequest) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), functionTimeout)
	defer cancel()

	res := c.svc.dispatcher.Dispatch(ctx, c.deviceID, call)
	if res.Success {
		switch res.Name {
		case entities.FunctionStartEpisode:
			res = c.enterEpisode(ctx, call, res)
		case entities.FunctionCompleteEpisode:
			res = c.finishEpisode(ctx, call, res)
		case entities.FunctionMarkVocabularyLearned:
			c.addWord(call.String("word"))
		case entities.FunctionPracticeWord:
			if correct, _ := call.Bool("success"); correct {
				c.addWord(call.String("word"))
			}
		}
	} else {
		c.logger.Info("Function call failed", zap.String("function", res.Name), zap.String("error", res.Error))
	}

	if err := c.svc.realtime.SendFunctionResult(c.deviceID, res.CallID, res.Output()); err != nil {
		c.logger.Error("Failed to return function result",
			zap.String("function", res.Name),
			zap.String("callID", res.CallID),
			zap.Error(err))
	}
}

// enterEpisode moves CHOOSING_EPISODE to LEARNING. If the episode persona
// cannot be applied the start is rolled back and a failed result replaces res.
func (c *Conversation) enterEpisode(ctx context.Context, call entities.FunctionCallRequest, res entities.FunctionCallResult) entities.FunctionCallResult {
	ep := res.Episode
	p := persona.Episode(ep, persona.UserInfoFrom(c.userSnapshot()))

	if err := c.applyPersona(ctx, p, "episode"); err != nil {
		if abortErr := c.svc.dispatcher.AbortEpisode(ctx, c.deviceID); abortErr != nil {
			c.logger.Error("Failed to roll back episode start", zap.Error(abortErr))
		}
		c.fail(domain.ErrCodePersonaFailed, "I couldn't start the episode. Let's try again!")
		return entities.Failed(call, "Could not switch to the episode teacher")
	}

	c.mu.Lock()
	c.state = StateLearning
	c.current = ep
	c.mu.Unlock()

	c.send(domain.AgentSwitchedMessage{
		Type:    domain.TypeAgentSwitched,
		Agent:   p.Name,
		Episode: ep.Summary(),
	})
	c.send(domain.EpisodeStartedMessage{
		Type:    domain.TypeEpisodeStarted,
		Episode: ep.Summary(),
		Message: fmt.Sprintf("Let's start learning with '%s'!", ep.Title),
	})
	return res
}

// finishEpisode moves LEARNING through EPISODE_COMPLETE back to
// CHOOSING_EPISODE, or stays in EPISODE_COMPLETE when nothing is left. The
// completion is already stored; if the choice persona cannot be applied the
// conversation parks in ERROR and a failed result replaces res.
func (c *Conversation) finishEpisode(ctx context.Context, call entities.FunctionCallRequest, res entities.FunctionCallResult) entities.FunctionCallResult {
	words, _ := res.Fields["words_learned"].([]string)
	topics, _ := res.Fields["topics_learned"].([]string)
	totals, _ := res.Fields["totals"].(*entities.LearningAnalytics)

	c.mu.Lock()
	c.state = StateEpisodeComplete
	c.current = nil
	if res.NextEpisode != nil {
		c.next = res.NextEpisode
	}
	for _, w := range words {
		c.words = appendUnique(c.words, w)
	}
	for _, t := range topics {
		c.topics = appendUnique(c.topics, t)
	}
	c.mu.Unlock()

	if res.NextEpisode == nil {
		c.send(domain.AllEpisodesCompletedMessage{
			Type:    domain.TypeAllEpisodesCompleted,
			Message: "Congratulations! You've completed all available episodes!",
			Stats:   c.Stats(),
		})
		c.logger.Info("All episodes completed")
		return res
	}

	next := res.NextEpisode
	c.send(domain.EpisodeCompletedMessage{
		Type:         domain.TypeEpisodeCompleted,
		Message:      fmt.Sprintf("Episode completed! Ready for your next adventure: '%s'?", next.Title),
		WordsLearned: words,
		Totals:       totals,
		NextEpisode:  next.Summary(),
		Stats:        c.Stats(),
	})

	p := persona.Choice(next, persona.UserInfoFrom(c.userSnapshot()))
	if err := c.applyPersona(ctx, p, "choice"); err != nil {
		c.fail(domain.ErrCodePersonaFailed, "I'm having trouble getting the next adventure ready. Say start to try again.")
		return entities.Failed(call, "Episode saved, but the next adventure is not ready")
	}

	c.setState(StateChoosingEpisode)
	c.send(domain.AgentSwitchedMessage{
		Type:    domain.TypeAgentSwitched,
		Agent:   p.Name,
		Episode: next.Summary(),
	})
	return res
}

// recoverPersona reapplies the persona for where the child left off after a
// failed swap: the current episode's teacher, or the choice agent.
func (c *Conversation) recoverPersona(ctx context.Context) error {
	c.mu.Lock()
	current, next, user := c.current, c.next, c.user
	c.mu.Unlock()

	info := persona.UserInfoFrom(user)
	var (
		p     entities.PersonaConfig
		kind  string
		state State
		ep    *entities.Episode
	)
	switch {
	case current != nil:
		p, kind, state, ep = persona.Episode(current, info), "episode", StateLearning, current
	case next != nil:
		p, kind, state, ep = persona.Choice(next, info), "choice", StateChoosingEpisode, next
	default:
		return ErrNoEpisodes
	}

	if err := c.applyPersona(ctx, p, kind); err != nil {
		c.fail(domain.ErrCodePersonaFailed, "I'm still having trouble getting ready. Please try again.")
		return err
	}
	c.setState(state)
	c.send(domain.AgentSwitchedMessage{
		Type:    domain.TypeAgentSwitched,
		Agent:   p.Name,
		Episode: ep.Summary(),
	})
	c.logger.Info("Recovered from failed persona swap", zap.String("persona", p.Name))
	return nil
}

// HandleAudio forwards a device frame at the device rate. It never waits on
// the turn lock.
func (c *Conversation) HandleAudio(pcm []byte) {
	if len(pcm) == 0 || !c.Active() {
		return
	}
	now := time.Now()
	if c.timer.Audio(now) {
		c.logger.Debug("Talk time chunk started")
	}

	c.mu.Lock()
	c.pendingAudio = true
	c.lastUserInput = now
	c.mu.Unlock()

	if err := c.svc.realtime.SendAudio(c.deviceID, c.svc.cfg.Pipeline.ToService(pcm)); err != nil {
		c.logger.Warn("Failed to forward audio", zap.Error(err))
	}
}

// EndStream closes the talk-time chunk and commits buffered audio.
func (c *Conversation) EndStream() {
	now := time.Now()
	c.timer.EndStream(now)

	c.mu.Lock()
	pending := c.pendingAudio && c.active
	c.pendingAudio = false
	if pending {
		c.turnEndedAt = now
	}
	c.mu.Unlock()

	if !pending {
		return
	}
	if err := c.svc.realtime.CommitAudio(c.deviceID); err != nil {
		c.logger.Warn("Failed to commit audio", zap.Error(err))
	}
}

// HandleText queues a text turn. Turns run in arrival order on the text
// loop; HandleText itself never waits on the turn lock.
func (c *Conversation) HandleText(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	active, texts := c.active, c.texts
	c.mu.Unlock()
	if !active {
		c.send(domain.NewErrorMessage(domain.ErrCodeNoConversation, "No active conversation. Send start_conversation first."))
		return
	}

	select {
	case texts <- text:
	default:
		c.logger.Warn("Text queue full, dropping turn")
		c.send(domain.NewErrorMessage(domain.ErrCodeBusy, "I'm still thinking about what you said. Please wait a moment."))
	}
}

func (c *Conversation) textLoop(texts <-chan string, done <-chan struct{}) {
	for {
		select {
		case text := <-texts:
			c.sendText(text)
		case <-done:
			return
		}
	}
}

// sendText sends one text turn and asks for a response.
func (c *Conversation) sendText(text string) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if !c.Active() {
		return
	}
	c.timer.Text()
	c.mu.Lock()
	c.lastUserInput = time.Now()
	c.mu.Unlock()

	if err := c.svc.realtime.SendText(c.deviceID, text); err != nil {
		c.logger.Warn("Failed to send text", zap.Error(err))
		return
	}
	if _, err := c.svc.realtime.RequestResponse(c.deviceID); err != nil {
		c.logger.Warn("Failed to request response", zap.Error(err))
	}
}

// StartConversation restarts after a lost session or an explicit end,
// retries the persona after a failed swap, and re-greets otherwise.
func (c *Conversation) StartConversation(ctx context.Context) error {
	if !c.Active() {
		return c.Start(ctx)
	}
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if c.State() == StateError {
		if err := c.recoverPersona(ctx); err != nil {
			return err
		}
	}
	return c.svc.realtime.StartConversation(c.deviceID)
}

// EndConversation stops the conversation but keeps the device connected.
func (c *Conversation) EndConversation(ctx context.Context) {
	c.StopTiming()
	if err := c.EndLearningSession(ctx); err != nil {
		c.logger.Warn("Failed to end learning session", zap.Error(err))
	}
	c.CloseRealtime()
}

// Heartbeat answers a device heartbeat.
func (c *Conversation) Heartbeat() {
	c.send(domain.HeartbeatAckMessage{
		Type:         domain.TypeHeartbeatAck,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SessionStats: c.Stats(),
	})
}

// StopTiming closes the talk-time chunk; the remainder is flushed.
func (c *Conversation) StopTiming() {
	c.timer.Stop(time.Now())
}

// EndLearningSession closes an open learning-session record as ended.
func (c *Conversation) EndLearningSession(ctx context.Context) error {
	sess, err := c.svc.sessions.Get(ctx, c.deviceID)
	if errors.Is(err, repositories.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.LearningSessionID == "" {
		return nil
	}
	return c.svc.progress.EndSession(ctx, sess.LearningSessionID, entities.LearningSessionEnded)
}

// CloseRealtime ends the remote session and waits briefly for the event
// loop to drain. The conversation becomes DISCONNECTED.
func (c *Conversation) CloseRealtime() {
	c.mu.Lock()
	c.ending = true
	c.active = false
	c.state = StateDisconnected
	done := c.loopDone
	c.mu.Unlock()

	c.svc.realtime.Close(c.deviceID)

	if done != nil {
		select {
		case <-done:
		case <-time.After(loopExitWait):
			c.logger.Warn("Event loop did not exit in time")
		}
	}
}

func (c *Conversation) closeRealtime() {
	c.mu.Lock()
	c.ending = true
	c.active = false
	c.mu.Unlock()
	c.svc.realtime.Close(c.deviceID)
}

// DeleteSession removes the device's Session Store entry.
func (c *Conversation) DeleteSession(ctx context.Context) error {
	return c.svc.sessions.Delete(ctx, c.deviceID)
}

func (c *Conversation) fail(code, message string) {
	c.mu.Lock()
	c.state = StateError
	c.errorCount++
	c.mu.Unlock()
	c.send(domain.NewErrorMessage(code, message))
}

func (c *Conversation) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conversation) addWord(word string) {
	if word == "" {
		return
	}
	c.mu.Lock()
	c.words = appendUnique(c.words, word)
	c.mu.Unlock()
}

func (c *Conversation) userSnapshot() *entities.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conversation) send(msg any) {
	if err := c.out.SendMessage(msg); err != nil {
		c.logger.Warn("Failed to send message to device", zap.Error(err))
	}
}

// flushTalkTime adds closed talk time to the session counters and the
// progress store.
func (c *Conversation) flushTalkTime(d time.Duration) {
	seconds := d.Seconds()
	c.mu.Lock()
	c.talkSeconds += seconds
	c.mu.Unlock()
	c.svc.metrics.AddConversationTime(seconds)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var userID, learningSessionID string
	c.updateSession(func(s *entities.DeviceSession) {
		s.ConversationSeconds += seconds
		userID = s.UserID
		learningSessionID = s.LearningSessionID
	})
	if userID == "" {
		return
	}
	if err := c.svc.progress.UpdateSessionConversationTime(ctx, userID, learningSessionID, seconds); err != nil {
		c.logger.Warn("Failed to record conversation time", zap.Float64("seconds", seconds), zap.Error(err))
	}
}

func (c *Conversation) updateSession(mutate func(*entities.DeviceSession)) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	sess, err := c.svc.sessions.Get(ctx, c.deviceID)
	if err != nil {
		if !errors.Is(err, repositories.ErrSessionNotFound) {
			c.logger.Warn("Failed to load device session", zap.Error(err))
		}
		return
	}
	mutate(sess)
	if err := c.svc.sessions.Set(ctx, sess, c.svc.cfg.SessionTTL); err != nil {
		c.logger.Warn("Failed to save device session", zap.Error(err))
	}
}

// DeviceID returns the device this conversation belongs to.
func (c *Conversation) DeviceID() string {
	return c.deviceID
}

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether a realtime session is attached.
func (c *Conversation) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stats summarizes the connection for device-facing messages.
func (c *Conversation) Stats() domain.SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.SessionStats{
		SessionDurationSeconds:  int(time.Since(c.startedAt).Seconds()),
		WordsLearned:            len(c.words),
		TopicsCovered:           len(c.topics),
		ConversationTimeSeconds: c.talkSeconds,
		State:                   string(c.state),
		ErrorCount:              c.errorCount,
	}
}

// Snapshot is the conversation as shown on status endpoints.
type Snapshot struct {
	DeviceID       string                   `json:"device_id"`
	UserID         string                   `json:"user_id,omitempty"`
	State          State                    `json:"state"`
	CurrentEpisode *entities.EpisodeSummary `json:"current_episode,omitempty"`
	NextEpisode    *entities.EpisodeSummary `json:"next_episode,omitempty"`
	WordsLearned   []string                 `json:"words_learned"`
	LastUserInput  *time.Time               `json:"last_user_input,omitempty"`
	Stats          domain.SessionStats      `json:"stats"`
}

func (c *Conversation) Snapshot() Snapshot {
	stats := c.Stats()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		DeviceID:       c.deviceID,
		State:          c.state,
		CurrentEpisode: c.current.Summary(),
		NextEpisode:    c.next.Summary(),
		WordsLearned:   append([]string{}, c.words...),
		Stats:          stats,
	}
	if c.user != nil {
		s.UserID = c.user.ID
	}
	if !c.lastUserInput.IsZero() {
		t := c.lastUserInput
		s.LastUserInput = &t
	}
	return s
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
