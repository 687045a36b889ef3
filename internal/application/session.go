package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-client/internal/domain"
)

const (
	defaultOpenTimeout = 10 * time.Second
	controlSendTimeout = 2 * time.Second
	notifyTimeout      = 10 * time.Second
)

// Manager owns session identity and the channel lifecycle, and coordinates
// capture, playback and protocol handling for one voice session at a time.
type Manager struct {
	dialer    Dialer
	playback  *FallbackPlayback
	scheduler *PlaybackScheduler
	capture   *CapturePipeline
	protocol  *ProtocolStateMachine
	turns     *TurnAccumulator
	listener  Listener
	notifier  Notifier
	recorder  Recorder
	logger    *slog.Logger

	openTimeout time.Duration
	profile     domain.UserContext

	// lifecycle serializes Open, Start, Stop, Reconnect and Teardown.
	lifecycle sync.Mutex

	mu    sync.Mutex
	state sessionState
}

// sessionState is everything that belongs to one opened channel.
type sessionState struct {
	id         string
	status     domain.ConnectionStatus
	channel    Channel
	started    bool
	endSent    bool
	closing    bool
	recording  bool
	readCancel context.CancelFunc
	readDone   chan struct{}
}

type ManagerConfig struct {
	Dialer          Dialer
	Capture         CaptureDevice
	CaptureFallback CaptureDevice
	Playback        PlaybackDevice
	// PlaybackFallback replaces Playback when it reports ErrLowLatencyUnavailable.
	PlaybackFallback PlaybackDevice
	CaptureFormat    AudioFormat
	OpenTimeout      time.Duration
	Profile          domain.UserContext
	Listener         Listener
	Notifier         Notifier
	Recorder         Recorder
	Logger           *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Listener == nil {
		cfg.Listener = NoopListener{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = &NoopNotifier{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NoopRecorder{}
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.CaptureFormat.SampleRate == 0 {
		cfg.CaptureFormat = DefaultAudioFormat()
	}

	m := &Manager{
		dialer:      cfg.Dialer,
		turns:       NewTurnAccumulator(),
		listener:    cfg.Listener,
		notifier:    cfg.Notifier,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		openTimeout: cfg.OpenTimeout,
		profile:     cfg.Profile,
		state:       sessionState{status: domain.StatusInitializing},
	}

	m.playback = NewFallbackPlayback(cfg.Playback, cfg.PlaybackFallback, cfg.Logger)
	m.scheduler = NewPlaybackScheduler(m.playback, domain.OutputSampleRate, cfg.Recorder, cfg.Logger)
	echo := NewEchoSuppressor(cfg.CaptureFormat.SampleRate, domain.OutputSampleRate)
	m.scheduler.SetReferenceTap(echo)
	m.protocol = NewProtocolStateMachine(ProtocolConfig{
		Turns:    m.turns,
		Playback: m.scheduler,
		Listener: &notifyingListener{Listener: cfg.Listener, manager: m},
		Recorder: cfg.Recorder,
		Logger:   cfg.Logger,
		OnFatal:  m.onProtocolError,
	})
	m.capture = NewCapturePipeline(CaptureConfig{
		Preferred: cfg.Capture,
		Fallback:  cfg.CaptureFallback,
		Format:    cfg.CaptureFormat,
		Send:      m.sendAudio,
		Muted:     m.protocol.Speaking,
		Echo:      echo,
		Clock:     m.playback.Now,
		Recorder:  cfg.Recorder,
		Logger:    cfg.Logger,
	})
	cfg.Recorder.Status(domain.StatusInitializing)

	return m
}

// Open allocates a fresh session identity and dials the channel. It is a
// no-op while a healthy channel is open, and fails with ErrChannelOpen if the
// channel is not ready within the open timeout.
func (m *Manager) Open(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.openLocked(ctx)
}

func (m *Manager) openLocked(ctx context.Context) error {
	m.mu.Lock()
	healthy := m.state.channel != nil && m.state.status == domain.StatusConnected
	stale := m.state.channel != nil && !healthy
	m.mu.Unlock()

	if healthy {
		return nil
	}
	if stale {
		m.teardownLocked()
	}
	m.protocol.Reset()

	id := uuid.NewString()
	m.mu.Lock()
	m.state = sessionState{id: id, status: m.state.status}
	m.mu.Unlock()

	logger := m.logger.With("session_id", id)
	logger.Info("opening channel")

	dialCtx, cancel := context.WithTimeout(ctx, m.openTimeout)
	defer cancel()

	ch, err := m.dialer.Dial(dialCtx, id)
	if err != nil {
		m.setStatus(domain.StatusError)
		m.notify(fmt.Sprintf("Voice session could not connect: %v", err))
		return fmt.Errorf("%w: %v", domain.ErrChannelOpen, err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.state.channel = ch
	m.state.readCancel = readCancel
	m.state.readDone = done
	m.mu.Unlock()

	go m.readLoop(readCtx, ch, done, logger)

	m.setStatus(domain.StatusConnected)
	logger.Info("channel connected")
	return nil
}

func (m *Manager) readLoop(ctx context.Context, ch Channel, done chan struct{}, logger *slog.Logger) {
	defer close(done)
	for {
		raw, err := ch.Receive(ctx)
		if err != nil {
			m.onChannelClosed(ch, err, logger)
			return
		}
		if err := m.protocol.Handle(raw); err != nil {
			logger.Debug("inbound message not applied", "error", err)
		}
	}
}

func (m *Manager) onChannelClosed(ch Channel, err error, logger *slog.Logger) {
	m.mu.Lock()
	if m.state.channel != ch || m.state.closing {
		m.mu.Unlock()
		return
	}
	m.state.channel = nil
	// the agent closes its end once it has answered end_session
	clean := m.state.endSent
	m.mu.Unlock()

	if clean {
		logger.Info("channel closed by agent after end_session")
		m.stopCapture()
		_ = ch.Close()
		if m.protocol.Analyzing() {
			logger.Warn("channel closed before transcript analysis arrived")
			m.protocol.CancelAnalysis()
		}
		m.setStatus(domain.StatusReady)
		return
	}

	logger.Error("channel closed unexpectedly", "error", err)
	m.setStatus(domain.StatusError)
	m.stopCapture()
	_ = ch.Close()

	closedErr := fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	m.listener.OnError(closedErr)
	m.notify(fmt.Sprintf("Voice session disconnected: %v", err))
}

// onProtocolError runs on the reader goroutine. The status flips before
// capture stops so a concurrent Start sees the failure.
func (m *Manager) onProtocolError(err error) {
	m.setStatus(domain.StatusError)
	m.stopCapture()
	m.notify(fmt.Sprintf("Voice agent error: %v", err))
}

// Start begins a recording cycle: it opens the microphone, sends
// start_session with the user context and resets the playback clock. It must
// be called once per opened channel.
func (m *Manager) Start(ctx context.Context, userContext *domain.UserContext) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	ch, status, started := m.state.channel, m.state.status, m.state.started
	m.mu.Unlock()

	if ch == nil || status != domain.StatusConnected {
		return domain.ErrNotConnected
	}
	if started {
		return domain.ErrAlreadyStarted
	}

	uc := m.profile
	if userContext != nil {
		uc = *userContext
	}

	if err := m.playback.Start(ctx, PlaybackAudioFormat()); err != nil {
		return fmt.Errorf("starting playback: %w", err)
	}
	m.scheduler.Reset()

	if err := m.capture.Start(ctx); err != nil {
		m.setRecording(false)
		m.closePlayback()
		return fmt.Errorf("starting capture: %w", err)
	}

	// the reader goroutine may have failed the channel while the device opened
	if !m.stillConnected(ch) {
		m.stopCapture()
		m.closePlayback()
		return fmt.Errorf("session lost while starting: %w", domain.ErrNotConnected)
	}

	sendCtx, cancel := context.WithTimeout(ctx, controlSendTimeout)
	defer cancel()
	if err := ch.Send(sendCtx, domain.NewStartSession(uc)); err != nil {
		m.stopCapture()
		m.closePlayback()
		return fmt.Errorf("sending start_session: %w", err)
	}

	m.mu.Lock()
	live := m.state.channel == ch && m.state.status == domain.StatusConnected
	if live {
		m.state.started = true
		m.state.recording = true
	}
	m.mu.Unlock()

	if !live {
		m.stopCapture()
		return fmt.Errorf("session lost while starting: %w", domain.ErrNotConnected)
	}

	m.logger.Info("session started", "session_id", m.SessionID(), "has_context", !uc.IsEmpty())
	return nil
}

// Stop releases the microphone and sends end_session once. Queued agent
// audio keeps playing. Repeated calls have no further effect.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stopCapture()

	m.mu.Lock()
	ch, started := m.state.channel, m.state.started
	shouldSend := ch != nil && !m.state.endSent
	if shouldSend {
		m.state.endSent = true
	}
	m.mu.Unlock()

	if !shouldSend {
		return nil
	}

	if started {
		m.protocol.MarkAnalyzing()
	}

	sendCtx, cancel := context.WithTimeout(ctx, controlSendTimeout)
	defer cancel()
	if err := ch.Send(sendCtx, domain.ControlMessage{Type: domain.TypeEndSession}); err != nil {
		return fmt.Errorf("sending end_session: %w", err)
	}

	m.logger.Info("session ended", "session_id", m.SessionID())
	return nil
}

// Reconnect tears down the current channel and transient state, then opens
// a new channel under a fresh identity.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.teardownLocked()
	m.scheduler.Reset()
	m.setStatus(domain.StatusInitializing)

	return m.openLocked(ctx)
}

// Teardown sends end_session if still owed, closes the channel, releases
// both audio devices and clears the playback queue.
func (m *Manager) Teardown() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	m.stopCapture()

	m.mu.Lock()
	ch := m.state.channel
	owesEnd := ch != nil && !m.state.endSent
	m.state.endSent = true
	m.state.closing = true
	readCancel, readDone := m.state.readCancel, m.state.readDone
	m.mu.Unlock()

	if ch != nil {
		if owesEnd {
			ctx, cancel := context.WithTimeout(context.Background(), controlSendTimeout)
			if err := ch.Send(ctx, domain.ControlMessage{Type: domain.TypeEndSession}); err != nil {
				m.logger.Warn("sending end_session during teardown", "error", err)
			}
			cancel()
		}
		if err := ch.Close(); err != nil {
			m.logger.Warn("closing channel", "error", err)
		}
	}
	if readCancel != nil {
		readCancel()
	}
	if readDone != nil {
		<-readDone
	}

	m.closePlayback()

	m.mu.Lock()
	m.state.channel = nil
	m.state.readCancel = nil
	m.state.readDone = nil
	m.state.started = false
	wasOpen := ch != nil
	m.mu.Unlock()

	if wasOpen {
		m.setStatus(domain.StatusReady)
	}
}

// RequestStats asks the agent for a session_stats message.
func (m *Manager) RequestStats(ctx context.Context) error {
	return m.send(ctx, domain.ControlMessage{Type: domain.TypeGetStats})
}

func (m *Manager) send(ctx context.Context, msg any) error {
	m.mu.Lock()
	ch := m.state.channel
	m.mu.Unlock()
	if ch == nil {
		return domain.ErrNotConnected
	}
	return ch.Send(ctx, msg)
}

// sendAudio is the capture pipeline's send capability. Frames outside a
// started, not yet ended session are refused with ErrNotConnected.
func (m *Manager) sendAudio(ctx context.Context, msg any) error {
	m.mu.Lock()
	ch := m.state.channel
	live := m.state.started && !m.state.endSent
	m.mu.Unlock()
	if ch == nil || !live {
		return domain.ErrNotConnected
	}
	return ch.Send(ctx, msg)
}

func (m *Manager) stillConnected(ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.channel == ch && m.state.status == domain.StatusConnected
}

func (m *Manager) closePlayback() {
	m.scheduler.Reset()
	if err := m.playback.Close(); err != nil {
		m.logger.Warn("closing playback device", "error", err)
	}
}

func (m *Manager) stopCapture() {
	if err := m.capture.Stop(); err != nil {
		m.logger.Warn("stopping capture", "error", err)
	}
	m.setRecording(false)
}

func (m *Manager) setRecording(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.recording = v
}

func (m *Manager) setStatus(status domain.ConnectionStatus) {
	m.mu.Lock()
	if m.state.status == status {
		m.mu.Unlock()
		return
	}
	m.state.status = status
	m.mu.Unlock()

	m.recorder.Status(status)
	m.listener.OnStatus(status)
}

func (m *Manager) notify(message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, message); err != nil {
			m.logger.Error("sending notification", "error", err)
		}
	}()
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.id
}

func (m *Manager) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.status
}

func (m *Manager) Snapshot() domain.Snapshot {
	m.mu.Lock()
	snap := domain.Snapshot{
		SessionID: m.state.id,
		Status:    m.state.status,
		Recording: m.state.recording,
	}
	m.mu.Unlock()

	snap.Turn = m.protocol.State()
	snap.Processing = m.protocol.Processing()
	snap.AgentSpeaking = m.protocol.AgentSpeaking()
	snap.Analyzing = m.protocol.Analyzing()
	snap.LastError = m.protocol.LastError()
	snap.LiveTranscript = m.turns.LiveTranscript()
	return snap
}

func (m *Manager) History() []domain.ChatTurn {
	return m.turns.History()
}

func (m *Manager) Latest() (domain.ChatTurn, bool) {
	return m.turns.Latest()
}

func (m *Manager) Analysis() (json.RawMessage, bool) {
	return m.protocol.Analysis()
}

func (m *Manager) Stats() (json.RawMessage, bool) {
	return m.protocol.Stats()
}

func (m *Manager) Usage() (domain.TokenUsage, bool) {
	return m.protocol.Usage()
}

// WaitAnalysis blocks until no analysis is pending or ctx ends.
func (m *Manager) WaitAnalysis(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for m.protocol.Analyzing() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// IsFatal reports whether err requires a user-triggered reconnect.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrChannelOpen) ||
		errors.Is(err, domain.ErrChannelClosed) ||
		errors.Is(err, domain.ErrProtocol)
}

// notifyingListener forwards protocol events and pushes a notification when
// the transcript analysis arrives.
type notifyingListener struct {
	Listener
	manager *Manager
}

func (l *notifyingListener) OnAnalysis(analysis json.RawMessage) {
	l.Listener.OnAnalysis(analysis)
	l.manager.notify(analysisSummary(l.manager.SessionID(), analysis))
}

func analysisSummary(sessionID string, analysis json.RawMessage) string {
	var body struct {
		Summary string `json:"summary"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(analysis, &body)

	switch {
	case body.Summary != "":
		return fmt.Sprintf("Session %s analysis: %s", sessionID, body.Summary)
	case body.Error != "":
		return fmt.Sprintf("Session %s analysis failed: %s", sessionID, body.Error)
	default:
		return fmt.Sprintf("Session %s analysis ready", sessionID)
	}
}
