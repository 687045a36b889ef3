package application

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"voice-client/internal/domain"
)

// Enqueuer accepts inbound audio frames for playback.
type Enqueuer interface {
	Enqueue(frame string)
}

type eventHandler struct {
	handle func(m *ProtocolStateMachine, raw []byte) error
	// turn events are ignored once the machine is in the error state
	turn bool
}

var protocolHandlers = map[string]eventHandler{
	domain.TypeSessionStarted:     {handle: (*ProtocolStateMachine).onInformational},
	domain.TypeAgentReady:         {handle: (*ProtocolStateMachine).onInformational},
	domain.TypeSettingsApplied:    {handle: (*ProtocolStateMachine).onInformational},
	domain.TypeAudioConfig:        {handle: (*ProtocolStateMachine).onAudioConfig},
	domain.TypeSpeechStarted:      {handle: (*ProtocolStateMachine).onSpeechStarted, turn: true},
	domain.TypeTranscript:         {handle: (*ProtocolStateMachine).onTranscript, turn: true},
	domain.TypeThinking:           {handle: (*ProtocolStateMachine).onThinking, turn: true},
	domain.TypeResponse:           {handle: (*ProtocolStateMachine).onResponse, turn: true},
	domain.TypePlaybackStarted:    {handle: (*ProtocolStateMachine).onPlaybackStarted, turn: true},
	domain.TypeAudioChunk:         {handle: (*ProtocolStateMachine).onAudioChunk, turn: true},
	domain.TypePlaybackFinished:   {handle: (*ProtocolStateMachine).onPlaybackFinished, turn: true},
	domain.TypeError:              {handle: (*ProtocolStateMachine).onError, turn: true},
	domain.TypeTranscriptAnalysis: {handle: (*ProtocolStateMachine).onTranscriptAnalysis},
	domain.TypeTokenUsage:         {handle: (*ProtocolStateMachine).onTokenUsage},
	domain.TypeSessionStats:       {handle: (*ProtocolStateMachine).onSessionStats},
}

// KnownEventTypes lists every inbound type with a handler.
func KnownEventTypes() []string {
	types := make([]string, 0, len(protocolHandlers))
	for t := range protocolHandlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ProtocolStateMachine interprets inbound agent events in arrival order and
// drives turn-taking. Handle must be called from a single goroutine.
type ProtocolStateMachine struct {
	turns    *TurnAccumulator
	playback Enqueuer
	listener Listener
	recorder Recorder
	logger   *slog.Logger
	onFatal  func(error)

	speaking atomic.Bool

	mu            sync.RWMutex
	state         domain.TurnState
	processing    bool
	agentSpeaking bool
	analyzing     bool
	lastError     string
	usage         *domain.TokenUsage
	stats         json.RawMessage
	analysis      json.RawMessage
}

type ProtocolConfig struct {
	Turns    *TurnAccumulator
	Playback Enqueuer
	Listener Listener
	Recorder Recorder
	Logger   *slog.Logger
	// OnFatal is invoked after an agent error event has been applied.
	OnFatal func(error)
}

func NewProtocolStateMachine(cfg ProtocolConfig) *ProtocolStateMachine {
	if cfg.Listener == nil {
		cfg.Listener = NoopListener{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NoopRecorder{}
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(error) {}
	}
	return &ProtocolStateMachine{
		turns:    cfg.Turns,
		playback: cfg.Playback,
		listener: cfg.Listener,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		onFatal:  cfg.OnFatal,
		state:    domain.TurnIdle,
	}
}

// Handle applies one raw inbound message. Malformed and unknown messages are
// logged and reported as errors; neither changes state.
func (m *ProtocolStateMachine) Handle(raw []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn("ignoring malformed message", "error", err)
		return fmt.Errorf("parsing envelope: %w", err)
	}

	h, ok := protocolHandlers[env.Type]
	if !ok {
		m.recorder.UnknownMessage()
		m.logger.Warn("ignoring unknown message", "type", env.Type)
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessage, env.Type)
	}

	if h.turn && m.State() == domain.TurnError {
		m.logger.Debug("ignoring event in error state", "type", env.Type)
		return nil
	}

	return h.handle(m, raw)
}

func (m *ProtocolStateMachine) setState(next domain.TurnState, mutate func()) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	if mutate != nil {
		mutate()
	}
	m.mu.Unlock()

	m.speaking.Store(next == domain.TurnSpeaking)
	if prev != next {
		m.logger.Debug("turn state changed", "from", prev, "to", next)
		m.listener.OnTurnState(next)
	}
}

func (m *ProtocolStateMachine) update(mutate func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate()
}

func (m *ProtocolStateMachine) onInformational(raw []byte) error {
	var env domain.Envelope
	_ = json.Unmarshal(raw, &env)
	m.logger.Info("agent event", "type", env.Type)
	return nil
}

func (m *ProtocolStateMachine) onAudioConfig(raw []byte) error {
	var ev domain.AudioConfigEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("parsing audio_config: %w", err)
	}
	m.logger.Info("agent audio config", "config", string(ev.Config))
	return nil
}

func (m *ProtocolStateMachine) onSpeechStarted(_ []byte) error {
	m.setState(domain.TurnListening, func() { m.processing = true })
	return nil
}

func (m *ProtocolStateMachine) onTranscript(raw []byte) error {
	var ev domain.TextEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("parsing transcript: %w", err)
	}
	m.turns.OnFragmentTranscript(ev.Text)
	m.listener.OnTranscript(m.turns.LiveTranscript())
	return nil
}

func (m *ProtocolStateMachine) onThinking(_ []byte) error {
	m.setState(domain.TurnThinking, func() { m.processing = true })
	return nil
}

func (m *ProtocolStateMachine) onResponse(raw []byte) error {
	var ev domain.TextEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	m.turns.OnFragmentResponse(ev.Text)
	return nil
}

func (m *ProtocolStateMachine) onPlaybackStarted(_ []byte) error {
	m.setState(domain.TurnSpeaking, func() {
		m.agentSpeaking = true
		m.processing = false
	})
	return nil
}

func (m *ProtocolStateMachine) onAudioChunk(raw []byte) error {
	var ev domain.AudioEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("parsing audio_chunk: %w", err)
	}
	if ev.SampleRate != 0 && ev.SampleRate != domain.OutputSampleRate {
		m.logger.Warn("agent audio sample rate differs from playback rate",
			"sample_rate", ev.SampleRate,
			"playback_rate", domain.OutputSampleRate,
		)
	}
	m.playback.Enqueue(ev.Audio)
	return nil
}

func (m *ProtocolStateMachine) onPlaybackFinished(_ []byte) error {
	m.setState(domain.TurnIdle, func() { m.agentSpeaking = false })

	turn, ok := m.turns.Commit()
	if !ok {
		return nil
	}
	m.recorder.TurnCommitted()
	m.logger.Info("turn committed", "turn_id", turn.ID)
	m.listener.OnTurn(turn)
	return nil
}

func (m *ProtocolStateMachine) onError(raw []byte) error {
	var ev domain.ErrorEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		ev.Message = "malformed error event"
	}

	m.setState(domain.TurnError, func() {
		m.processing = false
		m.analyzing = false
		m.agentSpeaking = false
		m.lastError = ev.Message
	})
	m.turns.Discard()

	err := &domain.ProtocolError{Message: ev.Message}
	m.recorder.ProtocolError()
	m.logger.Error("agent reported error", "message", ev.Message)
	m.listener.OnError(err)
	m.onFatal(err)
	return nil
}

func (m *ProtocolStateMachine) onTranscriptAnalysis(raw []byte) error {
	var ev domain.AnalysisEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("parsing transcript_analysis: %w", err)
	}
	m.update(func() {
		m.analysis = ev.Analysis
		m.analyzing = false
	})
	m.listener.OnAnalysis(ev.Analysis)
	return nil
}

func (m *ProtocolStateMachine) onTokenUsage(raw []byte) error {
	var usage domain.TokenUsage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return fmt.Errorf("parsing token_usage: %w", err)
	}
	m.update(func() { m.usage = &usage })
	m.logger.Debug("token usage", "turn", usage.Turn, "input", usage.InputTokens, "output", usage.OutputTokens)
	return nil
}

func (m *ProtocolStateMachine) onSessionStats(raw []byte) error {
	var ev domain.StatsEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("parsing session_stats: %w", err)
	}
	m.update(func() { m.stats = ev.Stats })
	return nil
}

// MarkAnalyzing records that a transcript analysis is expected.
func (m *ProtocolStateMachine) MarkAnalyzing() {
	m.update(func() { m.analyzing = true })
}

// Reset returns to idle and drops the in-flight turn. Committed history is
// kept.
func (m *ProtocolStateMachine) Reset() {
	m.setState(domain.TurnIdle, func() {
		m.processing = false
		m.agentSpeaking = false
		m.analyzing = false
		m.lastError = ""
	})
	m.turns.Discard()
}

// Speaking reports whether agent audio is being rendered. Safe from any
// goroutine without locking.
func (m *ProtocolStateMachine) Speaking() bool {
	return m.speaking.Load()
}

func (m *ProtocolStateMachine) State() domain.TurnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *ProtocolStateMachine) Processing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processing
}

func (m *ProtocolStateMachine) AgentSpeaking() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agentSpeaking
}

func (m *ProtocolStateMachine) Analyzing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.analyzing
}

func (m *ProtocolStateMachine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

func (m *ProtocolStateMachine) Analysis() (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.analysis, m.analysis != nil
}

func (m *ProtocolStateMachine) Stats() (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats, m.stats != nil
}

func (m *ProtocolStateMachine) Usage() (domain.TokenUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.usage == nil {
		return domain.TokenUsage{}, false
	}
	return *m.usage, true
}

// CancelAnalysis drops a pending analysis expectation, e.g. when the channel
// closed before the agent delivered one.
func (m *ProtocolStateMachine) CancelAnalysis() {
	m.update(func() { m.analyzing = false })
}
