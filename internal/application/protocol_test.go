package application_test

import (
	"encoding/json"
	"errors"
	"testing"

	"voice-client/internal/application"
	"voice-client/internal/domain"
)

type recordingEnqueuer struct {
	frames []string
}

func (r *recordingEnqueuer) Enqueue(frame string) {
	r.frames = append(r.frames, frame)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func event(t *testing.T, msgType string, fields map[string]any) []byte {
	t.Helper()
	m := map[string]any{"type": msgType}
	for k, v := range fields {
		m[k] = v
	}
	return mustJSON(t, m)
}

type protocolHarness struct {
	machine  *application.ProtocolStateMachine
	turns    *application.TurnAccumulator
	playback *recordingEnqueuer
	listener *recordingListener
	fatal    []error
}

func newProtocolHarness() *protocolHarness {
	h := &protocolHarness{
		turns:    application.NewTurnAccumulator(),
		playback: &recordingEnqueuer{},
		listener: &recordingListener{},
	}
	h.machine = application.NewProtocolStateMachine(application.ProtocolConfig{
		Turns:    h.turns,
		Playback: h.playback,
		Listener: h.listener,
		Logger:   discardLogger(),
		OnFatal:  func(err error) { h.fatal = append(h.fatal, err) },
	})
	return h
}

func TestProtocol_HandlesEveryDocumentedType(t *testing.T) {
	documented := []string{
		"session_started", "agent_ready", "settings_applied", "speech_started",
		"transcript", "thinking", "response", "playback_started", "playback_finished",
		"audio_chunk", "error", "transcript_analysis",
	}

	known := map[string]bool{}
	for _, k := range application.KnownEventTypes() {
		known[k] = true
	}
	for _, d := range documented {
		if !known[d] {
			t.Errorf("no handler for %q", d)
		}
	}
}

func TestProtocol_Transitions(t *testing.T) {
	tests := []struct {
		name           string
		setup          []string
		event          string
		fields         map[string]any
		wantState      domain.TurnState
		wantProcessing bool
		wantSpeaking   bool
	}{
		{name: "initial idle", event: "agent_ready", wantState: domain.TurnIdle},
		{name: "speech started", event: "speech_started", wantState: domain.TurnListening, wantProcessing: true},
		{name: "transcript keeps listening", setup: []string{"speech_started"}, event: "transcript", fields: map[string]any{"text": "hi"}, wantState: domain.TurnListening, wantProcessing: true},
		{name: "thinking", setup: []string{"speech_started"}, event: "thinking", wantState: domain.TurnThinking, wantProcessing: true},
		{name: "response keeps thinking", setup: []string{"thinking"}, event: "response", fields: map[string]any{"text": "ok"}, wantState: domain.TurnThinking, wantProcessing: true},
		{name: "playback started", setup: []string{"thinking"}, event: "playback_started", wantState: domain.TurnSpeaking, wantSpeaking: true},
		{name: "playback finished", setup: []string{"thinking", "playback_started"}, event: "playback_finished", wantState: domain.TurnIdle},
		{name: "informational unchanged", setup: []string{"thinking"}, event: "settings_applied", wantState: domain.TurnThinking, wantProcessing: true},
		{name: "error absorbs", setup: []string{"thinking"}, event: "error", fields: map[string]any{"message": "boom"}, wantState: domain.TurnError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newProtocolHarness()
			for _, s := range tt.setup {
				if err := h.machine.Handle(event(t, s, nil)); err != nil {
					t.Fatalf("setup %s: %v", s, err)
				}
			}
			if err := h.machine.Handle(event(t, tt.event, tt.fields)); err != nil {
				t.Fatalf("handle %s: %v", tt.event, err)
			}

			if got := h.machine.State(); got != tt.wantState {
				t.Errorf("state = %s, want %s", got, tt.wantState)
			}
			if got := h.machine.Processing(); got != tt.wantProcessing {
				t.Errorf("processing = %v, want %v", got, tt.wantProcessing)
			}
			if got := h.machine.Speaking(); got != tt.wantSpeaking {
				t.Errorf("speaking = %v, want %v", got, tt.wantSpeaking)
			}
			if got := h.machine.AgentSpeaking(); got != tt.wantSpeaking {
				t.Errorf("agent speaking = %v, want %v", got, tt.wantSpeaking)
			}
		})
	}
}

func TestProtocol_AudioChunkForwardedInOrder(t *testing.T) {
	h := newProtocolHarness()

	for _, frame := range []string{"AAAA", "BBBB", "CCCC"} {
		if err := h.machine.Handle(event(t, "audio_chunk", map[string]any{"audio": frame})); err != nil {
			t.Fatalf("handle audio_chunk: %v", err)
		}
	}

	want := []string{"AAAA", "BBBB", "CCCC"}
	if len(h.playback.frames) != len(want) {
		t.Fatalf("forwarded %d frames, want %d", len(h.playback.frames), len(want))
	}
	for i := range want {
		if h.playback.frames[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, h.playback.frames[i], want[i])
		}
	}
}

func TestProtocol_UnknownTypeIgnored(t *testing.T) {
	h := newProtocolHarness()
	h.machine.Handle(event(t, "thinking", nil))

	err := h.machine.Handle(event(t, "mystery_event", nil))
	if !errors.Is(err, domain.ErrUnknownMessage) {
		t.Errorf("error = %v, want ErrUnknownMessage", err)
	}
	if h.machine.State() != domain.TurnThinking {
		t.Errorf("state changed to %s on unknown event", h.machine.State())
	}
}

func TestProtocol_MalformedMessage(t *testing.T) {
	h := newProtocolHarness()

	if err := h.machine.Handle([]byte("{not json")); err == nil {
		t.Error("expected error for malformed json")
	}
	if h.machine.State() != domain.TurnIdle {
		t.Errorf("state = %s, want idle", h.machine.State())
	}
}

func TestProtocol_ErrorClearsFlagsAndDropsTurn(t *testing.T) {
	h := newProtocolHarness()
	h.machine.MarkAnalyzing()

	for _, raw := range [][]byte{
		event(t, "speech_started", nil),
		event(t, "transcript", map[string]any{"text": "half a sentence"}),
		event(t, "error", map[string]any{"message": "upstream failed"}),
		event(t, "playback_finished", nil),
	} {
		h.machine.Handle(raw)
	}

	if h.machine.Processing() || h.machine.Analyzing() {
		t.Error("processing/analyzing flags not cleared")
	}
	if h.machine.State() != domain.TurnError {
		t.Errorf("state = %s, want error", h.machine.State())
	}
	if len(h.turns.History()) != 0 {
		t.Errorf("interrupted turn was committed: %+v", h.turns.History())
	}
	if len(h.fatal) != 1 {
		t.Fatalf("fatal callbacks = %d, want 1", len(h.fatal))
	}

	var perr *domain.ProtocolError
	if !errors.As(h.fatal[0], &perr) || perr.Message != "upstream failed" {
		t.Errorf("fatal error = %v", h.fatal[0])
	}
	if !errors.Is(h.fatal[0], domain.ErrProtocol) {
		t.Error("fatal error does not wrap ErrProtocol")
	}
	if h.machine.LastError() != "upstream failed" {
		t.Errorf("last error = %q", h.machine.LastError())
	}
}

func TestProtocol_AnalysisDelivered(t *testing.T) {
	h := newProtocolHarness()
	h.machine.MarkAnalyzing()

	h.machine.Handle(event(t, "transcript_analysis", map[string]any{
		"analysis": map[string]any{"sentiment": "positive"},
	}))

	if h.machine.Analyzing() {
		t.Error("analyzing flag still set")
	}
	if len(h.listener.analysis) != 1 {
		t.Fatalf("listener got %d analyses, want 1", len(h.listener.analysis))
	}

	var got map[string]string
	if err := json.Unmarshal(h.listener.analysis[0], &got); err != nil {
		t.Fatalf("decoding analysis: %v", err)
	}
	if got["sentiment"] != "positive" {
		t.Errorf("analysis = %v", got)
	}
	if _, ok := h.machine.Analysis(); !ok {
		t.Error("analysis not retained")
	}
}

func TestProtocol_TokenUsageAndStats(t *testing.T) {
	h := newProtocolHarness()

	h.machine.Handle(event(t, "token_usage", map[string]any{
		"turn": 2, "input_tokens": 10, "output_tokens": 20, "total_input": 30, "total_output": 40,
	}))
	h.machine.Handle(event(t, "session_stats", map[string]any{
		"stats": map[string]any{"turn_count": 2},
	}))

	usage, ok := h.machine.Usage()
	if !ok || usage.Turn != 2 || usage.TotalOutput != 40 {
		t.Errorf("usage = %+v, ok=%v", usage, ok)
	}
	if _, ok := h.machine.Stats(); !ok {
		t.Error("stats not retained")
	}
}

func TestProtocol_ResetLeavesErrorState(t *testing.T) {
	h := newProtocolHarness()
	h.machine.Handle(event(t, "error", map[string]any{"message": "x"}))
	h.machine.Reset()

	if h.machine.State() != domain.TurnIdle {
		t.Errorf("state after reset = %s, want idle", h.machine.State())
	}

	h.machine.Handle(event(t, "speech_started", nil))
	if h.machine.State() != domain.TurnListening {
		t.Errorf("state = %s, want listening", h.machine.State())
	}
}
