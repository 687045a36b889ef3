package domain

import "encoding/json"

// Outbound message types.
const (
	TypeStartSession = "start_session"
	TypeAudioChunk   = "audio_chunk"
	TypeEndSession   = "end_session"
	TypeGetStats     = "get_stats"
)

// Inbound message types.
const (
	TypeSessionStarted     = "session_started"
	TypeAgentReady         = "agent_ready"
	TypeSettingsApplied    = "settings_applied"
	TypeAudioConfig        = "audio_config"
	TypeSpeechStarted      = "speech_started"
	TypeTranscript         = "transcript"
	TypeThinking           = "thinking"
	TypeResponse           = "response"
	TypePlaybackStarted    = "playback_started"
	TypePlaybackFinished   = "playback_finished"
	TypeError              = "error"
	TypeTranscriptAnalysis = "transcript_analysis"
	TypeTokenUsage         = "token_usage"
	TypeSessionStats       = "session_stats"
)

const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	Channels         = 1
)

type StartSessionMessage struct {
	Type    string       `json:"type"`
	Context *UserContext `json:"context,omitempty"`
	// The agent reads the profile from the top level; the embedded copy
	// flattens the same fields next to type.
	UserContext
}

// NewStartSession omits the context entirely when no profile field is set.
func NewStartSession(uc UserContext) StartSessionMessage {
	msg := StartSessionMessage{Type: TypeStartSession}
	if !uc.IsEmpty() {
		msg.Context = &uc
		msg.UserContext = uc
	}
	return msg
}

type AudioChunkMessage struct {
	Type      string `json:"type"`
	AudioData string `json:"audio_data"`
}

type ControlMessage struct {
	Type string `json:"type"`
}

// Envelope is the discriminator shared by all inbound messages.
type Envelope struct {
	Type string `json:"type"`
}

type TextEvent struct {
	Text string `json:"text"`
	Role string `json:"role,omitempty"`
}

type AudioEvent struct {
	Audio      string `json:"audio"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type AnalysisEvent struct {
	Analysis json.RawMessage `json:"analysis"`
}

type TokenUsage struct {
	Turn         int `json:"turn"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalInput   int `json:"total_input"`
	TotalOutput  int `json:"total_output"`
}

type StatsEvent struct {
	Stats json.RawMessage `json:"stats"`
}

type AudioConfigEvent struct {
	Config json.RawMessage `json:"config"`
}
