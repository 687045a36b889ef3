package domain

import "time"

// TurnState is the turn-taking status of the conversation.
type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnListening TurnState = "listening"
	TurnThinking  TurnState = "thinking"
	TurnSpeaking  TurnState = "speaking"
	// TurnError absorbs every event until the session is reconnected.
	TurnError TurnState = "error"
)

type ConnectionStatus string

const (
	StatusInitializing ConnectionStatus = "initializing"
	StatusReady        ConnectionStatus = "ready"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ChatTurn is a committed user utterance and agent reply. It is never mutated
// after creation.
type ChatTurn struct {
	ID               string    `json:"id"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Timestamp        time.Time `json:"timestamp"`
}

// UserContext is the optional profile sent once with start_session.
type UserContext struct {
	Name              string `json:"name,omitempty" yaml:"name"`
	Role              string `json:"role,omitempty" yaml:"role"`
	Industry          string `json:"industry,omitempty" yaml:"industry"`
	YearsOfExperience string `json:"years_of_experience,omitempty" yaml:"years_of_experience"`
}

func (u UserContext) IsEmpty() bool {
	return u.Name == "" && u.Role == "" && u.Industry == "" && u.YearsOfExperience == ""
}

// Snapshot is a point-in-time view of the session for the UI layer.
type Snapshot struct {
	SessionID      string           `json:"session_id"`
	Status         ConnectionStatus `json:"status"`
	Turn           TurnState        `json:"turn"`
	Processing     bool             `json:"processing"`
	AgentSpeaking  bool             `json:"agent_speaking"`
	Analyzing      bool             `json:"analyzing"`
	Recording      bool             `json:"recording"`
	LiveTranscript string           `json:"live_transcript,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}
