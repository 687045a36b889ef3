package application

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-client/internal/domain"
)

// TurnAccumulator rebuilds one conversational turn from transcript and
// response fragments and commits it to an append-only history.
type TurnAccumulator struct {
	mu         sync.RWMutex
	transcript strings.Builder
	response   strings.Builder
	// live cursors for the utterance currently on screen
	liveTranscript string
	liveResponse   string

	history []domain.ChatTurn
	latest  *domain.ChatTurn

	now func() time.Time
}

func NewTurnAccumulator() *TurnAccumulator {
	return &TurnAccumulator{now: time.Now}
}

func (t *TurnAccumulator) OnFragmentTranscript(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	appendFragment(&t.transcript, text)
	t.liveTranscript = t.transcript.String()
}

func (t *TurnAccumulator) OnFragmentResponse(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	appendFragment(&t.response, text)
	t.liveResponse = t.response.String()
}

func appendFragment(b *strings.Builder, text string) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(text)
}

// Commit records the accumulated turn if either buffer is non-empty, then
// clears both buffers and the live cursors. It reports whether a turn was
// recorded.
func (t *TurnAccumulator) Commit() (domain.ChatTurn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.transcript.Len() == 0 && t.response.Len() == 0 {
		return domain.ChatTurn{}, false
	}

	turn := domain.ChatTurn{
		ID:               newTurnID(),
		UserMessage:      t.transcript.String(),
		AssistantMessage: t.response.String(),
		Timestamp:        t.now(),
	}
	t.history = append(t.history, turn)
	t.latest = &turn
	t.clearLocked()

	return turn, true
}

// Discard drops the in-progress turn without recording it.
func (t *TurnAccumulator) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

func (t *TurnAccumulator) clearLocked() {
	t.transcript.Reset()
	t.response.Reset()
	t.liveTranscript = ""
	t.liveResponse = ""
}

func (t *TurnAccumulator) Transcript() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.transcript.String()
}

func (t *TurnAccumulator) Response() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.response.String()
}

func (t *TurnAccumulator) LiveTranscript() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.liveTranscript
}

func (t *TurnAccumulator) LiveResponse() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.liveResponse
}

// History returns a copy of the committed turns in commit order.
func (t *TurnAccumulator) History() []domain.ChatTurn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.ChatTurn, len(t.history))
	copy(out, t.history)
	return out
}

func (t *TurnAccumulator) Latest() (domain.ChatTurn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return domain.ChatTurn{}, false
	}
	return *t.latest, true
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
