package application

import (
	"context"
	"encoding/json"

	"voice-client/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ string) error {
	return nil
}

// Listener receives session events for the presentation layer. Calls happen
// on the protocol goroutine and must not block.
type Listener interface {
	OnStatus(status domain.ConnectionStatus)
	OnTurnState(state domain.TurnState)
	OnTranscript(live string)
	OnTurn(turn domain.ChatTurn)
	OnAnalysis(analysis json.RawMessage)
	OnError(err error)
}

type NoopListener struct{}

func (NoopListener) OnStatus(domain.ConnectionStatus) {}
func (NoopListener) OnTurnState(domain.TurnState)     {}
func (NoopListener) OnTranscript(string)              {}
func (NoopListener) OnTurn(domain.ChatTurn)           {}
func (NoopListener) OnAnalysis(json.RawMessage)       {}
func (NoopListener) OnError(error)                    {}
