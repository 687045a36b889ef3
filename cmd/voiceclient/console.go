package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"voice-client/internal/domain"
)

// console prints session events for a terminal user.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) OnStatus(status domain.ConnectionStatus) {
	c.printf("[status] %s\n", status)
}

func (c *console) OnTurnState(state domain.TurnState) {
	switch state {
	case domain.TurnListening:
		c.printf("[listening]\n")
	case domain.TurnThinking:
		c.printf("[thinking]\n")
	case domain.TurnSpeaking:
		c.printf("[agent speaking]\n")
	}
}

func (c *console) OnTranscript(live string) {
	c.printf("  you: %s\n", live)
}

func (c *console) OnTurn(turn domain.ChatTurn) {
	c.printf("you:   %s\nagent: %s\n\n", turn.UserMessage, turn.AssistantMessage)
}

func (c *console) OnAnalysis(analysis json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, analysis, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(analysis)
	}
	c.printf("[analysis]\n%s\n", pretty.String())
}

func (c *console) OnError(err error) {
	c.printf("[error] %v\n", err)
}
