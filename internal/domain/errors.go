package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceUnavailable     = errors.New("audio device unavailable")
	ErrLowLatencyUnavailable = errors.New("low-latency audio backend unavailable")
	ErrChannelOpen           = errors.New("channel open failed")
	ErrChannelClosed         = errors.New("channel closed")
	ErrProtocol              = errors.New("agent reported an error")
	ErrDecode                = errors.New("audio frame decode failed")
	ErrUnknownMessage        = errors.New("unknown message type")
	ErrNotConnected          = errors.New("channel not connected")
	ErrAlreadyStarted        = errors.New("session already started")
)

// ProtocolError carries the message of an agent error event.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("agent error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
