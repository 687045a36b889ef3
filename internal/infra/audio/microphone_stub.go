//go:build !portaudio
// +build !portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"

	"voice-client/internal/application"
	"voice-client/internal/domain"
)

// MicrophoneSource stub when portaudio is not available
type MicrophoneSource struct {
	logger *slog.Logger
}

func NewMicrophoneSource(deviceName string, logger *slog.Logger) *MicrophoneSource {
	return &MicrophoneSource{logger: logger}
}

func (m *MicrophoneSource) Name() string {
	return "portaudio"
}

func (m *MicrophoneSource) Start(_ context.Context, _ application.AudioFormat, _ func([]float32)) error {
	return fmt.Errorf("%w: rebuild with -tags portaudio", domain.ErrLowLatencyUnavailable)
}

func (m *MicrophoneSource) Stop() error {
	return nil
}
