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

// Speaker stub when portaudio is not available
type Speaker struct {
	logger *slog.Logger
}

func NewSpeaker(logger *slog.Logger) *Speaker {
	return &Speaker{logger: logger}
}

func (s *Speaker) Name() string {
	return "portaudio"
}

func (s *Speaker) Start(_ context.Context, _ application.AudioFormat) error {
	return fmt.Errorf("%w: rebuild with -tags portaudio", domain.ErrLowLatencyUnavailable)
}

func (s *Speaker) Now() float64 {
	return 0
}

func (s *Speaker) Schedule(_ []float32, _ float64) error {
	return fmt.Errorf("speaker not available")
}

func (s *Speaker) Close() error {
	return nil
}
