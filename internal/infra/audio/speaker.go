//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"voice-client/internal/application"
	"voice-client/internal/domain"
)

const speakerFramesPerBuffer = 480

// Speaker renders a Timeline through a PortAudio output stream. The device
// clock advances with every callback.
type Speaker struct {
	logger *slog.Logger

	mu       sync.Mutex
	stream   *portaudio.Stream
	timeline *Timeline
}

func NewSpeaker(logger *slog.Logger) *Speaker {
	return &Speaker{logger: logger}
}

func (s *Speaker) Name() string {
	return "portaudio"
}

func (s *Speaker) Start(_ context.Context, format application.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initializing portaudio: %v", domain.ErrLowLatencyUnavailable, err)
	}
	if _, err := portaudio.DefaultOutputDevice(); err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: no default output device: %v", domain.ErrLowLatencyUnavailable, err)
	}

	timeline := NewTimeline(format.SampleRate)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), speakerFramesPerBuffer, timeline.Render)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: opening output stream: %v", domain.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: starting output stream: %v", domain.ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.timeline = timeline
	s.logger.Info("speaker started", "sampleRate", format.SampleRate)
	return nil
}

func (s *Speaker) current() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

func (s *Speaker) Now() float64 {
	tl := s.current()
	if tl == nil {
		return 0
	}
	return tl.Now()
}

func (s *Speaker) Schedule(samples []float32, at float64) error {
	tl := s.current()
	if tl == nil {
		return fmt.Errorf("speaker not started")
	}
	tl.Schedule(samples, at)
	return nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	s.stream.Close()
	s.stream = nil
	s.timeline = nil
	portaudio.Terminate()
	return nil
}
