package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voice-client/internal/application"
)

const renderInterval = 20 * time.Millisecond

// clockedOutput drains a Timeline in real time for outputs that have no
// hardware clock of their own. sink may be nil to discard rendered audio.
type clockedOutput struct {
	timeline *Timeline
	rate     int
	sink     func([]float32) error
	logger   *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startClockedOutput(rate int, sink func([]float32) error, logger *slog.Logger) *clockedOutput {
	c := &clockedOutput{
		timeline: NewTimeline(rate),
		rate:     rate,
		sink:     sink,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *clockedOutput) run() {
	defer close(c.done)

	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	started := time.Now()
	var rendered int64

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		target := int64(time.Since(started).Seconds() * float64(c.rate))
		n := target - rendered
		if n <= 0 {
			continue
		}
		buf := make([]float32, n)
		c.timeline.Render(buf)
		rendered = target

		if c.sink == nil {
			continue
		}
		if err := c.sink(buf); err != nil {
			c.logger.Warn("audio output failed, discarding further audio", "error", err)
			c.sink = nil
		}
	}
}

func (c *clockedOutput) close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// NullSpeaker keeps a wall-clock timeline and discards the audio.
type NullSpeaker struct {
	logger *slog.Logger

	mu  sync.Mutex
	out *clockedOutput
}

func NewNullSpeaker(logger *slog.Logger) *NullSpeaker {
	return &NullSpeaker{logger: logger}
}

func (s *NullSpeaker) Name() string {
	return "none"
}

func (s *NullSpeaker) Start(_ context.Context, format application.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		s.out = startClockedOutput(format.SampleRate, nil, s.logger)
	}
	return nil
}

func (s *NullSpeaker) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return 0
	}
	return s.out.timeline.Now()
}

func (s *NullSpeaker) Schedule(samples []float32, at float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return fmt.Errorf("speaker not started")
	}
	s.out.timeline.Schedule(samples, at)
	return nil
}

func (s *NullSpeaker) Close() error {
	s.mu.Lock()
	out := s.out
	s.out = nil
	s.mu.Unlock()
	if out != nil {
		out.close()
	}
	return nil
}
