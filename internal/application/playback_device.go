package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"voice-client/internal/domain"
)

// FallbackPlayback starts the preferred device and switches to the fallback
// when the preferred one reports ErrLowLatencyUnavailable. Callers see a
// single PlaybackDevice either way.
type FallbackPlayback struct {
	preferred PlaybackDevice
	fallback  PlaybackDevice
	logger    *slog.Logger

	mu     sync.RWMutex
	active PlaybackDevice
}

func NewFallbackPlayback(preferred, fallback PlaybackDevice, logger *slog.Logger) *FallbackPlayback {
	return &FallbackPlayback{preferred: preferred, fallback: fallback, logger: logger}
}

func (f *FallbackPlayback) Start(ctx context.Context, format AudioFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active != nil {
		return nil
	}
	if f.preferred == nil {
		return fmt.Errorf("%w: no playback device configured", domain.ErrDeviceUnavailable)
	}

	err := f.preferred.Start(ctx, format)
	if err == nil {
		f.active = f.preferred
		return nil
	}
	if !errors.Is(err, domain.ErrLowLatencyUnavailable) || f.fallback == nil {
		return deviceUnavailable(err)
	}

	f.logger.Warn("low-latency playback unavailable, falling back",
		"preferred", f.preferred.Name(),
		"fallback", f.fallback.Name(),
		"error", err,
	)
	if err := f.fallback.Start(ctx, format); err != nil {
		return deviceUnavailable(err)
	}
	f.active = f.fallback
	return nil
}

func (f *FallbackPlayback) Now() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return 0
	}
	return f.active.Now()
}

func (f *FallbackPlayback) Schedule(samples []float32, at float64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return errors.New("playback device not started")
	}
	return f.active.Schedule(samples, at)
}

func (f *FallbackPlayback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	err := f.active.Close()
	f.active = nil
	return err
}

func (f *FallbackPlayback) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch {
	case f.active != nil:
		return f.active.Name()
	case f.preferred != nil:
		return f.preferred.Name()
	default:
		return "none"
	}
}

func (f *FallbackPlayback) Started() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active != nil
}
