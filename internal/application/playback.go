package application

import (
	"log/slog"
	"sync"

	"voice-client/internal/codec"
)

// ReferenceTap receives every buffer the scheduler places on the device.
type ReferenceTap interface {
	Reference(samples []float32, at float64)
	Reset()
}

// PlaybackScheduler decodes inbound frames in arrival order and schedules
// them back to back on the playback device clock.
type PlaybackScheduler struct {
	device   PlaybackDevice
	rate     int
	logger   *slog.Logger
	recorder Recorder
	tap      ReferenceTap

	mu       sync.Mutex
	queue    []string
	cursor   float64
	draining bool
}

func NewPlaybackScheduler(device PlaybackDevice, rate int, recorder Recorder, logger *slog.Logger) *PlaybackScheduler {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &PlaybackScheduler{
		device:   device,
		rate:     rate,
		logger:   logger,
		recorder: recorder,
	}
}

// SetReferenceTap must be called before the first Enqueue.
func (p *PlaybackScheduler) SetReferenceTap(tap ReferenceTap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tap = tap
}

// Enqueue appends a base64 PCM16 frame and drains the queue unless another
// drain is already running, in which case that drain picks the frame up.
func (p *PlaybackScheduler) Enqueue(frame string) {
	p.mu.Lock()
	p.queue = append(p.queue, frame)
	p.recorder.FrameEnqueued()
	p.recorder.QueueDepth(len(p.queue))
	p.mu.Unlock()

	p.drain()
}

func (p *PlaybackScheduler) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			p.recorder.QueueDepth(0)
			p.mu.Unlock()
			return
		}
		frame := p.queue[0]
		p.queue[0] = ""
		p.queue = p.queue[1:]
		p.scheduleLocked(frame)
		p.recorder.QueueDepth(len(p.queue))
		p.mu.Unlock()
	}
}

func (p *PlaybackScheduler) scheduleLocked(frame string) {
	samples, err := codec.DecodeFrame(frame)
	if err != nil {
		p.recorder.DecodeFailed()
		p.logger.Warn("skipping undecodable audio frame", "error", err, "bytes", len(frame))
		return
	}
	if len(samples) == 0 {
		return
	}

	now := p.device.Now()
	start := p.cursor
	if now > start {
		start = now
	}

	if err := p.device.Schedule(samples, start); err != nil {
		p.logger.Warn("scheduling audio frame", "error", err)
		return
	}

	p.cursor = start + codec.Duration(len(samples), p.rate)
	if p.tap != nil {
		p.tap.Reference(samples, start)
	}
	p.recorder.FrameScheduled(start - now)
	p.logger.Debug("scheduled audio frame", "start", start, "samples", len(samples))
}

// Reset zeroes the cursor and empties the queue for a new recording cycle.
func (p *PlaybackScheduler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.cursor = 0
	p.recorder.QueueDepth(0)
	if p.tap != nil {
		p.tap.Reset()
	}
}

func (p *PlaybackScheduler) Cursor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *PlaybackScheduler) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
