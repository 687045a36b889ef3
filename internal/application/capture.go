package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voice-client/internal/codec"
	"voice-client/internal/domain"
)

// SendFunc hands a message to the session's channel.
type SendFunc func(ctx context.Context, msg any) error

const (
	captureQueueFrames = 32
	frameSendTimeout   = 2 * time.Second
)

// CapturePipeline batches microphone samples into fixed-size frames and sends
// them as audio_chunk messages unless muted.
type CapturePipeline struct {
	preferred CaptureDevice
	fallback  CaptureDevice
	format    AudioFormat
	send      SendFunc
	muted     func() bool
	echo      *EchoSuppressor
	clock     func() float64
	logger    *slog.Logger
	recorder  Recorder

	mu        sync.Mutex
	running   bool
	starting  bool
	startDone chan struct{}
	active    CaptureDevice
	pending   []float32
	frames    chan []float32
	cancel    context.CancelFunc
	sendDone  chan struct{}
}

type CaptureConfig struct {
	Preferred CaptureDevice
	// Fallback is used when Preferred reports ErrLowLatencyUnavailable.
	Fallback CaptureDevice
	Format   AudioFormat
	Send     SendFunc
	// Muted reports whether outbound frames must be dropped.
	Muted func() bool
	// Echo, when set and the format asks for echo cancellation, gates frames
	// that overlap agent audio on the playback clock reported by Clock.
	Echo     *EchoSuppressor
	Clock    func() float64
	Recorder Recorder
	Logger   *slog.Logger
}

func NewCapturePipeline(cfg CaptureConfig) *CapturePipeline {
	if cfg.Format.FrameSamples <= 0 {
		cfg.Format.FrameSamples = DefaultAudioFormat().FrameSamples
	}
	if cfg.Muted == nil {
		cfg.Muted = func() bool { return false }
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NoopRecorder{}
	}
	if !cfg.Format.EchoCancellation || cfg.Clock == nil {
		cfg.Echo = nil
	}
	return &CapturePipeline{
		preferred: cfg.Preferred,
		fallback:  cfg.Fallback,
		format:    cfg.Format,
		send:      cfg.Send,
		muted:     cfg.Muted,
		echo:      cfg.Echo,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		recorder:  cfg.Recorder,
	}
}

// Start opens the input device and begins streaming. Starting an already
// running pipeline is a no-op.
func (p *CapturePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running || p.starting {
		p.mu.Unlock()
		return nil
	}
	p.starting = true
	startDone := make(chan struct{})
	p.startDone = startDone
	// the stream outlives the caller's request context
	sendCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	frames := make(chan []float32, captureQueueFrames)
	done := make(chan struct{})
	p.frames = frames
	p.sendDone = done
	p.pending = make([]float32, 0, p.format.FrameSamples)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	device, err := p.openDevice(ctx)

	p.mu.Lock()
	p.starting = false
	p.startDone = nil
	close(startDone)
	if err != nil {
		p.running = false
		p.frames = nil
		p.cancel = nil
		p.sendDone = nil
		p.mu.Unlock()
		cancel()
		return err
	}
	p.active = device
	go p.sendLoop(sendCtx, frames, done)
	p.mu.Unlock()

	p.logger.Info("capture started", "device", device.Name(), "sample_rate", p.format.SampleRate, "frame_samples", p.format.FrameSamples)
	return nil
}

func (p *CapturePipeline) openDevice(ctx context.Context) (CaptureDevice, error) {
	if p.preferred == nil {
		return nil, fmt.Errorf("%w: no capture device configured", domain.ErrDeviceUnavailable)
	}

	err := p.preferred.Start(ctx, p.format, p.onSamples)
	if err == nil {
		return p.preferred, nil
	}

	if errors.Is(err, domain.ErrLowLatencyUnavailable) && p.fallback != nil {
		p.logger.Warn("low-latency capture unavailable, falling back",
			"preferred", p.preferred.Name(),
			"fallback", p.fallback.Name(),
			"error", err,
		)
		if ferr := p.fallback.Start(ctx, p.format, p.onSamples); ferr != nil {
			return nil, deviceUnavailable(ferr)
		}
		return p.fallback, nil
	}

	return nil, deviceUnavailable(err)
}

func deviceUnavailable(err error) error {
	if errors.Is(err, domain.ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}

// onSamples runs on the device goroutine.
func (p *CapturePipeline) onSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	size := p.format.FrameSamples
	p.pending = append(p.pending, samples...)
	for len(p.pending) >= size {
		frame := make([]float32, size)
		copy(frame, p.pending[:size])
		p.pending = append(p.pending[:0], p.pending[size:]...)

		if p.muted() {
			p.recorder.FrameMuted()
			continue
		}
		if p.echo != nil {
			frame = p.echo.Process(frame, p.clock())
		}

		select {
		case p.frames <- frame:
		default:
			p.logger.Warn("capture queue full, dropping frame")
		}
	}
}

func (p *CapturePipeline) sendLoop(ctx context.Context, frames <-chan []float32, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			msg := domain.AudioChunkMessage{
				Type:      domain.TypeAudioChunk,
				AudioData: codec.EncodeFrame(frame),
			}
			sendCtx, cancel := context.WithTimeout(ctx, frameSendTimeout)
			err := p.send(sendCtx, msg)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, domain.ErrNotConnected) {
					p.logger.Debug("sending audio chunk", "error", err)
				}
				continue
			}
			p.recorder.FrameSent()
		}
	}
}

// Stop releases the input device and detaches the pipeline. A Start still
// opening the device is waited for, so the device it opens is released too.
// Safe to call repeatedly.
func (p *CapturePipeline) Stop() error {
	p.mu.Lock()
	for p.starting {
		wait := p.startDone
		p.mu.Unlock()
		<-wait
		p.mu.Lock()
	}
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	device := p.active
	cancel := p.cancel
	sendDone := p.sendDone
	p.active = nil
	p.cancel = nil
	p.sendDone = nil
	p.frames = nil
	p.pending = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// no frame may reach the channel once Stop returns
	if sendDone != nil {
		<-sendDone
	}
	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		return fmt.Errorf("stopping capture device: %w", err)
	}
	p.logger.Info("capture stopped", "device", device.Name())
	return nil
}

func (p *CapturePipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.starting
}
