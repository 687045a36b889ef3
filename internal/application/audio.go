package application

import "context"

// CaptureDevice delivers live microphone samples. Start must not return until
// the device is open; onSamples is invoked from the device's own goroutine.
type CaptureDevice interface {
	Start(ctx context.Context, format AudioFormat, onSamples func([]float32)) error
	Stop() error
	Name() string
}

// PlaybackDevice renders sample buffers against its own clock. Now reports the
// device clock in seconds; Schedule queues samples to start at the given
// device time.
type PlaybackDevice interface {
	Start(ctx context.Context, format AudioFormat) error
	Now() float64
	Schedule(samples []float32, at float64) error
	Close() error
	Name() string
}

type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
	// FrameSamples is the capture batch size; ignored for playback.
	FrameSamples int

	// Capture processing requested from the input path. Devices apply what
	// they can; echo cancellation is also applied by the capture pipeline.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate:   16000,
		Channels:     1,
		BitDepth:     16,
		FrameSamples: 2048,

		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

func PlaybackAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate: 24000,
		Channels:   1,
		BitDepth:   16,
	}
}
