//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"voice-client/internal/application"
	"voice-client/internal/domain"
)

// MicrophoneSource captures from a PortAudio input stream using the
// callback API, so samples arrive on PortAudio's real-time thread.
type MicrophoneSource struct {
	deviceName string
	logger     *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
}

// NewMicrophoneSource opens deviceName on Start, or the system default input
// when it is empty. Names match case-insensitively by substring.
func NewMicrophoneSource(deviceName string, logger *slog.Logger) *MicrophoneSource {
	return &MicrophoneSource{deviceName: deviceName, logger: logger}
}

func (m *MicrophoneSource) Name() string {
	return "portaudio"
}

func (m *MicrophoneSource) Start(_ context.Context, format application.AudioFormat, onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initializing portaudio: %v", domain.ErrLowLatencyUnavailable, err)
	}

	callback := func(in []float32) {
		samples := make([]float32, len(in))
		copy(samples, in)
		onSamples(samples)
	}

	stream, err := m.openStream(format, callback)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: starting input stream: %v", domain.ErrDeviceUnavailable, err)
	}

	m.stream = stream
	m.logger.Info("microphone started", "device", m.deviceName, "sampleRate", format.SampleRate)
	if format.NoiseSuppression || format.AutoGainControl {
		m.logger.Info("portaudio input is unprocessed, noise suppression and gain control not applied")
	}
	return nil
}

func (m *MicrophoneSource) openStream(format application.AudioFormat, callback func([]float32)) (*portaudio.Stream, error) {
	framesPerBuffer := format.FrameSamples / 4

	if m.deviceName == "" {
		if _, err := portaudio.DefaultInputDevice(); err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", domain.ErrLowLatencyUnavailable, err)
		}
		stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), framesPerBuffer, callback)
		if err != nil {
			return nil, fmt.Errorf("%w: opening input stream: %v", domain.ErrDeviceUnavailable, err)
		}
		return stream, nil
	}

	device, err := findInputDevice(m.deviceName)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %q: %v", domain.ErrDeviceUnavailable, device.Name, err)
	}
	return stream, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: listing devices: %v", domain.ErrLowLatencyUnavailable, err)
	}
	want := strings.ToLower(name)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: input device %q not found", domain.ErrDeviceUnavailable, name)
}

func (m *MicrophoneSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil
	}
	m.stream.Stop()
	m.stream.Close()
	m.stream = nil
	portaudio.Terminate()
	return nil
}
