package application_test

import (
	"testing"

	"voice-client/internal/application"
	"voice-client/internal/domain"
)

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEchoSuppressor_Process(t *testing.T) {
	// 0.1s of agent audio at device time 1.0
	reference := constant(2400, 0.4)

	tests := []struct {
		name      string
		frame     []float32
		now       float64
		attenuate bool
	}{
		{"quiet frame during agent audio", constant(160, 0.1), 1.05, true},
		{"quiet frame in echo tail", constant(160, 0.1), 1.2, true},
		{"near-end speech over agent audio", constant(160, 0.6), 1.05, false},
		{"before agent audio", constant(160, 0.1), 0.9, false},
		{"after echo tail", constant(160, 0.1), 2.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echo := application.NewEchoSuppressor(domain.InputSampleRate, domain.OutputSampleRate)
			echo.Reference(reference, 1.0)

			in := tt.frame[0]
			out := echo.Process(tt.frame, tt.now)
			attenuated := out[0] < in/2
			if attenuated != tt.attenuate {
				t.Errorf("attenuated = %v (sample %v -> %v), want %v", attenuated, in, out[0], tt.attenuate)
			}
			if tt.frame[0] != in {
				t.Error("input frame modified in place")
			}
		})
	}
}

func TestEchoSuppressor_SilentReferenceIgnored(t *testing.T) {
	echo := application.NewEchoSuppressor(domain.InputSampleRate, domain.OutputSampleRate)
	echo.Reference(make([]float32, 2400), 0)

	frame := constant(160, 0.05)
	if out := echo.Process(frame, 0.05); out[0] != frame[0] {
		t.Errorf("sample = %v, want untouched %v", out[0], frame[0])
	}
}

func TestEchoSuppressor_Reset(t *testing.T) {
	echo := application.NewEchoSuppressor(domain.InputSampleRate, domain.OutputSampleRate)
	echo.Reference(constant(2400, 0.4), 0)
	echo.Reset()

	frame := constant(160, 0.1)
	if out := echo.Process(frame, 0.05); out[0] != frame[0] {
		t.Errorf("sample = %v, want untouched after reset", out[0])
	}
}

type recordingTap struct {
	starts []float64
	resets int
}

func (r *recordingTap) Reference(_ []float32, at float64) { r.starts = append(r.starts, at) }
func (r *recordingTap) Reset()                            { r.resets++ }

func TestPlaybackScheduler_FeedsReferenceTap(t *testing.T) {
	device := newFakePlayback()
	scheduler := application.NewPlaybackScheduler(device, domain.OutputSampleRate, nil, discardLogger())
	tap := &recordingTap{}
	scheduler.SetReferenceTap(tap)

	scheduler.Enqueue(frameOf(2400))
	scheduler.Enqueue(frameOf(2400))

	if len(tap.starts) != 2 || tap.starts[0] != 0 || tap.starts[1] != 0.1 {
		t.Errorf("reference starts = %v, want [0 0.1]", tap.starts)
	}

	scheduler.Reset()
	if tap.resets != 1 {
		t.Errorf("resets = %d, want 1", tap.resets)
	}
}
