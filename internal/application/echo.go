package application

import (
	"math"
	"sync"

	"voice-client/internal/codec"
)

const (
	// room reverb and device latency keep the echo audible after a buffer ends
	echoTail = 0.25
	// near-end speech louder than the reference passes through untouched
	doubleTalkRatio = 1.0
	echoGain        = 0.05
	referenceFloor  = 1e-4
)

// EchoSuppressor gates microphone frames that overlap agent audio on the
// playback clock and are no louder than it. The playback scheduler feeds it
// every buffer it schedules; the capture pipeline runs each outbound frame
// through Process.
type EchoSuppressor struct {
	captureRate  int
	playbackRate int

	mu       sync.Mutex
	segments []referenceSegment
}

type referenceSegment struct {
	start float64
	end   float64
	rms   float64
}

func NewEchoSuppressor(captureRate, playbackRate int) *EchoSuppressor {
	return &EchoSuppressor{captureRate: captureRate, playbackRate: playbackRate}
}

// Reference records agent audio scheduled to start at device time at.
func (e *EchoSuppressor) Reference(samples []float32, at float64) {
	level := rms(samples)
	if level < referenceFloor {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = append(e.segments, referenceSegment{
		start: at,
		end:   at + codec.Duration(len(samples), e.playbackRate),
		rms:   level,
	})
}

// Process returns frame, or an attenuated copy when it ended at device time
// now while agent audio was audible and the frame carries no louder speech.
func (e *EchoSuppressor) Process(frame []float32, now float64) []float32 {
	from := now - codec.Duration(len(frame), e.captureRate)

	e.mu.Lock()
	var ref float64
	kept := e.segments[:0]
	for _, s := range e.segments {
		if s.end+echoTail < from {
			continue
		}
		kept = append(kept, s)
		if s.start < now && s.rms > ref {
			ref = s.rms
		}
	}
	e.segments = kept
	e.mu.Unlock()

	if ref == 0 || rms(frame) > ref*doubleTalkRatio {
		return frame
	}

	out := make([]float32, len(frame))
	for i, s := range frame {
		out[i] = s * echoGain
	}
	return out
}

// Reset forgets all reference audio; the playback clock restarts at zero.
func (e *EchoSuppressor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = nil
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
