package application

import "voice-client/internal/domain"

// Recorder collects pipeline counters.
type Recorder interface {
	FrameSent()
	FrameMuted()
	FrameEnqueued()
	FrameScheduled(leadSeconds float64)
	DecodeFailed()
	UnknownMessage()
	TurnCommitted()
	ProtocolError()
	QueueDepth(n int)
	Status(status domain.ConnectionStatus)
}

type NoopRecorder struct{}

func (NoopRecorder) FrameSent()                      {}
func (NoopRecorder) FrameMuted()                     {}
func (NoopRecorder) FrameEnqueued()                  {}
func (NoopRecorder) FrameScheduled(float64)          {}
func (NoopRecorder) DecodeFailed()                   {}
func (NoopRecorder) UnknownMessage()                 {}
func (NoopRecorder) TurnCommitted()                  {}
func (NoopRecorder) ProtocolError()                  {}
func (NoopRecorder) QueueDepth(int)                  {}
func (NoopRecorder) Status(domain.ConnectionStatus) {}
