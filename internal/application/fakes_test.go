package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"voice-client/internal/application"
	"voice-client/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scheduledBuffer struct {
	start    float64
	duration float64
}

type fakePlayback struct {
	mu        sync.Mutex
	now       float64
	rate      int
	scheduled []scheduledBuffer
	started   bool
	closed    int
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{rate: domain.OutputSampleRate}
}

func (f *fakePlayback) Start(_ context.Context, _ application.AudioFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakePlayback) Now() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakePlayback) Schedule(samples []float32, at float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledBuffer{
		start:    at,
		duration: float64(len(samples)) / float64(f.rate),
	})
	return nil
}

func (f *fakePlayback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePlayback) Name() string { return "fake" }

func (f *fakePlayback) advance(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += seconds
}

func (f *fakePlayback) buffers() []scheduledBuffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduledBuffer, len(f.scheduled))
	copy(out, f.scheduled)
	return out
}

type fakeCapture struct {
	mu        sync.Mutex
	onSamples func([]float32)
	startErr  error
	starts    int
	stops     int
	running   bool
}

func (f *fakeCapture) Start(_ context.Context, _ application.AudioFormat, onSamples func([]float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	f.onSamples = onSamples
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	f.onSamples = nil
	return nil
}

func (f *fakeCapture) Name() string { return "fake" }

// emit pushes samples as if the device callback fired.
func (f *fakeCapture) emit(samples []float32) {
	f.mu.Lock()
	fn := f.onSamples
	f.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []any
	inbox  chan []byte
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbox: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (f *fakeChannel) Send(_ context.Context, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return domain.ErrChannelClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, domain.ErrChannelClosed
	case data, ok := <-f.inbox:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeChannel) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.inbox <- data
}

// fail simulates the remote end dropping the connection.
func (f *fakeChannel) fail() {
	close(f.inbox)
}

func (f *fakeChannel) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, m := range f.sent {
		switch v := m.(type) {
		case domain.StartSessionMessage:
			types = append(types, v.Type)
		case domain.AudioChunkMessage:
			types = append(types, v.Type)
		case domain.ControlMessage:
			types = append(types, v.Type)
		}
	}
	return types
}

func (f *fakeChannel) count(msgType string) int {
	n := 0
	for _, t := range f.sentTypes() {
		if t == msgType {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	ids      []string
	err      error
}

func (d *fakeDialer) Dial(_ context.Context, sessionID string) (application.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	d.ids = append(d.ids, sessionID)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

var errDialRefused = errors.New("connection refused")

type recordingListener struct {
	application.NoopListener
	mu       sync.Mutex
	turns    []domain.ChatTurn
	statuses []domain.ConnectionStatus
	analysis []json.RawMessage
	errs     []error
}

func (l *recordingListener) OnTurn(turn domain.ChatTurn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turn)
}

func (l *recordingListener) OnStatus(status domain.ConnectionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) OnAnalysis(a json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.analysis = append(l.analysis, a)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}
