package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"voice-client/internal/application"
	"voice-client/internal/codec"
)

// FileSource replays a 16-bit PCM WAV file as if it were a microphone,
// paced in real time, then keeps delivering silence until stopped so the
// agent can detect the end of speech.
type FileSource struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewFileSource(path string, logger *slog.Logger) *FileSource {
	return &FileSource{path: path, interval: renderInterval, logger: logger}
}

func (f *FileSource) Name() string {
	return "file"
}

func (f *FileSource) Start(_ context.Context, format application.AudioFormat, onSamples func([]float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stop != nil {
		return nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("opening audio file: %w", err)
	}
	defer file.Close()

	wav, pcm, err := codec.DecodeWAV(file)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", f.path, err)
	}
	if wav.SampleRate != format.SampleRate || wav.Channels != format.Channels {
		return fmt.Errorf("%s is %d Hz/%d ch, need %d Hz/%d ch",
			f.path, wav.SampleRate, wav.Channels, format.SampleRate, format.Channels)
	}

	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.replay(codec.PCM16ToFloat(pcm), format.SampleRate, onSamples, f.stop, f.done)

	f.logger.Info("file capture started", "path", f.path, "samples", len(pcm))
	return nil
}

func (f *FileSource) replay(samples []float32, rate int, onSamples func([]float32), stop, done chan struct{}) {
	defer close(done)

	chunk := int(float64(rate) * f.interval.Seconds())
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		out := make([]float32, chunk)
		if pos < len(samples) {
			pos += copy(out, samples[pos:])
			if pos >= len(samples) {
				f.logger.Info("file capture reached end of file", "path", f.path)
			}
		}
		onSamples(out)
	}
}

func (f *FileSource) Stop() error {
	f.mu.Lock()
	stop, done := f.stop, f.done
	f.stop, f.done = nil, nil
	f.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
