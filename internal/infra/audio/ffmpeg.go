package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"voice-client/internal/application"
	"voice-client/internal/codec"
	"voice-client/internal/domain"
)

// FFmpegMicrophone captures through an ffmpeg subprocess that writes raw
// s16le PCM to stdout. Used when no low-latency device is available.
type FFmpegMicrophone struct {
	path        string
	inputFormat string
	device      string
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFFmpegMicrophone captures from device using ffmpeg's platform input
// (avfoundation, pulse or dshow). An empty device selects the default.
func NewFFmpegMicrophone(path, device string, logger *slog.Logger) *FFmpegMicrophone {
	if path == "" {
		path = "ffmpeg"
	}
	inputFormat, defaultDevice := platformInput()
	if device == "" {
		device = defaultDevice
	}
	return &FFmpegMicrophone{path: path, inputFormat: inputFormat, device: device, logger: logger}
}

func platformInput() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		// none:<index> keeps avfoundation from opening a camera
		return "avfoundation", "none:0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

func (m *FFmpegMicrophone) Name() string {
	return "ffmpeg"
}

func (m *FFmpegMicrophone) args(format application.AudioFormat) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", m.inputFormat,
		"-i", m.device,
	}
	if filters := captureFilters(format); filters != "" {
		args = append(args, "-af", filters)
	}
	return append(args,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	)
}

// captureFilters maps the requested input processing onto ffmpeg filters.
// ffmpeg has no playback reference to cancel echo against; the capture
// pipeline handles that.
func captureFilters(format application.AudioFormat) string {
	var filters []string
	if format.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if format.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	return strings.Join(filters, ",")
}

func (m *FFmpegMicrophone) Start(ctx context.Context, format application.AudioFormat, onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return nil
	}

	path, err := exec.LookPath(m.path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, path, m.args(format)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout: %w", err)
	}
	cmd.Stderr = &logWriter{logger: m.logger.With("process", "ffmpeg")}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: starting ffmpeg: %v", domain.ErrDeviceUnavailable, err)
	}

	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go m.readLoop(runCtx, cmd, stdout, format, onSamples, done)

	m.logger.Info("ffmpeg capture started", "input", m.inputFormat, "device", m.device, "sampleRate", format.SampleRate)
	return nil
}

func (m *FFmpegMicrophone) readLoop(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, format application.AudioFormat, onSamples func([]float32), done chan struct{}) {
	defer close(done)

	// 20ms reads; the capture pipeline does the framing
	chunk := make([]byte, format.SampleRate/50*format.Channels*2)
	reader := bufio.NewReaderSize(stdout, 64*1024)

	for {
		n, err := io.ReadFull(reader, chunk)
		if n >= 2 {
			pcm, _ := codec.BytesPCM16(chunk[:n&^1])
			onSamples(codec.PCM16ToFloat(pcm))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				m.logger.Warn("reading ffmpeg output", "error", err)
			}
			break
		}
	}

	werr := cmd.Wait()
	if ctx.Err() == nil {
		m.logger.Warn("ffmpeg capture exited", "error", werr)
	}
}

func (m *FFmpegMicrophone) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// logWriter forwards subprocess diagnostics to the logger at debug level.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		if line != "" {
			w.logger.Debug(line)
		}
	}
	return len(p), nil
}

// FFplaySpeaker pipes rendered audio to an ffplay subprocess. The clock is
// wall time, so Now drifts from what the user actually hears by ffplay's
// internal buffering.
type FFplaySpeaker struct {
	path   string
	volume int
	logger *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *clockedOutput
}

func NewFFplaySpeaker(path string, logger *slog.Logger) *FFplaySpeaker {
	if path == "" {
		path = "ffplay"
	}
	return &FFplaySpeaker{path: path, volume: 80, logger: logger}
}

func (s *FFplaySpeaker) Name() string {
	return "ffplay"
}

func (s *FFplaySpeaker) Start(_ context.Context, format application.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out != nil {
		return nil
	}

	path, err := exec.LookPath(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	layout := "mono"
	if format.Channels == 2 {
		layout = "stereo"
	}
	// ffplay takes -ch_layout rather than ffmpeg's -ac
	cmd := exec.Command(path,
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-volume", strconv.Itoa(s.volume),
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", strconv.Itoa(format.SampleRate),
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("playback stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = &logWriter{logger: s.logger.With("process", "ffplay")}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("%w: starting ffplay: %v", domain.ErrDeviceUnavailable, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.out = startClockedOutput(format.SampleRate, func(samples []float32) error {
		_, err := stdin.Write(codec.PCM16Bytes(codec.FloatToPCM16(samples)))
		return err
	}, s.logger)

	s.logger.Info("ffplay playback started", "sampleRate", format.SampleRate)
	return nil
}

func (s *FFplaySpeaker) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return 0
	}
	return s.out.timeline.Now()
}

func (s *FFplaySpeaker) Schedule(samples []float32, at float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return fmt.Errorf("speaker not started")
	}
	s.out.timeline.Schedule(samples, at)
	return nil
}

func (s *FFplaySpeaker) Close() error {
	s.mu.Lock()
	cmd, stdin, out := s.cmd, s.stdin, s.out
	s.cmd, s.stdin, s.out = nil, nil, nil
	s.mu.Unlock()

	if out == nil {
		return nil
	}
	out.close()
	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	return nil
}
