package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-client/config"
	"voice-client/internal/application"
	"voice-client/internal/infra"
	"voice-client/internal/infra/audio"
	"voice-client/internal/infra/control"
	"voice-client/internal/infra/metrics"
	"voice-client/internal/infra/pushover"
	"voice-client/internal/infra/ws"
)

const analysisGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	autostart := flag.Bool("autostart", true, "start recording as soon as the channel is open")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, err := ws.NewDialer(ws.DialerConfig{
		BaseURL:   cfg.Server.URL,
		AuthToken: cfg.Server.AuthToken,
		Retry: infra.RetryConfig{
			MaxAttempts:  cfg.Server.OpenAttempts,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("configuring channel", "error", err)
		os.Exit(1)
	}

	var notifier application.Notifier
	if cfg.Pushover.Enabled {
		notifier = pushover.NewClient(cfg.Pushover.Token, cfg.Pushover.UserKey)
	} else {
		notifier = &application.NoopNotifier{}
	}

	recorder := metrics.NewMetrics()
	capture, captureFallback := createCapture(cfg.Audio, logger)
	playback, playbackFallback := createPlayback(cfg.Audio, logger)

	format := application.DefaultAudioFormat()
	format.FrameSamples = cfg.Audio.FrameSamples
	format.EchoCancellation = cfg.Audio.EchoCancellationEnabled()
	format.NoiseSuppression = cfg.Audio.NoiseSuppressionEnabled()
	format.AutoGainControl = cfg.Audio.AutoGainControlEnabled()

	manager := application.NewManager(application.ManagerConfig{
		Dialer:           dialer,
		Capture:          capture,
		CaptureFallback:  captureFallback,
		Playback:         playback,
		PlaybackFallback: playbackFallback,
		CaptureFormat:    format,
		OpenTimeout:      cfg.Server.OpenTimeout,
		Profile:          cfg.Profile,
		Listener:         newConsole(os.Stdout),
		Notifier:         notifier,
		Recorder:         recorder,
		Logger:           logger,
	})

	var server *control.Server
	if cfg.Control.IsEnabled() {
		server = control.NewServer(control.Config{
			Addr:      cfg.Control.Addr,
			AuthToken: cfg.Control.AuthToken,
			RateLimit: cfg.Control.RateLimit,
			Metrics:   recorder.Handler(),
		}, manager, logger)
		if err := server.Start(ctx); err != nil {
			logger.Error("starting control API", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("starting voice client",
		"server", cfg.Server.URL,
		"capture", cfg.Audio.Capture,
		"playback", cfg.Audio.Playback,
	)

	if err := manager.Open(ctx); err != nil {
		logger.Error("opening session", "error", err)
	} else if *autostart {
		if err := manager.Start(ctx, nil); err != nil {
			logger.Error("starting session", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdown(manager, logger)
	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Warn("stopping control API", "error", err)
		}
	}
}

// shutdown ends the session and gives the agent a grace period to deliver
// the transcript analysis before the channel is closed.
func shutdown(manager *application.Manager, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), analysisGrace)
	defer cancel()

	if err := manager.Stop(ctx); err != nil {
		logger.Warn("stopping session", "error", err)
	}
	if err := manager.WaitAnalysis(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("waiting for analysis", "error", err)
	} else if err != nil {
		logger.Warn("analysis did not arrive before shutdown")
	}
	manager.Teardown()
}

func createCapture(cfg config.AudioConfig, logger *slog.Logger) (preferred, fallback application.CaptureDevice) {
	switch cfg.Capture {
	case config.CaptureFFmpeg:
		return audio.NewFFmpegMicrophone(cfg.FFmpegPath, cfg.InputDevice, logger), nil
	case config.CaptureFile:
		return audio.NewFileSource(cfg.File, logger), nil
	default:
		return audio.NewMicrophoneSource(cfg.InputDevice, logger),
			audio.NewFFmpegMicrophone(cfg.FFmpegPath, "", logger)
	}
}

func createPlayback(cfg config.AudioConfig, logger *slog.Logger) (preferred, fallback application.PlaybackDevice) {
	switch cfg.Playback {
	case config.PlaybackFFplay:
		return audio.NewFFplaySpeaker(cfg.FFplayPath, logger), nil
	case config.PlaybackNone:
		return audio.NewNullSpeaker(logger), nil
	default:
		return audio.NewSpeaker(logger), audio.NewFFplaySpeaker(cfg.FFplayPath, logger)
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
