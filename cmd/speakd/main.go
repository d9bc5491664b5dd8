// Command speakd is the background daemon: one persistent audio device,
// one synthesis backend connection, and a Unix socket that the rest of
// the system talks to.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/speakhq/speakd/internal/config"
	"github.com/speakhq/speakd/pkg/audio"
	"github.com/speakhq/speakd/pkg/daemon"
	"github.com/speakhq/speakd/pkg/logging"
	"github.com/speakhq/speakd/pkg/ttsbackend"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("speakd: config: %v", err)
	}

	apiKey := os.Getenv("SPEAK_BACKEND_API_KEY")
	if apiKey == "" {
		log.Fatal("speakd: SPEAK_BACKEND_API_KEY must be set")
	}
	backendHost := os.Getenv("SPEAK_BACKEND_HOST")

	logLevel := slog.LevelInfo
	if os.Getenv("SPEAK_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := logging.New(logLevel)

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		log.Fatalf("speakd: ensure cache dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subs := daemon.NewSubscriberManager()

	sink := audio.New(cfg.SampleRate, subs.BroadcastAudio)
	if err := sink.EnsureRunning(ctx); err != nil {
		log.Fatalf("speakd: audio device: %v", err)
	}
	defer sink.Close()

	backend := ttsbackend.New(backendHost, apiKey)
	defer backend.Close()

	cache, err := daemon.NewAudioCache(cfg.CacheDir, time.Duration(cfg.CacheTTLDays)*24*time.Hour)
	if err != nil {
		log.Fatalf("speakd: audio cache: %v", err)
	}
	if stats, err := cache.Stats(); err == nil {
		logger.Info("cache loaded",
			"clauses", stats.Clauses, "words", stats.Words,
			"clause_hits", stats.ClauseHits, "word_hits", stats.WordHits)
	}

	engine := daemon.NewSynthesisEngine(backend, cache, cfg.SampleRate, cfg.CrossfadeMS, cfg.SilenceGapMS)

	voicePool := daemon.NewVoicePool(cfg.VoicesConfigPath)
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.WatchVoices(cfg.VoicesConfigPath, stopWatch, voicePool.ReloadConfig); err != nil {
		logger.Warn("voice config watcher disabled", "err", err)
	}

	history, err := daemon.OpenHistory(envOrDefault("SPEAK_HISTORY_DB", filepath.Join(cfg.CacheDir, "history.db")))
	if err != nil {
		log.Fatalf("speakd: history store: %v", err)
	}
	defer history.Close()

	state := daemon.NewStatePublisher(cfg.StatePath)
	eventLog := daemon.NewEventLogger(cfg.EventLogPath)
	tones := daemon.NewToneGenerator(cfg.SampleRate)
	renderer := daemon.NewRenderer(engine, sink, cfg.SampleRate, cfg.DefaultPaddingMS, cfg.PaddingMS, eventLog, logger)

	stopWatchTrim := make(chan struct{})
	defer close(stopWatchTrim)
	if err := config.WatchTrim(cfg.TrimConfigPath, stopWatchTrim, renderer.SetPadding); err != nil {
		logger.Warn("trim config watcher disabled", "err", err)
	}

	queue := daemon.NewPlaybackQueue(engine, renderer, sink, tones, voicePool, subs, history, state, eventLog, logger, nil)
	queue.Start(ctx)

	server := daemon.NewServer(cfg.SocketPath, queue, engine, cache, voicePool, subs, cfg.IdleTimeout, logger)

	shutdown := func() {
		logger.Info("idle timeout, shutting down")
		stop()
	}
	go server.IdleWatchdog(ctx, shutdown)

	logger.Info("speakd starting", "socket", cfg.SocketPath, "sample_rate", cfg.SampleRate)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server exited", "err", err)
		}
	}

	subs.Shutdown()
	server.Cleanup()
	fmt.Println("speakd: stopped")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
