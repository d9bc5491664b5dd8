// Package config loads daemon configuration from environment variables,
// an optional .env file, and an optional trim.yaml padding-table override,
// following the teacher's plain os.Getenv-plus-godotenv approach rather
// than a heavier framework.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/speakhq/speakd/pkg/daemon"
)

// TrimFile is the optional YAML document at TrimConfigPath overriding the
// per-punctuation padding table baked into daemon.DefaultConfig.
type TrimFile struct {
	DefaultMS int            `yaml:"default_ms"`
	PaddingMS map[string]int `yaml:"padding_ms"`
}

// Load builds a daemon.Config from defaults, a .env file (if present), and
// environment variables, then applies any trim.yaml override found at the
// resolved TrimConfigPath.
func Load() (daemon.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using process environment")
	}

	cfg := daemon.DefaultConfig()

	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	runtimeDir := filepath.Join(home, ".speakd")

	cfg.CacheDir = envOrDefault("SPEAK_CACHE_DIR", filepath.Join(runtimeDir, "cache"))
	cfg.SocketPath = envOrDefault("SPEAK_SOCKET_PATH", filepath.Join(runtimeDir, "speakd.sock"))
	cfg.StatePath = envOrDefault("SPEAK_STATE_PATH", filepath.Join(runtimeDir, "state.json"))
	cfg.EventLogPath = envOrDefault("SPEAK_EVENT_LOG", filepath.Join(runtimeDir, "events.jsonl"))
	cfg.PIDPath = cfg.SocketPath + ".pid"
	cfg.VoicesConfigPath = envOrDefault("SPEAK_VOICES_CONFIG", filepath.Join(runtimeDir, "voices.json"))
	cfg.TrimConfigPath = envOrDefault("SPEAK_TRIM_CONFIG", filepath.Join(runtimeDir, "trim.yaml"))

	if v := os.Getenv("SPEAK_CACHE_TTL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheTTLDays = n
		}
	}
	if v := os.Getenv("SPEAK_IDLE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleTimeout = time.Duration(n) * time.Second
		}
	}

	if err := applyTrimFile(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func applyTrimFile(cfg *daemon.Config) error {
	b, err := os.ReadFile(cfg.TrimConfigPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read trim file: %w", err)
	}

	var trim TrimFile
	if err := yaml.Unmarshal(b, &trim); err != nil {
		return fmt.Errorf("config: parse trim file: %w", err)
	}

	if trim.DefaultMS > 0 {
		cfg.DefaultPaddingMS = trim.DefaultMS
	}
	for punct, ms := range trim.PaddingMS {
		cfg.PaddingMS[punct] = ms
	}
	return nil
}

// WatchVoices installs an fsnotify watcher on path, calling reload
// whenever the file changes on disk. In-place writers such as
// voicepool.go's saveConfigLocked produce a WRITE; editors and other
// atomic-rename writers produce a CREATE/RENAME pair instead, so all three
// are treated as a reload trigger. The goroutine
// exits when stop is closed. Also used to watch trim.yaml.
func WatchVoices(path string, stop <-chan struct{}, reload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("config: ensure voices dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch voices dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}

// WatchTrim watches path (trim.yaml) and calls apply with the newly parsed
// default/table whenever it changes, so the renderer's padding table
// updates without a restart.
func WatchTrim(path string, stop <-chan struct{}, apply func(defaultMS int, table map[string]int)) error {
	reload := func() {
		b, err := os.ReadFile(path)
		if err != nil {
			return
		}
		var trim TrimFile
		if err := yaml.Unmarshal(b, &trim); err != nil {
			log.Printf("config: trim file reload: %v", err)
			return
		}
		if trim.PaddingMS == nil {
			trim.PaddingMS = map[string]int{}
		}
		apply(trim.DefaultMS, trim.PaddingMS)
	}
	return WatchVoices(path, stop, reload)
}
