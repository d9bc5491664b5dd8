package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/speakhq/speakd/pkg/logging"
)

// Request is the decoded shape of one client request: either a command
// dispatch, a fire-and-forget enqueue, or the legacy streaming path.
type Request struct {
	Command string `json:"command,omitempty"`
	Enqueue bool   `json:"enqueue,omitempty"`

	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
	Lang   string  `json:"lang"`
	Caller string  `json:"caller"`
	Session string `json:"session"`

	N int `json:"n"`

	Device string `json:"device,omitempty"`

	SubscribeMetadata bool `json:"subscribe_metadata,omitempty"`
}

// Server is the Unix-socket-facing half of the daemon: it decodes
// requests, dispatches commands, and drives the legacy streaming path for
// plain synthesis requests that don't ask to be queued.
type Server struct {
	socketPath string
	pidPath    string

	queue     *PlaybackQueue
	engine    *SynthesisEngine
	cache     *AudioCache
	voicePool *VoicePool
	subs      *SubscriberManager

	logger logging.Logger

	startTime time.Time

	mu                sync.Mutex
	activeConnections int
	lastActivity      time.Time

	idleTimeout time.Duration

	listener net.Listener
}

// NewServer wires the daemon's socket-facing dependencies together.
func NewServer(socketPath string, queue *PlaybackQueue, engine *SynthesisEngine, cache *AudioCache, voicePool *VoicePool, subs *SubscriberManager, idleTimeout time.Duration, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{
		socketPath:   socketPath,
		pidPath:      socketPath + ".pid",
		queue:        queue,
		engine:       engine,
		cache:        cache,
		voicePool:    voicePool,
		subs:         subs,
		idleTimeout:  idleTimeout,
		logger:       logger,
		startTime:    time.Now(),
		lastActivity: time.Now(),
	}
}

// Serve removes a stale socket if present, listens, and accepts
// connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("server: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.logger.Warn("server: chmod socket failed", "err", err)
	}
	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		s.logger.Warn("server: write pid file failed", "err", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("listening", "socket", s.socketPath, "pid", os.Getpid())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Cleanup removes the socket and PID files, called on shutdown.
func (s *Server) Cleanup() {
	os.Remove(s.socketPath)
	os.Remove(s.pidPath)
}

func (s *Server) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.activeConnections++
	s.mu.Unlock()
	s.touchActivity()

	defer func() {
		s.mu.Lock()
		s.activeConnections--
		s.mu.Unlock()
		s.touchActivity()
		conn.Close()
	}()

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		return
	}

	if req.Command == "subscribe" {
		if s.subs != nil {
			s.serveSubscriber(conn, req.SubscribeMetadata)
		} else {
			WriteMessage(conn, map[string]any{"ok": false, "error": "subscriptions unavailable"})
		}
		return
	}

	if req.Command != "" {
		result := s.dispatchCommand(ctx, req)
		WriteMessage(conn, result)
		return
	}

	if req.Enqueue {
		utterance := requestToUtterance(req)
		id, depth := s.queue.Enqueue(utterance)
		_ = id
		WriteMessage(conn, map[string]any{"ok": true, "position": depth})
		return
	}

	s.streamLegacy(ctx, conn, req)
}

// serveSubscriber registers conn as a broadcast subscriber and blocks until
// the client disconnects, since the connection's read side is otherwise
// idle for the lifetime of the subscription.
func (s *Server) serveSubscriber(conn net.Conn, includeMetadata bool) {
	sub := s.subs.Add(conn, includeMetadata)
	defer s.subs.Remove(sub.ID)

	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func requestToUtterance(req Request) *UtteranceRequest {
	voice := req.Voice
	if voice == "" {
		voice = "af_heart"
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}
	lang := req.Lang
	if lang == "" {
		lang = "en-us"
	}
	return &UtteranceRequest{
		Text:    req.Text,
		Voice:   voice,
		Speed:   speed,
		Lang:    lang,
		Caller:  req.Caller,
		Session: req.Session,
	}
}

// streamLegacy is the original synchronous streaming path: clause by
// clause, each PCM chunk length-prefixed, terminated by a zero-length
// frame. Used by clients that want the audio back over the same
// connection instead of queuing it for the shared output device.
func (s *Server) streamLegacy(ctx context.Context, conn net.Conn, req Request) {
	text := req.Text
	if text == "" {
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = "af_heart"
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}
	lang := req.Lang
	if lang == "" {
		lang = "en-us"
	}

	for _, clause := range SplitClauses(text) {
		pcm, needsUpgrade, err := s.engine.SynthesizeSentence(ctx, clause, voice, lang, speed)
		if err != nil {
			s.logger.Warn("server: legacy stream synth failed", "err", err)
			return
		}
		if err := writeFrame(conn, pcm); err != nil {
			return
		}
		if needsUpgrade {
			go s.engine.BackgroundUpgrade(context.Background(), clause, voice, lang, speed)
		}
	}
	writeFrame(conn, nil)
}

func (s *Server) dispatchCommand(ctx context.Context, req Request) map[string]any {
	switch req.Command {
	case "skip":
		text, err := s.queue.Skip(ctx)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "skipped": text}

	case "clear":
		n := s.queue.Clear()
		return map[string]any{"ok": true, "cleared": n}

	case "queue_status":
		return statusToMap(s.queue.Status())

	case "replay":
		id, text, err := s.queue.Replay()
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "position": id, "text": text}

	case "stats":
		return s.statsResponse()

	case "voice_pool_status":
		status := s.voicePool.Status()
		return map[string]any{"ok": true, "locks": status.Locks, "claims": status.Claims, "weights": status.Weights}

	case "history":
		n := req.N
		if n == 0 {
			n = 10
		}
		entries, err := s.queue.history.Get(n)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "entries": entries}

	case "session_history":
		n := req.N
		if n == 0 {
			n = 10
		}
		entries, err := s.queue.history.GetBySession(req.Session, n)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "entries": entries}

	case "caller_history":
		n := req.N
		if n == 0 {
			n = 10
		}
		entries, err := s.queue.history.GetByCaller(req.Caller, n)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "entries": entries}

	case "voice_release":
		released := s.voicePool.ReleaseVoice(req.Voice)
		return map[string]any{"ok": true, "released": released}

	case "list_devices":
		devices, err := s.queue.sink.ListDevices()
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "devices": devices}

	case "set_device":
		if err := s.queue.sink.SetDevice(ctx, req.Device); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "device": req.Device}

	default:
		return map[string]any{"ok": false, "error": fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func statusToMap(qs QueueStatus) map[string]any {
	out := map[string]any{"pending": qs.Pending, "items": qs.Items}
	if qs.Playing != nil {
		out["playing"] = qs.Playing
	}
	return out
}

func (s *Server) statsResponse() map[string]any {
	s.mu.Lock()
	activeConns := s.activeConnections
	s.mu.Unlock()

	enqueued, completed, skipped := s.queue.Counters()
	status := s.queue.Status()

	var playingText any
	if status.Playing != nil {
		playingText = status.Playing.Text
	}

	cacheStats, err := s.cache.Stats()
	if err != nil {
		s.logger.Warn("server: cache stats failed", "err", err)
	}

	return map[string]any{
		"daemon": map[string]any{
			"pid":                os.Getpid(),
			"uptime_secs":        int64(time.Since(s.startTime).Seconds()),
			"active_connections": activeConns,
		},
		"queue": map[string]any{
			"total_enqueued":  enqueued,
			"total_completed": completed,
			"total_skipped":   skipped,
			"pending":         status.Pending,
			"playing":         playingText,
		},
		"cache": cacheStats,
	}
}

// IdleWatchdog shuts the daemon down after idleTimeout with no activity,
// no active connections, and nothing queued or playing; it also evicts
// expired cache entries once an hour. shutdown is called at most once.
func (s *Server) IdleWatchdog(ctx context.Context, shutdown func()) {
	const checkInterval = 30 * time.Second
	const evictInterval = time.Hour

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	var shutdownOnce sync.Once
	lastEvict := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idleFor := time.Since(s.lastActivity)
			activeConns := s.activeConnections
			s.mu.Unlock()

			if activeConns == 0 && idleFor >= s.idleTimeout && !s.queue.IsActive() {
				s.logger.Info("idle timeout reached, shutting down", "idle_for", idleFor)
				shutdownOnce.Do(shutdown)
				return
			}

			if time.Since(lastEvict) > evictInterval {
				removed, err := s.cache.EvictExpired()
				if err != nil {
					s.logger.Warn("idle watchdog: evict failed", "err", err)
				} else if removed > 0 {
					s.logger.Info("evicted expired cache entries", "count", removed)
				}
				lastEvict = time.Now()
			}
		}
	}
}
