package daemon

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *PlaybackQueue, string) {
	t.Helper()
	pq, _ := newTestQueue(t)
	// Worker intentionally not started: dispatch tests check pending/idle
	// state, which a running worker would race to drain.

	engine, _ := newTestEngine(t)
	cache, err := NewAudioCache(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewAudioCache: %v", err)
	}
	voicePool := NewVoicePool(filepath.Join(t.TempDir(), "voices.json"))
	subs := NewSubscriberManager()

	socketPath := filepath.Join(t.TempDir(), "speakd.sock")
	s := NewServer(socketPath, pq, engine, cache, voicePool, subs, 300*time.Second, nil)
	return s, pq, socketPath
}

func TestServerDispatchQueueStatus(t *testing.T) {
	s, pq, _ := newTestServer(t)
	pq.Enqueue(&UtteranceRequest{Text: "pending item"})

	resp := s.dispatchCommand(context.Background(), Request{Command: "queue_status"})
	if resp["pending"] != 1 {
		t.Fatalf("got pending %v, want 1", resp["pending"])
	}
}

func TestServerDispatchUnknownCommand(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.dispatchCommand(context.Background(), Request{Command: "bogus"})
	if resp["ok"] != false {
		t.Fatal("expected ok=false for unknown command")
	}
}

func TestServerDispatchSkipWithNothingPlaying(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.dispatchCommand(context.Background(), Request{Command: "skip"})
	if resp["ok"] != false {
		t.Fatal("expected ok=false when nothing is playing")
	}
}

func TestServerDispatchStats(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.dispatchCommand(context.Background(), Request{Command: "stats"})
	daemonInfo, ok := resp["daemon"].(map[string]any)
	if !ok {
		t.Fatalf("expected daemon stats map, got %+v", resp)
	}
	if _, ok := daemonInfo["pid"]; !ok {
		t.Fatal("expected pid in daemon stats")
	}
}

func TestServerDispatchListDevices(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.dispatchCommand(context.Background(), Request{Command: "list_devices"})
	if resp["ok"] != true {
		t.Fatalf("got %+v, want ok=true", resp)
	}
	if _, ok := resp["devices"]; !ok {
		t.Fatal("expected devices in response")
	}
}

func TestServerDispatchSetDevice(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.dispatchCommand(context.Background(), Request{Command: "set_device", Device: "plughw:1,0"})
	if resp["ok"] != true {
		t.Fatalf("got %+v, want ok=true", resp)
	}
}

func TestServerDispatchVoiceRelease(t *testing.T) {
	s, _, _ := newTestServer(t)
	voice, _, _ := s.voicePool.GetVoice("alice", "s1", "af_heart")
	resp := s.dispatchCommand(context.Background(), Request{Command: "voice_release", Voice: voice})
	if resp["ok"] != true {
		t.Fatalf("got %+v, want ok=true", resp)
	}
	released, ok := resp["released"].([]string)
	if !ok || len(released) != 1 {
		t.Fatalf("got released %+v, want one entry", resp["released"])
	}
}

func TestServerDispatchSessionAndCallerHistory(t *testing.T) {
	s, pq, _ := newTestServer(t)
	if err := pq.history.Record("hello", "alice", "s1"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	resp := s.dispatchCommand(context.Background(), Request{Command: "session_history", Session: "s1"})
	if resp["ok"] != true {
		t.Fatalf("got %+v, want ok=true", resp)
	}

	resp = s.dispatchCommand(context.Background(), Request{Command: "caller_history", Caller: "alice"})
	if resp["ok"] != true {
		t.Fatalf("got %+v, want ok=true", resp)
	}
}

func TestServerServeSubscribeUsesCommandShape(t *testing.T) {
	s, _, socketPath := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)
	waitForCondition(t, func() bool {
		_, err := net.Dial("unix", socketPath)
		return err == nil
	})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := WriteMessage(conn, Request{Command: "subscribe"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	waitForCondition(t, func() bool { return s.subs.Count() == 1 })
}

func TestServerServeAcceptsEnqueueOverSocket(t *testing.T) {
	s, _, socketPath := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)
	waitForCondition(t, func() bool {
		_, err := net.Dial("unix", socketPath)
		return err == nil
	})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := WriteMessage(conn, Request{Enqueue: true, Text: "hello over socket", Voice: "af_heart"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var resp map[string]any
	if err := ReadMessage(conn, &resp); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if resp["ok"] != true {
		t.Fatalf("got %+v, want ok=true", resp)
	}
}
