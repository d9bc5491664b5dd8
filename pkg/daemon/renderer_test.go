package daemon

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeSink) EnsureRunning(ctx context.Context) error { return nil }

func (f *fakeSink) WritePCM(ctx context.Context, pcm []byte, skipFlag func() bool) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.written = append(f.written, cp)
	return 0, nil
}

func (f *fakeSink) Kill(ctx context.Context, force bool) error        { return nil }
func (f *fakeSink) SetDevice(ctx context.Context, device string) error { return nil }
func (f *fakeSink) ListDevices() ([]string, error)                    { return []string{"default"}, nil }
func (f *fakeSink) IsAlive() bool                                     { return true }

func (f *fakeSink) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func newTestRenderer(t *testing.T) (*Renderer, *fakeSink, *fakeBackend) {
	t.Helper()
	engine, backend := newTestEngine(t)
	sink := &fakeSink{}
	r := NewRenderer(engine, sink, 24000, 200, DefaultConfig().PaddingMS, nil, nil)
	return r, sink, backend
}

func TestRenderPlaysClausesAndPadding(t *testing.T) {
	r, sink, _ := newTestRenderer(t)
	req := &UtteranceRequest{
		Text:          "Hello there. How are you?",
		ResolvedVoice: "af_heart",
		Gain:          1.0,
		Lang:          "en-us",
		Speed:         1.0,
	}

	result, err := r.Render(context.Background(), req, func() bool { return false }, nil, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if result.Skipped {
		t.Fatal("did not expect skip")
	}
	if result.ChunksPlayed != 2 {
		t.Fatalf("got %d chunks played, want 2", result.ChunksPlayed)
	}
	// Leading pad, then each clause writes its audio chunk plus a padding
	// silence chunk.
	if sink.chunkCount() != 5 {
		t.Fatalf("got %d device writes, want 5 (1 leading pad + 2 audio + 2 padding)", sink.chunkCount())
	}
}

func TestRenderStopsOnSkip(t *testing.T) {
	r, sink, _ := newTestRenderer(t)
	req := &UtteranceRequest{
		Text:          "First clause. Second clause. Third clause.",
		ResolvedVoice: "af_heart",
		Gain:          1.0,
		Lang:          "en-us",
		Speed:         1.0,
	}

	calls := 0
	skipFlag := func() bool {
		calls++
		return calls > 2
	}

	result, err := r.Render(context.Background(), req, skipFlag, nil, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected render to be marked as skipped")
	}
	if sink.chunkCount() == 0 {
		t.Fatal("expected at least the first clause to have played before the skip")
	}
}

func TestRenderUsesPrefetch(t *testing.T) {
	r, _, backend := newTestRenderer(t)
	req := &UtteranceRequest{
		Text:          "Hello there. How are you?",
		ResolvedVoice: "af_heart",
		Gain:          1.0,
		Lang:          "en-us",
		Speed:         1.0,
	}

	prefetch, err := PrefetchFirstClause(context.Background(), r.engine, req.Text, req.ResolvedVoice, req.Lang, req.Speed)
	if err != nil {
		t.Fatalf("PrefetchFirstClause: %v", err)
	}
	callsAfterPrefetch := backend.calls

	firstWriteCalled := false
	result, err := r.Render(context.Background(), req, func() bool { return false }, &prefetch, func() { firstWriteCalled = true })
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !firstWriteCalled {
		t.Fatal("expected onFirstWrite to fire")
	}
	if result.ChunksPlayed != 2 {
		t.Fatalf("got %d chunks, want 2", result.ChunksPlayed)
	}
	// The first clause was already synthesized by prefetch; only the
	// second clause should trigger a further backend call.
	if backend.calls != callsAfterPrefetch+1 {
		t.Fatalf("got %d backend calls after render, want %d", backend.calls, callsAfterPrefetch+1)
	}
}

func TestRenderEmptyTextIsNoop(t *testing.T) {
	r, sink, _ := newTestRenderer(t)
	req := &UtteranceRequest{Text: "   ", ResolvedVoice: "af_heart"}

	result, err := r.Render(context.Background(), req, func() bool { return false }, nil, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if result.ChunksPlayed != 0 || sink.chunkCount() != 0 {
		t.Fatal("expected no-op for empty text")
	}
}
