package daemon

import (
	"context"
	"testing"
	"time"
)

type fakeBackend struct {
	calls   int
	samples []float32
}

func (f *fakeBackend) StreamSynthesize(ctx context.Context, text, voice, lang string, speed float64, onChunk func(PCMFrame) error) error {
	f.calls++
	samples := f.samples
	if samples == nil {
		samples = make([]float32, 2400)
		for i := range samples {
			samples[i] = 0.1
		}
	}
	return onChunk(PCMFrame{Samples: samples, SampleRate: 24000})
}

func (f *fakeBackend) Abort() error { return nil }
func (f *fakeBackend) Close() error { return nil }

func newTestEngine(t *testing.T) (*SynthesisEngine, *fakeBackend) {
	t.Helper()
	cache, err := NewAudioCache(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewAudioCache: %v", err)
	}
	backend := &fakeBackend{}
	engine := NewSynthesisEngine(backend, cache, 24000, 5, 30)
	return engine, backend
}

func TestSynthesizeSentenceCachesOnFirstCall(t *testing.T) {
	engine, backend := newTestEngine(t)
	ctx := context.Background()

	pcm1, upgraded1, err := engine.SynthesizeSentence(ctx, "hello world", "af_heart", "en-us", 1.0)
	if err != nil {
		t.Fatalf("SynthesizeSentence: %v", err)
	}
	if upgraded1 {
		t.Fatal("first call should be a full miss, not a word-assembly upgrade")
	}
	if backend.calls != 1 {
		t.Fatalf("got %d backend calls, want 1", backend.calls)
	}

	pcm2, upgraded2, err := engine.SynthesizeSentence(ctx, "hello world", "af_heart", "en-us", 1.0)
	if err != nil {
		t.Fatalf("SynthesizeSentence: %v", err)
	}
	if upgraded2 {
		t.Fatal("second call should hit the clause cache, not need upgrading")
	}
	if backend.calls != 1 {
		t.Fatalf("got %d backend calls, want 1 (second call should be cached)", backend.calls)
	}
	if len(pcm1) != len(pcm2) {
		t.Fatalf("cached pcm length mismatch: %d vs %d", len(pcm1), len(pcm2))
	}
}

func TestSynthesizeSentenceWordAssemblyUpgrade(t *testing.T) {
	engine, backend := newTestEngine(t)
	ctx := context.Background()

	if _, _, err := engine.SynthesizeSentence(ctx, "hello world", "af_heart", "en-us", 1.0); err != nil {
		t.Fatalf("SynthesizeSentence: %v", err)
	}
	callsAfterFirst := backend.calls

	// Novel sentence reusing both words should assemble from the word
	// cache rather than calling the backend again.
	_, upgraded, err := engine.SynthesizeSentence(ctx, "world hello", "af_heart", "en-us", 1.0)
	if err != nil {
		t.Fatalf("SynthesizeSentence: %v", err)
	}
	if !upgraded {
		t.Fatal("expected word-assembly hit to request a background upgrade")
	}
	if backend.calls != callsAfterFirst {
		t.Fatalf("expected no additional backend calls, got %d more", backend.calls-callsAfterFirst)
	}
}

func TestBackgroundUpgradePopulatesClauseCache(t *testing.T) {
	engine, backend := newTestEngine(t)
	ctx := context.Background()

	if err := engine.BackgroundUpgrade(ctx, "some phrase", "af_heart", "en-us", 1.0); err != nil {
		t.Fatalf("BackgroundUpgrade: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("got %d backend calls, want 1", backend.calls)
	}

	pcm, upgraded, err := engine.SynthesizeSentence(ctx, "some phrase", "af_heart", "en-us", 1.0)
	if err != nil {
		t.Fatalf("SynthesizeSentence: %v", err)
	}
	if upgraded {
		t.Fatal("expected clause cache hit after background upgrade")
	}
	if len(pcm) == 0 {
		t.Fatal("expected non-empty pcm")
	}
	if backend.calls != 1 {
		t.Fatalf("expected no additional backend calls, got %d", backend.calls)
	}
}
