package daemon

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T) *AudioCache {
	t.Helper()
	c, err := NewAudioCache(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewAudioCache: %v", err)
	}
	return c
}

func TestAudioCacheClauseRoundTrip(t *testing.T) {
	c := newTestCache(t)

	if _, ok := c.GetClause("hello", "af_heart", 1.0); ok {
		t.Fatal("expected miss on empty cache")
	}

	pcm := []byte{1, 2, 3, 4}
	if err := c.PutClause("hello", "af_heart", 1.0, pcm); err != nil {
		t.Fatalf("PutClause: %v", err)
	}

	got, ok := c.GetClause("hello", "af_heart", 1.0)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if string(got) != string(pcm) {
		t.Fatalf("got %v, want %v", got, pcm)
	}

	// Different voice/speed is a different key.
	if _, ok := c.GetClause("hello", "am_adam", 1.0); ok {
		t.Fatal("expected miss for different voice")
	}
}

func TestAudioCacheExpires(t *testing.T) {
	c, err := NewAudioCache(t.TempDir(), -time.Second) // already expired
	if err != nil {
		t.Fatalf("NewAudioCache: %v", err)
	}
	if err := c.PutClause("hi", "af_heart", 1.0, []byte{9}); err != nil {
		t.Fatalf("PutClause: %v", err)
	}
	if _, ok := c.GetClause("hi", "af_heart", 1.0); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestAudioCacheWordAssembly(t *testing.T) {
	c := newTestCache(t)
	sampleRate := 24000

	w1 := make([]int16, 1000)
	w2 := make([]int16, 1000)
	for i := range w1 {
		w1[i] = 1000
		w2[i] = 2000
	}

	if _, ok := c.AssembleFromWords([]string{"AH", "B"}, "af_heart", 1.0, sampleRate, 5, 30); ok {
		t.Fatal("expected assembly miss before words are cached")
	}

	c.PutWord("AH", "af_heart", 1.0, int16ToBytes(w1))
	c.PutWord("B", "af_heart", 1.0, int16ToBytes(w2))

	out, ok := c.AssembleFromWords([]string{"AH", "B"}, "af_heart", 1.0, sampleRate, 5, 30)
	if !ok {
		t.Fatal("expected assembly hit once both words are cached")
	}
	wantLen := len(w1) + len(w2) + sampleRate*30/1000
	if len(out) != wantLen {
		t.Fatalf("got len %d, want %d", len(out), wantLen)
	}
}

func TestAudioCacheExtractAndCacheWords(t *testing.T) {
	c := newTestCache(t)
	sampleRate := 24000

	audio := make([]int16, sampleRate/5) // 200ms
	for i := range audio {
		audio[i] = 15000
	}

	c.ExtractAndCacheWords([]string{"ONLYWORD"}, audio, sampleRate, "af_heart", 1.0)

	pcm, ok := c.GetWord("ONLYWORD", "af_heart", 1.0)
	if !ok {
		t.Fatal("expected single-word extraction to cache the whole clip")
	}
	if len(pcm) != len(audio)*2 {
		t.Fatalf("got %d bytes, want %d", len(pcm), len(audio)*2)
	}
}

func TestAudioCacheStatsAndEviction(t *testing.T) {
	c := newTestCache(t)
	c.PutClause("a", "af_heart", 1.0, []byte{1, 2})
	c.PutClause("b", "af_heart", 1.0, []byte{3, 4})
	c.PutWord("w1", "af_heart", 1.0, []byte{5, 6})

	c.GetClause("a", "af_heart", 1.0) // bump hits once

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Clauses != 2 || stats.Words != 1 {
		t.Fatalf("got clauses=%d words=%d, want 2/1", stats.Clauses, stats.Words)
	}
	if stats.ClauseHits != 1 {
		t.Fatalf("got clause hits %d, want 1", stats.ClauseHits)
	}
	if _, ok := stats.Voices["af_heart"]; !ok {
		t.Fatal("expected af_heart voice bucket")
	}

	removed, err := c.EvictExpired()
	if err != nil {
		t.Fatalf("EvictExpired: %v", err)
	}
	if removed != 0 {
		t.Fatalf("got %d removed, want 0 (ttl not expired)", removed)
	}
}
