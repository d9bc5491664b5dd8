package daemon

import (
	"context"
	"fmt"
	"strings"
)

// SynthesisEngine wraps a TTSBackend with the two-tier cache integration
// described in spec §4.3: clause cache first, then word-assembly, then a
// full synthesis call that backfills both tiers.
type SynthesisEngine struct {
	backend    TTSBackend
	cache      *AudioCache
	sampleRate int

	crossfadeMS  int
	silenceGapMS int
}

// NewSynthesisEngine wires a backend and cache together at the pipeline's
// fixed sample rate.
func NewSynthesisEngine(backend TTSBackend, cache *AudioCache, sampleRate, crossfadeMS, silenceGapMS int) *SynthesisEngine {
	return &SynthesisEngine{
		backend:      backend,
		cache:        cache,
		sampleRate:   sampleRate,
		crossfadeMS:  crossfadeMS,
		silenceGapMS: silenceGapMS,
	}
}

// wordTokens stands in for the original's per-word phonemization: the
// backend here is opaque (a remote model, not an in-process tokenizer), so
// word identity for the cache is the lowercased word itself rather than a
// phoneme string. Good enough for the word-assembly tier's purpose, which
// is reusing audio for words already heard verbatim.
func wordTokens(text string) []string {
	fields := strings.Fields(text)
	tokens := make([]string, len(fields))
	for i, f := range fields {
		tokens[i] = strings.ToLower(strings.Trim(f, ".,!?;:—-"))
	}
	return tokens
}

// SynthesizeFull always calls the backend, then populates both the clause
// cache and the word cache from the resulting audio.
func (e *SynthesisEngine) SynthesizeFull(ctx context.Context, text, voice, lang string, speed float64) ([]byte, error) {
	var samples []float32
	err := e.backend.StreamSynthesize(ctx, text, voice, lang, speed, func(f PCMFrame) error {
		samples = append(samples, f.Samples...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis: backend: %w", err)
	}

	audio := floatsToInt16(samples)
	pcm := int16ToBytes(audio)

	if err := e.cache.PutClause(text, voice, speed, pcm); err != nil {
		return nil, fmt.Errorf("synthesis: cache clause: %w", err)
	}

	words := wordTokens(text)
	switch {
	case len(words) > 1:
		e.cache.ExtractAndCacheWords(words, audio, e.sampleRate, voice, speed)
	case len(words) == 1:
		e.cache.PutWord(words[0], voice, speed, pcm)
	}

	return pcm, nil
}

// SynthesizeSentence resolves a clause through the cache hierarchy,
// falling back to the backend only on a full miss. The returned bool is
// true when the clause was served from word-assembly and should be
// upgraded to a clause-cache entry in the background.
func (e *SynthesisEngine) SynthesizeSentence(ctx context.Context, sentence, voice, lang string, speed float64) ([]byte, bool, error) {
	if cached, ok := e.cache.GetClause(sentence, voice, speed); ok {
		return cached, false, nil
	}

	words := wordTokens(sentence)
	if assembled, ok := e.cache.AssembleFromWords(words, voice, speed, e.sampleRate, e.crossfadeMS, e.silenceGapMS); ok {
		return int16ToBytes(assembled), true, nil
	}

	pcm, err := e.SynthesizeFull(ctx, sentence, voice, lang, speed)
	if err != nil {
		return nil, false, err
	}
	return pcm, false, nil
}

// SynthesizeDirect calls the backend directly, bypassing the clause and word
// caches entirely. Used for ephemeral audio, such as the playback queue's
// caller-claim announcement (spec §4.8 step 6), that must never populate or
// be served from the cache.
func (e *SynthesisEngine) SynthesizeDirect(ctx context.Context, text, voice, lang string, speed float64) ([]byte, error) {
	var samples []float32
	err := e.backend.StreamSynthesize(ctx, text, voice, lang, speed, func(f PCMFrame) error {
		samples = append(samples, f.Samples...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis: backend direct: %w", err)
	}
	return int16ToBytes(floatsToInt16(samples)), nil
}

// BackgroundUpgrade redoes a full synthesis so a word-assembled clause gets
// a proper clause-cache entry for next time. Callers run this on its own
// goroutine and only log failures.
func (e *SynthesisEngine) BackgroundUpgrade(ctx context.Context, sentence, voice, lang string, speed float64) error {
	_, err := e.SynthesizeFull(ctx, sentence, voice, lang, speed)
	return err
}

func floatsToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}
