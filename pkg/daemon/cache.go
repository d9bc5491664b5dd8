package daemon

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// cacheMeta mirrors the sidecar ".meta" JSON files of both tiers (Text is
// set for clause entries, Phonemes for word entries): enough to report hit counts and voice breakdowns
// without re-reading every PCM file.
type cacheMeta struct {
	Voice     string  `json:"voice"`
	Speed     float64 `json:"speed"`
	Hits      int     `json:"hits"`
	CreatedAt float64 `json:"created_at"`
	LastHit   float64 `json:"last_hit,omitempty"`
	Text      string  `json:"text,omitempty"`
	Phonemes  string  `json:"phonemes,omitempty"`
}

// AudioCache is the two-tier disk cache described in spec §4.2: a
// clause-level tier for exact repeat utterances, and a word-level tier used
// to assemble novel clauses from previously synthesized words without a
// round trip to the backend.
type AudioCache struct {
	clauseDir string
	wordDir   string
	ttl       time.Duration

	mu sync.Mutex // serializes read-modify-write of sidecar meta files
}

// NewAudioCache creates (if needed) the clause/ and word/ subdirectories
// under dir and returns a ready-to-use cache with the given TTL.
func NewAudioCache(dir string, ttl time.Duration) (*AudioCache, error) {
	c := &AudioCache{
		clauseDir: filepath.Join(dir, "clauses"),
		wordDir:   filepath.Join(dir, "words"),
		ttl:       ttl,
	}
	if err := os.MkdirAll(c.clauseDir, 0o755); err != nil {
		return nil, fmt.Errorf("audio cache: create clause dir: %w", err)
	}
	if err := os.MkdirAll(c.wordDir, 0o755); err != nil {
		return nil, fmt.Errorf("audio cache: create word dir: %w", err)
	}
	return c, nil
}

func cacheKey(raw, voice string, speed float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.2f", raw, voice, speed)))
	return fmt.Sprintf("%x", sum)[:24]
}

// GetClause returns the cached PCM for an exact (text, voice, speed) match,
// evicting it first if it has outlived the TTL.
func (c *AudioCache) GetClause(text, voice string, speed float64) ([]byte, bool) {
	return c.get(c.clauseDir, cacheKey(text, voice, speed))
}

// PutClause stores pcm under the clause tier, preserving any existing hit
// count for the same key.
func (c *AudioCache) PutClause(text, voice string, speed float64, pcm []byte) error {
	h := cacheKey(text, voice, speed)
	meta := cacheMeta{Voice: voice, Speed: speed, Text: truncate(text, 200)}
	return c.put(c.clauseDir, h, pcm, meta)
}

// GetWord returns cached PCM for a single word's phoneme string.
func (c *AudioCache) GetWord(phonemes, voice string, speed float64) ([]byte, bool) {
	return c.get(c.wordDir, cacheKey(phonemes, voice, speed))
}

// PutWord stores pcm under the word tier.
func (c *AudioCache) PutWord(phonemes, voice string, speed float64, pcm []byte) error {
	h := cacheKey(phonemes, voice, speed)
	meta := cacheMeta{Voice: voice, Speed: speed, Phonemes: phonemes}
	return c.put(c.wordDir, h, pcm, meta)
}

func (c *AudioCache) get(dir, hash string) ([]byte, bool) {
	pcmPath := filepath.Join(dir, hash)
	metaPath := pcmPath + ".meta"

	info, err := os.Stat(pcmPath)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > c.ttl {
		os.Remove(pcmPath)
		os.Remove(metaPath)
		return nil, false
	}

	pcm, err := os.ReadFile(pcmPath)
	if err != nil {
		return nil, false
	}
	c.bumpHits(metaPath)
	return pcm, true
}

func (c *AudioCache) put(dir, hash string, pcm []byte, meta cacheMeta) error {
	pcmPath := filepath.Join(dir, hash)
	metaPath := pcmPath + ".meta"

	if err := os.WriteFile(pcmPath, pcm, 0o644); err != nil {
		return fmt.Errorf("audio cache: write pcm: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	existing := c.readMeta(metaPath)
	meta.Hits = existing.Hits
	if existing.CreatedAt != 0 {
		meta.CreatedAt = existing.CreatedAt
	} else {
		meta.CreatedAt = float64(time.Now().Unix())
	}
	return c.writeMeta(metaPath, meta)
}

func (c *AudioCache) readMeta(path string) cacheMeta {
	b, err := os.ReadFile(path)
	if err != nil {
		return cacheMeta{}
	}
	var m cacheMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return cacheMeta{}
	}
	return m
}

func (c *AudioCache) writeMeta(path string, m cacheMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("audio cache: marshal meta: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("audio cache: write meta: %w", err)
	}
	return nil
}

func (c *AudioCache) bumpHits(metaPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.readMeta(metaPath)
	if m == (cacheMeta{}) {
		return
	}
	m.Hits++
	m.LastHit = float64(time.Now().Unix())
	c.writeMeta(metaPath, m)
}

// AssembleFromWords tries to build full clause audio purely from the word
// tier. Returns (nil, false) the moment any word is missing from cache.
func (c *AudioCache) AssembleFromWords(wordPhonemes []string, voice string, speed float64, sampleRate, crossfadeMS, silenceGapMS int) ([]int16, bool) {
	words := make([][]int16, 0, len(wordPhonemes))
	for _, wp := range wordPhonemes {
		pcm, ok := c.GetWord(wp, voice, speed)
		if !ok {
			return nil, false
		}
		words = append(words, bytesToInt16(pcm))
	}
	return AssembleWordAudio(words, sampleRate, crossfadeMS, silenceGapMS), true
}

// ExtractAndCacheWords splits a completed clause synthesis into per-word
// segments and caches each one so future novel clauses reusing these words
// can skip the backend entirely.
func (c *AudioCache) ExtractAndCacheWords(wordPhonemes []string, audio []int16, sampleRate int, voice string, speed float64) {
	if len(wordPhonemes) == 0 {
		return
	}
	if len(wordPhonemes) == 1 {
		c.PutWord(wordPhonemes[0], voice, speed, int16ToBytes(audio))
		return
	}

	segments := DetectWordBoundaries(audio, sampleRate, len(wordPhonemes))
	for i, wp := range wordPhonemes {
		seg := segments[i]
		if seg.End <= seg.Start {
			continue
		}
		c.PutWord(wp, voice, speed, int16ToBytes(audio[seg.Start:seg.End]))
	}
}

// EvictExpired removes every cache entry (both tiers) older than the TTL
// and returns the count removed.
func (c *AudioCache) EvictExpired() (int, error) {
	removed := 0
	for _, dir := range []string{c.clauseDir, c.wordDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("audio cache: evict: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasSuffix(e.Name(), ".meta") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			if time.Since(info.ModTime()) > c.ttl {
				os.Remove(path)
				os.Remove(path + ".meta")
				removed++
			}
		}
	}
	return removed, nil
}

// DiskSize returns the total bytes used by both cache tiers.
func (c *AudioCache) DiskSize() (int64, error) {
	var total int64
	for _, dir := range []string{c.clauseDir, c.wordDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return total, fmt.Errorf("audio cache: disk size: %w", err)
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.IsDir() {
				continue
			}
			total += info.Size()
		}
	}
	return total, nil
}

// VoiceCacheStats accumulates per-voice clause/word counts and hit totals.
type VoiceCacheStats struct {
	Clauses int `json:"clauses"`
	Words   int `json:"words"`
	Hits    int `json:"hits"`
}

// CacheStats is the response shape for the "stats" / cache-introspection
// command.
type CacheStats struct {
	Clauses    int                        `json:"clauses"`
	Words      int                        `json:"words"`
	ClauseHits int                        `json:"clause_hits"`
	WordHits   int                        `json:"word_hits"`
	Voices     map[string]VoiceCacheStats `json:"voices"`
	DiskBytes  int64                      `json:"disk_bytes"`
}

// Stats aggregates per-tier and per-voice counts from the sidecar meta
// files.
func (c *AudioCache) Stats() (CacheStats, error) {
	result := CacheStats{Voices: make(map[string]VoiceCacheStats)}

	tiers := []struct {
		name string
		dir  string
	}{
		{"clause", c.clauseDir},
		{"word", c.wordDir},
	}
	for _, tier := range tiers {
		entries, err := os.ReadDir(tier.dir)
		if err != nil {
			return result, fmt.Errorf("audio cache: stats: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".meta") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			m := c.readMeta(filepath.Join(tier.dir, name))
			voice := m.Voice
			if voice == "" {
				voice = "unknown"
			}
			vs := result.Voices[voice]
			switch tier.name {
			case "clause":
				result.Clauses++
				result.ClauseHits += m.Hits
				vs.Clauses++
			case "word":
				result.Words++
				result.WordHits += m.Hits
				vs.Words++
			}
			vs.Hits += m.Hits
			result.Voices[voice] = vs
		}
	}

	size, err := c.DiskSize()
	if err != nil {
		return result, err
	}
	result.DiskBytes = size
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
