package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/speakhq/speakd/pkg/logging"
)

// trimThreshold is the fraction of a clip's peak amplitude below which
// leading/trailing samples are considered silence and trimmed, removing
// the small amount of dead air most backends pad every clip with.
const trimThreshold = 0.001

// leadingPadMS is the minimal silence written before an utterance's first
// clause, per spec §4.7, so playback never starts on a clipped attack.
const leadingPadMS = 10

// Prefetch holds the result of synthesizing the first clause of an
// utterance ahead of the start tone, so playback can begin the instant the
// tone finishes instead of waiting on the whole utterance.
type Prefetch struct {
	FirstClausePCM []byte
	Remaining      []string
}

// PrefetchFirstClause splits text into clauses and resolves only the first
// one through the cache hierarchy, returning the rest for the renderer to
// pick up afterward. Mirrors spec §4.7's prefetch step, generalized from
// the teacher's "kick off the slow thing, join it later" pattern.
func PrefetchFirstClause(ctx context.Context, engine *SynthesisEngine, text, voice, lang string, speed float64) (Prefetch, error) {
	clauses := SplitClauses(text)
	if len(clauses) == 0 {
		return Prefetch{}, nil
	}

	first := clauses[0]
	pcm, needsUpgrade, err := engine.SynthesizeSentence(ctx, first, voice, lang, speed)
	if err != nil {
		return Prefetch{}, fmt.Errorf("renderer: prefetch: %w", err)
	}
	if needsUpgrade {
		go engine.BackgroundUpgrade(context.Background(), first, voice, lang, speed)
	}

	return Prefetch{FirstClausePCM: trimSilenceInt16Bytes(pcm), Remaining: clauses[1:]}, nil
}

// Renderer streams a resolved utterance to the audio device clause by
// clause, applying gain and inter-clause padding as it goes.
type Renderer struct {
	engine     *SynthesisEngine
	sink       AudioSink
	sampleRate int

	paddingMu        sync.RWMutex
	defaultPaddingMS int
	paddingMS        map[string]int

	eventLog *EventLogger
	logger   logging.Logger
}

// SetPadding replaces the padding table live, used by the trim.yaml
// fsnotify watcher to pick up edits without a daemon restart.
func (r *Renderer) SetPadding(defaultMS int, table map[string]int) {
	r.paddingMu.Lock()
	defer r.paddingMu.Unlock()
	r.defaultPaddingMS = defaultMS
	r.paddingMS = table
}

// NewRenderer wires a synthesis engine and audio sink together.
func NewRenderer(engine *SynthesisEngine, sink AudioSink, sampleRate int, defaultPaddingMS int, paddingMS map[string]int, eventLog *EventLogger, logger logging.Logger) *Renderer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Renderer{
		engine:           engine,
		sink:             sink,
		sampleRate:       sampleRate,
		defaultPaddingMS: defaultPaddingMS,
		paddingMS:        paddingMS,
		eventLog:         eventLog,
		logger:           logger,
	}
}

// RenderResult summarizes one rendered utterance for logging/testing.
type RenderResult struct {
	ChunksPlayed   int
	TotalAudioSecs float64
	Skipped        bool
}

// Render plays req clause by clause, optionally starting from a Prefetch
// computed while the start tone played. onFirstWrite fires once,
// immediately before the first clause's audio is written; the leading
// silence pad is written before it fires.
func (r *Renderer) Render(ctx context.Context, req *UtteranceRequest, skipFlag func() bool, prefetch *Prefetch, onFirstWrite func()) (RenderResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return RenderResult{}, nil
	}

	voice := req.ResolvedVoice
	if voice == "" {
		voice = req.Voice
	}
	gain := req.Gain
	if gain == 0 {
		gain = 1.0
	}

	if r.eventLog != nil {
		r.eventLog.Log("request_start", map[string]any{
			"sequence_id": req.SequenceID,
			"voice":       voice,
			"caller":      req.Caller,
		})
	}

	var result RenderResult
	firstChunk := true

	defer func() {
		if r.eventLog != nil {
			r.eventLog.Log("request_done", map[string]any{
				"sequence_id": req.SequenceID,
				"chunks":      result.ChunksPlayed,
				"audio_secs":  result.TotalAudioSecs,
				"skipped":     result.Skipped,
			})
		}
	}()

	playClause := func(clauseText string, pcmBytes []byte) bool {
		if skipFlag() {
			return false
		}
		samples := bytesToInt16(pcmBytes)
		if gain != 1.0 {
			applyGain(samples, gain)
		}
		pcmBytes = int16ToBytes(samples)

		if firstChunk && onFirstWrite != nil {
			onFirstWrite()
		}
		firstChunk = false

		if _, err := r.sink.WritePCM(ctx, pcmBytes, skipFlag); err != nil {
			r.logger.Warn("renderer: write pcm failed", "err", err)
			return false
		}
		result.ChunksPlayed++
		result.TotalAudioSecs += float64(len(samples)) / float64(r.sampleRate)

		if pad := r.paddingFor(clauseText); pad > 0 {
			r.sink.WritePCM(ctx, silenceBytes(r.sampleRate, pad), skipFlag)
		}
		return true
	}

	r.sink.WritePCM(ctx, silenceBytes(r.sampleRate, leadingPadMS), skipFlag)

	clauses := SplitClauses(text)
	if prefetch != nil {
		if !playClause(clauses0(clauses), prefetch.FirstClausePCM) {
			result.Skipped = true
			return result, nil
		}
		for _, clause := range prefetch.Remaining {
			if skipFlag() {
				result.Skipped = true
				break
			}
			pcm, needsUpgrade, err := r.engine.SynthesizeSentence(ctx, clause, voice, req.Lang, req.Speed)
			if err != nil {
				return result, fmt.Errorf("renderer: synthesize clause: %w", err)
			}
			if needsUpgrade {
				go r.engine.BackgroundUpgrade(context.Background(), clause, voice, req.Lang, req.Speed)
			}
			if !playClause(clause, trimSilenceInt16Bytes(pcm)) {
				result.Skipped = true
				break
			}
		}
		return result, nil
	}

	for _, clause := range clauses {
		if skipFlag() {
			result.Skipped = true
			break
		}
		pcm, needsUpgrade, err := r.engine.SynthesizeSentence(ctx, clause, voice, req.Lang, req.Speed)
		if err != nil {
			return result, fmt.Errorf("renderer: synthesize clause: %w", err)
		}
		if needsUpgrade {
			go r.engine.BackgroundUpgrade(context.Background(), clause, voice, req.Lang, req.Speed)
		}
		if !playClause(clause, trimSilenceInt16Bytes(pcm)) {
			result.Skipped = true
			break
		}
	}
	return result, nil
}

func clauses0(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return clauses[0]
}

// paddingFor returns the inter-clause silence gap for the punctuation a
// clause ends on, falling back to the default when the clause ends on
// something not in the table (or nothing at all).
func (r *Renderer) paddingFor(clause string) int {
	r.paddingMu.RLock()
	defer r.paddingMu.RUnlock()

	clause = strings.TrimRight(clause, " \t\n")
	if clause == "" {
		return r.defaultPaddingMS
	}
	last := string(clause[len(clause)-1])
	if ms, ok := r.paddingMS[last]; ok {
		return ms
	}
	return r.defaultPaddingMS
}

func applyGain(samples []int16, gain float64) {
	for i, s := range samples {
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32767 {
			v = -32767
		}
		samples[i] = int16(v)
	}
}

func silenceBytes(sampleRate, ms int) []byte {
	n := sampleRate * ms / 1000
	return make([]byte, n*2)
}

// trimSilenceInt16Bytes removes leading/trailing samples quieter than
// trimThreshold of the clip's peak amplitude, a cheap cleanup for the
// small silence pad most TTS backends leave at clip edges.
func trimSilenceInt16Bytes(pcm []byte) []byte {
	samples := bytesToInt16(pcm)
	if len(samples) == 0 {
		return pcm
	}

	var peak int16
	for _, s := range samples {
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs > peak {
			peak = abs
		}
	}
	if peak == 0 {
		return pcm
	}
	cutoff := int16(float64(peak) * trimThreshold)

	start := 0
	for start < len(samples) && abs16(samples[start]) < cutoff {
		start++
	}
	end := len(samples)
	for end > start && abs16(samples[end-1]) < cutoff {
		end--
	}
	if start == 0 && end == len(samples) {
		return pcm
	}
	return int16ToBytes(samples[start:end])
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
