package daemon

import (
	"crypto/md5"
	"encoding/binary"
	"math"
	"sync"
)

// callerTonePatterns lists the nine caller-identification tones: short
// melodic fragments whose beep count and pitches make distinct callers easy
// to tell apart by ear alone.
var callerTonePatterns = [][]float64{
	{523.25},                 // C5
	{440.00},                 // A4
	{659.25},                 // E5
	{329.63, 523.25},         // E4 -> C5
	{783.99, 440.00},         // G5 -> A4
	{293.66, 587.33},         // D4 -> D5
	{392.00, 523.25, 659.25}, // G4 -> C5 -> E5
	{880.00, 659.25, 523.25}, // A5 -> E5 -> C5
	{329.63, 440.00, 587.33}, // E4 -> A4 -> D5
}

var beepDurationSec = map[int]float64{1: 0.16, 2: 0.12, 3: 0.08}

// CALLER_VOICES in original_source; kept here as the built-in default
// mapping, overridable by voices.json at startup.
var defaultCallerVoices = map[string]struct {
	Voice string
	Gain  float64
}{
	"speak": {"af_heart", 1.0},
	"happy": {"am_adam", 1.0},
	"ops":   {"af_nova", 1.5},
}

// DefaultVoiceForCaller returns the built-in (voice, gain) pair for a
// caller, falling back to the request's own voice when the caller has no
// built-in assignment.
func DefaultVoiceForCaller(caller, requestVoice string) (string, float64) {
	if v, ok := defaultCallerVoices[caller]; ok {
		return v.Voice, v.Gain
	}
	return requestVoice, 1.0
}

// ToneGenerator builds and caches the separator tone, the 1s caller-gap
// silence, and per-caller identification tones, all as 16-bit PCM at the
// configured sample rate.
type ToneGenerator struct {
	sampleRate int

	separator []byte
	callerGap []byte

	mu    sync.Mutex
	cache map[string][]byte
}

// NewToneGenerator builds the fixed tones eagerly; per-caller tones are
// generated lazily and cached since the caller set is unbounded.
func NewToneGenerator(sampleRate int) *ToneGenerator {
	g := &ToneGenerator{
		sampleRate: sampleRate,
		cache:      make(map[string][]byte),
	}
	g.separator = g.generateSeparatorTone()
	g.callerGap = silencePCM(sampleRate, 1.0)
	return g
}

// SeparatorTone returns the two-note chime played between queue items from
// the same caller.
func (g *ToneGenerator) SeparatorTone() []byte { return g.separator }

// CallerGap returns the 1 second of silence inserted between items from
// different callers, replacing the separator tone.
func (g *ToneGenerator) CallerGap() []byte { return g.callerGap }

// CallerTone returns the cached identification tone for caller, generating
// it on first use.
func (g *ToneGenerator) CallerTone(caller string) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.cache[caller]; ok {
		return t
	}
	t := g.generateCallerTone(caller)
	g.cache[caller] = t
	return t
}

func (g *ToneGenerator) generateSeparatorTone() []byte {
	const (
		noteDur  = 0.15
		volume   = 0.08
		fadeSec  = 0.03
		leadSec  = 0.05
		gapSec   = 0.03
		trailSec = 0.08
	)
	note1 := g.note(659, noteDur, volume, fadeSec)
	note2 := g.note(784, noteDur, volume, fadeSec)

	samples := make([]float64, 0, len(note1)+len(note2)+g.samplesFor(leadSec+gapSec+trailSec))
	samples = append(samples, zeros(g.samplesFor(leadSec))...)
	samples = append(samples, note1...)
	samples = append(samples, zeros(g.samplesFor(gapSec))...)
	samples = append(samples, note2...)
	samples = append(samples, zeros(g.samplesFor(trailSec))...)
	return floatsToPCM16(samples)
}

func (g *ToneGenerator) generateCallerTone(caller string) []byte {
	sum := md5.Sum([]byte(caller))
	h := binary.BigEndian.Uint32(sum[:4])
	pattern := callerTonePatterns[int(h)%len(callerTonePatterns)]

	const (
		volume   = 0.10
		fadeSec  = 0.015
		gapSec   = 0.04
		leadSec  = 0.04
		trailSec = 0.06
	)
	dur := beepDurationSec[len(pattern)]

	samples := zeros(g.samplesFor(leadSec))
	for i, freq := range pattern {
		samples = append(samples, g.note(freq, dur, volume, fadeSec)...)
		if i < len(pattern)-1 {
			samples = append(samples, zeros(g.samplesFor(gapSec))...)
		}
	}
	samples = append(samples, zeros(g.samplesFor(trailSec))...)
	return floatsToPCM16(samples)
}

func (g *ToneGenerator) samplesFor(sec float64) int {
	return int(float64(g.sampleRate) * sec)
}

// note renders one faded sine tone at freq Hz for dur seconds at volume.
func (g *ToneGenerator) note(freq, dur, volume, fadeSec float64) []float64 {
	n := g.samplesFor(dur)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		tt := dur * float64(i) / float64(n)
		out[i] = math.Sin(2*math.Pi*freq*tt) * volume
	}
	fadeLen := g.samplesFor(fadeSec)
	if fadeLen > n/2 {
		fadeLen = n / 2
	}
	for i := 0; i < fadeLen; i++ {
		out[i] *= float64(i) / float64(fadeLen)
	}
	for i := 0; i < fadeLen; i++ {
		out[n-1-i] *= float64(i) / float64(fadeLen)
	}
	return out
}

func zeros(n int) []float64 {
	return make([]float64, n)
}

func silencePCM(sampleRate int, seconds float64) []byte {
	n := int(float64(sampleRate) * seconds)
	return make([]byte, n*2)
}

// floatsToPCM16 converts samples in [-1, 1] to little-endian int16 PCM.
func floatsToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
