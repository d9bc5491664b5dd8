package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// EnglishVoices is the built-in pool of neural voice names the round-robin
// assignment draws from.
var EnglishVoices = []string{
	"af_alloy", "af_aoede", "af_bella", "af_heart", "af_jessica", "af_kore",
	"af_nicole", "af_nova", "af_river", "af_sarah", "af_sky",
	"am_adam", "am_echo", "am_eric", "am_fenrir", "am_liam",
	"am_michael", "am_onyx", "am_puck",
	"bf_alice", "bf_emma", "bf_isabella", "bf_lily",
	"bm_daniel", "bm_fable", "bm_george", "bm_lewis",
}

type voiceLock struct {
	Voice string  `json:"voice"`
	Gain  float64 `json:"gain"`
}

type claimKey struct {
	caller  string
	session string
}

type claim struct {
	Voice string  `json:"voice"`
	Gain  float64 `json:"gain"`
}

type voicePoolFile struct {
	Locks   map[string]voiceLock `json:"locks"`
	Weights map[string]int       `json:"weights"`
}

// VoicePool assigns distinct voices to (caller, session) pairs, honoring
// persistent per-caller locks and per-voice weights loaded from
// voices.json and hot-reloadable via ReloadConfig.
type VoicePool struct {
	configPath string

	mu      sync.Mutex
	locks   map[string]voiceLock
	weights map[string]int
	claims  map[claimKey]claim
	nextIdx int
}

// NewVoicePool loads locks/weights from configPath if it exists; a missing
// or malformed file starts with an empty pool, matching the original's
// tolerant load.
func NewVoicePool(configPath string) *VoicePool {
	p := &VoicePool{
		configPath: configPath,
		locks:      make(map[string]voiceLock),
		weights:    make(map[string]int),
		claims:     make(map[claimKey]claim),
	}
	p.loadConfigLocked()
	return p
}

func (p *VoicePool) loadConfigLocked() {
	b, err := os.ReadFile(p.configPath)
	if err != nil {
		return
	}
	var f voicePoolFile
	if err := json.Unmarshal(b, &f); err != nil {
		return
	}
	if f.Locks != nil {
		p.locks = f.Locks
	}
	if f.Weights != nil {
		p.weights = f.Weights
	}
}

// ReloadConfig re-reads voices.json, used by the fsnotify watcher on
// external edits (e.g. a companion CLI locking a voice while the daemon is
// running).
func (p *VoicePool) ReloadConfig() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadConfigLocked()
}

func (p *VoicePool) saveConfigLocked() error {
	f := voicePoolFile{
		Locks:   p.locks,
		Weights: p.weights,
	}
	if err := os.MkdirAll(filepath.Dir(p.configPath), 0o755); err != nil {
		return fmt.Errorf("voice pool: save: %w", err)
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("voice pool: marshal: %w", err)
	}
	b = append(b, '\n')
	if err := os.WriteFile(p.configPath, b, 0o644); err != nil {
		return fmt.Errorf("voice pool: save: %w", err)
	}
	return nil
}

// GetVoice returns (voice, gain, isNewClaim) for a caller+session pair.
// Repeat calls for the same pair always return the existing claim; locked
// callers always get their locked voice; otherwise a voice is drawn from
// the pool, preferring unclaimed and unlocked voices, lowest weight first.
func (p *VoicePool) GetVoice(caller, session, defaultVoice string) (string, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := claimKey{caller, session}
	if c, ok := p.claims[key]; ok {
		return c.Voice, c.Gain, false
	}

	if l, ok := p.locks[caller]; ok {
		p.claims[key] = claim{Voice: l.Voice, Gain: l.Gain}
		return l.Voice, l.Gain, false
	}

	if _, ok := defaultCallerVoices[caller]; ok {
		voice, gain := DefaultVoiceForCaller(caller, defaultVoice)
		p.claims[key] = claim{Voice: voice, Gain: gain}
		return voice, gain, true
	}

	lockedVoices := make(map[string]bool, len(p.locks))
	for _, l := range p.locks {
		lockedVoices[l.Voice] = true
	}
	claimedVoices := make(map[string]bool, len(p.claims))
	for _, c := range p.claims {
		claimedVoices[c.Voice] = true
	}

	available := filterVoices(EnglishVoices, lockedVoices, claimedVoices)
	if len(available) == 0 {
		available = filterVoices(EnglishVoices, lockedVoices, nil)
	}
	if len(available) == 0 {
		// Every voice is locked; fall back to the caller's requested voice.
		p.claims[key] = claim{Voice: defaultVoice, Gain: 1.0}
		return defaultVoice, 1.0, true
	}

	sort.SliceStable(available, func(i, j int) bool {
		return p.weights[available[i]] < p.weights[available[j]]
	})

	voice := available[p.nextIdx%len(available)]
	p.nextIdx++
	p.claims[key] = claim{Voice: voice, Gain: 1.0}
	return voice, 1.0, true
}

func filterVoices(all []string, excludeA, excludeB map[string]bool) []string {
	out := make([]string, 0, len(all))
	for _, v := range all {
		if excludeA[v] || excludeB[v] {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Lock pins a caller to a specific voice and gain, persisting the change.
func (p *VoicePool) Lock(caller, voice string, gain float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locks[caller] = voiceLock{Voice: voice, Gain: gain}
	return p.saveConfigLocked()
}

// Unlock removes a caller's lock, returning false if none existed.
func (p *VoicePool) Unlock(caller string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.locks[caller]; !ok {
		return false, nil
	}
	delete(p.locks, caller)
	return true, p.saveConfigLocked()
}

// ListLocks returns a snapshot of the current caller locks.
func (p *VoicePool) ListLocks() map[string]voiceLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]voiceLock, len(p.locks))
	for k, v := range p.locks {
		out[k] = v
	}
	return out
}

// SetWeight sets a voice's round-robin selection weight.
func (p *VoicePool) SetWeight(voice string, weight int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weights[voice] = weight
	return p.saveConfigLocked()
}

// ClearWeight removes a voice's weight override.
func (p *VoicePool) ClearWeight(voice string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.weights[voice]; !ok {
		return false, nil
	}
	delete(p.weights, voice)
	return true, p.saveConfigLocked()
}

// ListWeights returns a snapshot of the current voice weights.
func (p *VoicePool) ListWeights() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.weights))
	for k, v := range p.weights {
		out[k] = v
	}
	return out
}

// ReleaseVoice removes every claim using voice, returning the released
// "caller:session" keys.
func (p *VoicePool) ReleaseVoice(voice string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var released []string
	for key, c := range p.claims {
		if c.Voice == voice {
			delete(p.claims, key)
			released = append(released, key.caller+":"+key.session)
		}
	}
	return released
}

// VoicePoolStatus is the response shape for the "voice_pool_status"
// command.
type VoicePoolStatus struct {
	Locks   map[string]voiceLock `json:"locks"`
	Claims  map[string]claim     `json:"claims"`
	Weights map[string]int       `json:"weights"`
}

// Status snapshots locks, active claims, and weights for introspection.
func (p *VoicePool) Status() VoicePoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	locks := make(map[string]voiceLock, len(p.locks))
	for k, v := range p.locks {
		locks[k] = v
	}
	claims := make(map[string]claim, len(p.claims))
	for k, c := range p.claims {
		claims[k.caller+":"+k.session] = c
	}
	weights := make(map[string]int, len(p.weights))
	for k, v := range p.weights {
		weights[k] = v
	}
	return VoicePoolStatus{Locks: locks, Claims: claims, Weights: weights}
}
