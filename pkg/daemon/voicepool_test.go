package daemon

import (
	"path/filepath"
	"testing"
)

func newTestVoicePool(t *testing.T) *VoicePool {
	t.Helper()
	return NewVoicePool(filepath.Join(t.TempDir(), "voices.json"))
}

func TestVoicePoolAssignsDistinctVoices(t *testing.T) {
	p := newTestVoicePool(t)

	v1, g1, isNew1 := p.GetVoice("alice", "s1", "af_heart")
	v2, _, isNew2 := p.GetVoice("bob", "s2", "af_heart")

	if !isNew1 || !isNew2 {
		t.Fatal("expected both claims to be new")
	}
	if v1 == v2 {
		t.Fatalf("expected distinct voices, got %q for both", v1)
	}
	if g1 != 1.0 {
		t.Fatalf("got gain %v, want 1.0", g1)
	}
}

func TestVoicePoolSameSessionReturnsSameClaim(t *testing.T) {
	p := newTestVoicePool(t)

	v1, _, isNew1 := p.GetVoice("alice", "s1", "af_heart")
	v2, _, isNew2 := p.GetVoice("alice", "s1", "af_heart")

	if v1 != v2 {
		t.Fatalf("expected same voice across repeat calls, got %q then %q", v1, v2)
	}
	if !isNew1 || isNew2 {
		t.Fatalf("expected new=true then new=false, got %v then %v", isNew1, isNew2)
	}
}

func TestVoicePoolLockOverridesAssignment(t *testing.T) {
	p := newTestVoicePool(t)

	if err := p.Lock("ops", "am_onyx", 1.5); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	voice, gain, isNew := p.GetVoice("ops", "s1", "af_heart")
	if voice != "am_onyx" || gain != 1.5 {
		t.Fatalf("got (%q, %v), want (am_onyx, 1.5)", voice, gain)
	}
	if isNew {
		t.Fatal("locked assignment should not be reported as a new claim")
	}
}

func TestVoicePoolUnlock(t *testing.T) {
	p := newTestVoicePool(t)
	p.Lock("ops", "am_onyx", 1.0)

	ok, err := p.Unlock("ops")
	if err != nil || !ok {
		t.Fatalf("Unlock: ok=%v err=%v", ok, err)
	}

	ok, err = p.Unlock("ops")
	if err != nil || ok {
		t.Fatalf("expected second unlock to report false, got ok=%v err=%v", ok, err)
	}
}

func TestVoicePoolReleaseVoice(t *testing.T) {
	p := newTestVoicePool(t)
	voice, _, _ := p.GetVoice("alice", "s1", "af_heart")

	released := p.ReleaseVoice(voice)
	if len(released) != 1 || released[0] != "alice:s1" {
		t.Fatalf("got %v, want [alice:s1]", released)
	}

	// Claim is gone, so a new claim should get attempted again.
	_, _, isNew := p.GetVoice("alice", "s1", "af_heart")
	if !isNew {
		t.Fatal("expected a fresh claim after release")
	}
}

func TestVoicePoolWeights(t *testing.T) {
	p := newTestVoicePool(t)
	if err := p.SetWeight("af_heart", 100); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	weights := p.ListWeights()
	if weights["af_heart"] != 100 {
		t.Fatalf("got %v, want af_heart=100", weights)
	}

	ok, err := p.ClearWeight("af_heart")
	if err != nil || !ok {
		t.Fatalf("ClearWeight: ok=%v err=%v", ok, err)
	}
	if _, ok := p.ListWeights()["af_heart"]; ok {
		t.Fatal("expected weight to be cleared")
	}
}

func TestVoicePoolPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voices.json")
	p1 := NewVoicePool(path)
	if err := p1.Lock("ops", "am_onyx", 1.5); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	p2 := NewVoicePool(path)
	locks := p2.ListLocks()
	l, ok := locks["ops"]
	if !ok || l.Voice != "am_onyx" || l.Gain != 1.5 {
		t.Fatalf("got %+v, want ops locked to am_onyx/1.5", locks)
	}
}
