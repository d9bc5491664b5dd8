package daemon

import "testing"

func TestDetectWordBoundariesFallsBackToEqualDivision(t *testing.T) {
	audio := make([]int16, 2400) // 100ms @ 24kHz, no silence at all
	for i := range audio {
		audio[i] = 10000
	}
	segs := DetectWordBoundaries(audio, 24000, 4)
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4", len(segs))
	}
	if segs[0].Start != 0 || segs[len(segs)-1].End != len(audio) {
		t.Fatalf("segments don't cover full range: %+v", segs)
	}
}

func TestDetectWordBoundariesFindsSilenceGap(t *testing.T) {
	sampleRate := 24000
	loud := func(n int) []int16 {
		s := make([]int16, n)
		for i := range s {
			s[i] = 20000
		}
		return s
	}
	silence := make([]int16, sampleRate/20) // 50ms, above the 20ms minimum

	var audio []int16
	audio = append(audio, loud(sampleRate/10)...) // 100ms word
	audio = append(audio, silence...)
	audio = append(audio, loud(sampleRate/10)...) // 100ms word

	segs := DetectWordBoundaries(audio, sampleRate, 2)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].End != segs[1].Start {
		t.Fatalf("segments not contiguous: %+v", segs)
	}
	if segs[1].End != len(audio) {
		t.Fatalf("last segment doesn't reach end of audio")
	}
}

func TestDetectWordBoundariesSingleWord(t *testing.T) {
	audio := make([]int16, 100)
	segs := DetectWordBoundaries(audio, 24000, 1)
	if len(segs) != 1 || segs[0].Start != 0 || segs[0].End != 100 {
		t.Fatalf("got %+v", segs)
	}
}

func TestAssembleWordAudioSingleWordPassthrough(t *testing.T) {
	w := []int16{1, 2, 3}
	out := AssembleWordAudio([][]int16{w}, 24000, 5, 30)
	if len(out) != 3 {
		t.Fatalf("got len %d, want 3", len(out))
	}
}

func TestAssembleWordAudioInsertsSilenceGap(t *testing.T) {
	sampleRate := 24000
	crossfadeMS := 5
	silenceGapMS := 30

	w1 := make([]int16, 1000)
	w2 := make([]int16, 1000)
	for i := range w1 {
		w1[i] = 5000
		w2[i] = 5000
	}

	out := AssembleWordAudio([][]int16{w1, w2}, sampleRate, crossfadeMS, silenceGapMS)
	wantLen := len(w1) + len(w2) + sampleRate*silenceGapMS/1000
	if len(out) != wantLen {
		t.Fatalf("got len %d, want %d", len(out), wantLen)
	}
}
