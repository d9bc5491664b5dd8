package daemon

// Segment parameters, mirroring config.py's derived constants for a 24kHz
// pipeline: 5ms analysis frames, 20ms minimum silence run, energy threshold
// relative to the loudest frame.
const (
	silenceThreshold    = 0.02
	frameDurationMS     = 5
	minSilenceDurationMS = 20
)

// WordSegment is a [start, end) sample range within a full-utterance
// synthesis, identifying one word's audio.
type WordSegment struct {
	Start int
	End   int
}

// DetectWordBoundaries locates nWords segments within audio (int16 PCM
// samples) using short-time energy analysis: frames quieter than
// silenceThreshold of the loudest frame are "silent", and sufficiently long
// silent runs become word boundaries at their midpoint. Falls back to
// equal-length division when not enough boundaries are found.
func DetectWordBoundaries(audio []int16, sampleRate, nWords int) []WordSegment {
	if nWords <= 0 {
		return nil
	}
	if nWords == 1 {
		return []WordSegment{{Start: 0, End: len(audio)}}
	}

	frameLen := sampleRate * frameDurationMS / 1000
	if frameLen <= 0 {
		frameLen = 1
	}
	nFrames := len(audio) / frameLen
	if nFrames == 0 {
		return equalDivision(len(audio), nWords)
	}

	energy := make([]float64, nFrames)
	peak := 0.0
	for f := 0; f < nFrames; f++ {
		var sum float64
		for i := 0; i < frameLen; i++ {
			s := float64(audio[f*frameLen+i])
			sum += s * s
		}
		e := sum / float64(frameLen)
		energy[f] = e
		if e > peak {
			peak = e
		}
	}
	if peak == 0 {
		peak = 1.0
	}

	minSilenceSamples := sampleRate * minSilenceDurationMS / 1000

	var boundaries []int
	inSilence := false
	silenceStart := 0
	for i := 0; i < nFrames; i++ {
		silent := energy[i] < peak*silenceThreshold
		if silent && !inSilence {
			silenceStart = i
			inSilence = true
		} else if !silent && inSilence {
			silenceLen := (i - silenceStart) * frameLen
			if silenceLen >= minSilenceSamples {
				mid := ((silenceStart + i) / 2) * frameLen
				boundaries = append(boundaries, mid)
			}
			inSilence = false
		}
	}

	if len(boundaries) < nWords-1 {
		return equalDivision(len(audio), nWords)
	}

	boundaries = boundaries[:nWords-1]
	segments := make([]WordSegment, 0, nWords)
	prev := 0
	for _, b := range boundaries {
		segments = append(segments, WordSegment{Start: prev, End: b})
		prev = b
	}
	segments = append(segments, WordSegment{Start: prev, End: len(audio)})
	return segments
}

func equalDivision(total, nWords int) []WordSegment {
	segLen := total / nWords
	segments := make([]WordSegment, nWords)
	for i := 0; i < nWords; i++ {
		segments[i] = WordSegment{Start: i * segLen, End: (i + 1) * segLen}
	}
	return segments
}

// AssembleWordAudio joins per-word int16 PCM segments with a short silence
// gap and a linear crossfade at each join to avoid audible clicks.
func AssembleWordAudio(words [][]int16, sampleRate, crossfadeMS, silenceGapMS int) []int16 {
	if len(words) == 1 {
		return words[0]
	}

	crossfadeSamples := sampleRate * crossfadeMS / 1000
	silenceSamples := sampleRate * silenceGapMS / 1000

	var out []int16
	for i, w := range words {
		samples := make([]int16, len(w))
		copy(samples, w)

		if len(samples) > crossfadeSamples {
			if i < len(words)-1 {
				applyFadeOut(samples[len(samples)-crossfadeSamples:])
			}
			if i > 0 {
				applyFadeIn(samples[:crossfadeSamples])
			}
		}

		out = append(out, samples...)
		if i < len(words)-1 {
			out = append(out, make([]int16, silenceSamples)...)
		}
	}
	return out
}

func applyFadeOut(samples []int16) {
	n := len(samples)
	for i, s := range samples {
		ramp := 1 - float64(i)/float64(n)
		samples[i] = int16(float64(s) * ramp)
	}
}

func applyFadeIn(samples []int16) {
	n := len(samples)
	for i, s := range samples {
		ramp := float64(i) / float64(n)
		samples[i] = int16(float64(s) * ramp)
	}
}
