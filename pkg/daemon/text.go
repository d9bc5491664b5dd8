package daemon

import "regexp"

// clauseBoundary matches a natural pause point: sentence punctuation,
// commas, semicolons, colons, and dashes, followed by whitespace.
var clauseBoundary = regexp.MustCompile(`[.!?,;:—-]\s+`)

// SplitClauses splits text at natural pause points so the renderer can
// begin synthesizing and playing the first clause before the rest of the
// utterance has been synthesized.
func SplitClauses(text string) []string {
	loc := clauseBoundary.FindAllStringIndex(text, -1)
	if len(loc) == 0 {
		t := trimSpace(text)
		if t == "" {
			return nil
		}
		return []string{t}
	}

	var out []string
	start := 0
	for _, m := range loc {
		piece := text[start:m[1]]
		if t := trimSpace(piece); t != "" {
			out = append(out, t)
		}
		start = m[1]
	}
	if rest := trimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && isSpace(s[i]) {
		i++
	}
	for j > i && isSpace(s[j-1]) {
		j--
	}
	return s[i:j]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
