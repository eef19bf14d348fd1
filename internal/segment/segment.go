// Package segment implements the deterministic, pure text segmenter (C2):
// raw utterance text in, an ordered list of Segments under a length cap out.
// No component here touches I/O or concurrency — the same input always
// produces the same output, which is what makes the egress reordering
// window in the scheduler (C5) safe to reason about.
package segment

import (
	"strings"
	"unicode"

	"github.com/localvoice/synthd/internal/coretypes"
)

// Config controls the segmenter's length caps and primer detection.
type Config struct {
	MaxChars        int // soft cap; default 1800
	HardCeiling     int // absolute ceiling enforced at the Synthesizer interface; default 2000
	PrimerThreshold int // segment 0 at or under this char length is the primer; default 280
}

// DefaultConfig matches the documented calibration for the reference
// hardware class.
func DefaultConfig() Config {
	return Config{
		MaxChars:        1800,
		HardCeiling:     2000,
		PrimerThreshold: 280,
	}
}

// Segment splits text into an ordered list of Segments. Empty input yields
// an empty, non-nil-checked slice (len 0) — callers treat that as an
// immediately Completed utterance.
func Segment(text string, cfg Config) []coretypes.Segment {
	cap := cfg.MaxChars
	if cap <= 0 {
		cap = DefaultConfig().MaxChars
	}
	if cap > cfg.HardCeiling && cfg.HardCeiling > 0 {
		cap = cfg.HardCeiling
	}

	normalized := normalize(text)
	if normalized == "" {
		return nil
	}

	var texts []string
	for _, para := range splitParagraphs(normalized) {
		texts = append(texts, splitParagraphIntoUnits(para, cap)...)
	}

	texts = applyPrimer(texts, cfg.primerThresholdOrDefault())

	segments := make([]coretypes.Segment, 0, len(texts))
	for i, t := range texts {
		segments = append(segments, coretypes.Segment{
			ID:       uint32(i),
			Text:     t,
			CharLen:  len([]rune(t)),
			IsPrimer: i == 0 && len([]rune(t)) <= cfg.primerThresholdOrDefault(),
		})
	}
	return segments
}

func (c Config) primerThresholdOrDefault() int {
	if c.PrimerThreshold <= 0 {
		return DefaultConfig().PrimerThreshold
	}
	return c.PrimerThreshold
}

// normalize collapses line endings, strips control characters (other than
// newline and tab), and collapses runs of blank lines to a single blank
// line so paragraph detection is stable.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	stripped := b.String()

	lines := strings.Split(stripped, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			if blank {
				continue // collapse runs of blank lines
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.Trim(strings.Join(out, "\n"), "\n")
}

// splitParagraphs splits on blank lines.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var paras []string
	for _, p := range raw {
		p = strings.Trim(p, "\n")
		if p == "" {
			continue
		}
		paras = append(paras, p)
	}
	return paras
}

// splitParagraphIntoUnits returns one or more under-cap pieces of a single
// paragraph. A paragraph at or under cap is returned unsplit.
func splitParagraphIntoUnits(para string, cap int) []string {
	if len([]rune(para)) <= cap {
		return []string{para}
	}

	sentences := splitSentences(para)
	var units []string
	for _, s := range sentences {
		if len([]rune(s)) <= cap {
			units = append(units, s)
		} else {
			units = append(units, hardSlice(s, cap)...)
		}
	}
	return pack(units, cap)
}

var sentenceTerminators = map[rune]bool{'.': true, '!': true, '?': true}

// splitSentences splits on `.!?` followed by whitespace (or end of
// string), preserving the terminator with the preceding clause.
func splitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0

	i := 0
	for i < len(runes) {
		if sentenceTerminators[runes[i]] {
			// Absorb a run of terminators, e.g. "...", "?!".
			end := i + 1
			for end < len(runes) && sentenceTerminators[runes[end]] {
				end++
			}
			// Only a genuine sentence boundary if followed by whitespace
			// or end of input.
			if end == len(runes) || unicode.IsSpace(runes[end]) {
				sentences = append(sentences, strings.TrimSpace(string(runes[start:end])))
				// Skip the whitespace that separates sentences.
				for end < len(runes) && unicode.IsSpace(runes[end]) {
					end++
				}
				start = end
				i = end
				continue
			}
			i = end
			continue
		}
		i++
	}
	if start < len(runes) {
		rest := strings.TrimSpace(string(runes[start:]))
		if rest != "" {
			sentences = append(sentences, rest)
		}
	}
	if len(sentences) == 0 {
		return []string{text}
	}
	return sentences
}

// hardSlice cuts an over-cap unit with no usable boundary into cap-sized
// rune slices. The final slice may be shorter than cap.
func hardSlice(text string, cap int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += cap {
		end := i + cap
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// pack greedily merges adjacent units so no emitted segment exceeds cap and
// no segment is wastefully short when a merge still fits.
func pack(units []string, cap int) []string {
	if len(units) == 0 {
		return units
	}

	var packed []string
	current := units[0]
	for _, u := range units[1:] {
		combined := current + " " + u
		if len([]rune(combined)) <= cap {
			current = combined
		} else {
			packed = append(packed, current)
			current = u
		}
	}
	packed = append(packed, current)
	return packed
}

// applyPrimer ensures segment 0 satisfies the primer rule: either it is
// already at or under the primer threshold, or — for a long utterance — the
// first sentence is split out as a dedicated primer segment.
func applyPrimer(texts []string, primerThreshold int) []string {
	if len(texts) == 0 {
		return texts
	}
	first := texts[0]
	if len([]rune(first)) <= primerThreshold {
		return texts
	}

	sentences := splitSentences(first)
	if len(sentences) < 2 {
		return texts // nothing to split out, segment 0 stays over threshold
	}
	primer := sentences[0]
	if len([]rune(primer)) > primerThreshold {
		return texts
	}
	remainder := strings.TrimSpace(strings.Join(sentences[1:], " "))

	out := make([]string, 0, len(texts)+1)
	out = append(out, primer)
	if remainder != "" {
		out = append(out, remainder)
	}
	out = append(out, texts[1:]...)
	return out
}
