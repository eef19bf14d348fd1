package onnxsynth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/localvoice/synthd/internal/synth"
)

// phonemeVocab maps a vocoder's phoneme token strings to the integer ids
// its input tensor expects, loaded line-by-line from a vocabulary file the
// same way loadGigaAMVocab reads its CTC vocabulary: one token per line,
// id implied by line number.
type phonemeVocab struct {
	ids map[string]int64
}

func loadPhonemeVocab(path string) (phonemeVocab, error) {
	if path == "" {
		return defaultPhonemeVocab(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return phonemeVocab{}, err
	}
	defer f.Close()

	ids := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var n int64
	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		if tok == "" {
			continue
		}
		ids[tok] = n
		n++
	}
	if err := scanner.Err(); err != nil {
		return phonemeVocab{}, err
	}
	return phonemeVocab{ids: ids}, nil
}

// defaultPhonemeVocab is a minimal built-in ARPAbet-like table sufficient
// for Warmup's throwaway inference call when no lexicon file is
// configured; real deployments always pass ModelConfig.LexiconPath.
func defaultPhonemeVocab() phonemeVocab {
	symbols := strings.Fields("_ sp h @ l oU e i o u a t d s z n m k g p b f v")
	ids := make(map[string]int64, len(symbols))
	for i, sym := range symbols {
		ids[sym] = int64(i)
	}
	return phonemeVocab{ids: ids}
}

// encode converts a whitespace-separated phoneme string into the id
// sequence the model expects, mapping unknown tokens to index 0 (the
// silence/pad symbol) rather than failing the whole utterance on one
// out-of-vocabulary phoneme.
func (v phonemeVocab) encode(phonemes string) []int64 {
	fields := strings.Fields(phonemes)
	out := make([]int64, len(fields))
	for i, tok := range fields {
		if id, ok := v.ids[tok]; ok {
			out[i] = id
		}
	}
	return out
}

// Lexicon is a file-backed synth.G2P implementation: a pronunciation
// dictionary mapping lowercased words to phoneme strings, with a
// letter-by-letter spellout fallback for words it does not recognize.
// Grounded on loadGigaAMVocab's scanner-over-whitespace-fields shape.
type Lexicon struct {
	mu      sync.RWMutex
	entries map[string]string
}

var _ synth.G2P = (*Lexicon)(nil)

// NewLexicon loads a pronunciation dictionary where each line is
// "word phoneme1 phoneme2 ...". A missing path yields an empty lexicon
// that falls back to spellout for every word.
func NewLexicon(path string) (*Lexicon, error) {
	l := &Lexicon{entries: make(map[string]string)}
	if path == "" {
		return l, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		l.entries[strings.ToLower(fields[0])] = strings.Join(fields[1:], " ")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// ToPhonemes looks up each whitespace-separated word in the lexicon,
// falling back to a letter spellout for words it does not recognize.
// lang is currently unused: the lexicon is single-language per instance.
func (l *Lexicon) ToPhonemes(ctx context.Context, text string, lang string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return "", fmt.Errorf("onnxsynth: empty text")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	parts := make([]string, 0, len(words))
	for _, w := range words {
		key := strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
		if pron, ok := l.entries[key]; ok {
			parts = append(parts, pron)
			continue
		}
		parts = append(parts, spellOut(key))
	}
	return strings.Join(parts, " sp "), nil
}

// spellOut emits one phoneme token per letter for an out-of-vocabulary
// word, good enough to keep synthesis moving rather than failing the
// segment outright.
func spellOut(word string) string {
	letters := make([]string, 0, len(word))
	for _, r := range word {
		letters = append(letters, string(r))
	}
	return strings.Join(letters, " ")
}
