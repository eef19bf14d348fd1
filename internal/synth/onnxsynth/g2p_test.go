package onnxsynth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLexiconLookupPrefersDictionaryEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.txt")
	if err := os.WriteFile(path, []byte("hello h @ l oU\nworld w 3r l d\n"), 0o644); err != nil {
		t.Fatalf("write lexicon: %v", err)
	}

	lex, err := NewLexicon(path)
	if err != nil {
		t.Fatalf("NewLexicon: %v", err)
	}

	got, err := lex.ToPhonemes(context.Background(), "Hello, world!", "en")
	if err != nil {
		t.Fatalf("ToPhonemes: %v", err)
	}
	want := "h @ l oU sp w 3r l d"
	if got != want {
		t.Fatalf("ToPhonemes() = %q, want %q", got, want)
	}
}

func TestLexiconFallsBackToSpellout(t *testing.T) {
	lex, err := NewLexicon("")
	if err != nil {
		t.Fatalf("NewLexicon: %v", err)
	}

	got, err := lex.ToPhonemes(context.Background(), "xyz", "en")
	if err != nil {
		t.Fatalf("ToPhonemes: %v", err)
	}
	if got != "x y z" {
		t.Fatalf("ToPhonemes() = %q, want %q", got, "x y z")
	}
}

func TestToPhonemesRejectsEmptyText(t *testing.T) {
	lex, _ := NewLexicon("")
	if _, err := lex.ToPhonemes(context.Background(), "   ", "en"); err == nil {
		t.Fatal("expected an error for empty text")
	}
}

func TestToPhonemesRespectsCancelledContext(t *testing.T) {
	lex, _ := NewLexicon("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lex.ToPhonemes(ctx, "hello", "en"); err == nil {
		t.Fatal("expected a cancellation error")
	}
}

func TestPhonemeVocabEncodeMapsUnknownTokensToZero(t *testing.T) {
	v := defaultPhonemeVocab()
	ids := v.encode("h @ zzz l")
	if len(ids) != 4 {
		t.Fatalf("len(ids) = %d, want 4", len(ids))
	}
	if ids[2] != 0 {
		t.Fatalf("unknown token id = %d, want 0", ids[2])
	}
}

func TestLoadPhonemeVocabFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.txt")
	content := strings.Join([]string{"_", "sp", "h", "@"}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write vocab: %v", err)
	}

	v, err := loadPhonemeVocab(path)
	if err != nil {
		t.Fatalf("loadPhonemeVocab: %v", err)
	}
	if v.ids["@"] != 3 {
		t.Fatalf("id for '@' = %d, want 3", v.ids["@"])
	}
}
