package util

import (
	"strings"
	"testing"
)

func TestChunkText(t *testing.T) {
	text := "abcdefghijklmnopqrstuvwxyz"
	chunks := ChunkText(text, 10, 2)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}
	if chunks[0] != "abcdefghij" {
		t.Fatalf("unexpected first chunk: %s", chunks[0])
	}
}

func TestChunkTextKeepsWordsWhole(t *testing.T) {
	text := strings.Repeat("evidence synthesis ", 40)
	chunks := ChunkText(text, 50, 10)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		for _, w := range strings.Fields(c) {
			if w != "evidence" && w != "synthesis" {
				t.Fatalf("chunk split a word: %q in %q", w, c)
			}
		}
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if got := ChunkText("   ", 100, 10); len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}
