package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomicHelpers(t *testing.T) {
	dir := t.TempDir()

	textPath := filepath.Join(dir, "nested", "paper.md")
	if err := WriteTextAtomic(textPath, "# Title\n"); err != nil {
		t.Fatalf("write text: %v", err)
	}
	b, err := os.ReadFile(textPath)
	if err != nil || string(b) != "# Title\n" {
		t.Fatalf("unexpected text content %q (%v)", b, err)
	}

	rows := []map[string]int{{"a": 1}, {"b": 2}}
	linesPath := filepath.Join(dir, "evidence.jsonl")
	if err := WriteJSONLinesAtomic(linesPath, rows); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}
	b, _ = os.ReadFile(linesPath)
	if got := strings.Count(string(b), "\n"); got != 2 {
		t.Fatalf("expected 2 lines, got %d", got)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
