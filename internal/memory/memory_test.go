package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIndex_SearchRanksMatchingParagraphFirst(t *testing.T) {
	dir := t.TempDir()
	lineA := "Paragraph about option A and its tradeoffs, covering cost and latency and operational risk."
	lineB := "Paragraph about option B and its tradeoffs, covering throughput and durability instead."
	var paraA, paraB []string
	for i := 0; i < 25; i++ {
		paraA = append(paraA, lineA)
		paraB = append(paraB, lineB)
	}
	content := strings.Join(paraA, "\n") + "\n" + strings.Join(paraB, "\n")
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write notes.md: %v", err)
	}

	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	idx := New(dir, store, FallbackEmbedder{}, Settings{})
	if _, err := idx.Sync(context.Background(), true); err != nil {
		t.Fatalf("sync: %v", err)
	}

	results, err := idx.Search(context.Background(), "option A")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	top := results[0]
	if !strings.Contains(top.Chunk.Content, "option A") {
		t.Fatalf("expected top result to mention option A, got %q", top.Chunk.Content)
	}
	if top.Score < 0.3 {
		t.Fatalf("expected top score >= 0.3, got %f", top.Score)
	}
	if !strings.HasPrefix(top.Citation, "notes.md#L") {
		t.Fatalf("expected citation to reference notes.md, got %q", top.Citation)
	}
}

// A second sync with no filesystem changes must reindex zero files.
func TestIndex_SyncThrottleNoChanges(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	idx := New(dir, store, FallbackEmbedder{}, Settings{})
	n1, err := idx.Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if n1 != 1 {
		t.Fatalf("expected 1 file reindexed, got %d", n1)
	}

	n2, err := idx.Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected 0 files reindexed on unchanged content, got %d", n2)
	}
}

func TestFallbackEmbedder_Deterministic(t *testing.T) {
	e := FallbackEmbedder{}
	a := e.Embed("the quick brown fox")
	b := e.Embed("the quick brown fox")
	if len(a) != fallbackDimension || len(b) != fallbackDimension {
		t.Fatalf("expected %d-dim vectors", fallbackDimension)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at index %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestChunkSessionTranscript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess.jsonl")
	lines := []string{
		`{"header":"session-1"}`,
		`{"role":"user","content":"hi"}`,
		`{"role":"assistant","content":"hello"}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	chunks, err := ChunkSessionTranscript(path, f, 0, 0, "sess")
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (header skipped), got %d", len(chunks))
	}
	if chunks[0].Content != "[user] hi" {
		t.Fatalf("unexpected first chunk content: %q", chunks[0].Content)
	}
}
