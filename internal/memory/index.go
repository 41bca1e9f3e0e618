package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Settings configures search scoring.
type Settings struct {
	VectorWeight float64 // default 0.7
	TextWeight   float64 // default 0.3
	MinScore     float64 // default 0.3
	MaxResults   int     // default 6
}

func (s Settings) withDefaults() Settings {
	if s.VectorWeight == 0 {
		s.VectorWeight = 0.7
	}
	if s.TextWeight == 0 {
		s.TextWeight = 0.3
	}
	if s.MinScore == 0 {
		s.MinScore = 0.3
	}
	if s.MaxResults == 0 {
		s.MaxResults = 6
	}
	return s
}

// Index is the in-process hybrid memory index: a sqlite chunk store kept
// current by sync/watch passes over Root, searched by a weighted
// vector+lexical score.
type Index struct {
	Root     string
	Store    *Store
	Embedder Embedder
	Settings Settings
	Log      *slog.Logger

	watcherOnce sync.Once
	debounce    sync.Map // path -> *time.Timer
	lastSync    time.Time
}

func New(root string, store *Store, embedder Embedder, settings Settings) *Index {
	if embedder == nil {
		embedder = FallbackEmbedder{}
	}
	logger := slog.Default()
	return &Index{Root: root, Store: store, Embedder: embedder, Settings: settings.withDefaults(), Log: logger}
}

// syncThrottle is the minimum interval between unforced full syncs.
const syncThrottle = 5 * time.Second

// Sync walks Root for **/*.md and **/*.jsonl, re-chunking any file whose
// (mtime, size) differs from the indexed record. force bypasses the
// throttle window.
func (idx *Index) Sync(ctx context.Context, force bool) (int, error) {
	if !force && time.Since(idx.lastSync) < syncThrottle {
		return 0, nil
	}
	idx.lastSync = time.Now()

	reindexed := 0
	err := filepath.WalkDir(idx.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".md" && ext != ".jsonl" {
			return nil
		}
		changed, serr := idx.syncFile(ctx, path)
		if serr != nil {
			idx.logf("sync file failed", "path", path, "error", serr)
			return nil
		}
		if changed {
			reindexed++
		}
		return nil
	})
	return reindexed, err
}

func (idx *Index) syncFile(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, idx.Store.RemoveFile(ctx, path)
		}
		return false, err
	}

	mtime := info.ModTime().Unix()
	size := info.Size()

	rec, ok, err := idx.Store.FileRecord(ctx, path)
	if err != nil {
		return false, err
	}
	if ok && rec.Mtime == mtime && rec.Size == size {
		return false, nil
	}

	chunks, err := idx.chunkFile(path, mtime, size)
	if err != nil {
		return false, err
	}
	for i := range chunks {
		chunks[i].Embedding = idx.Embedder.Embed(chunks[i].Content)
	}
	if err := idx.Store.ReplaceFile(ctx, path, chunks); err != nil {
		return false, err
	}
	return true, nil
}

func (idx *Index) chunkFile(path string, mtime, size int64) ([]Chunk, error) {
	if filepath.Ext(path) == ".jsonl" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sessionKey := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return ChunkSessionTranscript(path, f, mtime, size, sessionKey)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ChunkMarkdown(path, string(data), mtime, size), nil
}

// Result is one ranked search hit.
type Result struct {
	Chunk    Chunk
	Score    float64
	Citation string
}

// Search embeds query, scores every indexed chunk by weighted
// vector+lexical similarity, and returns the top MaxResults above
// MinScore.
func (idx *Index) Search(ctx context.Context, query string) ([]Result, error) {
	chunks, err := idx.Store.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	queryVec := idx.Embedder.Embed(query)
	terms := queryTerms(query)

	var results []Result
	for _, c := range chunks {
		vScore := cosineSimilarity(queryVec, c.Embedding)
		tScore := lexicalScore(terms, c.Content)
		score := vScore*idx.Settings.VectorWeight + tScore*idx.Settings.TextWeight
		if score < idx.Settings.MinScore {
			continue
		}
		rel, err := filepath.Rel(idx.Root, c.Path)
		if err != nil {
			rel = c.Path
		}
		results = append(results, Result{
			Chunk:    c,
			Score:    score,
			Citation: Citation(rel, c.StartLine, c.EndLine),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > idx.Settings.MaxResults {
		results = results[:idx.Settings.MaxResults]
	}
	return results, nil
}

// Watch starts an fsnotify watcher on Root, debouncing per-path change
// events by 500ms before re-indexing just that file. It blocks until ctx
// is cancelled.
func (idx *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := filepath.WalkDir(idx.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		return err
	}

	const debounceWindow = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".md" && ext != ".jsonl" {
				continue
			}
			path := ev.Name
			if t, loaded := idx.debounce.Load(path); loaded {
				t.(*time.Timer).Stop()
			}
			timer := time.AfterFunc(debounceWindow, func() {
				if _, err := idx.syncFile(context.Background(), path); err != nil {
					idx.logf("watch reindex failed", "path", path, "error", err)
				}
			})
			idx.debounce.Store(path, timer)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			idx.logf("watcher error", "error", err)
		}
	}
}

func (idx *Index) logf(msg string, args ...any) {
	if idx.Log == nil {
		return
	}
	idx.Log.Warn(msg, args...)
}
