// Package memory implements the hybrid memory index: markdown and
// session-transcript chunking, vector+lexical search, and a debounced
// filesystem watcher that keeps the index current.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Chunk is one indexed unit of text. Its ID is path:startLine so
// re-chunking the same file at the same boundaries is stable across syncs.
type Chunk struct {
	ID         string
	Path       string
	Content    string
	StartLine  int
	EndLine    int
	Embedding  []float32
	Mtime      int64
	Size       int64
	SessionKey string
	Label      string
	Role       string
}

func chunkID(path string, startLine int) string {
	return fmt.Sprintf("%s:%d", path, startLine)
}

const (
	defaultChunkSize    = 400 // tokens
	defaultChunkOverlap = 80  // tokens
	tokenCharRatio      = 4
)

// ChunkMarkdown fills chunks line-by-line until each reaches chunkSize x 4
// chars, carrying chunkOverlap x 4 chars of the previous chunk's tail
// forward for contextual continuity.
func ChunkMarkdown(path, content string, mtime, size int64) []Chunk {
	maxChars := defaultChunkSize * tokenCharRatio
	overlapChars := defaultChunkOverlap * tokenCharRatio

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	var buf strings.Builder
	startLine := 0
	seed := ""

	flush := func(endLine int) {
		text := buf.String()
		if text == "" || text == seed {
			return
		}
		chunks = append(chunks, Chunk{
			ID:        chunkID(path, startLine),
			Path:      path,
			Content:   text,
			StartLine: startLine,
			EndLine:   endLine,
			Mtime:     mtime,
			Size:      size,
		})
		if len(text) > overlapChars {
			seed = text[len(text)-overlapChars:]
		} else {
			seed = text
		}
		startLine = endLine
		buf.Reset()
		buf.WriteString(seed)
	}

	for i, line := range lines {
		if buf.Len() == 0 {
			startLine = i
			seed = ""
		}
		if buf.Len() > 0 && buf.String() != seed {
			buf.WriteString("\n")
		}
		buf.WriteString(line)
		if buf.Len() >= maxChars {
			flush(i)
		}
	}
	if buf.Len() > 0 && buf.String() != seed {
		flush(len(lines) - 1)
	}
	return chunks
}

// sessionTranscriptLine is the shape of a JSONL transcript line after the
// session header.
type sessionTranscriptLine struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Label   string `json:"label"`
}

// ChunkSessionTranscript treats the first JSONL line as a session header and
// emits one chunk per subsequent line, content prefixed with "[<role>] ".
func ChunkSessionTranscript(path string, f *os.File, mtime, size int64, sessionKey string) ([]Chunk, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var chunks []Chunk
	lineNo := 0
	for scanner.Scan() {
		text := scanner.Text()
		if lineNo == 0 {
			lineNo++
			continue // session header
		}
		var rec sessionTranscriptLine
		if err := json.Unmarshal([]byte(text), &rec); err == nil && rec.Content != "" {
			content := fmt.Sprintf("[%s] %s", rec.Role, rec.Content)
			chunks = append(chunks, Chunk{
				ID:         chunkID(path, lineNo),
				Path:       path,
				Content:    content,
				StartLine:  lineNo,
				EndLine:    lineNo,
				Mtime:      mtime,
				Size:       size,
				SessionKey: sessionKey,
				Label:      rec.Label,
				Role:       rec.Role,
			})
		}
		lineNo++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// Citation renders a chunk's location as "<relPath>#L<start>" or
// "<relPath>#L<start>-L<end>".
func Citation(relPath string, startLine, endLine int) string {
	if startLine == endLine {
		return fmt.Sprintf("%s#L%d", relPath, startLine)
	}
	return fmt.Sprintf("%s#L%d-L%d", relPath, startLine, endLine)
}
