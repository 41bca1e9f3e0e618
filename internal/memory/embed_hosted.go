package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultEmbeddingAPIBase = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	hostedEmbedTimeout      = 30 * time.Second
)

// HostedEmbedder calls an OpenAI-compatible /embeddings endpoint. On any
// request or decode failure it falls back to the deterministic trigram
// embedder so indexing keeps making progress offline; both paths return
// L2-normalized vectors, so the scoring code never cares which produced one.
type HostedEmbedder struct {
	APIBase string
	APIKey  string
	Model   string

	client   *http.Client
	fallback FallbackEmbedder
	log      *slog.Logger
}

func NewHostedEmbedder(apiBase, apiKey, model string, log *slog.Logger) *HostedEmbedder {
	if apiBase == "" {
		apiBase = defaultEmbeddingAPIBase
	}
	if model == "" {
		model = defaultEmbeddingModel
	}
	if log == nil {
		log = slog.Default()
	}
	return &HostedEmbedder{
		APIBase: apiBase,
		APIKey:  apiKey,
		Model:   model,
		client:  &http.Client{Timeout: hostedEmbedTimeout},
		log:     log,
	}
}

// Dimension reports the fallback's width. Hosted vectors keep their native
// width; cosineSimilarity guards the mixed-width case by scoring it zero.
func (e *HostedEmbedder) Dimension() int { return e.fallback.Dimension() }

func (e *HostedEmbedder) Embed(text string) []float32 {
	vec, err := e.embedRemote(text)
	if err != nil {
		e.log.Warn("memory: hosted embedding failed, using fallback", "error", err)
		return e.fallback.Embed(text)
	}
	return l2Normalize(vec)
}

func (e *HostedEmbedder) embedRemote(text string) ([]float32, error) {
	reqBody, err := json.Marshal(map[string]any{
		"model": e.Model,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, e.APIBase+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings endpoint returned %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embeddings endpoint returned no vector")
	}
	return parsed.Data[0].Embedding, nil
}
