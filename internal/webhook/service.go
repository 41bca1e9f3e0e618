package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/protocol"
	"github.com/chozzz/agentfabric/internal/store"
)

// maxBodyBytes caps webhook request bodies at 1 MiB.
const maxBodyBytes = 1 << 20

const webhookTriggerEvent = "webhook.trigger"

// FireFunc runs a hook's task through the agent runtime and returns its
// result. Mirrors cron.FireFunc; supplied by whatever owns the runtime
// invocation.
type FireFunc func(ctx context.Context, hook *Hook, task, sessionKey, runID string) (Result, error)

// Service owns the hook table and the HTTP listener that accepts
// POST /hooks/:id fires.
type Service struct {
	store  *Store
	fire   FireFunc
	events bus.EventPublisher
	log    *slog.Logger

	host    string
	port    int
	limiter *rate.Limiter

	srv *http.Server
}

// Config configures the webhook listener.
type Config struct {
	Host string
	Port int
	// RatePerSecond bounds total inbound webhook fires per second across
	// all hooks; the listener is this platform's one network surface
	// reachable before auth.
	RatePerSecond float64
}

// NewService creates the webhook service. fire may be nil until the
// runtime invocation seam is wired; the listener still accepts and
// broadcasts webhook.trigger events in that case.
func NewService(store *Store, events bus.EventPublisher, fire FireFunc, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 18791
	}
	ratePerSec := cfg.RatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Service{
		store:   store,
		fire:    fire,
		events:  events,
		log:     log,
		host:    host,
		port:    port,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)*2),
	}
}

// Start binds the HTTP listener and serves until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/", s.handleHook)
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleHook accepts POST /hooks/<id>: 200 {"ok":true} on accepted fire,
// 401 bad/missing auth, 404 unknown id or bad route, 413 body over 1 MiB.
func (s *Service) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/hooks/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	hook, ok := s.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if !s.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if !validBearer(r, hook.Token) {
		http.Error(w, `{"ok":false,"error":"`+protocol.CodeAuth+`"}`, http.StatusUnauthorized)
		return
	}

	limited := io.LimitReader(r.Body, maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, `{"ok":false,"error":"`+protocol.CodePayloadTooLarge+`"}`, http.StatusRequestEntityTooLarge)
		return
	}

	// Malformed body is treated as an empty object.
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		payload = map[string]interface{}{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"ok":true}`))

	go s.fireAsync(hook, payload)
}

func validBearer(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return strings.TrimPrefix(auth, prefix) == token
}

func (s *Service) fireAsync(hook *Hook, payload map[string]interface{}) {
	transform := lookupTransform(hook.Transform)
	task, err := transform(payload)
	if err != nil {
		s.log.Error("webhook: transform failed", "hook", hook.ID, "error", err)
		return
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	sessionKey := store.BuildWebhookSessionKey(hook.ID)

	if s.events != nil {
		s.events.Broadcast(bus.Event{
			Name: webhookTriggerEvent,
			Payload: TriggerPayload{
				HookID:     hook.ID,
				Task:       task,
				SessionKey: sessionKey,
				Notify:     hook.Notify,
				RunID:      runID,
			},
		})
	}

	if s.fire == nil {
		return
	}
	if _, err := s.fire(context.Background(), hook, task, sessionKey, runID); err != nil {
		s.log.Error("webhook: fire failed", "hook", hook.ID, "error", err)
	}
}

// HandleMethod dispatches one of the protocol.MethodWebhook* RPC methods
// against the hook table.
func (s *Service) HandleMethod(method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case protocol.MethodWebhookList:
		return s.store.List(), nil
	case protocol.MethodWebhookCreate:
		return s.handleCreate(params)
	case protocol.MethodWebhookDelete:
		id, _ := params["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("webhook.delete: id required")
		}
		return nil, s.store.Delete(id)
	default:
		return nil, fmt.Errorf("webhook: unknown method %q", method)
	}
}

func (s *Service) handleCreate(params map[string]interface{}) (Hook, error) {
	id, _ := params["id"].(string)
	token, _ := params["token"].(string)
	if id == "" || token == "" {
		return Hook{}, fmt.Errorf("webhook.create: id and token are required")
	}
	h := &Hook{
		ID:          id,
		Token:       token,
		Transform:   stringParam(params, "transform"),
		Description: stringParam(params, "description"),
	}
	if notify, ok := params["notify"].([]string); ok {
		h.Notify = notify
	} else if raw, ok := params["notify"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				h.Notify = append(h.Notify, s)
			}
		}
	}
	if err := s.store.Create(h); err != nil {
		return Hook{}, err
	}
	return h.Public(), nil
}

func stringParam(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
