package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ListenerConfig configures the broker's external WebSocket endpoint.
type ListenerConfig struct {
	Host           string
	Port           int
	Token          string
	AllowedOrigins []string
	RateLimitRPM   int
}

// Listener serves the broker's /ws upgrade and /health endpoints. It binds
// to loopback by default: callers wanting remote access are expected to
// front it with their own reverse proxy or tunnel.
type Listener struct {
	cfg      ListenerConfig
	broker   *Broker
	upgrader websocket.Upgrader
	limiter  *RateLimiter
	log      *slog.Logger

	httpServer *http.Server
}

// NewListener builds a Listener over broker. A zero Host defaults to
// 127.0.0.1; a zero Port defaults to 18780.
func NewListener(cfg ListenerConfig, broker *Broker, log *slog.Logger) *Listener {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 18780
	}
	if log == nil {
		log = slog.Default()
	}
	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 120
	}

	l := &Listener{
		cfg:     cfg,
		broker:  broker,
		limiter: NewRateLimiter(float64(rpm) / 60.0),
		log:     log,
	}
	l.upgrader = websocket.Upgrader{
		CheckOrigin: l.checkOrigin,
	}
	return l
}

// checkOrigin allows any request with no Origin header (non-browser
// clients, including every in-process service) and otherwise checks the
// Origin against the configured allowlist; an empty allowlist permits all
// origins, the permissive local-dev default.
func (l *Listener) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(l.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range l.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (l *Listener) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", l.handleHealth)
	mux.HandleFunc("/ws", l.handleWebSocket)
	return mux
}

func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (l *Listener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.cfg.Token != "" {
		token := bearerToken(r)
		if token != l.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	key := clientKey(r)
	if !l.limiter.Allow(key) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("gateway: websocket upgrade failed", "err", err, "remote", key)
		return
	}

	l.broker.Accept(NewWSConnection(conn))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (l *Listener) Start(ctx context.Context) error {
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	l.httpServer = &http.Server{
		Addr:    addr,
		Handler: l.mux(),
	}

	stop := make(chan struct{})
	go l.broker.RunKeepalive(stop)
	defer close(stop)

	errCh := make(chan error, 1)
	go func() {
		l.log.Info("gateway: listening", "addr", addr)
		if err := l.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
