package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ===== infra helpers =====

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

func newAuthMiddleware(tokens []string) MiddlewareFunc {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) != 0 {
				token := r.Header.Get("Authorization")
				token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
				if token == "" {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				if _, ok := tokenSet[token]; !ok {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggerMiddleware(logger zerolog.Logger) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("request")
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(logger zerolog.Logger) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error().Any("panic", err).Str("path", r.URL.Path).Msg("handler panicked")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type readinessSnapshot struct {
	ReadyAt       time.Time
	UpstreamCount int
}

// ===== gateway =====

const sessionHeader = "mcp-session-id"

// Gateway terminates inbound MCP client connections and mediates them
// against the upstream registry.
type Gateway struct {
	cfg        *Config
	baseURL    *url.URL
	registry   *UpstreamRegistry
	sessions   *SessionManager
	dispatcher *Dispatcher
	readyState atomic.Pointer[readinessSnapshot]
	logger     zerolog.Logger
}

func newGateway(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Gateway, error) {
	baseURL, err := url.Parse(cfg.Gateway.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}

	registry, err := newUpstreamRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		cfg:        cfg,
		baseURL:    baseURL,
		registry:   registry,
		sessions:   newSessionManager(ctx, cfg.Gateway.idleTimeout(), cfg.Gateway.MaxSessions, logger),
		dispatcher: newDispatcher(registry, cfg.Gateway.requestTimeout(), logger),
		logger:     logger.With().Str("component", "gateway").Logger(),
	}, nil
}

func (g *Gateway) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/mcp/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		doc := buildManifestDocument(g.cfg, g.baseURL, r, g.registry)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})

	mcpPath := path.Join(g.baseURL.Path, "mcp")
	if !strings.HasPrefix(mcpPath, "/") {
		mcpPath = "/" + mcpPath
	}
	mux.HandleFunc(mcpPath, g.handleMCP)

	mws := []MiddlewareFunc{recoverMiddleware(g.logger)}
	if envEnabled("K_PROXY_LOG_REQUESTS") {
		mws = append(mws, loggerMiddleware(g.logger))
	}
	if len(g.cfg.Gateway.AuthTokens) > 0 {
		mws = append(mws, newAuthMiddleware(g.cfg.Gateway.AuthTokens))
	}
	return chainMiddleware(mux, mws...)
}

func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set(sessionHeader, uuid.NewString())
		w.WriteHeader(http.StatusOK)
		return

	case http.MethodGet:
		sess, err := g.sessionFor(r, true)
		if err != nil {
			http.Error(w, "Too Many Sessions", http.StatusServiceUnavailable)
			return
		}
		publicEndpoint := g.baseURL.ResolveReference(&url.URL{Path: path.Join(g.baseURL.Path, "mcp")})
		messageEndpoint := fmt.Sprintf("%s?sessionId=%s", publicEndpoint.String(), sess.ID())
		w.Header().Set(sessionHeader, sess.ID())
		g.logger.Info().Str("session", sess.ID()).Msg("event stream opened")
		g.handleSSE(w, r, messageEndpoint)
		return

	case http.MethodPost:
		g.handleRPC(w, r)
		return

	case http.MethodDelete:
		id := clientSessionID(r)
		if id == "" || !g.sessions.close(id) {
			http.Error(w, "Unknown Session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return

	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, POST, DELETE, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return

	default:
		w.Header().Set("Allow", "GET, HEAD, POST, DELETE, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
}

func clientSessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(sessionHeader)); id != "" {
		return id
	}
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return r.URL.Query().Get("session_id")
}

// sessionFor resolves the caller's session, optionally opening a fresh one
// when no id was presented.
func (g *Gateway) sessionFor(r *http.Request, openIfMissing bool) (*Session, error) {
	if id := clientSessionID(r); id != "" {
		if sess := g.sessions.get(id); sess != nil {
			return sess, nil
		}
		if !openIfMissing {
			return nil, errSessionClosed
		}
	}
	if !openIfMissing {
		return nil, errSessionClosed
	}
	return g.sessions.open()
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	writeJSON := func(resp jsonrpcResponse) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}

	// batches are declined per entry
	if body[0] == '[' {
		var batch []jsonrpcRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		out := make([]jsonrpcResponse, 0, len(batch))
		for _, req := range batch {
			out = append(out, rpcError(req.ID, codeMethodNotFound, "Batch requests not supported"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
		return
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// Malformed outside a handshake is rejected per-message; the
		// session, if any, stays as it was.
		writeJSON(rpcError(nil, codeParseError, "invalid JSON: "+err.Error()))
		return
	}

	if handleNotification(w, &req) {
		return
	}

	switch req.Method {
	case "initialize":
		sess, err := g.sessionFor(r, true)
		if err != nil {
			writeJSON(errorResponse(req.ID, err))
			return
		}
		params, err := negotiate(sess, req.Params)
		if err != nil {
			// handshake failures are fatal to the session
			g.sessions.close(sess.ID())
			g.logger.Warn().Str("session", sess.ID()).Err(err).Msg("handshake rejected")
			writeJSON(errorResponse(req.ID, err))
			return
		}
		g.waitForReadiness(w, 2*time.Second)
		w.Header().Set(sessionHeader, sess.ID())
		g.logger.Info().
			Str("session", sess.ID()).
			Str("client", params.ClientInfo.Name).
			Str("protocol", params.ProtocolVersion).
			Msg("session negotiated")
		writeJSON(rpcOK(req.ID, buildInitializeResult(g.cfg, g.registry, params.ProtocolVersion)))
		return

	case "ping":
		writeJSON(rpcOK(req.ID, map[string]any{}))
		return
	}

	sess, err := g.sessionFor(r, false)
	if err != nil {
		writeJSON(rpcError(req.ID, codeInvalidRequest, "unknown or missing session"))
		return
	}
	if sess.State() == stateConnecting {
		writeJSON(rpcError(req.ID, codeInvalidRequest, "session not negotiated"))
		return
	}
	if !sess.activate() {
		writeJSON(rpcError(req.ID, codeSessionClosed, errSessionClosed.Error()))
		return
	}

	resp := g.dispatcher.dispatch(sess, &req, body)
	writeJSON(resp)
}

// waitForReadiness briefly delays handshake answers until the startup
// probes have classified every binding, so the advertised catalog is real.
func (g *Gateway) waitForReadiness(w http.ResponseWriter, patience time.Duration) {
	deadline := time.Now().Add(patience)
	waited := false
	for g.readyState.Load() == nil && time.Now().Before(deadline) {
		waited = true
		time.Sleep(50 * time.Millisecond)
	}
	if waited {
		w.Header().Set("X-Proxy-Waited-For-Init", "true")
	}
}

// ===== SSE =====

func (g *Gateway) emitReadinessEvent(w http.ResponseWriter, flusher http.Flusher) bool {
	snapshot := g.readyState.Load()
	if snapshot == nil {
		return false
	}
	payload := map[string]any{
		"state":         "ready",
		"readyAt":       snapshot.ReadyAt.Format(time.RFC3339Nano),
		"upstreamCount": snapshot.UpstreamCount,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error().Err(err).Msg("marshal readiness payload")
		return false
	}
	fmt.Fprintf(w, "event: ready\ndata: %s\n\n", data)
	flusher.Flush()
	return true
}

func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request, endpoint string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// initial tick to open intermediary buffers
	_, _ = io.WriteString(w, ":\n\n")
	flusher.Flush()

	if endpoint != "" {
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
		flusher.Flush()
	}

	readyAnnounced := g.emitReadinessEvent(w, flusher)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var (
		readyTicker *time.Ticker
		readyChan   <-chan time.Time
	)
	if !readyAnnounced {
		readyTicker = time.NewTicker(1 * time.Second)
		readyChan = readyTicker.C
		defer readyTicker.Stop()
	}

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
		case <-readyChan:
			if g.emitReadinessEvent(w, flusher) {
				readyAnnounced = true
				readyTicker.Stop()
				readyChan = nil
			}
		}
	}
}

// ===== startup & shutdown =====

// probeUpstreams classifies every binding once before the gateway reports
// ready. A binding with panicIfUnreachable set aborts startup when its
// probe fails; others are just marked unreachable and picked up by the
// health loop later.
func (g *Gateway) probeUpstreams(ctx context.Context) error {
	var eg errgroup.Group
	for _, up := range g.registry.all() {
		upCopy := up
		cfg := g.cfg.Upstreams[up.Name()]
		eg.Go(func() error {
			g.logger.Info().Str("upstream", upCopy.Name()).Msg("probing")
			if err := g.dispatcher.ping(ctx, upCopy); err != nil {
				upCopy.markUnreachable()
				if cfg != nil && cfg.Options.PanicIfUnreachable.OrElse(false) {
					return fmt.Errorf("upstream %q unreachable at startup: %w", upCopy.Name(), err)
				}
				return nil
			}
			upCopy.markHealthy()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	snapshot := &readinessSnapshot{
		ReadyAt:       time.Now().UTC(),
		UpstreamCount: len(g.registry.all()),
	}
	g.readyState.Store(snapshot)
	g.logger.Info().
		Int("upstreams", snapshot.UpstreamCount).
		Time("ready_at", snapshot.ReadyAt).
		Msg("all upstream probes finished")
	return nil
}

// run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (g *Gateway) run(ctx context.Context) error {
	if err := g.probeUpstreams(ctx); err != nil {
		return err
	}

	go g.dispatcher.healthLoop(ctx, g.cfg.Gateway.healthInterval())
	go g.sessions.run(g.cfg.Gateway.idleTimeout() / 2)

	httpServer := &http.Server{
		Addr:    g.cfg.Gateway.Addr,
		Handler: g.handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().Str("addr", g.cfg.Gateway.Addr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	g.logger.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Gateway.shutdownTimeout())
	defer cancel()

	g.sessions.closeAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
