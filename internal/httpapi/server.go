package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/caricature"
	"github.com/davidwalker2235/fulgencio-project/internal/config"
	"github.com/davidwalker2235/fulgencio-project/internal/observability"
	"github.com/davidwalker2235/fulgencio-project/internal/policy"
	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
	"github.com/davidwalker2235/fulgencio-project/internal/relay"
	"github.com/davidwalker2235/fulgencio-project/internal/session"
)

const msgNotConfigured = "Azure OpenAI no está configurado. Verifica las variables de entorno."

const (
	browserIdleTimeout = 120 * time.Second
	browserPingPeriod  = 30 * time.Second
)

// SessionRunner relays one accepted browser socket.
type SessionRunner interface {
	Serve(ctx context.Context, browser *relay.Peer, sess *session.Context) error
}

type CaricatureGenerator interface {
	Generate(ctx context.Context, orderNumber, photoBase64 string) (caricature.Result, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, messages []protocol.TranscriptMessage) (string, int, error)
}

// UserPatcher persists summaries under a user record.
type UserPatcher interface {
	PatchUser(ctx context.Context, id string, fields map[string]any) error
}

// Deps are the collaborators behind the HTTP surface. Nil optional
// collaborators make their endpoints report 503.
type Deps struct {
	Relay       SessionRunner
	Registry    *session.Registry
	Caricatures CaricatureGenerator
	Summarizer  Summarizer
	Users       UserPatcher
	StoreMode   string
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		now:     time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin. Allow them.
				return true
			}
			if s.originAllowed(origin) {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

// originAllowed applies the configured CORS policy: any origin, an exact
// match in the list, or a match of the origin regex.
func (s *Server) originAllowed(origin string) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	for _, o := range s.cfg.CORSOrigins {
		if strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return s.cfg.CORSOriginRegexp != nil && s.cfg.CORSOriginRegexp.MatchString(origin)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return s.originAllowed(origin)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)
	r.Post("/photo/generate-caricature", s.handleGenerateCaricature)
	r.Post("/transcriptions/summarize", s.handleSummarize)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"message":         "GPT Realtime Voice API está funcionando",
		"model":           s.cfg.ModelName,
		"configured":      s.upstreamConfigured(),
		"agent_type":      s.cfg.AgentType,
		"store_mode":      s.deps.StoreMode,
		"active_sessions": s.deps.Registry.Count(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"endpoint_configured": s.cfg.AzureEndpoint != "",
		"api_key_configured":  s.cfg.AzureAPIKey != "",
		"agent_type":          s.cfg.AgentType,
		"store_mode":          s.deps.StoreMode,
		"active_sessions":     s.deps.Registry.Count(),
	})
}

func (s *Server) upstreamConfigured() bool {
	if s.deps.Relay == nil {
		return false
	}
	if s.cfg.AgentType == config.AgentExternal {
		return s.cfg.AgentWSURL != ""
	}
	return s.cfg.RealtimeConfigured()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(4 << 20)
	peer := relay.NewPeer(conn)
	defer peer.Close()

	if !s.upstreamConfigured() {
		_ = peer.WriteJSON(protocol.NewRelayError(msgNotConfigured))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(browserIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(browserIdleTimeout))
	})
	go keepAlive(ctx, peer, browserPingPeriod)

	sess := session.NewContext()
	log := s.logger.With(zap.String("session_id", sess.ID))
	unregister := s.deps.Registry.Register(sess.ID, session.Handle{
		Send:   peer.WriteJSON,
		Cancel: cancel,
	})
	s.metrics.SessionOpened()
	defer func() {
		unregister()
		sess.Reset()
		s.metrics.SessionClosed()
		log.Info("browser session closed")
	}()
	log.Info("browser session opened", zap.String("remote", r.RemoteAddr))

	if st := s.deps.Registry.Status(); st.Present {
		_ = peer.WriteJSON(protocol.NewStatusUpdate(st.Value))
	}

	if err := s.deps.Relay.Serve(ctx, peer, sess); err != nil {
		log.Warn("relay ended with error", zap.Error(err))
	}
}

// keepAlive pings the browser until ctx ends or a ping fails. Pongs extend
// the read deadline, so a half-open socket times out.
func keepAlive(ctx context.Context, peer *relay.Peer, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := peer.Ping(); err != nil {
				return
			}
		}
	}
}

type caricatureRequest struct {
	OrderNumber string `json:"orderNumber"`
	PhotoBase64 string `json:"photoBase64"`
}

type caricatureStoreFailure struct {
	caricature.Result
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleGenerateCaricature(w http.ResponseWriter, r *http.Request) {
	if s.deps.Caricatures == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "caricature generation is not configured")
		return
	}
	var req caricatureRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "orderNumber and photoBase64 are required")
		return
	}

	res, err := s.deps.Caricatures.Generate(r.Context(), req.OrderNumber, req.PhotoBase64)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, caricature.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, caricature.ErrStore):
		respondJSON(w, http.StatusInternalServerError, caricatureStoreFailure{
			Result: res,
			Error:  err.Error(),
			Code:   "store_failed",
		})
	default:
		respondError(w, http.StatusInternalServerError, "generation_failed", err.Error())
	}
}

type summarizeRequest struct {
	Messages    []protocol.TranscriptMessage `json:"messages"`
	OrderNumber string                       `json:"orderNumber,omitempty"`
}

type summarizeResponse struct {
	Summary          string `json:"summary"`
	UserMessageCount int    `json:"userMessageCount"`
	Stored           *bool  `json:"stored,omitempty"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Summarizer == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "summarization is not configured")
		return
	}
	req, err := decodeSummarizeRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	summary, count, err := s.deps.Summarizer.Summarize(r.Context(), req.Messages)
	if err != nil {
		s.metrics.SummaryRequest("error")
		s.logger.Warn("summarize failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "summary_failed", err.Error())
		return
	}
	s.metrics.SummaryRequest("ok")

	out := summarizeResponse{Summary: summary, UserMessageCount: count}
	if orderNumber := strings.TrimSpace(req.OrderNumber); orderNumber != "" && summary != "" && s.deps.Users != nil {
		stored := s.storeSummary(r.Context(), orderNumber, summary, count)
		out.Stored = &stored
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) storeSummary(ctx context.Context, orderNumber, summary string, count int) bool {
	now := s.now().UTC()
	key := fmt.Sprintf("transcriptions/%d", now.UnixMilli())
	err := s.deps.Users.PatchUser(ctx, orderNumber, map[string]any{
		key: map[string]any{
			"summary":          summary,
			"userMessageCount": count,
			"createdAt":        now.Format(time.RFC3339),
		},
	})
	if err != nil {
		s.logger.Warn("storing summary failed",
			zap.String("order_ref", policy.MaskIdentifier(orderNumber)),
			zap.Error(err),
		)
		return false
	}
	return true
}

// decodeSummarizeRequest accepts either {"messages": [...]} or a bare array.
func decodeSummarizeRequest(r *http.Request) (summarizeRequest, error) {
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		return summarizeRequest{}, fmt.Errorf("invalid body: %w", err)
	}
	var req summarizeRequest
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &req.Messages); err != nil {
			return summarizeRequest{}, fmt.Errorf("invalid messages: %w", err)
		}
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return summarizeRequest{}, fmt.Errorf("invalid body: %w", err)
	}
	return req, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 20<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
