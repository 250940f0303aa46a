// Package web serves the pending-action preview pages and the small
// HTTP API around the confirmation gate.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/newsdesk/internal/buildinfo"
	"github.com/nugget/newsdesk/internal/confirm"
	"github.com/nugget/newsdesk/internal/connwatch"
	"github.com/nugget/newsdesk/internal/events"
)

// Gate is the subset of the confirmation gate the web surface uses.
type Gate interface {
	PendingReader
	List() ([]confirm.Listed, error)
	Approve(ctx context.Context, conversationID, actor string) confirm.Outcome
	Deny(ctx context.Context, conversationID, actor string) confirm.Outcome
	PreviewURL(conversationID string) string
}

// HealthReporter reports dependency health for /healthz.
// *connwatch.Manager satisfies it.
type HealthReporter interface {
	Status() []connwatch.Status
	Healthy() bool
}

// Config holds the dependencies for the web server.
type Config struct {
	Gate    Gate
	Bus     *events.Bus
	Health  HealthReporter
	Metrics http.Handler
	Logger  *slog.Logger

	// AllowAnyOrigin disables the same-origin check on the event
	// stream websocket.
	AllowAnyOrigin bool
}

// WebServer renders previews and exposes the approval API.
type WebServer struct {
	gate      Gate
	renderer  *Renderer
	bus       *events.Bus
	health    HealthReporter
	metrics   http.Handler
	logger    *slog.Logger
	templates map[string]*template.Template
	upgrader  websocket.Upgrader
}

// NewWebServer creates a web server. Templates are parsed immediately;
// a syntax error panics.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebServer{
		gate:      cfg.Gate,
		renderer:  NewRenderer(cfg.Gate),
		bus:       cfg.Bus,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		logger:    logger,
		templates: loadTemplates(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Renderer returns the preview renderer.
func (s *WebServer) Renderer() *Renderer {
	return s.renderer
}

// Router returns the HTTP handler with every route mounted.
func (s *WebServer) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleStatus)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Get("/preview/pending", s.handlePendingPage)
	r.Get("/preview/pending/{conversationID}", s.handlePreview)
	r.Get("/preview/pending/{conversationID}/qr.png", s.handleQR)

	r.Get("/api/pending", s.handleListPending)
	r.Get("/api/pending/{conversationID}", s.handlePreviewJSON)
	r.Post("/api/actions/{conversationID}/approve", s.handleResolve(true))
	r.Post("/api/actions/{conversationID}/deny", s.handleResolve(false))
	r.Get("/api/events", s.handleEvents)

	return r
}

func (s *WebServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "online",
		"service": "newsdesk",
		"build":   buildinfo.Info(),
		"uptime":  buildinfo.Uptime().Round(time.Second).String(),
	})
}

// handleHealth answers 503 while a critical dependency is down.
func (s *WebServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": s.health.Status(),
	})
}

// previewPage is the template context for preview.html.
type previewPage struct {
	Document
	Message   string
	NoContent string
	QRPath    string
}

func (s *WebServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	doc, err := s.renderer.Render(id)
	if err != nil {
		s.logger.Error("preview render failed", "conversation_id", id, "error", err)
		http.Error(w, "preview unavailable", http.StatusInternalServerError)
		return
	}

	s.render(w, "preview.html", http.StatusOK, previewPage{
		Document:  doc,
		Message:   EmptyMessage,
		NoContent: NoContentMessage,
		QRPath:    "/preview/pending/" + url.PathEscape(id) + "/qr.png",
	})
}

func (s *WebServer) handlePreviewJSON(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	doc, err := s.renderer.Render(id)
	if err != nil {
		s.logger.Error("preview render failed", "conversation_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "state_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *WebServer) handleQR(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	png, err := qrcode.Encode(s.gate.PreviewURL(id), qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "conversation_id", id, "error", err)
		http.Error(w, "qr unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// pendingItem is one row on the pending list page.
type pendingItem struct {
	confirm.Listed
	Link string
}

func (s *WebServer) handlePendingPage(w http.ResponseWriter, _ *http.Request) {
	listed, err := s.gate.List()
	if err != nil {
		s.logger.Error("list pending failed", "error", err)
		http.Error(w, "state unavailable", http.StatusInternalServerError)
		return
	}
	items := make([]pendingItem, len(listed))
	for i, l := range listed {
		items[i] = pendingItem{Listed: l, Link: "/preview/pending/" + url.PathEscape(l.ConversationID)}
	}
	s.render(w, "pending.html", http.StatusOK, map[string]any{"Items": items})
}

func (s *WebServer) handleListPending(w http.ResponseWriter, _ *http.Request) {
	listed, err := s.gate.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "state_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": listed, "count": len(listed)})
}

type resolveRequest struct {
	Actor string `json:"actor"`
}

func (s *WebServer) handleResolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationParam(w, r)
		if !ok {
			return
		}
		var req resolveRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		req.Actor = strings.TrimSpace(req.Actor)
		if req.Actor == "" {
			respondError(w, http.StatusBadRequest, "missing_actor", "actor is required")
			return
		}

		var out confirm.Outcome
		if approve {
			out = s.gate.Approve(r.Context(), id, req.Actor)
		} else {
			out = s.gate.Deny(r.Context(), id, req.Actor)
		}

		status := http.StatusOK
		if out.Kind.Stale() {
			status = http.StatusConflict
		}
		respondJSON(w, status, out)
	}
}

// handleEvents streams bus events to a websocket client until either
// side goes away.
func (s *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event bus not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the client closing the socket.
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// conversationParam extracts the conversation id path parameter.
// Conversation ids may arrive percent-encoded.
func conversationParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "conversationID")
	id, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing or malformed conversation id")
		return "", false
	}
	return id, true
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
	dec := json.NewDecoder(r.Body)
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
