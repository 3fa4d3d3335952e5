package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"
)

const (
	secretTokenHeader   = "X-Telegram-Bot-Api-Secret-Token"
	defaultRegisterWait = 10 * time.Second
	maxUpdateBytes      = 1 << 20
)

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	// Path is the route Telegram posts updates to.
	Path        string
	SecretToken string
	// RegisterWait bounds how long /set_webhook waits before answering 202.
	RegisterWait time.Duration
}

// Server exposes the coordinator over HTTP.
type Server struct {
	coord *Coordinator
	opts  ServerOptions
	now   func() time.Time
}

// NewServer creates the HTTP surface for coord.
func NewServer(coord *Coordinator, opts ServerOptions) *Server {
	if opts.Path == "" {
		opts.Path = "/webhook"
	}
	if opts.RegisterWait <= 0 {
		opts.RegisterWait = defaultRegisterWait
	}
	return &Server{coord: coord, opts: opts, now: time.Now}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Post(s.opts.Path, s.handleUpdate)
	r.Get("/set_webhook", s.handleSetWebhook)
	r.Get("/webhook_info", s.handleWebhookInfo)
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	status := s.coord.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "running",
		"bot":                 status.Bot,
		"mode":                "webhook",
		"timestamp":           s.now().UTC().Format(time.RFC3339),
		"client_started":      status.ClientStarted,
		"webhook_registered":  status.WebhookRegistered,
		"last_start_error":    status.LastStartError,
		"last_register_error": status.LastRegisterError,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.opts.SecretToken != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.SecretToken)) != 1 {
			log.Warn("Rejected webhook request with invalid secret token")
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"ok": false, "error": "forbidden"})
			return
		}
	}

	var update telebot.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		log.Errorf("Invalid webhook payload: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}

	if err := s.coord.SubmitEvent(r.Context(), update); err != nil {
		log.Warnf("Update %d not admitted: %v", update.ID, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RegisterWait)
	defer cancel()

	status, err := s.coord.RegisterWebhook(ctx, force)
	switch status {
	case StatusSuccess:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      status,
			"webhook_url": s.coord.MaskedWebhookURL(),
		})
	case StatusStarted, StatusRunning:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":      status,
			"webhook_url": s.coord.MaskedWebhookURL(),
		})
	default:
		var regErr *RegistrationError
		timeout := errors.As(err, &regErr) && regErr.Timeout()
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status":  StatusError,
			"error":   errString(err),
			"timeout": timeout,
		})
	}
}

func (s *Server) handleWebhookInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.coord.WebhookInfo(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":                   true,
			"url":                  info.URL,
			"pending_update_count": info.PendingUpdateCount,
			"last_error_message":   info.LastErrorMessage,
		})
	case errors.Is(err, ErrStarting):
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": "starting"})
	case errors.Is(err, ErrUpstreamTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]interface{}{"ok": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": err.Error()})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"status":     ww.Status(),
			"duration":   time.Since(started).String(),
		}).Debug("HTTP request")
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to encode response: %v", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
