package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cookiepool/internal/pool"
	"cookiepool/internal/registry"
	"cookiepool/pkg/config"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

// Server is the pool service's HTTP surface.
type Server struct {
	cfg        *config.Config
	pool       *pool.Manager
	dispatcher *Dispatcher
	log        logger.Logger
	httpServer *http.Server
}

// NewServer wires the dispatcher endpoints.
func NewServer(cfg *config.Config, poolMgr *pool.Manager, d *Dispatcher, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Server{cfg: cfg, pool: poolMgr, dispatcher: d, log: log}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger-job", s.handleTriggerJob)
	mux.HandleFunc("/release-cookie", s.handleReleaseCookie)
	mux.HandleFunc("/update-cookies", s.handleUpdateCookies)
	mux.HandleFunc("/cookie-info", s.handleCookieInfo)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.log.InfoWithFields("dispatcher listening", map[string]interface{}{
		"addr": s.cfg.Server.ListenAddr,
	})
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleTriggerJob accepts a scrape job and queues it. The 202 response
// acknowledges receipt only; results arrive at the job's callback URL.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req models.TriggerJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.JobID == "" || req.PostURL == "" || req.CallbackURL == "" {
		writeError(w, http.StatusBadRequest, "job_id, post_url and callback_url are required")
		return
	}

	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.dispatcher.Enqueue(platform, &req); err != nil {
		if errors.Is(err, ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "queue is full, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.InfoWithFields("job accepted", map[string]interface{}{
		"job_id":      req.JobID,
		"platform":    string(platform),
		"retry_count": req.RetryCount,
		"has_cursor":  req.NextCursor != "",
	})

	writeJSON(w, http.StatusAccepted, models.TriggerJobResponse{
		TaskID:             newTaskID(),
		JobID:              req.JobID,
		Platform:           string(platform),
		RetryCount:         req.RetryCount,
		ResumingFromCursor: req.NextCursor,
	})
}

// handleReleaseCookie returns a session to the pool. Omitted
// cookie_success defaults to true.
func (s *Server) handleReleaseCookie(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req models.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CookieID <= 0 {
		writeError(w, http.StatusBadRequest, "a positive cookie_id is required")
		return
	}

	success := true
	if req.CookieSuccess != nil {
		success = *req.CookieSuccess
	}

	if err := s.pool.Release(r.Context(), req.CookieID, success, req.FailureReason); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown cookie_id")
			return
		}
		s.log.WithError(err).Error("release failed")
		writeError(w, http.StatusInternalServerError, "release failed")
		return
	}

	s.log.InfoWithFields("session released", map[string]interface{}{
		"cookie_id": req.CookieID,
		"success":   success,
		"reason":    req.FailureReason,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleUpdateCookies replaces a stored session blob.
func (s *Server) handleUpdateCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req models.UpdateCookiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || len(req.Cookies) == 0 {
		writeError(w, http.StatusBadRequest, "username and cookies are required")
		return
	}

	pairs := make(registry.Pairs, 0, len(req.Cookies))
	for _, c := range req.Cookies {
		pairs = append(pairs, registry.Pair{Name: c.Name, Value: c.Value})
	}

	if err := s.pool.UpdateSessionData(r.Context(), platform, req.Username, pairs); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown account")
			return
		}
		s.log.WithError(err).Error("cookie update failed")
		writeError(w, http.StatusInternalServerError, "cookie update failed")
		return
	}

	s.log.InfoWithFields("session data updated", map[string]interface{}{
		"platform": string(platform),
		"username": req.Username,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// cookieInfoResponse exposes a session's health without its credentials.
type cookieInfoResponse struct {
	ID                  int64      `json:"id"`
	Platform            string     `json:"platform"`
	Username            string     `json:"username"`
	Authenticated       bool       `json:"authenticated"`
	InUse               bool       `json:"in_use"`
	LastUsedAt          *time.Time `json:"last_used_at"`
	LastValidatedAt     *time.Time `json:"last_validated_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureReason       string     `json:"failure_reason,omitempty"`
}

func (s *Server) handleCookieInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id query parameter is required")
		return
	}

	sess, err := s.pool.Info(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown cookie_id")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, cookieInfoResponse{
		ID:                  sess.ID,
		Platform:            string(sess.Platform),
		Username:            sess.Username,
		Authenticated:       sess.Authenticated,
		InUse:               sess.InUse,
		LastUsedAt:          sess.LastUsedAt,
		LastValidatedAt:     sess.LastValidatedAt,
		ConsecutiveFailures: sess.ConsecutiveFailures,
		FailureReason:       sess.FailureReason,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func newTaskID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "task-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
