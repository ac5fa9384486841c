package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cookiepool/pkg/config"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

// Server is the worker's HTTP surface. /scrape acknowledges immediately
// and runs the job in the background: the dispatcher treats even a read
// timeout on this call as delivered.
type Server struct {
	cfg        *config.Config
	engine     *Engine
	log        logger.Logger
	httpServer *http.Server
}

// NewServer wires the worker endpoints.
func NewServer(cfg *config.Config, engine *Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Server{cfg: cfg, engine: engine, log: log}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.WorkerListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/scrape", s.handleScrape)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.log.InfoWithFields("worker listening", map[string]interface{}{
		"addr": s.cfg.Server.WorkerListenAddr,
	})
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests. Background jobs keep running.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var job models.JobPayload
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if job.JobID == "" || job.PostURL == "" || job.CallbackURL == "" {
		writeError(w, http.StatusBadRequest, "job_id, post_url and callback_url are required")
		return
	}

	s.log.InfoWithFields("scrape job accepted", map[string]interface{}{
		"job_id":     job.JobID,
		"platform":   job.Platform,
		"retry_tier": job.RetryCount,
		"has_cursor": job.NextCursor != "",
	})

	// Detach from the request context: the job outlives this call and
	// reports through the callback URL.
	go s.engine.Run(context.Background(), &job)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"job_id": job.JobID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
