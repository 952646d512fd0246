// Package server exposes the ingestion API over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/tripflow/internal/broadcast"
	"github.com/raphaelgruber/tripflow/internal/ingest"
	"github.com/raphaelgruber/tripflow/internal/ledger"
	"github.com/raphaelgruber/tripflow/internal/metrics"
	"github.com/raphaelgruber/tripflow/internal/models"
)

// maxUploadBytes bounds multipart CSV uploads (1 GiB).
const maxUploadBytes = 1 << 30

// wsWriteTimeout bounds a single snapshot write to a WebSocket client.
const wsWriteTimeout = 10 * time.Second

// Server handles the HTTP surface. All persistent state lives in the ledger;
// the server itself is stateless and safe to restart.
type Server struct {
	ledger      *ledger.Ledger
	broadcaster *broadcast.Broadcaster
	orch        *ingest.Orchestrator
	collector   *metrics.Collector
	sourceRoot  string
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// New creates a server. sourceRoot is the directory local source refs
// resolve against; uploads are spooled beneath it.
func New(l *ledger.Ledger, b *broadcast.Broadcaster, orch *ingest.Orchestrator, collector *metrics.Collector, sourceRoot string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:      l,
		broadcaster: b,
		orch:        orch,
		collector:   collector,
		sourceRoot:  sourceRoot,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the routed HTTP handler with logging middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /status/{job_id}", s.handleStatus)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /ws/{job_id}", s.handleWatch)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return LoggingMiddleware(s.logger, s.collector)(mux)
}

// ingestRequest is the JSON body of POST /ingest.
type ingestRequest struct {
	JobID     string `json:"job_id,omitempty"`
	SourceRef string `json:"source_ref"`
}

// handleIngest accepts either a JSON body naming a source_ref or a multipart
// upload carrying the CSV itself. Either way the job runs asynchronously and
// the queued record is returned immediately.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		ref, jobID, err := s.spoolUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.SourceRef = ref
		req.JobID = jobID
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if req.SourceRef == "" {
		writeError(w, http.StatusBadRequest, "source_ref is required")
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	// The job outlives this request; detach it from the request context.
	job, err := s.orch.Submit(withoutCancel(r), req.JobID, req.SourceRef)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, fmt.Sprintf("job %s already exists", req.JobID))
			return
		}
		s.logger.Error("job submission failed", "job_id", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "job submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// spoolUpload writes the uploaded CSV beneath the source root and returns
// the source ref that resolves to it.
func (s *Server) spoolUpload(r *http.Request) (ref, jobID string, err error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", "", fmt.Errorf("parse multipart form: %w", err)
	}
	jobID = r.FormValue("job_id")

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()

	spoolDir := filepath.Join(s.sourceRoot, "uploads")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create spool directory: %w", err)
	}

	name := uuid.NewString() + ".csv"
	dst, err := os.Create(filepath.Join(spoolDir, name))
	if err != nil {
		return "", "", fmt.Errorf("spool upload: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", "", fmt.Errorf("spool upload: %w", err)
	}

	s.logger.Info("upload spooled", "filename", header.Filename, "ref", "uploads/"+name)
	return "uploads/" + name, jobID, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := s.ledger.Read(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.logger.Error("status read failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ledger.List(r.Context())
	if err != nil {
		s.logger.Error("job list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "job list failed")
		return
	}
	if jobs == nil {
		jobs = []models.IngestionJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleWatch streams progress snapshots for one job over a WebSocket. For
// a job that already finished, the client receives the final snapshot and a
// normal close.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	job, err := s.ledger.Read(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.logger.Error("watch read failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "watch read failed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	// A restarted server has no broadcaster state for old jobs; the ledger
	// still knows the terminal truth.
	if job.Status.Terminal() {
		s.writeSnapshot(conn, job.Snapshot(0))
		s.closeNormal(conn)
		return
	}

	sub := s.broadcaster.Subscribe(jobID)
	defer sub.Cancel()

	// Detect client disconnects so abandoned watches release their
	// subscription promptly.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-sub.Snapshots():
			if !ok {
				s.closeNormal(conn)
				return
			}
			if !s.writeSnapshot(conn, snap) {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn, snap models.ProgressSnapshot) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(snap); err != nil {
		s.logger.Debug("websocket write failed", "job_id", snap.JobID, "error", err)
		return false
	}
	return true
}

func (s *Server) closeNormal(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotFound, "stats collection disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

// withoutCancel detaches the background job from the submitting request's
// lifetime while keeping its values for logging.
func withoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
