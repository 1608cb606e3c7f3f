// Package server exposes the signaling websocket and the HTTP API around the
// relay: who is online, the call archive, and file-upload detection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/veridial/veridial/internal/detect"
	"github.com/veridial/veridial/internal/presence"
	"github.com/veridial/veridial/internal/relay"
	"github.com/veridial/veridial/internal/storage"
)

var log = logging.Logger("server")

// maxUploadBytes bounds POST /api/detect/upload bodies.
const maxUploadBytes = 16 << 20

type Server struct {
	addr    string
	hub     *relay.Hub
	reg     *presence.Registry
	archive *storage.Archive
	cls     detect.Classifier

	// bcrypt hash of the admin password; nil disables /api/stats.
	adminHash []byte

	srv *http.Server
}

// New assembles the HTTP server. archive may be nil (no persistence); cls may
// be nil (upload detection disabled).
func New(addr string, hub *relay.Hub, reg *presence.Registry, archive *storage.Archive, cls detect.Classifier, adminPassword string) (*Server, error) {
	s := &Server{
		addr:    addr,
		hub:     hub,
		reg:     reg,
		archive: archive,
		cls:     cls,
	}

	if adminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		s.adminHash = hash
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/online", s.handleOnline)
	mux.HandleFunc("/api/calls", s.handleCalls)
	mux.HandleFunc("/api/calls/", s.handleCallDetail)
	mux.HandleFunc("/api/detect/upload", s.handleUpload)
	mux.HandleFunc("/api/stats", s.handleStats)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start runs the listener. Blocks until the server stops.
func (s *Server) Start() error {
	log.Infof("SERVER: listening on %s", s.addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleOnline lists identities currently registered on the relay.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	type row struct {
		Identity string    `json:"identity"`
		Since    time.Time `json:"since"`
	}
	ids := s.reg.ListOnline()
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		since, _ := s.reg.OnlineSince(id)
		rows = append(rows, row{Identity: id, Since: since})
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleCalls lists archived calls, newest first. ?limit= caps the result.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &limit); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	calls, err := s.archive.ListCalls(limit)
	if err != nil {
		log.Errorf("SERVER: list calls: %v", err)
		writeError(w, http.StatusInternalServerError, "archive read failed")
		return
	}
	if calls == nil {
		calls = []storage.CallRecord{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleCallDetail serves /api/calls/{id} and /api/calls/{id}/verdicts.
func (s *Server) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	switch sub {
	case "":
		rec, err := s.archive.GetCall(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "verdicts":
		if _, err := s.archive.GetCall(id); err != nil {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		verdicts, err := s.archive.GetVerdicts(id)
		if err != nil {
			log.Errorf("SERVER: get verdicts %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "archive read failed")
			return
		}
		if verdicts == nil {
			verdicts = []detect.Verdict{}
		}
		writeJSON(w, http.StatusOK, verdicts)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleUpload classifies an uploaded audio file in one shot. Accepts either
// a multipart form with a "file" field or a raw body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cls == nil {
		writeError(w, http.StatusNotFound, "detection disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var data []byte
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "bad multipart body")
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read upload failed")
			return
		}
	} else {
		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
	}

	v, err := detect.ScanBytes(r.Context(), s.cls, data)
	if errors.Is(err, detect.ErrClassifierUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "classifier unavailable")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleStats serves archive counters behind basic auth.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	out := struct {
		Online int           `json:"online"`
		Stats  storage.Stats `json:"archive"`
	}{Online: len(s.reg.ListOnline())}

	if s.archive != nil {
		st, err := s.archive.GetStats()
		if err != nil {
			log.Errorf("SERVER: stats: %v", err)
			writeError(w, http.StatusInternalServerError, "archive read failed")
			return
		}
		out.Stats = st
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminHash == nil {
		writeError(w, http.StatusForbidden, "stats disabled")
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || bcrypt.CompareHashAndPassword(s.adminHash, []byte(pass)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="Veridial Stats"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}
