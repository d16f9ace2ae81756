package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Clouded-Sabre/udp-file-transfer/lib"
	"github.com/gorilla/handlers"
)

// statusSource is what the status endpoint reports on.
type statusSource interface {
	Sessions() []lib.SessionStatus
	RecentReports() []lib.Report
}

type sessionView struct {
	ID            string    `json:"id"`
	Peer          string    `json:"peer"`
	Filename      string    `json:"filename"`
	TotalSize     uint64    `json:"totalSize"`
	ReceivedBytes uint64    `json:"receivedBytes"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"startedAt"`
}

type reportView struct {
	ID            string    `json:"id"`
	Peer          string    `json:"peer"`
	Filename      string    `json:"filename"`
	Path          string    `json:"path,omitempty"`
	TotalSize     uint64    `json:"totalSize"`
	ReceivedBytes uint64    `json:"receivedBytes"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	FinishedAt    time.Time `json:"finishedAt"`
}

func stateName(state int) string {
	switch state {
	case lib.StateAwaitingMetadata:
		return "awaiting_metadata"
	case lib.StateReceiving:
		return "receiving"
	case lib.StateComplete:
		return "complete"
	case lib.StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type statusServer struct {
	srv *http.Server
}

func newStatusServer(addr string, source statusSource) *statusServer {
	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(statusHandler(source))
	return &statusServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handlers.CustomLoggingHandler(io.Discard, handler, logStatusRequest),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// logStatusRequest sends access log lines through slog instead of the writer.
func logStatusRequest(_ io.Writer, params handlers.LogFormatterParams) {
	ip, _, err := net.SplitHostPort(params.Request.RemoteAddr)
	if err != nil {
		ip = params.Request.RemoteAddr
	}
	slog.Debug("status request", "client", ip, "method", params.Request.Method,
		"uri", params.URL.RequestURI(), "status", params.StatusCode, "size", params.Size)
}

func statusHandler(source statusSource) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := source.Sessions()
		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, sessionView{
				ID:            s.ID,
				Peer:          s.Peer,
				Filename:      s.Filename,
				TotalSize:     s.TotalSize,
				ReceivedBytes: s.ReceivedBytes,
				State:         stateName(s.State),
				StartedAt:     s.StartedAt,
			})
		}
		writeJSON(w, views)
	})
	mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
		reports := source.RecentReports()
		views := make([]reportView, 0, len(reports))
		for _, rep := range reports {
			view := reportView{
				ID:            rep.ID,
				Peer:          rep.Peer,
				Filename:      rep.Filename,
				Path:          rep.Path,
				TotalSize:     rep.TotalSize,
				ReceivedBytes: rep.ReceivedBytes,
				Status:        rep.Status.String(),
				DurationMs:    rep.Duration.Milliseconds(),
				FinishedAt:    rep.FinishedAt,
			}
			if rep.Err != nil {
				view.Error = rep.Err.Error()
			}
			views = append(views, view)
		}
		writeJSON(w, views)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("status response not written", "err", err)
	}
}

func (s *statusServer) run() {
	slog.Info("status endpoint listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("status endpoint stopped", "err", err)
	}
}

func (s *statusServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}
