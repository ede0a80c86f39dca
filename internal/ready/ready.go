// Package ready implements the container-ready lifecycle signal: a
// local health endpoint plus a one-shot notification POSTed to a peer
// listener when the process comes up inside a container.
package ready

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Notification is the container-ready announcement body.
type Notification struct {
	URL       string `json:"url"`
	Version   string `json:"version"`
	Transport string `json:"transport,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Notify POSTs a one-shot container-ready alert. Failures are logged,
// not returned: readiness signaling is best-effort.
func Notify(ctx context.Context, notifyURL string, n Notification, logger *slog.Logger) {
	if notifyURL == "" {
		return
	}
	if n.Timestamp == "" {
		n.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(n)
	if err != nil {
		logger.Warn("container-ready notification not serializable", "error", err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, notifyURL+"/container-ready", bytes.NewReader(body))
	if err != nil {
		logger.Warn("container-ready notification failed", "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("container-ready notification failed", "url", notifyURL, "error", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn("container-ready notification rejected", "url", notifyURL, "status", resp.StatusCode)
		return
	}
	logger.Info("container-ready notification sent", "url", notifyURL)
}

// Server is the local health listener.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	boundAddr  string
}

// NewServer builds the health listener on the given bind address.
func NewServer(bindAddr string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /container-ready", func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, "invalid notification body", http.StatusBadRequest)
			return
		}
		logger.Info("peer container ready", "url", n.URL, "version", n.Version, "transport", n.Transport)
		w.WriteHeader(http.StatusNoContent)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              bindAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "ready"),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.boundAddr = ln.Addr().String()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err.Error())
		}
	}()
	s.logger.Info("health server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.httpServer.Addr
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
