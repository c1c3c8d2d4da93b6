// Package ipc exposes the running agent's actor handles to the local
// fleetctl CLI over a Unix domain socket HTTP API, grounded on doublezerod's
// ApiServer/WithSockFile pattern (client/doublezerod/internal/api and
// internal/runtime/run.go in the teacher repo).
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/teton-ai/fleet/internal/agent/commander"
	"github.com/teton-ai/fleet/internal/agent/downloader"
	"github.com/teton-ai/fleet/internal/agent/updater"
)

const DefaultSockFile = "/var/run/fleet-agent/fleet-agent.sock"

// Server is the Local IPC surface: UpdatePackages, UpgradePackages,
// UpdaterStatus, ExposePort, DownloadFileRateLimited, StartOTA. Each handler
// is thin glue onto the corresponding actor's public contract.
type Server struct {
	*http.Server
	sockFile string
}

type Option func(*Server)

func WithSockFile(path string) Option {
	return func(s *Server) { s.sockFile = path }
}

func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}

// New wires the Local IPC mux against the agent's running actors.
func New(log *slog.Logger, u *updater.Updater, dl *downloader.Downloader, cmd *commander.Commander, opts ...Option) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /update-packages", func(w http.ResponseWriter, r *http.Request) {
		if err := u.CheckForUpdates(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /upgrade-packages", func(w http.ResponseWriter, r *http.Request) {
		if err := u.UpgradeDevice(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /updater-status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, u.Report())
	})

	mux.HandleFunc("POST /expose-port", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Port uint16 `json:"port"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cmd.QueueCommand(0, commandOpenTunnel(req.Port), false)
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	})

	mux.HandleFunc("POST /download", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token  string  `json:"token"`
			Remote string  `json:"remote"`
			Local  string  `json:"local"`
			Rate   float64 `json:"rate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		status, err := dl.Download(r.Context(), req.Token, req.Remote, req.Local, req.Rate)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("POST /start-ota", func(w http.ResponseWriter, r *http.Request) {
		cmd.QueueCommand(0, commandStartOTA(), false)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})

	s := &Server{Server: &http.Server{Handler: mux}, sockFile: DefaultSockFile}
	for _, o := range opts {
		o(s)
	}
	s.Handler = mux
	return s
}

// ListenAndServeUnix binds the configured socket path and serves until the
// server's base context is cancelled, removing the stale socket file first.
func (s *Server) ListenAndServeUnix(log *slog.Logger) error {
	if err := os.MkdirAll(dirOf(s.sockFile), 0o755); err != nil {
		return fmt.Errorf("ipc: mkdir: %w", err)
	}
	_ = os.Remove(s.sockFile)

	lis, err := net.Listen("unix", s.sockFile)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	defer os.Remove(s.sockFile)

	if err := os.Chmod(s.sockFile, 0o660); err != nil {
		log.Warn("failed to set socket permissions", "error", err)
	}

	if s.BaseContext != nil {
		ctx := s.BaseContext(lis)
		go func() {
			<-ctx.Done()
			_ = s.Close()
		}()
	}

	log.Info("local ipc listening", "sock_file", s.sockFile)
	if err := s.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ipc: serve: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
