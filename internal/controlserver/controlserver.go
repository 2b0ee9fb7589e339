// Package controlserver implements the local Unix-socket control server of
// spec §4.8: health/version/device introspection and a trigger-sync endpoint.
// Grounded on the teacher's pkg/api/server.go handler-registration style,
// re-targeted from gRPC+TCP onto a plain net/http.ServeMux over a Unix
// listener, including LISTEN_FDS inherited-socket detection.
package controlserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cuemby/warren-agent/internal/cachedfile"
	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/metrics"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/cuemby/warren-agent/internal/sysinfo"
	"github.com/cuemby/warren-agent/internal/syncer"
	"github.com/rs/zerolog"
)

// Version and Commit are stamped at build time via -ldflags, mirroring the
// teacher's version reporting.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Config wires a Server's dependencies.
type Config struct {
	SocketPath string
	Device     *cachedfile.Actor[model.Device]
	Syncer     *syncer.Syncer
	Logger     zerolog.Logger
}

// Server is the local control server.
type Server struct {
	cfg      Config
	listener net.Listener
	http     *http.Server

	lastActivityUnix atomic.Int64
}

// New constructs a Server bound to cfg.SocketPath (or an inherited listener,
// if one was passed down by an init system). The server does not start
// accepting connections until Serve is called.
func New(cfg Config) (*Server, error) {
	s := &Server{cfg: cfg}

	inherited, err := sysinfo.InheritedListener()
	if err != nil {
		return nil, errs.NewFilesystemError(errs.CodeFilesystemIO, "inspect inherited listener", err, nil)
	}
	if inherited != nil {
		s.listener = inherited
	} else {
		l, err := bindUnixSocket(cfg.SocketPath)
		if err != nil {
			return nil, err
		}
		s.listener = l
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.wrap("health", s.handleHealth))
	mux.HandleFunc("/v1/version", s.wrap("version", s.handleVersion))
	mux.HandleFunc("/v1/device", s.wrap("device", s.handleDevice))
	mux.HandleFunc("/v1/device/sync", s.wrap("device_sync", s.handleSync))

	s.http = &http.Server{Handler: mux}
	s.touch()
	return s, nil
}

// bindUnixSocket unlinks any stale socket file at path (left behind by a
// previous process that did not shut down cleanly) before binding.
func bindUnixSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if rerr := os.Remove(path); rerr != nil {
			return nil, errs.NewFilesystemError(errs.CodeFilesystemIO, "remove stale socket", rerr, map[string]string{"path": path})
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.NewFilesystemError(errs.CodeFilesystemIO, "bind control socket", err, map[string]string{"path": path})
	}
	return l, nil
}

// Serve runs the HTTP server until ctx is done or an unrecoverable error
// occurs.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// LastActivityUnix returns the unix-second timestamp of the most recent
// request, for the idle-timeout watchdog (spec §4.9).
func (s *Server) LastActivityUnix() int64 {
	return s.lastActivityUnix.Load()
}

func (s *Server) touch() {
	s.lastActivityUnix.Store(time.Now().Unix())
}

func (s *Server) wrap(route string, h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.touch()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ControlServerRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Params  map[string]string `json:"params,omitempty"`
	Message string            `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if e, ok := err.(errs.Error); ok {
		writeJSON(w, e.HTTPStatus(), errorBody{Error: errorDetail{Code: e.Code(), Params: e.Params(), Message: e.Error()}})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "internal", Message: err.Error()}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version, "commit": Commit})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	device, err := s.cfg.Device.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type syncResponse struct {
	State  model.SyncState      `json:"state"`
	Result model.SyncResultCode `json:"result"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := s.cfg.Syncer.Sync(r.Context())

	result := out.Result
	if result == "" {
		result = model.SyncSuccess
	}
	if out.Err != nil && result == model.SyncSuccess {
		// An error without an explicit non-error result code is an internal
		// failure, not one of the translated sync outcomes (spec §5).
		writeError(w, out.Err)
		return
	}

	state, err := s.cfg.Syncer.GetState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{State: state, Result: result})
}
