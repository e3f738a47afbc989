package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/arloliu/go-gsioc/internal/task"
	"github.com/arloliu/go-gsioc/logger"
)

// DefaultUptimeInterval is the period of the uptime counter.
const DefaultUptimeInterval = time.Second

// Variable is the JSON body of the variable endpoints.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Server exposes a Store over HTTP:
//
//	GET /vars         every variable (MemoryStore only)
//	GET /vars/{name}  one variable
//	PUT /vars/{name}  set a variable; body {"value": "..."}
//
// The uptime variable is read-only and counts the seconds the server runs.
type Server struct {
	store    Store
	router   *mux.Router
	srv      *http.Server
	ln       net.Listener
	tasks    *task.Manager
	uptime   time.Duration
	readOnly map[string]bool
	logger   logger.Logger
}

// ServerOption is a functional option for configuring a Server.
type ServerOption interface {
	apply(*Server) error
}

type serverOptFunc func(*Server) error

func (f serverOptFunc) apply(s *Server) error { return f(s) }

// WithUptimeInterval sets the period of the uptime counter.
func WithUptimeInterval(d time.Duration) ServerOption {
	return serverOptFunc(func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("controlplane: uptime interval %v must be positive", d)
		}
		s.uptime = d

		return nil
	})
}

// WithServerLogger sets the logger.
func WithServerLogger(l logger.Logger) ServerOption {
	return serverOptFunc(func(s *Server) error {
		if l == nil {
			return errors.New("controlplane: logger must not be nil")
		}
		s.logger = l

		return nil
	})
}

// NewServer creates a Server over store.
func NewServer(store Store, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, errors.New("controlplane: server needs a store")
	}

	s := &Server{
		store:    store,
		uptime:   DefaultUptimeInterval,
		readOnly: map[string]bool{KeyUptime: true},
		logger:   logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(s); err != nil {
			return nil, err
		}
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/vars", s.listVars).Methods(http.MethodGet)
	s.router.HandleFunc("/vars/{name}", s.getVar).Methods(http.MethodGet)
	s.router.HandleFunc("/vars/{name}", s.setVar).Methods(http.MethodPut)

	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves until Stop. It also starts the uptime
// counter.
func (s *Server) Start(ctx context.Context, addr string) error {
	if s.tasks != nil {
		return errors.New("controlplane: server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}

	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.tasks = task.NewManager(ctx, s.logger)

	if err := s.tasks.Start("controlplane-http", s.serve); err != nil {
		_ = ln.Close()
		return err
	}
	if err := s.tasks.StartInterval("controlplane-uptime", s.tick, s.uptime, false); err != nil {
		_ = s.srv.Close()
		return err
	}

	s.logger.Info("controlplane: server listening", "addr", ln.Addr().String())

	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Stop shuts the server down and waits for its tasks.
func (s *Server) Stop(ctx context.Context) error {
	if s.tasks == nil {
		return nil
	}

	err := s.srv.Shutdown(ctx)
	s.tasks.Stop()
	s.tasks.Wait()
	s.tasks = nil

	return err
}

func (s *Server) serve(context.Context) bool {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("controlplane: serve", "error", err)
	}

	return false
}

func (s *Server) tick(ctx context.Context) bool {
	n, err := readFlag(ctx, s.store, KeyUptime)
	if err != nil {
		s.logger.Warn("controlplane: read uptime", "error", err)
		n = 0
	}

	if err := s.store.Set(ctx, KeyUptime, strconv.Itoa(n+1)); err != nil && ctx.Err() == nil {
		s.logger.Warn("controlplane: write uptime", "error", err)
	}

	return true
}

func (s *Server) listVars(w http.ResponseWriter, _ *http.Request) {
	mem, ok := s.store.(*MemoryStore)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("listing needs a memory store"))
		return
	}

	writeJSON(w, http.StatusOK, mem.Snapshot())
}

func (s *Server) getVar(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	v, err := s.store.Get(r.Context(), name)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, Variable{Name: name, Value: v})
	}
}

func (s *Server) setVar(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if s.readOnly[name] {
		writeError(w, http.StatusForbidden, ErrReadOnly)
		return
	}

	var body Variable
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.Set(r.Context(), name, body.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Debug("controlplane: variable set", "name", name, "value", body.Value)
	writeJSON(w, http.StatusOK, Variable{Name: name, Value: body.Value})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}
