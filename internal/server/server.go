// Package server runs the node's HTTP listener: the websocket peer
// endpoint, Prometheus metrics, a JSON view of the status tree and,
// optionally, pprof.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statusmon/internal/pathstore"
	rtsup "statusmon/internal/runtime/supervisor"
	"statusmon/internal/value"
	logx "statusmon/pkg/logx"
)

const DefaultAddr = "127.0.0.1:7070"

type Config struct {
	Addr          string
	WSPath        string
	MetricsPath   string
	StatusPath    string
	Pprof         bool
	PprofPrefix   string
	AllowInsecure bool
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
}

// Routes are the node-specific handlers. Nil entries are not mounted.
type Routes struct {
	WS     http.Handler
	Status func(path string) (value.Value, error)
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	rt  Routes

	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, rt Routes, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.WSPath = normalizePath(cfg.WSPath, "/ws")
	cfg.MetricsPath = normalizePath(cfg.MetricsPath, "/metrics")
	cfg.StatusPath = normalizePath(cfg.StatusPath, "/status")
	cfg.PprofPrefix = normalizePrefix(cfg.PprofPrefix)
	return &Service{cfg: cfg, rt: rt, log: log.With(logx.Component("http"))}
}

// Handler builds the mux. Exposed for tests.
func (s *Service) Handler() http.Handler {
	cfg := s.cfg
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	if s.rt.WS != nil {
		mux.Handle(cfg.WSPath, s.rt.WS)
	}
	if s.rt.Status != nil {
		mux.HandleFunc(cfg.StatusPath, s.serveStatus)
	}
	if cfg.Pprof {
		prefix := cfg.PprofPrefix
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, pprofIndexAt(prefix))
		mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
		mux.HandleFunc(base+"/profile", hpprof.Profile)
		mux.HandleFunc(base+"/symbol", hpprof.Symbol)
		mux.HandleFunc(base+"/trace", hpprof.Trace)
	}
	return mux
}

// serveStatus answers GET ?path=a.b with the subtree at that path as JSON.
func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v, err := s.rt.Status(r.URL.Query().Get("path"))
	switch {
	case errors.Is(err, pathstore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, pathstore.ErrInvalidPath):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start runs the listener under a restart loop until ctx ends or Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	// The HTTP surface is auxiliary; its failures never stop the node.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Addr is the bound address while the listener is up, else "".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor exposes the listener's restart loop stats.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) serveOnce(ctx context.Context) error {
	cfg := s.cfg
	if !cfg.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("http refused to start: non-loopback addr requires allow_insecure",
			logx.String("addr", cfg.Addr))
		// Retrying cannot fix configuration.
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.String("ws", cfg.WSPath),
		logx.String("metrics", cfg.MetricsPath),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func normalizePrefix(prefix string) string {
	p := normalizePath(prefix, "/debug/pprof/")
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt serves pprof.Index under a custom prefix; Index itself
// expects requests rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
