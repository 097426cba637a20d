// Package debug serves the optional diagnostics listener: pprof, the
// emergency lane snapshot and the gateway health snapshot.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "beacon/internal/runtime/supervisor"
	logx "beacon/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultAddr = "127.0.0.1:6060"

// Config controls the diagnostics listener.
//
// A non-loopback Addr needs a Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// Sources feed the JSON endpoints. Nil sources are omitted.
type Sources struct {
	Lane   func() any
	Health func() any
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources

	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "debug"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address while the listener runs.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the listener.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start binds synchronously; a failed bind is logged and leaves the
// listener off.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("debug listener refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return
		}
		s.log.Warn("debug listener running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("debug listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	s.ln = ln
	// Diagnostics never take the app down.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	srv := &http.Server{Handler: s.routes(cfg.Token), ReadHeaderTimeout: 5 * time.Second}
	s.sup.Go("debug.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("debug listener started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.ln = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("debug listener stopped with error", logx.Err(err))
		return
	}
	s.log.Info("debug listener stopped")
}

func (s *Service) routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withToken(token))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/debug", middleware.Profiler())
	if s.src.Lane != nil {
		r.Get("/lane", jsonHandler(s.src.Lane))
	}
	if s.src.Health != nil {
		r.Get("/health", jsonHandler(s.src.Health))
	}
	return r
}

func jsonHandler(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(fn())
	}
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func withToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
