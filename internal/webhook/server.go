package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"neferus/pkg/logx"
)

// ServerConfig controls the public listener. GitHub talks to this; keep it
// reachable from wherever the hooks originate.
type ServerConfig struct {
	Socket string // "tcp" or "unix"
	Host   string
	Port   int
	Path   string // unix socket path; a directory gets "neferus.sock" appended

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns the ingress listener and serves the Handler on every path.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg ServerConfig

	handler  http.Handler
	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func NewServer(cfg ServerConfig, handler http.Handler, log logx.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, log: log}
}

// Addr reports the bound listener address, empty when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		// A stop may still be tearing the previous listener down.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		ln, err := listen(cur)
		if err != nil {
			return fmt.Errorf("webhook listen: %w", err)
		}

		srv := &http.Server{
			Handler:      s.handler,
			ReadTimeout:  cur.ReadTimeout,
			WriteTimeout: cur.WriteTimeout,
			IdleTimeout:  cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("webhook server stopped with error", logx.Err(err))
			}
		}()

		s.log.Info("webhook listening",
			logx.String("network", ln.Addr().Network()),
			logx.String("addr", ln.Addr().String()))
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	// Close the listener first so Shutdown cannot hang on Accept.
	if ln != nil {
		_ = ln.Close()
	}

	go func() {
		defer close(done)
		shutdownCtx := ctx
		if shutdownCtx == nil {
			shutdownCtx = context.Background()
		}
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("webhook stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Reconfigure applies cfg, restarting the listener when any of it changed.
// Every field here shapes the listener, so a change means a restart.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !running {
		if err := s.Start(ctx); err != nil {
			s.log.Error("webhook restart failed", logx.Err(err))
		}
		return
	}
	if prev != cfg {
		s.Stop(ctx)
		if err := s.Start(ctx); err != nil {
			s.log.Error("webhook restart failed", logx.Err(err))
		}
	}
}

func listen(cfg ServerConfig) (net.Listener, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Socket)) {
	case "", "tcp":
		host := cfg.Host
		if host == "" {
			host = "0.0.0.0"
		}
		port := cfg.Port
		if port == 0 {
			port = 8000
		}
		return net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	case "unix":
		path, err := resolveUnixPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		return net.Listen("unix", path)
	default:
		return nil, fmt.Errorf("unknown socket type %q", cfg.Socket)
	}
}

// resolveUnixPath normalizes the socket path: directories get a default
// socket name, parent directories are created, and a stale socket left by
// an unclean shutdown is removed.
func resolveUnixPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("unix socket path not set")
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		p = filepath.Join(p, "neferus.sock")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if fi, err := os.Lstat(p); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(p); err != nil {
			return "", err
		}
	}
	return p, nil
}
