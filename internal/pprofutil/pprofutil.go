package pprofutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"

	"duelnet/internal/config"
	"duelnet/internal/metrics"
)

// Server is the optional debug HTTP endpoint.
type Server struct {
	srv  *http.Server
	addr string
}

// Start serves pprof plus /debug/duelnet/metrics when debug.pprof is set. It
// returns nil, nil when disabled.
func Start(c config.DebugConfig, m *metrics.Metrics, log *zap.Logger) (*Server, error) {
	if !c.Pprof {
		return nil, nil
	}
	addr := strings.TrimSpace(c.PprofAddr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !c.PprofAllowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("debug.pprof_addr must be loopback unless debug.pprof_allow_public is set: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.HandleFunc("/debug/duelnet/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(m.Snapshot())
	})
	actual := ln.Addr().String()
	s := &Server{
		addr: actual,
		srv: &http.Server{
			Addr:              actual,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if log != nil {
		log.Info("pprof enabled", zap.String("url", "http://"+actual+"/debug/pprof/"))
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.srv.Close()
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
