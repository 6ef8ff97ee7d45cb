package metrics

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

// Handler builds the mux for the current config without binding a listener.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.handler(cfg)
}

func (s *Server) handler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	guard := bearerGuard(cfg.Token)

	mux.Handle(routePath(cfg.Path), guard(s.reg.Handler()))
	mux.Handle("/healthz", guard(http.HandlerFunc(s.serveHealth)))
	if cfg.Pprof {
		for path, h := range map[string]http.HandlerFunc{
			"/debug/pprof/":        hpprof.Index,
			"/debug/pprof/cmdline": hpprof.Cmdline,
			"/debug/pprof/profile": hpprof.Profile,
			"/debug/pprof/symbol":  hpprof.Symbol,
			"/debug/pprof/trace":   hpprof.Trace,
		} {
			mux.Handle(path, guard(h))
		}
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.health())
}

// bearerGuard wraps handlers to require token. A blank token disables the
// check. The token may come from the "token" query parameter, which wins
// over the Authorization header.
func bearerGuard(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return func(h http.Handler) http.Handler { return h }
	}
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if ok {
					got = strings.TrimSpace(bearer)
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

// routePath returns the scrape path, defaulting to /metrics.
func routePath(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return "/metrics"
	case !strings.HasPrefix(p, "/"):
		return "/" + p
	}
	return p
}
