package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	logx "zhihupub/pkg/logx"

	"github.com/gorilla/mux"
)

// PprofConfig mounts net/http/pprof under Prefix.
//
// On a non-loopback Addr the endpoints are only mounted with a Token set or
// AllowInsecure.
type PprofConfig struct {
	Enabled       bool
	Prefix        string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// ApplyRuntimeRates sets profiling rates. 0 keeps the Go default.
func ApplyRuntimeRates(cfg PprofConfig) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func (s *Server) pprofMounted() bool {
	p := s.cfg.Pprof
	if !p.Enabled {
		return false
	}
	return p.AllowInsecure || s.cfg.Token != "" || isLoopbackAddr(s.addr())
}

func (s *Server) mountPprof(r *mux.Router) {
	if !s.cfg.Pprof.Enabled {
		return
	}
	if !s.pprofMounted() {
		s.log.Error("pprof not mounted: non-loopback addr requires token or allow_insecure",
			logx.String("addr", s.addr()))
		return
	}
	if s.cfg.Token == "" && !isLoopbackAddr(s.addr()) {
		s.log.Warn("pprof mounted without token on non-loopback addr (insecure)", logx.String("addr", s.addr()))
	}
	ApplyRuntimeRates(s.cfg.Pprof)

	prefix := normalizePrefix(s.cfg.Pprof.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	r.Handle(base, http.RedirectHandler(prefix, http.StatusPermanentRedirect))
	sub := r.PathPrefix(base).Subrouter()
	sub.Use(withAuth(s.cfg.Token))
	sub.HandleFunc("/cmdline", hpprof.Cmdline)
	sub.HandleFunc("/profile", hpprof.Profile)
	sub.HandleFunc("/symbol", hpprof.Symbol)
	sub.HandleFunc("/trace", hpprof.Trace)
	sub.PathPrefix("/").HandlerFunc(pprofIndexAt(prefix))
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index only resolves profiles under /debug/pprof/, so the path is
// rewritten for custom prefixes.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}
