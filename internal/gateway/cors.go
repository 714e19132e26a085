package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskboard/internal/config"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", AgentHeader}
	// Browsers hide response headers from scripts unless they are listed.
	exposedHeaders = strings.Join([]string{"X-Trace-Id", "X-Request-Id", "Retry-After"}, ", ")
)

// corsPolicy is the compiled form of config.CORSConfig.
type corsPolicy struct {
	allowAll bool
	exact    map[string]bool
	// wildcards holds prefix/suffix pairs from entries such as
	// "https://*.example.com".
	wildcards [][2]string

	methods string
	headers string
	maxAge  string
}

func compileCORS(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{exact: map[string]bool{}}
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "*":
			p.allowAll = true
		case strings.Count(o, "*") == 1:
			i := strings.Index(o, "*")
			p.wildcards = append(p.wildcards, [2]string{o[:i], o[i+1:]})
		case o != "":
			p.exact[strings.ToLower(o)] = true
		}
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	p.methods = strings.Join(methods, ", ")
	p.headers = strings.Join(headers, ", ")
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowAll || p.exact[strings.ToLower(origin)] {
		return true
	}
	for _, w := range p.wildcards {
		if len(origin) <= len(w[0])+len(w[1]) || !strings.HasPrefix(origin, w[0]) || !strings.HasSuffix(origin, w[1]) {
			continue
		}
		// The wildcard covers a host label, never a path or userinfo.
		if label := origin[len(w[0]) : len(origin)-len(w[1])]; !strings.ContainsAny(label, "/@") {
			return true
		}
	}
	return false
}

// NewCORSMiddleware answers preflights and decorates responses for allowed
// origins. When disabled it passes requests through untouched.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	p := compileCORS(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			if !p.allowAll {
				h.Add("Vary", "Origin")
			}
			if p.allows(origin) {
				if p.allowAll {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				h.Set("Access-Control-Expose-Headers", exposedHeaders)
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", p.methods)
					h.Set("Access-Control-Allow-Headers", p.headers)
					h.Set("Access-Control-Max-Age", p.maxAge)
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes, 1 MiB when
// unset. Handlers see *http.MaxBytesError once the cap is crossed.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
