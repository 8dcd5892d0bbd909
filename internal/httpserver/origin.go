package httpserver

import (
	"net/http"
	"strings"
)

// withOriginPolicy applies the relay's origin policy to browser requests and
// answers CORS preflights.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	policy := s.cfg.OriginPolicy()
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		normalizedOrigin, ok := policy.Check(originHeader, r.Host)
		if !ok {
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		if originHeader == "" {
			next(w, r)
			return
		}

		allowOrigin := normalizedOrigin
		if allowOrigin == "" {
			allowOrigin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
