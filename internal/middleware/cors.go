package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, " + SignatureHeader
	corsMaxAge       = "600"
)

// CORSMiddleware lets browser viewers on the configured origins call the
// HTTP surface. "*" allows any origin.
type CORSMiddleware struct {
	origins  []string
	allowAny bool
}

func NewCORSMiddleware(origins []string) *CORSMiddleware {
	m := &CORSMiddleware{}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			m.allowAny = true
		default:
			m.origins = append(m.origins, o)
		}
	}
	return m
}

// Allowed reports whether a request from origin may be served. Requests
// without an Origin header are not cross-origin and always pass.
func (m *CORSMiddleware) Allowed(origin string) bool {
	if origin == "" || m.allowAny {
		return true
	}
	return slices.Contains(m.origins, strings.TrimRight(origin, "/"))
}

func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && m.Allowed(origin) {
			h := w.Header()
			if m.allowAny {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
