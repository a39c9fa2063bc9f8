package api

import (
	"net/http"
	"slices"

	"edurelay/pkg/types"
)

type identityHandler func(w http.ResponseWriter, r *http.Request, caller types.Identity)

// authenticated resolves the caller when an authenticator is configured.
// Without one every caller is anonymous and allowed.
func (s *Server) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil {
			next(w, r, types.Identity{})
			return
		}
		caller, err := s.deps.Auth.FromRequest(r)
		if err != nil {
			s.sendError(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next(w, r, caller)
	}
}

func (s *Server) requireRole(next identityHandler, roles ...string) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, caller types.Identity) {
		if s.deps.Auth != nil && !slices.Contains(roles, caller.Role) {
			s.sendError(w, "Insufficient role", http.StatusForbidden)
			return
		}
		next(w, r, caller)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
