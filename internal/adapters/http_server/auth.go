package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"space_broker/internal/domain"
)

type ctxKey int

const principalKey ctxKey = iota

// Auth trusts the upstream gateway's identity headers and places the
// authenticated principal in the request context. Requests without a
// valid principal are rejected before reaching any handler.
func Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		role := domain.Role(r.Header.Get("X-User-Role"))
		if err != nil || id <= 0 || !role.Valid() {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or malformed identity headers")
			return
		}
		p := domain.Principal{ID: id, Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func principal(r *http.Request) domain.Principal {
	p, _ := r.Context().Value(principalKey).(domain.Principal)
	return p
}
