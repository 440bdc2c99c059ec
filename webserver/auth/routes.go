package auth

import (
	"net/http"

	"github.com/mordilloSan/truenas-passwd/webserver/appliance"
)

// --- test seams (overridden in tests) ---
var (
	verifyPassword = appliance.VerifyPassword
	changePassword = appliance.ChangePassword
)

// RegisterAuthRoutes wires public and private auth endpoints under /auth.
func RegisterAuthRoutes(mux *http.ServeMux, h *Handlers) {
	// public
	mux.HandleFunc("POST /auth/login", h.Login)

	// private (wrapped with session middleware)
	mux.Handle("POST /auth/logout", h.SM.RequireSession(http.HandlerFunc(h.Logout)))
	mux.Handle("GET /auth/me", h.SM.RequireSession(http.HandlerFunc(h.Me)))
	mux.Handle("POST /auth/password", h.SM.RequireSession(http.HandlerFunc(h.ChangePassword)))
}
