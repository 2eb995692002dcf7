package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// Public: register, login, refresh, password-reset, verify-email.
// Protected: logout, me. Admin: cleanup.
func RegisterRoutes(r chi.Router, handler *AuthHandler, authMiddleware, adminOnly Middleware) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", handler.Register)
		r.Post("/login", handler.Login)
		r.Post("/refresh", handler.Refresh)
		r.Route("/password-reset", func(r chi.Router) {
			r.Post("/request", handler.RequestPasswordReset)
			r.Post("/complete", handler.CompletePasswordReset)
		})
		r.Get("/verify-email/{token}", handler.VerifyEmail)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/logout", handler.Logout)
			r.Get("/me", handler.GetMe)

			r.Group(func(r chi.Router) {
				r.Use(adminOnly)
				r.Post("/cleanup", handler.CleanupTokens)
			})
		})
	})
}
