package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/clinicore/backend/internal/auth"
	appctx "github.com/clinicore/backend/internal/context"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMiddleware handles JWT authentication for protected routes
type AuthMiddleware struct {
	tokenService *auth.TokenService
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

// Authenticate validates the Bearer access token and injects the user's
// identity and roles into the request context
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeMiddlewareError(w, http.StatusUnauthorized, auth.CodeAuthTokenMissing, "Authorization header is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeMiddlewareError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid authorization header format")
			return
		}

		tokenString := parts[1]
		if tokenString == "" {
			writeMiddlewareError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Token is empty")
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(tokenString)
		if err != nil {
			writeMiddlewareError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid or expired token")
			return
		}

		userID, err := claims.UserID()
		if err != nil {
			writeMiddlewareError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid or expired token")
			return
		}

		ctx := appctx.WithUser(r.Context(), userID, claims.Email, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole guards a route group behind one of the given roles. The caller
// must already be authenticated; roles come from the access token claims.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, role := range roles {
				if appctx.HasRole(r.Context(), role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeMiddlewareError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
		})
	}
}

// writeMiddlewareError writes a JSON error response
func writeMiddlewareError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
