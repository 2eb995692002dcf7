package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	appctx "github.com/clinicore/backend/internal/context"
)

// validate checks request struct tags before domain-level validation runs
var validate = validator.New()

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// RefreshRequest represents the token refresh request payload
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// LogoutRequest represents the logout request payload
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// PasswordResetRequest represents the password reset request payload
type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// PasswordResetCompleteRequest represents the password reset completion payload
type PasswordResetCompleteRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// Register handles staff account registration
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	user, validationErrors, err := h.authService.Register(r.Context(), req, requestMeta(r))
	if err != nil {
		if errors.Is(err, ErrEmailExists) {
			h.writeError(w, http.StatusConflict, CodeEmailExists, "An account with this email already exists", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}
	if len(validationErrors) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(validationErrors))
		return
	}

	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"user":    user,
		"message": "Account created. Check your email to verify your address.",
	})
}

// Login handles user authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	response, validationErrors, err := h.authService.Login(r.Context(), req, requestMeta(r))
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	if len(validationErrors) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(validationErrors))
		return
	}

	h.writeSuccess(w, http.StatusOK, response)
}

// Refresh handles access token renewal
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details := checkRequest(req); details != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	accessToken, expiresIn, err := h.authService.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			h.writeError(w, http.StatusUnauthorized, CodeInvalidToken, "Invalid or expired refresh token", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"accessToken": accessToken,
		"expiresIn":   expiresIn,
	})
}

// Logout revokes the presented refresh token
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	// A missing or malformed body still logs the caller out
	_ = json.NewDecoder(r.Body).Decode(&req)

	var callerID *int64
	if id, ok := appctx.ExtractUserID(r.Context()); ok {
		callerID = &id
	}

	h.authService.Logout(r.Context(), req.RefreshToken, callerID, requestMeta(r))

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// RequestPasswordReset starts the password reset flow
// POST /api/v1/auth/password-reset/request
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details := checkRequest(req); details != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "A valid email is required", details)
		return
	}

	if err := h.authService.RequestPasswordReset(r.Context(), req.Email, requestMeta(r)); err != nil {
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	// Identical response whether or not the account exists
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "If an account exists for that email, a reset link has been sent.",
	})
}

// CompletePasswordReset completes the password reset flow
// POST /api/v1/auth/password-reset/complete
func (h *AuthHandler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details := checkRequest(req); details != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	validationErrors, err := h.authService.ResetPassword(r.Context(), req.Token, req.NewPassword, requestMeta(r))
	if err != nil {
		var reused *PasswordReusedError
		if errors.As(err, &reused) {
			h.writeError(w, http.StatusBadRequest, CodePasswordReused,
				"New password must differ from your last "+strconv.Itoa(reused.HistoryDepth)+" passwords", nil)
			return
		}
		if errors.Is(err, ErrInvalidToken) {
			h.writeError(w, http.StatusBadRequest, CodeInvalidToken, "Invalid or expired reset token", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}
	if len(validationErrors) > 0 {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(validationErrors))
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Password has been reset. Please log in with your new password.",
	})
}

// VerifyEmail marks an account's email address as verified
// GET /api/v1/auth/verify-email/{token}
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "token is required", nil)
		return
	}

	if err := h.authService.VerifyEmail(r.Context(), token, requestMeta(r)); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			h.writeError(w, http.StatusBadRequest, CodeInvalidToken, "Invalid or expired verification token", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Email verified. You can now log in.",
	})
}

// GetMe returns the authenticated user's profile
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	profile, err := h.authService.GetProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user": profile,
	})
}

// CleanupTokens purges refresh tokens past the retention window
// POST /api/v1/auth/cleanup (admin only)
func (h *AuthHandler) CleanupTokens(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.authService.CleanupExpiredTokens(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
	})
}

// writeAuthError maps login-flow errors onto status codes and response codes
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	var locked *AccountLockedError
	if errors.As(err, &locked) {
		minutes := locked.MinutesRemaining()
		details := map[string][]string{
			"retry_after_minutes": {strconv.Itoa(minutes)},
		}
		h.writeError(w, http.StatusForbidden, CodeAccountLocked,
			"Account locked due to repeated failed logins. Try again in "+strconv.Itoa(minutes)+" minute(s).", details)
		return
	}
	if errors.Is(err, ErrInvalidCredentials) {
		h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password", nil)
		return
	}
	if errors.Is(err, ErrEmailNotVerified) {
		h.writeError(w, http.StatusForbidden, CodeEmailNotVerified, "Email address has not been verified", nil)
		return
	}
	h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
}

// checkRequest runs struct-tag validation and returns per-field details, or
// nil when the request is well formed
func checkRequest(req interface{}) map[string][]string {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	details := make(map[string][]string)
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) {
		for _, fe := range fieldErrors {
			field := strings.ToLower(fe.Field())
			switch fe.Tag() {
			case "required":
				details[field] = append(details[field], field+" is required")
			case "email":
				details[field] = append(details[field], field+" must be a valid email address")
			default:
				details[field] = append(details[field], field+" is invalid")
			}
		}
		return details
	}

	details["request"] = append(details["request"], "invalid request")
	return details
}

func validationDetails(validationErrors []ValidationError) map[string][]string {
	details := make(map[string][]string)
	for _, ve := range validationErrors {
		details[ve.Field] = append(details[ve.Field], ve.Message)
	}
	return details
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

func requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{
		IPAddress: getClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can carry a chain; the first entry is the client
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
