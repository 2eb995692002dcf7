package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/clinicore/backend/internal/audit"
	"github.com/clinicore/backend/internal/config"
	"github.com/clinicore/backend/internal/metrics"
	"github.com/clinicore/backend/internal/notification"
	"github.com/clinicore/backend/internal/repository"
)

// RequestMeta carries transport-level attribution for audit records
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// RegisterRequest represents the registration request payload
type RegisterRequest struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UserInfo represents user data in API responses
type UserInfo struct {
	ID            int64      `json:"id"`
	Email         string     `json:"email"`
	Roles         []string   `json:"roles"`
	EmailVerified bool       `json:"emailVerified"`
	LastLogin     *time.Time `json:"lastLogin,omitempty"`
}

// LoginResponse represents a successful authentication result
type LoginResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresIn    int64    `json:"expiresIn"`
	User         UserInfo `json:"user"`
}

// AuthService composes the credential store, password policy, lockout guard,
// token manager, audit sink, and notification sender into the user-facing
// auth workflows. Within one request the steps run strictly in order; cross-
// request consistency rests on row-level atomicity in the store.
type AuthService struct {
	userRepo    repository.UserRepository
	refreshRepo repository.RefreshTokenRepository
	historyRepo repository.PasswordHistoryRepository
	tokens      *TokenService
	passwords   *PasswordValidator
	lockout     *LockoutGuard
	sink        audit.Sink
	mailer      notification.Sender
	cfg         config.AuthConfig
	logger      *slog.Logger
}

// NewAuthService creates a new AuthService instance
func NewAuthService(
	userRepo repository.UserRepository,
	refreshRepo repository.RefreshTokenRepository,
	historyRepo repository.PasswordHistoryRepository,
	tokens *TokenService,
	passwords *PasswordValidator,
	lockout *LockoutGuard,
	sink audit.Sink,
	mailer notification.Sender,
	cfg config.AuthConfig,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = notification.NoopSender{}
	}
	return &AuthService{
		userRepo:    userRepo,
		refreshRepo: refreshRepo,
		historyRepo: historyRepo,
		tokens:      tokens,
		passwords:   passwords,
		lockout:     lockout,
		sink:        sink,
		mailer:      mailer,
		cfg:         cfg,
		logger:      logger,
	}
}

func userInfo(user *repository.User) UserInfo {
	return UserInfo{
		ID:            user.ID,
		Email:         user.Email,
		Roles:         repository.RoleStrings(user.Roles),
		EmailVerified: user.EmailVerified,
		LastLogin:     user.LastLoginAt,
	}
}

// isValidEmail checks if the email format is valid
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil
}

// Register creates a new staff account. The initial password hash is seeded
// into the password history, and a verification email is sent best-effort.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, meta RequestMeta) (*UserInfo, []ValidationError, error) {
	var validationErrors []ValidationError

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if !isValidEmail(email) {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "email",
			Message: "Invalid email format",
		})
	}

	for _, ve := range s.passwords.ValidatePassword(req.Password) {
		validationErrors = append(validationErrors, ValidationError{
			Field:   ve.Field,
			Message: ve.Message,
		})
	}

	if req.Password != req.ConfirmPassword {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "confirm_password",
			Message: "Password and confirm_password do not match",
		})
	}

	if len(validationErrors) > 0 {
		return nil, validationErrors, nil
	}

	exists, err := s.userRepo.EmailExists(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, ErrEmailExists
	}

	passwordHash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	user := &repository.User{
		Email:        email,
		PasswordHash: passwordHash,
		Roles:        []repository.Role{repository.RoleSecretary},
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, nil, ErrEmailExists
		}
		return nil, nil, err
	}

	if err := s.historyRepo.Append(ctx, user.ID, passwordHash); err != nil {
		s.logger.Warn("failed to seed password history", "user_id", user.ID, "error", err)
	}

	if token, err := s.issueEmailVerificationToken(ctx, user.ID); err != nil {
		s.logger.Warn("failed to issue verification token", "user_id", user.ID, "error", err)
	} else if err := s.mailer.SendVerificationEmail(ctx, email, token); err != nil {
		// Delivery failure never fails registration
		s.logger.Warn("failed to send verification email", "user_id", user.ID, "error", err)
	}

	s.sink.RecordEvent(audit.AuthEvent(audit.EventUserRegistered, &user.ID, meta.IPAddress, meta.UserAgent, email, "", true))

	info := userInfo(user)
	return &info, nil, nil
}

// Login authenticates a user. The step ordering here is load-bearing: the
// lockout check precedes any credential work, unknown emails and wrong
// passwords produce the same generic error, and the verification gate is
// only reached after the password is confirmed correct.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, meta RequestMeta) (*LoginResponse, []ValidationError, error) {
	var validationErrors []ValidationError
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if !isValidEmail(email) {
		validationErrors = append(validationErrors, ValidationError{Field: "email", Message: "Invalid email format"})
	}
	if req.Password == "" {
		validationErrors = append(validationErrors, ValidationError{Field: "password", Message: "Password is required"})
	}
	if len(validationErrors) > 0 {
		return nil, validationErrors, nil
	}

	lock, err := s.lockout.CheckLock(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if lock.Locked {
		metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		s.sink.RecordEvent(audit.AuthEvent(audit.EventLoginFailed, nil, meta.IPAddress, meta.UserAgent, email, "Account locked", false))
		return nil, nil, &AccountLockedError{UnlockAt: *lock.UnlockAt}
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// The increment is a no-op for unknown emails; calling it anyway
			// keeps behavior uniform against enumeration probes.
			if _, ferr := s.lockout.RecordFailure(ctx, email, meta.IPAddress, meta.UserAgent); ferr != nil {
				s.logger.Error("failed to record login failure", "error", ferr)
			}
			metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
			s.sink.RecordEvent(audit.AuthEvent(audit.EventLoginFailed, nil, meta.IPAddress, meta.UserAgent, email, "Invalid credentials", false))
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if err := s.passwords.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		state, ferr := s.lockout.RecordFailure(ctx, email, meta.IPAddress, meta.UserAgent)
		if ferr != nil {
			return nil, nil, ferr
		}
		if state.Locked {
			metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
			return nil, nil, &AccountLockedError{UnlockAt: *state.UnlockAt}
		}
		metrics.LoginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
		s.sink.RecordEvent(audit.AuthEvent(audit.EventLoginFailed, &user.ID, meta.IPAddress, meta.UserAgent, email, "Invalid password", false))
		return nil, nil, ErrInvalidCredentials
	}

	if s.cfg.RequireVerifiedEmail && !user.EmailVerified {
		metrics.LoginAttemptsTotal.WithLabelValues("unverified").Inc()
		s.sink.RecordEvent(audit.AuthEvent(audit.EventLoginFailed, &user.ID, meta.IPAddress, meta.UserAgent, email, "Email not verified", false))
		return nil, nil, ErrEmailNotVerified
	}

	if err := s.lockout.ResetFailures(ctx, email); err != nil {
		return nil, nil, err
	}
	if err := s.userRepo.UpdateLastLogin(ctx, user.ID); err != nil {
		return nil, nil, err
	}

	pair, err := s.tokens.GenerateTokenPair(user)
	if err != nil {
		return nil, nil, err
	}
	metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()

	record := &repository.RefreshToken{
		UserID:    user.ID,
		TokenHash: s.tokens.HashRefreshToken(pair.RefreshToken),
		ExpiresAt: time.Now().UTC().Add(s.tokens.GetRefreshTokenExpiry()),
		UserAgent: &meta.UserAgent,
		IPAddress: &meta.IPAddress,
	}
	if err := s.refreshRepo.Create(ctx, record); err != nil {
		return nil, nil, err
	}

	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	s.sink.RecordEvent(audit.AuthEvent(audit.EventLoginSuccess, &user.ID, meta.IPAddress, meta.UserAgent, email, "", true))

	now := time.Now().UTC()
	user.LastLoginAt = &now

	return &LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         userInfo(user),
	}, nil, nil
}

// Refresh exchanges a live refresh token for a new access token. The refresh
// token itself is not rotated; the database row is authoritative for its
// liveness, so the JWT signature needs no separate re-verification here.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (string, int64, error) {
	user, err := s.verifyRefreshToken(ctx, refreshToken)
	if err != nil {
		return "", 0, err
	}

	accessToken, err := s.tokens.GenerateAccessToken(user)
	if err != nil {
		return "", 0, err
	}
	metrics.TokensIssuedTotal.WithLabelValues("access").Inc()

	s.sink.RecordEvent(audit.AuthEvent(audit.EventTokenRefresh, &user.ID, meta.IPAddress, meta.UserAgent, user.Email, "", true))

	return accessToken, int64(s.tokens.GetAccessTokenExpiry().Seconds()), nil
}

// verifyRefreshToken resolves a refresh token to its live owner, or
// ErrInvalidToken. Revoked, expired, unknown, and soft-deleted-owner tokens
// are indistinguishable to the caller.
func (s *AuthService) verifyRefreshToken(ctx context.Context, refreshToken string) (*repository.User, error) {
	record, err := s.refreshRepo.GetByTokenHash(ctx, s.tokens.HashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !record.Usable(time.Now().UTC()) {
		return nil, ErrInvalidToken
	}

	user, err := s.userRepo.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

// Logout revokes the given refresh token if present. Idempotent and never
// fails: revoking an already revoked or unknown token is harmless.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, callerID *int64, meta RequestMeta) {
	if refreshToken != "" {
		if err := s.refreshRepo.Revoke(ctx, s.tokens.HashRefreshToken(refreshToken)); err != nil {
			s.logger.Warn("failed to revoke refresh token on logout", "error", err)
		}
	}
	s.sink.RecordEvent(audit.AuthEvent(audit.EventLogout, callerID, meta.IPAddress, meta.UserAgent, "", "", true))
}

// RequestPasswordReset issues a reset token and mails it when the account
// exists. The caller always sees success, whether or not the email exists.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string, meta RequestMeta) error {
	email = strings.TrimSpace(strings.ToLower(email))

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return err
	}

	token, err := NewRandomToken()
	if err != nil {
		return err
	}
	// Overwrites any outstanding reset token; only the latest one is valid
	if err := s.userRepo.SetPasswordResetToken(ctx, user.ID, token, time.Now().UTC().Add(s.cfg.PasswordResetExpiry)); err != nil {
		return err
	}

	if err := s.mailer.SendPasswordResetEmail(ctx, email, token); err != nil {
		s.logger.Warn("failed to send password reset email", "user_id", user.ID, "error", err)
	}

	s.sink.RecordEvent(audit.AuthEvent(audit.EventPasswordResetRequested, &user.ID, meta.IPAddress, meta.UserAgent, email, "", true))
	return nil
}

// ResetPassword completes a password reset: token check, strength check,
// history reuse check, then the hash update (which also consumes the token).
// All live refresh tokens for the user are revoked afterwards.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string, meta RequestMeta) ([]ValidationError, error) {
	user, err := s.userRepo.GetByPasswordResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if user.PasswordResetExpiry == nil || !user.PasswordResetExpiry.After(time.Now().UTC()) {
		return nil, ErrInvalidToken
	}

	if verrs := s.passwords.ValidatePassword(newPassword); len(verrs) > 0 {
		out := make([]ValidationError, len(verrs))
		for i, ve := range verrs {
			out[i] = ValidationError{Field: ve.Field, Message: ve.Message}
		}
		return out, nil
	}

	hashes, err := s.historyRepo.RecentHashes(ctx, user.ID, s.cfg.PasswordHistoryDepth)
	if err != nil {
		return nil, err
	}
	if s.passwords.IsReused(newPassword, hashes) {
		return nil, &PasswordReusedError{HistoryDepth: s.cfg.PasswordHistoryDepth}
	}

	newHash, err := s.passwords.HashPassword(newPassword)
	if err != nil {
		return nil, err
	}
	if err := s.userRepo.UpdatePassword(ctx, user.ID, newHash); err != nil {
		return nil, err
	}
	if err := s.historyRepo.Append(ctx, user.ID, newHash); err != nil {
		s.logger.Warn("failed to append password history", "user_id", user.ID, "error", err)
	}
	if _, err := s.refreshRepo.RevokeAllForUser(ctx, user.ID); err != nil {
		s.logger.Warn("failed to revoke sessions after password reset", "user_id", user.ID, "error", err)
	}

	metrics.PasswordResetsTotal.Inc()
	s.sink.RecordEvent(audit.AuthEvent(audit.EventPasswordResetComplete, &user.ID, meta.IPAddress, meta.UserAgent, user.Email, "", true))
	return nil, nil
}

// VerifyEmail marks the account's email verified given a live verification
// token, then sends the welcome notification best-effort
func (s *AuthService) VerifyEmail(ctx context.Context, token string, meta RequestMeta) error {
	user, err := s.userRepo.GetByEmailVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if user.EmailVerified {
		return ErrInvalidToken
	}
	if user.EmailVerificationExpiry == nil || !user.EmailVerificationExpiry.After(time.Now().UTC()) {
		return ErrInvalidToken
	}

	if err := s.userRepo.MarkEmailVerified(ctx, user.ID); err != nil {
		return err
	}

	s.sink.RecordEvent(audit.AuthEvent(audit.EventEmailVerified, &user.ID, meta.IPAddress, meta.UserAgent, user.Email, "", true))

	if err := s.mailer.SendWelcomeEmail(ctx, user.Email); err != nil {
		s.logger.Warn("failed to send welcome email", "user_id", user.ID, "error", err)
	}
	return nil
}

// GetProfile returns the profile for an authenticated user
func (s *AuthService) GetProfile(ctx context.Context, userID int64) (*UserInfo, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	info := userInfo(user)
	return &info, nil
}

// CleanupExpiredTokens purges refresh-token rows expired beyond the audit
// retention window. Triggered externally; this core owns no timers.
func (s *AuthService) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	return s.refreshRepo.DeleteExpiredBefore(ctx, time.Now().UTC())
}

// issueEmailVerificationToken stores a fresh verification token on the user
// row, invalidating any previous one
func (s *AuthService) issueEmailVerificationToken(ctx context.Context, userID int64) (string, error) {
	token, err := NewRandomToken()
	if err != nil {
		return "", err
	}
	expires := time.Now().UTC().Add(s.cfg.EmailVerificationExpiry)
	if err := s.userRepo.SetEmailVerificationToken(ctx, userID, token, expires); err != nil {
		return "", err
	}
	return token, nil
}
