package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/clinicore/backend/internal/audit"
	"github.com/clinicore/backend/internal/config"
	"github.com/clinicore/backend/internal/notification"
	"github.com/clinicore/backend/internal/repository"
)

// Mock implementations for testing

// mockUserRepository implements repository.UserRepository for testing
type mockUserRepository struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*repository.User
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{
		nextID: 1,
		users:  make(map[int64]*repository.User),
	}
}

func (m *mockUserRepository) findByEmail(email string) *repository.User {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) && u.DeletedAt == nil {
			return u
		}
	}
	return nil
}

func (m *mockUserRepository) Create(ctx context.Context, user *repository.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findByEmail(user.Email) != nil {
		return repository.ErrEmailAlreadyExists
	}
	user.ID = m.nextID
	m.nextID++
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id int64) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok && user.DeletedAt == nil {
		return user, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user := m.findByEmail(email); user != nil {
		return user, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByEmail(email) != nil, nil
}

func (m *mockUserRepository) UpdateLastLogin(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok && user.DeletedAt == nil {
		now := time.Now().UTC()
		user.LastLoginAt = &now
		return nil
	}
	return repository.ErrUserNotFound
}

func (m *mockUserRepository) IncrementFailedAttempts(ctx context.Context, email string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.findByEmail(email)
	if user == nil {
		return 0, nil, repository.ErrUserNotFound
	}
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= threshold {
		t := lockUntil.UTC()
		user.AccountLockedUntil = &t
	}
	return user.FailedLoginAttempts, user.AccountLockedUntil, nil
}

func (m *mockUserRepository) ResetFailedAttempts(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user := m.findByEmail(email); user != nil {
		user.FailedLoginAttempts = 0
		user.AccountLockedUntil = nil
	}
	return nil
}

func (m *mockUserRepository) SetEmailVerificationToken(ctx context.Context, id int64, token string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok && user.DeletedAt == nil {
		user.EmailVerificationToken = &token
		e := expires.UTC()
		user.EmailVerificationExpiry = &e
		return nil
	}
	return repository.ErrUserNotFound
}

func (m *mockUserRepository) GetByEmailVerificationToken(ctx context.Context, token string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.DeletedAt == nil && u.EmailVerificationToken != nil && *u.EmailVerificationToken == token {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) MarkEmailVerified(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok && user.DeletedAt == nil {
		user.EmailVerified = true
		user.EmailVerificationToken = nil
		user.EmailVerificationExpiry = nil
		return nil
	}
	return repository.ErrUserNotFound
}

func (m *mockUserRepository) SetPasswordResetToken(ctx context.Context, id int64, token string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok && user.DeletedAt == nil {
		user.PasswordResetToken = &token
		e := expires.UTC()
		user.PasswordResetExpiry = &e
		return nil
	}
	return repository.ErrUserNotFound
}

func (m *mockUserRepository) GetByPasswordResetToken(ctx context.Context, token string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.DeletedAt == nil && u.PasswordResetToken != nil && *u.PasswordResetToken == token {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok && user.DeletedAt == nil {
		user.PasswordHash = passwordHash
		user.PasswordResetToken = nil
		user.PasswordResetExpiry = nil
		return nil
	}
	return repository.ErrUserNotFound
}

// mockRefreshTokenRepository implements repository.RefreshTokenRepository for testing
type mockRefreshTokenRepository struct {
	mu     sync.Mutex
	nextID int64
	tokens map[string]*repository.RefreshToken
}

func newMockRefreshTokenRepository() *mockRefreshTokenRepository {
	return &mockRefreshTokenRepository{
		nextID: 1,
		tokens: make(map[string]*repository.RefreshToken),
	}
}

func (m *mockRefreshTokenRepository) Create(ctx context.Context, token *repository.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.ID = m.nextID
	m.nextID++
	token.CreatedAt = time.Now().UTC()
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *mockRefreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.tokens[tokenHash]; ok {
		return token, nil
	}
	return nil, repository.ErrRefreshTokenNotFound
}

func (m *mockRefreshTokenRepository) Revoke(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.tokens[tokenHash]; ok && token.RevokedAt == nil {
		now := time.Now().UTC()
		token.RevokedAt = &now
	}
	return nil
}

func (m *mockRefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	now := time.Now().UTC()
	for _, token := range m.tokens {
		if token.UserID == userID && token.RevokedAt == nil {
			token.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

func (m *mockRefreshTokenRepository) DeleteExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for hash, token := range m.tokens {
		if token.ExpiresAt.Before(now.Add(-30 * 24 * time.Hour)) {
			delete(m.tokens, hash)
			count++
		}
	}
	return count, nil
}

// mockPasswordHistoryRepository implements repository.PasswordHistoryRepository for testing
type mockPasswordHistoryRepository struct {
	mu      sync.Mutex
	history map[int64][]string
}

func newMockPasswordHistoryRepository() *mockPasswordHistoryRepository {
	return &mockPasswordHistoryRepository{history: make(map[int64][]string)}
}

func (m *mockPasswordHistoryRepository) Append(ctx context.Context, userID int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[userID] = append(m.history[userID], passwordHash)
	return nil
}

func (m *mockPasswordHistoryRepository) RecentHashes(ctx context.Context, userID int64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := m.history[userID]
	// most recent first
	out := make([]string, 0, len(hashes))
	for i := len(hashes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hashes[i])
	}
	return out, nil
}

// mockAuditSink records events synchronously for assertions
type mockAuditSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *mockAuditSink) RecordEvent(event audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockAuditSink) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *mockAuditSink) hasEvent(eventType string) bool {
	for _, et := range m.eventTypes() {
		if et == eventType {
			return true
		}
	}
	return false
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:               "test-secret-key-at-least-32-chars",
		AccessTokenExpiry:       15 * time.Minute,
		RefreshTokenExpiry:      7 * 24 * time.Hour,
		Issuer:                  "test-issuer",
		MaxFailedAttempts:       5,
		LockoutDuration:         15 * time.Minute,
		PasswordHistoryDepth:    5,
		RequireVerifiedEmail:    true,
		EmailVerificationExpiry: 24 * time.Hour,
		PasswordResetExpiry:     time.Hour,
	}
}

type testEnv struct {
	service  *AuthService
	userRepo *mockUserRepository
	refresh  *mockRefreshTokenRepository
	history  *mockPasswordHistoryRepository
	sink     *mockAuditSink
	cfg      config.AuthConfig
}

func newTestEnv() *testEnv {
	cfg := testAuthConfig()
	userRepo := newMockUserRepository()
	refreshRepo := newMockRefreshTokenRepository()
	historyRepo := newMockPasswordHistoryRepository()
	sink := &mockAuditSink{}
	logger := slog.New(slog.DiscardHandler)

	tokens := NewTokenService(TokenServiceConfig{
		Secret:             cfg.JWTSecret,
		AccessTokenExpiry:  cfg.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.RefreshTokenExpiry,
		Issuer:             cfg.Issuer,
	})
	passwords := NewPasswordValidator()
	lockout := NewLockoutGuard(userRepo, sink, cfg.MaxFailedAttempts, cfg.LockoutDuration, logger)

	service := NewAuthService(userRepo, refreshRepo, historyRepo, tokens, passwords, lockout, sink, notification.NoopSender{}, cfg, logger)
	return &testEnv{
		service:  service,
		userRepo: userRepo,
		refresh:  refreshRepo,
		history:  historyRepo,
		sink:     sink,
		cfg:      cfg,
	}
}

// seedUser creates a verified user directly in the mock store
func (e *testEnv) seedUser(t testing.TB, email, password string) *repository.User {
	t.Helper()
	hash, err := NewPasswordValidator().HashPassword(password)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user := &repository.User{
		Email:         strings.ToLower(email),
		PasswordHash:  hash,
		Roles:         []repository.Role{repository.RoleSecretary},
		EmailVerified: true,
	}
	if err := e.userRepo.Create(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	_ = e.history.Append(context.Background(), user.ID, hash)
	return user
}

var testMeta = RequestMeta{IPAddress: "203.0.113.7", UserAgent: "test-agent"}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser(t, "doc@example.com", "Sec#9True!")

	resp, validationErrors, err := env.service.Login(ctx, LoginRequest{
		Email:    "doc@example.com",
		Password: "Sec#9True!",
	}, testMeta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(validationErrors) > 0 {
		t.Fatalf("unexpected validation errors: %v", validationErrors)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected both tokens to be set")
	}
	if parts := strings.Split(resp.AccessToken, "."); len(parts) != 3 {
		t.Errorf("access token should be a JWT, got %d parts", len(parts))
	}
	if resp.User.Email != "doc@example.com" {
		t.Errorf("unexpected user email %q", resp.User.Email)
	}
	if resp.User.LastLogin == nil {
		t.Error("last login should be set after successful login")
	}
	if !env.sink.hasEvent(audit.EventLoginSuccess) {
		t.Error("expected LOGIN_SUCCESS audit event")
	}

	// A refresh token row must exist for the issued token
	svc := env.service
	if _, err := svc.refreshRepo.GetByTokenHash(ctx, svc.tokens.HashRefreshToken(resp.RefreshToken)); err != nil {
		t.Errorf("refresh token row should be persisted: %v", err)
	}
}

func TestLoginEmailCaseInsensitive(t *testing.T) {
	env := newTestEnv()
	env.seedUser(t, "doc@example.com", "Sec#9True!")

	resp, _, err := env.service.Login(context.Background(), LoginRequest{
		Email:    "DOC@Example.COM",
		Password: "Sec#9True!",
	}, testMeta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.User.Email != "doc@example.com" {
		t.Errorf("unexpected user email %q", resp.User.Email)
	}
}

func TestLoginUnknownEmailAndWrongPasswordIndistinguishable(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser(t, "doc@example.com", "Sec#9True!")

	_, _, errUnknown := env.service.Login(ctx, LoginRequest{
		Email:    "ghost@example.com",
		Password: "Sec#9True!",
	}, testMeta)
	_, _, errWrong := env.service.Login(ctx, LoginRequest{
		Email:    "doc@example.com",
		Password: "WrongPass1!",
	}, testMeta)

	if !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Errorf("unknown email should yield ErrInvalidCredentials, got %v", errUnknown)
	}
	if !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Errorf("wrong password should yield ErrInvalidCredentials, got %v", errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Error("error messages must not distinguish unknown email from wrong password")
	}
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser(t, "doc@example.com", "Sec#9True!")

	for i := 0; i < 4; i++ {
		_, _, err := env.service.Login(ctx, LoginRequest{
			Email:    "doc@example.com",
			Password: "WrongPass1!",
		}, testMeta)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// Fifth failure crosses the threshold
	_, _, err := env.service.Login(ctx, LoginRequest{
		Email:    "doc@example.com",
		Password: "WrongPass1!",
	}, testMeta)
	var locked *AccountLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("fifth failure should lock the account, got %v", err)
	}
	if locked.MinutesRemaining() < 1 || locked.MinutesRemaining() > 15 {
		t.Errorf("unexpected minutes remaining: %d", locked.MinutesRemaining())
	}
	if !env.sink.hasEvent(audit.EventAccountLocked) {
		t.Error("expected ACCOUNT_LOCKED audit event")
	}

	// Correct password while locked is still rejected with the lock error
	_, _, err = env.service.Login(ctx, LoginRequest{
		Email:    "doc@example.com",
		Password: "Sec#9True!",
	}, testMeta)
	if !errors.As(err, &locked) {
		t.Fatalf("correct password during lock should still be rejected, got %v", err)
	}
}

func TestLoginLockExpiryResetsCounter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")

	// Simulate an expired lock left over from earlier failures
	past := time.Now().UTC().Add(-time.Minute)
	user.FailedLoginAttempts = 5
	user.AccountLockedUntil = &past

	resp, _, err := env.service.Login(ctx, LoginRequest{
		Email:    "doc@example.com",
		Password: "Sec#9True!",
	}, testMeta)
	if err != nil {
		t.Fatalf("login after lock expiry should succeed: %v", err)
	}
	if resp == nil {
		t.Fatal("expected login response")
	}
	if user.FailedLoginAttempts != 0 {
		t.Errorf("failure counter should be reset, got %d", user.FailedLoginAttempts)
	}
	if user.AccountLockedUntil != nil {
		t.Error("lock timestamp should be cleared")
	}
}

func TestLoginSuccessResetsFailureCounter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")

	for i := 0; i < 3; i++ {
		env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "WrongPass1!"}, testMeta)
	}
	if user.FailedLoginAttempts != 3 {
		t.Fatalf("expected 3 recorded failures, got %d", user.FailedLoginAttempts)
	}

	if _, _, err := env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "Sec#9True!"}, testMeta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.FailedLoginAttempts != 0 {
		t.Errorf("counter should be zero after success, got %d", user.FailedLoginAttempts)
	}
}

func TestLoginUnverifiedEmailRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")
	user.EmailVerified = false

	_, _, err := env.service.Login(ctx, LoginRequest{
		Email:    "doc@example.com",
		Password: "Sec#9True!",
	}, testMeta)
	if !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}
	// An unverified rejection is not a credential failure
	if user.FailedLoginAttempts != 0 {
		t.Errorf("failure counter should not move, got %d", user.FailedLoginAttempts)
	}
}

func TestLoginSoftDeletedUserRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")
	now := time.Now().UTC()
	user.DeletedAt = &now

	_, _, err := env.service.Login(ctx, LoginRequest{
		Email:    "doc@example.com",
		Password: "Sec#9True!",
	}, testMeta)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("soft-deleted user should look like invalid credentials, got %v", err)
	}
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser(t, "doc@example.com", "Sec#9True!")

	resp, _, err := env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "Sec#9True!"}, testMeta)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	accessToken, expiresIn, err := env.service.Refresh(ctx, resp.RefreshToken, testMeta)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if accessToken == "" {
		t.Error("expected a new access token")
	}
	if expiresIn != int64(env.cfg.AccessTokenExpiry.Seconds()) {
		t.Errorf("unexpected expiresIn %d", expiresIn)
	}

	claims, err := env.service.tokens.ValidateAccessToken(accessToken)
	if err != nil {
		t.Fatalf("minted access token should validate: %v", err)
	}
	if claims.Email != "doc@example.com" {
		t.Errorf("unexpected claims email %q", claims.Email)
	}
	if !env.sink.hasEvent(audit.EventTokenRefresh) {
		t.Error("expected TOKEN_REFRESH audit event")
	}
}

func TestLogoutThenRefreshFails(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")

	resp, _, err := env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "Sec#9True!"}, testMeta)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	env.service.Logout(ctx, resp.RefreshToken, &user.ID, testMeta)
	if !env.sink.hasEvent(audit.EventLogout) {
		t.Error("expected LOGOUT audit event")
	}

	if _, _, err := env.service.Refresh(ctx, resp.RefreshToken, testMeta); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh after logout should fail with ErrInvalidToken, got %v", err)
	}

	// Logging out again is harmless
	env.service.Logout(ctx, resp.RefreshToken, &user.ID, testMeta)
}

func TestRefreshUnknownTokenFails(t *testing.T) {
	env := newTestEnv()
	if _, _, err := env.service.Refresh(context.Background(), "never-issued", testMeta); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshExpiredTokenFails(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser(t, "doc@example.com", "Sec#9True!")

	resp, _, err := env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "Sec#9True!"}, testMeta)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	// Force the stored row past expiry
	hash := env.service.tokens.HashRefreshToken(resp.RefreshToken)
	row, _ := env.refresh.GetByTokenHash(ctx, hash)
	row.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	if _, _, err := env.service.Refresh(ctx, resp.RefreshToken, testMeta); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token should fail with ErrInvalidToken, got %v", err)
	}
}

func TestRequestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	env := newTestEnv()
	if err := env.service.RequestPasswordReset(context.Background(), "ghost@example.com", testMeta); err != nil {
		t.Fatalf("unknown email must not surface an error: %v", err)
	}
	if len(env.sink.eventTypes()) != 0 {
		t.Error("no audit event should be recorded for unknown email")
	}
}

func TestResetPasswordFlow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")

	if err := env.service.RequestPasswordReset(ctx, "doc@example.com", testMeta); err != nil {
		t.Fatalf("reset request failed: %v", err)
	}
	if user.PasswordResetToken == nil {
		t.Fatal("reset token should be stored")
	}
	token := *user.PasswordResetToken

	// Active session that must be revoked by the reset
	loginResp, _, err := env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "Sec#9True!"}, testMeta)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	validationErrors, err := env.service.ResetPassword(ctx, token, "NewSec#10True!", testMeta)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if len(validationErrors) > 0 {
		t.Fatalf("unexpected validation errors: %v", validationErrors)
	}
	if user.PasswordResetToken != nil {
		t.Error("reset token should be consumed")
	}

	// Token is single use
	if _, err := env.service.ResetPassword(ctx, token, "OtherSec#11!", testMeta); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second use of reset token should fail, got %v", err)
	}

	// Old sessions are dead
	if _, _, err := env.service.Refresh(ctx, loginResp.RefreshToken, testMeta); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh tokens should be revoked after reset, got %v", err)
	}

	// New password works, old does not
	if _, _, err := env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "NewSec#10True!"}, testMeta); err != nil {
		t.Errorf("login with new password failed: %v", err)
	}
	if _, _, err := env.service.Login(ctx, LoginRequest{Email: "doc@example.com", Password: "Sec#9True!"}, testMeta); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("login with old password should fail, got %v", err)
	}
	if !env.sink.hasEvent(audit.EventPasswordResetComplete) {
		t.Error("expected PASSWORD_RESET_COMPLETE audit event")
	}
}

func TestResetPasswordRejectsReusedPassword(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")

	if err := env.service.RequestPasswordReset(ctx, "doc@example.com", testMeta); err != nil {
		t.Fatalf("reset request failed: %v", err)
	}

	_, err := env.service.ResetPassword(ctx, *user.PasswordResetToken, "Sec#9True!", testMeta)
	var reused *PasswordReusedError
	if !errors.As(err, &reused) {
		t.Fatalf("reusing the current password should fail, got %v", err)
	}
	if reused.HistoryDepth != env.cfg.PasswordHistoryDepth {
		t.Errorf("unexpected history depth %d", reused.HistoryDepth)
	}
}

func TestResetPasswordExpiredToken(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")

	token := "expired-reset-token"
	past := time.Now().UTC().Add(-time.Minute)
	user.PasswordResetToken = &token
	user.PasswordResetExpiry = &past

	if _, err := env.service.ResetPassword(ctx, token, "NewSec#10True!", testMeta); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyEmailFlow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, validationErrors, err := env.service.Register(ctx, RegisterRequest{
		Email:           "new@example.com",
		Password:        "Sec#9True!",
		ConfirmPassword: "Sec#9True!",
	}, testMeta)
	if err != nil || len(validationErrors) > 0 {
		t.Fatalf("register failed: %v %v", err, validationErrors)
	}

	user := env.userRepo.findByEmail("new@example.com")
	if user == nil || user.EmailVerificationToken == nil {
		t.Fatal("verification token should be stored on registration")
	}
	if user.EmailVerified {
		t.Fatal("new account must start unverified")
	}

	// Unverified login is gated
	if _, _, err := env.service.Login(ctx, LoginRequest{Email: "new@example.com", Password: "Sec#9True!"}, testMeta); !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}

	token := *user.EmailVerificationToken
	if err := env.service.VerifyEmail(ctx, token, testMeta); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !user.EmailVerified {
		t.Error("user should be verified")
	}

	// Verification tokens are single use
	if err := env.service.VerifyEmail(ctx, token, testMeta); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second verification should fail, got %v", err)
	}

	if _, _, err := env.service.Login(ctx, LoginRequest{Email: "new@example.com", Password: "Sec#9True!"}, testMeta); err != nil {
		t.Errorf("login after verification failed: %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedUser(t, "doc@example.com", "Sec#9True!")

	_, _, err := env.service.Register(ctx, RegisterRequest{
		Email:           "Doc@Example.com",
		Password:        "Sec#9True!",
		ConfirmPassword: "Sec#9True!",
	}, testMeta)
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
}

func TestRegisterSeedsPasswordHistory(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, _, err := env.service.Register(ctx, RegisterRequest{
		Email:           "new@example.com",
		Password:        "Sec#9True!",
		ConfirmPassword: "Sec#9True!",
	}, testMeta)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	user := env.userRepo.findByEmail("new@example.com")
	hashes, _ := env.history.RecentHashes(ctx, user.ID, 5)
	if len(hashes) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hashes))
	}
	if env.service.passwords.VerifyPassword("Sec#9True!", hashes[0]) != nil {
		t.Error("seeded history hash should match the registration password")
	}
}

func TestValidRegistrationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newTestEnv()
		ctx := context.Background()

		localPart := rapid.StringMatching(`[a-z]{5,10}`).Draw(t, "localPart")
		domain := rapid.StringMatching(`[a-z]{5,10}`).Draw(t, "domain")
		tld := rapid.StringMatching(`[a-z]{2,3}`).Draw(t, "tld")
		email := localPart + "@" + domain + "." + tld

		upper := rapid.StringMatching(`[A-Z]{2}`).Draw(t, "upper")
		lower := rapid.StringMatching(`[a-z]{4}`).Draw(t, "lower")
		number := rapid.StringMatching(`[0-9]{2}`).Draw(t, "number")
		special := rapid.SampledFrom([]string{"!", "@", "#", "$", "%"}).Draw(t, "special")
		password := upper + lower + number + special

		info, validationErrors, err := env.service.Register(ctx, RegisterRequest{
			Email:           email,
			Password:        password,
			ConfirmPassword: password,
		}, testMeta)
		if len(validationErrors) > 0 {
			t.Fatalf("unexpected validation errors for %q / %q: %v", email, password, validationErrors)
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info == nil {
			t.Fatal("expected user info")
		}
		if info.Email != strings.ToLower(email) {
			t.Errorf("email should be normalized, got %q", info.Email)
		}
		if info.EmailVerified {
			t.Error("new account must start unverified")
		}

		exists, _ := env.userRepo.EmailExists(ctx, email)
		if !exists {
			t.Error("user should exist after registration")
		}
	})
}

func TestCleanupExpiredTokens(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	user := env.seedUser(t, "doc@example.com", "Sec#9True!")

	// One row far past retention, one recent
	old := &repository.RefreshToken{
		UserID:    user.ID,
		TokenHash: "old-hash",
		ExpiresAt: time.Now().UTC().Add(-60 * 24 * time.Hour),
	}
	fresh := &repository.RefreshToken{
		UserID:    user.ID,
		TokenHash: "fresh-hash",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	env.refresh.Create(ctx, old)
	env.refresh.Create(ctx, fresh)

	deleted, err := env.service.CleanupExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 purged row, got %d", deleted)
	}
	if _, err := env.refresh.GetByTokenHash(ctx, "fresh-hash"); err != nil {
		t.Error("recent row should survive cleanup")
	}
}
