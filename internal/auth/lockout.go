package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clinicore/backend/internal/audit"
	"github.com/clinicore/backend/internal/metrics"
	"github.com/clinicore/backend/internal/repository"
)

// LockState describes the lock status of an account
type LockState struct {
	Locked   bool
	Attempts int
	UnlockAt *time.Time
}

// LockoutGuard enforces the per-account failed-attempt lockout. All state
// lives in the user row, so locks survive restarts and need no extra
// consistency mechanism; the cost is one extra read/write per login attempt.
//
// State machine: Unlocked(attempts 0..max-1) -> Locked(until) -> Unlocked(0).
type LockoutGuard struct {
	userRepo     repository.UserRepository
	sink         audit.Sink
	maxAttempts  int
	lockDuration time.Duration
	logger       *slog.Logger
}

// NewLockoutGuard creates a LockoutGuard
func NewLockoutGuard(userRepo repository.UserRepository, sink audit.Sink, maxAttempts int, lockDuration time.Duration, logger *slog.Logger) *LockoutGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockoutGuard{
		userRepo:     userRepo,
		sink:         sink,
		maxAttempts:  maxAttempts,
		lockDuration: lockDuration,
		logger:       logger,
	}
}

// CheckLock reports the current lock state for an email address. An expired
// lock is cleared here as a side effect (lazy expiry, no background sweep).
// Unknown emails report not-locked so callers cannot probe for existence.
func (g *LockoutGuard) CheckLock(ctx context.Context, email string) (LockState, error) {
	user, err := g.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return LockState{}, nil
		}
		return LockState{}, err
	}

	now := time.Now().UTC()
	if user.AccountLockedUntil != nil && !user.AccountLockedUntil.After(now) {
		if err := g.userRepo.ResetFailedAttempts(ctx, email); err != nil {
			return LockState{}, err
		}
		return LockState{}, nil
	}

	if user.IsLocked(now) {
		return LockState{Locked: true, Attempts: user.FailedLoginAttempts, UnlockAt: user.AccountLockedUntil}, nil
	}
	return LockState{Attempts: user.FailedLoginAttempts}, nil
}

// RecordFailure atomically increments the failure counter; crossing the
// threshold sets the lock in the same database statement. A non-existent
// email is a silent no-op reporting not-locked.
func (g *LockoutGuard) RecordFailure(ctx context.Context, email, ip, userAgent string) (LockState, error) {
	lockUntil := time.Now().UTC().Add(g.lockDuration)

	attempts, lockedUntil, err := g.userRepo.IncrementFailedAttempts(ctx, email, g.maxAttempts, lockUntil)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return LockState{}, nil
		}
		return LockState{}, err
	}

	state := LockState{Attempts: attempts}
	if lockedUntil != nil && lockedUntil.After(time.Now().UTC()) {
		state.Locked = true
		state.UnlockAt = lockedUntil

		// Emit the lock event only on the attempt that caused the crossing
		if attempts == g.maxAttempts {
			metrics.AccountLockoutsTotal.Inc()
			g.logger.Warn("account locked after repeated failures", "email", email, "attempts", attempts)
			g.sink.RecordEvent(audit.AuthEvent(audit.EventAccountLocked, nil, ip, userAgent, email, "", false))
		}
	}
	return state, nil
}

// ResetFailures zeroes the counter and clears any lock; called after a
// verified-correct password
func (g *LockoutGuard) ResetFailures(ctx context.Context, email string) error {
	return g.userRepo.ResetFailedAttempts(ctx, email)
}
