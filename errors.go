package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineNotReady indicates use of an Engine that was not built.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrValidation indicates malformed or contradictory input. The
	// wrapped message names the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredentials is the uniform answer for a wrong password or
	// an unknown identifier. Callers cannot tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountNotFound indicates the account id does not resolve. Never
	// returned from login paths; those fold into ErrInvalidCredentials.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountLocked indicates the account is under lockout. Returned
	// as a *LockedError carrying the expiry.
	ErrAccountLocked = errors.New("account locked")

	// ErrAccountDisabled indicates an administratively disabled account.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrEmailNotConfirmed blocks login until the address is confirmed,
	// when the engine is configured to require confirmation.
	ErrEmailNotConfirmed = errors.New("email not confirmed")

	// ErrDuplicateEmail indicates the address is already registered.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrIdentityTaken indicates the external identity is already bound
	// to a different account.
	ErrIdentityTaken = errors.New("external identity already linked")

	// ErrTwoFactorRequired indicates credentials were correct but the
	// login needs a second factor.
	ErrTwoFactorRequired = errors.New("two-factor code required")

	// ErrTwoFactorCode indicates a wrong TOTP or recovery code.
	ErrTwoFactorCode = errors.New("invalid two-factor code")

	// ErrTwoFactorNotEnabled indicates a 2FA operation on an account
	// without an enabled second factor.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")

	// ErrRefreshInvalid covers every unusable refresh token: unknown,
	// expired, revoked, or replayed. Reuse is deliberately not
	// distinguishable from this error.
	ErrRefreshInvalid = errors.New("invalid refresh token")

	// ErrAccessTokenInvalid indicates an access token that fails
	// signature or claim validation.
	ErrAccessTokenInvalid = errors.New("invalid access token")

	// ErrActionTokenInvalid covers unusable confirmation and reset
	// tokens: malformed, expired, or already used.
	ErrActionTokenInvalid = errors.New("invalid or expired token")

	// ErrRateLimited indicates a fixed-window quota was exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrPasswordPolicy indicates the new password fails local policy.
	ErrPasswordPolicy = errors.New("password does not meet policy")

	// ErrCacheUnavailable indicates the Redis backend is unreachable.
	ErrCacheUnavailable = errors.New("cache backend unavailable")

	// ErrStoreUnavailable indicates the account store failed for reasons
	// other than a domain conflict.
	ErrStoreUnavailable = errors.New("account store unavailable")

	// ErrMailDelivery indicates the state change committed but the
	// outbound mail did not go out.
	ErrMailDelivery = errors.New("mail delivery failed")
)

// LockedError reports an active lockout and when it ends. It matches
// ErrAccountLocked under errors.Is.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrAccountLocked) hold for *LockedError.
func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
