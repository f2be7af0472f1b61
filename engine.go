package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veldtlabs/authcore/actiontoken"
	"github.com/veldtlabs/authcore/internal/rate"
	"github.com/veldtlabs/authcore/jwt"
	"github.com/veldtlabs/authcore/refresh"
)

// Engine orchestrates every authentication flow against the injected
// collaborators. Build one with a Builder; the zero value is unusable.
// All methods are safe for concurrent use.
type Engine struct {
	config Config
	store  AccountStore
	hasher CredentialHasher
	mailer MailSender
	redis  goredis.UniversalClient
	clock  func() time.Time

	jwt      *jwt.Manager
	sessions *refresh.Store
	lockout  *lockoutPolicy
	limiter  *rate.Limiter
	totp     *totpVerifier
	tokens   *actiontoken.Signer
	audit    *auditDispatcher
	metrics  *Metrics
}

// Close flushes the audit queue. The Engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// MetricsSnapshot returns the current counters keyed by metric name.
func (e *Engine) MetricsSnapshot() map[string]uint64 {
	if e == nil {
		return map[string]uint64{}
	}
	return e.metrics.Snapshot()
}

// Login verifies an email/password pair and issues a token pair. When the
// account has two-factor enabled and the client is not remembered, the
// result carries TwoFactorRequired instead of tokens and the caller must
// complete the login with LoginTwoFactor or LoginRecoveryCode.
func (e *Engine) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.loginPassword(ctx, identifier, password)
	if err != nil {
		return nil, err
	}

	if account.TwoFactorEnabled && !e.clientRemembered(ctx, account.AccountID) {
		e.metrics.inc(MetricTwoFactorRequired)
		e.emitAudit(ctx, auditEventTwoFactorRequired, true, account.AccountID, nil, nil)
		return &LoginResult{AccountID: account.AccountID, TwoFactorRequired: true}, nil
	}

	e.clearFailures(ctx, account.AccountID)

	pair, err := e.issueTokenPair(ctx, account)
	if err != nil {
		return nil, err
	}

	e.metrics.inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, account.AccountID, nil, nil)
	return &LoginResult{AccountID: account.AccountID, Tokens: pair}, nil
}

// loginPassword runs the shared front half of every password login:
// throttle, lookup, lockout gate, credential check, status checks, and
// the opportunistic hash upgrade.
func (e *Engine) loginPassword(ctx context.Context, identifier, password string) (AccountRecord, error) {
	email := normalizeEmail(identifier)
	if email == "" || password == "" {
		e.metrics.inc(MetricLoginFailure)
		return AccountRecord{}, ErrInvalidCredentials
	}

	if limit := e.config.RateLimit.LoginPerIPLimit; limit > 0 {
		if ip := clientIPFromContext(ctx); ip != "" {
			err := e.limiter.Allow(ctx, "login:ip:"+ip, limit, e.config.RateLimit.LoginPerIPWindow)
			if errors.Is(err, rate.ErrLimited) {
				e.metrics.inc(MetricLoginRateLimited)
				e.emitAudit(ctx, auditEventLoginRateLimited, false, "", ErrRateLimited, nil)
				return AccountRecord{}, ErrRateLimited
			}
			if err != nil {
				return AccountRecord{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
			}
		}
	}

	account, err := e.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.metrics.inc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", ErrInvalidCredentials, nil)
			return AccountRecord{}, ErrInvalidCredentials
		}
		return AccountRecord{}, storeFailure(err)
	}

	// Lockout is checked before the password so a locked account leaks
	// nothing about whether the guess was right.
	if until, locked, err := e.lockout.IsLocked(ctx, account.AccountID); err != nil {
		return AccountRecord{}, err
	} else if locked {
		e.metrics.inc(MetricLoginLockedOut)
		e.emitAudit(ctx, auditEventLoginLockedOut, false, account.AccountID, ErrAccountLocked, nil)
		return AccountRecord{}, &LockedError{Until: until}
	}

	ok, err := e.hasher.Verify(password, account.PasswordHash)
	if err != nil || !ok {
		return AccountRecord{}, e.failLogin(ctx, account.AccountID)
	}

	if account.Status == AccountDisabled {
		e.emitAudit(ctx, auditEventLoginFailure, false, account.AccountID, ErrAccountDisabled, nil)
		return AccountRecord{}, ErrAccountDisabled
	}
	if e.config.Account.RequireConfirmedEmail && !account.EmailConfirmed {
		e.emitAudit(ctx, auditEventLoginFailure, false, account.AccountID, ErrEmailNotConfirmed, nil)
		return AccountRecord{}, ErrEmailNotConfirmed
	}

	// The failure counter survives until the whole login succeeds. A
	// correct password alone must not wipe a tally of bad codes.
	e.maybeUpgradeHash(ctx, &account, password)

	return account, nil
}

func (e *Engine) clearFailures(ctx context.Context, accountID string) {
	if err := e.lockout.RecordSuccess(ctx, accountID); err != nil {
		log.Print("authcore: lockout reset failed: ", err)
	}
}

// failLogin counts a failed attempt and reports either plain invalid
// credentials or the lockout that this attempt triggered.
func (e *Engine) failLogin(ctx context.Context, accountID string) error {
	e.metrics.inc(MetricLoginFailure)

	until, locked, err := e.lockout.RecordFailure(ctx, accountID)
	if err != nil {
		return err
	}
	if locked {
		e.metrics.inc(MetricLoginLockedOut)
		e.emitAudit(ctx, auditEventLoginLockedOut, false, accountID, ErrAccountLocked, nil)
		return &LockedError{Until: until}
	}

	e.emitAudit(ctx, auditEventLoginFailure, false, accountID, ErrInvalidCredentials, nil)
	return ErrInvalidCredentials
}

// Refresh rotates a refresh token and issues a fresh pair. A replayed
// token revokes every session of the account; the caller still only sees
// ErrRefreshInvalid.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if e == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	// Resolve the account and sign the access token before consuming the
	// rotation, so a store or signing failure leaves the presented token
	// usable for a retry.
	status, accountID, err := e.sessions.Validate(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var access string
	if status == refresh.StatusValid {
		account, err := e.store.FindByID(ctx, accountID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				// The account is gone; kill the whole chain.
				if revErr := e.sessions.RevokeAll(ctx, accountID); revErr != nil {
					log.Print("authcore: revoke after missing account failed: ", revErr)
				}
				return TokenPair{}, ErrRefreshInvalid
			}
			return TokenPair{}, storeFailure(err)
		}
		if account.Status == AccountDisabled {
			return TokenPair{}, ErrAccountDisabled
		}
		access, err = e.jwt.Issue(account.AccountID, uint8(account.Status), account.Role)
		if err != nil {
			return TokenPair{}, err
		}
	}

	// Rotate stays the arbiter; the read above is advisory and a race
	// between the two resolves here.
	next, err := e.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrReuse):
			e.metrics.inc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, auditEventRefreshReuse, false, next.AccountID, ErrRefreshInvalid, nil)
			return TokenPair{}, ErrRefreshInvalid
		case errors.Is(err, refresh.ErrInvalid):
			e.metrics.inc(MetricRefreshInvalid)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", ErrRefreshInvalid, nil)
			return TokenPair{}, ErrRefreshInvalid
		default:
			return TokenPair{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	}

	e.metrics.inc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, next.AccountID, nil, nil)
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     next.Opaque,
		AccessExpiresAt:  e.clock().Add(e.config.JWT.AccessTTL),
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout revokes a single refresh token. Unknown tokens succeed, so the
// call is idempotent and leaks nothing.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.sessions.Revoke(ctx, refreshToken); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	e.emitAudit(ctx, auditEventLogout, true, "", nil, nil)
	return nil
}

// LogoutAll revokes every refresh token of the account. Outstanding
// access tokens stay valid until they expire.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if accountID == "" {
		return validationError("accountID is required")
	}
	if err := e.sessions.RevokeAll(ctx, accountID); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	e.emitAudit(ctx, auditEventLogoutAll, true, accountID, nil, nil)
	return nil
}

// VerifyAccess validates an access token signature and claims. It does
// not consult the store: revocation between issue and expiry is only
// visible to refresh, not to access verification.
func (e *Engine) VerifyAccess(tokenStr string) (*VerifiedAccess, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwt.Parse(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessTokenInvalid, err)
	}

	va := &VerifiedAccess{
		AccountID: claims.Subject,
		Status:    AccountStatus(claims.Status),
		Role:      claims.Role,
		TokenID:   claims.ID,
	}
	if claims.ExpiresAt != nil {
		va.ExpiresAt = claims.ExpiresAt.Time
	}
	return va, nil
}

func (e *Engine) issueTokenPair(ctx context.Context, account AccountRecord) (TokenPair, error) {
	access, err := e.jwt.Issue(account.AccountID, uint8(account.Status), account.Role)
	if err != nil {
		return TokenPair{}, err
	}

	rt, err := e.sessions.IssueNew(ctx, account.AccountID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rt.Opaque,
		AccessExpiresAt:  e.clock().Add(e.config.JWT.AccessTTL),
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

// maybeUpgradeHash re-hashes the password after a successful verify when
// the stored hash is below current cost. Failures only log; the login
// already succeeded.
func (e *Engine) maybeUpgradeHash(ctx context.Context, account *AccountRecord, password string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := e.hasher.NeedsRehash(account.PasswordHash)
	if err != nil || !needs {
		return
	}
	rehashed, err := e.hasher.Hash(password)
	if err != nil {
		log.Print("authcore: password upgrade hash failed: ", err)
		return
	}
	if err := e.store.UpdatePasswordHash(ctx, account.AccountID, rehashed); err != nil {
		log.Print("authcore: password upgrade store failed: ", err)
		return
	}
	account.PasswordHash = rehashed
}

// sendMail delivers best-effort and reports failure through metrics and
// the returned flag; committed state is never rolled back over mail.
func (e *Engine) sendMail(ctx context.Context, msg MailMessage) bool {
	if e.mailer == nil {
		return false
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		e.metrics.inc(MetricMailFailure)
		e.emitAudit(ctx, auditEventMailFailure, false, "", ErrMailDelivery, map[string]string{"template": msg.Template})
		log.Print("authcore: mail delivery failed: ", err)
		return false
	}
	return true
}

func storeFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrDuplicateEmail),
		errors.Is(err, ErrIdentityTaken):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func normalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || len(email) > 254 {
		return ""
	}
	if strings.IndexByte(email[at+1:], '.') <= 0 {
		return ""
	}
	return email
}
