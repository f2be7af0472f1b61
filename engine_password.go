package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/veldtlabs/authcore/actiontoken"
	"github.com/veldtlabs/authcore/internal/rate"
)

// ChangePassword replaces the password after re-verifying the current one
// and revokes every refresh token, forcing other sessions to log in again.
func (e *Engine) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if accountID == "" {
		return validationError("accountID is required")
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	account, err := e.store.FindByID(ctx, accountID)
	if err != nil {
		return storeFailure(err)
	}

	ok, err := e.hasher.Verify(currentPassword, account.PasswordHash)
	if err != nil || !ok {
		e.emitAudit(ctx, auditEventPasswordChanged, false, accountID, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := e.store.UpdatePasswordHash(ctx, accountID, hash); err != nil {
		return storeFailure(err)
	}

	if err := e.sessions.RevokeAll(ctx, accountID); err != nil {
		log.Print("authcore: revoke after password change failed: ", err)
	}

	e.metrics.inc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChanged, true, accountID, nil, nil)
	return nil
}

// ForgotPassword mails a reset token. The answer is success whether or
// not the address resolves; the miss path is padded so timing does not
// tell the two apart.
func (e *Engine) ForgotPassword(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	normalized := normalizeEmail(email)
	if normalized == "" {
		return validationError("email is malformed")
	}

	account, err := e.store.FindByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.sleepEnumerationDelay(ctx)
			return nil
		}
		return storeFailure(err)
	}

	err = e.limiter.Allow(ctx, "reset:"+account.AccountID,
		e.config.RateLimit.ResetRequestLimit, e.config.RateLimit.ResetRequestWindow)
	if errors.Is(err, rate.ErrLimited) {
		// Quota exhausted still answers success; otherwise the limiter
		// would confirm the account exists.
		e.sleepEnumerationDelay(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	token, err := e.tokens.Issue(actiontoken.PurposeResetPassword, account.AccountID, "", e.config.ActionToken.ResetTTL)
	if err != nil {
		return err
	}

	e.metrics.inc(MetricPasswordResetRequested)
	e.emitAudit(ctx, auditEventPasswordResetRequested, true, account.AccountID, nil, nil)
	e.sendMail(ctx, MailMessage{
		To:       account.Email,
		Template: MailTemplateResetPassword,
		Data:     map[string]string{"token": token},
	})
	return nil
}

// ResetPassword redeems a reset token, stores the new password, clears
// any lockout, and revokes every refresh token.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	claims, err := e.tokens.Consume(ctx, actiontoken.PurposeResetPassword, token)
	if err != nil {
		return e.actionTokenError(err)
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := e.store.UpdatePasswordHash(ctx, claims.AccountID, hash); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrActionTokenInvalid
		}
		return storeFailure(err)
	}

	// The holder just proved control of the mailbox; a lockout caused by
	// someone else guessing should not keep them out.
	if err := e.lockout.Clear(ctx, claims.AccountID); err != nil {
		log.Print("authcore: lockout clear after password reset failed: ", err)
	}
	if err := e.sessions.RevokeAll(ctx, claims.AccountID); err != nil {
		log.Print("authcore: revoke after password reset failed: ", err)
	}

	e.metrics.inc(MetricPasswordResetCompleted)
	e.emitAudit(ctx, auditEventPasswordResetCompleted, true, claims.AccountID, nil, nil)
	return nil
}
