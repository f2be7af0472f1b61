package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veldtlabs/authcore/actiontoken"
	"github.com/veldtlabs/authcore/internal/rate"
)

// Register creates an account with the default role and mails a
// confirmation token. ConfirmationSent reports whether the mail went out;
// the account exists either way.
func (e *Engine) Register(ctx context.Context, email, password, displayName string) (*RegisterResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	normalized := normalizeEmail(email)
	if normalized == "" {
		return nil, validationError("email is malformed")
	}
	if err := e.checkPasswordPolicy(password); err != nil {
		return nil, err
	}

	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	account, err := e.store.CreateAccount(ctx, NewAccountParams{
		Email:        normalized,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         e.config.Account.DefaultRole,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			e.metrics.inc(MetricRegisterDuplicate)
			e.emitAudit(ctx, auditEventRegisterDuplicate, false, "", ErrDuplicateEmail, nil)
			return nil, ErrDuplicateEmail
		}
		return nil, storeFailure(err)
	}

	e.metrics.inc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, account.AccountID, nil, nil)

	sent := e.sendConfirmation(ctx, account)
	return &RegisterResult{
		AccountID:        account.AccountID,
		Role:             account.Role,
		ConfirmationSent: sent,
	}, nil
}

// ConfirmEmail redeems a confirmation token. Every failure mode looks the
// same to the caller.
func (e *Engine) ConfirmEmail(ctx context.Context, token string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.Consume(ctx, actiontoken.PurposeConfirmEmail, token)
	if err != nil {
		return e.actionTokenError(err)
	}

	if err := e.store.MarkEmailConfirmed(ctx, claims.AccountID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrActionTokenInvalid
		}
		return storeFailure(err)
	}

	e.metrics.inc(MetricEmailConfirmed)
	e.emitAudit(ctx, auditEventEmailConfirmed, true, claims.AccountID, nil, nil)
	return nil
}

// ResendConfirmation re-mails the confirmation token, capped per account
// by the fixed resend window. Unknown and already-confirmed addresses
// return success so the call cannot probe for accounts.
func (e *Engine) ResendConfirmation(ctx context.Context, email string) error {
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
	if account.EmailConfirmed {
		e.sleepEnumerationDelay(ctx)
		return nil
	}

	err = e.limiter.Allow(ctx, "resend:"+account.AccountID,
		e.config.RateLimit.ResendConfirmationLimit, e.config.RateLimit.ResendConfirmationWindow)
	if errors.Is(err, rate.ErrLimited) {
		e.metrics.inc(MetricConfirmationRateLimited)
		e.emitAudit(ctx, auditEventConfirmationRateLimited, false, account.AccountID, ErrRateLimited, nil)
		return ErrRateLimited
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	if !e.sendConfirmation(ctx, account) {
		return ErrMailDelivery
	}
	return nil
}

// RequestEmailChange mails a confirmation token to the proposed address.
// The stored email does not change until the token is redeemed.
func (e *Engine) RequestEmailChange(ctx context.Context, accountID, newEmail string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if accountID == "" {
		return validationError("accountID is required")
	}

	normalized := normalizeEmail(newEmail)
	if normalized == "" {
		return validationError("email is malformed")
	}

	account, err := e.store.FindByID(ctx, accountID)
	if err != nil {
		return storeFailure(err)
	}
	if account.Email == normalized {
		return validationError("email is unchanged")
	}

	if _, err := e.store.FindByEmail(ctx, normalized); err == nil {
		return ErrDuplicateEmail
	} else if !errors.Is(err, ErrAccountNotFound) {
		return storeFailure(err)
	}

	token, err := e.tokens.Issue(actiontoken.PurposeEmailChange, account.AccountID, normalized, e.config.ActionToken.ConfirmTTL)
	if err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventEmailChangeRequested, true, account.AccountID, nil, nil)
	if !e.sendMail(ctx, MailMessage{
		To:       normalized,
		Template: MailTemplateEmailChange,
		Data:     map[string]string{"token": token},
	}) {
		return ErrMailDelivery
	}
	return nil
}

// ConfirmEmailChange redeems an email-change token and swaps the address.
// The new address arrives confirmed.
func (e *Engine) ConfirmEmailChange(ctx context.Context, token string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.Consume(ctx, actiontoken.PurposeEmailChange, token)
	if err != nil {
		return e.actionTokenError(err)
	}

	normalized := normalizeEmail(claims.Payload)
	if normalized == "" {
		return ErrActionTokenInvalid
	}

	if err := e.store.UpdateEmail(ctx, claims.AccountID, normalized, true); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return ErrDuplicateEmail
		}
		if errors.Is(err, ErrAccountNotFound) {
			return ErrActionTokenInvalid
		}
		return storeFailure(err)
	}

	e.emitAudit(ctx, auditEventEmailChanged, true, claims.AccountID, nil, nil)
	return nil
}

func (e *Engine) sendConfirmation(ctx context.Context, account AccountRecord) bool {
	token, err := e.tokens.Issue(actiontoken.PurposeConfirmEmail, account.AccountID, "", e.config.ActionToken.ConfirmTTL)
	if err != nil {
		return false
	}

	sent := e.sendMail(ctx, MailMessage{
		To:       account.Email,
		Template: MailTemplateConfirmEmail,
		Data:     map[string]string{"token": token},
	})
	if sent {
		e.metrics.inc(MetricConfirmationSent)
		e.emitAudit(ctx, auditEventConfirmationSent, true, account.AccountID, nil, nil)
	}
	return sent
}

func (e *Engine) actionTokenError(err error) error {
	switch {
	case errors.Is(err, actiontoken.ErrInvalid),
		errors.Is(err, actiontoken.ErrExpired),
		errors.Is(err, actiontoken.ErrConsumed):
		return ErrActionTokenInvalid
	case errors.Is(err, actiontoken.ErrBackendUnavailable):
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	default:
		return err
	}
}

func (e *Engine) checkPasswordPolicy(password string) error {
	if len(password) < e.config.Password.MinLength {
		return fmt.Errorf("%w: minimum length %d", ErrPasswordPolicy, e.config.Password.MinLength)
	}
	if len(password) > 1024 {
		return fmt.Errorf("%w: too long", ErrPasswordPolicy)
	}
	return nil
}

func (e *Engine) sleepEnumerationDelay(ctx context.Context) {
	delay := e.config.Account.EnumerationDelay
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
