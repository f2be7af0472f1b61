package authcore

import (
	"context"
	"errors"
)

const (
	auditEventLoginSuccess            = "login_success"
	auditEventLoginFailure            = "login_failure"
	auditEventLoginLockedOut          = "login_locked_out"
	auditEventLoginRateLimited        = "login_rate_limited"
	auditEventTwoFactorRequired       = "two_factor_required"
	auditEventTwoFactorSuccess        = "two_factor_success"
	auditEventTwoFactorFailure        = "two_factor_failure"
	auditEventTwoFactorEnabled        = "two_factor_enabled"
	auditEventTwoFactorDisabled       = "two_factor_disabled"
	auditEventTwoFactorKeyReset       = "two_factor_key_reset"
	auditEventRecoveryCodeUsed        = "recovery_code_used"
	auditEventRecoveryCodesReset      = "recovery_codes_reset"
	auditEventRefreshSuccess          = "refresh_success"
	auditEventRefreshInvalid          = "refresh_invalid"
	auditEventRefreshReuse            = "refresh_reuse_detected"
	auditEventLogout                  = "logout"
	auditEventLogoutAll               = "logout_all"
	auditEventRegisterSuccess         = "register_success"
	auditEventRegisterDuplicate       = "register_duplicate"
	auditEventConfirmationSent        = "confirmation_sent"
	auditEventConfirmationRateLimited = "confirmation_rate_limited"
	auditEventEmailConfirmed          = "email_confirmed"
	auditEventEmailChangeRequested    = "email_change_requested"
	auditEventEmailChanged            = "email_changed"
	auditEventPasswordResetRequested  = "password_reset_requested"
	auditEventPasswordResetCompleted  = "password_reset_completed"
	auditEventPasswordChanged         = "password_changed"
	auditEventExternalLogin           = "external_login"
	auditEventExternalAccountCreated  = "external_account_created"
	auditEventExternalLinked          = "external_linked"
	auditEventExternalLinkConflict    = "external_link_conflict"
	auditEventAccountDeleted          = "account_deleted"
	auditEventMailFailure             = "mail_failure"
)

// auditErrorCode compresses an error into the short code carried by audit
// events. Infrastructure detail stays out of the event stream.
func auditErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	case errors.Is(err, ErrEmailNotConfirmed):
		return "email_not_confirmed"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrDuplicateEmail):
		return "duplicate_email"
	case errors.Is(err, ErrIdentityTaken):
		return "identity_taken"
	case errors.Is(err, ErrTwoFactorRequired):
		return "two_factor_required"
	case errors.Is(err, ErrTwoFactorCode), errors.Is(err, ErrTwoFactorNotEnabled):
		return "two_factor_invalid"
	case errors.Is(err, ErrRefreshInvalid):
		return "refresh_invalid"
	case errors.Is(err, ErrAccessTokenInvalid), errors.Is(err, ErrActionTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrMailDelivery):
		return "mail_failure"
	case errors.Is(err, ErrCacheUnavailable), errors.Is(err, ErrStoreUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	err error,
	metadata map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: e.clock().UTC(),
		EventType: eventType,
		AccountID: accountID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Error:     auditErrorCode(err),
		Metadata:  metadata,
	}
	e.audit.Emit(ctx, event)
}
