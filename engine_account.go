package authcore

import (
	"context"
	"log"
)

// Account returns the stored record for an account id.
func (e *Engine) Account(ctx context.Context, accountID string) (AccountRecord, error) {
	if e == nil {
		return AccountRecord{}, ErrEngineNotReady
	}
	if accountID == "" {
		return AccountRecord{}, validationError("accountID is required")
	}
	account, err := e.store.FindByID(ctx, accountID)
	if err != nil {
		return AccountRecord{}, storeFailure(err)
	}
	return account, nil
}

// SetAccountStatus moves an account between Active and Disabled.
// Disabling also revokes every refresh token; outstanding access tokens
// ride out their TTL.
func (e *Engine) SetAccountStatus(ctx context.Context, accountID string, status AccountStatus) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if accountID == "" {
		return validationError("accountID is required")
	}
	if status != AccountActive && status != AccountDisabled {
		return validationError("status must be Active or Disabled")
	}

	if err := e.store.SetStatus(ctx, accountID, status); err != nil {
		return storeFailure(err)
	}

	if status == AccountDisabled {
		if err := e.sessions.RevokeAll(ctx, accountID); err != nil {
			log.Print("authcore: revoke after disable failed: ", err)
		}
	}
	return nil
}

// DeleteAccount removes the account and revokes every refresh token. The
// store cascades credentials, two-factor state, and external identities.
func (e *Engine) DeleteAccount(ctx context.Context, accountID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if accountID == "" {
		return validationError("accountID is required")
	}

	if err := e.store.DeleteAccount(ctx, accountID); err != nil {
		return storeFailure(err)
	}

	// Token revocation follows the delete; a failure here leaves only
	// self-expiring Redis records behind.
	if err := e.sessions.RevokeAll(ctx, accountID); err != nil {
		log.Print("authcore: revoke after delete failed: ", err)
	}

	e.metrics.inc(MetricAccountDeleted)
	e.emitAudit(ctx, auditEventAccountDeleted, true, accountID, nil, nil)
	return nil
}
