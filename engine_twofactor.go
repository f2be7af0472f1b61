package authcore

import (
	"context"
	"log"

	"github.com/veldtlabs/authcore/internal/secrets"
)

// LoginTwoFactor completes a password login with a TOTP code. Wrong codes
// count toward lockout just like wrong passwords. With rememberClient set
// and a client id attached via WithClientID, subsequent logins from that
// client skip the code prompt until the remember TTL lapses.
func (e *Engine) LoginTwoFactor(ctx context.Context, identifier, password, code string, rememberClient bool) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.loginPassword(ctx, identifier, password)
	if err != nil {
		return nil, err
	}

	tf, err := e.store.GetTwoFactor(ctx, account.AccountID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if !tf.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	ok, err := e.totp.Verify(tf.Secret, code, e.clock())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.failTwoFactor(ctx, account.AccountID)
	}

	e.clearFailures(ctx, account.AccountID)
	e.metrics.inc(MetricTwoFactorSuccess)
	e.emitAudit(ctx, auditEventTwoFactorSuccess, true, account.AccountID, nil, nil)

	if rememberClient {
		e.rememberClient(ctx, account.AccountID)
	}

	pair, err := e.issueTokenPair(ctx, account)
	if err != nil {
		return nil, err
	}
	e.metrics.inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, account.AccountID, nil, nil)
	return &LoginResult{AccountID: account.AccountID, Tokens: pair}, nil
}

// LoginRecoveryCode completes a password login by burning one recovery
// code. The code is gone whether or not anything else fails afterwards.
func (e *Engine) LoginRecoveryCode(ctx context.Context, identifier, password, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.loginPassword(ctx, identifier, password)
	if err != nil {
		return nil, err
	}

	tf, err := e.store.GetTwoFactor(ctx, account.AccountID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if !tf.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	used, err := e.store.ConsumeRecoveryCode(ctx, account.AccountID, secrets.HashRecoveryCode(account.AccountID, code))
	if err != nil {
		return nil, storeFailure(err)
	}
	if !used {
		return nil, e.failTwoFactor(ctx, account.AccountID)
	}

	e.clearFailures(ctx, account.AccountID)
	e.metrics.inc(MetricRecoveryCodeUsed)
	e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, account.AccountID, nil, nil)

	pair, err := e.issueTokenPair(ctx, account)
	if err != nil {
		return nil, err
	}
	e.metrics.inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, account.AccountID, nil, nil)
	return &LoginResult{AccountID: account.AccountID, Tokens: pair}, nil
}

func (e *Engine) failTwoFactor(ctx context.Context, accountID string) error {
	e.metrics.inc(MetricTwoFactorFailure)

	until, locked, err := e.lockout.RecordFailure(ctx, accountID)
	if err != nil {
		return err
	}
	if locked {
		e.metrics.inc(MetricLoginLockedOut)
		e.emitAudit(ctx, auditEventLoginLockedOut, false, accountID, ErrAccountLocked, nil)
		return &LockedError{Until: until}
	}

	e.emitAudit(ctx, auditEventTwoFactorFailure, false, accountID, ErrTwoFactorCode, nil)
	return ErrTwoFactorCode
}

// Manage2FA applies one two-factor settings change. Provisioning a shared
// key always lands in the disabled state; enabling requires a valid code
// for the stored key, so a key reset and an enable cannot share a call.
func (e *Engine) Manage2FA(ctx context.Context, accountID string, update TwoFactorUpdate) (*TwoFactorState, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if accountID == "" {
		return nil, validationError("accountID is required")
	}
	if update.ResetSharedKey && update.Enable != nil && *update.Enable {
		return nil, validationError("resetSharedKey and enable are mutually exclusive")
	}

	account, err := e.store.FindByID(ctx, accountID)
	if err != nil {
		return nil, storeFailure(err)
	}

	state := &TwoFactorState{}

	if update.ForgetClient {
		e.forgetClient(ctx, accountID)
	}

	tf, err := e.store.GetTwoFactor(ctx, accountID)
	if err != nil {
		return nil, storeFailure(err)
	}

	if update.ResetSharedKey {
		raw, encoded, err := e.totp.NewSecret()
		if err != nil {
			return nil, err
		}
		// A fresh key is unproven, so the factor drops to disabled until
		// the holder verifies a code for it.
		if err := e.store.SetTwoFactorEnabled(ctx, accountID, false); err != nil {
			return nil, storeFailure(err)
		}
		if err := e.store.SetTwoFactorSecret(ctx, accountID, raw); err != nil {
			return nil, storeFailure(err)
		}
		tf = TwoFactorRecord{Secret: raw, Enabled: false}
		state.SharedKey = encoded
		state.ProvisionURI = e.totp.ProvisionURI(encoded, account.Email)
		e.emitAudit(ctx, auditEventTwoFactorKeyReset, true, accountID, nil, nil)
	}

	if update.Enable != nil {
		if *update.Enable {
			if len(tf.Secret) == 0 {
				return nil, validationError("no shared key provisioned")
			}
			ok, err := e.totp.Verify(tf.Secret, update.Code, e.clock())
			if err != nil {
				return nil, err
			}
			if !ok {
				e.metrics.inc(MetricTwoFactorFailure)
				e.emitAudit(ctx, auditEventTwoFactorFailure, false, accountID, ErrTwoFactorCode, nil)
				return nil, ErrTwoFactorCode
			}
			if err := e.store.SetTwoFactorEnabled(ctx, accountID, true); err != nil {
				return nil, storeFailure(err)
			}
			tf.Enabled = true
			e.emitAudit(ctx, auditEventTwoFactorEnabled, true, accountID, nil, nil)
		} else {
			if err := e.store.SetTwoFactorEnabled(ctx, accountID, false); err != nil {
				return nil, storeFailure(err)
			}
			tf.Enabled = false
			e.emitAudit(ctx, auditEventTwoFactorDisabled, true, accountID, nil, nil)
		}
	}

	if update.ResetRecoveryCodes {
		if !tf.Enabled {
			return nil, ErrTwoFactorNotEnabled
		}
		codes, hashes, err := e.newRecoveryCodes(accountID)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceRecoveryCodes(ctx, accountID, hashes); err != nil {
			return nil, storeFailure(err)
		}
		state.RecoveryCodes = codes
		e.emitAudit(ctx, auditEventRecoveryCodesReset, true, accountID, nil, nil)
	}

	state.Enabled = tf.Enabled
	state.MachineRemembered = e.clientRemembered(ctx, accountID)
	return state, nil
}

func (e *Engine) newRecoveryCodes(accountID string) ([]string, [][32]byte, error) {
	count := e.config.TwoFactor.RecoveryCodeCount
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		code, err := secrets.NewRecoveryCode(e.config.TwoFactor.RecoveryCodeLength)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, secrets.HashRecoveryCode(accountID, code))
	}
	return codes, hashes, nil
}

func (e *Engine) rememberClientKey(accountID, clientID string) string {
	return "a2r:" + accountID + ":" + clientID
}

func (e *Engine) clientRemembered(ctx context.Context, accountID string) bool {
	clientID := clientIDFromContext(ctx)
	if clientID == "" || e.config.TwoFactor.RememberClientTTL <= 0 {
		return false
	}
	n, err := e.redis.Exists(ctx, e.rememberClientKey(accountID, clientID)).Result()
	if err != nil {
		// Fail closed: an unreachable cache must not skip the second factor.
		return false
	}
	return n > 0
}

func (e *Engine) rememberClient(ctx context.Context, accountID string) {
	clientID := clientIDFromContext(ctx)
	ttl := e.config.TwoFactor.RememberClientTTL
	if clientID == "" || ttl <= 0 {
		return
	}
	if err := e.redis.Set(ctx, e.rememberClientKey(accountID, clientID), "1", ttl).Err(); err != nil {
		log.Print("authcore: remember client failed: ", err)
	}
}

func (e *Engine) forgetClient(ctx context.Context, accountID string) {
	clientID := clientIDFromContext(ctx)
	if clientID == "" {
		return
	}
	if err := e.redis.Del(ctx, e.rememberClientKey(accountID, clientID)).Err(); err != nil {
		log.Print("authcore: forget client failed: ", err)
	}
}
