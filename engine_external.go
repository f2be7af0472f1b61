package authcore

import (
	"context"
	"encoding/base64"
	"errors"
	"log"

	"github.com/veldtlabs/authcore/internal/secrets"
)

// ExternalLogin signs in with an identity asserted by an external
// provider. The assertion must already be verified by the host; the
// engine only resolves it to a local account, provisioning or linking one
// when needed, and issues tokens. Two-factor settings do not apply here;
// the provider is trusted as the second factor.
func (e *Engine) ExternalLogin(ctx context.Context, claims ExternalClaims) (*ExternalLoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if claims.Provider == "" || claims.ProviderKey == "" {
		return nil, validationError("provider and providerKey are required")
	}

	account, created, err := e.resolveExternal(ctx, claims)
	if err != nil {
		return nil, err
	}
	if account.Status == AccountDisabled {
		return nil, ErrAccountDisabled
	}

	pair, err := e.issueTokenPair(ctx, account)
	if err != nil {
		return nil, err
	}

	e.metrics.inc(MetricExternalLoginSuccess)
	e.emitAudit(ctx, auditEventExternalLogin, true, account.AccountID, nil, map[string]string{"provider": claims.Provider})
	return &ExternalLoginResult{
		AccountID: account.AccountID,
		Created:   created,
		Tokens:    pair,
	}, nil
}

// resolveExternal maps the external identity to an account: by binding
// first, then by verified email, then by creating a fresh account. Losing
// a bind race to a concurrent login re-resolves instead of failing.
func (e *Engine) resolveExternal(ctx context.Context, claims ExternalClaims) (AccountRecord, bool, error) {
	const maxAttempts = 2

	for attempt := 0; attempt < maxAttempts; attempt++ {
		account, err := e.store.FindByExternalIdentity(ctx, claims.Provider, claims.ProviderKey)
		if err == nil {
			return account, false, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return AccountRecord{}, false, storeFailure(err)
		}

		identity := ExternalIdentity{
			Provider:    claims.Provider,
			ProviderKey: claims.ProviderKey,
			DisplayName: claims.DisplayName,
		}

		// Only a provider-verified address may capture an existing
		// account; anything weaker would let an attacker claim one by
		// registering the same email upstream.
		if claims.Email != "" && claims.EmailVerified {
			existing, err := e.store.FindByEmail(ctx, normalizeEmail(claims.Email))
			if err == nil {
				if linkErr := e.store.LinkExternalIdentity(ctx, existing.AccountID, identity); linkErr != nil {
					if errors.Is(linkErr, ErrIdentityTaken) {
						// Bound elsewhere in the meantime; re-resolve.
						e.metrics.inc(MetricExternalLinkConflict)
						continue
					}
					return AccountRecord{}, false, storeFailure(linkErr)
				}
				e.emitAudit(ctx, auditEventExternalLinked, true, existing.AccountID, nil, map[string]string{"provider": claims.Provider})
				return existing, false, nil
			}
			if !errors.Is(err, ErrAccountNotFound) {
				return AccountRecord{}, false, storeFailure(err)
			}
		}

		account, err = e.createExternalAccount(ctx, claims)
		if err != nil {
			return AccountRecord{}, false, err
		}

		if linkErr := e.store.LinkExternalIdentity(ctx, account.AccountID, identity); linkErr != nil {
			// The account was created solely for this bind; take it back
			// out before reporting anything.
			if delErr := e.store.DeleteAccount(ctx, account.AccountID); delErr != nil {
				log.Print("authcore: compensating delete failed: ", delErr)
			}
			if errors.Is(linkErr, ErrIdentityTaken) {
				e.metrics.inc(MetricExternalLinkConflict)
				continue
			}
			return AccountRecord{}, false, storeFailure(linkErr)
		}

		e.metrics.inc(MetricExternalAccountCreated)
		e.emitAudit(ctx, auditEventExternalAccountCreated, true, account.AccountID, nil, map[string]string{"provider": claims.Provider})
		return account, true, nil
	}

	return AccountRecord{}, false, ErrIdentityTaken
}

func (e *Engine) createExternalAccount(ctx context.Context, claims ExternalClaims) (AccountRecord, error) {
	email := normalizeEmail(claims.Email)
	if email == "" {
		return AccountRecord{}, validationError("external claims carry no usable email")
	}

	// External accounts get an unguessable placeholder credential so a
	// password login cannot succeed until a reset sets a real one.
	placeholder, err := secrets.NewSecret()
	if err != nil {
		return AccountRecord{}, err
	}
	hash, err := e.hasher.Hash(base64.RawURLEncoding.EncodeToString(placeholder[:]))
	if err != nil {
		return AccountRecord{}, err
	}

	account, err := e.store.CreateAccount(ctx, NewAccountParams{
		Email:          email,
		EmailConfirmed: claims.EmailVerified,
		PasswordHash:   hash,
		DisplayName:    claims.DisplayName,
		Role:           e.config.Account.DefaultRole,
	})
	if err != nil {
		return AccountRecord{}, storeFailure(err)
	}
	return account, nil
}

// LinkExternalAccount binds an external identity to an existing,
// authenticated account.
func (e *Engine) LinkExternalAccount(ctx context.Context, accountID string, identity ExternalIdentity) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if accountID == "" {
		return validationError("accountID is required")
	}
	if identity.Provider == "" || identity.ProviderKey == "" {
		return validationError("provider and providerKey are required")
	}

	if _, err := e.store.FindByID(ctx, accountID); err != nil {
		return storeFailure(err)
	}

	if err := e.store.LinkExternalIdentity(ctx, accountID, identity); err != nil {
		if errors.Is(err, ErrIdentityTaken) {
			e.metrics.inc(MetricExternalLinkConflict)
			e.emitAudit(ctx, auditEventExternalLinkConflict, false, accountID, ErrIdentityTaken, map[string]string{"provider": identity.Provider})
			return ErrIdentityTaken
		}
		return storeFailure(err)
	}

	e.emitAudit(ctx, auditEventExternalLinked, true, accountID, nil, map[string]string{"provider": identity.Provider})
	return nil
}

// ExternalIdentities lists the identities bound to an account.
func (e *Engine) ExternalIdentities(ctx context.Context, accountID string) ([]ExternalIdentity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if accountID == "" {
		return nil, validationError("accountID is required")
	}
	identities, err := e.store.ListExternalIdentities(ctx, accountID)
	if err != nil {
		return nil, storeFailure(err)
	}
	return identities, nil
}
