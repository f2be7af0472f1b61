package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

// enableTwoFactor provisions a shared key and enables the factor with a
// valid code, returning the raw key.
func enableTwoFactor(t *testing.T, env *testEnv, accountID string) []byte {
	t.Helper()
	ctx := context.Background()

	if _, err := env.engine.Manage2FA(ctx, accountID, TwoFactorUpdate{ResetSharedKey: true}); err != nil {
		t.Fatalf("reset shared key: %v", err)
	}
	tf, err := env.store.GetTwoFactor(ctx, accountID)
	if err != nil {
		t.Fatalf("get two-factor: %v", err)
	}
	state, err := env.engine.Manage2FA(ctx, accountID, TwoFactorUpdate{
		Enable: boolPtr(true),
		Code:   env.totpCode(t, tf.Secret),
	})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !state.Enabled {
		t.Fatal("factor not enabled")
	}
	return tf.Secret
}

func TestManage2FAProvisioning(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	state, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{ResetSharedKey: true})
	if err != nil {
		t.Fatalf("reset shared key: %v", err)
	}
	if state.Enabled {
		t.Fatal("a fresh key must land disabled")
	}
	if state.SharedKey == "" {
		t.Fatal("missing shared key")
	}
	if !strings.HasPrefix(state.ProvisionURI, "otpauth://totp/") {
		t.Fatalf("provision uri = %q", state.ProvisionURI)
	}
	if !strings.Contains(state.ProvisionURI, "user%40example.com") &&
		!strings.Contains(state.ProvisionURI, "user@example.com") {
		t.Fatalf("provision uri does not name the account: %q", state.ProvisionURI)
	}

	// Enabling needs a code for the stored key.
	tf, err := env.store.GetTwoFactor(ctx, account.AccountID)
	if err != nil {
		t.Fatalf("get two-factor: %v", err)
	}
	if _, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{
		Enable: boolPtr(true),
		Code:   "000000",
	}); !errors.Is(err, ErrTwoFactorCode) {
		t.Fatalf("wrong code: err = %v, want ErrTwoFactorCode", err)
	}
	state, err = env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{
		Enable: boolPtr(true),
		Code:   env.totpCode(t, tf.Secret),
	})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !state.Enabled {
		t.Fatal("factor not enabled")
	}
	if !env.store.account(t, account.AccountID).TwoFactorEnabled {
		t.Fatal("store flag not set")
	}
}

func TestManage2FARejections(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	if _, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{
		ResetSharedKey: true,
		Enable:         boolPtr(true),
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("reset+enable: err = %v, want ErrValidation", err)
	}
	if _, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{
		Enable: boolPtr(true),
		Code:   "123456",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("enable without key: err = %v, want ErrValidation", err)
	}
	if _, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{
		ResetRecoveryCodes: true,
	}); !errors.Is(err, ErrTwoFactorNotEnabled) {
		t.Fatalf("codes while disabled: err = %v, want ErrTwoFactorNotEnabled", err)
	}
	if _, err := env.engine.Manage2FA(ctx, "", TwoFactorUpdate{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty id: err = %v, want ErrValidation", err)
	}
}

func TestLoginTwoFactorFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	secret := enableTwoFactor(t, env, account.AccountID)

	res, err := env.engine.Login(ctx, "user@example.com", "sw0rdfish-long")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !res.TwoFactorRequired {
		t.Fatal("expected the second-factor prompt")
	}
	if res.Tokens.AccessToken != "" || res.Tokens.RefreshToken != "" {
		t.Fatal("tokens issued before the second factor")
	}

	if _, err := env.engine.LoginTwoFactor(ctx, "user@example.com", "sw0rdfish-long", "000000", false); !errors.Is(err, ErrTwoFactorCode) {
		t.Fatalf("wrong code: err = %v, want ErrTwoFactorCode", err)
	}

	done, err := env.engine.LoginTwoFactor(ctx, "user@example.com", "sw0rdfish-long", env.totpCode(t, secret), false)
	if err != nil {
		t.Fatalf("two-factor login: %v", err)
	}
	if done.Tokens.AccessToken == "" || done.Tokens.RefreshToken == "" {
		t.Fatal("expected tokens after the second factor")
	}
}

func TestLoginTwoFactorWithoutEnabledFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	_, err := env.engine.LoginTwoFactor(context.Background(), "user@example.com", "sw0rdfish-long", "123456", false)
	if !errors.Is(err, ErrTwoFactorNotEnabled) {
		t.Fatalf("err = %v, want ErrTwoFactorNotEnabled", err)
	}
}

func TestLoginTwoFactorBadCodesLockOut(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	enableTwoFactor(t, env, account.AccountID)

	// Wrong codes accumulate like wrong passwords even though the
	// password half keeps succeeding.
	threshold := env.engine.config.Lockout.Threshold
	for i := 0; i < threshold-1; i++ {
		_, err := env.engine.LoginTwoFactor(ctx, "user@example.com", "sw0rdfish-long", "000000", false)
		if !errors.Is(err, ErrTwoFactorCode) {
			t.Fatalf("attempt %d: err = %v, want ErrTwoFactorCode", i+1, err)
		}
	}
	_, err := env.engine.LoginTwoFactor(ctx, "user@example.com", "sw0rdfish-long", "000000", false)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}
}

func TestRecoveryCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	enableTwoFactor(t, env, account.AccountID)

	state, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{ResetRecoveryCodes: true})
	if err != nil {
		t.Fatalf("reset codes: %v", err)
	}
	want := env.engine.config.TwoFactor.RecoveryCodeCount
	if len(state.RecoveryCodes) != want {
		t.Fatalf("codes = %d, want %d", len(state.RecoveryCodes), want)
	}

	code := state.RecoveryCodes[0]
	res, err := env.engine.LoginRecoveryCode(ctx, "user@example.com", "sw0rdfish-long", code)
	if err != nil {
		t.Fatalf("recovery login: %v", err)
	}
	if res.Tokens.AccessToken == "" {
		t.Fatal("expected tokens")
	}

	// Each code burns on use.
	if _, err := env.engine.LoginRecoveryCode(ctx, "user@example.com", "sw0rdfish-long", code); !errors.Is(err, ErrTwoFactorCode) {
		t.Fatalf("reuse err = %v, want ErrTwoFactorCode", err)
	}

	// Formatting is forgiving: lowercase with dashes stripped still works.
	relaxed := strings.ToLower(strings.ReplaceAll(state.RecoveryCodes[1], "-", ""))
	if _, err := env.engine.LoginRecoveryCode(ctx, "user@example.com", "sw0rdfish-long", relaxed); err != nil {
		t.Fatalf("canonicalized code: %v", err)
	}

	// A new set invalidates the remainder of the old one.
	fresh, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{ResetRecoveryCodes: true})
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if _, err := env.engine.LoginRecoveryCode(ctx, "user@example.com", "sw0rdfish-long", state.RecoveryCodes[2]); !errors.Is(err, ErrTwoFactorCode) {
		t.Fatalf("stale code err = %v, want ErrTwoFactorCode", err)
	}
	if _, err := env.engine.LoginRecoveryCode(ctx, "user@example.com", "sw0rdfish-long", fresh.RecoveryCodes[0]); err != nil {
		t.Fatalf("fresh code: %v", err)
	}
}

func TestRememberClientSkipsSecondFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	secret := enableTwoFactor(t, env, account.AccountID)
	ctx := WithClientID(context.Background(), "device-1")

	res, err := env.engine.Login(ctx, "user@example.com", "sw0rdfish-long")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !res.TwoFactorRequired {
		t.Fatal("expected the second-factor prompt")
	}

	if _, err := env.engine.LoginTwoFactor(ctx, "user@example.com", "sw0rdfish-long", env.totpCode(t, secret), true); err != nil {
		t.Fatalf("two-factor login: %v", err)
	}

	// Manage2FA reports the remembered state for the calling client.
	state, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{})
	if err != nil {
		t.Fatalf("manage: %v", err)
	}
	if !state.MachineRemembered {
		t.Fatal("remembered client not reported")
	}

	// The remembered client goes straight to tokens.
	res, err = env.engine.Login(ctx, "user@example.com", "sw0rdfish-long")
	if err != nil {
		t.Fatalf("remembered login: %v", err)
	}
	if res.TwoFactorRequired {
		t.Fatal("remembered client was prompted again")
	}
	if res.Tokens.AccessToken == "" {
		t.Fatal("expected tokens")
	}

	// A different client is still prompted and reads as not remembered.
	other := WithClientID(context.Background(), "device-2")
	res, err = env.engine.Login(other, "user@example.com", "sw0rdfish-long")
	if err != nil {
		t.Fatalf("other client login: %v", err)
	}
	if !res.TwoFactorRequired {
		t.Fatal("unknown client skipped the second factor")
	}
	state, err = env.engine.Manage2FA(other, account.AccountID, TwoFactorUpdate{})
	if err != nil {
		t.Fatalf("manage from other client: %v", err)
	}
	if state.MachineRemembered {
		t.Fatal("unknown client reported as remembered")
	}

	// ForgetClient withdraws the exemption before the state is read.
	state, err = env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{ForgetClient: true})
	if err != nil {
		t.Fatalf("forget client: %v", err)
	}
	if state.MachineRemembered {
		t.Fatal("forgotten client still reported as remembered")
	}
	res, err = env.engine.Login(ctx, "user@example.com", "sw0rdfish-long")
	if err != nil {
		t.Fatalf("login after forget: %v", err)
	}
	if !res.TwoFactorRequired {
		t.Fatal("forgotten client skipped the second factor")
	}
}

func TestDisableTwoFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	enableTwoFactor(t, env, account.AccountID)

	state, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{Enable: boolPtr(false)})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if state.Enabled {
		t.Fatal("still enabled")
	}

	res, err := env.engine.Login(ctx, "user@example.com", "sw0rdfish-long")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.TwoFactorRequired {
		t.Fatal("disabled factor still prompted")
	}
}

func TestResetSharedKeyDropsToDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	enableTwoFactor(t, env, account.AccountID)

	state, err := env.engine.Manage2FA(ctx, account.AccountID, TwoFactorUpdate{ResetSharedKey: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if state.Enabled {
		t.Fatal("a reset key must not stay enabled")
	}
	if env.store.account(t, account.AccountID).TwoFactorEnabled {
		t.Fatal("store flag survived the reset")
	}
}
