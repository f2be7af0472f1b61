package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	pair := loginPair(t, env)

	if err := env.engine.ChangePassword(ctx, account.AccountID, "sw0rdfish-long", "tr0ut-even-longer"); err != nil {
		t.Fatalf("change: %v", err)
	}

	if _, err := env.engine.Login(ctx, "user@example.com", "sw0rdfish-long"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := env.engine.Login(ctx, "user@example.com", "tr0ut-even-longer"); err != nil {
		t.Fatalf("new password: %v", err)
	}

	// Other sessions are forced out.
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("refresh after change: err = %v, want ErrRefreshInvalid", err)
	}
}

func TestChangePasswordRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	if err := env.engine.ChangePassword(ctx, account.AccountID, "wrong-guess", "tr0ut-even-longer"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current: err = %v, want ErrInvalidCredentials", err)
	}
	if err := env.engine.ChangePassword(ctx, account.AccountID, "sw0rdfish-long", "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("weak new: err = %v, want ErrPasswordPolicy", err)
	}
	if err := env.engine.ChangePassword(ctx, "", "sw0rdfish-long", "tr0ut-even-longer"); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty id: err = %v, want ErrValidation", err)
	}
	if err := env.engine.ChangePassword(ctx, "acct-404", "sw0rdfish-long", "tr0ut-even-longer"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("missing account: err = %v, want ErrAccountNotFound", err)
	}
}

func TestForgotPasswordUniformAnswer(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	if err := env.engine.ForgotPassword(ctx, "user@example.com"); err != nil {
		t.Fatalf("known address: %v", err)
	}
	if env.mailer.count() != 1 {
		t.Fatalf("mails = %d, want 1", env.mailer.count())
	}

	// An unknown address gets the same answer and no mail.
	if err := env.engine.ForgotPassword(ctx, "unknown@example.com"); err != nil {
		t.Fatalf("unknown address: %v", err)
	}
	if env.mailer.count() != 1 {
		t.Fatal("unknown address produced a mail")
	}
}

func TestForgotPasswordQuotaStaysSilent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	limit := env.engine.config.RateLimit.ResetRequestLimit
	for i := 0; i < limit; i++ {
		if err := env.engine.ForgotPassword(ctx, "user@example.com"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	// Quota exhaustion still answers success; a limit error would confirm
	// the account exists.
	if err := env.engine.ForgotPassword(ctx, "user@example.com"); err != nil {
		t.Fatalf("over quota: %v", err)
	}
	if env.mailer.count() != limit {
		t.Fatalf("mails = %d, want %d", env.mailer.count(), limit)
	}
}

func TestResetPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedAccount(t, "user@example.com", "sw0rdfish-long")
	pair := loginPair(t, env)

	if err := env.engine.ForgotPassword(ctx, "user@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	token := env.mailer.lastToken(t, MailTemplateResetPassword)

	if err := env.engine.ResetPassword(ctx, token, "tr0ut-even-longer"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.engine.Login(ctx, "user@example.com", "tr0ut-even-longer"); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("refresh after reset: err = %v, want ErrRefreshInvalid", err)
	}

	// The token is spent.
	if err := env.engine.ResetPassword(ctx, token, "yet-an0ther-one"); !errors.Is(err, ErrActionTokenInvalid) {
		t.Fatalf("reuse err = %v, want ErrActionTokenInvalid", err)
	}
}

func TestResetPasswordClearsLockout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	// Someone guesses the account into lockout.
	for i := 0; i < env.engine.config.Lockout.Threshold; i++ {
		_, _ = env.engine.Login(ctx, "user@example.com", "wrong-guess")
	}
	if _, err := env.engine.Login(ctx, "user@example.com", "sw0rdfish-long"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lockout, got %v", err)
	}

	// Proving mailbox control through the reset releases it.
	if err := env.engine.ForgotPassword(ctx, "user@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	token := env.mailer.lastToken(t, MailTemplateResetPassword)
	if err := env.engine.ResetPassword(ctx, token, "tr0ut-even-longer"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.engine.Login(ctx, "user@example.com", "tr0ut-even-longer"); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestResetPasswordExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	if err := env.engine.ForgotPassword(ctx, "user@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	token := env.mailer.lastToken(t, MailTemplateResetPassword)

	env.clock.Advance(env.engine.config.ActionToken.ResetTTL + time.Minute)
	if err := env.engine.ResetPassword(ctx, token, "tr0ut-even-longer"); !errors.Is(err, ErrActionTokenInvalid) {
		t.Fatalf("expired err = %v, want ErrActionTokenInvalid", err)
	}
}

func TestResetPasswordPolicyStillApplies(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seedAccount(t, "user@example.com", "sw0rdfish-long")

	if err := env.engine.ForgotPassword(ctx, "user@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	token := env.mailer.lastToken(t, MailTemplateResetPassword)

	if err := env.engine.ResetPassword(ctx, token, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("err = %v, want ErrPasswordPolicy", err)
	}
	// The policy rejection happened before the token was consumed.
	if err := env.engine.ResetPassword(ctx, token, "tr0ut-even-longer"); err != nil {
		t.Fatalf("reset with valid password: %v", err)
	}
}
