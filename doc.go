// Package authcore is an embeddable account-authentication core: password
// login with lockout, JWT access tokens, rotating refresh tokens with
// reuse detection, TOTP two-factor with recovery codes, email
// confirmation and password reset over mailed single-use tokens, and
// external identity linking.
//
// The host application supplies persistence (AccountStore), mail
// (MailSender), and a Redis client; the Engine owns the flows:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithAccountStore(store).
//		WithMailSender(mailer).
//		Build()
//
// All Engine methods are safe for concurrent use. Domain failures are
// sentinel errors matched with errors.Is; infrastructure failures wrap
// ErrCacheUnavailable or ErrStoreUnavailable.
package authcore
