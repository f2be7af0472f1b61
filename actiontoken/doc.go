// Package actiontoken mints the single-use tokens mailed out for email
// confirmation, password reset, and email change. Tokens are HMAC-signed
// and self-describing, so verification needs no persisted state; only the
// single-use guard touches Redis.
package actiontoken
