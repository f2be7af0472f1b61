// Package jwt issues and parses the short-lived signed access tokens.
// Tokens are stateless: verification never touches a backend, so a parsed
// token only proves what was true at issue time.
package jwt
