package authcore

import "context"

type clientIPContextKey struct{}
type clientIDContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. It shows up in
// audit events and in the per-IP login throttle key.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithClientID attaches a stable per-device identifier to ctx. The
// two-factor subsystem uses it for the remembered-client check; without it
// every login on a 2FA account requires a code.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDContextKey{}, clientID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(clientIDContextKey{}).(string)
	return id
}
