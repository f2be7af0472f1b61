// Package rate implements the fixed-window Redis counter shared by the
// transactional-action quotas (confirmation resend, reset requests) and
// the per-identifier login throttle.
package rate
