// Package refresh stores opaque refresh tokens in Redis and implements
// single-use rotation. Rotation is an optimistic WATCH/MULTI transaction:
// of any number of concurrent presentations of the same token, exactly one
// obtains the successor. Revoked records are kept until the chain expires
// so a replayed token is recognized as reuse rather than noise.
package refresh
