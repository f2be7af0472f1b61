package authcore

import (
	"context"
	"time"
)

// AccountStatus is the administrative state of an account. Lockout is not
// a status; it is tracked by the lockout policy and expires on its own.
type AccountStatus uint8

const (
	// AccountUnknown is the zero value and never stored.
	AccountUnknown AccountStatus = iota
	// AccountActive can authenticate.
	AccountActive
	// AccountDisabled is administratively blocked from authenticating.
	AccountDisabled
)

// AccountRecord is the engine's view of a stored account. The store owns
// persistence; the engine never caches these.
type AccountRecord struct {
	AccountID        string
	Email            string
	EmailConfirmed   bool
	PasswordHash     string
	DisplayName      string
	Role             string
	Status           AccountStatus
	TwoFactorEnabled bool
}

// NewAccountParams is the input to AccountStore.CreateAccount.
type NewAccountParams struct {
	Email          string
	EmailConfirmed bool
	PasswordHash   string
	DisplayName    string
	Role           string
}

// TwoFactorRecord is the stored TOTP state of an account.
type TwoFactorRecord struct {
	// Secret is the raw shared key, empty when none was provisioned.
	Secret []byte
	// Enabled is only ever set after the holder proved possession of the
	// shared key with a valid code.
	Enabled bool
}

// ExternalIdentity is one (provider, subject) pair bound to an account.
type ExternalIdentity struct {
	Provider    string
	ProviderKey string
	DisplayName string
}

// AccountStore is the persistence contract the host application supplies.
// Implementations must enforce uniqueness of email and of
// (provider, providerKey) pairs, reporting conflicts with
// ErrDuplicateEmail and ErrIdentityTaken respectively, and report missing
// accounts with ErrAccountNotFound. Any other failure should be wrapped in
// ErrStoreUnavailable. A reference Postgres implementation lives in
// store/postgres.
type AccountStore interface {
	CreateAccount(ctx context.Context, params NewAccountParams) (AccountRecord, error)
	FindByID(ctx context.Context, accountID string) (AccountRecord, error)
	FindByEmail(ctx context.Context, email string) (AccountRecord, error)
	UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error
	UpdateEmail(ctx context.Context, accountID, email string, confirmed bool) error
	MarkEmailConfirmed(ctx context.Context, accountID string) error
	SetStatus(ctx context.Context, accountID string, status AccountStatus) error
	DeleteAccount(ctx context.Context, accountID string) error

	GetTwoFactor(ctx context.Context, accountID string) (TwoFactorRecord, error)
	SetTwoFactorSecret(ctx context.Context, accountID string, secret []byte) error
	SetTwoFactorEnabled(ctx context.Context, accountID string, enabled bool) error
	// ReplaceRecoveryCodes swaps the full set; an empty slice clears it.
	ReplaceRecoveryCodes(ctx context.Context, accountID string, hashes [][32]byte) error
	// ConsumeRecoveryCode atomically deletes the matching hash. It
	// returns false when no unused code matches.
	ConsumeRecoveryCode(ctx context.Context, accountID string, hash [32]byte) (bool, error)

	FindByExternalIdentity(ctx context.Context, provider, providerKey string) (AccountRecord, error)
	LinkExternalIdentity(ctx context.Context, accountID string, identity ExternalIdentity) error
	ListExternalIdentities(ctx context.Context, accountID string) ([]ExternalIdentity, error)
}

// CredentialHasher abstracts the password hash. The default is
// password.Argon2; the interface exists so hosts migrating off another
// scheme can verify legacy hashes and upgrade through NeedsRehash.
type CredentialHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsRehash(encodedHash string) (bool, error)
}

// Mail template names passed to MailSender.Send.
const (
	MailTemplateConfirmEmail  = "confirm-email"
	MailTemplateResetPassword = "reset-password"
	MailTemplateEmailChange   = "email-change"
)

// MailMessage is one outbound transactional mail.
type MailMessage struct {
	To       string
	Template string
	Data     map[string]string
}

// MailSender delivers transactional mail. Delivery is best-effort: the
// engine never rolls back a committed state change because Send failed.
type MailSender interface {
	Send(ctx context.Context, msg MailMessage) error
}

// RegisterResult reports a completed registration.
type RegisterResult struct {
	AccountID        string
	Role             string
	ConfirmationSent bool
}

// TokenPair is one issued access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult reports a login attempt that passed the credential check.
// When TwoFactorRequired is set the pair is empty and the caller must
// follow up with LoginTwoFactor or LoginRecoveryCode.
type LoginResult struct {
	AccountID         string
	TwoFactorRequired bool
	Tokens            TokenPair
}

// TwoFactorUpdate describes one Manage2FA request. Enable being nil means
// "leave the enabled flag alone".
type TwoFactorUpdate struct {
	Enable             *bool
	Code               string
	ResetSharedKey     bool
	ResetRecoveryCodes bool
	ForgetClient       bool
}

// TwoFactorState reports the outcome of Manage2FA. SharedKey and
// ProvisionURI are set only when a new key was provisioned, RecoveryCodes
// only when a new set was generated; both are shown once and never again.
// MachineRemembered reports whether the client attached via WithClientID
// currently skips the code prompt.
type TwoFactorState struct {
	Enabled           bool
	SharedKey         string
	ProvisionURI      string
	RecoveryCodes     []string
	MachineRemembered bool
}

// ExternalClaims is the identity asserted by an already-verified external
// provider assertion. The engine trusts it as given; validating the
// upstream assertion is the host's job.
type ExternalClaims struct {
	Provider      string
	ProviderKey   string
	Email         string
	EmailVerified bool
	DisplayName   string
}

// ExternalLoginResult reports an external login. Created is true when a
// local account was provisioned for the identity during this call.
type ExternalLoginResult struct {
	AccountID string
	Created   bool
	Tokens    TokenPair
}

// VerifiedAccess is the payload of a successfully verified access token.
type VerifiedAccess struct {
	AccountID string
	Status    AccountStatus
	Role      string
	TokenID   string
	ExpiresAt time.Time
}
