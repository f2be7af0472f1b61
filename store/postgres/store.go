package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veldtlabs/authcore"
)

const uniqueViolation = "23505"

// Store implements authcore.AccountStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool; the caller owns its lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `id, email, email_confirmed, password_hash, display_name, role, status, two_factor_enabled`

func scanAccount(row pgx.Row) (authcore.AccountRecord, error) {
	var a authcore.AccountRecord
	err := row.Scan(
		&a.AccountID, &a.Email, &a.EmailConfirmed, &a.PasswordHash,
		&a.DisplayName, &a.Role, &a.Status, &a.TwoFactorEnabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return authcore.AccountRecord{}, authcore.ErrAccountNotFound
	}
	if err != nil {
		return authcore.AccountRecord{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, params authcore.NewAccountParams) (authcore.AccountRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, email_confirmed, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+accountColumns,
		params.Email, params.EmailConfirmed, params.PasswordHash, params.DisplayName, params.Role)

	account, err := scanAccount(row)
	if isUniqueViolation(err, "accounts_email_key") {
		return authcore.AccountRecord{}, authcore.ErrDuplicateEmail
	}
	return account, err
}

func (s *Store) FindByID(ctx context.Context, accountID string) (authcore.AccountRecord, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

func (s *Store) FindByEmail(ctx context.Context, email string) (authcore.AccountRecord, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

func (s *Store) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error {
	return s.execOne(ctx,
		`UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1`,
		accountID, passwordHash)
}

func (s *Store) UpdateEmail(ctx context.Context, accountID, email string, confirmed bool) error {
	err := s.execOne(ctx,
		`UPDATE accounts SET email = $2, email_confirmed = $3, updated_at = now() WHERE id = $1`,
		accountID, email, confirmed)
	if isUniqueViolation(err, "accounts_email_key") {
		return authcore.ErrDuplicateEmail
	}
	return err
}

func (s *Store) MarkEmailConfirmed(ctx context.Context, accountID string) error {
	return s.execOne(ctx,
		`UPDATE accounts SET email_confirmed = TRUE, updated_at = now() WHERE id = $1`, accountID)
}

func (s *Store) SetStatus(ctx context.Context, accountID string, status authcore.AccountStatus) error {
	return s.execOne(ctx,
		`UPDATE accounts SET status = $2, updated_at = now() WHERE id = $1`, accountID, status)
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.execOne(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
}

func (s *Store) GetTwoFactor(ctx context.Context, accountID string) (authcore.TwoFactorRecord, error) {
	var rec authcore.TwoFactorRecord
	err := s.pool.QueryRow(ctx,
		`SELECT two_factor_secret, two_factor_enabled FROM accounts WHERE id = $1`,
		accountID).Scan(&rec.Secret, &rec.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return authcore.TwoFactorRecord{}, authcore.ErrAccountNotFound
	}
	if err != nil {
		return authcore.TwoFactorRecord{}, fmt.Errorf("get two-factor: %w", err)
	}
	return rec, nil
}

func (s *Store) SetTwoFactorSecret(ctx context.Context, accountID string, secret []byte) error {
	return s.execOne(ctx,
		`UPDATE accounts SET two_factor_secret = $2, updated_at = now() WHERE id = $1`,
		accountID, secret)
}

func (s *Store) SetTwoFactorEnabled(ctx context.Context, accountID string, enabled bool) error {
	return s.execOne(ctx,
		`UPDATE accounts SET two_factor_enabled = $2, updated_at = now() WHERE id = $1`,
		accountID, enabled)
}

func (s *Store) ReplaceRecoveryCodes(ctx context.Context, accountID string, hashes [][32]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM recovery_codes WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("clear recovery codes: %w", err)
	}
	for _, h := range hashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO recovery_codes (account_id, code_hash) VALUES ($1, $2)`,
			accountID, h[:]); err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ConsumeRecoveryCode(ctx context.Context, accountID string, hash [32]byte) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM recovery_codes WHERE account_id = $1 AND code_hash = $2`,
		accountID, hash[:])
	if err != nil {
		return false, fmt.Errorf("consume recovery code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FindByExternalIdentity(ctx context.Context, provider, providerKey string) (authcore.AccountRecord, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT `+qualifiedAccountColumns+`
		FROM accounts a
		JOIN external_identities e ON e.account_id = a.id
		WHERE e.provider = $1 AND e.provider_key = $2`,
		provider, providerKey))
}

func (s *Store) LinkExternalIdentity(ctx context.Context, accountID string, identity authcore.ExternalIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO external_identities (provider, provider_key, account_id, display_name)
		VALUES ($1, $2, $3, $4)`,
		identity.Provider, identity.ProviderKey, accountID, identity.DisplayName)
	if isUniqueViolation(err, "external_identities_pkey") {
		return authcore.ErrIdentityTaken
	}
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

func (s *Store) ListExternalIdentities(ctx context.Context, accountID string) ([]authcore.ExternalIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, provider_key, display_name
		FROM external_identities
		WHERE account_id = $1
		ORDER BY provider, provider_key`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []authcore.ExternalIdentity
	for rows.Next() {
		var id authcore.ExternalIdentity
		if err := rows.Scan(&id.Provider, &id.ProviderKey, &id.DisplayName); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const qualifiedAccountColumns = `a.id, a.email, a.email_confirmed, a.password_hash, a.display_name, a.role, a.status, a.two_factor_enabled`

func (s *Store) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrAccountNotFound
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
