package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/imobia/cobranca-engine/internal/domain"
)

const credentialColumns = `id, bank, bank_account_id, environment,
	client_id, client_secret, cert_path, cert_password,
	COALESCE(cert_expires_at, '0001-01-01'::timestamptz),
	convenio, wallet, workspace_id, auth_url, api_url,
	access_token, COALESCE(token_expires_at, '0001-01-01'::timestamptz),
	active, created_at, updated_at`

func scanCredential(row pgx.Row) (*domain.BankCredential, error) {
	var c domain.BankCredential
	err := row.Scan(
		&c.ID, &c.Bank, &c.BankAccountID, &c.Environment,
		&c.ClientID, &c.ClientSecret, &c.CertPath, &c.CertPassword,
		&c.CertExpires,
		&c.Convenio, &c.Wallet, &c.WorkspaceID, &c.AuthURL, &c.APIURL,
		&c.AccessToken, &c.TokenExpires,
		&c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCredential loads one credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (*domain.BankCredential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM bank_account_credentials WHERE id = $1`, id)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "bank credential", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading bank credential: %w", err)
	}
	return c, nil
}

// ActiveCredential returns the active credential used by the automatic
// routines. The partial unique index guarantees at most one per
// (bank, account, environment); deployments run with a single active row.
func (s *Store) ActiveCredential(ctx context.Context) (*domain.BankCredential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM bank_account_credentials WHERE active ORDER BY created_at LIMIT 1`)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "bank credential", ID: "active"}
	}
	if err != nil {
		return nil, fmt.Errorf("loading active credential: %w", err)
	}
	return c, nil
}

// UpdateCredentialToken persists a refreshed OAuth token. Token refresh is
// the only credential mutation this engine performs.
func (s *Store) UpdateCredentialToken(ctx context.Context, id, token string, expires time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bank_account_credentials
		SET access_token = $1, token_expires_at = $2, updated_at = now()
		WHERE id = $3`,
		token, expires, id,
	)
	if err != nil {
		return fmt.Errorf("persisting credential token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "bank credential", ID: id}
	}
	return nil
}
