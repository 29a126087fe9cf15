package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/imobia/cobranca-engine/internal/domain"
)

const contractColumns = `id, tenant_id, tenant_name, tenant_doc, property_id,
	rent_value, due_day, lead_days, auto_send, email_to,
	start_date, COALESCE(end_date, '0001-01-01'::date), active`

func scanContract(row pgx.Row) (*domain.Contract, error) {
	var c domain.Contract
	err := row.Scan(
		&c.ID, &c.TenantID, &c.TenantName, &c.TenantDoc, &c.PropertyID,
		&c.RentValue, &c.DueDay, &c.LeadDays, &c.AutoSend, &c.EmailTo,
		&c.StartDate, &c.EndDate, &c.Active,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContract loads one contract and its billing items.
func (s *Store) GetContract(ctx context.Context, id string) (*domain.Contract, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "contract", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading contract: %w", err)
	}
	if err := s.loadBillingItems(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListAutoSendContracts returns the active contracts enrolled in the
// automatic billing routine, billing items included.
func (s *Store) ListAutoSendContracts(ctx context.Context) ([]domain.Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE active AND auto_send ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing auto-send contracts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contract: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.loadBillingItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadBillingItems(ctx context.Context, c *domain.Contract) error {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, description, fixed_amount, percent, active
		FROM contract_billing_items
		WHERE contract_id = $1
		ORDER BY id`, c.ID)
	if err != nil {
		return fmt.Errorf("listing billing items: %w", err)
	}
	defer rows.Close()

	c.BillingItems = nil
	for rows.Next() {
		var it domain.BillingItem
		if err := rows.Scan(&it.Kind, &it.Description, &it.FixedAmount, &it.Percent, &it.Active); err != nil {
			return fmt.Errorf("scanning billing item: %w", err)
		}
		c.BillingItems = append(c.BillingItems, it)
	}
	return rows.Err()
}
