package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/port"
)

const cycleColumns = `id, contract_id, competency, period_start, period_end, due_date,
	rent, property_tax, condo_fee, admin_fee, other, total, COALESCE(items, '[]'::jsonb),
	COALESCE(slip_id, ''), status, COALESCE(send_type, ''), auto_routine_blocked,
	COALESCE(sent_at, '0001-01-01'::timestamptz), email_to, created_at, updated_at`

func scanCycle(row pgx.Row) (*domain.BillingCycle, error) {
	var c domain.BillingCycle
	var items []byte
	err := row.Scan(
		&c.ID, &c.ContractID, &c.Competency, &c.PeriodStart, &c.PeriodEnd, &c.DueDate,
		&c.Amounts.Rent, &c.Amounts.PropertyTax, &c.Amounts.CondoFee, &c.Amounts.AdminFee,
		&c.Amounts.Other, &c.Total, &items,
		&c.SlipID, &c.Status, &c.SendType, &c.AutoRoutineBlocked,
		&c.SentAt, &c.EmailTo, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, fmt.Errorf("decoding cycle items: %w", err)
	}
	return &c, nil
}

// CreateCycle inserts a new cycle. The partial unique index on
// (contract, competency) surfaces a duplicate as ErrDuplicateCycle.
func (s *Store) CreateCycle(ctx context.Context, c *domain.BillingCycle) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return fmt.Errorf("encoding cycle items: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO billing_cycles (
			id, contract_id, competency, period_start, period_end, due_date,
			rent, property_tax, condo_fee, admin_fee, other, total, items,
			slip_id, status, send_type, auto_routine_blocked, email_to
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
			NULLIF($14,''),$15,NULLIF($16,''),$17,$18)`,
		c.ID, c.ContractID, c.Competency, c.PeriodStart, c.PeriodEnd, c.DueDate,
		c.Amounts.Rent, c.Amounts.PropertyTax, c.Amounts.CondoFee, c.Amounts.AdminFee,
		c.Amounts.Other, c.Total, items,
		c.SlipID, c.Status, c.SendType, c.AutoRoutineBlocked, c.EmailTo,
	)
	if isUniqueViolation(err) {
		return &domain.ErrDuplicateCycle{ContractID: c.ContractID, Competency: c.Competency}
	}
	if err != nil {
		return fmt.Errorf("inserting billing cycle: %w", err)
	}
	return nil
}

// GetCycle loads one cycle by id.
func (s *Store) GetCycle(ctx context.Context, id string) (*domain.BillingCycle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM billing_cycles WHERE id = $1`, id)
	c, err := scanCycle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "billing cycle", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading billing cycle: %w", err)
	}
	return c, nil
}

// FindCycle returns the non-canceled cycle for (contract, competency).
func (s *Store) FindCycle(ctx context.Context, contractID, competency string) (*domain.BillingCycle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+cycleColumns+` FROM billing_cycles
		WHERE contract_id = $1 AND competency = $2 AND status <> $3`,
		contractID, competency, domain.CycleStatusCanceled,
	)
	c, err := scanCycle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "billing cycle", ID: contractID + "/" + competency}
	}
	if err != nil {
		return nil, fmt.Errorf("finding billing cycle: %w", err)
	}
	return c, nil
}

// UpdateCycle persists the cycle's mutable fields.
func (s *Store) UpdateCycle(ctx context.Context, c *domain.BillingCycle) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return fmt.Errorf("encoding cycle items: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_cycles SET
			due_date = $1, rent = $2, property_tax = $3, condo_fee = $4,
			admin_fee = $5, other = $6, total = $7, items = $8,
			slip_id = NULLIF($9, ''), status = $10, send_type = NULLIF($11, ''),
			auto_routine_blocked = $12,
			sent_at = NULLIF($13, '0001-01-01'::timestamptz),
			email_to = $14, updated_at = now()
		WHERE id = $15`,
		c.DueDate, c.Amounts.Rent, c.Amounts.PropertyTax, c.Amounts.CondoFee,
		c.Amounts.AdminFee, c.Amounts.Other, c.Total, items,
		c.SlipID, c.Status, c.SendType,
		c.AutoRoutineBlocked, c.SentAt, c.EmailTo, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating billing cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "billing cycle", ID: c.ID}
	}
	return nil
}

// ListCycles returns cycles matching the filter, newest first.
func (s *Store) ListCycles(ctx context.Context, f port.CycleFilter) ([]domain.BillingCycle, error) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ContractID != "" {
		add("contract_id = $%d", f.ContractID)
	}
	if f.Competency != "" {
		add("competency = $%d", f.Competency)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	query := `SELECT ` + cycleColumns + ` FROM billing_cycles`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY due_date DESC"
	query += paginate(&args, f.Page, f.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing billing cycles: %w", err)
	}
	defer rows.Close()

	var out []domain.BillingCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning billing cycle: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
