package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/port"
)

const entryColumns = `id, direction, contract_id, tenant_id, competency, description, due_date,
	principal, condo_amount, tax_amount, utility_amount,
	penalty, interest, discount, bonus,
	withhold_inss_pct, withhold_iss_pct, withheld_inss, withheld_iss,
	total, paid, balance, status, status_reason, COALESCE(slip_id, ''),
	created_at, updated_at`

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(
		&e.ID, &e.Direction, &e.ContractID, &e.TenantID, &e.Competency, &e.Description, &e.DueDate,
		&e.Principal, &e.CondoAmount, &e.TaxAmount, &e.UtilityAmount,
		&e.Penalty, &e.Interest, &e.Discount, &e.Bonus,
		&e.WithholdINSSPct, &e.WithholdISSPct, &e.WithheldINSS, &e.WithheldISS,
		&e.Total, &e.Paid, &e.Balance, &e.Status, &e.StatusReason, &e.SlipID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const updateEntrySQL = `
	UPDATE ledger_entries SET
		description = $1, due_date = $2,
		principal = $3, condo_amount = $4, tax_amount = $5, utility_amount = $6,
		penalty = $7, interest = $8, discount = $9, bonus = $10,
		withhold_inss_pct = $11, withhold_iss_pct = $12,
		withheld_inss = $13, withheld_iss = $14,
		total = $15, paid = $16, balance = $17,
		status = $18, status_reason = $19, slip_id = NULLIF($20, ''),
		updated_at = now()
	WHERE id = $21`

func entryArgs(e *domain.LedgerEntry) []any {
	return []any{
		e.Description, e.DueDate,
		e.Principal, e.CondoAmount, e.TaxAmount, e.UtilityAmount,
		e.Penalty, e.Interest, e.Discount, e.Bonus,
		e.WithholdINSSPct, e.WithholdISSPct,
		e.WithheldINSS, e.WithheldISS,
		e.Total, e.Paid, e.Balance,
		e.Status, e.StatusReason, e.SlipID,
		e.ID,
	}
}

// CreateEntry inserts a new ledger entry.
func (s *Store) CreateEntry(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, direction, contract_id, tenant_id, competency, description, due_date,
			principal, condo_amount, tax_amount, utility_amount,
			penalty, interest, discount, bonus,
			withhold_inss_pct, withhold_iss_pct, withheld_inss, withheld_iss,
			total, paid, balance, status, status_reason, slip_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,
			$16,$17,$18,$19,$20,$21,$22,$23,$24,NULLIF($25,''))`,
		e.ID, e.Direction, e.ContractID, e.TenantID, e.Competency, e.Description, e.DueDate,
		e.Principal, e.CondoAmount, e.TaxAmount, e.UtilityAmount,
		e.Penalty, e.Interest, e.Discount, e.Bonus,
		e.WithholdINSSPct, e.WithholdISSPct, e.WithheldINSS, e.WithheldISS,
		e.Total, e.Paid, e.Balance, e.Status, e.StatusReason, e.SlipID,
	)
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

// GetEntry loads one ledger entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "ledger entry", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading ledger entry: %w", err)
	}
	return e, nil
}

// UpdateEntry persists the entry's mutable fields.
func (s *Store) UpdateEntry(ctx context.Context, e *domain.LedgerEntry) error {
	tag, err := s.pool.Exec(ctx, updateEntrySQL, entryArgs(e)...)
	if err != nil {
		return fmt.Errorf("updating ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "ledger entry", ID: e.ID}
	}
	return nil
}

// ListEntries returns entries matching the filter, ordered by due date.
func (s *Store) ListEntries(ctx context.Context, f port.EntryFilter) ([]domain.LedgerEntry, error) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Competency != "" {
		add("competency = $%d", f.Competency)
	}
	if f.ContractID != "" {
		add("contract_id = $%d", f.ContractID)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if !f.DueBefore.IsZero() {
		add("due_date < $%d", f.DueBefore)
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY due_date"
	query += paginate(&args, f.Page, f.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CreateSettlementTx appends the settlement and persists the entry's
// recomputed totals in one transaction, so paid/balance never drift from the
// settlement rows.
func (s *Store) CreateSettlementTx(ctx context.Context, st *domain.Settlement, e *domain.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning settlement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO settlements (
			id, entry_id, paid_at, amount_paid, penalty_paid, interest_paid,
			discount_given, method, bank_reference, document_number, kind, notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		st.ID, st.EntryID, st.PaidAt, st.AmountPaid, st.PenaltyPaid, st.InterestPaid,
		st.DiscountGiven, st.Method, st.BankReference, st.DocumentNumber, st.Kind, st.Notes,
	)
	if err != nil {
		return fmt.Errorf("inserting settlement: %w", err)
	}

	if _, err := tx.Exec(ctx, updateEntrySQL, entryArgs(e)...); err != nil {
		return fmt.Errorf("updating settled entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing settlement transaction: %w", err)
	}
	return nil
}

// GetSettlement loads one settlement by id.
func (s *Store) GetSettlement(ctx context.Context, id string) (*domain.Settlement, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, entry_id, paid_at, amount_paid, penalty_paid, interest_paid,
		       discount_given, method, bank_reference, document_number, kind, notes,
		       reversed, reversal_reason,
		       COALESCE(reversed_at, '0001-01-01'::timestamptz), created_at
		FROM settlements WHERE id = $1`, id)
	st, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "settlement", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading settlement: %w", err)
	}
	return st, nil
}

// UpdateSettlementTx persists the reversal fields together with the entry's
// recomputed totals. Settlement rows are never deleted.
func (s *Store) UpdateSettlementTx(ctx context.Context, st *domain.Settlement, e *domain.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reversal transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE settlements SET
			reversed = $1, reversal_reason = $2,
			reversed_at = NULLIF($3, '0001-01-01'::timestamptz)
		WHERE id = $4`,
		st.Reversed, st.ReversalReason, st.ReversedAt, st.ID,
	)
	if err != nil {
		return fmt.Errorf("updating settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "settlement", ID: st.ID}
	}

	if _, err := tx.Exec(ctx, updateEntrySQL, entryArgs(e)...); err != nil {
		return fmt.Errorf("updating reversed entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing reversal transaction: %w", err)
	}
	return nil
}

// ListSettlements returns all settlements of an entry, oldest first,
// reversed rows included.
func (s *Store) ListSettlements(ctx context.Context, entryID string) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entry_id, paid_at, amount_paid, penalty_paid, interest_paid,
		       discount_given, method, bank_reference, document_number, kind, notes,
		       reversed, reversal_reason,
		       COALESCE(reversed_at, '0001-01-01'::timestamptz), created_at
		FROM settlements
		WHERE entry_id = $1
		ORDER BY created_at`, entryID)
	if err != nil {
		return nil, fmt.Errorf("listing settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning settlement: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanSettlement(row pgx.Row) (*domain.Settlement, error) {
	var st domain.Settlement
	err := row.Scan(
		&st.ID, &st.EntryID, &st.PaidAt, &st.AmountPaid, &st.PenaltyPaid, &st.InterestPaid,
		&st.DiscountGiven, &st.Method, &st.BankReference, &st.DocumentNumber, &st.Kind, &st.Notes,
		&st.Reversed, &st.ReversalReason, &st.ReversedAt, &st.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
