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

const slipColumns = `id, credential_id, COALESCE(cycle_id, ''), COALESCE(entry_id, ''),
	our_number, your_number, bank_reference, payer_id, payer_name, payer_document,
	nominal_value, issue_date, due_date, COALESCE(limit_date, '0001-01-01'::date),
	discount_type, discount_value, COALESCE(discount_date, '0001-01-01'::date),
	fine_type, fine_value, COALESCE(fine_date, '0001-01-01'::date),
	interest_type, interest_value,
	barcode, digitable_line, pix_tx_id, pix_qr_code,
	status, attempts, last_error,
	COALESCE(paid_at, '0001-01-01'::timestamptz), paid_amount,
	write_off_reason, COALESCE(write_off_at, '0001-01-01'::timestamptz),
	payer_message, version, created_at, updated_at`

func scanSlip(row pgx.Row) (*domain.Slip, error) {
	var s domain.Slip
	err := row.Scan(
		&s.ID, &s.CredentialID, &s.CycleID, &s.EntryID,
		&s.OurNumber, &s.YourNumber, &s.BankReference, &s.PayerID, &s.PayerName, &s.PayerDocument,
		&s.NominalValue, &s.IssueDate, &s.DueDate, &s.LimitDate,
		&s.Discount.Type, &s.Discount.Value, &s.Discount.Date,
		&s.Fine.Type, &s.Fine.Value, &s.Fine.Date,
		&s.Interest.Type, &s.Interest.Value,
		&s.Barcode, &s.DigitableLine, &s.PixTxID, &s.PixQRCode,
		&s.Status, &s.Attempts, &s.LastError,
		&s.PaidAt, &s.PaidAmount,
		&s.WriteOffReason, &s.WriteOffAt,
		&s.PayerMessage, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSlip inserts a new PENDING slip.
func (s *Store) CreateSlip(ctx context.Context, slip *domain.Slip) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO slips (
			id, credential_id, cycle_id, entry_id, our_number, your_number,
			payer_id, payer_name, payer_document,
			nominal_value, issue_date, due_date, limit_date,
			discount_type, discount_value, discount_date,
			fine_type, fine_value, fine_date,
			interest_type, interest_value,
			status, payer_message, version
		) VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,'0001-01-01'::date),
			$14,$15,NULLIF($16,'0001-01-01'::date),$17,$18,NULLIF($19,'0001-01-01'::date),$20,$21,$22,$23,$24)`,
		slip.ID, slip.CredentialID, slip.CycleID, slip.EntryID, slip.OurNumber, slip.YourNumber,
		slip.PayerID, slip.PayerName, slip.PayerDocument,
		slip.NominalValue, slip.IssueDate, slip.DueDate, slip.LimitDate,
		orExempt(slip.Discount.Type), slip.Discount.Value, slip.Discount.Date,
		orExempt(slip.Fine.Type), slip.Fine.Value, slip.Fine.Date,
		orExempt(slip.Interest.Type), slip.Interest.Value,
		slip.Status, slip.PayerMessage, slip.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting slip: %w", err)
	}
	return nil
}

func orExempt(policyType string) string {
	if policyType == "" {
		return domain.PolicyExempt
	}
	return policyType
}

// GetSlip loads one slip by id.
func (s *Store) GetSlip(ctx context.Context, id string) (*domain.Slip, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+slipColumns+` FROM slips WHERE id = $1`, id)
	slip, err := scanSlip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "slip", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading slip: %w", err)
	}
	return slip, nil
}

// UpdateSlipTx persists a slip transition and its operation-log row in one
// transaction. The optimistic version check rejects concurrent transitions:
// when the stored version no longer matches, nothing is written and
// ErrConflict is returned.
func (s *Store) UpdateSlipTx(ctx context.Context, slip *domain.Slip, logEntry *domain.OperationLogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning slip transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE slips SET
			bank_reference = $1, barcode = $2, digitable_line = $3,
			pix_tx_id = $4, pix_qr_code = $5,
			status = $6, attempts = $7, last_error = $8,
			paid_at = NULLIF($9, '0001-01-01'::timestamptz), paid_amount = $10,
			write_off_reason = $11, write_off_at = NULLIF($12, '0001-01-01'::timestamptz),
			version = version + 1, updated_at = now()
		WHERE id = $13 AND version = $14`,
		slip.BankReference, slip.Barcode, slip.DigitableLine,
		slip.PixTxID, slip.PixQRCode,
		slip.Status, slip.Attempts, slip.LastError,
		slip.PaidAt, slip.PaidAmount,
		slip.WriteOffReason, slip.WriteOffAt,
		slip.ID, slip.Version,
	)
	if err != nil {
		return fmt.Errorf("updating slip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrConflict{Resource: "slip", ID: slip.ID}
	}

	if logEntry != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO slip_operation_log (
				id, slip_id, operation, request_payload, response_payload,
				http_status, success, error_message
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			logEntry.ID, logEntry.SlipID, logEntry.Operation,
			logEntry.RequestPayload, logEntry.ResponsePayload,
			logEntry.HTTPStatus, logEntry.Success, logEntry.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("inserting operation log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing slip transaction: %w", err)
	}

	slip.Version++
	return nil
}

// ListSlips returns slips matching the filter, newest first.
func (s *Store) ListSlips(ctx context.Context, f port.SlipFilter) ([]domain.Slip, error) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.CredentialID != "" {
		add("credential_id = $%d", f.CredentialID)
	}
	if f.MaxAttempts > 0 {
		add("attempts < $%d", f.MaxAttempts)
	}
	if !f.DueBefore.IsZero() {
		add("due_date < $%d", f.DueBefore)
	}

	query := `SELECT ` + slipColumns + ` FROM slips`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += paginate(&args, f.Page, f.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing slips: %w", err)
	}
	defer rows.Close()

	var out []domain.Slip
	for rows.Next() {
		slip, err := scanSlip(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slip: %w", err)
		}
		out = append(out, *slip)
	}
	return out, rows.Err()
}

// NextOurNumber advances and returns the credential's monotonic sequence.
// The row lock serializes concurrent issuers; values are never reused.
func (s *Store) NextOurNumber(ctx context.Context, credentialID string) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO slip_number_sequences (credential_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (credential_id)
		DO UPDATE SET last_value = slip_number_sequences.last_value + 1
		RETURNING last_value`,
		credentialID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advancing slip number sequence: %w", err)
	}
	return next, nil
}

// ListOperations returns the append-only bank call log for a slip.
func (s *Store) ListOperations(ctx context.Context, slipID string) ([]domain.OperationLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, slip_id, operation, request_payload, response_payload,
		       http_status, success, error_message, created_at
		FROM slip_operation_log
		WHERE slip_id = $1
		ORDER BY created_at`,
		slipID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing operation log: %w", err)
	}
	defer rows.Close()

	var out []domain.OperationLogEntry
	for rows.Next() {
		var e domain.OperationLogEntry
		if err := rows.Scan(
			&e.ID, &e.SlipID, &e.Operation, &e.RequestPayload, &e.ResponsePayload,
			&e.HTTPStatus, &e.Success, &e.ErrorMessage, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning operation log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// paginate appends LIMIT/OFFSET args and returns the SQL fragment.
func paginate(args *[]any, page, pageSize int) string {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	*args = append(*args, pageSize)
	limit := fmt.Sprintf(" LIMIT $%d", len(*args))
	*args = append(*args, (page-1)*pageSize)
	return limit + fmt.Sprintf(" OFFSET $%d", len(*args))
}
