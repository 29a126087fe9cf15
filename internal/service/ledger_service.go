package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/port"
)

var ledgerTracer = otel.Tracer("service/ledger")

// LedgerService keeps payable/receivable entries and their settlements.
// Totals are recomputed on every mutation; paid and balance always equal
// the sum over non-reversed settlement rows.
type LedgerService struct {
	store   port.LedgerStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLedgerService creates the ledger use cases.
func NewLedgerService(store port.LedgerStore, metrics *observability.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{store: store, metrics: metrics, logger: logger}
}

// CreateEntry validates and stores a new ledger entry with derived totals.
func (s *LedgerService) CreateEntry(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.CreateEntry")
	defer span.End()

	if e.Direction != domain.DirectionPayable && e.Direction != domain.DirectionReceivable {
		return nil, &domain.ErrValidation{Field: "direction", Message: "must be PAGAR or RECEBER"}
	}
	if e.DueDate.IsZero() {
		return nil, &domain.ErrValidation{Field: "dueDate", Message: "due date is required"}
	}
	if e.Principal < 0 || e.CondoAmount < 0 || e.TaxAmount < 0 || e.UtilityAmount < 0 {
		return nil, &domain.ErrValidation{Field: "amounts", Message: "amounts must not be negative"}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Status = ""
	e.Paid = 0
	e.ComputeTotal()
	e.DeriveStatus()

	if e.Total <= 0 {
		return nil, &domain.ErrValidation{Field: "total", Message: "entry total must be positive"}
	}

	if err := s.store.CreateEntry(ctx, e); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("entry.id", e.ID))
	s.logger.Info("ledger entry created",
		zap.String("entry_id", e.ID),
		zap.String("direction", e.Direction),
		zap.Float64("total", e.Total),
	)
	return e, nil
}

// GetEntry loads one entry.
func (s *LedgerService) GetEntry(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.GetEntry")
	defer span.End()
	return s.store.GetEntry(ctx, id)
}

// ListEntries lists entries matching the filter.
func (s *LedgerService) ListEntries(ctx context.Context, f port.EntryFilter) ([]domain.LedgerEntry, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ListEntries")
	defer span.End()
	return s.store.ListEntries(ctx, f)
}

// UpdateEntry applies amount/date changes to an open entry and recomputes
// totals. Settled amounts are untouched; the balance follows the new total.
func (s *LedgerService) UpdateEntry(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.UpdateEntry")
	defer span.End()

	current, err := s.store.GetEntry(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.EntryStatusCanceled || current.Status == domain.EntryStatusSuspended {
		return nil, &domain.ErrInvalidTransition{Entity: "ledger entry", From: current.Status, Action: "update"}
	}

	e.Paid = current.Paid
	e.Status = current.Status
	e.SlipID = current.SlipID
	e.ComputeTotal()
	e.DeriveStatus()

	if err := s.store.UpdateEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// SettlementInput is one payment event reported against an entry.
type SettlementInput struct {
	PaidAt         time.Time
	AmountPaid     float64
	PenaltyPaid    float64
	InterestPaid   float64
	DiscountGiven  float64
	Method         string
	BankReference  string
	DocumentNumber string
	Notes          string
}

// RecordSettlement appends a settlement and recomputes the entry. Rejected
// for canceled, suspended and fully paid entries.
func (s *LedgerService) RecordSettlement(ctx context.Context, entryID string, in SettlementInput) (*domain.Settlement, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.RecordSettlement")
	defer span.End()
	span.SetAttributes(attribute.String("entry.id", entryID))

	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.EntryStatusCanceled || entry.Status == domain.EntryStatusSuspended {
		return nil, &domain.ErrInvalidTransition{Entity: "ledger entry", From: entry.Status, Action: "settle"}
	}
	if entry.Status == domain.EntryStatusPaid {
		return nil, &domain.ErrInvalidTransition{Entity: "ledger entry", From: entry.Status, Action: "settle"}
	}
	if in.AmountPaid <= 0 {
		return nil, &domain.ErrValidation{Field: "amountPaid", Message: "paid amount must be positive"}
	}

	st := &domain.Settlement{
		ID:             uuid.New().String(),
		EntryID:        entry.ID,
		PaidAt:         in.PaidAt,
		AmountPaid:     in.AmountPaid,
		PenaltyPaid:    in.PenaltyPaid,
		InterestPaid:   in.InterestPaid,
		DiscountGiven:  in.DiscountGiven,
		Method:         defaultStr(in.Method, "manual"),
		BankReference:  in.BankReference,
		DocumentNumber: in.DocumentNumber,
		Kind:           "normal",
		Notes:          in.Notes,
	}
	if st.PaidAt.IsZero() {
		st.PaidAt = time.Now()
	}

	if err := s.recomputeAndPersist(ctx, entry, st, false); err != nil {
		return nil, err
	}
	s.metrics.IncrSettlement(st.Method)
	s.logger.Info("settlement recorded",
		zap.String("entry_id", entry.ID),
		zap.String("settlement_id", st.ID),
		zap.Float64("paid", st.TotalPaid()),
		zap.String("entry_status", entry.Status),
	)
	return st, nil
}

// ReverseSettlement marks a settlement reversed and recomputes the entry
// excluding it. A fully paid entry may legally move back to partial or
// open. Reversing twice is rejected.
func (s *LedgerService) ReverseSettlement(ctx context.Context, settlementID, reason string) (*domain.Settlement, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ReverseSettlement")
	defer span.End()
	span.SetAttributes(attribute.String("settlement.id", settlementID))

	st, err := s.store.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	if st.Reversed {
		return nil, &domain.ErrInvalidTransition{Entity: "settlement", From: "reversed", Action: "reverse"}
	}

	entry, err := s.store.GetEntry(ctx, st.EntryID)
	if err != nil {
		return nil, err
	}

	st.Reversed = true
	st.ReversalReason = reason
	st.ReversedAt = time.Now()

	if err := s.recomputeAndPersist(ctx, entry, st, true); err != nil {
		return nil, err
	}
	s.metrics.IncrSettlement("estorno")
	s.logger.Info("settlement reversed",
		zap.String("settlement_id", st.ID),
		zap.String("entry_id", entry.ID),
		zap.String("reason", reason),
		zap.String("entry_status", entry.Status),
	)
	return st, nil
}

// recomputeAndPersist recalculates paid/balance/status from the settlement
// rows and commits the settlement with the entry in one transaction. st is
// either a new row (reversal=false) or an existing row being reversed.
func (s *LedgerService) recomputeAndPersist(ctx context.Context, entry *domain.LedgerEntry, st *domain.Settlement, reversal bool) error {
	existing, err := s.store.ListSettlements(ctx, entry.ID)
	if err != nil {
		return err
	}

	paid := 0.0
	for _, prev := range existing {
		if prev.ID == st.ID {
			continue
		}
		if !prev.Reversed {
			paid += prev.TotalPaid()
		}
	}
	if !st.Reversed {
		paid += st.TotalPaid()
	}

	entry.Paid = domain.RoundMoney(paid)
	entry.Balance = domain.RoundMoney(entry.Total - entry.Paid)
	entry.DeriveStatus()

	if reversal {
		return s.store.UpdateSettlementTx(ctx, st, entry)
	}
	return s.store.CreateSettlementTx(ctx, st, entry)
}

// ListSettlements returns an entry's full settlement history, reversed rows
// included.
func (s *LedgerService) ListSettlements(ctx context.Context, entryID string) ([]domain.Settlement, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ListSettlements")
	defer span.End()
	return s.store.ListSettlements(ctx, entryID)
}

// Cancel overrides the entry status to CANCELED. A fully paid entry cannot
// be canceled; reverse its settlements first.
func (s *LedgerService) Cancel(ctx context.Context, id, reason string) (*domain.LedgerEntry, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.Cancel")
	defer span.End()

	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.EntryStatusCanceled {
		return entry, nil
	}
	if entry.Status == domain.EntryStatusPaid {
		return nil, &domain.ErrInvalidTransition{Entity: "ledger entry", From: entry.Status, Action: "cancel"}
	}

	entry.Status = domain.EntryStatusCanceled
	entry.StatusReason = reason
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("ledger entry canceled", zap.String("entry_id", id), zap.String("reason", reason))
	return entry, nil
}

// Suspend overrides the entry status to SUSPENDED, pausing collection.
func (s *LedgerService) Suspend(ctx context.Context, id, reason string) (*domain.LedgerEntry, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.Suspend")
	defer span.End()

	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.EntryStatusCanceled || entry.Status == domain.EntryStatusPaid {
		return nil, &domain.ErrInvalidTransition{Entity: "ledger entry", From: entry.Status, Action: "suspend"}
	}

	entry.Status = domain.EntryStatusSuspended
	entry.StatusReason = reason
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("ledger entry suspended", zap.String("entry_id", id), zap.String("reason", reason))
	return entry, nil
}

// Reactivate lifts a CANCELED/SUSPENDED override; the status is re-derived
// from the balance.
func (s *LedgerService) Reactivate(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.Reactivate")
	defer span.End()

	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.EntryStatusCanceled && entry.Status != domain.EntryStatusSuspended {
		return nil, &domain.ErrInvalidTransition{Entity: "ledger entry", From: entry.Status, Action: "reactivate"}
	}

	entry.Status = ""
	entry.StatusReason = ""
	entry.DeriveStatus()
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("ledger entry reactivated",
		zap.String("entry_id", id),
		zap.String("status", entry.Status),
	)
	return entry, nil
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
