// Package service provides the business logic layer (use cases).
// BoletoService drives the slip registration state machine, LedgerService
// keeps the payable/receivable ledger and CycleService manages the monthly
// billing cycles.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/port"
)

var boletoTracer = otel.Tracer("service/boleto")

// BoletoService owns every slip status transition. All writes go through
// SlipStore.UpdateSlipTx so the transition and its operation-log entry
// commit atomically. Registration is serialized per slip in-process and
// guarded by the optimistic version check across processes, so at most one
// bank registration happens per slip.
type BoletoService struct {
	slips    port.SlipStore
	cycles   port.CycleStore
	entries  port.LedgerStore
	creds    port.CredentialStore
	contracts port.ContractSource
	gateway  port.BankGateway
	notifier port.Notifier

	attemptCeiling int

	regMu    sync.Mutex
	regLocks map[string]*sync.Mutex

	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewBoletoService creates the slip registration engine.
func NewBoletoService(
	slips port.SlipStore,
	cycles port.CycleStore,
	entries port.LedgerStore,
	creds port.CredentialStore,
	contracts port.ContractSource,
	gateway port.BankGateway,
	notifier port.Notifier,
	attemptCeiling int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *BoletoService {
	if attemptCeiling <= 0 {
		attemptCeiling = 3
	}
	return &BoletoService{
		slips:          slips,
		cycles:         cycles,
		entries:        entries,
		creds:          creds,
		contracts:      contracts,
		gateway:        gateway,
		notifier:       notifier,
		attemptCeiling: attemptCeiling,
		regLocks:       make(map[string]*sync.Mutex),
		metrics:        metrics,
		logger:         logger,
	}
}

// registerLock returns the mutex serializing registrations of one slip,
// mirroring the per-credential token refresh lock in the bank client.
func (s *BoletoService) registerLock(slipID string) *sync.Mutex {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	l, ok := s.regLocks[slipID]
	if !ok {
		l = &sync.Mutex{}
		s.regLocks[slipID] = l
	}
	return l
}

// IssueSource names the charge a slip is issued for. Exactly one of the
// fields must be set.
type IssueSource struct {
	CycleID string
	EntryID string
}

// PaymentNotice carries a bank-reported settlement into Reconcile.
type PaymentNotice struct {
	PaidAt     time.Time
	PaidAmount float64
	// Record, when present, is logged as a CONSULTA operation alongside
	// the transition.
	Record *port.CallRecord
}

// Issue builds a PENDING slip for a billing cycle or a ledger entry. The
// our-number is assigned here from the credential's monotonic sequence and
// never reused, so a registration retry always presents the same key to the
// bank.
func (s *BoletoService) Issue(ctx context.Context, src IssueSource) (*domain.Slip, error) {
	ctx, span := boletoTracer.Start(ctx, "BoletoService.Issue")
	defer span.End()

	if (src.CycleID == "") == (src.EntryID == "") {
		return nil, &domain.ErrValidation{Field: "source", Message: "exactly one of cycleId/entryId must be set"}
	}

	cred, err := s.creds.ActiveCredential(ctx)
	if err != nil {
		return nil, err
	}
	if !cred.CertValid(time.Now()) {
		return nil, &domain.ErrAuth{Credential: cred.ID, Message: "mTLS certificate expired"}
	}

	slip := &domain.Slip{
		ID:           uuid.New().String(),
		CredentialID: cred.ID,
		IssueDate:    time.Now().Truncate(24 * time.Hour),
		Status:       domain.SlipStatusPending,
		Version:      1,
	}

	if src.CycleID != "" {
		if err := s.fillFromCycle(ctx, slip, src.CycleID); err != nil {
			return nil, err
		}
	} else {
		if err := s.fillFromEntry(ctx, slip, src.EntryID); err != nil {
			return nil, err
		}
	}

	if slip.NominalValue <= 0 {
		return nil, &domain.ErrValidation{Field: "nominalValue", Message: "charge amount must be positive"}
	}
	if slip.DueDate.Before(slip.IssueDate) {
		return nil, &domain.ErrValidation{Field: "dueDate", Message: "due date is in the past"}
	}

	seq, err := s.slips.NextOurNumber(ctx, cred.ID)
	if err != nil {
		return nil, err
	}
	slip.OurNumber = padConvenio(cred.Convenio) + fmt.Sprintf("%013d", seq)

	if err := s.slips.CreateSlip(ctx, slip); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("slip.id", slip.ID))
	s.logger.Info("slip issued",
		zap.String("slip_id", slip.ID),
		zap.String("our_number", slip.OurNumber),
		zap.Float64("value", slip.NominalValue),
	)
	return slip, nil
}

func (s *BoletoService) fillFromCycle(ctx context.Context, slip *domain.Slip, cycleID string) error {
	cycle, err := s.cycles.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if !cycle.CanIssueSlip() {
		return &domain.ErrInvalidTransition{Entity: "billing cycle", From: cycle.Status, Action: "issue slip for"}
	}
	contract, err := s.contracts.GetContract(ctx, cycle.ContractID)
	if err != nil {
		return err
	}

	slip.CycleID = cycle.ID
	slip.YourNumber = truncateStr(cycle.ContractID+"-"+cycle.Competency, 15)
	slip.NominalValue = cycle.Total
	slip.DueDate = cycle.DueDate
	slip.PayerID = contract.TenantID
	slip.PayerName = contract.TenantName
	slip.PayerDocument = contract.TenantDoc
	slip.PayerMessage = payerMessage(cycle.Items)
	return nil
}

func (s *BoletoService) fillFromEntry(ctx context.Context, slip *domain.Slip, entryID string) error {
	entry, err := s.entries.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != domain.EntryStatusOpen && entry.Status != domain.EntryStatusPartiallyPaid {
		return &domain.ErrInvalidTransition{Entity: "ledger entry", From: entry.Status, Action: "issue slip for"}
	}

	slip.EntryID = entry.ID
	slip.YourNumber = truncateStr(entry.ID, 15)
	slip.NominalValue = entry.Balance
	slip.DueDate = entry.DueDate
	slip.PayerID = entry.TenantID
	slip.PayerMessage = truncateStr(entry.Description, 160)

	if entry.ContractID != "" {
		if contract, err := s.contracts.GetContract(ctx, entry.ContractID); err == nil {
			slip.PayerName = contract.TenantName
			slip.PayerDocument = contract.TenantDoc
		}
	}
	return nil
}

// Register submits the slip to the bank and applies the outcome. Only
// PENDING and ERROR slips are eligible; anything else is returned untouched
// so concurrent callers observe exactly one registration. Every bank call,
// successful or not, commits one operation-log row with the transition.
func (s *BoletoService) Register(ctx context.Context, slipID string) (*domain.Slip, error) {
	ctx, span := boletoTracer.Start(ctx, "BoletoService.Register")
	defer span.End()
	span.SetAttributes(attribute.String("slip.id", slipID))

	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration("register", time.Since(start)) }()

	// Concurrent callers queue here; whoever wins calls the bank and the
	// rest re-read the row it committed, observe a non-PENDING status and
	// return without a wire call. The version check in UpdateSlipTx
	// rejects writers racing from other processes.
	lock := s.registerLock(slipID)
	lock.Lock()
	defer lock.Unlock()

	slip, err := s.slips.GetSlip(ctx, slipID)
	if err != nil {
		return nil, err
	}

	if slip.Status != domain.SlipStatusPending && slip.Status != domain.SlipStatusError {
		return slip, nil
	}
	if slip.Attempts >= s.attemptCeiling {
		// Exhausted. RetryErrored or RecoverFromQuery must intervene.
		return slip, nil
	}

	cred, err := s.creds.GetCredential(ctx, slip.CredentialID)
	if err != nil {
		return nil, err
	}

	result, callErr := s.gateway.RegisterSlip(ctx, cred, slip)

	logEntry := &domain.OperationLogEntry{
		ID:        uuid.New().String(),
		SlipID:    slip.ID,
		Operation: domain.OperationRegister,
		Success:   callErr == nil,
	}
	if result != nil {
		logEntry.RequestPayload = result.RequestPayload
		logEntry.ResponsePayload = result.ResponsePayload
		logEntry.HTTPStatus = result.HTTPStatus
	}
	if callErr != nil {
		logEntry.ErrorMessage = callErr.Error()
	}

	switch {
	case callErr == nil:
		slip.Status = domain.SlipStatusRegistered
		slip.BankReference = result.BankReference
		slip.Barcode = result.Barcode
		slip.DigitableLine = result.DigitableLine
		slip.PixTxID = result.PixTxID
		slip.PixQRCode = result.PixQRCode
		slip.Attempts = 0
		slip.LastError = ""

	case isRetryableBankErr(callErr):
		slip.Attempts++
		slip.LastError = callErr.Error()
		if slip.Attempts >= s.attemptCeiling {
			slip.Status = domain.SlipStatusError
		} else {
			slip.Status = domain.SlipStatusPending
		}

	default:
		// Validation or auth failure: retrying cannot help.
		slip.Attempts++
		slip.LastError = callErr.Error()
		slip.Status = domain.SlipStatusError
	}

	if err := s.slips.UpdateSlipTx(ctx, slip, logEntry); err != nil {
		return nil, err
	}
	s.metrics.IncrSlipTransition(slip.Status)

	if callErr != nil {
		s.logger.Warn("slip registration failed",
			zap.String("slip_id", slip.ID),
			zap.Int("attempts", slip.Attempts),
			zap.String("status", slip.Status),
			zap.Error(callErr),
		)
		return slip, callErr
	}

	s.logger.Info("slip registered",
		zap.String("slip_id", slip.ID),
		zap.String("bank_reference", slip.BankReference),
	)

	if slip.CycleID != "" {
		if err := s.linkCycleSlip(ctx, slip); err != nil {
			s.logger.Warn("linking slip to cycle failed", zap.String("slip_id", slip.ID), zap.Error(err))
		}
	}
	return slip, nil
}

func (s *BoletoService) linkCycleSlip(ctx context.Context, slip *domain.Slip) error {
	cycle, err := s.cycles.GetCycle(ctx, slip.CycleID)
	if err != nil {
		return err
	}
	if cycle.SlipID == slip.ID && cycle.Status != domain.CycleStatusPending {
		return nil
	}
	cycle.SlipID = slip.ID
	if cycle.Status == domain.CycleStatusPending {
		cycle.Status = domain.CycleStatusSlipIssued
	}
	return s.cycles.UpdateCycle(ctx, cycle)
}

// Reconcile applies a bank-reported payment. Idempotent: a slip already
// PAID is returned unchanged. The settlement is propagated to the owning
// billing cycle or ledger entry.
func (s *BoletoService) Reconcile(ctx context.Context, slipID string, notice PaymentNotice) (*domain.Slip, error) {
	ctx, span := boletoTracer.Start(ctx, "BoletoService.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("slip.id", slipID))

	slip, err := s.slips.GetSlip(ctx, slipID)
	if err != nil {
		return nil, err
	}
	if slip.Status == domain.SlipStatusPaid {
		return slip, nil
	}
	if !slip.Registered() {
		return nil, &domain.ErrInvalidTransition{Entity: "slip", From: slip.Status, Action: "reconcile"}
	}

	slip.Status = domain.SlipStatusPaid
	slip.PaidAt = notice.PaidAt
	if slip.PaidAt.IsZero() {
		slip.PaidAt = time.Now()
	}
	slip.PaidAmount = notice.PaidAmount
	if slip.PaidAmount == 0 {
		slip.PaidAmount = slip.NominalValue
	}

	var logEntry *domain.OperationLogEntry
	if notice.Record != nil {
		logEntry = &domain.OperationLogEntry{
			ID:              uuid.New().String(),
			SlipID:          slip.ID,
			Operation:       domain.OperationQuery,
			RequestPayload:  notice.Record.RequestPayload,
			ResponsePayload: notice.Record.ResponsePayload,
			HTTPStatus:      notice.Record.HTTPStatus,
			Success:         true,
		}
	}

	if err := s.slips.UpdateSlipTx(ctx, slip, logEntry); err != nil {
		return nil, err
	}
	s.metrics.IncrSlipTransition(slip.Status)
	s.logger.Info("slip reconciled as paid",
		zap.String("slip_id", slip.ID),
		zap.Float64("paid_amount", slip.PaidAmount),
	)

	if slip.CycleID != "" {
		s.propagatePaidCycle(ctx, slip)
	}
	if slip.EntryID != "" {
		if err := s.propagatePaidEntry(ctx, slip); err != nil {
			s.logger.Warn("settling ledger entry failed", zap.String("entry_id", slip.EntryID), zap.Error(err))
		}
	}
	return slip, nil
}

func (s *BoletoService) propagatePaidCycle(ctx context.Context, slip *domain.Slip) {
	cycle, err := s.cycles.GetCycle(ctx, slip.CycleID)
	if err != nil {
		s.logger.Warn("loading paid cycle failed", zap.String("cycle_id", slip.CycleID), zap.Error(err))
		return
	}
	if cycle.Status == domain.CycleStatusPaid || cycle.Status == domain.CycleStatusCanceled {
		return
	}
	cycle.Status = domain.CycleStatusPaid
	if err := s.cycles.UpdateCycle(ctx, cycle); err != nil {
		s.logger.Warn("marking cycle paid failed", zap.String("cycle_id", cycle.ID), zap.Error(err))
		return
	}
	if err := s.notifier.SlipPaid(ctx, cycle, slip); err != nil {
		s.logger.Warn("paid notification failed", zap.String("cycle_id", cycle.ID), zap.Error(err))
	}
}

func (s *BoletoService) propagatePaidEntry(ctx context.Context, slip *domain.Slip) error {
	entry, err := s.entries.GetEntry(ctx, slip.EntryID)
	if err != nil {
		return err
	}
	if entry.Status == domain.EntryStatusCanceled || entry.Status == domain.EntryStatusSuspended {
		return &domain.ErrInvalidTransition{Entity: "ledger entry", From: entry.Status, Action: "settle"}
	}

	st := &domain.Settlement{
		ID:            uuid.New().String(),
		EntryID:       entry.ID,
		PaidAt:        slip.PaidAt,
		AmountPaid:    slip.PaidAmount,
		Method:        "boleto",
		BankReference: slip.BankReference,
		Kind:          "liquidacao",
	}

	existing, err := s.entries.ListSettlements(ctx, entry.ID)
	if err != nil {
		return err
	}
	paid := st.TotalPaid()
	for _, prev := range existing {
		if !prev.Reversed {
			paid += prev.TotalPaid()
		}
	}
	entry.Paid = domain.RoundMoney(paid)
	entry.Balance = domain.RoundMoney(entry.Total - entry.Paid)
	entry.DeriveStatus()

	if err := s.entries.CreateSettlementTx(ctx, st, entry); err != nil {
		return err
	}
	s.metrics.IncrSettlement("boleto")
	return nil
}

// RecoverFromQuery asks the bank before retrying a slip whose registration
// outcome is unknown locally. When the bank already knows the slip, the
// local record is reconciled to the bank's state so a second registration
// (and a second bank reference) can never happen.
func (s *BoletoService) RecoverFromQuery(ctx context.Context, slipID string) (*domain.Slip, error) {
	ctx, span := boletoTracer.Start(ctx, "BoletoService.RecoverFromQuery")
	defer span.End()
	span.SetAttributes(attribute.String("slip.id", slipID))

	slip, err := s.slips.GetSlip(ctx, slipID)
	if err != nil {
		return nil, err
	}
	cred, err := s.creds.GetCredential(ctx, slip.CredentialID)
	if err != nil {
		return nil, err
	}

	// The our-number is the idempotency key at the bank, so it resolves
	// slips that never got a bank reference back.
	ref := slip.BankReference
	if ref == "" {
		ref = slip.OurNumber
	}

	result, queryErr := s.gateway.QuerySlip(ctx, cred, ref)

	var notFound *domain.ErrNotFound
	if errors.As(queryErr, &notFound) {
		// Bank never saw it. The local PENDING/ERROR state stands and a
		// fresh registration is safe.
		logEntry := &domain.OperationLogEntry{
			ID:        uuid.New().String(),
			SlipID:    slip.ID,
			Operation: domain.OperationQuery,
			Success:   false,
		}
		if result != nil {
			logEntry.ResponsePayload = result.ResponsePayload
			logEntry.HTTPStatus = result.HTTPStatus
		}
		logEntry.ErrorMessage = queryErr.Error()
		if err := s.slips.UpdateSlipTx(ctx, slip, logEntry); err != nil {
			return nil, err
		}
		return slip, nil
	}
	if queryErr != nil {
		return nil, queryErr
	}

	bankStatus := mapBankStatus(result.Status)
	switch bankStatus {
	case domain.SlipStatusPaid:
		return s.Reconcile(ctx, slip.ID, PaymentNotice{
			PaidAt:     result.PaidAt,
			PaidAmount: result.PaidAmount,
			Record:     &result.CallRecord,
		})

	case domain.SlipStatusRegistered, domain.SlipStatusProtested, domain.SlipStatusWrittenOff:
		slip.Status = bankStatus
		if result.BankReference != "" {
			slip.BankReference = result.BankReference
		}
		if result.Barcode != "" {
			slip.Barcode = result.Barcode
		}
		if result.DigitableLine != "" {
			slip.DigitableLine = result.DigitableLine
		}
		slip.Attempts = 0
		slip.LastError = ""

	default:
		return nil, &domain.ErrExternalService{
			Service: "bank",
			Err:     fmt.Errorf("unrecognized bank status %q", result.Status),
		}
	}

	logEntry := &domain.OperationLogEntry{
		ID:              uuid.New().String(),
		SlipID:          slip.ID,
		Operation:       domain.OperationQuery,
		ResponsePayload: result.ResponsePayload,
		HTTPStatus:      result.HTTPStatus,
		Success:         true,
	}
	if err := s.slips.UpdateSlipTx(ctx, slip, logEntry); err != nil {
		return nil, err
	}
	s.metrics.IncrSlipTransition(slip.Status)
	s.logger.Info("slip recovered from bank query",
		zap.String("slip_id", slip.ID),
		zap.String("status", slip.Status),
	)
	return slip, nil
}

// WriteOff administratively closes a registered slip at the bank. Recorded
// settlements on the owning entry are left untouched.
func (s *BoletoService) WriteOff(ctx context.Context, slipID, reason string) (*domain.Slip, error) {
	ctx, span := boletoTracer.Start(ctx, "BoletoService.WriteOff")
	defer span.End()
	span.SetAttributes(attribute.String("slip.id", slipID))

	slip, err := s.slips.GetSlip(ctx, slipID)
	if err != nil {
		return nil, err
	}
	if !slip.CanWriteOff() {
		return nil, &domain.ErrInvalidTransition{Entity: "slip", From: slip.Status, Action: "write off"}
	}

	cred, err := s.creds.GetCredential(ctx, slip.CredentialID)
	if err != nil {
		return nil, err
	}

	record, callErr := s.gateway.WriteOffSlip(ctx, cred, slip.BankReference, reason)

	logEntry := &domain.OperationLogEntry{
		ID:        uuid.New().String(),
		SlipID:    slip.ID,
		Operation: domain.OperationWriteOff,
		Success:   callErr == nil,
	}
	if record != nil {
		logEntry.RequestPayload = record.RequestPayload
		logEntry.ResponsePayload = record.ResponsePayload
		logEntry.HTTPStatus = record.HTTPStatus
	}
	if callErr != nil {
		logEntry.ErrorMessage = callErr.Error()
		// Log the failed attempt without touching the status.
		if err := s.slips.UpdateSlipTx(ctx, slip, logEntry); err != nil {
			return nil, err
		}
		return nil, callErr
	}

	slip.Status = domain.SlipStatusWrittenOff
	slip.WriteOffReason = reason
	slip.WriteOffAt = time.Now()

	if err := s.slips.UpdateSlipTx(ctx, slip, logEntry); err != nil {
		return nil, err
	}
	s.metrics.IncrSlipTransition(slip.Status)
	s.logger.Info("slip written off",
		zap.String("slip_id", slip.ID),
		zap.String("reason", reason),
	)
	return slip, nil
}

// RetryErrored is the operator action that puts an exhausted ERROR slip
// back through registration: attempts reset, then a fresh Register.
func (s *BoletoService) RetryErrored(ctx context.Context, slipID string) (*domain.Slip, error) {
	ctx, span := boletoTracer.Start(ctx, "BoletoService.RetryErrored")
	defer span.End()

	slip, err := s.slips.GetSlip(ctx, slipID)
	if err != nil {
		return nil, err
	}
	if slip.Status != domain.SlipStatusError {
		return nil, &domain.ErrInvalidTransition{Entity: "slip", From: slip.Status, Action: "retry"}
	}

	slip.Status = domain.SlipStatusPending
	slip.Attempts = 0
	slip.LastError = ""
	if err := s.slips.UpdateSlipTx(ctx, slip, nil); err != nil {
		return nil, err
	}

	return s.Register(ctx, slip.ID)
}

// SyncRegistered polls up to limit REGISTERED slips and applies any
// bank-side change. Returns how many slips changed state.
func (s *BoletoService) SyncRegistered(ctx context.Context, limit int) (int, error) {
	ctx, span := boletoTracer.Start(ctx, "BoletoService.SyncRegistered")
	defer span.End()

	slips, err := s.slips.ListSlips(ctx, port.SlipFilter{
		Status:   domain.SlipStatusRegistered,
		PageSize: limit,
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range slips {
		slip := &slips[i]
		cred, err := s.creds.GetCredential(ctx, slip.CredentialID)
		if err != nil {
			s.logger.Warn("sync: loading credential failed", zap.String("slip_id", slip.ID), zap.Error(err))
			continue
		}

		result, err := s.gateway.QuerySlip(ctx, cred, slip.BankReference)
		if err != nil {
			s.logger.Warn("sync: bank query failed", zap.String("slip_id", slip.ID), zap.Error(err))
			continue
		}

		switch mapBankStatus(result.Status) {
		case domain.SlipStatusPaid:
			if _, err := s.Reconcile(ctx, slip.ID, PaymentNotice{
				PaidAt:     result.PaidAt,
				PaidAmount: result.PaidAmount,
				Record:     &result.CallRecord,
			}); err != nil {
				s.logger.Warn("sync: reconcile failed", zap.String("slip_id", slip.ID), zap.Error(err))
				continue
			}
			changed++

		case domain.SlipStatusWrittenOff, domain.SlipStatusProtested:
			slip.Status = mapBankStatus(result.Status)
			logEntry := &domain.OperationLogEntry{
				ID:              uuid.New().String(),
				SlipID:          slip.ID,
				Operation:       domain.OperationQuery,
				ResponsePayload: result.ResponsePayload,
				HTTPStatus:      result.HTTPStatus,
				Success:         true,
			}
			if err := s.slips.UpdateSlipTx(ctx, slip, logEntry); err != nil {
				s.logger.Warn("sync: transition failed", zap.String("slip_id", slip.ID), zap.Error(err))
				continue
			}
			s.metrics.IncrSlipTransition(slip.Status)
			changed++
		}
	}
	return changed, nil
}

// mapBankStatus translates the bank's slip status vocabulary into ours.
// VENCIDO at the bank is still a live registered slip locally; overdue is
// derived at read time.
func mapBankStatus(bank string) string {
	switch bank {
	case "PAGO", "LIQUIDADO":
		return domain.SlipStatusPaid
	case "BAIXADO", "BAIXADO_PELO_BANCO":
		return domain.SlipStatusWrittenOff
	case "PROTESTADO", "EM_PROTESTO":
		return domain.SlipStatusProtested
	case "REGISTRADO", "ATIVO", "VENCIDO":
		return domain.SlipStatusRegistered
	}
	return ""
}

// isRetryableBankErr reports whether a registration failure leaves the slip
// eligible for another attempt.
func isRetryableBankErr(err error) bool {
	var transient *domain.ErrTransient
	var rateLimit *domain.ErrRateLimit
	var circuitOpen *domain.ErrCircuitOpen
	return errors.As(err, &transient) || errors.As(err, &rateLimit) || errors.As(err, &circuitOpen)
}

func payerMessage(items []domain.CycleItem) string {
	msg := ""
	for _, it := range items {
		if msg != "" {
			msg += "; "
		}
		msg += fmt.Sprintf("%s R$ %.2f", it.Description, it.Amount)
	}
	return truncateStr(msg, 160)
}

// padConvenio normalizes the covenant code to exactly 7 digits.
func padConvenio(convenio string) string {
	out := make([]byte, 0, len(convenio))
	for i := 0; i < len(convenio); i++ {
		if convenio[i] >= '0' && convenio[i] <= '9' {
			out = append(out, convenio[i])
		}
	}
	if len(out) > 7 {
		out = out[len(out)-7:]
	}
	for len(out) < 7 {
		out = append([]byte{'0'}, out...)
	}
	return string(out)
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
