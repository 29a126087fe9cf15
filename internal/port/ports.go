// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/imobia/cobranca-engine/internal/domain"
)

// BankGateway wraps one bank's registration/query API. Implementations are
// stateless aside from the OAuth token cache and never write slip or ledger
// state; callers persist the verbatim payloads into the operation log.
type BankGateway interface {
	RegisterSlip(ctx context.Context, cred *domain.BankCredential, slip *domain.Slip) (*RegistrationResult, error)
	QuerySlip(ctx context.Context, cred *domain.BankCredential, bankRef string) (*QueryResult, error)
	WriteOffSlip(ctx context.Context, cred *domain.BankCredential, bankRef, reason string) (*CallRecord, error)
}

// CallRecord carries the raw exchange of one bank API call so the caller can
// log it verbatim, success or failure.
type CallRecord struct {
	RequestPayload  string
	ResponsePayload string
	HTTPStatus      int
}

// RegistrationResult is the bank's answer to a registration call.
type RegistrationResult struct {
	CallRecord

	BankReference string
	Barcode       string
	DigitableLine string
	PixTxID       string
	PixQRCode     string
}

// QueryResult is the bank's view of a registered slip.
type QueryResult struct {
	CallRecord

	Status        string // bank-side status, mapped to domain slip statuses
	BankReference string
	Barcode       string
	DigitableLine string
	PaidAt        time.Time
	PaidAmount    float64
}

// SlipStore persists slips. Transition writes go through UpdateSlipTx so the
// status change and its operation-log entry commit atomically; the version
// check rejects concurrent transitions.
type SlipStore interface {
	CreateSlip(ctx context.Context, slip *domain.Slip) error
	GetSlip(ctx context.Context, id string) (*domain.Slip, error)
	// UpdateSlipTx persists the slip transition and, when logEntry is
	// non-nil, the operation-log row in one transaction. Returns
	// ErrConflict when slip.Version no longer matches the stored row.
	UpdateSlipTx(ctx context.Context, slip *domain.Slip, logEntry *domain.OperationLogEntry) error
	ListSlips(ctx context.Context, f SlipFilter) ([]domain.Slip, error)
	// NextOurNumber returns the next value of the credential's monotonic
	// sequence. Values are never reused.
	NextOurNumber(ctx context.Context, credentialID string) (int64, error)
}

// SlipFilter narrows ListSlips. Zero fields are ignored.
type SlipFilter struct {
	Status       string
	CredentialID string
	MaxAttempts  int // only slips with Attempts < MaxAttempts when > 0
	DueBefore    time.Time
	Page         int
	PageSize     int
}

// CycleStore persists billing cycles.
type CycleStore interface {
	CreateCycle(ctx context.Context, c *domain.BillingCycle) error
	GetCycle(ctx context.Context, id string) (*domain.BillingCycle, error)
	// FindCycle returns the non-canceled cycle for (contract, competency),
	// or ErrNotFound.
	FindCycle(ctx context.Context, contractID, competency string) (*domain.BillingCycle, error)
	UpdateCycle(ctx context.Context, c *domain.BillingCycle) error
	ListCycles(ctx context.Context, f CycleFilter) ([]domain.BillingCycle, error)
}

// CycleFilter narrows ListCycles. Zero fields are ignored.
type CycleFilter struct {
	ContractID string
	Competency string
	Status     string
	Page       int
	PageSize   int
}

// LedgerStore persists ledger entries and their settlements.
type LedgerStore interface {
	CreateEntry(ctx context.Context, e *domain.LedgerEntry) error
	GetEntry(ctx context.Context, id string) (*domain.LedgerEntry, error)
	UpdateEntry(ctx context.Context, e *domain.LedgerEntry) error
	ListEntries(ctx context.Context, f EntryFilter) ([]domain.LedgerEntry, error)

	// CreateSettlementTx appends the settlement and persists the entry's
	// recomputed totals in one transaction.
	CreateSettlementTx(ctx context.Context, s *domain.Settlement, e *domain.LedgerEntry) error
	GetSettlement(ctx context.Context, id string) (*domain.Settlement, error)
	// UpdateSettlementTx persists the reversal fields together with the
	// entry's recomputed totals.
	UpdateSettlementTx(ctx context.Context, s *domain.Settlement, e *domain.LedgerEntry) error
	ListSettlements(ctx context.Context, entryID string) ([]domain.Settlement, error)
}

// EntryFilter narrows ListEntries. Zero fields are ignored.
type EntryFilter struct {
	Direction  string
	Status     string
	Competency string
	ContractID string
	TenantID   string
	DueBefore  time.Time
	Page       int
	PageSize   int
}

// OperationLogStore reads the append-only bank call log. Writes happen
// through SlipStore.UpdateSlipTx so they commit with the transition.
type OperationLogStore interface {
	ListOperations(ctx context.Context, slipID string) ([]domain.OperationLogEntry, error)
}

// CredentialStore reads bank credentials and persists refreshed tokens.
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*domain.BankCredential, error)
	ActiveCredential(ctx context.Context) (*domain.BankCredential, error)
	UpdateCredentialToken(ctx context.Context, id, token string, expires time.Time) error
}

// ContractSource is the read-only view of lease contracts consumed from the
// property-management module.
type ContractSource interface {
	GetContract(ctx context.Context, id string) (*domain.Contract, error)
	ListAutoSendContracts(ctx context.Context) ([]domain.Contract, error)
}

// Notifier dispatches tenant notifications after a cycle reaches SENT or
// PAID. Fire-and-forget: failures are logged, never propagated.
type Notifier interface {
	SlipIssued(ctx context.Context, cycle *domain.BillingCycle, slip *domain.Slip) error
	SlipPaid(ctx context.Context, cycle *domain.BillingCycle, slip *domain.Slip) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
