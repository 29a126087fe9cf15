package domain

import "time"

// Slip statuses. Transitions are monotonic except for the explicit
// write-off and error paths:
//
//	PENDING → REGISTERED → {PAID, WRITTEN_OFF, PROTESTED}
//	any → ERROR (registration/consult failure) → PENDING (retry)
//
// OVERDUE is a derived read-time view, never stored.
const (
	SlipStatusPending    = "PENDENTE"
	SlipStatusRegistered = "REGISTRADO"
	SlipStatusPaid       = "PAGO"
	SlipStatusOverdue    = "VENCIDO"
	SlipStatusWrittenOff = "BAIXADO"
	SlipStatusProtested  = "PROTESTADO"
	SlipStatusError      = "ERRO"
)

// Charge policy types for discount, fine and per-day interest.
const (
	PolicyExempt          = "ISENTO"
	PolicyFixed           = "VALOR_FIXO"
	PolicyPercentOrPerDay = "PERCENTUAL"
)

// ChargePolicy is one discount/fine/interest rule: a type, a value and the
// date it starts to apply. The zero value means exempt.
type ChargePolicy struct {
	Type  string
	Value float64
	Date  time.Time
}

// IsExempt reports whether the policy is absent.
func (p ChargePolicy) IsExempt() bool {
	return p.Type == "" || p.Type == PolicyExempt
}

// Slip is a bank-registrable payment instrument (boleto). It is owned by the
// BillingCycle or LedgerEntry that spawned it and mutated exclusively by the
// registration engine.
type Slip struct {
	ID           string
	CredentialID string

	// Exactly one of CycleID / EntryID is set.
	CycleID string
	EntryID string

	OurNumber     string // locally-assigned reference; idempotency key at the bank
	YourNumber    string // beneficiary's own document number
	BankReference string // bank-assigned id; non-empty implies REGISTERED reached

	PayerID       string
	PayerName     string
	PayerDocument string

	NominalValue float64
	IssueDate    time.Time
	DueDate      time.Time
	LimitDate    time.Time

	Discount ChargePolicy
	Fine     ChargePolicy
	Interest ChargePolicy

	Barcode       string
	DigitableLine string
	PixTxID       string
	PixQRCode     string

	Status    string
	Attempts  int
	LastError string

	PaidAt         time.Time
	PaidAmount     float64
	WriteOffReason string
	WriteOffAt     time.Time

	PayerMessage string

	// Version is bumped on every persisted transition; the store rejects
	// stale writes so concurrent registrations cannot both proceed.
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registered reports whether the slip reached the bank at some point.
func (s *Slip) Registered() bool {
	switch s.Status {
	case SlipStatusRegistered, SlipStatusPaid, SlipStatusWrittenOff, SlipStatusProtested:
		return true
	}
	return false
}

// IsOverdue is the derived read-time view: not settled and past due.
func (s *Slip) IsOverdue(today time.Time) bool {
	if s.Status == SlipStatusPaid || s.Status == SlipStatusWrittenOff {
		return false
	}
	return s.DueDate.Before(today.Truncate(24 * time.Hour))
}

// CanWriteOff reports whether an administrative write-off is allowed:
// the slip must be known to the bank and not yet settled. This covers
// REGISTERED, PROTESTED and the derived OVERDUE view over either.
func (s *Slip) CanWriteOff() bool {
	return s.Status == SlipStatusRegistered || s.Status == SlipStatusProtested
}
