package domain

import "time"

// Ledger entry directions.
const (
	DirectionPayable    = "PAGAR"
	DirectionReceivable = "RECEBER"
)

// Ledger entry statuses. OPEN/PARTIALLY_PAID/PAID are strictly derived from
// the balance; CANCELED and SUSPENDED are sticky terminal overrides that
// require an explicit status change to leave.
const (
	EntryStatusOpen          = "ABERTO"
	EntryStatusPaid          = "PAGO"
	EntryStatusPartiallyPaid = "PARCIAL"
	EntryStatusCanceled      = "CANCELADO"
	EntryStatusSuspended     = "SUSPENSO"
)

// LedgerEntry is a payable/receivable obligation independent of billing
// cycles, also used for ad-hoc charges, agreements and legal fees.
// Invariant: Balance = Total − Paid, and the derived statuses always match
// the balance.
type LedgerEntry struct {
	ID         string
	Direction  string
	ContractID string
	TenantID   string
	Competency string

	Description string
	DueDate     time.Time

	Principal     float64
	CondoAmount   float64
	TaxAmount     float64
	UtilityAmount float64

	Penalty  float64
	Interest float64
	Discount float64
	Bonus    float64

	// Withholding taxes, computed from the configured percentage rates.
	WithholdINSSPct float64
	WithholdISSPct  float64
	WithheldINSS    float64
	WithheldISS     float64

	Total   float64
	Paid    float64
	Balance float64

	Status       string
	StatusReason string

	SlipID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComputeTotal recomputes the withholding amounts and the entry total:
// principal and sub-amounts, minus discount and bonus, plus interest and
// penalty, minus withheld taxes. Every intermediate is rounded to currency
// precision so itemization sums exactly to the stored total.
func (e *LedgerEntry) ComputeTotal() {
	gross := RoundMoney(e.Principal + e.CondoAmount + e.TaxAmount + e.UtilityAmount)

	if e.WithholdINSSPct > 0 {
		e.WithheldINSS = PercentOf(gross, e.WithholdINSSPct)
	} else {
		e.WithheldINSS = 0
	}
	if e.WithholdISSPct > 0 {
		e.WithheldISS = PercentOf(gross, e.WithholdISSPct)
	} else {
		e.WithheldISS = 0
	}

	e.Total = RoundMoney(gross - e.Discount - e.Bonus + e.Interest + e.Penalty - e.WithheldINSS - e.WithheldISS)
	e.Balance = RoundMoney(e.Total - e.Paid)
}

// DeriveStatus applies the balance-derivation rule. CANCELED and SUSPENDED
// are sticky and never overwritten here.
func (e *LedgerEntry) DeriveStatus() {
	if e.Status == EntryStatusCanceled || e.Status == EntryStatusSuspended {
		return
	}
	switch {
	case e.Balance <= 0:
		e.Status = EntryStatusPaid
	case e.Paid > 0:
		e.Status = EntryStatusPartiallyPaid
	default:
		e.Status = EntryStatusOpen
	}
}

// IsOverdue is a pure read-time computation, never persisted.
func (e *LedgerEntry) IsOverdue(today time.Time) bool {
	if e.Status == EntryStatusPaid || e.Status == EntryStatusCanceled {
		return false
	}
	return e.DueDate.Before(today.Truncate(24 * time.Hour))
}

// DaysOverdue returns today − dueDate in days when overdue, else 0.
func (e *LedgerEntry) DaysOverdue(today time.Time) int {
	if !e.IsOverdue(today) {
		return 0
	}
	return int(today.Truncate(24*time.Hour).Sub(e.DueDate.Truncate(24*time.Hour)).Hours() / 24)
}

// Settlement ("baixa") is one payment event against a ledger entry.
// It is never deleted; a reversal only sets the reversal fields, and reversed
// settlements are excluded from all total computations.
type Settlement struct {
	ID      string
	EntryID string

	PaidAt        time.Time
	AmountPaid    float64
	PenaltyPaid   float64
	InterestPaid  float64
	DiscountGiven float64

	Method         string
	BankReference  string
	DocumentNumber string
	Kind           string
	Notes          string

	Reversed       bool
	ReversalReason string
	ReversedAt     time.Time

	CreatedAt time.Time
}

// TotalPaid is the effective amount this settlement contributes to the
// entry's paid sum.
func (s *Settlement) TotalPaid() float64 {
	return RoundMoney(s.AmountPaid + s.PenaltyPaid + s.InterestPaid - s.DiscountGiven)
}
