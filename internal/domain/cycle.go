package domain

import "time"

// Billing cycle statuses.
//
//	PENDING → SLIP_ISSUED → SENT → PAID
//	PENDING/SLIP_ISSUED/SENT → CANCELED
const (
	CycleStatusPending    = "PENDENTE"
	CycleStatusSlipIssued = "BOLETO_GERADO"
	CycleStatusSent       = "ENVIADO"
	CycleStatusPaid       = "PAGO"
	CycleStatusCanceled   = "CANCELADO"
)

// Send types.
const (
	SendTypeAutomatic = "AUTOMATICO"
	SendTypeManual    = "MANUAL"
)

// CycleAmounts holds the itemized components of one monthly charge.
// Only amounts actually billed to the tenant are included; the total
// must equal their exact sum at 2 decimals.
type CycleAmounts struct {
	Rent        float64
	PropertyTax float64
	CondoFee    float64
	AdminFee    float64
	Other       float64
}

// Sum returns the tenant-facing total.
func (a CycleAmounts) Sum() float64 {
	return RoundMoney(a.Rent + a.PropertyTax + a.CondoFee + a.AdminFee + a.Other)
}

// CycleItem is one detailed line of the charge, kept for the payer message
// and statements.
type CycleItem struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// BillingCycle is one monthly charge for one lease contract, unique per
// (contract, competency) among non-canceled cycles. It holds at most one
// non-canceled slip at a time, referenced by SlipID and resolved by query.
type BillingCycle struct {
	ID         string
	ContractID string
	Competency string // YYYY-MM

	PeriodStart time.Time
	PeriodEnd   time.Time
	DueDate     time.Time

	Amounts CycleAmounts
	Total   float64
	Items   []CycleItem

	SlipID string

	Status   string
	SendType string
	// AutoRoutineBlocked is set when the cycle was sent manually so the
	// automated batch routine skips it from then on.
	AutoRoutineBlocked bool
	SentAt             time.Time
	EmailTo            string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanIssueSlip reports whether a slip may be issued for this cycle.
func (c *BillingCycle) CanIssueSlip() bool {
	return c.Status == CycleStatusPending && c.SlipID == ""
}

// CanSendManually reports whether the operator may trigger a manual send.
func (c *BillingCycle) CanSendManually() bool {
	return c.Status == CycleStatusPending || c.Status == CycleStatusSlipIssued
}

// CanCancel reports whether the cycle may still be canceled.
func (c *BillingCycle) CanCancel() bool {
	switch c.Status {
	case CycleStatusPending, CycleStatusSlipIssued, CycleStatusSent:
		return true
	}
	return false
}
