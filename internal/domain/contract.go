package domain

import "time"

// Billing item kinds configured on a contract.
const (
	ItemKindRent        = "ALUGUEL"
	ItemKindPropertyTax = "IPTU"
	ItemKindCondoFee    = "CONDOMINIO"
	ItemKindAdminFee    = "TAXA_ADMIN"
	ItemKindOther       = "OUTROS"
)

// BillingItem is one charge component configured on a contract: either a
// fixed amount or a percentage of the rent.
type BillingItem struct {
	Kind        string
	Description string
	FixedAmount float64
	Percent     float64 // percent of rent when FixedAmount is zero
	Active      bool
}

// EffectiveAmount resolves the item against the contract's rent value.
func (i BillingItem) EffectiveAmount(rent float64) float64 {
	if i.FixedAmount != 0 {
		return RoundMoney(i.FixedAmount)
	}
	if i.Percent != 0 {
		return PercentOf(rent, i.Percent)
	}
	return 0
}

// Contract is the read-only view of a lease contract consumed from the
// property-management module. Only the fields the billing engine needs.
type Contract struct {
	ID         string
	TenantID   string
	TenantName string
	TenantDoc  string
	PropertyID string

	RentValue float64
	DueDay    int
	// LeadDays is how many days before the due date the automatic routine
	// issues and sends the slip.
	LeadDays int
	AutoSend bool
	EmailTo  string

	BillingItems []BillingItem

	StartDate time.Time
	EndDate   time.Time
	Active    bool
}

// ActiveItems filters the configured billing items.
func (c *Contract) ActiveItems() []BillingItem {
	out := make([]BillingItem, 0, len(c.BillingItems))
	for _, it := range c.BillingItems {
		if it.Active {
			out = append(out, it)
		}
	}
	return out
}
