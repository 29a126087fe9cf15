package domain

import "time"

// Bank API environments.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// BankCredential holds one bank account's API configuration, including the
// cached OAuth token. At most one active credential exists per
// (bank, bank account, environment) triple; the store enforces it.
//
// The credential is created by configuration management; the only mutation
// this engine performs is the token cache refresh.
type BankCredential struct {
	ID            string
	Bank          string // COMPE code, e.g. "033"
	BankAccountID string
	Environment   string

	ClientID     string
	ClientSecret string
	CertPath     string
	CertPassword string
	CertExpires  time.Time

	Convenio    string // covenant code presented to the bank
	Wallet      string
	WorkspaceID string

	AuthURL string
	APIURL  string

	AccessToken  string
	TokenExpires time.Time

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CertValid reports whether the mTLS certificate is usable at the given
// time. A credential without a certificate configured (sandbox over plain
// TLS) is always valid.
func (c *BankCredential) CertValid(now time.Time) bool {
	if c.CertPath == "" {
		return true
	}
	return !c.CertExpires.IsZero() && c.CertExpires.After(now)
}

// TokenValid reports whether the cached token is usable at the given time,
// applying the safety margin so a token about to expire is refreshed early.
func (c *BankCredential) TokenValid(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.TokenExpires.IsZero() {
		return false
	}
	return c.TokenExpires.After(now.Add(margin))
}
