package domain

import "time"

// FeeType identifies which platform fee a FeeConfig applies to.
type FeeType string

const (
	FeeTypeOrigination FeeType = "origination"
	FeeTypeRepayment   FeeType = "repayment"
)

// FeeConfig is a named platform fee. At most one active record per type is
// authoritative; lookups always filter on Active.
type FeeConfig struct {
	ID               string
	Type             FeeType
	Name             string
	Percentage       float64 // 0..100
	RecipientAddress string
	Active           bool
	Description      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Amount returns the fee charged on the given base amount.
func (f FeeConfig) Amount(base float64) float64 {
	return base * f.Percentage / 100
}
