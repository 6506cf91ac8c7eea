/*
Package commission computes and credits referral commissions.

PURPOSE (calculator.go):
  The pure half of the package: map (package price, tier) to a commission
  amount using a fixed rate table and a single explicit rounding rule. No
  I/O, no side effects, fully deterministic.

RATE TABLE:
  tier 1 -> 65% of price
  tier 2 -> 5% of price

ROUNDING:
  One rule, applied in exactly one place (Policy.round). The default is
  round-half-up: 1999 * 0.65 = 1299.35 -> 1299, 1999 * 0.05 = 99.95 -> 100.
  The rule is a policy field so the commission-rate owner can switch to
  floor without touching call sites.

SEE ALSO:
  - creditor.go: The impure half — writes ledger entries and balances
*/
package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// ROUNDING
// =============================================================================

// Rounding selects how fractional commission amounts map to whole units.
type Rounding string

const (
	// RoundHalfUp rounds .5 and above away from zero (prices are positive,
	// so this is plain half-up). The default.
	RoundHalfUp Rounding = "half_up"

	// RoundFloor truncates toward zero.
	RoundFloor Rounding = "floor"
)

// =============================================================================
// POLICY - Rates, rounding, and maturity
// =============================================================================

// Policy is the commission configuration. It is a plain value: copy it,
// tweak it per test, pass it by dependency injection.
type Policy struct {
	Tier1Rate decimal.Decimal
	Tier2Rate decimal.Decimal
	Rounding  Rounding

	// HoldPeriod keeps freshly credited commissions in the pending bucket
	// until they mature. Zero disables holding: credits land in available
	// immediately.
	HoldPeriod time.Duration
}

// DefaultHoldPeriod matches the production holding window.
const DefaultHoldPeriod = 14 * 24 * time.Hour

func DefaultPolicy() Policy {
	return Policy{
		Tier1Rate:  decimal.NewFromFloat(0.65),
		Tier2Rate:  decimal.NewFromFloat(0.05),
		Rounding:   RoundHalfUp,
		HoldPeriod: DefaultHoldPeriod,
	}
}

// Rate returns the rate for a commission tier.
func (p Policy) Rate(tier ledger.Tier) (decimal.Decimal, error) {
	switch tier {
	case ledger.Tier1:
		return p.Tier1Rate, nil
	case ledger.Tier2:
		return p.Tier2Rate, nil
	default:
		return decimal.Zero, fmt.Errorf("no commission rate for tier %d", tier)
	}
}

// Commission computes the commission amount for a package price at a tier.
// Pure function: same inputs, same output, always.
func (p Policy) Commission(price ledger.Money, tier ledger.Tier) (ledger.Money, error) {
	if !price.IsPositive() {
		return ledger.Zero(), &ledger.InvalidAmountError{Amount: price, Reason: "package price must be positive"}
	}
	rate, err := p.Rate(tier)
	if err != nil {
		return ledger.Zero(), err
	}
	return ledger.NewMoneyFromDecimal(p.round(price.Value.Mul(rate))), nil
}

// round is the single place fractional amounts become whole units.
func (p Policy) round(d decimal.Decimal) decimal.Decimal {
	switch p.Rounding {
	case RoundFloor:
		return d.Floor()
	default:
		return d.Round(0)
	}
}
