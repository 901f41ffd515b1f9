// Package limits enforces per-contract and aggregate position limits,
// checked during trade validation before any pool math runs.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrContractLimitExceeded is returned when a trade would push a single
	// contract's net position beyond the per-contract maximum.
	ErrContractLimitExceeded = errors.New("limits: per-contract position limit exceeded")

	// ErrTotalLimitExceeded is returned when a trade would push the user's
	// aggregate absolute exposure across all contracts beyond the total
	// maximum.
	ErrTotalLimitExceeded = errors.New("limits: total exposure limit exceeded")
)

// PositionLimiter enforces position limits across a user's portfolio.
//
// Net position in a contract is YES shares minus NO shares; exposure is
// its absolute value. A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerContract is the maximum absolute net position in any single
	// contract (or answer, for multi-outcome contracts).
	MaxPerContract decimal.Decimal

	// MaxTotal is the maximum aggregate absolute exposure across all of a
	// user's positions.
	MaxTotal decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-contract and
// total exposure limits.
func NewPositionLimiter(maxPerContract, maxTotal decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerContract: maxPerContract,
		MaxTotal:       maxTotal,
	}
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - targetKey: position key of the contract (or contract+answer) traded
//   - exposureDelta: signed change in net position (+YES / -NO direction)
//   - existingExposures: map of position key → current net position
//
// Returns nil if the trade is within limits, or an error describing the
// violation.
func (l *PositionLimiter) CheckLimit(
	targetKey string,
	exposureDelta decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	current := existingExposures[targetKey]
	newPosition := current.Add(exposureDelta)

	if l.MaxPerContract.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerContract) {
		return ErrContractLimitExceeded
	}

	if !l.MaxTotal.IsPositive() {
		return nil
	}

	total := newPosition.Abs()
	for key, exposure := range existingExposures {
		if key == targetKey {
			continue // already counted via newPosition above
		}
		total = total.Add(exposure.Abs())
	}

	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}

	return nil
}
