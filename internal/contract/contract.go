// Package contract handles market slug validation, tradability checks,
// and initial pool seeding from subsidy liquidity.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/cpmm"
	"github.com/atmx/bet-engine/internal/model"
)

// slugRegex matches URL-safe market slugs: lowercase alphanumeric
// segments joined by single hyphens. Example: will-it-rain-tomorrow.
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var (
	ErrInvalidSlug      = errors.New("contract: invalid slug format")
	ErrInvalidMechanism = errors.New("contract: unsupported mechanism")
	ErrClosed           = errors.New("contract: market is closed")
	ErrResolved         = errors.New("contract: market is resolved")
	ErrBadLiquidity     = errors.New("contract: liquidity must be positive")
)

// ValidateSlug checks a market slug for URL safety.
func ValidateSlug(slug string) error {
	if len(slug) == 0 || len(slug) > 100 {
		return fmt.Errorf("%w: %q (must be 1-100 characters)", ErrInvalidSlug, slug)
	}
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("%w: %q (expected lowercase-hyphenated)", ErrInvalidSlug, slug)
	}
	return nil
}

// ValidateMechanism checks the mechanism is one the engine prices.
func ValidateMechanism(mechanism string) error {
	switch mechanism {
	case model.MechanismBinary, model.MechanismMultiSumToOne, model.MechanismMultiIndependent:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidMechanism, mechanism)
}

// CheckTradable verifies the contract accepts new trades at the given
// instant. Resolution is checked before close time so a resolved market
// always reports the stronger condition.
func CheckTradable(c *model.Contract, now time.Time) error {
	if c.IsResolved {
		return fmt.Errorf("%w: %s", ErrResolved, c.ID)
	}
	if !c.CloseTime.IsZero() && !now.Before(c.CloseTime) {
		return fmt.Errorf("%w: %s closed at %s", ErrClosed, c.ID, c.CloseTime.Format(time.RFC3339))
	}
	return nil
}

// SeedPool derives the initial CPMM reserves for a binary contract from
// the creator's subsidy and chosen starting probability. The shape
// parameter p is set so the pool prices at initProb with equal reserves.
func SeedPool(liquidity, initProb decimal.Decimal) (pool cpmm.Pool, p decimal.Decimal, err error) {
	if liquidity.LessThanOrEqual(decimal.Zero) {
		return cpmm.Pool{}, decimal.Zero, ErrBadLiquidity
	}
	if initProb.LessThan(cpmm.MinProb) || initProb.GreaterThan(cpmm.MaxProb) {
		return cpmm.Pool{}, decimal.Zero, fmt.Errorf("%w: initial probability %s out of range",
			cpmm.ErrProbBoundExceeded, initProb)
	}

	// Equal reserves with p = initProb price the pool at exactly initProb.
	pool = cpmm.Pool{Yes: liquidity, No: liquidity}
	return pool, initProb, nil
}

// SeedAnswerPools derives per-answer pools for a sum-to-one multi
// contract. Each answer gets an equal share of the subsidy at a uniform
// starting probability; answer pools always use p = 0.5.
func SeedAnswerPools(liquidity decimal.Decimal, numAnswers int) ([]cpmm.Pool, error) {
	if liquidity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrBadLiquidity
	}
	if numAnswers < 2 {
		return nil, fmt.Errorf("contract: need at least 2 answers, got %d", numAnswers)
	}

	n := decimal.NewFromInt(int64(numAnswers))
	prob := decimal.NewFromInt(1).Div(n).Round(cpmm.Scale)
	perAnswer := liquidity.Div(n)

	pools := make([]cpmm.Pool, numAnswers)
	for i := range pools {
		p, err := cpmm.NewPoolFromProb(perAnswer, prob)
		if err != nil {
			return nil, err
		}
		pools[i] = p
	}
	return pools, nil
}
