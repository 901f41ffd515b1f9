package cpmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoAnswers is returned when a multi-outcome operation receives an
	// empty answer set.
	ErrNoAnswers = errors.New("cpmm: answer set must not be empty")

	// ErrAnswerIndex is returned for an out-of-range answer index.
	ErrAnswerIndex = errors.New("cpmm: answer index out of range")

	// ErrProbSum is returned when a sum-to-one answer set does not sum
	// to 1 within tolerance.
	ErrProbSum = errors.New("cpmm: answer probabilities must sum to 1")
)

// probSumTolerance bounds the drift allowed on Σ probs before a
// sum-to-one answer set is considered corrupt.
var probSumTolerance = decimal.NewFromFloat(1e-6)

// half is the fixed shape parameter for per-answer pools: multi-outcome
// answers always use p = 0.5, so prob = no / (yes + no).
var half = decimal.NewFromFloat(0.5)

// AnswerProb returns the implied probability of one answer pool (p = 0.5).
func AnswerProb(pool Pool) (decimal.Decimal, error) {
	return Probability(pool, half)
}

// SumProbs returns Σ prob over the answer pools.
func SumProbs(pools []Pool) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, pl := range pools {
		q, err := AnswerProb(pl)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(q)
	}
	return sum, nil
}

// ValidateSumToOne checks that the answer probabilities sum to 1 within
// tolerance. Called before trading on a cpmm-multi-1 contract.
func ValidateSumToOne(pools []Pool) error {
	if len(pools) == 0 {
		return ErrNoAnswers
	}
	sum, err := SumProbs(pools)
	if err != nil {
		return err
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(probSumTolerance) {
		return ErrProbSum
	}
	return nil
}

// liquidity returns sqrt(yes*no), the scale-invariant liquidity measure of
// a p = 0.5 pool. Preserved when sibling pools are rebalanced.
func liquidity(pool Pool) decimal.Decimal {
	f := pool.Yes.Mul(pool.No).InexactFloat64()
	return decimal.NewFromFloat(math.Sqrt(f)).Round(Scale)
}

// poolAtProb rebuilds a p = 0.5 pool at probability q keeping its
// liquidity constant.
func poolAtProb(l, q decimal.Decimal) Pool {
	lf := l.InexactFloat64()
	qf := q.InexactFloat64()
	t := lf / math.Sqrt(qf*(1-qf))
	return Pool{
		Yes: decimal.NewFromFloat((1 - qf) * t).Round(Scale),
		No:  decimal.NewFromFloat(qf * t).Round(Scale),
	}
}

// BuyAnswer executes a buy of amount on one answer of a sum-to-one
// multi-outcome market. The traded answer's pool absorbs the trade as a
// normal p = 0.5 CPMM buy; sibling pools are then rebalanced so that the
// probabilities again sum to 1, each sibling keeping its own liquidity
// and its share of the remaining probability mass.
//
// Returns shares received and the full new pool set.
func BuyAnswer(pools []Pool, idx int, outcome string, amount decimal.Decimal) (decimal.Decimal, []Pool, error) {
	if len(pools) == 0 {
		return decimal.Zero, nil, ErrNoAnswers
	}
	if idx < 0 || idx >= len(pools) {
		return decimal.Zero, nil, ErrAnswerIndex
	}
	if err := ValidateSumToOne(pools); err != nil {
		return decimal.Zero, nil, err
	}

	shares, traded, err := Buy(pools[idx], half, outcome, amount)
	if err != nil {
		return decimal.Zero, nil, err
	}

	newPools, err := renormalize(pools, idx, traded)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return shares, newPools, nil
}

// SellAnswer is the inverse of BuyAnswer: a p = 0.5 CPMM sell on one
// answer followed by sibling rebalancing.
func SellAnswer(pools []Pool, idx int, outcome string, shares decimal.Decimal) (decimal.Decimal, []Pool, error) {
	if len(pools) == 0 {
		return decimal.Zero, nil, ErrNoAnswers
	}
	if idx < 0 || idx >= len(pools) {
		return decimal.Zero, nil, ErrAnswerIndex
	}
	if err := ValidateSumToOne(pools); err != nil {
		return decimal.Zero, nil, err
	}

	payout, traded, err := Sell(pools[idx], half, outcome, shares)
	if err != nil {
		return decimal.Zero, nil, err
	}

	newPools, err := renormalize(pools, idx, traded)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return payout, newPools, nil
}

// RenormalizeAnswers rebalances sibling pools after pools[idx] was traded
// to the given state by an external path (e.g. the order book matcher
// walking the pool directly). Semantics match BuyAnswer's rebalance step.
func RenormalizeAnswers(pools []Pool, idx int, traded Pool) ([]Pool, error) {
	if len(pools) == 0 {
		return nil, ErrNoAnswers
	}
	if idx < 0 || idx >= len(pools) {
		return nil, ErrAnswerIndex
	}
	return renormalize(pools, idx, traded)
}

// Half returns the fixed shape parameter used by per-answer pools.
func Half() decimal.Decimal { return half }

// renormalize rebuilds the answer pool set after pools[idx] changed to
// traded: siblings are scaled proportionally into the remaining
// probability mass, preserving each sibling's liquidity.
func renormalize(pools []Pool, idx int, traded Pool) ([]Pool, error) {
	newProb, err := AnswerProb(traded)
	if err != nil {
		return nil, err
	}
	remaining := decimal.NewFromInt(1).Sub(newProb)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return nil, ErrProbBoundExceeded
	}

	othersSum := decimal.Zero
	for i, pl := range pools {
		if i == idx {
			continue
		}
		q, err := AnswerProb(pl)
		if err != nil {
			return nil, err
		}
		othersSum = othersSum.Add(q)
	}
	if !othersSum.IsPositive() {
		return nil, ErrProbSum
	}
	scale := remaining.Div(othersSum)

	newPools := make([]Pool, len(pools))
	for i, pl := range pools {
		if i == idx {
			newPools[i] = traded
			continue
		}
		q, err := AnswerProb(pl)
		if err != nil {
			return nil, err
		}
		q2 := q.Mul(scale)
		if q2.LessThan(MinProb) || q2.GreaterThan(MaxProb) {
			return nil, ErrProbBoundExceeded
		}
		newPools[i] = poolAtProb(liquidity(pl), q2)
	}
	return newPools, nil
}

// BuyIndependent executes a buy on one answer of an independent
// multi-outcome market (cpmm-multi-2). Sibling answers are untouched.
func BuyIndependent(pool Pool, outcome string, amount decimal.Decimal) (decimal.Decimal, Pool, error) {
	return Buy(pool, half, outcome, amount)
}

// SellIndependent executes a sell on one answer of an independent
// multi-outcome market.
func SellIndependent(pool Pool, outcome string, shares decimal.Decimal) (decimal.Decimal, Pool, error) {
	return Sell(pool, half, outcome, shares)
}
