// Package cpmm implements the constant-product market maker used to price
// binary prediction markets.
//
// The pool holds YES and NO reserves plus a shape parameter p in (0,1).
// The invariant preserved by every trade is the weighted product
//
//	y^p * n^(1-p) = k
//
// and the implied YES probability is
//
//	prob = p*n / (p*n + (1-p)*y)
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math (fractional powers) runs in float64 with
// results immediately converted back to decimal. Functions here are pure:
// pool state is passed in and returned, never stored.
package cpmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/model"
)

var (
	// ErrInvalidShape is returned when the shape parameter p is outside (0,1).
	ErrInvalidShape = errors.New("cpmm: shape parameter p must be in (0,1)")

	// ErrInvalidPool is returned when a pool reserve is non-positive.
	ErrInvalidPool = errors.New("cpmm: pool reserves must be positive")

	// ErrInvalidAmount is returned for non-positive trade amounts or shares.
	ErrInvalidAmount = errors.New("cpmm: amount must be positive")

	// ErrInvalidOutcome is returned for outcomes other than YES or NO.
	ErrInvalidOutcome = errors.New("cpmm: outcome must be YES or NO")

	// ErrProbBoundExceeded is returned when a trade would push the implied
	// probability outside (MinProb, MaxProb). Trades are rejected, never
	// silently clamped.
	ErrProbBoundExceeded = errors.New("cpmm: trade would push probability beyond allowed bounds")

	// MinProb is the probability floor. Prevents degenerate markets where
	// shares become worthless.
	MinProb = decimal.NewFromFloat(0.0001)

	// MaxProb is the probability ceiling.
	MaxProb = decimal.NewFromFloat(0.9999)

	// Scale is the number of decimal places for share/pool rounding.
	Scale int32 = 12
)

// Pool holds the YES and NO reserves backing one binary market
// (or one answer of an independent multi-outcome market).
type Pool struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Valid reports whether both reserves are strictly positive.
func (pl Pool) Valid() bool {
	return pl.Yes.IsPositive() && pl.No.IsPositive()
}

func validShape(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(decimal.NewFromInt(1))
}

// Probability returns the implied YES probability of the pool:
//
//	p*n / (p*n + (1-p)*y)
//
// Strictly monotonic in the pool ratio: more YES reserve → lower prob.
func Probability(pool Pool, p decimal.Decimal) (decimal.Decimal, error) {
	if !pool.Valid() {
		return decimal.Zero, ErrInvalidPool
	}
	if !validShape(p) {
		return decimal.Zero, ErrInvalidShape
	}
	one := decimal.NewFromInt(1)
	num := p.Mul(pool.No)
	den := num.Add(one.Sub(p).Mul(pool.Yes))
	return num.Div(den).Round(Scale), nil
}

// invariantK computes y^p * n^(1-p) in float64.
func invariantK(y, n, p float64) float64 {
	return math.Pow(y, p) * math.Pow(n, 1-p)
}

// Buy spends amount on the given outcome. Both reserves are credited with
// the amount, then shares are withdrawn from the purchased side so that the
// weighted-product invariant holds. Returns the shares received and the
// resulting pool.
//
// The resulting probability must stay inside (MinProb, MaxProb) or the
// trade is rejected with ErrProbBoundExceeded.
func Buy(pool Pool, p decimal.Decimal, outcome string, amount decimal.Decimal) (decimal.Decimal, Pool, error) {
	if !pool.Valid() {
		return decimal.Zero, Pool{}, ErrInvalidPool
	}
	if !validShape(p) {
		return decimal.Zero, Pool{}, ErrInvalidShape
	}
	if !amount.IsPositive() {
		return decimal.Zero, Pool{}, ErrInvalidAmount
	}
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return decimal.Zero, Pool{}, ErrInvalidOutcome
	}

	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()
	a := amount.InexactFloat64()

	k := invariantK(y, n, pf)

	var shares float64
	var newPool Pool
	if outcome == model.OutcomeYes {
		// (y + a - shares)^p * (n + a)^(1-p) = k
		newY := math.Pow(k/math.Pow(n+a, 1-pf), 1/pf)
		shares = y + a - newY
		newPool = Pool{
			Yes: decimal.NewFromFloat(newY).Round(Scale),
			No:  pool.No.Add(amount).Round(Scale),
		}
	} else {
		// (y + a)^p * (n + a - shares)^(1-p) = k
		newN := math.Pow(k/math.Pow(y+a, pf), 1/(1-pf))
		shares = n + a - newN
		newPool = Pool{
			Yes: pool.Yes.Add(amount).Round(Scale),
			No:  decimal.NewFromFloat(newN).Round(Scale),
		}
	}

	prob, err := Probability(newPool, p)
	if err != nil {
		return decimal.Zero, Pool{}, err
	}
	if prob.LessThan(MinProb) || prob.GreaterThan(MaxProb) {
		return decimal.Zero, Pool{}, ErrProbBoundExceeded
	}

	return decimal.NewFromFloat(shares).Round(Scale), newPool, nil
}

// Sell disposes of shares of the given outcome, returning the cash payout
// and the resulting pool. The payout M solves
//
//	(y + s - M)^p * (n - M)^(1-p) = k      (YES sell)
//
// which has no closed form for general p, so it is found by a fixed-round
// bisection: deterministic for identical inputs.
func Sell(pool Pool, p decimal.Decimal, outcome string, shares decimal.Decimal) (decimal.Decimal, Pool, error) {
	if !pool.Valid() {
		return decimal.Zero, Pool{}, ErrInvalidPool
	}
	if !validShape(p) {
		return decimal.Zero, Pool{}, ErrInvalidShape
	}
	if !shares.IsPositive() {
		return decimal.Zero, Pool{}, ErrInvalidAmount
	}
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return decimal.Zero, Pool{}, ErrInvalidOutcome
	}

	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()
	s := shares.InexactFloat64()

	k := invariantK(y, n, pf)

	// f(M) is strictly decreasing in M; f(0) >= k since shares were added.
	var f func(m float64) float64
	var hi float64
	if outcome == model.OutcomeYes {
		f = func(m float64) float64 { return invariantK(y+s-m, n-m, pf) }
		hi = math.Min(n, y+s)
	} else {
		f = func(m float64) float64 { return invariantK(y-m, n+s-m, pf) }
		hi = math.Min(y, n+s)
	}

	lo := 0.0
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if f(mid) > k {
			lo = mid
		} else {
			hi = mid
		}
	}
	payout := (lo + hi) / 2

	var newPool Pool
	if outcome == model.OutcomeYes {
		newPool = Pool{
			Yes: decimal.NewFromFloat(y + s - payout).Round(Scale),
			No:  decimal.NewFromFloat(n - payout).Round(Scale),
		}
	} else {
		newPool = Pool{
			Yes: decimal.NewFromFloat(y - payout).Round(Scale),
			No:  decimal.NewFromFloat(n + s - payout).Round(Scale),
		}
	}

	if !newPool.Valid() {
		return decimal.Zero, Pool{}, ErrInvalidPool
	}
	prob, err := Probability(newPool, p)
	if err != nil {
		return decimal.Zero, Pool{}, err
	}
	if prob.LessThan(MinProb) || prob.GreaterThan(MaxProb) {
		return decimal.Zero, Pool{}, ErrProbBoundExceeded
	}

	return decimal.NewFromFloat(payout).Round(Scale), newPool, nil
}

// AmountToProb returns the buy amount on the given outcome that moves the
// pool's implied probability to targetProb. Closed form: with c defined as
// p*(1-P) / ((1-p)*P), the post-trade untouched reserve is k / c^p, and the
// amount is its delta over the current reserve.
//
// Returns zero when the pool is already at or past the target in the
// direction of the trade.
func AmountToProb(pool Pool, p decimal.Decimal, outcome string, targetProb decimal.Decimal) (decimal.Decimal, error) {
	if !pool.Valid() {
		return decimal.Zero, ErrInvalidPool
	}
	if !validShape(p) {
		return decimal.Zero, ErrInvalidShape
	}
	if targetProb.LessThanOrEqual(decimal.Zero) || targetProb.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrProbBoundExceeded
	}
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo {
		return decimal.Zero, ErrInvalidOutcome
	}

	cur, err := Probability(pool, p)
	if err != nil {
		return decimal.Zero, err
	}
	// Already at or past the target: nothing to buy.
	if outcome == model.OutcomeYes && cur.GreaterThanOrEqual(targetProb) {
		return decimal.Zero, nil
	}
	if outcome == model.OutcomeNo && cur.LessThanOrEqual(targetProb) {
		return decimal.Zero, nil
	}

	y := pool.Yes.InexactFloat64()
	n := pool.No.InexactFloat64()
	pf := p.InexactFloat64()
	pt := targetProb.InexactFloat64()

	k := invariantK(y, n, pf)

	var amount float64
	if outcome == model.OutcomeYes {
		// After a YES buy of a: untouched reserve n' = n + a, and the YES
		// reserve satisfies y' = c * n' at the target probability.
		c := pf * (1 - pt) / ((1 - pf) * pt)
		n2 := k / math.Pow(c, pf)
		amount = n2 - n
	} else {
		// Symmetric: y' = y + a and n' = y' / c.
		c := pf * (1 - pt) / ((1 - pf) * pt)
		y2 := k * math.Pow(c, 1-pf)
		amount = y2 - y
	}

	if amount <= 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(amount).Round(Scale), nil
}

// NewPoolFromProb builds a pool with the given total liquidity whose
// implied probability equals prob, with p = 0.5. Used when seeding answers.
func NewPoolFromProb(liquidity, prob decimal.Decimal) (Pool, error) {
	if !liquidity.IsPositive() {
		return Pool{}, ErrInvalidAmount
	}
	if prob.LessThanOrEqual(decimal.Zero) || prob.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Pool{}, ErrProbBoundExceeded
	}
	l := liquidity.InexactFloat64()
	q := prob.InexactFloat64()
	// With p = 0.5, prob = n/(y+n) and sqrt(y*n) = l.
	t := l / math.Sqrt(q*(1-q))
	return Pool{
		Yes: decimal.NewFromFloat((1 - q) * t).Round(Scale),
		No:  decimal.NewFromFloat(q * t).Round(Scale),
	}, nil
}
