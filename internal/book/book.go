// Package book matches incoming trades against resting limit orders before
// routing the remainder through the CPMM pool.
//
// Matching is deterministic: given an identical order-book snapshot and
// taker order, the fills are bit-for-bit reproducible. Resting orders are
// sorted best-price-first with ties broken by creation time, then order id.
// Maker fills transfer shares at the maker's limit price and never move the
// pool; only AMM fills mutate pool reserves.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/cpmm"
	"github.com/atmx/bet-engine/internal/model"
)

// minRemainder is the dust threshold below which a remainder is treated
// as fully filled, absorbing rounding residue from price arithmetic.
var minRemainder = decimal.NewFromFloat(1e-9)

// Fill is one execution step: either a match against a resting order
// (MakerOrderID set) or a fill against the AMM pool (IsAMM).
type Fill struct {
	MakerOrderID string
	MakerUserID  string
	TakerAmount  decimal.Decimal // cash paid by the taker
	TakerShares  decimal.Decimal // shares received by the taker
	MakerAmount  decimal.Decimal // cash paid by the maker (zero for AMM fills)
	MakerShares  decimal.Decimal // shares received by the maker (zero for AMM fills)
	Prob         decimal.Decimal // execution price in YES-probability space
	IsAMM        bool
}

// OrderUpdate records how a resting order was consumed during matching.
// The executor turns these into typed store updates.
type OrderUpdate struct {
	OrderID      string
	AmountFilled decimal.Decimal // delta added to the order's filled amount
	SharesFilled decimal.Decimal
	NowFilled    bool
	NowCancelled bool // remainder cancelled, e.g. maker balance shortfall
}

// BuyRequest is the matcher input for a buy (cash in, shares out).
type BuyRequest struct {
	Pool      cpmm.Pool
	P         decimal.Decimal
	Outcome   string
	Amount    decimal.Decimal
	LimitProb *decimal.Decimal // taker's own bound; nil for a market order
	Orders    []*model.LimitOrder
	Balances  map[string]decimal.Decimal // maker user id → available balance
	Now       time.Time
}

// SellRequest is the matcher input for a sell (shares in, cash out).
type SellRequest struct {
	Pool      cpmm.Pool
	P         decimal.Decimal
	Outcome   string // outcome being sold
	Shares    decimal.Decimal
	LimitProb *decimal.Decimal
	Orders    []*model.LimitOrder
	Balances  map[string]decimal.Decimal
	Now       time.Time
}

// Result is the matcher output. Unfilled is the taker remainder that did
// not execute (it becomes a resting order for limit takers, or is simply
// not charged for market takers constrained by price bounds).
type Result struct {
	Fills        []Fill
	Pool         cpmm.Pool
	ProbBefore   decimal.Decimal
	ProbAfter    decimal.Decimal
	TakerAmount  decimal.Decimal // total cash moved (buys) or received (sells)
	TakerShares  decimal.Decimal
	Unfilled     decimal.Decimal // cash for buys, shares for sells
	MakerUserIDs []string        // every maker touched, deduped, sorted
	OrderUpdates []OrderUpdate
}

// sortOrders orders makers best-price-first for the taker.
// YES takers consume NO orders cheapest-YES-first (ascending limit prob);
// NO takers consume YES orders descending. Ties: earliest creation, then id.
func sortOrders(orders []*model.LimitOrder, takerOutcome string) {
	asc := takerOutcome == model.OutcomeYes
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.LimitProb.Equal(b.LimitProb) {
			if asc {
				return a.LimitProb.LessThan(b.LimitProb)
			}
			return a.LimitProb.GreaterThan(b.LimitProb)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// makerFavorable reports whether a maker at limit prob l beats the current
// AMM price for the taker.
func makerFavorable(l, ammProb decimal.Decimal, takerOutcome string) bool {
	if takerOutcome == model.OutcomeYes {
		return l.LessThanOrEqual(ammProb)
	}
	return l.GreaterThanOrEqual(ammProb)
}

// withinTakerLimit reports whether price l is acceptable under the taker's
// own limit.
func withinTakerLimit(l decimal.Decimal, limit *decimal.Decimal, takerOutcome string) bool {
	if limit == nil {
		return true
	}
	if takerOutcome == model.OutcomeYes {
		return l.LessThanOrEqual(*limit)
	}
	return l.GreaterThanOrEqual(*limit)
}

// opposite returns the other outcome.
func opposite(outcome string) string {
	if outcome == model.OutcomeYes {
		return model.OutcomeNo
	}
	return model.OutcomeYes
}

// MatchBuy fills a buy first against favorable resting orders on the
// opposite outcome, then against the AMM pool, alternating as the pool
// price walks through maker limits. See package doc for ordering rules.
func MatchBuy(req BuyRequest) (*Result, error) {
	probBefore, err := cpmm.Probability(req.Pool, req.P)
	if err != nil {
		return nil, err
	}

	makers := filterOpen(req.Orders, opposite(req.Outcome), req.Now)
	sortOrders(makers, req.Outcome)

	res := &Result{Pool: req.Pool, ProbBefore: probBefore}
	avail := cloneBalances(req.Balances)
	updates := map[string]*OrderUpdate{}
	makerSet := map[string]bool{}

	remaining := req.Amount
	mi := 0
	one := decimal.NewFromInt(1)

	for remaining.GreaterThan(minRemainder) {
		ammProb, err := cpmm.Probability(res.Pool, req.P)
		if err != nil {
			return nil, err
		}

		// Skip makers already exhausted by earlier iterations.
		for mi < len(makers) && !openRemaining(makers[mi], updates) {
			mi++
		}

		var maker *model.LimitOrder
		if mi < len(makers) {
			m := makers[mi]
			if makerFavorable(m.LimitProb, ammProb, req.Outcome) && withinTakerLimit(m.LimitProb, req.LimitProb, req.Outcome) {
				maker = m
			}
		}

		if maker != nil {
			l := maker.LimitProb
			takerPrice := l
			makerPrice := one.Sub(l)
			if req.Outcome == model.OutcomeNo {
				takerPrice, makerPrice = makerPrice, takerPrice
			}

			makerCash := remainingAfter(maker, updates)
			bal, ok := avail[maker.UserID]
			if ok && bal.LessThan(makerCash) {
				makerCash = bal
			}
			if !makerCash.IsPositive() {
				// Maker can no longer honor the order: cancel the rest.
				u := update(updates, maker.ID)
				u.NowCancelled = true
				mi++
				continue
			}

			takerShares := remaining.Div(takerPrice)
			makerShares := makerCash.Div(makerPrice)
			fillShares := decimal.Min(takerShares, makerShares)

			takerAmount := fillShares.Mul(takerPrice).Round(cpmm.Scale)
			makerAmount := fillShares.Mul(makerPrice).Round(cpmm.Scale)

			res.Fills = append(res.Fills, Fill{
				MakerOrderID: maker.ID,
				MakerUserID:  maker.UserID,
				TakerAmount:  takerAmount,
				TakerShares:  fillShares.Round(cpmm.Scale),
				MakerAmount:  makerAmount,
				MakerShares:  fillShares.Round(cpmm.Scale),
				Prob:         l,
			})
			makerSet[maker.UserID] = true

			u := update(updates, maker.ID)
			u.AmountFilled = u.AmountFilled.Add(makerAmount)
			u.SharesFilled = u.SharesFilled.Add(fillShares)
			if !remainingAfter(maker, updates).IsPositive() {
				u.NowFilled = true
			}
			if ok {
				avail[maker.UserID] = bal.Sub(makerAmount)
			}

			remaining = remaining.Sub(takerAmount)
			// Maker had less depth than the taker wanted but a positive
			// balance remains on the order: the shortfall cancels it.
			if fillShares.Equal(makerShares) && remainingAfter(maker, updates).IsPositive() {
				u.NowCancelled = true
			}
			continue
		}

		// AMM stage: walk the pool up to the next maker limit or the
		// taker's own limit, whichever binds first.
		stop := nextStopProb(makers, mi, updates, req.LimitProb, req.Outcome)
		take := remaining
		if stop != nil {
			bounded, err := cpmm.AmountToProb(res.Pool, req.P, req.Outcome, *stop)
			if err != nil {
				return nil, err
			}
			take = decimal.Min(take, bounded)
		}
		if !take.IsPositive() {
			break // taker limit reached; remainder rests
		}

		shares, newPool, err := cpmm.Buy(res.Pool, req.P, req.Outcome, take)
		if err != nil {
			return nil, err
		}
		probAt, err := cpmm.Probability(newPool, req.P)
		if err != nil {
			return nil, err
		}
		res.Fills = append(res.Fills, Fill{
			TakerAmount: take,
			TakerShares: shares,
			Prob:        probAt,
			IsAMM:       true,
		})
		res.Pool = newPool
		remaining = remaining.Sub(take)
	}

	return finishResult(res, req.P, remaining, updates, makerSet)
}

// MatchSell fills a sell first against favorable resting orders on the
// same outcome (buyers of the shares being sold), then against the AMM.
// Maker fills transfer existing shares: the maker pays the limit price and
// takes over the shares, the seller receives the cash; the pool is
// untouched.
func MatchSell(req SellRequest) (*Result, error) {
	probBefore, err := cpmm.Probability(req.Pool, req.P)
	if err != nil {
		return nil, err
	}

	// Buyers of YES rest on YES; selling YES consumes them best-first,
	// which is the same ordering a NO taker would use.
	makers := filterOpen(req.Orders, req.Outcome, req.Now)
	sortOrders(makers, opposite(req.Outcome))

	res := &Result{Pool: req.Pool, ProbBefore: probBefore}
	avail := cloneBalances(req.Balances)
	updates := map[string]*OrderUpdate{}
	makerSet := map[string]bool{}

	remaining := req.Shares
	mi := 0
	one := decimal.NewFromInt(1)

	for remaining.GreaterThan(minRemainder) {
		ammProb, err := cpmm.Probability(res.Pool, req.P)
		if err != nil {
			return nil, err
		}

		for mi < len(makers) && !openRemaining(makers[mi], updates) {
			mi++
		}

		var maker *model.LimitOrder
		if mi < len(makers) {
			m := makers[mi]
			// A resting buyer at limit l is favorable to the seller when l
			// is above (YES sell) or below (NO sell) the AMM price.
			if makerFavorable(m.LimitProb, ammProb, opposite(req.Outcome)) && sellWithinLimit(m.LimitProb, req.LimitProb, req.Outcome) {
				maker = m
			}
		}

		if maker != nil {
			// Price per share of the sold outcome.
			price := maker.LimitProb
			if req.Outcome == model.OutcomeNo {
				price = one.Sub(maker.LimitProb)
			}

			makerCash := remainingAfter(maker, updates)
			bal, ok := avail[maker.UserID]
			if ok && bal.LessThan(makerCash) {
				makerCash = bal
			}
			if !makerCash.IsPositive() {
				u := update(updates, maker.ID)
				u.NowCancelled = true
				mi++
				continue
			}

			makerShares := makerCash.Div(price)
			fillShares := decimal.Min(remaining, makerShares)
			cash := fillShares.Mul(price).Round(cpmm.Scale)

			res.Fills = append(res.Fills, Fill{
				MakerOrderID: maker.ID,
				MakerUserID:  maker.UserID,
				TakerAmount:  cash, // received by the seller
				TakerShares:  fillShares.Round(cpmm.Scale),
				MakerAmount:  cash,
				MakerShares:  fillShares.Round(cpmm.Scale),
				Prob:         maker.LimitProb,
			})
			makerSet[maker.UserID] = true

			u := update(updates, maker.ID)
			u.AmountFilled = u.AmountFilled.Add(cash)
			u.SharesFilled = u.SharesFilled.Add(fillShares)
			if !remainingAfter(maker, updates).IsPositive() {
				u.NowFilled = true
			}
			if ok {
				avail[maker.UserID] = bal.Sub(cash)
			}

			remaining = remaining.Sub(fillShares)
			if fillShares.Equal(makerShares) && remainingAfter(maker, updates).IsPositive() {
				u.NowCancelled = true
			}
			continue
		}

		// AMM stage: walk the pool down (YES sell) or up (NO sell) only as
		// far as the next resting buyer's limit or the seller's own bound,
		// whichever the price hits first.
		stop := nextSellStopProb(makers, mi, updates, req.LimitProb, req.Outcome)
		toSell := remaining
		if stop != nil {
			bounded, err := sharesToProb(res.Pool, req.P, req.Outcome, *stop, remaining)
			if err != nil {
				return nil, err
			}
			toSell = bounded
		}
		if !toSell.IsPositive() {
			break // seller limit reached; remainder stays with the seller
		}

		payout, newPool, err := cpmm.Sell(res.Pool, req.P, req.Outcome, toSell)
		if err != nil {
			return nil, err
		}
		probAt, err := cpmm.Probability(newPool, req.P)
		if err != nil {
			return nil, err
		}
		res.Fills = append(res.Fills, Fill{
			TakerAmount: payout,
			TakerShares: toSell,
			Prob:        probAt,
			IsAMM:       true,
		})
		res.Pool = newPool
		remaining = remaining.Sub(toSell)
	}

	return finishResult(res, req.P, remaining, updates, makerSet)
}

// sellWithinLimit: a YES seller with limit q will not sell below price q;
// a NO seller will not sell while the YES prob is below q.
func sellWithinLimit(l decimal.Decimal, limit *decimal.Decimal, soldOutcome string) bool {
	if limit == nil {
		return true
	}
	if soldOutcome == model.OutcomeYes {
		return l.GreaterThanOrEqual(*limit)
	}
	return l.LessThanOrEqual(*limit)
}

// sharesToProb returns how many shares (at most max) can be sold before
// the pool hits the limit probability. Found by bisection over the sold
// quantity; deterministic fixed-round search.
func sharesToProb(pool cpmm.Pool, p decimal.Decimal, outcome string, limit decimal.Decimal, max decimal.Decimal) (decimal.Decimal, error) {
	probAt := func(s decimal.Decimal) (decimal.Decimal, error) {
		if !s.IsPositive() {
			return cpmm.Probability(pool, p)
		}
		_, np, err := cpmm.Sell(pool, p, outcome, s)
		if err != nil {
			return decimal.Zero, err
		}
		return cpmm.Probability(np, p)
	}

	full, err := probAt(max)
	if err == nil && sellWithinLimit(full, &limit, outcome) {
		return max, nil // selling everything stays within the limit
	}

	lo, hi := decimal.Zero, max
	two := decimal.NewFromInt(2)
	for i := 0; i < 64; i++ {
		mid := lo.Add(hi).Div(two)
		q, err := probAt(mid)
		if err != nil || !sellWithinLimit(q, &limit, outcome) {
			hi = mid
			continue
		}
		lo = mid
	}
	return lo.Round(cpmm.Scale), nil
}

// nextSellStopProb is the sell-direction analog of nextStopProb: the
// closest open buyer's limit in the direction the price is moving,
// tightened by the seller's own bound.
func nextSellStopProb(makers []*model.LimitOrder, mi int, updates map[string]*OrderUpdate, takerLimit *decimal.Decimal, soldOutcome string) *decimal.Decimal {
	var stop *decimal.Decimal
	for i := mi; i < len(makers); i++ {
		if openRemaining(makers[i], updates) {
			l := makers[i].LimitProb
			stop = &l
			break
		}
	}
	if takerLimit != nil {
		if stop == nil || !sellWithinLimit(*stop, takerLimit, soldOutcome) {
			stop = takerLimit
		}
	}
	return stop
}

// nextStopProb returns the price at which the AMM walk should pause:
// the closest upcoming maker limit, tightened by the taker's own limit.
func nextStopProb(makers []*model.LimitOrder, mi int, updates map[string]*OrderUpdate, takerLimit *decimal.Decimal, takerOutcome string) *decimal.Decimal {
	var stop *decimal.Decimal
	for i := mi; i < len(makers); i++ {
		if openRemaining(makers[i], updates) {
			l := makers[i].LimitProb
			stop = &l
			break
		}
	}
	if takerLimit != nil {
		if stop == nil || !withinTakerLimit(*stop, takerLimit, takerOutcome) {
			stop = takerLimit
		}
	}
	return stop
}

func filterOpen(orders []*model.LimitOrder, outcome string, now time.Time) []*model.LimitOrder {
	var out []*model.LimitOrder
	for _, o := range orders {
		if o.Outcome == outcome && o.Open(now) {
			out = append(out, o)
		}
	}
	return out
}

func openRemaining(o *model.LimitOrder, updates map[string]*OrderUpdate) bool {
	u := updates[o.ID]
	if u != nil && (u.NowFilled || u.NowCancelled) {
		return false
	}
	return remainingAfter(o, updates).IsPositive()
}

func remainingAfter(o *model.LimitOrder, updates map[string]*OrderUpdate) decimal.Decimal {
	rem := o.Remaining()
	if u := updates[o.ID]; u != nil {
		rem = rem.Sub(u.AmountFilled)
	}
	return rem
}

func update(updates map[string]*OrderUpdate, orderID string) *OrderUpdate {
	u := updates[orderID]
	if u == nil {
		u = &OrderUpdate{OrderID: orderID}
		updates[orderID] = u
	}
	return u
}

func cloneBalances(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func finishResult(res *Result, p decimal.Decimal, remaining decimal.Decimal, updates map[string]*OrderUpdate, makerSet map[string]bool) (*Result, error) {
	probAfter, err := cpmm.Probability(res.Pool, p)
	if err != nil {
		return nil, err
	}
	res.ProbAfter = probAfter
	res.Unfilled = remaining

	for _, f := range res.Fills {
		res.TakerAmount = res.TakerAmount.Add(f.TakerAmount)
		res.TakerShares = res.TakerShares.Add(f.TakerShares)
	}

	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		u := updates[id]
		u.AmountFilled = u.AmountFilled.Round(cpmm.Scale)
		u.SharesFilled = u.SharesFilled.Round(cpmm.Scale)
		res.OrderUpdates = append(res.OrderUpdates, *u)
	}

	users := make([]string, 0, len(makerSet))
	for uid := range makerSet {
		users = append(users, uid)
	}
	sort.Strings(users)
	res.MakerUserIDs = users

	return res, nil
}
