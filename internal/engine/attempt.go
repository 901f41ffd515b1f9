package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/book"
	"github.com/atmx/bet-engine/internal/cpmm"
	"github.com/atmx/bet-engine/internal/metrics"
	"github.com/atmx/bet-engine/internal/model"
	"github.com/atmx/bet-engine/internal/store"
)

// dust is the share/cash threshold below which remainders are ignored.
var dust = decimal.NewFromFloat(1e-9)

// attemptBuy runs one full buy attempt under locks. Any error aborts
// with zero side effects; ErrConflict and ErrMakerSetChanged are retried
// by the pipeline.
func (e *Executor) attemptBuy(ctx context.Context, req PlaceBetRequest, extra map[string]bool) (*TradeResult, error) {
	keys, orders, err := e.acquireTradeLocks(ctx, req.UserID, req.ContractID, req.AnswerID, extra)
	if err != nil {
		return nil, err
	}
	defer e.locks.Release(keys)

	st, err := e.loadMarketState(ctx, req.ContractID, req.AnswerID)
	if err != nil {
		return nil, err
	}
	user, err := e.loadTrader(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	balances, err := e.makerBalances(ctx, makerUserIDs(orders, now), st.contract.Token)
	if err != nil {
		return nil, err
	}

	res, err := book.MatchBuy(book.BuyRequest{
		Pool:      st.pool,
		P:         st.p,
		Outcome:   req.Outcome,
		Amount:    req.Amount,
		LimitProb: req.LimitProb,
		Orders:    orders,
		Balances:  balances,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}

	fee := e.takerFee(res.Fills)
	debit := res.TakerAmount.Add(fee)

	delta := res.TakerShares
	if req.Outcome == model.OutcomeNo {
		delta = delta.Neg()
	}
	if err := e.checkExposure(ctx, req.UserID, st, delta); err != nil {
		return nil, err
	}

	loan, ltu, err := e.coverDebit(ctx, user, st, debit)
	if err != nil {
		return nil, err
	}

	ws, result, ev, err := e.buildBuyWriteSet(ctx, &req, st, res, fee, loan, ltu, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.CommitTrade(ctx, ws); err != nil {
		return nil, err
	}

	countFills(res.Fills)
	if loan.IsPositive() {
		metrics.LoansIssued.Inc()
	}
	e.publish(ev)
	return result, nil
}

// attemptSell mirrors attemptBuy for the sell direction.
func (e *Executor) attemptSell(ctx context.Context, req SellSharesRequest, extra map[string]bool) (*TradeResult, error) {
	keys, orders, err := e.acquireTradeLocks(ctx, req.UserID, req.ContractID, req.AnswerID, extra)
	if err != nil {
		return nil, err
	}
	defer e.locks.Release(keys)

	st, err := e.loadMarketState(ctx, req.ContractID, req.AnswerID)
	if err != nil {
		return nil, err
	}
	if _, err := e.loadTrader(ctx, req.UserID); err != nil {
		return nil, err
	}

	metric, err := e.store.GetMetric(ctx, req.UserID, req.ContractID, st.answerID())
	if err != nil {
		return nil, err
	}
	held := metric.Shares(req.Outcome)
	shares := req.Shares
	if shares.IsZero() {
		shares = held
	}
	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: nothing to sell", ErrValidation)
	}
	if held.LessThan(shares.Sub(dust)) {
		return nil, fmt.Errorf("%w: hold %s, selling %s", ErrInsufficientShares, held, shares)
	}

	now := e.now()
	balances, err := e.makerBalances(ctx, makerUserIDs(orders, now), st.contract.Token)
	if err != nil {
		return nil, err
	}

	res, err := book.MatchSell(book.SellRequest{
		Pool:      st.pool,
		P:         st.p,
		Outcome:   req.Outcome,
		Shares:    shares,
		LimitProb: req.LimitProb,
		Orders:    orders,
		Balances:  balances,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}

	fee := e.takerFee(res.Fills)

	delta := res.TakerShares.Neg()
	if req.Outcome == model.OutcomeNo {
		delta = delta.Neg()
	}
	if err := e.checkExposure(ctx, req.UserID, st, delta); err != nil {
		return nil, err
	}

	repay, interest, ltu, err := e.repayFromProceeds(ctx, req.UserID, st, res.TakerAmount)
	if err != nil {
		return nil, err
	}

	ws, result, ev, err := e.buildSellWriteSet(&req, st, res, fee, repay, interest, ltu, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.CommitTrade(ctx, ws); err != nil {
		return nil, err
	}

	countFills(res.Fills)
	e.publish(ev)
	return result, nil
}

// takerFee sums the fee over AMM fills; maker fills are fee-free.
func (e *Executor) takerFee(fills []book.Fill) decimal.Decimal {
	fee := decimal.Zero
	charged := false
	for _, f := range fills {
		if !f.IsAMM || !f.TakerShares.IsPositive() {
			continue
		}
		fee = fee.Add(e.cfg.Fees.Taker(f.TakerShares, f.Prob))
		charged = true
	}
	if !charged {
		return decimal.Zero
	}
	return fee
}

func countFills(fills []book.Fill) {
	for _, f := range fills {
		if f.IsAMM {
			metrics.MakerFills.WithLabelValues("amm").Inc()
		} else {
			metrics.MakerFills.WithLabelValues("maker").Inc()
		}
	}
}

// checkExposure applies position limits to the taker's net share delta.
func (e *Executor) checkExposure(ctx context.Context, userID string, st *marketState, delta decimal.Decimal) error {
	if e.limiter == nil || delta.IsZero() {
		return nil
	}
	ms, err := e.store.GetMetricsByUser(ctx, userID)
	if err != nil {
		return err
	}
	exposures := make(map[string]decimal.Decimal, len(ms))
	for _, m := range ms {
		exposures[posKey(m.ContractID, m.AnswerID)] = m.YesShares.Sub(m.NoShares)
	}
	if err := e.limiter.CheckLimit(posKey(st.contract.ID, st.answerID()), delta, exposures); err != nil {
		metrics.PositionLimitRejections.Inc()
		return fmt.Errorf("%w: %v", ErrExposureLimit, err)
	}
	return nil
}

func posKey(contractID, answerID string) string {
	if answerID == "" {
		return contractID
	}
	return contractID + "|" + answerID
}

// --- Write-set assembly ---

func (e *Executor) buildBuyWriteSet(ctx context.Context, req *PlaceBetRequest, st *marketState, res *book.Result, fee, loan decimal.Decimal, ltu *store.LoanTrackingUpdate, now time.Time) (*store.WriteSet, *TradeResult, model.TradeEvent, error) {
	c := st.contract
	aid := st.answerID()

	bet := &model.Bet{
		ID:         e.newID(),
		UserID:     req.UserID,
		ContractID: c.ID,
		AnswerID:   aid,
		Outcome:    req.Outcome,
		Amount:     res.TakerAmount,
		Shares:     res.TakerShares,
		ProbBefore: res.ProbBefore,
		ProbAfter:  res.ProbAfter,
		Fees:       fee,
		LoanAmount: loan,
		DedupeKey:  req.DedupeKey,
		CreatedAt:  now,
	}

	ws := &store.WriteSet{
		DedupeKey:   req.DedupeKey,
		TakerUserID: req.UserID,
		Bets:        []*model.Bet{bet},
	}
	result := &TradeResult{
		Bet:       bet,
		ProbAfter: res.ProbAfter,
		Fees:      fee,
		Loan:      loan,
		Unfilled:  res.Unfilled,
	}

	balances := newBalanceSheet(c.Token)
	balances.add(req.UserID, loan.Sub(res.TakerAmount).Sub(fee))
	if loan.IsPositive() {
		balances.authorize(req.UserID)
	}

	makerOutcome := oppositeOutcome(req.Outcome)
	for _, f := range res.Fills {
		if f.IsAMM {
			continue
		}
		mb := &model.Bet{
			ID:          e.newID(),
			UserID:      f.MakerUserID,
			ContractID:  c.ID,
			AnswerID:    aid,
			Outcome:     makerOutcome,
			Amount:      f.MakerAmount,
			Shares:      f.MakerShares,
			ProbBefore:  f.Prob,
			ProbAfter:   f.Prob,
			IsMakerFill: true,
			CreatedAt:   now,
		}
		ws.Bets = append(ws.Bets, mb)
		result.MakerBets = append(result.MakerBets, mb)

		balances.add(f.MakerUserID, f.MakerAmount.Neg())
		ws.Metrics = append(ws.Metrics, shareMetric(f.MakerUserID, c.ID, aid, makerOutcome, f.MakerShares, f.MakerAmount))
	}

	// Taker position, folding in auto-redemption of opposite pairs.
	takerMetric := shareMetric(req.UserID, c.ID, aid, req.Outcome, res.TakerShares, res.TakerAmount.Add(fee))
	takerMetric.LoanDelta = loan
	redeemed, redemption := e.redeemPairs(ctx, req.UserID, st, req.Outcome, res, &takerMetric, now)
	if redeemed.IsPositive() {
		balances.add(req.UserID, redeemed)
		ws.Bets = append(ws.Bets, redemption)
		result.Redeemed = redeemed
	}
	ws.Metrics = append(ws.Metrics, takerMetric)

	ws.Orders = convertOrderUpdates(res.OrderUpdates)
	ws.Balances = balances.updates()
	if ltu != nil {
		ws.Loans = append(ws.Loans, *ltu)
	}

	if err := e.applyPoolUpdates(ws, st, res, res.TakerAmount); err != nil {
		return nil, nil, model.TradeEvent{}, err
	}

	if req.LimitProb != nil && res.Unfilled.GreaterThan(dust) {
		order := &model.LimitOrder{
			ID:           e.newID(),
			UserID:       req.UserID,
			ContractID:   c.ID,
			AnswerID:     aid,
			Outcome:      req.Outcome,
			LimitProb:    *req.LimitProb,
			OrderAmount:  req.Amount,
			AmountFilled: res.TakerAmount,
			SharesFilled: res.TakerShares,
			ExpiresAt:    req.ExpiresAt,
			CreatedAt:    now,
		}
		ws.NewOrders = append(ws.NewOrders, order)
		result.Order = order
	}

	ev := model.TradeEvent{
		ContractID: c.ID,
		AnswerID:   aid,
		UserID:     req.UserID,
		BetIDs:     betIDs(ws.Bets),
		NewProb:    res.ProbAfter,
	}
	return ws, result, ev, nil
}

func (e *Executor) buildSellWriteSet(req *SellSharesRequest, st *marketState, res *book.Result, fee, repay, interest decimal.Decimal, ltu *store.LoanTrackingUpdate, now time.Time) (*store.WriteSet, *TradeResult, model.TradeEvent, error) {
	c := st.contract
	aid := st.answerID()

	bet := &model.Bet{
		ID:         e.newID(),
		UserID:     req.UserID,
		ContractID: c.ID,
		AnswerID:   aid,
		Outcome:    req.Outcome,
		Amount:     res.TakerAmount.Neg(),
		Shares:     res.TakerShares.Neg(),
		ProbBefore: res.ProbBefore,
		ProbAfter:  res.ProbAfter,
		Fees:       fee,
		LoanAmount: repay.Neg(),
		DedupeKey:  req.DedupeKey,
		CreatedAt:  now,
	}

	ws := &store.WriteSet{
		DedupeKey:   req.DedupeKey,
		TakerUserID: req.UserID,
		Bets:        []*model.Bet{bet},
	}
	result := &TradeResult{
		Bet:       bet,
		ProbAfter: res.ProbAfter,
		Fees:      fee,
		Loan:      repay,
		Unfilled:  res.Unfilled,
	}

	balances := newBalanceSheet(c.Token)
	// Proceeds net of fee, loan repayment, and accrued interest.
	balances.add(req.UserID, res.TakerAmount.Sub(fee).Sub(repay).Sub(interest))
	if repay.IsPositive() || interest.IsPositive() {
		balances.authorize(req.UserID)
	}

	for _, f := range res.Fills {
		if f.IsAMM {
			continue
		}
		// The maker buys the shares being sold at their limit price.
		mb := &model.Bet{
			ID:          e.newID(),
			UserID:      f.MakerUserID,
			ContractID:  c.ID,
			AnswerID:    aid,
			Outcome:     req.Outcome,
			Amount:      f.MakerAmount,
			Shares:      f.MakerShares,
			ProbBefore:  f.Prob,
			ProbAfter:   f.Prob,
			IsMakerFill: true,
			CreatedAt:   now,
		}
		ws.Bets = append(ws.Bets, mb)
		result.MakerBets = append(result.MakerBets, mb)

		balances.add(f.MakerUserID, f.MakerAmount.Neg())
		ws.Metrics = append(ws.Metrics, shareMetric(f.MakerUserID, c.ID, aid, req.Outcome, f.MakerShares, f.MakerAmount))
	}

	takerMetric := shareMetric(req.UserID, c.ID, aid, req.Outcome, res.TakerShares.Neg(), res.TakerAmount.Neg())
	takerMetric.LoanDelta = repay.Neg()
	ws.Metrics = append(ws.Metrics, takerMetric)

	ws.Orders = convertOrderUpdates(res.OrderUpdates)
	ws.Balances = balances.updates()
	if ltu != nil {
		ws.Loans = append(ws.Loans, *ltu)
	}

	if err := e.applyPoolUpdates(ws, st, res, res.TakerAmount); err != nil {
		return nil, nil, model.TradeEvent{}, err
	}

	ev := model.TradeEvent{
		ContractID: c.ID,
		AnswerID:   aid,
		UserID:     req.UserID,
		BetIDs:     betIDs(ws.Bets),
		NewProb:    res.ProbAfter,
	}
	return ws, result, ev, nil
}

// redeemPairs folds auto-redemption into the taker's metric update:
// equal YES and NO holdings convert to cash at 1 per pair.
func (e *Executor) redeemPairs(ctx context.Context, userID string, st *marketState, outcome string, res *book.Result, m *store.MetricUpdate, now time.Time) (decimal.Decimal, *model.Bet) {
	existing, err := e.store.GetMetric(ctx, userID, st.contract.ID, st.answerID())
	if err != nil {
		return decimal.Zero, nil
	}
	yes := existing.YesShares.Add(m.YesSharesDelta)
	no := existing.NoShares.Add(m.NoSharesDelta)
	redeem := decimal.Min(yes, no)
	if !redeem.GreaterThan(dust) {
		return decimal.Zero, nil
	}

	m.YesSharesDelta = m.YesSharesDelta.Sub(redeem)
	m.NoSharesDelta = m.NoSharesDelta.Sub(redeem)
	m.PayoutDelta = m.PayoutDelta.Add(redeem)

	return redeem, &model.Bet{
		ID:           e.newID(),
		UserID:       userID,
		ContractID:   st.contract.ID,
		AnswerID:     st.answerID(),
		Outcome:      outcome,
		Amount:       redeem.Neg(),
		Shares:       redeem.Neg(),
		ProbBefore:   res.ProbAfter,
		ProbAfter:    res.ProbAfter,
		IsRedemption: true,
		CreatedAt:    now,
	}
}

// applyPoolUpdates writes the matcher's final pool back to the contract
// or answer rows, renormalizing siblings for sum-to-one contracts.
func (e *Executor) applyPoolUpdates(ws *store.WriteSet, st *marketState, res *book.Result, volume decimal.Decimal) error {
	c := st.contract

	switch c.Mechanism {
	case model.MechanismBinary:
		poolYes, poolNo := res.Pool.Yes, res.Pool.No
		ws.Contract = &store.ContractUpdate{
			ContractID:      c.ID,
			PoolYes:         &poolYes,
			PoolNo:          &poolNo,
			Prob:            res.ProbAfter,
			VolumeDelta:     volume,
			ExpectedVersion: c.Version,
		}
		return nil

	case model.MechanismMultiIndependent:
		ws.Contract = &store.ContractUpdate{
			ContractID:      c.ID,
			Prob:            c.Prob,
			VolumeDelta:     volume,
			ExpectedVersion: c.Version,
		}
		ws.Answers = append(ws.Answers, store.AnswerUpdate{
			AnswerID:         st.answerID(),
			PoolYes:          res.Pool.Yes,
			PoolNo:           res.Pool.No,
			Prob:             res.ProbAfter,
			TotalSharesDelta: res.TakerShares,
		})
		return nil

	case model.MechanismMultiSumToOne:
		ws.Contract = &store.ContractUpdate{
			ContractID:      c.ID,
			Prob:            c.Prob,
			VolumeDelta:     volume,
			ExpectedVersion: c.Version,
		}
		newPools, err := cpmm.RenormalizeAnswers(answerPools(st.answers), st.idx, res.Pool)
		if err != nil {
			return err
		}
		for i, a := range st.answers {
			prob, err := cpmm.AnswerProb(newPools[i])
			if err != nil {
				return err
			}
			au := store.AnswerUpdate{
				AnswerID: a.ID,
				PoolYes:  newPools[i].Yes,
				PoolNo:   newPools[i].No,
				Prob:     prob,
			}
			if i == st.idx {
				au.TotalSharesDelta = res.TakerShares
			}
			ws.Answers = append(ws.Answers, au)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMechanism, c.Mechanism)
}

// --- Small helpers ---

func oppositeOutcome(outcome string) string {
	if outcome == model.OutcomeYes {
		return model.OutcomeNo
	}
	return model.OutcomeYes
}

func shareMetric(userID, contractID, answerID, outcome string, shares, invested decimal.Decimal) store.MetricUpdate {
	m := store.MetricUpdate{
		UserID:        userID,
		ContractID:    contractID,
		AnswerID:      answerID,
		InvestedDelta: invested,
	}
	if outcome == model.OutcomeYes {
		m.YesSharesDelta = shares
	} else {
		m.NoSharesDelta = shares
	}
	return m
}

func convertOrderUpdates(in []book.OrderUpdate) []store.OrderUpdate {
	out := make([]store.OrderUpdate, 0, len(in))
	for _, u := range in {
		out = append(out, store.OrderUpdate{
			OrderID:           u.OrderID,
			AmountFilledDelta: u.AmountFilled,
			SharesFilledDelta: u.SharesFilled,
			IsFilled:          u.NowFilled,
			IsCancelled:       u.NowCancelled,
		})
	}
	return out
}

func betIDs(bets []*model.Bet) []string {
	ids := make([]string, len(bets))
	for i, b := range bets {
		ids[i] = b.ID
	}
	return ids
}

// balanceSheet aggregates per-user balance deltas into one update each,
// so a maker matched by several fills gets a single floor check.
type balanceSheet struct {
	token      string
	order      []string
	deltas     map[string]decimal.Decimal
	overdrafts map[string]bool
}

func newBalanceSheet(token string) *balanceSheet {
	return &balanceSheet{
		token:      token,
		deltas:     map[string]decimal.Decimal{},
		overdrafts: map[string]bool{},
	}
}

func (b *balanceSheet) add(userID string, delta decimal.Decimal) {
	if _, ok := b.deltas[userID]; !ok {
		b.order = append(b.order, userID)
	}
	b.deltas[userID] = b.deltas[userID].Add(delta)
}

// authorize lets the user's balance go negative in this commit. Loan-backed
// debits and interest charges are the only callers.
func (b *balanceSheet) authorize(userID string) {
	b.overdrafts[userID] = true
}

func (b *balanceSheet) updates() []store.BalanceUpdate {
	out := make([]store.BalanceUpdate, 0, len(b.order))
	for _, uid := range b.order {
		out = append(out, store.BalanceUpdate{
			UserID:        uid,
			Token:         b.token,
			Delta:         b.deltas[uid],
			AllowNegative: b.overdrafts[uid],
		})
	}
	return out
}
