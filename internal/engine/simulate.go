package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/book"
)

// Simulation is a read-only dry run of a buy: what the caller would get
// if the order book and pool did not move before execution.
type Simulation struct {
	Shares     decimal.Decimal `json:"shares"`
	Amount     decimal.Decimal `json:"amount"` // cash that would execute
	Unfilled   decimal.Decimal `json:"unfilled"`
	ProbBefore decimal.Decimal `json:"prob_before"`
	ProbAfter  decimal.Decimal `json:"prob_after"`
	Fees       decimal.Decimal `json:"fees"`
}

// SimulateBet prices a buy without locks, commits, or side effects.
// Results are advisory; the actual trade re-executes under locks.
func (e *Executor) SimulateBet(ctx context.Context, req PlaceBetRequest) (*Simulation, error) {
	if err := e.validateBuy(&req); err != nil {
		return nil, err
	}
	st, err := e.loadMarketState(ctx, req.ContractID, req.AnswerID)
	if err != nil {
		return nil, err
	}
	if _, err := e.loadTrader(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := e.now()
	orders, err := e.store.GetOpenOrders(ctx, req.ContractID, st.answerID())
	if err != nil {
		return nil, err
	}
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

	return &Simulation{
		Shares:     res.TakerShares,
		Amount:     res.TakerAmount,
		Unfilled:   res.Unfilled,
		ProbBefore: res.ProbBefore,
		ProbAfter:  res.ProbAfter,
		Fees:       e.takerFee(res.Fills),
	}, nil
}
