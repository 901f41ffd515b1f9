// Package engine implements the trade execution pipeline: validation,
// order matching, pool pricing, loan issuance, and atomic commit with
// optimistic retry.
//
// Every trade runs Validate → Compute → Commit. Rejection at any stage
// leaves zero side effects; all state changes land in one store
// transaction. Per-key serialization (user, contract, touched makers)
// makes concurrent trades on one market equivalent to some serial order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/config"
	"github.com/atmx/bet-engine/internal/contract"
	"github.com/atmx/bet-engine/internal/cpmm"
	"github.com/atmx/bet-engine/internal/limits"
	"github.com/atmx/bet-engine/internal/lockset"
	"github.com/atmx/bet-engine/internal/metrics"
	"github.com/atmx/bet-engine/internal/model"
	"github.com/atmx/bet-engine/internal/store"
)

// Executor runs the trade pipeline against a Store.
type Executor struct {
	store   store.Store
	locks   *lockset.Set
	cfg     config.EngineConfig
	limiter *limits.PositionLimiter
	logger  *slog.Logger
	sinks   []EventSink

	// Overridable for tests.
	now   func() time.Time
	newID func() string
}

// NewExecutor creates an executor. Sinks receive best-effort post-commit
// events; their failures are logged, never propagated.
func NewExecutor(st store.Store, locks *lockset.Set, cfg config.EngineConfig, logger *slog.Logger, sinks ...EventSink) *Executor {
	return &Executor{
		store: st,
		locks: locks,
		cfg:   cfg,
		limiter: limits.NewPositionLimiter(
			decimal.NewFromFloat(cfg.Limits.MaxPerContract),
			decimal.NewFromFloat(cfg.Limits.MaxTotal),
		),
		logger: logger,
		sinks:  sinks,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// PlaceBetRequest is a buy: cash in, shares out. A non-nil LimitProb
// makes this a limit order; any unfilled remainder rests on the book.
type PlaceBetRequest struct {
	UserID     string
	ContractID string
	AnswerID   string // required for multi-outcome contracts
	Outcome    string
	Amount     decimal.Decimal
	LimitProb  *decimal.Decimal
	ExpiresAt  *time.Time
	DedupeKey  string // "" disables idempotency
}

// SellSharesRequest is a sell: shares in, cash out. Zero Shares sells the
// user's full position in the outcome.
type SellSharesRequest struct {
	UserID     string
	ContractID string
	AnswerID   string
	Outcome    string
	Shares     decimal.Decimal
	LimitProb  *decimal.Decimal
	DedupeKey  string
}

// TradeResult is the outcome of a committed trade.
type TradeResult struct {
	Bet        *model.Bet
	MakerBets  []*model.Bet
	Order      *model.LimitOrder // resting remainder, nil when fully filled
	ProbAfter  decimal.Decimal
	Fees       decimal.Decimal
	Loan       decimal.Decimal // issued (buys) or repaid (sells)
	Redeemed   decimal.Decimal
	Unfilled   decimal.Decimal // remainder that did not execute
	Idempotent bool // replayed from a previously committed dedupe key
}

// PlaceBet executes a buy through the full pipeline.
func (e *Executor) PlaceBet(ctx context.Context, req PlaceBetRequest) (*TradeResult, error) {
	if err := e.validateBuy(&req); err != nil {
		return nil, err
	}
	if res, ok, err := e.replayDedupe(ctx, req.UserID, req.DedupeKey); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	start := e.now()
	res, err := e.runPipeline(ctx, req.UserID, req.DedupeKey, func(ctx context.Context, extra map[string]bool) (*TradeResult, error) {
		return e.attemptBuy(ctx, req, extra)
	})
	if err != nil {
		return nil, err
	}
	metrics.BetsTotal.WithLabelValues("buy").Inc()
	metrics.BetLatency.WithLabelValues("buy").Observe(e.now().Sub(start).Seconds())
	return res, nil
}

// SellShares executes a sell through the full pipeline.
func (e *Executor) SellShares(ctx context.Context, req SellSharesRequest) (*TradeResult, error) {
	if err := e.validateSell(&req); err != nil {
		return nil, err
	}
	if res, ok, err := e.replayDedupe(ctx, req.UserID, req.DedupeKey); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	start := e.now()
	res, err := e.runPipeline(ctx, req.UserID, req.DedupeKey, func(ctx context.Context, extra map[string]bool) (*TradeResult, error) {
		return e.attemptSell(ctx, req, extra)
	})
	if err != nil {
		return nil, err
	}
	metrics.BetsTotal.WithLabelValues("sell").Inc()
	metrics.BetLatency.WithLabelValues("sell").Observe(e.now().Sub(start).Seconds())
	return res, nil
}

// CancelOrder cancels a resting order owned by userID. Runs under the
// contract lock so it serializes with in-flight matching.
func (e *Executor) CancelOrder(ctx context.Context, orderID, userID string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	keys := []string{contractKey(o.ContractID), userKey(userID)}
	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout)
	defer cancel()
	if err := e.locks.Acquire(lockCtx, keys); err != nil {
		return err
	}
	defer e.locks.Release(keys)

	return e.store.CancelOrder(ctx, orderID, userID)
}

// --- Validation ---

func (e *Executor) validateBuy(req *PlaceBetRequest) error {
	if req.UserID == "" || req.ContractID == "" {
		return fmt.Errorf("%w: user and contract ids required", ErrValidation)
	}
	if req.Outcome != model.OutcomeYes && req.Outcome != model.OutcomeNo {
		return fmt.Errorf("%w: outcome must be YES or NO", ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.LimitProb != nil {
		if req.LimitProb.LessThan(cpmm.MinProb) || req.LimitProb.GreaterThan(cpmm.MaxProb) {
			return fmt.Errorf("%w: limit probability out of range", ErrValidation)
		}
	}
	return nil
}

func (e *Executor) validateSell(req *SellSharesRequest) error {
	if req.UserID == "" || req.ContractID == "" {
		return fmt.Errorf("%w: user and contract ids required", ErrValidation)
	}
	if req.Outcome != model.OutcomeYes && req.Outcome != model.OutcomeNo {
		return fmt.Errorf("%w: outcome must be YES or NO", ErrValidation)
	}
	if req.Shares.IsNegative() {
		return fmt.Errorf("%w: shares must not be negative", ErrValidation)
	}
	return nil
}

// replayDedupe returns the previously committed result for a dedupe key.
func (e *Executor) replayDedupe(ctx context.Context, userID, key string) (*TradeResult, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	b, err := e.store.GetBetByDedupeKey(ctx, userID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &TradeResult{Bet: b, ProbAfter: b.ProbAfter, Fees: b.Fees, Idempotent: true}, true, nil
}

// runPipeline retries an attempt on commit conflicts and maker-set
// expansion, up to the configured budget.
func (e *Executor) runPipeline(ctx context.Context, userID, dedupeKey string, attempt func(context.Context, map[string]bool) (*TradeResult, error)) (*TradeResult, error) {
	extra := map[string]bool{}
	for i := 0; i < e.cfg.MaxCommitRetries; i++ {
		res, err := attempt(ctx, extra)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, store.ErrDuplicateTrade):
			// Concurrent request with the same key won the commit race.
			if r, ok, rerr := e.replayDedupe(ctx, userID, dedupeKey); rerr == nil && ok {
				return r, nil
			}
			return nil, err
		case errors.Is(err, ErrMakerSetChanged):
			continue // extra was expanded by the attempt
		case errors.Is(err, store.ErrConflict):
			metrics.CommitRetries.Inc()
			e.logger.Debug("trade commit conflict, retrying", "attempt", i+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff * time.Duration(i+1)):
			}
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrRetryExhausted
}

// --- Lock keys ---

func userKey(id string) string     { return "u:" + id }
func contractKey(id string) string { return "c:" + id }

func lockKeys(userID, contractID string, makers []string, extra map[string]bool) []string {
	keys := []string{userKey(userID), contractKey(contractID)}
	for _, m := range makers {
		keys = append(keys, userKey(m))
	}
	for k := range extra {
		keys = append(keys, k)
	}
	return keys
}

// makerUserIDs collects owners of open orders, the candidate makers a
// trade may touch.
func makerUserIDs(orders []*model.LimitOrder, now time.Time) []string {
	seen := map[string]bool{}
	var out []string
	for _, o := range orders {
		if o.Open(now) && !seen[o.UserID] {
			seen[o.UserID] = true
			out = append(out, o.UserID)
		}
	}
	return out
}

// --- Market state ---

// marketState is the priced view of the contract being traded: the pool
// that the matcher walks plus enough context to write results back.
type marketState struct {
	contract *model.Contract
	answers  []model.Answer
	idx      int // traded answer index, -1 for binary
	pool     cpmm.Pool
	p        decimal.Decimal
}

func (st *marketState) answerID() string {
	if st.idx < 0 {
		return ""
	}
	return st.answers[st.idx].ID
}

// loadMarketState fetches and validates the contract (and answers for
// multi-outcome mechanisms) and selects the pool to trade.
func (e *Executor) loadMarketState(ctx context.Context, contractID, answerID string) (*marketState, error) {
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := contract.CheckTradable(c, e.now()); err != nil {
		switch {
		case errors.Is(err, contract.ErrResolved):
			return nil, fmt.Errorf("%w: %s", ErrMarketResolved, contractID)
		case errors.Is(err, contract.ErrClosed):
			return nil, fmt.Errorf("%w: %s", ErrMarketClosed, contractID)
		}
		return nil, err
	}

	st := &marketState{contract: c, idx: -1}
	switch c.Mechanism {
	case model.MechanismBinary:
		if answerID != "" {
			return nil, fmt.Errorf("%w: binary contract takes no answer id", ErrMechanism)
		}
		st.pool = cpmm.Pool{Yes: c.PoolYes, No: c.PoolNo}
		st.p = c.P
		return st, nil

	case model.MechanismMultiSumToOne, model.MechanismMultiIndependent:
		if answerID == "" {
			return nil, fmt.Errorf("%w: answer id required for multi-outcome contract", ErrMechanism)
		}
		answers, err := e.store.GetAnswers(ctx, contractID)
		if err != nil {
			return nil, err
		}
		st.answers = answers
		for i := range answers {
			if answers[i].ID == answerID {
				st.idx = i
				break
			}
		}
		if st.idx < 0 {
			return nil, fmt.Errorf("%w: answer %s", store.ErrNotFound, answerID)
		}
		st.pool = cpmm.Pool{Yes: answers[st.idx].PoolYes, No: answers[st.idx].PoolNo}
		st.p = cpmm.Half()
		if c.Mechanism == model.MechanismMultiSumToOne {
			if err := cpmm.ValidateSumToOne(answerPools(answers)); err != nil {
				return nil, err
			}
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMechanism, c.Mechanism)
}

func answerPools(answers []model.Answer) []cpmm.Pool {
	pools := make([]cpmm.Pool, len(answers))
	for i, a := range answers {
		pools[i] = cpmm.Pool{Yes: a.PoolYes, No: a.PoolNo}
	}
	return pools
}

// loadTrader fetches the user and applies account-level checks.
func (e *Executor) loadTrader(ctx context.Context, userID string) (*model.User, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.IsBanned {
		return nil, fmt.Errorf("%w: %s", ErrUserBanned, userID)
	}
	return u, nil
}

// makerBalances loads available balances for matched makers in the
// contract's token.
func (e *Executor) makerBalances(ctx context.Context, makers []string, token string) (map[string]decimal.Decimal, error) {
	if len(makers) == 0 {
		return nil, nil
	}
	users, err := e.store.GetUsers(ctx, makers)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(users))
	for id, u := range users {
		if u.IsBanned {
			out[id] = decimal.Zero // banned maker orders cancel on contact
			continue
		}
		out[id] = u.BalanceFor(token)
	}
	return out, nil
}

// acquireTradeLocks simulates the maker set, acquires the serialization
// keys, then re-checks the maker set under lock. Newly appeared makers
// expand extra and abort the attempt with ErrMakerSetChanged.
func (e *Executor) acquireTradeLocks(ctx context.Context, userID, contractID, answerID string, extra map[string]bool) ([]string, []*model.LimitOrder, error) {
	now := e.now()
	snapshot, err := e.store.GetOpenOrders(ctx, contractID, answerID)
	if err != nil {
		return nil, nil, err
	}
	keys := lockKeys(userID, contractID, makerUserIDs(snapshot, now), extra)

	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout)
	defer cancel()
	qstart := e.now()
	if err := e.locks.Acquire(lockCtx, keys); err != nil {
		return nil, nil, err
	}
	metrics.QueueWait.Observe(e.now().Sub(qstart).Seconds())

	orders, err := e.store.GetOpenOrders(ctx, contractID, answerID)
	if err != nil {
		e.locks.Release(keys)
		return nil, nil, err
	}

	locked := map[string]bool{}
	for _, k := range keys {
		locked[k] = true
	}
	changed := false
	for _, m := range makerUserIDs(orders, e.now()) {
		if !locked[userKey(m)] {
			extra[userKey(m)] = true
			changed = true
		}
	}
	if changed {
		e.locks.Release(keys)
		return nil, nil, ErrMakerSetChanged
	}
	return keys, orders, nil
}
