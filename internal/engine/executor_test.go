package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/config"
	"github.com/atmx/bet-engine/internal/cpmm"
	"github.com/atmx/bet-engine/internal/lockset"
	"github.com/atmx/bet-engine/internal/model"
	"github.com/atmx/bet-engine/internal/store"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func closeTo(t *testing.T, got, want decimal.Decimal, tol float64, msg string) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(d(tol)) {
		t.Errorf("%s: got %s, want %s (tol %g)", msg, got, want, tol)
	}
}

func newTestExecutor(st store.Store, cfg config.EngineConfig) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewExecutor(st, lockset.New(8), cfg, logger)
	e.now = func() time.Time { return baseTime }

	var seq atomic.Int64
	e.newID = func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	return e
}

func seedBinaryContract(t *testing.T, st store.Store, id string) *model.Contract {
	t.Helper()
	c := &model.Contract{
		ID:        id,
		Slug:      id,
		Question:  "test market",
		Mechanism: model.MechanismBinary,
		Token:     model.TokenMana,
		PoolYes:   d(100),
		PoolNo:    d(100),
		P:         d(0.5),
		Prob:      d(0.5),
		CloseTime: baseTime.Add(24 * time.Hour),
		CreatedAt: baseTime,
	}
	if err := st.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return c
}

func seedMultiContract(t *testing.T, st store.Store, id string, numAnswers int) (*model.Contract, []string) {
	t.Helper()
	c := &model.Contract{
		ID:        id,
		Slug:      id,
		Question:  "multi market",
		Mechanism: model.MechanismMultiSumToOne,
		Token:     model.TokenMana,
		CloseTime: baseTime.Add(24 * time.Hour),
		CreatedAt: baseTime,
	}
	if err := st.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	prob := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(numAnswers)))
	ids := make([]string, numAnswers)
	for i := 0; i < numAnswers; i++ {
		pool, err := cpmm.NewPoolFromProb(d(100), prob)
		if err != nil {
			t.Fatalf("seed pool: %v", err)
		}
		ids[i] = fmt.Sprintf("%s-a%d", id, i)
		a := &model.Answer{
			ID:         ids[i],
			ContractID: id,
			Index:      i,
			Text:       fmt.Sprintf("answer %d", i),
			PoolYes:    pool.Yes,
			PoolNo:     pool.No,
			Prob:       prob,
			CreatedAt:  baseTime,
		}
		if err := st.CreateAnswer(context.Background(), a); err != nil {
			t.Fatalf("seed answer: %v", err)
		}
	}
	return c, ids
}

func seedUser(t *testing.T, st store.Store, id string, balance float64, loanEligible bool) {
	t.Helper()
	err := st.CreateUser(context.Background(), &model.User{
		ID:           id,
		Balance:      d(balance),
		LoanEligible: loanEligible,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

// --- PlaceBet ---

func TestPlaceBet_BinaryBuyCommits(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)

	res, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}

	closeTo(t, res.Bet.Shares, d(19.090909), 1e-4, "shares for 10 on a 100/100 pool")
	if !res.ProbAfter.GreaterThan(d(0.5)) {
		t.Errorf("YES buy should raise prob, got %s", res.ProbAfter)
	}
	if !res.Fees.IsPositive() {
		t.Errorf("AMM fill should carry a fee, got %s", res.Fees)
	}

	c, _ := st.GetContract(context.Background(), "mkt1")
	if c.Version != 1 {
		t.Errorf("commit should bump version, got %d", c.Version)
	}
	closeTo(t, c.Prob, res.ProbAfter, 1e-12, "stored prob")
	closeTo(t, c.Volume, d(10), 1e-9, "volume")

	u, _ := st.GetUser(context.Background(), "alice")
	closeTo(t, u.Balance, d(1000).Sub(d(10)).Sub(res.Fees), 1e-9, "balance debit")

	m, _ := st.GetMetric(context.Background(), "alice", "mkt1", "")
	closeTo(t, m.YesShares, res.Bet.Shares, 1e-9, "position shares")
	closeTo(t, m.Invested, d(10).Add(res.Fees), 1e-9, "invested")
}

func TestPlaceBet_ValidationErrors(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	cases := []PlaceBetRequest{
		{ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10)},
		{UserID: "alice", Outcome: model.OutcomeYes, Amount: d(10)},
		{UserID: "alice", ContractID: "mkt1", Outcome: "MAYBE", Amount: d(10)},
		{UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(0)},
		{UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(-1)},
	}
	for i, req := range cases {
		if _, err := e.PlaceBet(ctx, req); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}

	bad := d(1.5)
	_, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes,
		Amount: d(10), LimitProb: &bad,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("out-of-range limit: expected ErrValidation, got %v", err)
	}
}

func TestPlaceBet_ClosedAndResolvedMarkets(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	closed := &model.Contract{
		ID: "mkt-closed", Slug: "mkt-closed", Mechanism: model.MechanismBinary,
		Token: model.TokenMana, PoolYes: d(100), PoolNo: d(100), P: d(0.5),
		CloseTime: baseTime.Add(-time.Hour),
	}
	resolved := &model.Contract{
		ID: "mkt-resolved", Slug: "mkt-resolved", Mechanism: model.MechanismBinary,
		Token: model.TokenMana, PoolYes: d(100), PoolNo: d(100), P: d(0.5),
		CloseTime: baseTime.Add(24 * time.Hour), IsResolved: true,
	}
	for _, c := range []*model.Contract{closed, resolved} {
		if err := st.CreateContract(ctx, c); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	_, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt-closed", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrMarketClosed) {
		t.Errorf("expected ErrMarketClosed, got %v", err)
	}

	_, err = e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt-resolved", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrMarketResolved) {
		t.Errorf("expected ErrMarketResolved, got %v", err)
	}
}

func TestPlaceBet_BannedUser(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	if err := st.CreateUser(context.Background(), &model.User{ID: "mallory", Balance: d(1000), IsBanned: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := newTestExecutor(st, config.Default().Engine)

	_, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "mallory", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrUserBanned) {
		t.Errorf("expected ErrUserBanned, got %v", err)
	}
}

func TestPlaceBet_InsufficientFunds(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "poor", 5, false)
	e := newTestExecutor(st, config.Default().Engine)

	_, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "poor", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %T", err)
	}
	if !ife.Shortfall.GreaterThan(d(5)) {
		t.Errorf("shortfall should exceed 5 (amount 10 plus fee against balance 5), got %s", ife.Shortfall)
	}

	// Rejection leaves zero side effects.
	u, _ := st.GetUser(context.Background(), "poor")
	closeTo(t, u.Balance, d(5), 1e-12, "balance untouched")
	c, _ := st.GetContract(context.Background(), "mkt1")
	if c.Version != 0 {
		t.Errorf("rejected trade must not touch the contract, version %d", c.Version)
	}
}

func TestPlaceBet_LoanCoversShortfall(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 5, true)
	e := newTestExecutor(st, config.Default().Engine)

	res, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	// Loan covers exactly the shortfall, draining the balance to zero.
	closeTo(t, res.Loan, d(10).Add(res.Fees).Sub(d(5)), 1e-9, "loan amount")
	closeTo(t, res.Bet.LoanAmount, res.Loan, 1e-12, "bet loan record")

	u, _ := st.GetUser(context.Background(), "alice")
	closeTo(t, u.Balance, d(0), 1e-9, "balance after loan-covered buy")

	lt, _ := st.GetLoanTracking(context.Background(), "alice", "mkt1", "")
	closeTo(t, lt.Principal, res.Loan, 1e-9, "tracked principal")

	m, _ := st.GetMetric(context.Background(), "alice", "mkt1", "")
	closeTo(t, m.Loan, res.Loan, 1e-9, "metric loan")
}

func TestPlaceBet_LoanCapRejects(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 0, true)

	cfg := config.Default().Engine
	cfg.Loans.MaxPerMarket = 3
	e := newTestExecutor(st, cfg)

	_, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("shortfall past the loan cap should reject, got %v", err)
	}
}

func TestPlaceBet_Idempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	req := PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes,
		Amount: d(10), DedupeKey: "req-123",
	}
	first, err := e.PlaceBet(ctx, req)
	if err != nil {
		t.Fatalf("first bet: %v", err)
	}
	second, err := e.PlaceBet(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if !second.Idempotent {
		t.Errorf("replay should report Idempotent")
	}
	if second.Bet.ID != first.Bet.ID {
		t.Errorf("replay returned a different bet: %s vs %s", second.Bet.ID, first.Bet.ID)
	}

	c, _ := st.GetContract(ctx, "mkt1")
	if c.Version != 1 {
		t.Errorf("replay must not re-execute, version %d", c.Version)
	}
	u, _ := st.GetUser(ctx, "alice")
	closeTo(t, u.Balance, d(1000).Sub(d(10)).Sub(first.Fees), 1e-9, "balance charged once")
}

func TestPlaceBet_LimitOrderRests(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	// Limit below the current price: nothing fills, everything rests.
	limit := d(0.45)
	res, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes,
		Amount: d(20), LimitProb: &limit,
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if res.Order == nil {
		t.Fatal("expected a resting order")
	}
	closeTo(t, res.Order.Remaining(), d(20), 1e-9, "full amount rests")
	closeTo(t, res.Unfilled, d(20), 1e-9, "unfilled")

	orders, _ := st.GetOpenOrders(ctx, "mkt1", "")
	if len(orders) != 1 || orders[0].ID != res.Order.ID {
		t.Fatalf("order not persisted: %+v", orders)
	}
	c, _ := st.GetContract(ctx, "mkt1")
	closeTo(t, c.Prob, d(0.5), 1e-9, "pure rest leaves the pool alone")
}

func TestPlaceBet_MatchesRestingOrder(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	seedUser(t, st, "bob", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	limit := d(0.45)
	rest, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes,
		Amount: d(4.5), LimitProb: &limit,
	})
	if err != nil {
		t.Fatalf("rest order: %v", err)
	}

	// Bob buys NO: the pool walks down to 0.45, then alice's order fills.
	res, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "bob", ContractID: "mkt1", Outcome: model.OutcomeNo, Amount: d(30),
	})
	if err != nil {
		t.Fatalf("no buy: %v", err)
	}
	if len(res.MakerBets) != 1 {
		t.Fatalf("expected one maker fill, got %d", len(res.MakerBets))
	}
	mb := res.MakerBets[0]
	if mb.UserID != "alice" || !mb.IsMakerFill || mb.Outcome != model.OutcomeYes {
		t.Errorf("maker bet wrong: %+v", mb)
	}
	closeTo(t, mb.ProbBefore, d(0.45), 1e-6, "maker fill price")

	// Alice paid for her fill and holds YES shares.
	m, _ := st.GetMetric(ctx, "alice", "mkt1", "")
	closeTo(t, m.YesShares, mb.Shares, 1e-9, "maker position")
	u, _ := st.GetUser(ctx, "alice")
	closeTo(t, u.Balance, d(1000).Sub(mb.Amount), 1e-9, "maker balance debit")

	o, _ := st.GetOrder(ctx, rest.Order.ID)
	if !o.IsFilled {
		t.Errorf("maker order should be consumed: %+v", o)
	}
}

func TestPlaceBet_RedeemsOppositePairs(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	yes, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("yes buy: %v", err)
	}
	no, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeNo, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("no buy: %v", err)
	}

	if !no.Redeemed.IsPositive() {
		t.Fatal("holding both sides should trigger redemption")
	}
	want := decimal.Min(yes.Bet.Shares, no.Bet.Shares)
	closeTo(t, no.Redeemed, want, 1e-9, "redeemed pairs")

	// One side of the position nets to zero.
	m, _ := st.GetMetric(ctx, "alice", "mkt1", "")
	if m.YesShares.GreaterThan(d(1e-6)) && m.NoShares.GreaterThan(d(1e-6)) {
		t.Errorf("redemption should clear one side: YES=%s NO=%s", m.YesShares, m.NoShares)
	}
	closeTo(t, m.Payout, no.Redeemed, 1e-9, "payout records redemption")
}

func TestPlaceBet_ExposureLimit(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)

	cfg := config.Default().Engine
	cfg.Limits.MaxPerContract = 10
	e := newTestExecutor(st, cfg)

	_, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrExposureLimit) {
		t.Errorf("expected ErrExposureLimit, got %v", err)
	}
}

// --- SellShares ---

func TestSellShares_RoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	buy, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Zero shares sells the whole position.
	sell, err := e.SellShares(ctx, SellSharesRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Shares: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if !sell.Bet.Shares.IsNegative() || !sell.Bet.Amount.IsNegative() {
		t.Errorf("sell bet should carry negative amount and shares: %+v", sell.Bet)
	}
	closeTo(t, sell.Bet.Shares.Neg(), buy.Bet.Shares, 1e-6, "full position sold")

	m, _ := st.GetMetric(ctx, "alice", "mkt1", "")
	closeTo(t, m.YesShares, d(0), 1e-6, "position cleared")

	// Round trip returns the stake minus both fees.
	u, _ := st.GetUser(ctx, "alice")
	closeTo(t, u.Balance, d(1000).Sub(buy.Fees).Sub(sell.Fees), 1e-5, "round trip balance")

	c, _ := st.GetContract(ctx, "mkt1")
	closeTo(t, c.Prob, d(0.5), 1e-6, "pool restored")
	if c.Version != 2 {
		t.Errorf("two trades should bump version twice, got %d", c.Version)
	}
}

func TestSellShares_InsufficientShares(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	_, err := e.SellShares(ctx, SellSharesRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Shares: d(5),
	})
	if !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}

	// Zero-share sell with no position is a validation error, not a panic.
	_, err = e.SellShares(ctx, SellSharesRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Shares: decimal.Zero,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty position, got %v", err)
	}
}

func TestSellShares_RepaysLoan(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 5, true)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	buy, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !buy.Loan.IsPositive() {
		t.Fatal("setup: expected a loan")
	}

	sell, err := e.SellShares(ctx, SellSharesRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Shares: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	closeTo(t, sell.Loan, buy.Loan, 1e-6, "proceeds repay the full principal")
	closeTo(t, sell.Bet.LoanAmount, buy.Loan.Neg(), 1e-6, "bet records repayment")

	lt, _ := st.GetLoanTracking(ctx, "alice", "mkt1", "")
	closeTo(t, lt.Principal, d(0), 1e-6, "principal cleared")

	m, _ := st.GetMetric(ctx, "alice", "mkt1", "")
	closeTo(t, m.Loan, d(0), 1e-6, "metric loan cleared")
}

// --- Multi-outcome ---

func TestPlaceBet_SumToOneRenormalizesSiblings(t *testing.T) {
	st := store.NewMemoryStore()
	_, answerIDs := seedMultiContract(t, st, "multi1", 3)
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	res, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "multi1", AnswerID: answerIDs[1],
		Outcome: model.OutcomeYes, Amount: d(20),
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	if !res.ProbAfter.GreaterThan(d(1.0 / 3)) {
		t.Errorf("traded answer prob should rise, got %s", res.ProbAfter)
	}

	answers, _ := st.GetAnswers(ctx, "multi1")
	sum := decimal.Zero
	for _, a := range answers {
		sum = sum.Add(a.Prob)
	}
	closeTo(t, sum, d(1), 1e-6, "prob sum after trade")

	for _, a := range answers {
		if a.ID == answerIDs[1] {
			closeTo(t, a.TotalShares, res.Bet.Shares, 1e-9, "traded answer shares")
			continue
		}
		if !a.Prob.LessThan(d(1.0/3).Add(d(1e-9))) {
			t.Errorf("sibling %s prob should not rise, got %s", a.ID, a.Prob)
		}
	}
}

func TestPlaceBet_MechanismMismatch(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	_, answerIDs := seedMultiContract(t, st, "multi1", 2)
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	_, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", AnswerID: answerIDs[0],
		Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrMechanism) {
		t.Errorf("answer id on binary: expected ErrMechanism, got %v", err)
	}

	_, err = e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "multi1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrMechanism) {
		t.Errorf("missing answer id on multi: expected ErrMechanism, got %v", err)
	}
}

// --- Retry pipeline ---

// flakyStore fails the first n commits with a serialization conflict.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int64
}

func (f *flakyStore) CommitTrade(ctx context.Context, ws *store.WriteSet) error {
	if f.failures.Add(-1) >= 0 {
		return store.ErrConflict
	}
	return f.MemoryStore.CommitTrade(ctx, ws)
}

func TestPlaceBet_RetriesOnConflict(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	fs.failures.Store(2)
	seedBinaryContract(t, fs.MemoryStore, "mkt1")
	seedUser(t, fs.MemoryStore, "alice", 1000, false)

	cfg := config.Default().Engine
	cfg.RetryBackoff = time.Millisecond
	e := newTestExecutor(fs, cfg)

	res, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.Bet == nil {
		t.Fatal("missing bet after retried commit")
	}
}

func TestPlaceBet_RetryExhausted(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	fs.failures.Store(1000)
	seedBinaryContract(t, fs.MemoryStore, "mkt1")
	seedUser(t, fs.MemoryStore, "alice", 1000, false)

	cfg := config.Default().Engine
	cfg.MaxCommitRetries = 3
	cfg.RetryBackoff = time.Millisecond
	e := newTestExecutor(fs, cfg)

	_, err := e.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
}

// --- Serialization under concurrency ---

func TestPlaceBet_ConcurrentBuysMatchSerialReplay(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	const n = 6
	for i := 0; i < n; i++ {
		seedUser(t, st, fmt.Sprintf("u%d", i), 1000, false)
	}
	e := newTestExecutor(st, config.Default().Engine)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, err := e.PlaceBet(context.Background(), PlaceBetRequest{
				UserID: uid, ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
			})
			errs <- err
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent bet: %v", err)
		}
	}

	// Identical buys give the same final pool under every serial order, so
	// the concurrent run must reproduce a sequential replay exactly.
	pool := cpmm.Pool{Yes: d(100), No: d(100)}
	for i := 0; i < n; i++ {
		_, np, err := cpmm.Buy(pool, d(0.5), model.OutcomeYes, d(10))
		if err != nil {
			t.Fatalf("replay buy %d: %v", i, err)
		}
		pool = np
	}

	ctx := context.Background()
	c, _ := st.GetContract(ctx, "mkt1")
	if c.Version != n {
		t.Errorf("every commit should bump the version once, got %d", c.Version)
	}
	closeTo(t, c.PoolYes, pool.Yes, 1e-9, "pool yes vs serial replay")
	closeTo(t, c.PoolNo, pool.No, 1e-9, "pool no vs serial replay")

	bets, _ := st.GetBetsByContract(ctx, "mkt1")
	if len(bets) != n {
		t.Errorf("expected %d bets in the ledger, got %d", n, len(bets))
	}
}

func TestPlaceBet_ConcurrentOppositeBuysMatchASerialOrder(t *testing.T) {
	// 50 YES and 50 NO submitted together must land on the pool one of the
	// two sequential submission orders produces.
	sequential := func(first, second string) (decimal.Decimal, decimal.Decimal) {
		st := store.NewMemoryStore()
		seedBinaryContract(t, st, "mkt1")
		seedUser(t, st, "alice", 1000, false)
		seedUser(t, st, "bob", 1000, false)
		e := newTestExecutor(st, config.Default().Engine)
		ctx := context.Background()
		if _, err := e.PlaceBet(ctx, PlaceBetRequest{
			UserID: "alice", ContractID: "mkt1", Outcome: first, Amount: d(50),
		}); err != nil {
			t.Fatalf("sequential %s buy: %v", first, err)
		}
		if _, err := e.PlaceBet(ctx, PlaceBetRequest{
			UserID: "bob", ContractID: "mkt1", Outcome: second, Amount: d(50),
		}); err != nil {
			t.Fatalf("sequential %s buy: %v", second, err)
		}
		c, _ := st.GetContract(ctx, "mkt1")
		return c.PoolYes, c.PoolNo
	}
	yesFirstY, yesFirstN := sequential(model.OutcomeYes, model.OutcomeNo)
	noFirstY, noFirstN := sequential(model.OutcomeNo, model.OutcomeYes)

	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	seedUser(t, st, "bob", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	trade := func(uid, outcome string) {
		defer wg.Done()
		_, err := e.PlaceBet(context.Background(), PlaceBetRequest{
			UserID: uid, ContractID: "mkt1", Outcome: outcome, Amount: d(50),
		})
		errs <- err
	}
	wg.Add(2)
	go trade("alice", model.OutcomeYes)
	go trade("bob", model.OutcomeNo)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent bet: %v", err)
		}
	}

	c, _ := st.GetContract(context.Background(), "mkt1")
	matches := func(y, n decimal.Decimal) bool {
		return c.PoolYes.Sub(y).Abs().LessThan(d(1e-9)) &&
			c.PoolNo.Sub(n).Abs().LessThan(d(1e-9))
	}
	if !matches(yesFirstY, yesFirstN) && !matches(noFirstY, noFirstN) {
		t.Errorf("concurrent pool {%s,%s} matches neither serial order {%s,%s} / {%s,%s}",
			c.PoolYes, c.PoolNo, yesFirstY, yesFirstN, noFirstY, noFirstN)
	}
}

// orderInjectingStore adds a resting order between the pre-lock snapshot
// and the post-lock read, the way a racing trade would.
type orderInjectingStore struct {
	*store.MemoryStore
	calls    atomic.Int64
	injected atomic.Bool
}

func (s *orderInjectingStore) GetOpenOrders(ctx context.Context, contractID, answerID string) ([]*model.LimitOrder, error) {
	if s.calls.Add(1) == 2 && !s.injected.Swap(true) {
		ws := &store.WriteSet{NewOrders: []*model.LimitOrder{{
			ID: "o-late", UserID: "mallory", ContractID: contractID,
			Outcome: model.OutcomeNo, LimitProb: d(0.40), OrderAmount: d(6),
			CreatedAt: baseTime,
		}}}
		if err := s.MemoryStore.CommitTrade(ctx, ws); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.GetOpenOrders(ctx, contractID, answerID)
}

func TestPlaceBet_MakerAppearingUnderLockForcesExpandedRetry(t *testing.T) {
	is := &orderInjectingStore{MemoryStore: store.NewMemoryStore()}
	seedBinaryContract(t, is.MemoryStore, "mkt1")
	seedUser(t, is.MemoryStore, "alice", 1000, false)
	seedUser(t, is.MemoryStore, "mallory", 100, false)
	e := newTestExecutor(is, config.Default().Engine)
	ctx := context.Background()

	res, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(4),
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}

	// Two order reads per attempt: the aborted first attempt plus the
	// retry that locked the new maker.
	if got := is.calls.Load(); got != 4 {
		t.Errorf("expected 4 open-order reads across 2 attempts, got %d", got)
	}

	// The late order at 0.40 beats the 0.50 pool, so the retried attempt
	// fills against it entirely: 4 cash buys 10 YES shares, fee-free.
	if len(res.MakerBets) != 1 || res.MakerBets[0].UserID != "mallory" {
		t.Fatalf("expected a fill against the late maker, got %+v", res.MakerBets)
	}
	closeTo(t, res.Bet.Shares, d(10), 1e-9, "taker shares at maker price")
	if !res.Fees.IsZero() {
		t.Errorf("maker-only fill should be fee-free, got %s", res.Fees)
	}

	o, _ := is.GetOrder(ctx, "o-late")
	if !o.IsFilled {
		t.Errorf("late order should be consumed: %+v", o)
	}
	u, _ := is.GetUser(ctx, "mallory")
	closeTo(t, u.Balance, d(94), 1e-9, "maker debited under the expanded lock")
}

// --- Loan overdraft authorization ---

// captureStore records the last committed write set.
type captureStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	last *store.WriteSet
}

func (c *captureStore) CommitTrade(ctx context.Context, ws *store.WriteSet) error {
	c.mu.Lock()
	c.last = ws
	c.mu.Unlock()
	return c.MemoryStore.CommitTrade(ctx, ws)
}

func takerBalanceUpdate(t *testing.T, ws *store.WriteSet, userID string) store.BalanceUpdate {
	t.Helper()
	if ws == nil {
		t.Fatal("no write set captured")
	}
	for _, b := range ws.Balances {
		if b.UserID == userID {
			return b
		}
	}
	t.Fatalf("no balance update for %s in %+v", userID, ws.Balances)
	return store.BalanceUpdate{}
}

func TestPlaceBet_LoanAuthorizesOverdraft(t *testing.T) {
	cs := &captureStore{MemoryStore: store.NewMemoryStore()}
	seedBinaryContract(t, cs.MemoryStore, "mkt1")
	seedUser(t, cs.MemoryStore, "alice", 5, true)
	seedUser(t, cs.MemoryStore, "bob", 1000, false)
	e := newTestExecutor(cs, config.Default().Engine)
	ctx := context.Background()

	res, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("loan-covered buy: %v", err)
	}
	if !res.Loan.IsPositive() {
		t.Fatal("expected a loan to cover the shortfall")
	}
	if bu := takerBalanceUpdate(t, cs.last, "alice"); !bu.AllowNegative {
		t.Errorf("loan-backed debit should authorize overdraft: %+v", bu)
	}

	// A fully funded buy carries no authorization.
	if _, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "bob", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	}); err != nil {
		t.Fatalf("funded buy: %v", err)
	}
	if bu := takerBalanceUpdate(t, cs.last, "bob"); bu.AllowNegative {
		t.Errorf("funded debit must not authorize overdraft: %+v", bu)
	}
}

func TestSellShares_RepaymentAuthorizesOverdraft(t *testing.T) {
	cs := &captureStore{MemoryStore: store.NewMemoryStore()}
	seedBinaryContract(t, cs.MemoryStore, "mkt1")
	seedUser(t, cs.MemoryStore, "alice", 5, true)
	e := newTestExecutor(cs, config.Default().Engine)
	ctx := context.Background()

	buy, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !buy.Loan.IsPositive() {
		t.Fatal("expected a loan on the buy")
	}

	res, err := e.SellShares(ctx, SellSharesRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes, Shares: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Loan.IsPositive() {
		t.Fatal("sale proceeds should repay the loan")
	}
	if bu := takerBalanceUpdate(t, cs.last, "alice"); !bu.AllowNegative {
		t.Errorf("repaying sell should authorize overdraft: %+v", bu)
	}
}

// --- CancelOrder ---

func TestCancelOrder(t *testing.T) {
	st := store.NewMemoryStore()
	seedBinaryContract(t, st, "mkt1")
	seedUser(t, st, "alice", 1000, false)
	e := newTestExecutor(st, config.Default().Engine)
	ctx := context.Background()

	limit := d(0.45)
	res, err := e.PlaceBet(ctx, PlaceBetRequest{
		UserID: "alice", ContractID: "mkt1", Outcome: model.OutcomeYes,
		Amount: d(20), LimitProb: &limit,
	})
	if err != nil {
		t.Fatalf("rest order: %v", err)
	}

	if err := e.CancelOrder(ctx, res.Order.ID, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancelling someone else's order: expected ErrNotFound, got %v", err)
	}
	if err := e.CancelOrder(ctx, res.Order.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o, _ := st.GetOrder(ctx, res.Order.ID)
	if !o.IsCancelled {
		t.Errorf("order should be cancelled: %+v", o)
	}
}
