package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/model"
	"github.com/atmx/bet-engine/internal/store"
)

// coverDebit checks the buyer can pay the debit, issuing an automatic
// loan for the shortfall when policy and eligibility allow. Returns the
// loan amount and the synchronized tracking row to persist.
func (e *Executor) coverDebit(ctx context.Context, user *model.User, st *marketState, debit decimal.Decimal) (decimal.Decimal, *store.LoanTrackingUpdate, error) {
	balance := user.BalanceFor(st.contract.Token)
	shortfall := debit.Sub(balance)
	if !shortfall.IsPositive() {
		return decimal.Zero, nil, nil
	}

	if !e.cfg.Loans.Enabled || !user.LoanEligible {
		return decimal.Zero, nil, &InsufficientFundsError{Shortfall: shortfall}
	}

	lt, err := e.store.GetLoanTracking(ctx, user.ID, st.contract.ID, st.answerID())
	if err != nil {
		return decimal.Zero, nil, err
	}
	now := e.now()
	if lt.LastUpdated.IsZero() {
		lt.LastUpdated = now
	}
	lt.Sync(now)

	headroom := e.cfg.Loans.MaxPrincipal().Sub(lt.Principal)
	if headroom.LessThan(shortfall) {
		uncovered := shortfall
		if headroom.IsPositive() {
			uncovered = shortfall.Sub(headroom)
		}
		return decimal.Zero, nil, &InsufficientFundsError{Shortfall: uncovered}
	}

	lt.Principal = lt.Principal.Add(shortfall)
	return shortfall, &store.LoanTrackingUpdate{
		UserID:           user.ID,
		ContractID:       st.contract.ID,
		AnswerID:         st.answerID(),
		Principal:        lt.Principal,
		PrincipalSeconds: lt.PrincipalSeconds,
		LastUpdated:      lt.LastUpdated,
	}, nil
}

// repayFromProceeds synchronizes the loan tracking row to now, then
// repays outstanding principal out of sale proceeds first, charging the
// accrued interest for the repaid fraction.
func (e *Executor) repayFromProceeds(ctx context.Context, userID string, st *marketState, proceeds decimal.Decimal) (repay, interest decimal.Decimal, ltu *store.LoanTrackingUpdate, err error) {
	lt, err := e.store.GetLoanTracking(ctx, userID, st.contract.ID, st.answerID())
	if err != nil {
		return decimal.Zero, decimal.Zero, nil, err
	}
	if !lt.Principal.IsPositive() {
		return decimal.Zero, decimal.Zero, nil, nil
	}
	lt.Sync(e.now())

	repay = decimal.Min(lt.Principal, proceeds)
	if !repay.IsPositive() {
		return decimal.Zero, decimal.Zero, nil, nil
	}

	// Interest accrues on the principal-seconds integral; the repaid
	// fraction settles its share now, the rest keeps accruing.
	fraction := repay.Div(lt.Principal)
	interest = e.cfg.Loans.Interest(lt.PrincipalSeconds.Mul(fraction))

	lt.Principal = lt.Principal.Sub(repay)
	lt.PrincipalSeconds = lt.PrincipalSeconds.Mul(decimal.NewFromInt(1).Sub(fraction))

	return repay, interest, &store.LoanTrackingUpdate{
		UserID:           userID,
		ContractID:       st.contract.ID,
		AnswerID:         st.answerID(),
		Principal:        lt.Principal,
		PrincipalSeconds: lt.PrincipalSeconds,
		LastUpdated:      lt.LastUpdated,
	}, nil
}
