// Package model defines the core domain types shared across the bet engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mechanism identifies the pricing mechanism backing a contract.
const (
	MechanismBinary           = "cpmm-1"       // single YES/NO pool
	MechanismMultiSumToOne    = "cpmm-multi-1" // answers share liquidity, probs sum to 1
	MechanismMultiIndependent = "cpmm-multi-2" // each answer is its own pool
)

// Token denominations. A contract trades in exactly one token.
const (
	TokenMana = "MANA"
	TokenCash = "CASH"
)

// Outcome sides.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Contract represents one tradeable market question.
// Pool fields are mutated only by committed trade write-sets; Version is
// bumped on every pool mutation for optimistic conflict detection.
type Contract struct {
	ID         string          `json:"id" db:"id"`
	Slug       string          `json:"slug" db:"slug"`
	Question   string          `json:"question" db:"question"`
	Mechanism  string          `json:"mechanism" db:"mechanism"`
	Token      string          `json:"token" db:"token"`
	PoolYes    decimal.Decimal `json:"pool_yes" db:"pool_yes"` // binary only
	PoolNo     decimal.Decimal `json:"pool_no" db:"pool_no"`   // binary only
	P          decimal.Decimal `json:"p" db:"p"`               // CPMM shape parameter in (0,1)
	Prob       decimal.Decimal `json:"prob" db:"prob"`
	Volume     decimal.Decimal `json:"volume" db:"volume"`
	CloseTime  time.Time       `json:"close_time" db:"close_time"`
	IsResolved bool            `json:"is_resolved" db:"is_resolved"`
	Version    int64           `json:"version" db:"version"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Answer is one outcome slot of a multi-outcome contract. Identity is
// immutable after creation; pool fields are mutable via trade write-sets.
type Answer struct {
	ID          string          `json:"id" db:"id"`
	ContractID  string          `json:"contract_id" db:"contract_id"`
	Index       int             `json:"index" db:"index"`
	Text        string          `json:"text" db:"text"`
	PoolYes     decimal.Decimal `json:"pool_yes" db:"pool_yes"`
	PoolNo      decimal.Decimal `json:"pool_no" db:"pool_no"`
	Prob        decimal.Decimal `json:"prob" db:"prob"`
	TotalShares decimal.Decimal `json:"total_shares" db:"total_shares"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Bet is an immutable record of one fill. A single user trade may create
// several Bet rows: one taker fill plus one per matched maker. Bets are
// never mutated after creation; redemptions offset them with new rows.
type Bet struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	ContractID   string          `json:"contract_id" db:"contract_id"`
	AnswerID     string          `json:"answer_id,omitempty" db:"answer_id"`
	Outcome      string          `json:"outcome" db:"outcome"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // cash paid (negative for sells)
	Shares       decimal.Decimal `json:"shares" db:"shares"` // shares received (negative for sells)
	ProbBefore   decimal.Decimal `json:"prob_before" db:"prob_before"`
	ProbAfter    decimal.Decimal `json:"prob_after" db:"prob_after"`
	Fees         decimal.Decimal `json:"fees" db:"fees"`
	LoanAmount   decimal.Decimal `json:"loan_amount" db:"loan_amount"`
	IsRedemption bool            `json:"is_redemption" db:"is_redemption"`
	IsMakerFill  bool            `json:"is_maker_fill" db:"is_maker_fill"` // maker side of a matched fill
	DedupeKey    string          `json:"dedupe_key,omitempty" db:"dedupe_key"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// LimitOrder is a resting unfilled bet. AmountFilled is incremented by the
// matcher; the order is closed (IsFilled or IsCancelled) when remaining
// amount reaches zero, the order expires, or the owner cancels it.
type LimitOrder struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	ContractID   string          `json:"contract_id" db:"contract_id"`
	AnswerID     string          `json:"answer_id,omitempty" db:"answer_id"`
	Outcome      string          `json:"outcome" db:"outcome"`
	LimitProb    decimal.Decimal `json:"limit_prob" db:"limit_prob"` // always in YES-probability space
	OrderAmount  decimal.Decimal `json:"order_amount" db:"order_amount"`
	AmountFilled decimal.Decimal `json:"amount_filled" db:"amount_filled"`
	SharesFilled decimal.Decimal `json:"shares_filled" db:"shares_filled"`
	IsFilled     bool            `json:"is_filled" db:"is_filled"`
	IsCancelled  bool            `json:"is_cancelled" db:"is_cancelled"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Remaining returns the unfilled cash amount of the order.
func (o *LimitOrder) Remaining() decimal.Decimal {
	return o.OrderAmount.Sub(o.AmountFilled)
}

// Open reports whether the order can still be matched at time now.
func (o *LimitOrder) Open(now time.Time) bool {
	if o.IsFilled || o.IsCancelled {
		return false
	}
	if o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
		return false
	}
	return o.Remaining().IsPositive()
}

// ContractMetric is the per-user-per-contract (optionally per-answer)
// position aggregate. Patched on every fill; the sell path reads it to
// enforce that a user holds the shares they are selling.
type ContractMetric struct {
	UserID     string          `json:"user_id" db:"user_id"`
	ContractID string          `json:"contract_id" db:"contract_id"`
	AnswerID   string          `json:"answer_id,omitempty" db:"answer_id"`
	YesShares  decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares   decimal.Decimal `json:"no_shares" db:"no_shares"`
	Invested   decimal.Decimal `json:"invested" db:"invested"`
	Loan       decimal.Decimal `json:"loan" db:"loan"`
	Payout     decimal.Decimal `json:"payout" db:"payout"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Shares returns the held share count for one outcome.
func (m *ContractMetric) Shares(outcome string) decimal.Decimal {
	if outcome == OutcomeYes {
		return m.YesShares
	}
	return m.NoShares
}

// LoanTracking accumulates the time integral of loan principal
// (principal × seconds) per user/contract/answer, used for interest.
type LoanTracking struct {
	UserID           string          `json:"user_id" db:"user_id"`
	ContractID       string          `json:"contract_id" db:"contract_id"`
	AnswerID         string          `json:"answer_id,omitempty" db:"answer_id"`
	Principal        decimal.Decimal `json:"principal" db:"principal"`
	PrincipalSeconds decimal.Decimal `json:"principal_seconds" db:"principal_seconds"`
	LastUpdated      time.Time       `json:"last_updated" db:"last_updated"`
}

// Sync advances the principal integral to time now.
func (lt *LoanTracking) Sync(now time.Time) {
	if now.After(lt.LastUpdated) {
		dt := decimal.NewFromFloat(now.Sub(lt.LastUpdated).Seconds())
		lt.PrincipalSeconds = lt.PrincipalSeconds.Add(lt.Principal.Mul(dt))
		lt.LastUpdated = now
	}
}

// User carries the identity fields the engine reads. Account storage is an
// external collaborator; only balance and eligibility flags matter here.
type User struct {
	ID           string          `json:"id" db:"id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`           // MANA
	CashBalance  decimal.Decimal `json:"cash_balance" db:"cash_balance"` // CASH
	IsBanned     bool            `json:"is_banned" db:"is_banned"`
	LoanEligible bool            `json:"loan_eligible" db:"loan_eligible"`
}

// BalanceFor returns the balance in the given token.
func (u *User) BalanceFor(token string) decimal.Decimal {
	if token == TokenCash {
		return u.CashBalance
	}
	return u.Balance
}

// TradeEvent is the structured event emitted after each committed trade
// for the notification/observability collaborators.
type TradeEvent struct {
	ContractID string          `json:"contract_id"`
	AnswerID   string          `json:"answer_id,omitempty"`
	UserID     string          `json:"user_id"`
	BetIDs     []string        `json:"bet_ids"`
	NewProb    decimal.Decimal `json:"new_prob"`
}
