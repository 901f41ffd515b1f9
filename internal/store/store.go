// Package store defines the persistence interface for the bet engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// All trade mutations flow through CommitTrade as one atomic write-set of
// typed update structs; nothing in the engine writes pool, order, metric,
// or balance state through any other path.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a commit loses an optimistic-concurrency
	// race (contract version moved underneath the write-set). The caller
	// retries the whole trade pipeline.
	ErrConflict = errors.New("store: version conflict")

	// ErrDuplicateTrade is returned when a write-set's dedupe key was
	// already committed. The original bet should be returned to the caller.
	ErrDuplicateTrade = errors.New("store: duplicate dedupe key")

	// ErrInsufficientBalance is returned when a balance update would drive
	// a balance negative without loan authorization.
	ErrInsufficientBalance = errors.New("store: balance would go negative")
)

// ContractUpdate mutates a contract's pool fields under an optimistic
// version check. PoolYes/PoolNo are nil for multi-outcome contracts whose
// reserves live on answers.
type ContractUpdate struct {
	ContractID      string
	PoolYes         *decimal.Decimal
	PoolNo          *decimal.Decimal
	Prob            decimal.Decimal
	VolumeDelta     decimal.Decimal
	ExpectedVersion int64
}

// AnswerUpdate replaces one answer's pool state.
type AnswerUpdate struct {
	AnswerID         string
	PoolYes          decimal.Decimal
	PoolNo           decimal.Decimal
	Prob             decimal.Decimal
	TotalSharesDelta decimal.Decimal
}

// OrderUpdate applies matcher consumption to a resting order.
type OrderUpdate struct {
	OrderID           string
	AmountFilledDelta decimal.Decimal
	SharesFilledDelta decimal.Decimal
	IsFilled          bool
	IsCancelled       bool
}

// BalanceUpdate debits (negative) or credits (positive) one user balance.
// AllowNegative is set only for explicitly authorized loan flows.
type BalanceUpdate struct {
	UserID        string
	Token         string
	Delta         decimal.Decimal
	AllowNegative bool
}

// MetricUpdate patches a per-user-per-contract(-per-answer) aggregate.
type MetricUpdate struct {
	UserID         string
	ContractID     string
	AnswerID       string
	YesSharesDelta decimal.Decimal
	NoSharesDelta  decimal.Decimal
	InvestedDelta  decimal.Decimal
	LoanDelta      decimal.Decimal
	PayoutDelta    decimal.Decimal
}

// LoanTrackingUpdate overwrites a loan tracking row with synchronized
// values (the engine computes the integral; the store just persists it).
type LoanTrackingUpdate struct {
	UserID           string
	ContractID       string
	AnswerID         string
	Principal        decimal.Decimal
	PrincipalSeconds decimal.Decimal
	LastUpdated      time.Time
}

// WriteSet is everything one committed trade changes, applied atomically.
type WriteSet struct {
	DedupeKey   string // "" disables idempotency tracking
	TakerUserID string

	Bets      []*model.Bet
	NewOrders []*model.LimitOrder
	Contract  *ContractUpdate
	Answers   []AnswerUpdate
	Orders    []OrderUpdate
	Balances  []BalanceUpdate
	Metrics   []MetricUpdate
	Loans     []LoanTrackingUpdate
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Contract operations ---

	CreateContract(ctx context.Context, c *model.Contract) error
	GetContract(ctx context.Context, id string) (*model.Contract, error)
	GetContractBySlug(ctx context.Context, slug string) (*model.Contract, error)
	ListContracts(ctx context.Context) ([]model.Contract, error)

	// --- Answers ---

	CreateAnswer(ctx context.Context, a *model.Answer) error
	GetAnswers(ctx context.Context, contractID string) ([]model.Answer, error)

	// --- Users / balances ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]*model.User, error)

	// --- Resting limit orders ---

	GetOpenOrders(ctx context.Context, contractID, answerID string) ([]*model.LimitOrder, error)
	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)
	CancelOrder(ctx context.Context, orderID, userID string) error

	// --- Bets ---

	GetBet(ctx context.Context, id string) (*model.Bet, error)
	GetBetsByContract(ctx context.Context, contractID string) ([]model.Bet, error)
	GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)
	GetBetByDedupeKey(ctx context.Context, userID, key string) (*model.Bet, error)

	// --- Metrics / loans ---

	GetMetric(ctx context.Context, userID, contractID, answerID string) (*model.ContractMetric, error)
	GetMetricsByUser(ctx context.Context, userID string) ([]model.ContractMetric, error)
	GetLoanTracking(ctx context.Context, userID, contractID, answerID string) (*model.LoanTracking, error)

	// --- Atomic trade commit ---

	// CommitTrade applies the write-set in a single transaction.
	// Returns ErrConflict if the contract version moved, ErrDuplicateTrade
	// if the dedupe key was already used, ErrInsufficientBalance if a
	// balance would go negative without authorization.
	CommitTrade(ctx context.Context, ws *WriteSet) error
}
