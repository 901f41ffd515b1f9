package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Commit semantics (version conflicts, dedupe keys, balance
// floors) match the PostgreSQL implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*model.Contract
	answers   map[string]*model.Answer
	users     map[string]*model.User
	orders    map[string]*model.LimitOrder
	bets      map[string]*model.Bet
	betOrder  []string // insertion order for deterministic listings
	metrics   map[string]*model.ContractMetric
	loans     map[string]*model.LoanTracking
	dedupe    map[string]string // userID+key → bet id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*model.Contract),
		answers:   make(map[string]*model.Answer),
		users:     make(map[string]*model.User),
		orders:    make(map[string]*model.LimitOrder),
		bets:      make(map[string]*model.Bet),
		metrics:   make(map[string]*model.ContractMetric),
		loans:     make(map[string]*model.LoanTracking),
		dedupe:    make(map[string]string),
	}
}

func metricKey(userID, contractID, answerID string) string {
	return userID + "|" + contractID + "|" + answerID
}

func dedupeMapKey(userID, key string) string {
	return userID + "|" + key
}

// --- Contracts ---

func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.contracts {
		if existing.Slug == c.Slug {
			return fmt.Errorf("contract with slug %s already exists", c.Slug)
		}
	}
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetContractBySlug(_ context.Context, slug string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.contracts {
		if c.Slug == slug {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("contract slug %s: %w", slug, ErrNotFound)
}

func (s *MemoryStore) ListContracts(_ context.Context) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, *c)
	}
	return out, nil
}

// --- Answers ---

func (s *MemoryStore) CreateAnswer(_ context.Context, a *model.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.answers[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAnswers(_ context.Context, contractID string) ([]model.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Answer
	for _, a := range s.answers {
		if a.ContractID == contractID {
			out = append(out, *a)
		}
	}
	// Stable ordering by index.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Index < out[j-1].Index; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUsers(_ context.Context, ids []string) (map[string]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*model.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			cp := *u
			out[id] = &cp
		}
	}
	return out, nil
}

// --- Orders ---

func (s *MemoryStore) GetOpenOrders(_ context.Context, contractID, answerID string) ([]*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.LimitOrder
	for _, o := range s.orders {
		if o.ContractID != contractID || o.AnswerID != answerID {
			continue
		}
		if o.IsFilled || o.IsCancelled {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, orderID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	o.IsCancelled = true
	return nil
}

// --- Bets ---

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetBetsByContract(_ context.Context, contractID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; b.ContractID == contractID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; b.UserID == userID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetBetByDedupeKey(_ context.Context, userID, key string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	betID, ok := s.dedupe[dedupeMapKey(userID, key)]
	if !ok {
		return nil, fmt.Errorf("dedupe key %s: %w", key, ErrNotFound)
	}
	cp := *s.bets[betID]
	return &cp, nil
}

// --- Metrics / loans ---

func (s *MemoryStore) GetMetric(_ context.Context, userID, contractID, answerID string) (*model.ContractMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[metricKey(userID, contractID, answerID)]
	if !ok {
		// Zero-value metric: the caller treats absence as an empty position.
		return &model.ContractMetric{UserID: userID, ContractID: contractID, AnswerID: answerID}, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMetricsByUser(_ context.Context, userID string) ([]model.ContractMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ContractMetric
	for _, m := range s.metrics {
		if m.UserID == userID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetLoanTracking(_ context.Context, userID, contractID, answerID string) (*model.LoanTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lt, ok := s.loans[metricKey(userID, contractID, answerID)]
	if !ok {
		return &model.LoanTracking{UserID: userID, ContractID: contractID, AnswerID: answerID}, nil
	}
	cp := *lt
	return &cp, nil
}

// --- Atomic commit ---

// CommitTrade validates the whole write-set against current state, then
// applies it. All-or-nothing under the store mutex.
func (s *MemoryStore) CommitTrade(_ context.Context, ws *WriteSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedupe check first: a replay is not a conflict.
	if ws.DedupeKey != "" {
		if _, ok := s.dedupe[dedupeMapKey(ws.TakerUserID, ws.DedupeKey)]; ok {
			return ErrDuplicateTrade
		}
	}

	// Version check.
	if ws.Contract != nil {
		c, ok := s.contracts[ws.Contract.ContractID]
		if !ok {
			return fmt.Errorf("contract %s: %w", ws.Contract.ContractID, ErrNotFound)
		}
		if c.Version != ws.Contract.ExpectedVersion {
			return ErrConflict
		}
	}

	// Balance floors.
	for _, bu := range ws.Balances {
		u, ok := s.users[bu.UserID]
		if !ok {
			return fmt.Errorf("user %s: %w", bu.UserID, ErrNotFound)
		}
		if bu.AllowNegative {
			continue
		}
		if u.BalanceFor(bu.Token).Add(bu.Delta).IsNegative() {
			return ErrInsufficientBalance
		}
	}

	// Order existence.
	for _, ou := range ws.Orders {
		if _, ok := s.orders[ou.OrderID]; !ok {
			return fmt.Errorf("order %s: %w", ou.OrderID, ErrNotFound)
		}
	}

	// --- Apply ---

	if ws.Contract != nil {
		c := s.contracts[ws.Contract.ContractID]
		if ws.Contract.PoolYes != nil {
			c.PoolYes = *ws.Contract.PoolYes
		}
		if ws.Contract.PoolNo != nil {
			c.PoolNo = *ws.Contract.PoolNo
		}
		c.Prob = ws.Contract.Prob
		c.Volume = c.Volume.Add(ws.Contract.VolumeDelta)
		c.Version++
	}

	for _, au := range ws.Answers {
		a, ok := s.answers[au.AnswerID]
		if !ok {
			return fmt.Errorf("answer %s: %w", au.AnswerID, ErrNotFound)
		}
		a.PoolYes = au.PoolYes
		a.PoolNo = au.PoolNo
		a.Prob = au.Prob
		a.TotalShares = a.TotalShares.Add(au.TotalSharesDelta)
	}

	for _, ou := range ws.Orders {
		o := s.orders[ou.OrderID]
		o.AmountFilled = o.AmountFilled.Add(ou.AmountFilledDelta)
		o.SharesFilled = o.SharesFilled.Add(ou.SharesFilledDelta)
		if ou.IsFilled {
			o.IsFilled = true
		}
		if ou.IsCancelled {
			o.IsCancelled = true
		}
	}

	for _, bu := range ws.Balances {
		u := s.users[bu.UserID]
		if bu.Token == model.TokenCash {
			u.CashBalance = u.CashBalance.Add(bu.Delta)
		} else {
			u.Balance = u.Balance.Add(bu.Delta)
		}
	}

	for _, mu := range ws.Metrics {
		key := metricKey(mu.UserID, mu.ContractID, mu.AnswerID)
		m, ok := s.metrics[key]
		if !ok {
			m = &model.ContractMetric{UserID: mu.UserID, ContractID: mu.ContractID, AnswerID: mu.AnswerID}
			s.metrics[key] = m
		}
		m.YesShares = m.YesShares.Add(mu.YesSharesDelta)
		m.NoShares = m.NoShares.Add(mu.NoSharesDelta)
		m.Invested = m.Invested.Add(mu.InvestedDelta)
		m.Loan = m.Loan.Add(mu.LoanDelta)
		m.Payout = m.Payout.Add(mu.PayoutDelta)
		m.UpdatedAt = time.Now().UTC()
	}

	for _, lu := range ws.Loans {
		key := metricKey(lu.UserID, lu.ContractID, lu.AnswerID)
		s.loans[key] = &model.LoanTracking{
			UserID:           lu.UserID,
			ContractID:       lu.ContractID,
			AnswerID:         lu.AnswerID,
			Principal:        lu.Principal,
			PrincipalSeconds: lu.PrincipalSeconds,
			LastUpdated:      lu.LastUpdated,
		}
	}

	for _, b := range ws.Bets {
		cp := *b
		s.bets[b.ID] = &cp
		s.betOrder = append(s.betOrder, b.ID)
	}

	for _, o := range ws.NewOrders {
		cp := *o
		s.orders[o.ID] = &cp
	}

	if ws.DedupeKey != "" && len(ws.Bets) > 0 {
		s.dedupe[dedupeMapKey(ws.TakerUserID, ws.DedupeKey)] = ws.Bets[0].ID
	}

	return nil
}

// SetBalance overwrites a user balance directly. Test/seed helper only;
// production mutations go through CommitTrade.
func (s *MemoryStore) SetBalance(userID, token string, v decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return
	}
	if token == model.TokenCash {
		u.CashBalance = v
	} else {
		u.Balance = v
	}
}
