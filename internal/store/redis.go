package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/bet-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Trade commits invalidate the touched contract and every user whose
// balance or position changed, so the next read re-populates from the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if err := s.primary.CreateContract(ctx, c); err != nil {
		return err
	}
	s.cacheContract(ctx, c)
	return nil
}

func (s *CachedStore) CreateAnswer(ctx context.Context, a *model.Answer) error {
	if err := s.primary.CreateAnswer(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, answersKey(a.ContractID))
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CancelOrder(ctx context.Context, orderID, userID string) error {
	return s.primary.CancelOrder(ctx, orderID, userID)
}

// CommitTrade applies the write-set to the primary, then invalidates
// every cached row it touched. Next reads re-populate.
func (s *CachedStore) CommitTrade(ctx context.Context, ws *WriteSet) error {
	if err := s.primary.CommitTrade(ctx, ws); err != nil {
		return err
	}

	keys := make([]string, 0, 4+len(ws.Balances))
	if ws.Contract != nil {
		keys = append(keys, contractKey(ws.Contract.ContractID))
	}
	if len(ws.Answers) > 0 && ws.Contract != nil {
		keys = append(keys, answersKey(ws.Contract.ContractID))
	}
	for _, bu := range ws.Balances {
		keys = append(keys, userKey(bu.UserID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	data, err := s.rdb.Get(ctx, contractKey(id)).Bytes()
	if err == nil {
		var c model.Contract
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheContract(ctx, c)
	return c, nil
}

func (s *CachedStore) GetContractBySlug(ctx context.Context, slug string) (*model.Contract, error) {
	// Try cache via slug→contractID mapping.
	id, err := s.rdb.Get(ctx, slugKey(slug)).Result()
	if err == nil {
		return s.GetContract(ctx, id)
	}

	c, err := s.primary.GetContractBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	s.cacheContract(ctx, c)
	s.rdb.Set(ctx, slugKey(slug), c.ID, s.ttl)
	return c, nil
}

func (s *CachedStore) GetAnswers(ctx context.Context, contractID string) ([]model.Answer, error) {
	data, err := s.rdb.Get(ctx, answersKey(contractID)).Bytes()
	if err == nil {
		var answers []model.Answer
		if json.Unmarshal(data, &answers) == nil {
			return answers, nil
		}
	}

	answers, err := s.primary.GetAnswers(ctx, contractID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(answers); err == nil {
		s.rdb.Set(ctx, answersKey(contractID), data, s.ttl)
	}
	return answers, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

// --- Passthrough (not cached) ---

// Order book and bet reads feed the trade pipeline and must never be
// stale; they always hit the primary.

func (s *CachedStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	return s.primary.ListContracts(ctx)
}

func (s *CachedStore) GetUsers(ctx context.Context, ids []string) (map[string]*model.User, error) {
	return s.primary.GetUsers(ctx, ids)
}

func (s *CachedStore) GetOpenOrders(ctx context.Context, contractID, answerID string) ([]*model.LimitOrder, error) {
	return s.primary.GetOpenOrders(ctx, contractID, answerID)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) GetBetsByContract(ctx context.Context, contractID string) ([]model.Bet, error) {
	return s.primary.GetBetsByContract(ctx, contractID)
}

func (s *CachedStore) GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.GetBetsByUser(ctx, userID)
}

func (s *CachedStore) GetBetByDedupeKey(ctx context.Context, userID, key string) (*model.Bet, error) {
	return s.primary.GetBetByDedupeKey(ctx, userID, key)
}

func (s *CachedStore) GetMetric(ctx context.Context, userID, contractID, answerID string) (*model.ContractMetric, error) {
	return s.primary.GetMetric(ctx, userID, contractID, answerID)
}

func (s *CachedStore) GetMetricsByUser(ctx context.Context, userID string) ([]model.ContractMetric, error) {
	return s.primary.GetMetricsByUser(ctx, userID)
}

func (s *CachedStore) GetLoanTracking(ctx context.Context, userID, contractID, answerID string) (*model.LoanTracking, error) {
	return s.primary.GetLoanTracking(ctx, userID, contractID, answerID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheContract(ctx context.Context, c *model.Contract) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, contractKey(c.ID), data, s.ttl)
	}
}

func contractKey(id string) string  { return fmt.Sprintf("contract:%s", id) }
func slugKey(slug string) string    { return fmt.Sprintf("slug:%s", slug) }
func answersKey(id string) string   { return fmt.Sprintf("answers:%s", id) }
func userKey(id string) string      { return fmt.Sprintf("user:%s", id) }
