// Package trade provides the HTTP surface for the bet engine: market
// creation, bet placement and selling, limit order management, and
// position/portfolio queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/contract"
	"github.com/atmx/bet-engine/internal/engine"
	"github.com/atmx/bet-engine/internal/limits"
	"github.com/atmx/bet-engine/internal/model"
	"github.com/atmx/bet-engine/internal/store"
)

// Service handles market and trade operations over HTTP.
type Service struct {
	store    store.Store
	executor *engine.Executor
	wsHub    *WSHub // optional; nil disables the ws endpoint
}

// NewService creates a new trade service.
func NewService(st store.Store, ex *engine.Executor, hub *WSHub) *Service {
	return &Service{store: st, executor: ex, wsHub: hub}
}

// Routes mounts all handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{contractID}", s.GetMarket)
	r.Get("/markets/{contractID}/bets", s.GetMarketBets)
	r.Get("/markets/{contractID}/orders", s.GetOpenOrders)

	r.Post("/bet", s.PlaceBet)
	r.Post("/bet/simulate", s.SimulateBet)
	r.Post("/sell", s.SellShares)
	r.Delete("/order/{orderID}", s.CancelOrder)

	r.Get("/positions/{userID}", s.GetPositions)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Slug      string          `json:"slug"`
	Question  string          `json:"question"`
	Mechanism string          `json:"mechanism"` // defaults to cpmm-1
	Token     string          `json:"token"`     // defaults to MANA
	Liquidity decimal.Decimal `json:"liquidity"` // creator subsidy; 0 → default 100
	InitProb  decimal.Decimal `json:"init_prob"` // binary only; 0 → 0.5
	Answers   []string        `json:"answers"`   // multi only
	CloseTime time.Time       `json:"close_time"`
}

// BetRequest is the JSON body for POST /bet and /bet/simulate.
type BetRequest struct {
	UserID     string           `json:"user_id"`
	ContractID string           `json:"contract_id"`
	AnswerID   string           `json:"answer_id,omitempty"`
	Outcome    string           `json:"outcome"`
	Amount     decimal.Decimal  `json:"amount"`
	LimitProb  *decimal.Decimal `json:"limit_prob,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	DedupeKey  string           `json:"dedupe_key,omitempty"`
}

// SellRequest is the JSON body for POST /sell.
type SellRequest struct {
	UserID     string           `json:"user_id"`
	ContractID string           `json:"contract_id"`
	AnswerID   string           `json:"answer_id,omitempty"`
	Outcome    string           `json:"outcome"`
	Shares     decimal.Decimal  `json:"shares"` // 0 sells the whole position
	LimitProb  *decimal.Decimal `json:"limit_prob,omitempty"`
	DedupeKey  string           `json:"dedupe_key,omitempty"`
}

// BetResponse is returned from POST /bet and /sell.
type BetResponse struct {
	Bet        *model.Bet        `json:"bet"`
	MakerBets  []*model.Bet      `json:"maker_bets,omitempty"`
	Order      *model.LimitOrder `json:"order,omitempty"`
	NewProb    decimal.Decimal   `json:"new_prob"`
	Fees       decimal.Decimal   `json:"fees"`
	Loan       decimal.Decimal   `json:"loan"`
	Redeemed   decimal.Decimal   `json:"redeemed"`
	Unfilled   decimal.Decimal   `json:"unfilled"`
	Idempotent bool              `json:"idempotent,omitempty"`
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := contract.ValidateSlug(req.Slug); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	mechanism := req.Mechanism
	if mechanism == "" {
		mechanism = model.MechanismBinary
	}
	if err := contract.ValidateMechanism(mechanism); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	token := req.Token
	if token == "" {
		token = model.TokenMana
	}
	liquidity := req.Liquidity
	if liquidity.LessThanOrEqual(decimal.Zero) {
		liquidity = decimal.NewFromInt(100)
	}
	if req.CloseTime.IsZero() || !req.CloseTime.After(time.Now()) {
		writeError(w, "close_time must be in the future", http.StatusBadRequest)
		return
	}

	c := &model.Contract{
		ID:        uuid.NewString(),
		Slug:      req.Slug,
		Question:  req.Question,
		Mechanism: mechanism,
		Token:     token,
		CloseTime: req.CloseTime,
		CreatedAt: time.Now().UTC(),
	}

	ctx := r.Context()
	switch mechanism {
	case model.MechanismBinary:
		initProb := req.InitProb
		if initProb.IsZero() {
			initProb = decimal.NewFromFloat(0.5)
		}
		pool, p, err := contract.SeedPool(liquidity, initProb)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.PoolYes, c.PoolNo, c.P, c.Prob = pool.Yes, pool.No, p, initProb
		if err := s.store.CreateContract(ctx, c); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}

	default:
		pools, err := contract.SeedAnswerPools(liquidity, len(req.Answers))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.store.CreateContract(ctx, c); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		n := decimal.NewFromInt(int64(len(req.Answers)))
		prob := decimal.NewFromInt(1).Div(n)
		for i, text := range req.Answers {
			a := &model.Answer{
				ID:         uuid.NewString(),
				ContractID: c.ID,
				Index:      i,
				Text:       text,
				PoolYes:    pools[i].Yes,
				PoolNo:     pools[i].No,
				Prob:       prob,
				CreatedAt:  c.CreatedAt,
			}
			if err := s.store.CreateAnswer(ctx, a); err != nil {
				writeError(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	slog.Info("market created",
		"id", c.ID,
		"slug", c.Slug,
		"mechanism", c.Mechanism,
		"liquidity", liquidity.String(),
	)

	writeJSON(w, http.StatusCreated, c)
}

// GetMarket handles GET /api/v1/markets/{contractID}. Accepts an id or
// a slug.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "contractID")

	c, err := s.store.GetContract(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		c, err = s.store.GetContractBySlug(r.Context(), key)
	}
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	resp := struct {
		*model.Contract
		Answers []model.Answer `json:"answers,omitempty"`
	}{Contract: c}

	if c.Mechanism != model.MechanismBinary {
		answers, err := s.store.GetAnswers(r.Context(), c.ID)
		if err != nil {
			writeError(w, "failed to load answers", http.StatusInternalServerError)
			return
		}
		resp.Answers = answers
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListContracts(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Contract{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// PlaceBet handles POST /api/v1/bet.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.executor.PlaceBet(r.Context(), engine.PlaceBetRequest{
		UserID:     req.UserID,
		ContractID: req.ContractID,
		AnswerID:   req.AnswerID,
		Outcome:    req.Outcome,
		Amount:     req.Amount,
		LimitProb:  req.LimitProb,
		ExpiresAt:  req.ExpiresAt,
		DedupeKey:  req.DedupeKey,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("bet placed",
		"bet_id", res.Bet.ID,
		"user", req.UserID,
		"contract", req.ContractID,
		"outcome", req.Outcome,
		"amount", req.Amount.String(),
		"shares", res.Bet.Shares.String(),
		"new_prob", res.ProbAfter.String(),
	)

	writeJSON(w, http.StatusOK, toBetResponse(res))
}

// SellShares handles POST /api/v1/sell.
func (s *Service) SellShares(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.executor.SellShares(r.Context(), engine.SellSharesRequest{
		UserID:     req.UserID,
		ContractID: req.ContractID,
		AnswerID:   req.AnswerID,
		Outcome:    req.Outcome,
		Shares:     req.Shares,
		LimitProb:  req.LimitProb,
		DedupeKey:  req.DedupeKey,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	slog.Info("shares sold",
		"bet_id", res.Bet.ID,
		"user", req.UserID,
		"contract", req.ContractID,
		"outcome", req.Outcome,
		"shares", res.Bet.Shares.Neg().String(),
		"proceeds", res.Bet.Amount.Neg().String(),
		"new_prob", res.ProbAfter.String(),
	)

	writeJSON(w, http.StatusOK, toBetResponse(res))
}

// SimulateBet handles POST /api/v1/bet/simulate: a read-only dry run.
func (s *Service) SimulateBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sim, err := s.executor.SimulateBet(r.Context(), engine.PlaceBetRequest{
		UserID:     req.UserID,
		ContractID: req.ContractID,
		AnswerID:   req.AnswerID,
		Outcome:    req.Outcome,
		Amount:     req.Amount,
		LimitProb:  req.LimitProb,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// CancelOrder handles DELETE /api/v1/order/{orderID}. The owner is
// identified by the user_id query parameter.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.executor.CancelOrder(r.Context(), orderID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "order not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetOpenOrders handles GET /api/v1/markets/{contractID}/orders.
func (s *Service) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	answerID := r.URL.Query().Get("answer_id")

	orders, err := s.store.GetOpenOrders(r.Context(), contractID, answerID)
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []*model.LimitOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetMarketBets handles GET /api/v1/markets/{contractID}/bets.
func (s *Service) GetMarketBets(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")

	bets, err := s.store.GetBetsByContract(r.Context(), contractID)
	if err != nil {
		writeError(w, "failed to load bets", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// GetPositions handles GET /api/v1/positions/{userID}: the user's
// per-contract aggregates plus portfolio totals.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	ms, err := s.store.GetMetricsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if ms == nil {
		ms = []model.ContractMetric{}
	}

	totalInvested := decimal.Zero
	totalLoan := decimal.Zero
	totalExposure := decimal.Zero
	for _, m := range ms {
		totalInvested = totalInvested.Add(m.Invested)
		totalLoan = totalLoan.Add(m.Loan)
		totalExposure = totalExposure.Add(m.YesShares.Sub(m.NoShares).Abs())
	}

	writeJSON(w, http.StatusOK, struct {
		UserID        string                 `json:"user_id"`
		Positions     []model.ContractMetric `json:"positions"`
		TotalInvested decimal.Decimal        `json:"total_invested"`
		TotalLoan     decimal.Decimal        `json:"total_loan"`
		TotalExposure decimal.Decimal        `json:"total_exposure"`
	}{userID, ms, totalInvested, totalLoan, totalExposure})
}

// --- Helpers ---

func toBetResponse(res *engine.TradeResult) BetResponse {
	return BetResponse{
		Bet:        res.Bet,
		MakerBets:  res.MakerBets,
		Order:      res.Order,
		NewProb:    res.ProbAfter,
		Fees:       res.Fees,
		Loan:       res.Loan,
		Redeemed:   res.Redeemed,
		Unfilled:   res.Unfilled,
		Idempotent: res.Idempotent,
	}
}

// writeEngineError maps the engine error taxonomy to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrMechanism):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrMarketClosed),
		errors.Is(err, engine.ErrMarketResolved),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrUserBanned),
		errors.Is(err, engine.ErrExposureLimit),
		errors.Is(err, limits.ErrContractLimitExceeded),
		errors.Is(err, limits.ErrTotalLimitExceeded),
		errors.Is(err, store.ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrRetryExhausted):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
