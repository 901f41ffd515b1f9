package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/bet-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// CommitTrade runs one transaction; optimistic conflicts surface as
// ErrConflict and are retried by the engine.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// mapPgError converts engine-relevant PostgreSQL failures to store errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return ErrConflict
		case pgUniqueViolation:
			return ErrDuplicateTrade
		}
	}
	return err
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Contracts ---

const contractCols = `id, slug, question, mechanism, token,
       pool_yes::TEXT, pool_no::TEXT, p::TEXT, prob::TEXT, volume::TEXT,
       close_time, is_resolved, version, created_at`

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var poolYes, poolNo, p, prob, volume string
	err := row.Scan(&c.ID, &c.Slug, &c.Question, &c.Mechanism, &c.Token,
		&poolYes, &poolNo, &p, &prob, &volume,
		&c.CloseTime, &c.IsResolved, &c.Version, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.PoolYes = dec(poolYes)
	c.PoolNo = dec(poolNo)
	c.P = dec(p)
	c.Prob = dec(prob)
	c.Volume = dec(volume)
	return &c, nil
}

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contracts (id, slug, question, mechanism, token,
		        pool_yes, pool_no, p, prob, volume,
		        close_time, is_resolved, version, created_at)
		 VALUES ($1, $2, $3, $4, $5,
		        $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		        $11, $12, $13, $14)`,
		c.ID, c.Slug, c.Question, c.Mechanism, c.Token,
		c.PoolYes.String(), c.PoolNo.String(), c.P.String(), c.Prob.String(), c.Volume.String(),
		c.CloseTime, c.IsResolved, c.Version, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractCols+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) GetContractBySlug(ctx context.Context, slug string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractCols+` FROM contracts WHERE slug = $1`, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("contract slug %s: %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("get contract by slug %s: %w", slug, err)
	}
	return c, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractCols+` FROM contracts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Answers ---

func (s *PostgresStore) CreateAnswer(ctx context.Context, a *model.Answer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO answers (id, contract_id, index, text, pool_yes, pool_no, prob, total_shares, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		a.ID, a.ContractID, a.Index, a.Text,
		a.PoolYes.String(), a.PoolNo.String(), a.Prob.String(), a.TotalShares.String(),
		a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAnswers(ctx context.Context, contractID string) ([]model.Answer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, contract_id, index, text,
		        pool_yes::TEXT, pool_no::TEXT, prob::TEXT, total_shares::TEXT, created_at
		 FROM answers WHERE contract_id = $1 ORDER BY index`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Answer
	for rows.Next() {
		var a model.Answer
		var poolYes, poolNo, prob, totalShares string
		if err := rows.Scan(&a.ID, &a.ContractID, &a.Index, &a.Text,
			&poolYes, &poolNo, &prob, &totalShares, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.PoolYes = dec(poolYes)
		a.PoolNo = dec(poolNo)
		a.Prob = dec(prob)
		a.TotalShares = dec(totalShares)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, cash_balance, is_banned, loan_eligible)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
		u.ID, u.Balance.String(), u.CashBalance.String(), u.IsBanned, u.LoanEligible,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance, cash string
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, cash_balance::TEXT, is_banned, loan_eligible
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &balance, &cash, &u.IsBanned, &u.LoanEligible)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance = dec(balance)
	u.CashBalance = dec(cash)
	return &u, nil
}

func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) (map[string]*model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, balance::TEXT, cash_balance::TEXT, is_banned, loan_eligible
		 FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*model.User, len(ids))
	for rows.Next() {
		var u model.User
		var balance, cash string
		if err := rows.Scan(&u.ID, &balance, &cash, &u.IsBanned, &u.LoanEligible); err != nil {
			return nil, err
		}
		u.Balance = dec(balance)
		u.CashBalance = dec(cash)
		out[u.ID] = &u
	}
	return out, rows.Err()
}

// --- Orders ---

const orderCols = `id, user_id, contract_id, COALESCE(answer_id, ''), outcome,
       limit_prob::TEXT, order_amount::TEXT, amount_filled::TEXT, shares_filled::TEXT,
       is_filled, is_cancelled, expires_at, created_at`

func scanOrder(row pgx.Row) (*model.LimitOrder, error) {
	var o model.LimitOrder
	var limitProb, orderAmount, amountFilled, sharesFilled string
	err := row.Scan(&o.ID, &o.UserID, &o.ContractID, &o.AnswerID, &o.Outcome,
		&limitProb, &orderAmount, &amountFilled, &sharesFilled,
		&o.IsFilled, &o.IsCancelled, &o.ExpiresAt, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.LimitProb = dec(limitProb)
	o.OrderAmount = dec(orderAmount)
	o.AmountFilled = dec(amountFilled)
	o.SharesFilled = dec(sharesFilled)
	return &o, nil
}

func (s *PostgresStore) GetOpenOrders(ctx context.Context, contractID, answerID string) ([]*model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+`
		 FROM limit_orders
		 WHERE contract_id = $1 AND COALESCE(answer_id, '') = $2
		   AND NOT is_filled AND NOT is_cancelled
		 ORDER BY created_at, id`, contractID, answerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM limit_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) CancelOrder(ctx context.Context, orderID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE limit_orders SET is_cancelled = TRUE
		 WHERE id = $1 AND user_id = $2 AND NOT is_filled`, orderID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return nil
}

// --- Bets ---

const betCols = `id, user_id, contract_id, COALESCE(answer_id, ''), outcome,
       amount::TEXT, shares::TEXT, prob_before::TEXT, prob_after::TEXT,
       fees::TEXT, loan_amount::TEXT, is_redemption, is_maker_fill,
       COALESCE(dedupe_key, ''), created_at`

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var amount, shares, probBefore, probAfter, fees, loan string
	err := row.Scan(&b.ID, &b.UserID, &b.ContractID, &b.AnswerID, &b.Outcome,
		&amount, &shares, &probBefore, &probAfter,
		&fees, &loan, &b.IsRedemption, &b.IsMakerFill,
		&b.DedupeKey, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Amount = dec(amount)
	b.Shares = dec(shares)
	b.ProbBefore = dec(probBefore)
	b.ProbAfter = dec(probAfter)
	b.Fees = dec(fees)
	b.LoanAmount = dec(loan)
	return &b, nil
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betCols+` FROM bets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) getBets(ctx context.Context, where string, arg any) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betCols+` FROM bets WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetBetsByContract(ctx context.Context, contractID string) ([]model.Bet, error) {
	return s.getBets(ctx, "contract_id = $1", contractID)
}

func (s *PostgresStore) GetBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.getBets(ctx, "user_id = $1", userID)
}

func (s *PostgresStore) GetBetByDedupeKey(ctx context.Context, userID, key string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betCols+` FROM bets b
		 WHERE b.id = (SELECT bet_id FROM trade_dedupe WHERE user_id = $1 AND key = $2)`,
		userID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dedupe key %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return b, nil
}

// --- Metrics / loans ---

func (s *PostgresStore) GetMetric(ctx context.Context, userID, contractID, answerID string) (*model.ContractMetric, error) {
	var m model.ContractMetric
	var yes, no, invested, loan, payout string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, contract_id, COALESCE(answer_id, ''),
		        yes_shares::TEXT, no_shares::TEXT, invested::TEXT, loan::TEXT, payout::TEXT, updated_at
		 FROM contract_metrics
		 WHERE user_id = $1 AND contract_id = $2 AND COALESCE(answer_id, '') = $3`,
		userID, contractID, answerID).
		Scan(&m.UserID, &m.ContractID, &m.AnswerID, &yes, &no, &invested, &loan, &payout, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.ContractMetric{UserID: userID, ContractID: contractID, AnswerID: answerID}, nil
		}
		return nil, err
	}
	m.YesShares = dec(yes)
	m.NoShares = dec(no)
	m.Invested = dec(invested)
	m.Loan = dec(loan)
	m.Payout = dec(payout)
	return &m, nil
}

func (s *PostgresStore) GetMetricsByUser(ctx context.Context, userID string) ([]model.ContractMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, contract_id, COALESCE(answer_id, ''),
		        yes_shares::TEXT, no_shares::TEXT, invested::TEXT, loan::TEXT, payout::TEXT, updated_at
		 FROM contract_metrics WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ContractMetric
	for rows.Next() {
		var m model.ContractMetric
		var yes, no, invested, loan, payout string
		if err := rows.Scan(&m.UserID, &m.ContractID, &m.AnswerID,
			&yes, &no, &invested, &loan, &payout, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.YesShares = dec(yes)
		m.NoShares = dec(no)
		m.Invested = dec(invested)
		m.Loan = dec(loan)
		m.Payout = dec(payout)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLoanTracking(ctx context.Context, userID, contractID, answerID string) (*model.LoanTracking, error) {
	var lt model.LoanTracking
	var principal, principalSeconds string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, contract_id, COALESCE(answer_id, ''),
		        principal::TEXT, principal_seconds::TEXT, last_updated
		 FROM loan_tracking
		 WHERE user_id = $1 AND contract_id = $2 AND COALESCE(answer_id, '') = $3`,
		userID, contractID, answerID).
		Scan(&lt.UserID, &lt.ContractID, &lt.AnswerID, &principal, &principalSeconds, &lt.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.LoanTracking{UserID: userID, ContractID: contractID, AnswerID: answerID}, nil
		}
		return nil, err
	}
	lt.Principal = dec(principal)
	lt.PrincipalSeconds = dec(principalSeconds)
	return &lt, nil
}

// --- Atomic commit ---

// CommitTrade applies the write-set in one transaction. The contract row
// carries an optimistic version; losing the version race or hitting a
// serialization failure yields ErrConflict for the engine to retry.
func (s *PostgresStore) CommitTrade(ctx context.Context, ws *WriteSet) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return mapPgError(err)
	}
	defer tx.Rollback(ctx)

	if err := s.applyWriteSet(ctx, tx, ws); err != nil {
		return mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (s *PostgresStore) applyWriteSet(ctx context.Context, tx pgx.Tx, ws *WriteSet) error {
	// Dedupe reservation first so replays fail fast as ErrDuplicateTrade.
	if ws.DedupeKey != "" && len(ws.Bets) > 0 {
		_, err := tx.Exec(ctx,
			`INSERT INTO trade_dedupe (user_id, key, bet_id) VALUES ($1, $2, $3)`,
			ws.TakerUserID, ws.DedupeKey, ws.Bets[0].ID)
		if err != nil {
			return err
		}
	}

	if ws.Contract != nil {
		var tag pgconn.CommandTag
		var err error
		if ws.Contract.PoolYes != nil && ws.Contract.PoolNo != nil {
			tag, err = tx.Exec(ctx,
				`UPDATE contracts
				 SET pool_yes = $2::NUMERIC, pool_no = $3::NUMERIC, prob = $4::NUMERIC,
				     volume = volume + $5::NUMERIC, version = version + 1
				 WHERE id = $1 AND version = $6`,
				ws.Contract.ContractID,
				ws.Contract.PoolYes.String(), ws.Contract.PoolNo.String(), ws.Contract.Prob.String(),
				ws.Contract.VolumeDelta.String(), ws.Contract.ExpectedVersion)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE contracts
				 SET prob = $2::NUMERIC, volume = volume + $3::NUMERIC, version = version + 1
				 WHERE id = $1 AND version = $4`,
				ws.Contract.ContractID,
				ws.Contract.Prob.String(), ws.Contract.VolumeDelta.String(),
				ws.Contract.ExpectedVersion)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	}

	for _, au := range ws.Answers {
		tag, err := tx.Exec(ctx,
			`UPDATE answers
			 SET pool_yes = $2::NUMERIC, pool_no = $3::NUMERIC, prob = $4::NUMERIC,
			     total_shares = total_shares + $5::NUMERIC
			 WHERE id = $1`,
			au.AnswerID, au.PoolYes.String(), au.PoolNo.String(), au.Prob.String(),
			au.TotalSharesDelta.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("answer %s: %w", au.AnswerID, ErrNotFound)
		}
	}

	for _, ou := range ws.Orders {
		tag, err := tx.Exec(ctx,
			`UPDATE limit_orders
			 SET amount_filled = amount_filled + $2::NUMERIC,
			     shares_filled = shares_filled + $3::NUMERIC,
			     is_filled = is_filled OR $4,
			     is_cancelled = is_cancelled OR $5
			 WHERE id = $1`,
			ou.OrderID, ou.AmountFilledDelta.String(), ou.SharesFilledDelta.String(),
			ou.IsFilled, ou.IsCancelled)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s: %w", ou.OrderID, ErrNotFound)
		}
	}

	for _, bu := range ws.Balances {
		col := "balance"
		if bu.Token == model.TokenCash {
			col = "cash_balance"
		}
		tag, err := tx.Exec(ctx,
			`UPDATE users SET `+col+` = `+col+` + $2::NUMERIC
			 WHERE id = $1 AND ($3 OR `+col+` + $2::NUMERIC >= 0)`,
			bu.UserID, bu.Delta.String(), bu.AllowNegative)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}
	}

	for _, mu := range ws.Metrics {
		_, err := tx.Exec(ctx,
			`INSERT INTO contract_metrics
			   (user_id, contract_id, answer_id, yes_shares, no_shares, invested, loan, payout, updated_at)
			 VALUES ($1, $2, NULLIF($3, ''), $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, NOW())
			 ON CONFLICT (user_id, contract_id, COALESCE(answer_id, ''))
			 DO UPDATE SET
			   yes_shares = contract_metrics.yes_shares + EXCLUDED.yes_shares,
			   no_shares  = contract_metrics.no_shares + EXCLUDED.no_shares,
			   invested   = contract_metrics.invested + EXCLUDED.invested,
			   loan       = contract_metrics.loan + EXCLUDED.loan,
			   payout     = contract_metrics.payout + EXCLUDED.payout,
			   updated_at = NOW()`,
			mu.UserID, mu.ContractID, mu.AnswerID,
			mu.YesSharesDelta.String(), mu.NoSharesDelta.String(),
			mu.InvestedDelta.String(), mu.LoanDelta.String(), mu.PayoutDelta.String())
		if err != nil {
			return err
		}
	}

	for _, lu := range ws.Loans {
		_, err := tx.Exec(ctx,
			`INSERT INTO loan_tracking
			   (user_id, contract_id, answer_id, principal, principal_seconds, last_updated)
			 VALUES ($1, $2, NULLIF($3, ''), $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (user_id, contract_id, COALESCE(answer_id, ''))
			 DO UPDATE SET
			   principal = EXCLUDED.principal,
			   principal_seconds = EXCLUDED.principal_seconds,
			   last_updated = EXCLUDED.last_updated`,
			lu.UserID, lu.ContractID, lu.AnswerID,
			lu.Principal.String(), lu.PrincipalSeconds.String(), lu.LastUpdated)
		if err != nil {
			return err
		}
	}

	for _, b := range ws.Bets {
		_, err := tx.Exec(ctx,
			`INSERT INTO bets
			   (id, user_id, contract_id, answer_id, outcome, amount, shares,
			    prob_before, prob_after, fees, loan_amount, is_redemption, is_maker_fill,
			    dedupe_key, created_at)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::NUMERIC, $7::NUMERIC,
			         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13,
			         NULLIF($14, ''), $15)`,
			b.ID, b.UserID, b.ContractID, b.AnswerID, b.Outcome,
			b.Amount.String(), b.Shares.String(),
			b.ProbBefore.String(), b.ProbAfter.String(),
			b.Fees.String(), b.LoanAmount.String(), b.IsRedemption, b.IsMakerFill,
			b.DedupeKey, b.CreatedAt)
		if err != nil {
			return err
		}
	}

	for _, o := range ws.NewOrders {
		_, err := tx.Exec(ctx,
			`INSERT INTO limit_orders
			   (id, user_id, contract_id, answer_id, outcome, limit_prob,
			    order_amount, amount_filled, shares_filled, is_filled, is_cancelled,
			    expires_at, created_at)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::NUMERIC,
			         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
			o.ID, o.UserID, o.ContractID, o.AnswerID, o.Outcome, o.LimitProb.String(),
			o.OrderAmount.String(), o.AmountFilled.String(), o.SharesFilled.String(),
			o.IsFilled, o.IsCancelled, o.ExpiresAt, o.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

// Schema is the reference DDL for the engine's tables, applied by
// operators or migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS contracts (
    id          TEXT PRIMARY KEY,
    slug        TEXT NOT NULL UNIQUE,
    question    TEXT NOT NULL,
    mechanism   TEXT NOT NULL,
    token       TEXT NOT NULL DEFAULT 'MANA',
    pool_yes    NUMERIC NOT NULL DEFAULT 0,
    pool_no     NUMERIC NOT NULL DEFAULT 0,
    p           NUMERIC NOT NULL DEFAULT 0.5,
    prob        NUMERIC NOT NULL DEFAULT 0.5,
    volume      NUMERIC NOT NULL DEFAULT 0,
    close_time  TIMESTAMPTZ NOT NULL,
    is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
    version     BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS answers (
    id           TEXT PRIMARY KEY,
    contract_id  TEXT NOT NULL REFERENCES contracts(id),
    index        INTEGER NOT NULL,
    text         TEXT NOT NULL,
    pool_yes     NUMERIC NOT NULL,
    pool_no      NUMERIC NOT NULL,
    prob         NUMERIC NOT NULL,
    total_shares NUMERIC NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_answers_contract ON answers(contract_id, index);

CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    balance       NUMERIC NOT NULL DEFAULT 0,
    cash_balance  NUMERIC NOT NULL DEFAULT 0,
    is_banned     BOOLEAN NOT NULL DEFAULT FALSE,
    loan_eligible BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS bets (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES users(id),
    contract_id   TEXT NOT NULL REFERENCES contracts(id),
    answer_id     TEXT REFERENCES answers(id),
    outcome       TEXT NOT NULL,
    amount        NUMERIC NOT NULL,
    shares        NUMERIC NOT NULL,
    prob_before   NUMERIC NOT NULL,
    prob_after    NUMERIC NOT NULL,
    fees          NUMERIC NOT NULL DEFAULT 0,
    loan_amount   NUMERIC NOT NULL DEFAULT 0,
    is_redemption BOOLEAN NOT NULL DEFAULT FALSE,
    is_maker_fill BOOLEAN NOT NULL DEFAULT FALSE,
    dedupe_key    TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_bets_contract ON bets(contract_id, created_at);
CREATE INDEX IF NOT EXISTS idx_bets_user ON bets(user_id, created_at);

CREATE TABLE IF NOT EXISTS limit_orders (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES users(id),
    contract_id   TEXT NOT NULL REFERENCES contracts(id),
    answer_id     TEXT REFERENCES answers(id),
    outcome       TEXT NOT NULL,
    limit_prob    NUMERIC NOT NULL,
    order_amount  NUMERIC NOT NULL,
    amount_filled NUMERIC NOT NULL DEFAULT 0,
    shares_filled NUMERIC NOT NULL DEFAULT 0,
    is_filled     BOOLEAN NOT NULL DEFAULT FALSE,
    is_cancelled  BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at    TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_orders_book
    ON limit_orders(contract_id, outcome) WHERE NOT is_filled AND NOT is_cancelled;

CREATE TABLE IF NOT EXISTS contract_metrics (
    user_id     TEXT NOT NULL REFERENCES users(id),
    contract_id TEXT NOT NULL REFERENCES contracts(id),
    answer_id   TEXT,
    yes_shares  NUMERIC NOT NULL DEFAULT 0,
    no_shares   NUMERIC NOT NULL DEFAULT 0,
    invested    NUMERIC NOT NULL DEFAULT 0,
    loan        NUMERIC NOT NULL DEFAULT 0,
    payout      NUMERIC NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_metrics_key
    ON contract_metrics(user_id, contract_id, COALESCE(answer_id, ''));

CREATE TABLE IF NOT EXISTS loan_tracking (
    user_id           TEXT NOT NULL REFERENCES users(id),
    contract_id       TEXT NOT NULL REFERENCES contracts(id),
    answer_id         TEXT,
    principal         NUMERIC NOT NULL DEFAULT 0,
    principal_seconds NUMERIC NOT NULL DEFAULT 0,
    last_updated      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_key
    ON loan_tracking(user_id, contract_id, COALESCE(answer_id, ''));

CREATE TABLE IF NOT EXISTS trade_dedupe (
    user_id TEXT NOT NULL,
    key     TEXT NOT NULL,
    bet_id  TEXT NOT NULL REFERENCES bets(id) DEFERRABLE INITIALLY DEFERRED,
    PRIMARY KEY (user_id, key)
);
`

// EnsureSchema applies the reference DDL. Intended for development and
// tests against a disposable database.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}
