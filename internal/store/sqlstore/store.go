// Package sqlstore implements store.Store on database/sql. The sqlite and
// postgres packages supply the driver, the schema and a Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
	"ordergate/internal/store"
)

// Cipher seals broker tokens at rest. A nil Cipher stores them as given.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	cipher  Cipher
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect, cipher Cipher) *Store {
	return &Store{db: db, dialect: dialect, cipher: cipher}
}

// Migrate applies the dialect schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

// inTx runs fn in a transaction and commits only when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const orderColumns = `order_id, account_id, strategy_id, signal_id, symbol, side, order_type, qty, price,
	status, idempotency_key, broker_order_no, filled_qty, status_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string
	var created, updated timeValue
	err := row.Scan(
		&o.OrderID,
		&o.AccountID,
		&o.StrategyID,
		&o.SignalID,
		&o.Symbol,
		&side,
		&orderType,
		&o.Qty,
		&o.Price,
		&status,
		&o.IdempotencyKey,
		&o.BrokerOrderNo,
		&o.FilledQty,
		&o.StatusReason,
		&created,
		&updated,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.OrderType = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt, o.UpdatedAt = created.t, updated.t
	return o, nil
}

func (s *Store) findOrder(ctx context.Context, where string, arg any) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`select `+orderColumns+` from orders where `+where), arg)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, store.ErrNotFound
		}
		return domain.Order{}, err
	}
	return o, nil
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	return s.findOrder(ctx, `idempotency_key = ?`, key)
}

func (s *Store) FindOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.findOrder(ctx, `order_id = ?`, orderID)
}

func statusArgs(statuses []domain.OrderStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

func (s *Store) CountOpenOrdersByAccount(ctx context.Context, accountID string) (int, error) {
	marks, args := statusArgs(domain.OpenStatuses())
	var n int
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`select count(*) from orders where account_id = ? and status in (`+marks+`)`),
		append([]any{accountID}, args...)...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open orders: %w", err)
	}
	return n, nil
}

func (s *Store) ListOpenOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	marks, args := statusArgs(domain.OpenStatuses())
	query := `select ` + orderColumns + ` from orders where status in (` + marks + `) order by created_at asc`
	if limit > 0 {
		query += ` limit ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) CreateOrder(ctx context.Context, o domain.Order, event domain.OutboxEvent) (domain.Order, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`insert into orders(`+orderColumns+`) values (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			o.OrderID,
			o.AccountID,
			o.StrategyID,
			o.SignalID,
			o.Symbol,
			string(o.Side),
			string(o.OrderType),
			o.Qty,
			o.Price,
			string(o.Status),
			o.IdempotencyKey,
			o.BrokerOrderNo,
			o.FilledQty,
			o.StatusReason,
			formatTime(o.CreatedAt),
			formatTime(o.UpdatedAt),
		)
		if err != nil {
			if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
				return store.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return s.insertEvent(ctx, tx, event)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (s *Store) UpdateOrder(ctx context.Context, o domain.Order, event domain.OutboxEvent) (domain.Order, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`update orders
			 set qty = ?, price = ?, status = ?, broker_order_no = ?, filled_qty = ?, status_reason = ?, updated_at = ?
			 where order_id = ?`,
			o.Qty,
			o.Price,
			string(o.Status),
			o.BrokerOrderNo,
			o.FilledQty,
			o.StatusReason,
			formatTime(o.UpdatedAt),
			o.OrderID,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return store.ErrNotFound
		}
		return s.insertEvent(ctx, tx, event)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func killSwitchKey(scope domain.RiskScope, accountID string) string {
	if scope == domain.ScopeGlobal {
		return string(domain.ScopeGlobal)
	}
	return string(scope) + ":" + accountID
}

func (s *Store) KillSwitch(ctx context.Context, scope domain.RiskScope, accountID string) (domain.KillSwitchStatus, string, error) {
	var status, reason string
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`select status, reason from kill_switches where scope_key = ?`),
		killSwitchKey(scope, accountID),
	).Scan(&status, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.KillSwitchOff, "", nil
		}
		return "", "", fmt.Errorf("load kill switch: %w", err)
	}
	return domain.KillSwitchStatus(status), reason, nil
}

func (s *Store) SetKillSwitch(ctx context.Context, scope domain.RiskScope, accountID string, status domain.KillSwitchStatus, reason string, event domain.OutboxEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`insert into kill_switches(scope_key, status, reason, updated_at) values (?, ?, ?, ?)
			 on conflict (scope_key) do update
			 set status = excluded.status, reason = excluded.reason, updated_at = excluded.updated_at`,
			killSwitchKey(scope, accountID), string(status), reason, formatTime(event.OccurredAt),
		)
		if err != nil {
			return fmt.Errorf("save kill switch: %w", err)
		}
		return s.insertEvent(ctx, tx, event)
	})
}

// AccountRisk sums the day's realized PnL ledger in decimal arithmetic.
func (s *Store) AccountRisk(ctx context.Context, accountID, tradingDay string) (store.AccountRisk, error) {
	out := store.AccountRisk{DailyPnl: decimal.Zero}
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`select amount from pnl_ledger where account_id = ? and trading_day = ?`),
		accountID, tradingDay,
	)
	if err != nil {
		return store.AccountRisk{}, fmt.Errorf("load daily pnl: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return store.AccountRisk{}, err
		}
		out.DailyPnl = out.DailyPnl.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return store.AccountRisk{}, err
	}

	err = s.db.QueryRowContext(ctx,
		s.dialect.rebind(`select consecutive_failures from account_state where account_id = ?`),
		accountID,
	).Scan(&out.ConsecutiveFailures)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.AccountRisk{}, fmt.Errorf("load failure counter: %w", err)
	}
	return out, nil
}

func (s *Store) RecordOrderOutcome(ctx context.Context, accountID string, failed bool) error {
	query := `insert into account_state(account_id, consecutive_failures) values (?, 0)
		 on conflict (account_id) do update set consecutive_failures = 0`
	if failed {
		query = `insert into account_state(account_id, consecutive_failures) values (?, 1)
		 on conflict (account_id) do update set consecutive_failures = account_state.consecutive_failures + 1`
	}
	if _, err := s.exec(ctx, s.db, query, accountID); err != nil {
		return fmt.Errorf("record order outcome: %w", err)
	}
	return nil
}

func (s *Store) ResetOrderFailures(ctx context.Context, accountID string, event domain.OutboxEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`insert into account_state(account_id, consecutive_failures) values (?, 0)
			 on conflict (account_id) do update set consecutive_failures = 0`,
			accountID,
		)
		if err != nil {
			return fmt.Errorf("reset order failures: %w", err)
		}
		return s.insertEvent(ctx, tx, event)
	})
}

// AddDailyPnl appends a manual adjustment to the day's PnL ledger.
func (s *Store) AddDailyPnl(ctx context.Context, accountID, tradingDay string, amount decimal.Decimal) error {
	_, err := s.exec(ctx, s.db,
		`insert into pnl_ledger(account_id, trading_day, amount, created_at) values (?, ?, ?, ?)`,
		accountID, tradingDay, amount, formatTime(time.Now()),
	)
	return err
}

const positionColumns = `account_id, symbol, qty, avg_price, realized_pnl, unrealized_pnl, last_price, updated_at`

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var updated timeValue
	if err := row.Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnl, &p.UnrealizedPnl, &p.LastPrice, &updated); err != nil {
		return domain.Position{}, err
	}
	p.UpdatedAt = updated.t
	return p, nil
}

func (s *Store) Position(ctx context.Context, accountID, symbol string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`select `+positionColumns+` from positions where account_id = ? and symbol = ?`),
		accountID, symbol,
	)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{AccountID: accountID, Symbol: symbol}, nil
		}
		return domain.Position{}, fmt.Errorf("load position: %w", err)
	}
	return p, nil
}

func (s *Store) Positions(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`select `+positionColumns+` from positions where account_id = ? order by symbol`),
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ApplyFill(ctx context.Context, pos domain.Position, tradingDay string, realizedDelta decimal.Decimal, event domain.OutboxEvent) error {
	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = event.OccurredAt
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`insert into positions(`+positionColumns+`) values (?,?,?,?,?,?,?,?)
			 on conflict (account_id, symbol) do update
			 set qty = excluded.qty,
			     avg_price = excluded.avg_price,
			     realized_pnl = excluded.realized_pnl,
			     unrealized_pnl = excluded.unrealized_pnl,
			     last_price = excluded.last_price,
			     updated_at = excluded.updated_at`,
			pos.AccountID,
			pos.Symbol,
			pos.Qty,
			pos.AvgPrice,
			pos.RealizedPnl,
			pos.UnrealizedPnl,
			pos.LastPrice,
			formatTime(updated),
		)
		if err != nil {
			return fmt.Errorf("save position: %w", err)
		}
		if !realizedDelta.IsZero() {
			_, err = s.exec(ctx, tx,
				`insert into pnl_ledger(account_id, trading_day, amount, created_at) values (?, ?, ?, ?)`,
				pos.AccountID, tradingDay, realizedDelta, formatTime(updated),
			)
			if err != nil {
				return fmt.Errorf("record realized pnl: %w", err)
			}
		}
		return s.insertEvent(ctx, tx, event)
	})
}

func (s *Store) insertEvent(ctx context.Context, q execer, e domain.OutboxEvent) error {
	_, err := s.exec(ctx, q,
		`insert into outbox_events(event_id, event_type, account_id, occurred_at, payload) values (?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.AccountID, formatTime(e.OccurredAt), string(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event domain.OutboxEvent) error {
	_, err := s.exec(ctx, s.db,
		`insert into outbox_events(event_id, event_type, account_id, occurred_at, payload) values (?, ?, ?, ?, ?)
		 on conflict (event_id) do nothing`,
		event.ID, string(event.Type), event.AccountID, formatTime(event.OccurredAt), string(event.Payload),
	)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

const eventColumns = `event_id, event_type, account_id, occurred_at, payload, published_at`

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	out := make([]domain.OutboxEvent, 0)
	for rows.Next() {
		var e domain.OutboxEvent
		var eventType, payload string
		var occurred, published timeValue
		if err := rows.Scan(&e.ID, &eventType, &e.AccountID, &occurred, &payload, &published); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(eventType)
		e.OccurredAt = occurred.t
		e.Payload = []byte(payload)
		e.PublishedAt = published.ptr()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryEvents(ctx, `select `+eventColumns+` from outbox_events order by seq desc limit ?`, limit)
}

func (s *Store) UnpublishedEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	query := `select ` + eventColumns + ` from outbox_events where published_at is null order by seq asc`
	if limit > 0 {
		return s.queryEvents(ctx, query+` limit ?`, limit)
	}
	return s.queryEvents(ctx, query)
}

func (s *Store) MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	_, err := s.exec(ctx, s.db,
		`update outbox_events set published_at = ? where published_at is null and event_id in (`+strings.Join(marks, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

func (s *Store) SaveBrokerToken(ctx context.Context, token domain.BrokerToken) error {
	access := token.AccessToken
	if s.cipher != nil {
		sealed, err := s.cipher.Encrypt(access)
		if err != nil {
			return fmt.Errorf("encrypt broker token: %w", err)
		}
		access = sealed
	}
	_, err := s.exec(ctx, s.db,
		`insert into broker_tokens(provider, access_token_enc, token_type, expires_at, issued_at) values (?, ?, ?, ?, ?)
		 on conflict (provider) do update
		 set access_token_enc = excluded.access_token_enc,
		     token_type = excluded.token_type,
		     expires_at = excluded.expires_at,
		     issued_at = excluded.issued_at`,
		token.Provider, access, token.TokenType, formatTime(token.ExpiresAt), formatTime(token.IssuedAt),
	)
	if err != nil {
		return fmt.Errorf("save broker token: %w", err)
	}
	return nil
}

func (s *Store) LoadBrokerToken(ctx context.Context, provider string) (domain.BrokerToken, error) {
	var t domain.BrokerToken
	var expires, issued timeValue
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`select provider, access_token_enc, token_type, expires_at, issued_at from broker_tokens where provider = ?`),
		provider,
	).Scan(&t.Provider, &t.AccessToken, &t.TokenType, &expires, &issued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BrokerToken{}, store.ErrNotFound
		}
		return domain.BrokerToken{}, fmt.Errorf("load broker token: %w", err)
	}
	if s.cipher != nil {
		plain, err := s.cipher.Decrypt(t.AccessToken)
		if err != nil {
			return domain.BrokerToken{}, fmt.Errorf("decrypt broker token: %w", err)
		}
		t.AccessToken = plain
	}
	t.ExpiresAt, t.IssuedAt = expires.t, issued.t
	return t, nil
}
