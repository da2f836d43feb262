package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ordergate/internal/store/sqlstore"
)

const uniqueViolation = pq.ErrorCode("23505")

const schema = `
create table if not exists orders (
    order_id text primary key,
    account_id text not null,
    strategy_id text not null default '',
    signal_id text not null default '',
    symbol text not null,
    side text not null,
    order_type text not null,
    qty bigint not null,
    price numeric not null default 0,
    status text not null,
    idempotency_key text not null unique,
    broker_order_no text not null default '',
    filled_qty bigint not null default 0,
    status_reason text not null default '',
    created_at timestamptz not null,
    updated_at timestamptz not null
);

create index if not exists idx_orders_account_status on orders(account_id, status);

create table if not exists kill_switches (
    scope_key text primary key,
    status text not null,
    reason text not null default '',
    updated_at timestamptz not null
);

create table if not exists account_state (
    account_id text primary key,
    consecutive_failures integer not null default 0
);

create table if not exists pnl_ledger (
    id bigserial primary key,
    account_id text not null,
    trading_day text not null,
    amount numeric not null,
    created_at timestamptz not null
);

create index if not exists idx_pnl_ledger_day on pnl_ledger(account_id, trading_day);

create table if not exists positions (
    account_id text not null,
    symbol text not null,
    qty bigint not null,
    avg_price numeric not null,
    realized_pnl numeric not null,
    unrealized_pnl numeric not null,
    last_price numeric not null,
    updated_at timestamptz not null,
    primary key (account_id, symbol)
);

create table if not exists outbox_events (
    seq bigserial primary key,
    event_id text not null unique,
    event_type text not null,
    account_id text not null default '',
    occurred_at timestamptz not null,
    payload jsonb not null,
    published_at timestamptz
);

create index if not exists idx_outbox_unpublished on outbox_events(seq) where published_at is null;

create table if not exists broker_tokens (
    provider text primary key,
    access_token_enc text not null,
    token_type text not null default '',
    expires_at timestamptz not null,
    issued_at timestamptz not null
)
`

var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Numbered:          true,
	Schema:            schema,
	IsUniqueViolation: isUniqueViolation,
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Open connects, pings and migrates. Broker tokens are sealed with cipher,
// which production setups must provide.
func Open(ctx context.Context, databaseURL string, cipher sqlstore.Cipher) (*sqlstore.Store, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := sqlstore.New(db, Dialect, cipher)
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
