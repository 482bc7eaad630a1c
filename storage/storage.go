package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Storage wraps the merchant database. All methods are safe for concurrent
// use; sqlite serializes writers underneath.
type Storage struct {
	db *sql.DB
}

// Open opens the database at dsn and applies the schema.
func Open(dsn string) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying handle.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Preflight verifies the database is reachable before a request commits to
// real work. Request handlers call it so overload surfaces as a clean 503
// instead of a half-finished transaction.
func (s *Storage) Preflight(ctx context.Context) error {
	if s == nil || s.db == nil {
		return newError("preflight", KindHard, fmt.Errorf("storage not configured"))
	}
	if err := s.db.PingContext(ctx); err != nil {
		return classify("preflight", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS merchant_orders (
    order_id     TEXT NOT NULL,
    instance_pub TEXT NOT NULL,
    order_json   TEXT NOT NULL,
    created      TIMESTAMP NOT NULL,
    PRIMARY KEY (order_id, instance_pub)
);

CREATE TABLE IF NOT EXISTS merchant_contract_terms (
    order_id      TEXT NOT NULL,
    instance_pub  TEXT NOT NULL,
    contract_json TEXT NOT NULL,
    h_contract    TEXT NOT NULL,
    nonce         TEXT NOT NULL,
    created       TIMESTAMP NOT NULL,
    paid          INTEGER NOT NULL DEFAULT 0,
    aborted       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (order_id, instance_pub),
    UNIQUE (h_contract, instance_pub)
);

CREATE TABLE IF NOT EXISTS merchant_deposits (
    h_contract      TEXT NOT NULL,
    coin_pub        TEXT NOT NULL,
    amount_with_fee TEXT NOT NULL,
    deposit_fee     TEXT NOT NULL,
    refund_fee      TEXT NOT NULL,
    wire_fee        TEXT NOT NULL,
    exchange_url    TEXT NOT NULL,
    exchange_pub    TEXT NOT NULL,
    exchange_sig    TEXT NOT NULL,
    created         TIMESTAMP NOT NULL,
    PRIMARY KEY (h_contract, coin_pub)
);

CREATE TABLE IF NOT EXISTS merchant_deposit_rejections (
    h_contract TEXT NOT NULL,
    coin_pub   TEXT NOT NULL,
    proof_json TEXT NOT NULL,
    created    TIMESTAMP NOT NULL,
    PRIMARY KEY (h_contract, coin_pub)
);

CREATE TABLE IF NOT EXISTS merchant_refunds (
    rtxid         INTEGER PRIMARY KEY AUTOINCREMENT,
    h_contract    TEXT NOT NULL,
    coin_pub      TEXT NOT NULL,
    reason        TEXT NOT NULL,
    refund_amount TEXT NOT NULL,
    refund_fee    TEXT NOT NULL,
    created       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merchant_refunds_coin
    ON merchant_refunds (h_contract, coin_pub);

CREATE TABLE IF NOT EXISTS merchant_session_info (
    session_id      TEXT NOT NULL,
    fulfillment_url TEXT NOT NULL,
    instance_pub    TEXT NOT NULL,
    order_id        TEXT NOT NULL,
    created         TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, fulfillment_url, instance_pub)
);

CREATE TABLE IF NOT EXISTS merchant_tip_reserves (
    reserve_priv      TEXT PRIMARY KEY,
    exchange_url      TEXT NOT NULL,
    amount_deposited  TEXT NOT NULL,
    amount_withdrawn  TEXT NOT NULL,
    amount_authorized TEXT NOT NULL,
    expiration        TIMESTAMP NOT NULL,
    updated           TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS merchant_tips (
    tip_id        TEXT PRIMARY KEY,
    reserve_priv  TEXT NOT NULL,
    exchange_url  TEXT NOT NULL,
    justification TEXT NOT NULL,
    amount        TEXT NOT NULL,
    amount_left   TEXT NOT NULL,
    created       TIMESTAMP NOT NULL,
    expiration    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merchant_tips_reserve
    ON merchant_tips (reserve_priv);

CREATE TABLE IF NOT EXISTS merchant_tip_pickups (
    pickup_id TEXT PRIMARY KEY,
    tip_id    TEXT NOT NULL,
    amount    TEXT NOT NULL,
    created   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merchant_tip_pickups_tip
    ON merchant_tip_pickups (tip_id);
`
