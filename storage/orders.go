package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ContractRecord is a proposal that has been bound to a wallet nonce and
// hashed. Rows are immutable except for the paid and aborted flags.
type ContractRecord struct {
	OrderID      string
	InstancePub  string
	ContractJSON json.RawMessage
	HContract    string
	Nonce        string
	Created      time.Time
	Paid         bool
	Aborted      bool
}

// InsertOrder stores a fresh order. The order identifier must be unused by
// both the order table and the contract table for the same instance.
func (s *Storage) InsertOrder(ctx context.Context, instancePub, orderID string, orderJSON []byte, created time.Time) error {
	const op = "insert order"
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM merchant_contract_terms WHERE order_id = ? AND instance_pub = ?`,
		orderID, instancePub,
	).Scan(&one)
	switch {
	case err == nil:
		return newError(op, KindConflict, fmt.Errorf("order %s already upgraded to contract", orderID))
	case err != sql.ErrNoRows:
		return classify(op, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merchant_orders (order_id, instance_pub, order_json, created) VALUES (?, ?, ?, ?)`,
		orderID, instancePub, string(orderJSON), created.UTC(),
	); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// LookupOrder returns the stored order body, or a not-found error.
func (s *Storage) LookupOrder(ctx context.Context, instancePub, orderID string) (json.RawMessage, error) {
	const op = "lookup order"
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT order_json FROM merchant_orders WHERE order_id = ? AND instance_pub = ?`,
		orderID, instancePub,
	).Scan(&body)
	if err != nil {
		return nil, classify(op, err)
	}
	return json.RawMessage(body), nil
}

// UpgradeOrderToContract atomically records the nonce-bound contract and
// retires the underlying order row. A concurrent upgrade of the same order
// loses with a conflict, so the first nonce wins.
func (s *Storage) UpgradeOrderToContract(ctx context.Context, rec ContractRecord) error {
	const op = "upgrade order"
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merchant_contract_terms
		    (order_id, instance_pub, contract_json, h_contract, nonce, created, paid, aborted)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0)`,
		rec.OrderID, rec.InstancePub, string(rec.ContractJSON), rec.HContract, rec.Nonce, rec.Created.UTC(),
	); err != nil {
		return classify(op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM merchant_orders WHERE order_id = ? AND instance_pub = ?`,
		rec.OrderID, rec.InstancePub,
	); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// LookupContract returns the contract stored for an order identifier.
func (s *Storage) LookupContract(ctx context.Context, instancePub, orderID string) (*ContractRecord, error) {
	const op = "lookup contract"
	return s.scanContract(ctx, op,
		`SELECT order_id, instance_pub, contract_json, h_contract, nonce, created, paid, aborted
		   FROM merchant_contract_terms WHERE order_id = ? AND instance_pub = ?`,
		orderID, instancePub)
}

// LookupContractByHash returns the contract stored under a contract hash.
func (s *Storage) LookupContractByHash(ctx context.Context, instancePub, hContract string) (*ContractRecord, error) {
	const op = "lookup contract by hash"
	return s.scanContract(ctx, op,
		`SELECT order_id, instance_pub, contract_json, h_contract, nonce, created, paid, aborted
		   FROM merchant_contract_terms WHERE h_contract = ? AND instance_pub = ?`,
		hContract, instancePub)
}

func (s *Storage) scanContract(ctx context.Context, op, query string, args ...any) (*ContractRecord, error) {
	var (
		rec  ContractRecord
		body string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.OrderID, &rec.InstancePub, &body, &rec.HContract, &rec.Nonce, &rec.Created, &rec.Paid, &rec.Aborted,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	rec.ContractJSON = json.RawMessage(body)
	return &rec, nil
}

// MarkContractPaid flips the paid flag. It reports whether this call
// performed the transition, so callers wake poll-payment waiters exactly
// once per contract.
func (s *Storage) MarkContractPaid(ctx context.Context, instancePub, hContract string) (bool, error) {
	const op = "mark paid"
	res, err := s.db.ExecContext(ctx,
		`UPDATE merchant_contract_terms SET paid = 1
		  WHERE h_contract = ? AND instance_pub = ? AND paid = 0`,
		hContract, instancePub,
	)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return n > 0, nil
}

// MarkContractAborted flips the aborted flag.
func (s *Storage) MarkContractAborted(ctx context.Context, instancePub, hContract string) error {
	const op = "mark aborted"
	if _, err := s.db.ExecContext(ctx,
		`UPDATE merchant_contract_terms SET aborted = 1
		  WHERE h_contract = ? AND instance_pub = ?`,
		hContract, instancePub,
	); err != nil {
		return classify(op, err)
	}
	return nil
}
