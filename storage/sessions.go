package storage

import (
	"context"
	"time"
)

// BindSession remembers that a session paid for a fulfillment URL under the
// given order. The first binding for a key wins; later binds for the same
// key are ignored so replayed pay requests stay idempotent.
func (s *Storage) BindSession(ctx context.Context, sessionID, fulfillmentURL, instancePub, orderID string, created time.Time) error {
	const op = "bind session"
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO merchant_session_info (session_id, fulfillment_url, instance_pub, order_id, created)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, fulfillment_url, instance_pub) DO NOTHING`,
		sessionID, fulfillmentURL, instancePub, orderID, created.UTC(),
	); err != nil {
		return classify(op, err)
	}
	return nil
}

// LookupSession returns the order id a session already paid under for the
// given fulfillment URL.
func (s *Storage) LookupSession(ctx context.Context, sessionID, fulfillmentURL, instancePub string) (string, error) {
	const op = "lookup session"
	var orderID string
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id FROM merchant_session_info
		  WHERE session_id = ? AND fulfillment_url = ? AND instance_pub = ?`,
		sessionID, fulfillmentURL, instancePub,
	).Scan(&orderID)
	if err != nil {
		return "", classify(op, err)
	}
	return orderID, nil
}
