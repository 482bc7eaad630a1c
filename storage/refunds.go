package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"merchantd/taler"
)

// RefundRecord is one refund permission granted on a deposited coin. RTxID
// is assigned by the database and increases monotonically per contract.
type RefundRecord struct {
	RTxID        int64
	HContract    string
	CoinPub      string
	Reason       string
	RefundAmount taler.Amount
	RefundFee    taler.Amount
	Created      time.Time
}

// InsertRefund records a refund for one coin after checking the cumulative
// refunds on that coin stay within its deposited amount. The check and the
// insert run in one transaction. Returns the assigned refund transaction id.
func (s *Storage) InsertRefund(ctx context.Context, rec RefundRecord) (int64, error) {
	const op = "insert refund"
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, classify(op, err)
	}
	defer tx.Rollback()

	var deposited string
	err = tx.QueryRowContext(ctx,
		`SELECT amount_with_fee FROM merchant_deposits WHERE h_contract = ? AND coin_pub = ?`,
		rec.HContract, rec.CoinPub,
	).Scan(&deposited)
	if err != nil {
		return 0, classify(op, err)
	}
	limit, err := parseAmount(op, deposited)
	if err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT refund_amount FROM merchant_refunds WHERE h_contract = ? AND coin_pub = ?`,
		rec.HContract, rec.CoinPub,
	)
	if err != nil {
		return 0, classify(op, err)
	}
	total := taler.Zero(limit.Currency)
	for rows.Next() {
		var prior string
		if err := rows.Scan(&prior); err != nil {
			rows.Close()
			return 0, classify(op, err)
		}
		amt, err := parseAmount(op, prior)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if total, err = total.Add(amt); err != nil {
			rows.Close()
			return 0, newError(op, KindHard, err)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classify(op, err)
	}

	if total, err = total.Add(rec.RefundAmount); err != nil {
		return 0, newError(op, KindHard, err)
	}
	if c, err := total.Cmp(limit); err != nil {
		return 0, newError(op, KindHard, err)
	} else if c > 0 {
		return 0, newError(op, KindConflict,
			fmt.Errorf("refund total %s exceeds deposited %s for coin %s", total, limit, rec.CoinPub))
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO merchant_refunds (h_contract, coin_pub, reason, refund_amount, refund_fee, created)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.HContract, rec.CoinPub, rec.Reason,
		rec.RefundAmount.String(), rec.RefundFee.String(), rec.Created.UTC(),
	)
	if err != nil {
		return 0, classify(op, err)
	}
	rtxid, err := res.LastInsertId()
	if err != nil {
		return 0, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(op, err)
	}
	return rtxid, nil
}

// ListRefunds returns every refund stored for a contract in grant order.
func (s *Storage) ListRefunds(ctx context.Context, hContract string) ([]RefundRecord, error) {
	const op = "list refunds"
	rows, err := s.db.QueryContext(ctx,
		`SELECT rtxid, h_contract, coin_pub, reason, refund_amount, refund_fee, created
		   FROM merchant_refunds WHERE h_contract = ? ORDER BY rtxid`,
		hContract,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []RefundRecord
	for rows.Next() {
		var (
			rec                      RefundRecord
			refundAmount, refundFee string
		)
		if err := rows.Scan(&rec.RTxID, &rec.HContract, &rec.CoinPub, &rec.Reason, &refundAmount, &refundFee, &rec.Created); err != nil {
			return nil, classify(op, err)
		}
		if rec.RefundAmount, err = parseAmount(op, refundAmount); err != nil {
			return nil, err
		}
		if rec.RefundFee, err = parseAmount(op, refundFee); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// RefundTotal sums the refunds granted for a contract. With no refunds it
// returns zero in the given currency.
func (s *Storage) RefundTotal(ctx context.Context, hContract, currency string) (taler.Amount, error) {
	const op = "refund total"
	refunds, err := s.ListRefunds(ctx, hContract)
	if err != nil {
		return taler.Amount{}, err
	}
	total := taler.Zero(currency)
	for _, rec := range refunds {
		if total, err = total.Add(rec.RefundAmount); err != nil {
			return taler.Amount{}, newError(op, KindHard, err)
		}
	}
	return total, nil
}
