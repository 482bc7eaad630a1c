package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"merchantd/taler"
)

// ReserveRecord mirrors the merchant's view of a tipping reserve at the
// exchange: what was deposited into it, what wallets already withdrew, and
// how much the merchant has committed to tips.
type ReserveRecord struct {
	ReservePriv string
	ExchangeURL string
	Deposited   taler.Amount
	Withdrawn   taler.Amount
	Authorized  taler.Amount
	Expiration  time.Time
	Updated     time.Time
}

// TipRecord is one authorized tip. AmountLeft shrinks as wallets pick the
// tip up in batches.
type TipRecord struct {
	TipID         string
	ReservePriv   string
	ExchangeURL   string
	Justification string
	Amount        taler.Amount
	AmountLeft    taler.Amount
	Created       time.Time
	Expiration    time.Time
}

// PickupRecord is one pickup batch charged against a tip.
type PickupRecord struct {
	PickupID string
	TipID    string
	Amount   taler.Amount
	Created  time.Time
}

// UpsertReserveBalance stores the balance reported by the exchange for a
// tipping reserve. The authorized total is merchant-local state and is
// preserved across updates.
func (s *Storage) UpsertReserveBalance(ctx context.Context, reservePriv, exchangeURL string, deposited, withdrawn taler.Amount, expiration, updated time.Time) error {
	const op = "upsert reserve"
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO merchant_tip_reserves
		    (reserve_priv, exchange_url, amount_deposited, amount_withdrawn, amount_authorized, expiration, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (reserve_priv) DO UPDATE SET
		    exchange_url = excluded.exchange_url,
		    amount_deposited = excluded.amount_deposited,
		    amount_withdrawn = excluded.amount_withdrawn,
		    expiration = excluded.expiration,
		    updated = excluded.updated`,
		reservePriv, exchangeURL,
		deposited.String(), withdrawn.String(), taler.Zero(deposited.Currency).String(),
		expiration.UTC(), updated.UTC(),
	); err != nil {
		return classify(op, err)
	}
	return nil
}

// LookupReserve returns the stored state of a tipping reserve.
func (s *Storage) LookupReserve(ctx context.Context, reservePriv string) (*ReserveRecord, error) {
	const op = "lookup reserve"
	row := s.db.QueryRowContext(ctx,
		`SELECT reserve_priv, exchange_url, amount_deposited, amount_withdrawn, amount_authorized, expiration, updated
		   FROM merchant_tip_reserves WHERE reserve_priv = ?`,
		reservePriv,
	)
	return scanReserve(op, row)
}

func scanReserve(op string, row rowScanner) (*ReserveRecord, error) {
	var (
		rec                               ReserveRecord
		deposited, withdrawn, authorized string
	)
	if err := row.Scan(&rec.ReservePriv, &rec.ExchangeURL, &deposited, &withdrawn, &authorized, &rec.Expiration, &rec.Updated); err != nil {
		return nil, classify(op, err)
	}
	var err error
	if rec.Deposited, err = parseAmount(op, deposited); err != nil {
		return nil, err
	}
	if rec.Withdrawn, err = parseAmount(op, withdrawn); err != nil {
		return nil, err
	}
	if rec.Authorized, err = parseAmount(op, authorized); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AuthorizeTip commits reserve funds to a new tip. The funds check and the
// authorized-total bump run in one transaction: committed funds plus the new
// tip must fit in what remains of the reserve.
func (s *Storage) AuthorizeTip(ctx context.Context, rec TipRecord) error {
	const op = "authorize tip"
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT reserve_priv, exchange_url, amount_deposited, amount_withdrawn, amount_authorized, expiration, updated
		   FROM merchant_tip_reserves WHERE reserve_priv = ?`,
		rec.ReservePriv,
	)
	reserve, err := scanReserve(op, row)
	if err != nil {
		return err
	}

	available, err := reserve.Deposited.Subtract(reserve.Withdrawn)
	if err != nil {
		return newError(op, KindHard, err)
	}
	committed, err := reserve.Authorized.Add(rec.Amount)
	if err != nil {
		return newError(op, KindHard, err)
	}
	if c, err := committed.Cmp(available); err != nil {
		return newError(op, KindHard, err)
	} else if c > 0 {
		return newError(op, KindConflict,
			fmt.Errorf("tip %s needs %s but reserve has %s uncommitted", rec.TipID, rec.Amount, available))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE merchant_tip_reserves SET amount_authorized = ? WHERE reserve_priv = ?`,
		committed.String(), rec.ReservePriv,
	); err != nil {
		return classify(op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merchant_tips
		    (tip_id, reserve_priv, exchange_url, justification, amount, amount_left, created, expiration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TipID, rec.ReservePriv, rec.ExchangeURL, rec.Justification,
		rec.Amount.String(), rec.AmountLeft.String(), rec.Created.UTC(), rec.Expiration.UTC(),
	); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// LookupTip returns the stored state of a tip.
func (s *Storage) LookupTip(ctx context.Context, tipID string) (*TipRecord, error) {
	const op = "lookup tip"
	var (
		rec                TipRecord
		amount, amountLeft string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tip_id, reserve_priv, exchange_url, justification, amount, amount_left, created, expiration
		   FROM merchant_tips WHERE tip_id = ?`,
		tipID,
	).Scan(&rec.TipID, &rec.ReservePriv, &rec.ExchangeURL, &rec.Justification, &amount, &amountLeft, &rec.Created, &rec.Expiration)
	if err != nil {
		return nil, classify(op, err)
	}
	if rec.Amount, err = parseAmount(op, amount); err != nil {
		return nil, err
	}
	if rec.AmountLeft, err = parseAmount(op, amountLeft); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PickupTip charges one pickup batch against a tip. A pickup id that was
// already charged replays without touching the remaining amount, so wallets
// can retry pickups safely. Returns the reserve key the tip draws from.
func (s *Storage) PickupTip(ctx context.Context, total taler.Amount, tipID, pickupID string, created time.Time) (reservePriv string, replay bool, err error) {
	const op = "pickup tip"
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return "", false, classify(op, err)
	}
	defer tx.Rollback()

	var priorTip string
	err = tx.QueryRowContext(ctx,
		`SELECT tip_id FROM merchant_tip_pickups WHERE pickup_id = ?`, pickupID,
	).Scan(&priorTip)
	switch {
	case err == nil:
		err = tx.QueryRowContext(ctx,
			`SELECT reserve_priv FROM merchant_tips WHERE tip_id = ?`, priorTip,
		).Scan(&reservePriv)
		if err != nil {
			return "", false, classify(op, err)
		}
		return reservePriv, true, nil
	case err != sql.ErrNoRows:
		return "", false, classify(op, err)
	}

	var leftRaw string
	err = tx.QueryRowContext(ctx,
		`SELECT reserve_priv, amount_left FROM merchant_tips WHERE tip_id = ?`, tipID,
	).Scan(&reservePriv, &leftRaw)
	if err != nil {
		return "", false, classify(op, err)
	}
	left, err := parseAmount(op, leftRaw)
	if err != nil {
		return "", false, err
	}
	if c, err := total.Cmp(left); err != nil {
		return "", false, newError(op, KindHard, err)
	} else if c > 0 {
		return "", false, newError(op, KindConflict,
			fmt.Errorf("pickup of %s exceeds remaining %s on tip %s", total, left, tipID))
	}
	remaining, err := left.Subtract(total)
	if err != nil {
		return "", false, newError(op, KindHard, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE merchant_tips SET amount_left = ? WHERE tip_id = ?`,
		remaining.String(), tipID,
	); err != nil {
		return "", false, classify(op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merchant_tip_pickups (pickup_id, tip_id, amount, created) VALUES (?, ?, ?, ?)`,
		pickupID, tipID, total.String(), created.UTC(),
	); err != nil {
		return "", false, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, classify(op, err)
	}
	return reservePriv, false, nil
}

// PickupTotal sums every pickup charged against tips of the given reserve.
func (s *Storage) PickupTotal(ctx context.Context, reservePriv, currency string) (taler.Amount, error) {
	const op = "pickup total"
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.amount FROM merchant_tip_pickups p
		   JOIN merchant_tips t ON t.tip_id = p.tip_id
		  WHERE t.reserve_priv = ?`,
		reservePriv,
	)
	if err != nil {
		return taler.Amount{}, classify(op, err)
	}
	defer rows.Close()

	total := taler.Zero(currency)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return taler.Amount{}, classify(op, err)
		}
		amt, err := parseAmount(op, raw)
		if err != nil {
			return taler.Amount{}, err
		}
		if total, err = total.Add(amt); err != nil {
			return taler.Amount{}, newError(op, KindHard, err)
		}
	}
	if err := rows.Err(); err != nil {
		return taler.Amount{}, classify(op, err)
	}
	return total, nil
}
