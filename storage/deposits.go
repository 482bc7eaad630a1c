package storage

import (
	"context"
	"encoding/json"
	"time"

	"merchantd/taler"
)

// DepositRecord is one coin accepted against a contract, together with the
// exchange's deposit confirmation.
type DepositRecord struct {
	HContract     string
	CoinPub       string
	AmountWithFee taler.Amount
	DepositFee    taler.Amount
	RefundFee     taler.Amount
	WireFee       taler.Amount
	ExchangeURL   string
	ExchangePub   string
	ExchangeSig   string
	Created       time.Time
}

// InsertDeposit records a confirmed deposit. Replaying the same coin for the
// same contract yields a conflict.
func (s *Storage) InsertDeposit(ctx context.Context, rec DepositRecord) error {
	const op = "insert deposit"
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO merchant_deposits
		    (h_contract, coin_pub, amount_with_fee, deposit_fee, refund_fee, wire_fee,
		     exchange_url, exchange_pub, exchange_sig, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.HContract, rec.CoinPub,
		rec.AmountWithFee.String(), rec.DepositFee.String(), rec.RefundFee.String(), rec.WireFee.String(),
		rec.ExchangeURL, rec.ExchangePub, rec.ExchangeSig, rec.Created.UTC(),
	); err != nil {
		return classify(op, err)
	}
	return nil
}

// LookupDeposit returns the deposit stored for one coin of a contract.
func (s *Storage) LookupDeposit(ctx context.Context, hContract, coinPub string) (*DepositRecord, error) {
	const op = "lookup deposit"
	row := s.db.QueryRowContext(ctx,
		`SELECT h_contract, coin_pub, amount_with_fee, deposit_fee, refund_fee, wire_fee,
		        exchange_url, exchange_pub, exchange_sig, created
		   FROM merchant_deposits WHERE h_contract = ? AND coin_pub = ?`,
		hContract, coinPub,
	)
	rec, err := scanDeposit(op, row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListDeposits returns every deposit stored for a contract, in coin order.
func (s *Storage) ListDeposits(ctx context.Context, hContract string) ([]DepositRecord, error) {
	const op = "list deposits"
	rows, err := s.db.QueryContext(ctx,
		`SELECT h_contract, coin_pub, amount_with_fee, deposit_fee, refund_fee, wire_fee,
		        exchange_url, exchange_pub, exchange_sig, created
		   FROM merchant_deposits WHERE h_contract = ? ORDER BY coin_pub`,
		hContract,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []DepositRecord
	for rows.Next() {
		rec, err := scanDeposit(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(op string, row rowScanner) (*DepositRecord, error) {
	var (
		rec                                      DepositRecord
		amountWithFee, depositFee, refundFee, wireFee string
	)
	if err := row.Scan(
		&rec.HContract, &rec.CoinPub, &amountWithFee, &depositFee, &refundFee, &wireFee,
		&rec.ExchangeURL, &rec.ExchangePub, &rec.ExchangeSig, &rec.Created,
	); err != nil {
		return nil, classify(op, err)
	}
	var err error
	if rec.AmountWithFee, err = parseAmount(op, amountWithFee); err != nil {
		return nil, err
	}
	if rec.DepositFee, err = parseAmount(op, depositFee); err != nil {
		return nil, err
	}
	if rec.RefundFee, err = parseAmount(op, refundFee); err != nil {
		return nil, err
	}
	if rec.WireFee, err = parseAmount(op, wireFee); err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseAmount(op, s string) (taler.Amount, error) {
	a, err := taler.ParseAmount(s)
	if err != nil {
		return taler.Amount{}, newError(op, KindHard, err)
	}
	return a, nil
}

// InsertDepositRejection permanently records an exchange's double-spend
// proof for a coin. The insert is idempotent so the same proof can be
// replayed to later pay attempts.
func (s *Storage) InsertDepositRejection(ctx context.Context, hContract, coinPub string, proof json.RawMessage, created time.Time) error {
	const op = "insert deposit rejection"
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO merchant_deposit_rejections (h_contract, coin_pub, proof_json, created)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (h_contract, coin_pub) DO NOTHING`,
		hContract, coinPub, string(proof), created.UTC(),
	); err != nil {
		return classify(op, err)
	}
	return nil
}

// LookupDepositRejection returns the stored double-spend proof for a coin.
func (s *Storage) LookupDepositRejection(ctx context.Context, hContract, coinPub string) (json.RawMessage, error) {
	const op = "lookup deposit rejection"
	var proof string
	err := s.db.QueryRowContext(ctx,
		`SELECT proof_json FROM merchant_deposit_rejections WHERE h_contract = ? AND coin_pub = ?`,
		hContract, coinPub,
	).Scan(&proof)
	if err != nil {
		return nil, classify(op, err)
	}
	return json.RawMessage(proof), nil
}
