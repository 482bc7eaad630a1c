// Package refund grants merchant-initiated refunds on paid contracts and
// serves the signed permissions wallets redeem at the exchange.
package refund

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"merchantd/crypto"
	"merchantd/instance"
	"merchantd/longpoll"
	"merchantd/pay"
	"merchantd/storage"
	"merchantd/taler"
)

// refundRetries is the soft-error budget for refund inserts.
const refundRetries = 5

// Engine grows the refund total of a contract and rebuilds the permission
// list wallets need to collect the money.
type Engine struct {
	store  *storage.Storage
	waits  *longpoll.Registry
	logger *slog.Logger
	nowFn  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNowFunc overrides the time source, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// New constructs the refund engine.
func New(store *storage.Storage, waits *longpoll.Registry, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("refund engine: storage required")
	}
	if waits == nil {
		return nil, fmt.Errorf("refund engine: longpoll registry required")
	}
	e := &Engine{
		store:  store,
		waits:  waits,
		logger: slog.Default(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Result is the full refund state of a contract: everything the wallet needs
// to claim each granted refund at the coin's exchange.
type Result struct {
	HContract   string                 `json:"h_contract_terms"`
	MerchantPub string                 `json:"merchant_pub"`
	Refunds     []pay.RefundPermission `json:"refunds"`
}

// contractAmount is the slice of the stored contract terms the engine reads.
type contractAmount struct {
	Amount taler.Amount `json:"amount"`
}

// Increase grants an additional refund of amount on a paid contract. The
// amount is spread across the contract's deposited coins, filling the coin
// with the most unrefunded value first, one refund row per touched coin.
// The cumulative refund per coin never exceeds what that coin deposited.
func (e *Engine) Increase(ctx context.Context, inst *instance.Instance, orderID string, amount taler.Amount, reason string) (*Result, error) {
	if inst == nil {
		return nil, taler.NewError(taler.CodeInstanceUnknown, http.StatusNotFound, "instance is required")
	}
	if orderID == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "order_id is required")
	}
	if amount.IsZero() {
		return nil, taler.NewError(taler.CodeParameterMalformed, http.StatusBadRequest,
			"refund amount must be positive")
	}

	rec, err := e.store.LookupContract(ctx, inst.Pub.String(), orderID)
	if storage.IsNotFound(err) {
		return nil, taler.Errorf(taler.CodeRefundOrderUnknown, http.StatusNotFound,
			"order %s is unknown or was never claimed", orderID)
	}
	if err != nil {
		return nil, dbError(err)
	}
	var contract contractAmount
	if err := json.Unmarshal(rec.ContractJSON, &contract); err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError,
			"stored contract unreadable: %v", err)
	}
	if !amount.SameCurrency(contract.Amount) {
		return nil, taler.Errorf(taler.CodeCurrencyMismatch, http.StatusBadRequest,
			"refund in %s but contract is in %s", amount.Currency, contract.Amount.Currency)
	}
	if !rec.Paid {
		return nil, taler.Errorf(taler.CodeRefundNothingPaid, http.StatusConflict,
			"order %s has not been paid, nothing to refund", orderID)
	}

	deposits, err := e.store.ListDeposits(ctx, rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}
	if len(deposits) == 0 {
		return nil, taler.Errorf(taler.CodeRefundNothingPaid, http.StatusConflict,
			"order %s has no deposited coins", orderID)
	}
	prior, err := e.store.ListRefunds(ctx, rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}

	plan, err := distribute(amount, deposits, prior)
	if err != nil {
		return nil, err
	}

	now := e.nowFn()
	for _, slice := range plan {
		refund := storage.RefundRecord{
			HContract:    rec.HContract,
			CoinPub:      slice.coinPub,
			Reason:       reason,
			RefundAmount: slice.amount,
			RefundFee:    slice.fee,
			Created:      now,
		}
		err := storage.Retry(refundRetries, func() error {
			_, ierr := e.store.InsertRefund(ctx, refund)
			return ierr
		})
		if storage.IsConflict(err) {
			// A concurrent refund consumed the capacity we just computed.
			return nil, taler.Errorf(taler.CodeRefundExceedsDeposit, http.StatusConflict,
				"refund of %s exceeds what remains refundable on order %s", amount, orderID)
		}
		if err != nil {
			return nil, dbError(err)
		}
	}

	total, err := e.store.RefundTotal(ctx, rec.HContract, amount.Currency)
	if err != nil {
		return nil, dbError(err)
	}
	e.waits.Wake(crypto.PayKey(orderID, inst.Pub).String(),
		longpoll.Event{Kind: longpoll.EventRefund, RefundTotal: total})

	e.logger.Info("refund granted",
		"instance", inst.ID, "order_id", orderID,
		"amount", amount.String(), "total", total.String(), "coins", len(plan))
	return e.result(ctx, inst, rec)
}

// Lookup returns the refund state of an order without changing it.
func (e *Engine) Lookup(ctx context.Context, inst *instance.Instance, orderID string) (*Result, error) {
	if inst == nil {
		return nil, taler.NewError(taler.CodeInstanceUnknown, http.StatusNotFound, "instance is required")
	}
	if orderID == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "order_id is required")
	}
	rec, err := e.store.LookupContract(ctx, inst.Pub.String(), orderID)
	if storage.IsNotFound(err) {
		return nil, taler.Errorf(taler.CodeRefundOrderUnknown, http.StatusNotFound,
			"order %s is unknown or was never claimed", orderID)
	}
	if err != nil {
		return nil, dbError(err)
	}
	return e.result(ctx, inst, rec)
}

// result rebuilds the signed permission list from the stored refund rows.
// Signing is deterministic, so a rebuilt permission matches the one first
// handed out.
func (e *Engine) result(ctx context.Context, inst *instance.Instance, rec *storage.ContractRecord) (*Result, error) {
	hContract, err := crypto.ParseHash(rec.HContract)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError,
			"stored contract hash unreadable: %v", err)
	}
	refunds, err := e.store.ListRefunds(ctx, rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}
	deposits, err := e.store.ListDeposits(ctx, rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}
	exchangeByCoin := make(map[string]string, len(deposits))
	for _, dep := range deposits {
		exchangeByCoin[dep.CoinPub] = dep.ExchangeURL
	}

	permissions := make([]pay.RefundPermission, 0, len(refunds))
	for _, refund := range refunds {
		payload, err := pay.RefundPermissionPayload(hContract, refund, inst.Pub)
		if err != nil {
			return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError,
				"stored refund unreadable: %v", err)
		}
		permissions = append(permissions, pay.RefundPermission{
			RTransactionID: uint64(refund.RTxID),
			CoinPub:        refund.CoinPub,
			RefundAmount:   refund.RefundAmount,
			RefundFee:      refund.RefundFee,
			ExchangeURL:    exchangeByCoin[refund.CoinPub],
			MerchantSig:    crypto.SignPurposeCrock(inst.Priv, crypto.PurposeMerchantRefund, payload),
		})
	}
	return &Result{
		HContract:   rec.HContract,
		MerchantPub: inst.Pub.String(),
		Refunds:     permissions,
	}, nil
}

// refundSlice is one coin's share of an Increase.
type refundSlice struct {
	coinPub string
	amount  taler.Amount
	fee     taler.Amount
}

// distribute splits amount across the deposited coins by remaining
// refundable capacity, largest first. Fails up front when the contract
// cannot absorb the refund, before any row is written.
func distribute(amount taler.Amount, deposits []storage.DepositRecord, prior []storage.RefundRecord) ([]refundSlice, error) {
	refunded := make(map[string]taler.Amount, len(deposits))
	for _, r := range prior {
		sum, ok := refunded[r.CoinPub]
		if !ok {
			sum = taler.Zero(r.RefundAmount.Currency)
		}
		var err error
		if sum, err = sum.Add(r.RefundAmount); err != nil {
			return nil, amountError(err)
		}
		refunded[r.CoinPub] = sum
	}

	type capacity struct {
		dep  storage.DepositRecord
		left taler.Amount
	}
	caps := make([]capacity, 0, len(deposits))
	available := taler.Zero(amount.Currency)
	for _, dep := range deposits {
		left := dep.AmountWithFee
		if used, ok := refunded[dep.CoinPub]; ok {
			var err error
			if left, err = left.Subtract(used); err != nil {
				return nil, amountError(err)
			}
		}
		if left.IsZero() {
			continue
		}
		caps = append(caps, capacity{dep: dep, left: left})
		var err error
		if available, err = available.Add(left); err != nil {
			return nil, amountError(err)
		}
	}
	if c, err := amount.Cmp(available); err != nil {
		return nil, taler.Errorf(taler.CodeCurrencyMismatch, http.StatusBadRequest,
			"refund in %s but deposits are in %s", amount.Currency, available.Currency)
	} else if c > 0 {
		return nil, taler.Errorf(taler.CodeRefundExceedsDeposit, http.StatusConflict,
			"refund of %s exceeds the %s still refundable", amount, available)
	}

	sort.SliceStable(caps, func(i, j int) bool {
		c, err := caps[i].left.Cmp(caps[j].left)
		return err == nil && c > 0
	})

	var plan []refundSlice
	needed := amount
	for _, c := range caps {
		if needed.IsZero() {
			break
		}
		take := c.left
		if cmp, err := needed.Cmp(c.left); err != nil {
			return nil, amountError(err)
		} else if cmp < 0 {
			take = needed
		}
		plan = append(plan, refundSlice{coinPub: c.dep.CoinPub, amount: take, fee: c.dep.RefundFee})
		var err error
		if needed, err = needed.Subtract(take); err != nil {
			return nil, amountError(err)
		}
	}
	return plan, nil
}

func dbError(err error) error {
	if storage.IsSoft(err) {
		return taler.NewError(taler.CodeDBSoftFailure, http.StatusInternalServerError, "database overloaded")
	}
	return taler.NewError(taler.CodeDBHardFailure, http.StatusInternalServerError, "database failure")
}

func amountError(err error) error {
	return taler.Errorf(taler.CodeAmountOverflow, http.StatusInternalServerError, "amount arithmetic: %v", err)
}
