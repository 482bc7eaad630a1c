package tip

import (
	"context"
	"net/http"

	"merchantd/crypto"
	"merchantd/instance"
	"merchantd/storage"
	"merchantd/taler"
)

// Status describes a tip authorization to the wallet picking it up.
type Status struct {
	ExchangeURL  string          `json:"exchange_url"`
	Amount       taler.Amount    `json:"amount"`
	AmountLeft   taler.Amount    `json:"amount_left"`
	StampCreated taler.Timestamp `json:"stamp_created"`
	StampExpire  taler.Timestamp `json:"stamp_expire"`
	Extra        string          `json:"extra,omitempty"`
}

// Lookup returns the public metadata of a tip authorization.
func (e *Engine) Lookup(ctx context.Context, tipID string) (*Status, error) {
	if tipID == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "tip_id is required")
	}
	tip, err := e.store.LookupTip(ctx, tipID)
	if storage.IsNotFound(err) {
		return nil, taler.Errorf(taler.CodeTipPickupUnknown, http.StatusNotFound,
			"tip %s is not known", tipID)
	}
	if err != nil {
		return nil, dbError(err)
	}
	return &Status{
		ExchangeURL:  tip.ExchangeURL,
		Amount:       tip.Amount,
		AmountLeft:   tip.AmountLeft,
		StampCreated: taler.TimestampFrom(tip.Created),
		StampExpire:  taler.TimestampFrom(tip.Expiration),
		Extra:        tip.Justification,
	}, nil
}

// QueryResult is the merchant's private view of the tip reserve.
type QueryResult struct {
	ReservePub        string          `json:"reserve_pub"`
	ReserveExpiration taler.Timestamp `json:"reserve_expiration"`
	AmountAuthorized  taler.Amount    `json:"amount_authorized"`
	AmountPickedUp    taler.Amount    `json:"amount_picked_up"`
	AmountAvailable   taler.Amount    `json:"amount_available"`
}

// Query reports the reserve balance backing the instance's tips. The ledger
// is refreshed from the exchange when possible; an unreachable exchange
// degrades to the last persisted state instead of failing the query.
func (e *Engine) Query(ctx context.Context, inst *instance.Instance) (*QueryResult, error) {
	if inst == nil {
		return nil, taler.NewError(taler.CodeInstanceUnknown, http.StatusNotFound, "instance is required")
	}
	if !inst.TipsConfigured() {
		return nil, taler.Errorf(taler.CodeTipsDisabled, http.StatusPreconditionFailed,
			"instance %q has no tip reserve configured", inst.ID)
	}

	if _, err := e.syncReserve(ctx, inst, e.nowFn()); err != nil {
		e.logger.Warn("tip reserve sync failed, serving persisted ledger",
			"instance", inst.ID, "err", err)
	}

	reservePriv := crypto.EncodeCrock(inst.TipReservePriv.Bytes())
	rec, err := e.store.LookupReserve(ctx, reservePriv)
	if storage.IsNotFound(err) {
		return nil, taler.Errorf(taler.CodeTipReserveUnknown, http.StatusNotFound,
			"reserve has never been seen at exchange %s", inst.TipExchangeURL)
	}
	if err != nil {
		return nil, dbError(err)
	}

	pickedUp, err := e.store.PickupTotal(ctx, reservePriv, rec.Deposited.Currency)
	if err != nil {
		return nil, dbError(err)
	}
	return &QueryResult{
		ReservePub:        inst.TipReservePriv.PubKey().String(),
		ReserveExpiration: taler.TimestampFrom(rec.Expiration),
		AmountAuthorized:  rec.Authorized,
		AmountPickedUp:    pickedUp,
		AmountAvailable:   availableBalance(rec),
	}, nil
}

// availableBalance is deposited minus withdrawn minus authorized. A reserve
// the exchange drained below our authorizations reports zero.
func availableBalance(rec *storage.ReserveRecord) taler.Amount {
	avail, err := rec.Deposited.Subtract(rec.Withdrawn)
	if err != nil {
		return taler.Zero(rec.Deposited.Currency)
	}
	avail, err = avail.Subtract(rec.Authorized)
	if err != nil {
		return taler.Zero(rec.Deposited.Currency)
	}
	return avail
}
