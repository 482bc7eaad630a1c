// Package tip authorizes tips against a pre-funded exchange reserve and
// signs the withdraw permissions wallets use to pick them up.
package tip

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/instance"
	"merchantd/storage"
	"merchantd/taler"
)

const (
	insertRetries = 3

	// maxPlanchets bounds one pickup request.
	maxPlanchets = 1024

	// defaultExpiry is how long an authorized tip stays redeemable.
	defaultExpiry = 24 * time.Hour
)

// Finder resolves an exchange session; satisfied by *exchange.Registry.
type Finder interface {
	Find(ctx context.Context, baseURL, wireMethod string) (exchange.FindResult, error)
}

// Engine manages the tip reserve ledger, authorizations and pickups.
type Engine struct {
	store  *storage.Storage
	finder Finder
	logger *slog.Logger
	nowFn  func() time.Time
	expiry time.Duration
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

// WithExpiry overrides how long authorized tips stay redeemable.
func WithExpiry(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.expiry = d
		}
	}
}

// New constructs the tip engine.
func New(store *storage.Storage, finder Finder, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("tip engine: storage required")
	}
	if finder == nil {
		return nil, fmt.Errorf("tip engine: exchange finder required")
	}
	e := &Engine{
		store:  store,
		finder: finder,
		logger: slog.Default(),
		nowFn:  time.Now,
		expiry: defaultExpiry,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AuthorizeResult is handed to the merchant frontend, which forwards tip_id
// to the wallet.
type AuthorizeResult struct {
	TipID       string          `json:"tip_id"`
	Expiration  taler.Timestamp `json:"expiration"`
	ExchangeURL string          `json:"exchange_url"`
}

// Authorize reserves amount out of the instance's tip reserve for a future
// pickup. The reserve ledger is refreshed from the exchange first; when the
// exchange cannot be reached the authorization fails rather than trusting a
// stale balance.
func (e *Engine) Authorize(ctx context.Context, inst *instance.Instance, amount taler.Amount, justification string) (*AuthorizeResult, error) {
	if inst == nil {
		return nil, taler.NewError(taler.CodeInstanceUnknown, http.StatusNotFound, "instance is required")
	}
	if !inst.TipsConfigured() {
		return nil, taler.Errorf(taler.CodeTipsDisabled, http.StatusPreconditionFailed,
			"instance %q has no tip reserve configured", inst.ID)
	}
	if amount.IsZero() {
		return nil, taler.NewError(taler.CodeParameterMalformed, http.StatusBadRequest,
			"tip amount must be positive")
	}

	now := e.nowFn()
	ledger, err := e.syncReserve(ctx, inst, now)
	if err != nil {
		return nil, err
	}
	if !amount.SameCurrency(ledger.Deposited) {
		return nil, taler.Errorf(taler.CodeCurrencyMismatch, http.StatusBadRequest,
			"tip amount in %s but reserve holds %s", amount.Currency, ledger.Deposited.Currency)
	}

	tipID, err := newTipID()
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError,
			"allocate tip id: %v", err)
	}
	rec := storage.TipRecord{
		TipID:         tipID,
		ReservePriv:   crypto.EncodeCrock(inst.TipReservePriv.Bytes()),
		ExchangeURL:   ledger.ExchangeURL,
		Justification: justification,
		Amount:        amount,
		AmountLeft:    amount,
		Created:       now,
		Expiration:    now.Add(e.expiry),
	}
	err = storage.Retry(insertRetries, func() error {
		return e.store.AuthorizeTip(ctx, rec)
	})
	if storage.IsConflict(err) {
		return nil, taler.Errorf(taler.CodeTipAuthorizeInsufficientFunds, http.StatusPreconditionFailed,
			"tip reserve balance cannot cover %s", amount)
	}
	if err != nil {
		return nil, dbError(err)
	}

	e.logger.Info("tip authorized",
		"instance", inst.ID, "tip_id", tipID, "amount", amount.String())
	return &AuthorizeResult{
		TipID:       tipID,
		Expiration:  taler.TimestampFrom(rec.Expiration),
		ExchangeURL: rec.ExchangeURL,
	}, nil
}

// Planchet is one blinded coin envelope a wallet asks to withdraw against
// a tip.
type Planchet struct {
	DenomPubHash string `json:"denom_pub_hash"`
	CoinEv       string `json:"coin_ev"`
}

// PickupResult carries one reserve-signed withdraw permission per planchet,
// in request order.
type PickupResult struct {
	ReservePub  string   `json:"reserve_pub"`
	ReserveSigs []string `json:"reserve_sigs"`
}

// planchetDraft is a planchet with its denomination resolved.
type planchetDraft struct {
	denomHash     crypto.Hash
	coinEvHash    crypto.Hash
	amountWithFee taler.Amount
	withdrawFee   taler.Amount
}

// Pickup turns an authorized tip into signed withdraw permissions. The
// pickup id is derived from the planchet sequence alone, so retrying with
// the identical request body replays the identical signatures without
// touching the tip balance again.
func (e *Engine) Pickup(ctx context.Context, tipID string, planchets []Planchet) (*PickupResult, error) {
	if tipID == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "tip_id is required")
	}
	if len(planchets) == 0 || len(planchets) > maxPlanchets {
		return nil, taler.Errorf(taler.CodeTipPickupPlanchetLimit, http.StatusBadRequest,
			"pickup must carry between 1 and %d planchets", maxPlanchets)
	}

	now := e.nowFn()
	tip, err := e.store.LookupTip(ctx, tipID)
	if storage.IsNotFound(err) {
		return nil, taler.Errorf(taler.CodeTipPickupUnknown, http.StatusNotFound,
			"tip %s is not known", tipID)
	}
	if err != nil {
		return nil, dbError(err)
	}
	if now.After(tip.Expiration) {
		return nil, taler.NewError(taler.CodeTipPickupExpired, http.StatusGone,
			"tip authorization has expired")
	}

	found, err := e.finder.Find(ctx, tip.ExchangeURL, "")
	if err != nil {
		return nil, findError(taler.CodeTipPickupExchangeDown, tip.ExchangeURL, err)
	}

	var total taler.Amount
	drafts := make([]planchetDraft, 0, len(planchets))
	idParts := make([][]byte, 0, 2*len(planchets))
	for i, p := range planchets {
		denomHash, err := crypto.ParseHash(p.DenomPubHash)
		if err != nil {
			return nil, taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest,
				"planchet %d: denom_pub_hash: %v", i, err)
		}
		coinEv, err := crypto.DecodeCrock(p.CoinEv)
		if err != nil || len(coinEv) == 0 {
			return nil, taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest,
				"planchet %d: coin_ev is not valid base32", i)
		}
		denom := found.Keys.DenomByHash(denomHash.String())
		if denom == nil {
			return nil, taler.Errorf(taler.CodeTipPickupDenominationUnknown, http.StatusNotFound,
				"planchet %d: exchange %s offers no such denomination", i, tip.ExchangeURL)
		}
		amountWithFee, err := denom.Value.Add(denom.FeeWithdraw)
		if err != nil {
			return nil, taler.Errorf(taler.CodeAmountOverflow, http.StatusBadRequest,
				"planchet %d: %v", i, err)
		}
		if i == 0 {
			total = taler.Zero(amountWithFee.Currency)
		}
		if total, err = total.Add(amountWithFee); err != nil {
			return nil, taler.Errorf(taler.CodeAmountOverflow, http.StatusBadRequest,
				"pickup total: %v", err)
		}
		drafts = append(drafts, planchetDraft{
			denomHash:     denomHash,
			coinEvHash:    crypto.HashBytes(coinEv),
			amountWithFee: amountWithFee,
			withdrawFee:   denom.FeeWithdraw,
		})
		idParts = append(idParts, denomHash.Bytes(), coinEv)
	}
	pickupID := crypto.HashBytes(idParts...).String()

	var reservePriv string
	var replay bool
	err = storage.Retry(insertRetries, func() error {
		var ierr error
		reservePriv, replay, ierr = e.store.PickupTip(ctx, total, tipID, pickupID, now)
		return ierr
	})
	if storage.IsConflict(err) {
		return nil, taler.Errorf(taler.CodeTipPickupNoFunds, http.StatusConflict,
			"tip balance cannot cover %s", total)
	}
	if storage.IsNotFound(err) {
		return nil, taler.Errorf(taler.CodeTipPickupUnknown, http.StatusNotFound,
			"tip %s is not known", tipID)
	}
	if err != nil {
		return nil, dbError(err)
	}

	priv, err := reserveKey(reservePriv)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError,
			"stored reserve key unreadable: %v", err)
	}
	pub := priv.PubKey()
	sigs := make([]string, len(drafts))
	for i, d := range drafts {
		sigs[i] = crypto.SignPurposeCrock(priv, crypto.PurposeReserveWithdraw, withdrawPayload(pub, d))
	}

	if replay {
		e.logger.Debug("tip pickup replayed", "tip_id", tipID, "pickup_id", pickupID)
	} else {
		e.logger.Info("tip picked up",
			"tip_id", tipID, "pickup_id", pickupID,
			"amount", total.String(), "planchets", len(drafts))
	}
	return &PickupResult{ReservePub: pub.String(), ReserveSigs: sigs}, nil
}

// withdrawPayload renders the signed withdraw authorization:
//
//	reserve_pub (32) || h_denom_pub (64) || SHA-512(coin_ev) (64) ||
//	amount_with_fee (24) || withdraw_fee (24)
func withdrawPayload(reservePub *crypto.PublicKey, d planchetDraft) []byte {
	payload := make([]byte, 0, 208)
	payload = append(payload, reservePub.Bytes()...)
	payload = append(payload, d.denomHash.Bytes()...)
	payload = append(payload, d.coinEvHash.Bytes()...)
	payload = append(payload, d.amountWithFee.BinaryNBO()...)
	payload = append(payload, d.withdrawFee.BinaryNBO()...)
	return payload
}

// reserveLedger is the refreshed view of the tip reserve at the exchange.
type reserveLedger struct {
	ExchangeURL string
	Deposited   taler.Amount
	Withdrawn   taler.Amount
	Expiration  time.Time
}

// syncReserve refreshes the persisted reserve ledger from the exchange's
// /reserve/status reply. Authorizations already granted are preserved by
// the upsert.
func (e *Engine) syncReserve(ctx context.Context, inst *instance.Instance, now time.Time) (*reserveLedger, error) {
	found, err := e.finder.Find(ctx, inst.TipExchangeURL, "")
	if err != nil {
		return nil, findError(taler.CodeTipAuthorizeExchangeDown, inst.TipExchangeURL, err)
	}
	reservePub := inst.TipReservePriv.PubKey().String()
	status, err := found.Client.ReserveStatus(ctx, reservePub)
	if err != nil {
		var re *exchange.ReplyError
		if errors.As(err, &re) && re.Status == http.StatusNotFound {
			return nil, taler.Errorf(taler.CodeTipReserveUnknown, http.StatusNotFound,
				"exchange %s does not know reserve %s", found.Client.BaseURL(), reservePub)
		}
		return nil, taler.Errorf(taler.CodeTipAuthorizeExchangeDown, http.StatusBadGateway,
			"reserve status at %s: %v", found.Client.BaseURL(), err)
	}

	deposited := taler.Zero(status.Balance.Currency)
	withdrawn := taler.Zero(status.Balance.Currency)
	for _, item := range status.History {
		switch item.Type {
		case exchange.ReserveHistoryDeposit:
			deposited, err = deposited.Add(item.Amount)
		case exchange.ReserveHistoryWithdraw:
			withdrawn, err = withdrawn.Add(item.Amount)
		default:
			// Entry types the merchant ledger does not track.
			continue
		}
		if err != nil {
			return nil, taler.Errorf(taler.CodeTipAuthorizeExchangeDown, http.StatusBadGateway,
				"reserve history at %s is malformed: %v", found.Client.BaseURL(), err)
		}
	}

	ledger := &reserveLedger{
		ExchangeURL: found.Client.BaseURL(),
		Deposited:   deposited,
		Withdrawn:   withdrawn,
		Expiration:  status.Expiration.Time(),
	}
	reservePriv := crypto.EncodeCrock(inst.TipReservePriv.Bytes())
	err = storage.Retry(insertRetries, func() error {
		return e.store.UpsertReserveBalance(ctx, reservePriv, ledger.ExchangeURL,
			deposited, withdrawn, ledger.Expiration, now)
	})
	if err != nil {
		return nil, dbError(err)
	}
	return ledger, nil
}

func newTipID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return crypto.EncodeCrock(raw[:]), nil
}

func reserveKey(encoded string) (*crypto.PrivateKey, error) {
	raw, err := crypto.DecodeCrock(encoded)
	if err != nil {
		return nil, err
	}
	return crypto.PrivateKeyFromBytes(raw)
}

func dbError(err error) error {
	if storage.IsSoft(err) {
		return taler.NewError(taler.CodeDBSoftFailure, http.StatusInternalServerError, "database overloaded")
	}
	return taler.NewError(taler.CodeDBHardFailure, http.StatusInternalServerError, "database failure")
}

func findError(code taler.ErrorCode, url string, err error) error {
	if errors.Is(err, exchange.ErrShuttingDown) {
		return taler.NewError(taler.CodeShuttingDown, http.StatusServiceUnavailable, "shutting down")
	}
	return taler.Errorf(code, http.StatusBadGateway, "exchange %s unavailable: %v", url, err)
}
