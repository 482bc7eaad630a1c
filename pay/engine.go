package pay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/instance"
	"merchantd/longpoll"
	"merchantd/storage"
	"merchantd/taler"
)

// Retry budgets for soft DB errors.
const (
	insertRetries = 3
	refundRetries = 5
)

// Request modes.
const (
	ModePay   = "pay"
	ModeAbort = "abort"
)

// Finder resolves an exchange session; satisfied by *exchange.Registry.
type Finder interface {
	Find(ctx context.Context, baseURL, wireMethod string) (exchange.FindResult, error)
}

// Coin is one coin offered in a pay request.
type Coin struct {
	CoinPub      string       `json:"coin_pub"`
	DenomPub     string       `json:"denom_pub"`
	DenomSig     string       `json:"ub_sig"`
	CoinSig      string       `json:"coin_sig"`
	Contribution taler.Amount `json:"contribution"`
	ExchangeURL  string       `json:"exchange_url"`
}

// Request is the body of a pay or abort call.
type Request struct {
	OrderID     string `json:"order_id"`
	MerchantPub string `json:"merchant_pub"`
	Mode        string `json:"mode"`
	SessionID   string `json:"session_id"`
	Coins       []Coin `json:"coins"`
}

// RefundPermission is one merchant-signed refund the wallet can redeem at
// the exchange after an abort.
type RefundPermission struct {
	RTransactionID uint64       `json:"rtransaction_id"`
	CoinPub        string       `json:"coin_pub"`
	RefundAmount   taler.Amount `json:"refund_amount"`
	RefundFee      taler.Amount `json:"refund_fee"`
	ExchangeURL    string       `json:"exchange_url"`
	MerchantSig    string       `json:"merchant_sig"`
}

// Result is a successful pay or abort outcome.
type Result struct {
	HContract   string
	MerchantSig string
	Aborted     bool
	Refunds     []RefundPermission
}

// contractData is the slice of the stored contract terms the engine reads.
type contractData struct {
	Amount              taler.Amount    `json:"amount"`
	MaxFee              taler.Amount    `json:"max_fee"`
	MaxWireFee          taler.Amount    `json:"max_wire_fee"`
	WireFeeAmortization uint32          `json:"wire_fee_amortization"`
	WireMethod          string          `json:"wire_method"`
	HWire               string          `json:"h_wire"`
	Timestamp           taler.Timestamp `json:"timestamp"`
	RefundDeadline      taler.Timestamp `json:"refund_deadline"`
	PayDeadline         taler.Timestamp `json:"pay_deadline"`
	FulfillmentURL      string          `json:"fulfillment_url"`
}

// Engine validates pay requests, deposits coins at their exchanges and
// tracks the paid state of contracts.
type Engine struct {
	store  *storage.Storage
	finder Finder
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

// New constructs the pay engine.
func New(store *storage.Storage, finder Finder, waits *longpoll.Registry, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("pay engine: storage required")
	}
	if finder == nil {
		return nil, fmt.Errorf("pay engine: exchange finder required")
	}
	if waits == nil {
		return nil, fmt.Errorf("pay engine: longpoll registry required")
	}
	e := &Engine{
		store:  store,
		finder: finder,
		waits:  waits,
		logger: slog.Default(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With(slog.String("component", "pay_engine"))
	return e, nil
}

// Pay executes a pay or abort request against the given instance.
func (e *Engine) Pay(ctx context.Context, inst *instance.Instance, req Request) (*Result, error) {
	if req.OrderID == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "order_id is required")
	}
	if req.MerchantPub != inst.Pub.String() {
		return nil, taler.NewError(taler.CodePayWrongInstance, http.StatusForbidden,
			"merchant_pub does not match this instance")
	}

	rec, err := e.store.LookupContract(ctx, inst.Pub.String(), req.OrderID)
	switch {
	case storage.IsNotFound(err):
		return nil, taler.Errorf(taler.CodePayContractNotFound, http.StatusNotFound,
			"no contract for order %q; claim the proposal first", req.OrderID)
	case err != nil:
		return nil, dbError(err)
	}
	var contract contractData
	if err := json.Unmarshal(rec.ContractJSON, &contract); err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "stored contract unreadable: %v", err)
	}

	switch req.Mode {
	case "", ModePay:
		return e.pay(ctx, inst, rec, &contract, req)
	case ModeAbort:
		return e.abort(ctx, inst, rec, &contract)
	default:
		return nil, taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest, "unknown mode %q", req.Mode)
	}
}

func (e *Engine) pay(ctx context.Context, inst *instance.Instance, rec *storage.ContractRecord, contract *contractData, req Request) (*Result, error) {
	if rec.Aborted {
		return nil, taler.NewError(taler.CodePayAborted, http.StatusConflict,
			"order was aborted; no further deposits are accepted")
	}
	now := e.nowFn()
	if contract.PayDeadline.Before(taler.TimestampFrom(now)) {
		return nil, taler.NewError(taler.CodePayDeadlineExpired, http.StatusGone, "payment deadline has passed")
	}
	if len(req.Coins) == 0 && !rec.Paid {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "coins are required")
	}

	hContract, err := crypto.ParseHash(rec.HContract)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "stored contract hash unreadable: %v", err)
	}

	// Partition the offered coins into replayed and new ones. Coins with a
	// permanent rejection fail immediately with the recorded proof.
	var fresh []Coin
	for _, coin := range req.Coins {
		if proof, err := e.store.LookupDepositRejection(ctx, rec.HContract, coin.CoinPub); err == nil {
			return nil, taler.NewError(taler.CodePayCoinConflict, http.StatusFailedDependency,
				"coin was already reported as double-spent").With("exchange_reply", proof)
		} else if !storage.IsNotFound(err) {
			return nil, dbError(err)
		}

		dep, err := e.store.LookupDeposit(ctx, rec.HContract, coin.CoinPub)
		switch {
		case err == nil:
			if c, cmpErr := dep.AmountWithFee.Cmp(coin.Contribution); cmpErr != nil || c != 0 {
				return nil, taler.Errorf(taler.CodePayCoinConflict, http.StatusConflict,
					"coin %s was already deposited with contribution %s", coin.CoinPub, dep.AmountWithFee)
			}
		case storage.IsNotFound(err):
			fresh = append(fresh, coin)
		default:
			return nil, dbError(err)
		}
	}

	if len(fresh) > 0 {
		if err := e.depositCoins(ctx, inst, rec, contract, hContract, fresh); err != nil {
			return nil, err
		}
	}

	// Decide paid-ness on the full deposit set, old and new.
	deposits, err := e.store.ListDeposits(ctx, rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}
	covered, err := e.coversContract(deposits, contract)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, taler.Errorf(taler.CodePayAmountInsufficient, http.StatusNotAcceptable,
			"deposited coins do not cover %s", contract.Amount)
	}

	transitioned, err := e.store.MarkContractPaid(ctx, inst.Pub.String(), rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}
	payKey := crypto.PayKey(rec.OrderID, inst.Pub).String()
	if transitioned {
		e.logger.Info("order paid",
			slog.String("instance", inst.ID),
			slog.String("order_id", rec.OrderID),
			slog.String("amount", contract.Amount.String()))
		e.waits.Wake(payKey, longpoll.Event{Kind: longpoll.EventPaid})
	}
	if req.SessionID != "" && contract.FulfillmentURL != "" {
		err := storage.Retry(insertRetries, func() error {
			return e.store.BindSession(ctx, req.SessionID, contract.FulfillmentURL, inst.Pub.String(), rec.OrderID, now)
		})
		if err != nil {
			return nil, dbError(err)
		}
		e.waits.Wake(payKey, longpoll.Event{Kind: longpoll.EventPaid})
	}

	sig := crypto.SignPurposeCrock(inst.Priv, crypto.PurposeMerchantPaymentOK, hContract.Bytes())
	return &Result{HContract: rec.HContract, MerchantSig: sig}, nil
}

// depositCoins validates every fresh coin and submits it to its exchange.
// Coins are grouped per exchange; the first failing group fails the request
// while deposits already recorded stay recorded.
func (e *Engine) depositCoins(ctx context.Context, inst *instance.Instance, rec *storage.ContractRecord, contract *contractData, hContract crypto.Hash, coins []Coin) error {
	groups := make(map[string][]Coin)
	var order []string
	for _, coin := range coins {
		canon, err := exchange.CanonicalBaseURL(coin.ExchangeURL)
		if err != nil {
			return taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest,
				"coin %s: exchange URL: %v", coin.CoinPub, err)
		}
		if _, seen := groups[canon]; !seen {
			order = append(order, canon)
		}
		groups[canon] = append(groups[canon], coin)
	}

	hWire, err := crypto.ParseHash(contract.HWire)
	if err != nil {
		return taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "stored wire hash unreadable: %v", err)
	}

	for _, url := range order {
		group := groups[url]
		found, err := e.finder.Find(ctx, url, contract.WireMethod)
		if err != nil {
			return findError(url, err)
		}
		if !found.Trusted {
			e.logger.Warn("depositing at unaudited exchange",
				slog.String("exchange", url),
				slog.String("order_id", rec.OrderID))
		}
		if err := e.depositGroup(ctx, inst, rec, contract, hContract, hWire, url, found, group); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) depositGroup(ctx context.Context, inst *instance.Instance, rec *storage.ContractRecord, contract *contractData, hContract, hWire crypto.Hash, url string, found exchange.FindResult, group []Coin) error {
	for _, coin := range group {
		denom := found.Keys.DenomByPub(coin.DenomPub)
		if denom == nil {
			return taler.Errorf(taler.CodePayDenominationUnknown, http.StatusNotFound,
				"exchange %s does not know the denomination of coin %s", url, coin.CoinPub)
		}
		if denom.ExpireDeposit.Before(taler.TimestampFrom(e.nowFn())) {
			return taler.Errorf(taler.CodePayDenominationExpired, http.StatusGone,
				"denomination of coin %s is no longer accepted for deposits", coin.CoinPub)
		}

		coinPubBytes, err := crypto.DecodeCrock(coin.CoinPub)
		if err != nil || len(coinPubBytes) != crypto.PublicKeyLength {
			return taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest,
				"coin public key malformed: %s", coin.CoinPub)
		}
		denomSig, err := crypto.DecodeCrock(coin.DenomSig)
		if err != nil {
			return taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest,
				"denomination signature of coin %s malformed", coin.CoinPub)
		}
		if !denom.Pub.VerifySignature(coinPubBytes, denomSig) {
			return taler.Errorf(taler.CodePayDenomSigInvalid, http.StatusForbidden,
				"denomination signature of coin %s is invalid", coin.CoinPub)
		}

		if !coin.Contribution.SameCurrency(contract.Amount) {
			return taler.Errorf(taler.CodeCurrencyMismatch, http.StatusBadRequest,
				"coin %s contributes in %s, contract is in %s", coin.CoinPub, coin.Contribution.Currency, contract.Amount.Currency)
		}
		if c, err := denom.FeeDeposit.Cmp(coin.Contribution); err != nil || c > 0 {
			return taler.Errorf(taler.CodePayContributionBelowFee, http.StatusBadRequest,
				"contribution of coin %s does not cover the deposit fee %s", coin.CoinPub, denom.FeeDeposit)
		}

		coinPub, err := crypto.PublicKeyFromBytes(coinPubBytes)
		if err != nil {
			return taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest,
				"coin public key malformed: %s", coin.CoinPub)
		}
		permission := depositPermissionPayload(hContract, hWire, contract, coin.Contribution, denom.FeeDeposit, inst.Pub, coinPub)
		if err := crypto.VerifyPurposeCrock(coinPub, crypto.PurposeWalletCoinDeposit, permission, coin.CoinSig); err != nil {
			return taler.Errorf(taler.CodePayCoinSigInvalid, http.StatusForbidden,
				"deposit permission of coin %s is invalid", coin.CoinPub)
		}

		conf, err := found.Client.Deposit(ctx, exchange.DepositRequest{
			HContract:      hContract.String(),
			HWire:          hWire.String(),
			CoinPub:        coin.CoinPub,
			DenomPub:       coin.DenomPub,
			DenomSig:       coin.DenomSig,
			CoinSig:        coin.CoinSig,
			Contribution:   coin.Contribution,
			MerchantPub:    inst.Pub.String(),
			Timestamp:      contract.Timestamp,
			RefundDeadline: contract.RefundDeadline,
		})
		if err != nil {
			return e.depositFailure(ctx, rec, coin, url, err)
		}

		if err := e.verifyDepositConfirmation(conf, hContract, hWire, contract, coin.Contribution, denom.FeeDeposit, inst.Pub, coinPub); err != nil {
			return err
		}

		err = storage.Retry(insertRetries, func() error {
			return e.store.InsertDeposit(ctx, storage.DepositRecord{
				HContract:     rec.HContract,
				CoinPub:       coin.CoinPub,
				AmountWithFee: coin.Contribution,
				DepositFee:    denom.FeeDeposit,
				RefundFee:     denom.FeeRefund,
				WireFee:       found.WireFee,
				ExchangeURL:   url,
				ExchangePub:   conf.ExchangePub,
				ExchangeSig:   conf.ExchangeSig,
				Created:       e.nowFn(),
			})
		})
		switch {
		case err == nil:
		case storage.IsConflict(err):
			// A concurrent pay recorded the same coin; the exchange
			// deposit is idempotent, so this is fine.
		default:
			return dbError(err)
		}
	}
	return nil
}

// depositFailure maps an exchange deposit error. Double-spend proofs are
// recorded permanently and forwarded to the wallet verbatim.
func (e *Engine) depositFailure(ctx context.Context, rec *storage.ContractRecord, coin Coin, url string, err error) error {
	var ds *exchange.DoubleSpendError
	if errors.As(err, &ds) {
		insErr := storage.Retry(insertRetries, func() error {
			return e.store.InsertDepositRejection(ctx, rec.HContract, coin.CoinPub, ds.Proof, e.nowFn())
		})
		if insErr != nil {
			e.logger.Error("failed to record double-spend proof",
				slog.String("coin_pub", coin.CoinPub),
				slog.String("error", insErr.Error()))
		}
		e.logger.Warn("exchange rejected coin as double-spent",
			slog.String("exchange", url),
			slog.String("coin_pub", coin.CoinPub))
		return taler.NewError(taler.CodePayCoinConflict, http.StatusFailedDependency,
			"exchange reported the coin as double-spent").With("exchange_reply", json.RawMessage(ds.Proof))
	}

	var re *exchange.ReplyError
	if errors.As(err, &re) {
		e.logger.Warn("exchange rejected deposit",
			slog.String("exchange", url),
			slog.Int("status", re.Status),
			slog.String("hint", re.Hint))
		return taler.Errorf(taler.CodePayExchangeFailed, http.StatusBadGateway,
			"exchange %s rejected the deposit of coin %s", url, coin.CoinPub)
	}
	e.logger.Warn("exchange unreachable during deposit",
		slog.String("exchange", url),
		slog.String("error", err.Error()))
	return taler.Errorf(taler.CodePayExchangeDown, http.StatusBadGateway,
		"exchange %s could not be reached", url)
}

func (e *Engine) verifyDepositConfirmation(conf *exchange.DepositConfirmation, hContract, hWire crypto.Hash, contract *contractData, contribution, depositFee taler.Amount, merchantPub, coinPub *crypto.PublicKey) error {
	exchangePub, err := crypto.ParsePublicKey(conf.ExchangePub)
	if err != nil {
		return taler.NewError(taler.CodePayExchangeSigInvalid, http.StatusBadGateway,
			"exchange confirmation carries a malformed signing key")
	}
	netAmount, err := contribution.Subtract(depositFee)
	if err != nil {
		return taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "net amount: %v", err)
	}
	payload := confirmDepositPayload(hContract, hWire, contract, netAmount, merchantPub, coinPub)
	if err := crypto.VerifyPurposeCrock(exchangePub, crypto.PurposeExchangeConfirmDeposit, payload, conf.ExchangeSig); err != nil {
		return taler.NewError(taler.CodePayExchangeSigInvalid, http.StatusBadGateway,
			"exchange deposit confirmation signature is invalid")
	}
	return nil
}

// coversContract reports whether the recorded deposits pay for the contract:
// the net sum after deposit fees beyond max_fee, plus any amortized wire fee
// excess, must reach the contract amount.
func (e *Engine) coversContract(deposits []storage.DepositRecord, contract *contractData) (bool, error) {
	if len(deposits) == 0 {
		return false, nil
	}
	gross := taler.Zero(contract.Amount.Currency)
	fees := taler.Zero(contract.Amount.Currency)
	required := contract.Amount

	seenWire := make(map[string]bool)
	var err error
	for _, dep := range deposits {
		if gross, err = gross.Add(dep.AmountWithFee); err != nil {
			return false, amountError(err)
		}
		if fees, err = fees.Add(dep.DepositFee); err != nil {
			return false, amountError(err)
		}
		// Each exchange's wire fee excess over the contract cap is charged
		// once, spread across wire_fee_amortization payments.
		if !seenWire[dep.ExchangeURL] {
			seenWire[dep.ExchangeURL] = true
			if c, cmpErr := dep.WireFee.Cmp(contract.MaxWireFee); cmpErr == nil && c > 0 {
				excess, subErr := dep.WireFee.Subtract(contract.MaxWireFee)
				if subErr != nil {
					return false, amountError(subErr)
				}
				amortization := contract.WireFeeAmortization
				if amortization == 0 {
					amortization = 1
				}
				if required, err = required.Add(excess.Divide(amortization)); err != nil {
					return false, amountError(err)
				}
			}
		}
	}
	// Deposit fees above the merchant's cap are the customer's burden.
	if c, cmpErr := fees.Cmp(contract.MaxFee); cmpErr == nil && c > 0 {
		excess, subErr := fees.Subtract(contract.MaxFee)
		if subErr != nil {
			return false, amountError(subErr)
		}
		if required, err = required.Add(excess); err != nil {
			return false, amountError(err)
		}
	}
	c, err := gross.Cmp(required)
	if err != nil {
		return false, amountError(err)
	}
	return c >= 0, nil
}

// abort refunds every deposited coin in full and closes the contract for
// further deposits. Replaying an abort returns the same permissions.
func (e *Engine) abort(ctx context.Context, inst *instance.Instance, rec *storage.ContractRecord, contract *contractData) (*Result, error) {
	if rec.Paid {
		return nil, taler.NewError(taler.CodePayAborted, http.StatusConflict,
			"payment already completed; use a refund instead of an abort")
	}

	hContract, err := crypto.ParseHash(rec.HContract)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "stored contract hash unreadable: %v", err)
	}

	deposits, err := e.store.ListDeposits(ctx, rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}

	if !rec.Aborted {
		for _, dep := range deposits {
			refund := storage.RefundRecord{
				HContract:    rec.HContract,
				CoinPub:      dep.CoinPub,
				Reason:       "order aborted",
				RefundAmount: dep.AmountWithFee,
				RefundFee:    dep.RefundFee,
				Created:      e.nowFn(),
			}
			err := storage.Retry(refundRetries, func() error {
				_, ierr := e.store.InsertRefund(ctx, refund)
				return ierr
			})
			switch {
			case err == nil:
			case storage.IsConflict(err):
				// Already refunded by an earlier abort attempt.
			default:
				return nil, dbError(err)
			}
		}
		if err := e.store.MarkContractAborted(ctx, inst.Pub.String(), rec.HContract); err != nil {
			return nil, dbError(err)
		}
		e.logger.Info("order aborted",
			slog.String("instance", inst.ID),
			slog.String("order_id", rec.OrderID),
			slog.Int("coins_refunded", len(deposits)))
	}

	refunds, err := e.store.ListRefunds(ctx, rec.HContract)
	if err != nil {
		return nil, dbError(err)
	}
	total := taler.Zero(contract.Amount.Currency)
	permissions := make([]RefundPermission, 0, len(refunds))
	byCoin := make(map[string]string, len(deposits))
	for _, dep := range deposits {
		byCoin[dep.CoinPub] = dep.ExchangeURL
	}
	for _, refund := range refunds {
		payload, err := RefundPermissionPayload(hContract, refund, inst.Pub)
		if err != nil {
			return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "stored refund unreadable: %v", err)
		}
		permissions = append(permissions, RefundPermission{
			RTransactionID: uint64(refund.RTxID),
			CoinPub:        refund.CoinPub,
			RefundAmount:   refund.RefundAmount,
			RefundFee:      refund.RefundFee,
			ExchangeURL:    byCoin[refund.CoinPub],
			MerchantSig:    crypto.SignPurposeCrock(inst.Priv, crypto.PurposeMerchantRefund, payload),
		})
		if total, err = total.Add(refund.RefundAmount); err != nil {
			return nil, amountError(err)
		}
	}

	if len(refunds) > 0 {
		e.waits.Wake(crypto.PayKey(rec.OrderID, inst.Pub).String(),
			longpoll.Event{Kind: longpoll.EventRefund, RefundTotal: total})
	}
	return &Result{HContract: rec.HContract, Aborted: true, Refunds: permissions}, nil
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

func findError(url string, err error) error {
	if errors.Is(err, exchange.ErrShuttingDown) {
		return taler.NewError(taler.CodeShuttingDown, http.StatusServiceUnavailable, "shutting down")
	}
	var wfe *exchange.WireFeeError
	if errors.As(err, &wfe) {
		return taler.Errorf(taler.CodePayExchangeFailed, http.StatusBadGateway,
			"exchange %s does not support wire method %q", url, wfe.Method)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return taler.Errorf(taler.CodePayExchangeDown, http.StatusBadGateway,
			"exchange %s did not become ready in time", url)
	}
	return taler.Errorf(taler.CodePayExchangeDown, http.StatusBadGateway,
		"exchange %s unavailable: %v", url, err)
}
