package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"merchantd/crypto"
	"merchantd/instance"
	"merchantd/storage"
	"merchantd/taler"
)

// Retry budget for order inserts and contract upgrades on soft DB errors.
const insertRetries = 3

// Defaults are the global contract defaults applied to orders that omit the
// corresponding fields.
type Defaults struct {
	Currency            string
	PayDeadline         time.Duration
	RefundDelay         time.Duration
	MaxFee              taler.Amount
	MaxWireFee          taler.Amount
	WireFeeAmortization uint32
}

// Engine creates orders and upgrades them to signed contract proposals.
type Engine struct {
	store    *storage.Storage
	defaults Defaults
	logger   *slog.Logger
	nowFn    func() time.Time
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

// New constructs the order engine.
func New(store *storage.Storage, defaults Defaults, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("order engine: storage required")
	}
	if defaults.Currency == "" {
		return nil, fmt.Errorf("order engine: currency required")
	}
	e := &Engine{
		store:    store,
		defaults: defaults,
		logger:   slog.Default(),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With(slog.String("component", "order_engine"))
	return e, nil
}

// Create validates and stores one order for the instance, filling in the
// configured defaults. Returns the (possibly generated) order id.
func (e *Engine) Create(ctx context.Context, inst *instance.Instance, rawOrder json.RawMessage) (string, error) {
	terms, err := decodeTerms(rawOrder)
	if err != nil {
		return "", taler.NewError(taler.CodeInvalidRequest, http.StatusBadRequest, "order is not a JSON object")
	}
	if _, found := terms["nonce"]; found {
		return "", taler.NewError(taler.CodeInvalidRequest, http.StatusBadRequest, "nonce is assigned by the wallet at claim time")
	}

	orderID, err := orderIDFrom(terms)
	if err != nil {
		return "", err
	}
	terms["order_id"] = orderID

	if err := e.checkAmountField(terms, "amount", true, taler.CodeOrderAmountInvalid); err != nil {
		return "", err
	}
	for _, field := range []string{"summary", "fulfillment_url"} {
		if s, ok := terms[field].(string); !ok || s == "" {
			return "", taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest,
				fmt.Sprintf("field %q is required", field))
		}
	}

	wire, err := pickWire(inst, terms)
	if err != nil {
		return "", err
	}
	terms["wire_method"] = wire.Method
	terms["h_wire"] = wire.HWire.String()
	terms["merchant_pub"] = inst.Pub.String()
	terms["merchant"] = map[string]any{"name": inst.Name, "instance": inst.ID}

	now := e.nowFn()
	if err := e.applyAmountDefault(terms, "max_fee", e.defaults.MaxFee); err != nil {
		return "", err
	}
	if err := e.applyAmountDefault(terms, "max_wire_fee", e.defaults.MaxWireFee); err != nil {
		return "", err
	}
	if _, found := terms["wire_fee_amortization"]; !found {
		terms["wire_fee_amortization"] = json.Number(fmt.Sprintf("%d", e.defaults.WireFeeAmortization))
	}
	if err := applyDeadlineDefault(terms, "refund_deadline", now.Add(e.defaults.RefundDelay)); err != nil {
		return "", err
	}
	if err := applyDeadlineDefault(terms, "pay_deadline", now.Add(e.defaults.PayDeadline)); err != nil {
		return "", err
	}

	body, err := json.Marshal(terms)
	if err != nil {
		return "", taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "encode order: %v", err)
	}

	err = storage.Retry(insertRetries, func() error {
		return e.store.InsertOrder(ctx, inst.Pub.String(), orderID, body, now)
	})
	switch {
	case err == nil:
	case storage.IsConflict(err):
		return "", taler.Errorf(taler.CodeOrderIDInUse, http.StatusConflict, "order id %q already in use", orderID)
	case storage.IsSoft(err):
		return "", taler.NewError(taler.CodeDBSoftFailure, http.StatusInternalServerError, "database overloaded")
	default:
		return "", taler.NewError(taler.CodeDBHardFailure, http.StatusInternalServerError, "database failure")
	}

	e.logger.Info("order created",
		slog.String("instance", inst.ID),
		slog.String("order_id", orderID))
	return orderID, nil
}

// Proposal is a nonce-bound contract with the merchant's signature over its
// hash.
type Proposal struct {
	ContractTerms json.RawMessage
	HContract     string
	MerchantSig   string
}

// LookupProposal returns the signed contract for (orderID, nonce), upgrading
// the bare order on first claim. The first nonce to commit wins; any other
// nonce gets a mismatch error from then on.
func (e *Engine) LookupProposal(ctx context.Context, inst *instance.Instance, orderID, nonce string) (*Proposal, error) {
	if nonce == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "nonce is required")
	}

	rec, err := e.store.LookupContract(ctx, inst.Pub.String(), orderID)
	switch {
	case err == nil:
		return e.proposalFrom(inst, rec, nonce)
	case !storage.IsNotFound(err):
		return nil, dbError(err)
	}

	rawOrder, err := e.store.LookupOrder(ctx, inst.Pub.String(), orderID)
	switch {
	case storage.IsNotFound(err):
		return nil, taler.Errorf(taler.CodeProposalNotFound, http.StatusNotFound, "order %q unknown", orderID)
	case err != nil:
		return nil, dbError(err)
	}

	terms, err := decodeTerms(rawOrder)
	if err != nil {
		return nil, taler.NewError(taler.CodeInternalError, http.StatusInternalServerError, "stored order unreadable")
	}
	terms["nonce"] = nonce
	if _, found := terms["timestamp"]; !found {
		terms["timestamp"] = taler.TimestampFrom(e.nowFn())
	}
	contractJSON, err := json.Marshal(terms)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "encode contract: %v", err)
	}
	h, err := crypto.HashContractTerms(contractJSON)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "hash contract: %v", err)
	}

	rec = &storage.ContractRecord{
		OrderID:      orderID,
		InstancePub:  inst.Pub.String(),
		ContractJSON: contractJSON,
		HContract:    h.String(),
		Nonce:        nonce,
		Created:      e.nowFn(),
	}
	err = storage.Retry(insertRetries, func() error {
		return e.store.UpgradeOrderToContract(ctx, *rec)
	})
	switch {
	case err == nil:
		e.logger.Info("order claimed",
			slog.String("instance", inst.ID),
			slog.String("order_id", orderID),
			slog.String("h_contract", rec.HContract))
		return e.proposalFrom(inst, rec, nonce)
	case storage.IsConflict(err):
		// Lost the claim race; the committed row decides.
		winner, lookupErr := e.store.LookupContract(ctx, inst.Pub.String(), orderID)
		if lookupErr != nil {
			return nil, dbError(lookupErr)
		}
		return e.proposalFrom(inst, winner, nonce)
	default:
		return nil, dbError(err)
	}
}

func (e *Engine) proposalFrom(inst *instance.Instance, rec *storage.ContractRecord, nonce string) (*Proposal, error) {
	if rec.Nonce != nonce {
		return nil, taler.NewError(taler.CodeProposalNonceMismatch, http.StatusBadRequest,
			"order was claimed with a different nonce")
	}
	h, err := crypto.ParseHash(rec.HContract)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError, "stored contract hash unreadable: %v", err)
	}
	// The signature is deterministic, so re-deriving beats persisting it.
	sig := crypto.SignPurposeCrock(inst.Priv, crypto.PurposeMerchantContract, h.Bytes())
	return &Proposal{
		ContractTerms: rec.ContractJSON,
		HContract:     rec.HContract,
		MerchantSig:   sig,
	}, nil
}

func decodeTerms(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var terms map[string]any
	if err := dec.Decode(&terms); err != nil {
		return nil, err
	}
	return terms, nil
}

func orderIDFrom(terms map[string]any) (string, error) {
	v, found := terms["order_id"]
	if !found {
		return uuid.NewString(), nil
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", taler.NewError(taler.CodeParameterMalformed, http.StatusBadRequest, "order_id must be a non-empty string")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == ':' || r == '_' || r == '-':
		default:
			return "", taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest, "order_id contains forbidden character %q", r)
		}
	}
	return id, nil
}

func pickWire(inst *instance.Instance, terms map[string]any) (*instance.WireMethod, error) {
	v, found := terms["wire_method"]
	if !found {
		return inst.DefaultWire(), nil
	}
	method, ok := v.(string)
	if !ok {
		return nil, taler.NewError(taler.CodeParameterMalformed, http.StatusBadRequest, "wire_method must be a string")
	}
	wire, ok := inst.WireByMethod(method)
	if !ok {
		return nil, taler.Errorf(taler.CodeWireMethodUnknown, http.StatusNotFound, "instance has no wire method %q", method)
	}
	return wire, nil
}

func (e *Engine) checkAmountField(terms map[string]any, field string, required bool, code taler.ErrorCode) error {
	v, found := terms[field]
	if !found {
		if required {
			return taler.Errorf(code, http.StatusBadRequest, "field %q is required", field)
		}
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return taler.Errorf(code, http.StatusBadRequest, "field %q must be an amount string", field)
	}
	amount, err := taler.ParseAmount(s)
	if err != nil {
		return taler.Errorf(code, http.StatusBadRequest, "field %q: %v", field, err)
	}
	if amount.Currency != e.defaults.Currency {
		return taler.Errorf(taler.CodeCurrencyMismatch, http.StatusBadRequest,
			"field %q uses currency %s, this backend only handles %s", field, amount.Currency, e.defaults.Currency)
	}
	return nil
}

func (e *Engine) applyAmountDefault(terms map[string]any, field string, def taler.Amount) error {
	if _, found := terms[field]; found {
		return e.checkAmountField(terms, field, false, taler.CodeParameterMalformed)
	}
	terms[field] = def.String()
	return nil
}

func applyDeadlineDefault(terms map[string]any, field string, def time.Time) error {
	raw, found := terms[field]
	if !found {
		terms[field] = taler.TimestampFrom(def)
		return nil
	}
	// Round-trip to validate the client-provided deadline.
	buf, err := json.Marshal(raw)
	if err != nil {
		return taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest, "field %q malformed", field)
	}
	var ts taler.Timestamp
	if err := json.Unmarshal(buf, &ts); err != nil {
		return taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest, "field %q: %v", field, err)
	}
	terms[field] = ts
	return nil
}

func dbError(err error) error {
	if storage.IsSoft(err) {
		return taler.NewError(taler.CodeDBSoftFailure, http.StatusInternalServerError, "database overloaded")
	}
	return taler.NewError(taler.CodeDBHardFailure, http.StatusInternalServerError, "database failure")
}
