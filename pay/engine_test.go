package pay

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/instance"
	"merchantd/longpoll"
	"merchantd/storage"
	"merchantd/taler"
)

var testTime = time.Unix(1700000000, 0)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(strings.ReplaceAll(t.Name(), "/", "_")))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testInstance(t *testing.T) *instance.Instance {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	details := json.RawMessage(`{"iban":"DE02100100100006820101"}`)
	hWire, err := crypto.HashContractTerms(details)
	if err != nil {
		t.Fatalf("hash wire details: %v", err)
	}
	return &instance.Instance{
		ID:    "default",
		Name:  "Test Shop",
		Priv:  priv,
		Pub:   priv.PubKey(),
		Wires: []instance.WireMethod{{Method: "x-taler-bank", Details: details, HWire: hWire}},
	}
}

func amt(t *testing.T, s string) taler.Amount {
	t.Helper()
	a, err := taler.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

func wantCode(t *testing.T, err error, code taler.ErrorCode, status int) {
	t.Helper()
	te, ok := taler.AsError(err)
	if !ok {
		t.Fatalf("expected taler error, got %v", err)
	}
	if te.Code != code || te.Status != status {
		t.Fatalf("expected code %d status %d, got %d %d (%s)", code, status, te.Code, te.Status, te.Hint)
	}
}

// testDenom is a denomination together with its RSA signing key, so tests
// can certify coins the way an exchange would.
type testDenom struct {
	key *rsa.PrivateKey
	pub *crypto.DenomPublicKey
}

func newTestDenom(t *testing.T) *testDenom {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate denomination key: %v", err)
	}
	return &testDenom{key: key, pub: &crypto.DenomPublicKey{N: key.N, E: key.E}}
}

// sign issues the full-domain-hash signature over msg.
func (d *testDenom) sign(msg []byte) []byte {
	m := crypto.FDH(msg, d.key.N)
	return new(big.Int).Exp(m, d.key.D, d.key.N).Bytes()
}

// fakeExchange serves /keys with one denomination and /deposit with signed
// confirmations. Coins marked as spent are rejected with a 403 proof.
type fakeExchange struct {
	t       *testing.T
	denom   *testDenom
	signKey *crypto.PrivateKey
	fee     taler.Amount

	down     atomic.Bool
	deposits atomic.Int32
	mu       sync.Mutex
	spent    map[string]bool

	srv *httptest.Server
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	signKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate exchange key: %v", err)
	}
	f := &fakeExchange{
		t:       t,
		denom:   newTestDenom(t),
		signKey: signKey,
		fee:     amt(t, "EUR:0.01"),
		spent:   make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/keys", f.handleKeys)
	mux.HandleFunc("/deposit", f.handleDeposit)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeExchange) markSpent(coinPub string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spent[coinPub] = true
}

func (f *fakeExchange) handleKeys(w http.ResponseWriter, _ *http.Request) {
	if f.down.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	// The registry judges freshness against the wall clock, so the stamps
	// must be in the real future.
	expire := time.Now().Add(24 * time.Hour).Unix()
	body := map[string]any{
		"master_public_key": f.signKey.PubKey().String(),
		"denoms": []map[string]any{{
			"denom_pub":             f.denom.pub.String(),
			"value":                 "EUR:5",
			"fee_deposit":           "EUR:0.01",
			"fee_refund":            "EUR:0.01",
			"fee_withdraw":          "EUR:0.01",
			"stamp_expire_deposit":  map[string]any{"t_s": expire},
			"stamp_expire_withdraw": map[string]any{"t_s": expire},
		}},
		"wire_fees": map[string]any{
			"x-taler-bank": []map[string]any{{
				"wire_fee":   "EUR:0.05",
				"start_date": map[string]any{"t_s": 0},
				"end_date":   map[string]any{"t_s": "never"},
			}},
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeExchange) handleDeposit(w http.ResponseWriter, r *http.Request) {
	f.deposits.Add(1)
	var req exchange.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	spent := f.spent[req.CoinPub]
	f.mu.Unlock()
	if spent {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":1450,"hint":"insufficient funds","history":[{"type":"DEPOSIT"}]}`))
		return
	}

	hContract, err := crypto.ParseHash(req.HContract)
	if err != nil {
		http.Error(w, "bad h_contract_terms", http.StatusBadRequest)
		return
	}
	hWire, err := crypto.ParseHash(req.HWire)
	if err != nil {
		http.Error(w, "bad h_wire", http.StatusBadRequest)
		return
	}
	coinPub, err := crypto.ParsePublicKey(req.CoinPub)
	if err != nil {
		http.Error(w, "bad coin_pub", http.StatusBadRequest)
		return
	}
	merchantPub, err := crypto.ParsePublicKey(req.MerchantPub)
	if err != nil {
		http.Error(w, "bad merchant_pub", http.StatusBadRequest)
		return
	}
	netAmount, err := req.Contribution.Subtract(f.fee)
	if err != nil {
		http.Error(w, "contribution below fee", http.StatusBadRequest)
		return
	}
	payload := confirmDepositPayload(hContract, hWire,
		&contractData{Timestamp: req.Timestamp, RefundDeadline: req.RefundDeadline},
		netAmount, merchantPub, coinPub)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"exchange_pub": f.signKey.PubKey().String(),
		"exchange_sig": crypto.SignPurposeCrock(f.signKey, crypto.PurposeExchangeConfirmDeposit, payload),
	})
}

func testRegistry(t *testing.T) *exchange.Registry {
	t.Helper()
	reg, err := exchange.NewRegistry(nil, nil, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Shutdown)
	return reg
}

func testPayEngine(t *testing.T, store *storage.Storage, finder Finder) (*Engine, *longpoll.Registry) {
	t.Helper()
	waits := longpoll.NewRegistry()
	t.Cleanup(waits.Shutdown)
	eng, err := New(store, finder, waits,
		WithLogger(testLogger()),
		WithNowFunc(func() time.Time { return testTime }))
	if err != nil {
		t.Fatalf("new pay engine: %v", err)
	}
	return eng, waits
}

// makeContract stores a claimed contract for EUR:5 and returns its record.
func makeContract(t *testing.T, store *storage.Storage, inst *instance.Instance, orderID string, payDeadline int64) *storage.ContractRecord {
	t.Helper()
	terms := fmt.Sprintf(`{"order_id":%q,"amount":"EUR:5","max_fee":"EUR:0.50","max_wire_fee":"EUR:0.10",`+
		`"wire_fee_amortization":1,"wire_method":"x-taler-bank","h_wire":%q,`+
		`"timestamp":{"t_s":1700000000},"refund_deadline":{"t_s":1700007200},"pay_deadline":{"t_s":%d},`+
		`"fulfillment_url":"https://shop.test/done","merchant_pub":%q,"nonce":"test-nonce","summary":"coffee"}`,
		orderID, inst.Wires[0].HWire.String(), payDeadline, inst.Pub.String())
	raw := json.RawMessage(terms)
	h, err := crypto.HashContractTerms(raw)
	if err != nil {
		t.Fatalf("hash contract: %v", err)
	}
	rec := storage.ContractRecord{
		OrderID:      orderID,
		InstancePub:  inst.Pub.String(),
		ContractJSON: raw,
		HContract:    h.String(),
		Nonce:        "test-nonce",
		Created:      testTime,
	}
	if err := store.UpgradeOrderToContract(context.Background(), rec); err != nil {
		t.Fatalf("store contract: %v", err)
	}
	stored, err := store.LookupContract(context.Background(), inst.Pub.String(), orderID)
	if err != nil {
		t.Fatalf("reload contract: %v", err)
	}
	return stored
}

// makeCoin issues a coin certified by denom, contributing the given amount,
// with a valid deposit permission for the contract.
func makeCoin(t *testing.T, denom *testDenom, rec *storage.ContractRecord, inst *instance.Instance, contribution, exchangeURL string) Coin {
	t.Helper()
	coinPriv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate coin key: %v", err)
	}
	coinPub := coinPriv.PubKey()

	var contract contractData
	if err := json.Unmarshal(rec.ContractJSON, &contract); err != nil {
		t.Fatalf("decode contract: %v", err)
	}
	hContract, err := crypto.ParseHash(rec.HContract)
	if err != nil {
		t.Fatalf("parse contract hash: %v", err)
	}
	hWire, err := crypto.ParseHash(contract.HWire)
	if err != nil {
		t.Fatalf("parse wire hash: %v", err)
	}
	contrib := amt(t, contribution)
	payload := depositPermissionPayload(hContract, hWire, &contract, contrib, amt(t, "EUR:0.01"), inst.Pub, coinPub)
	return Coin{
		CoinPub:      coinPub.String(),
		DenomPub:     denom.pub.String(),
		DenomSig:     crypto.EncodeCrock(denom.sign(coinPub.Bytes())),
		CoinSig:      crypto.SignPurposeCrock(coinPriv, crypto.PurposeWalletCoinDeposit, payload),
		Contribution: contrib,
		ExchangeURL:  exchangeURL,
	}
}

func TestPayHappyPath(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, waits := testPayEngine(t, store, testRegistry(t))
	ctx := context.Background()

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)

	payKey := crypto.PayKey("ord-1", inst.Pub).String()
	waiter := waits.Register(payKey, nil)

	res, err := eng.Pay(ctx, inst, Request{
		OrderID:     "ord-1",
		MerchantPub: inst.Pub.String(),
		Coins:       []Coin{coin},
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if res.HContract != rec.HContract {
		t.Fatalf("unexpected contract hash %s", res.HContract)
	}
	hContract, _ := crypto.ParseHash(rec.HContract)
	if err := crypto.VerifyPurposeCrock(inst.Pub, crypto.PurposeMerchantPaymentOK, hContract.Bytes(), res.MerchantSig); err != nil {
		t.Fatalf("payment confirmation signature invalid: %v", err)
	}

	dep, err := store.LookupDeposit(ctx, rec.HContract, coin.CoinPub)
	if err != nil {
		t.Fatalf("deposit not recorded: %v", err)
	}
	if dep.ExchangePub == "" || dep.ExchangeSig == "" {
		t.Fatalf("exchange confirmation not retained")
	}
	stored, err := store.LookupContract(ctx, inst.Pub.String(), "ord-1")
	if err != nil {
		t.Fatalf("reload contract: %v", err)
	}
	if !stored.Paid {
		t.Fatalf("contract not marked paid")
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, err := waiter.Wait(waitCtx)
	if err != nil {
		t.Fatalf("paid waiter not woken: %v", err)
	}
	if ev.Kind != longpoll.EventPaid {
		t.Fatalf("expected paid event, got %v", ev.Kind)
	}
	if got := ex.deposits.Load(); got != 1 {
		t.Fatalf("expected 1 deposit call, got %d", got)
	}
}

func TestPayReplayIsIdempotent(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))
	ctx := context.Background()

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)
	req := Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Coins: []Coin{coin}}

	first, err := eng.Pay(ctx, inst, req)
	if err != nil {
		t.Fatalf("first pay: %v", err)
	}
	second, err := eng.Pay(ctx, inst, req)
	if err != nil {
		t.Fatalf("replayed pay: %v", err)
	}
	if second.MerchantSig != first.MerchantSig {
		t.Fatalf("replay must return the original confirmation")
	}
	if got := ex.deposits.Load(); got != 1 {
		t.Fatalf("replay must not re-contact the exchange, got %d calls", got)
	}

	// The same coin with a different contribution is a conflict.
	altered := coin
	altered.Contribution = amt(t, "EUR:4")
	_, err = eng.Pay(ctx, inst, Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Coins: []Coin{altered}})
	wantCode(t, err, taler.CodePayCoinConflict, http.StatusConflict)
}

func TestPaySessionBindingRecorded(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))
	ctx := context.Background()

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)

	if _, err := eng.Pay(ctx, inst, Request{
		OrderID:     "ord-1",
		MerchantPub: inst.Pub.String(),
		SessionID:   "sess-1",
		Coins:       []Coin{coin},
	}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	bound, err := store.LookupSession(ctx, "sess-1", "https://shop.test/done", inst.Pub.String())
	if err != nil {
		t.Fatalf("session binding missing: %v", err)
	}
	if bound != "ord-1" {
		t.Fatalf("session bound to %q", bound)
	}
}

func TestPayInsufficientAmount(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))
	ctx := context.Background()

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:3", ex.srv.URL)

	_, err := eng.Pay(ctx, inst, Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Coins: []Coin{coin}})
	wantCode(t, err, taler.CodePayAmountInsufficient, http.StatusNotAcceptable)

	// The coin was still deposited; a later pay may extend the set.
	if _, err := store.LookupDeposit(ctx, rec.HContract, coin.CoinPub); err != nil {
		t.Fatalf("partial deposit must be retained: %v", err)
	}

	second := makeCoin(t, ex.denom, rec, inst, "EUR:2", ex.srv.URL)
	res, err := eng.Pay(ctx, inst, Request{
		OrderID:     "ord-1",
		MerchantPub: inst.Pub.String(),
		Coins:       []Coin{coin, second},
	})
	if err != nil {
		t.Fatalf("extension pay: %v", err)
	}
	if res.MerchantSig == "" {
		t.Fatalf("extension must produce the payment confirmation")
	}
	if got := ex.deposits.Load(); got != 2 {
		t.Fatalf("expected 2 deposit calls, got %d", got)
	}
}

func TestPayDoubleSpendForwardsProof(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))
	ctx := context.Background()

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)
	ex.markSpent(coin.CoinPub)

	req := Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Coins: []Coin{coin}}
	_, err := eng.Pay(ctx, inst, req)
	wantCode(t, err, taler.CodePayCoinConflict, http.StatusFailedDependency)
	te, _ := taler.AsError(err)
	proof, ok := te.Extra["exchange_reply"].(json.RawMessage)
	if !ok || !strings.Contains(string(proof), `"history"`) {
		t.Fatalf("expected the exchange proof to be forwarded, got %v", te.Extra)
	}

	if _, err := store.LookupDepositRejection(ctx, rec.HContract, coin.CoinPub); err != nil {
		t.Fatalf("rejection not recorded: %v", err)
	}

	// Retries answer from the recorded proof without contacting the exchange.
	calls := ex.deposits.Load()
	_, err = eng.Pay(ctx, inst, req)
	wantCode(t, err, taler.CodePayCoinConflict, http.StatusFailedDependency)
	if got := ex.deposits.Load(); got != calls {
		t.Fatalf("retry must not re-contact the exchange")
	}
}

func TestPayRejectsWrongInstance(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	other := testInstance(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))

	_, err := eng.Pay(context.Background(), inst, Request{
		OrderID:     "ord-1",
		MerchantPub: other.Pub.String(),
	})
	wantCode(t, err, taler.CodePayWrongInstance, http.StatusForbidden)
}

func TestPayUnknownOrder(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))

	_, err := eng.Pay(context.Background(), inst, Request{
		OrderID:     "missing",
		MerchantPub: inst.Pub.String(),
	})
	wantCode(t, err, taler.CodePayContractNotFound, http.StatusNotFound)
}

func TestPayDeadlineExpired(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))

	rec := makeContract(t, store, inst, "ord-1", 1699990000)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)

	_, err := eng.Pay(context.Background(), inst, Request{
		OrderID:     "ord-1",
		MerchantPub: inst.Pub.String(),
		Coins:       []Coin{coin},
	})
	wantCode(t, err, taler.CodePayDeadlineExpired, http.StatusGone)
}

func TestPayUnknownDenomination(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	foreign := newTestDenom(t)
	coin := makeCoin(t, foreign, rec, inst, "EUR:5", ex.srv.URL)

	_, err := eng.Pay(context.Background(), inst, Request{
		OrderID:     "ord-1",
		MerchantPub: inst.Pub.String(),
		Coins:       []Coin{coin},
	})
	wantCode(t, err, taler.CodePayDenominationUnknown, http.StatusNotFound)
}

func TestPayBadCoinSignature(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)
	// The permission was signed for EUR:5; lowering the contribution
	// invalidates it.
	coin.Contribution = amt(t, "EUR:4")

	_, err := eng.Pay(context.Background(), inst, Request{
		OrderID:     "ord-1",
		MerchantPub: inst.Pub.String(),
		Coins:       []Coin{coin},
	})
	wantCode(t, err, taler.CodePayCoinSigInvalid, http.StatusForbidden)
	if got := ex.deposits.Load(); got != 0 {
		t.Fatalf("invalid coin must not reach the exchange")
	}
}

func TestAbortIssuesRefundPermissions(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, waits := testPayEngine(t, store, testRegistry(t))
	ctx := context.Background()

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:3", ex.srv.URL)

	_, err := eng.Pay(ctx, inst, Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Coins: []Coin{coin}})
	wantCode(t, err, taler.CodePayAmountInsufficient, http.StatusNotAcceptable)

	threshold := amt(t, "EUR:3")
	payKey := crypto.PayKey("ord-1", inst.Pub).String()
	waiter := waits.Register(payKey, &threshold)

	res, err := eng.Pay(ctx, inst, Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Mode: ModeAbort})
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !res.Aborted || len(res.Refunds) != 1 {
		t.Fatalf("expected 1 refund permission, got aborted=%v refunds=%d", res.Aborted, len(res.Refunds))
	}
	perm := res.Refunds[0]
	if perm.CoinPub != coin.CoinPub || perm.ExchangeURL == "" {
		t.Fatalf("permission misses coin or exchange: %+v", perm)
	}
	if c, _ := perm.RefundAmount.Cmp(amt(t, "EUR:3")); c != 0 {
		t.Fatalf("expected full refund, got %s", perm.RefundAmount)
	}

	hContract, _ := crypto.ParseHash(rec.HContract)
	payload, err := RefundPermissionPayload(hContract, storage.RefundRecord{
		CoinPub:      perm.CoinPub,
		RTxID:        int64(perm.RTransactionID),
		RefundAmount: perm.RefundAmount,
		RefundFee:    perm.RefundFee,
	}, inst.Pub)
	if err != nil {
		t.Fatalf("rebuild refund payload: %v", err)
	}
	if err := crypto.VerifyPurposeCrock(inst.Pub, crypto.PurposeMerchantRefund, payload, perm.MerchantSig); err != nil {
		t.Fatalf("refund permission signature invalid: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, err := waiter.Wait(waitCtx)
	if err != nil {
		t.Fatalf("refund waiter not woken: %v", err)
	}
	if ev.Kind != longpoll.EventRefund {
		t.Fatalf("expected refund event, got %v", ev.Kind)
	}
	if c, _ := ev.RefundTotal.Cmp(threshold); c != 0 {
		t.Fatalf("expected refund total EUR:3, got %s", ev.RefundTotal)
	}

	// Replay returns the identical permission set.
	again, err := eng.Pay(ctx, inst, Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Mode: ModeAbort})
	if err != nil {
		t.Fatalf("abort replay: %v", err)
	}
	if len(again.Refunds) != 1 || again.Refunds[0] != perm {
		t.Fatalf("abort replay must be stable: %+v", again.Refunds)
	}

	// Deposits are closed after an abort.
	_, err = eng.Pay(ctx, inst, Request{
		OrderID:     "ord-1",
		MerchantPub: inst.Pub.String(),
		Coins:       []Coin{makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)},
	})
	wantCode(t, err, taler.CodePayAborted, http.StatusConflict)
}

func TestAbortOnPaidContractRejected(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	eng, _ := testPayEngine(t, store, testRegistry(t))
	ctx := context.Background()

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)
	if _, err := eng.Pay(ctx, inst, Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Coins: []Coin{coin}}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	_, err := eng.Pay(ctx, inst, Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Mode: ModeAbort})
	wantCode(t, err, taler.CodePayAborted, http.StatusConflict)
}

func TestPayExchangeDownThenRecovers(t *testing.T) {
	store := testStore(t)
	inst := testInstance(t)
	ex := newFakeExchange(t)
	ex.down.Store(true)
	eng, _ := testPayEngine(t, store, testRegistry(t))

	rec := makeContract(t, store, inst, "ord-1", 1700007200)
	coin := makeCoin(t, ex.denom, rec, inst, "EUR:5", ex.srv.URL)
	req := Request{OrderID: "ord-1", MerchantPub: inst.Pub.String(), Coins: []Coin{coin}}

	shortCtx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err := eng.Pay(shortCtx, inst, req)
	wantCode(t, err, taler.CodePayExchangeDown, http.StatusBadGateway)
	if got := ex.deposits.Load(); got != 0 {
		t.Fatalf("no deposit may reach a down exchange, got %d", got)
	}

	// The exchange comes back; retrying the identical request completes the
	// payment as if the outage never happened.
	ex.down.Store(false)
	res, err := eng.Pay(context.Background(), inst, req)
	if err != nil {
		t.Fatalf("pay after recovery: %v", err)
	}
	hContract, _ := crypto.ParseHash(rec.HContract)
	if err := crypto.VerifyPurposeCrock(inst.Pub, crypto.PurposeMerchantPaymentOK, hContract.Bytes(), res.MerchantSig); err != nil {
		t.Fatalf("payment confirmation signature invalid: %v", err)
	}
	stored, err := store.LookupContract(context.Background(), inst.Pub.String(), "ord-1")
	if err != nil {
		t.Fatalf("reload contract: %v", err)
	}
	if !stored.Paid {
		t.Fatalf("contract not paid after recovery")
	}
	if got := ex.deposits.Load(); got != 1 {
		t.Fatalf("expected exactly 1 deposit call, got %d", got)
	}
}
