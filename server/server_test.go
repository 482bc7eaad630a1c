package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"merchantd/config"
	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/instance"
	"merchantd/longpoll"
	"merchantd/order"
	"merchantd/pay"
	"merchantd/refund"
	"merchantd/storage"
	"merchantd/taler"
	"merchantd/tip"
)

const testToken = "test-admin-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func amt(t *testing.T, s string) taler.Amount {
	t.Helper()
	a, err := taler.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

type testBackend struct {
	http  *httptest.Server
	store *storage.Storage
	inst  *instance.Instance
}

func newTestBackend(t *testing.T) *testBackend {
	return newTestBackendWithLimit(t, RateLimitConfig{})
}

func newTestBackendWithLimit(t *testing.T, rl RateLimitConfig) *testBackend {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(strings.ReplaceAll(t.Name(), "/", "_")))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Currency: "EUR",
		Instances: map[string]config.Instance{
			"default": {
				Name:    "Test Shop",
				Keyfile: filepath.Join(t.TempDir(), "default.key"),
				Wire: map[string]config.Wire{
					"x-taler-bank": {Details: `{"iban":"DE02100100100006820101"}`},
				},
			},
		},
	}
	instances, err := instance.Build(cfg, testLogger())
	if err != nil {
		t.Fatalf("build instances: %v", err)
	}
	inst, ok := instances.Lookup("default")
	if !ok {
		t.Fatalf("default instance missing")
	}

	exchanges, err := exchange.NewRegistry(nil, nil, testLogger())
	if err != nil {
		t.Fatalf("exchange registry: %v", err)
	}
	t.Cleanup(exchanges.Shutdown)
	waits := longpoll.NewRegistry()
	t.Cleanup(waits.Shutdown)

	orders, err := order.New(store, order.Defaults{
		Currency:            "EUR",
		PayDeadline:         30 * time.Minute,
		RefundDelay:         2 * time.Hour,
		MaxFee:              amt(t, "EUR:0.50"),
		MaxWireFee:          amt(t, "EUR:0.10"),
		WireFeeAmortization: 1,
	}, order.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("order engine: %v", err)
	}
	payments, err := pay.New(store, exchanges, waits, pay.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("pay engine: %v", err)
	}
	tips, err := tip.New(store, exchanges, tip.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("tip engine: %v", err)
	}
	refunds, err := refund.New(store, waits, refund.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("refund engine: %v", err)
	}

	srv, err := New(Config{
		ListenAddress: "127.0.0.1:0",
		Currency:      "EUR",
		BearerToken:   testToken,
		RateLimit:     rl,
	}, instances, store, Engines{
		Orders:   orders,
		Payments: payments,
		Tips:     tips,
		Refunds:  refunds,
	}, testLogger())
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testBackend{http: ts, store: store, inst: inst}
}

// do sends one request and returns the status and raw body. An empty token
// leaves the request unauthenticated.
func do(t *testing.T, method, url string, body any, token string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, raw
}

func decode(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func wantEnvelope(t *testing.T, status int, raw []byte, wantStatus int, wantCode taler.ErrorCode) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", status, wantStatus, raw)
	}
	var env struct {
		Code taler.ErrorCode `json:"code"`
		Hint string          `json:"hint"`
	}
	decode(t, raw, &env)
	if env.Code != wantCode {
		t.Fatalf("code = %d (%s), want %d", env.Code, env.Hint, wantCode)
	}
}

// createOrder posts an order document and returns the order id.
func createOrder(t *testing.T, b *testBackend, orderID string) string {
	t.Helper()
	doc := map[string]any{
		"amount":          "EUR:5",
		"summary":         "coffee",
		"fulfillment_url": "https://shop.test/done",
	}
	if orderID != "" {
		doc["order_id"] = orderID
	}
	status, raw := do(t, http.MethodPost, b.http.URL+"/orders", map[string]any{"order": doc}, testToken)
	if status != http.StatusOK {
		t.Fatalf("create order: status %d body %s", status, raw)
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	decode(t, raw, &out)
	if out.OrderID == "" {
		t.Fatalf("order id missing in %s", raw)
	}
	return out.OrderID
}

// claimProposal fetches the signed contract and returns its terms plus the
// contract hash recomputed from the served document.
func claimProposal(t *testing.T, b *testBackend, orderID, nonce string) (json.RawMessage, string) {
	t.Helper()
	status, raw := do(t, http.MethodGet,
		b.http.URL+"/public/proposal?order_id="+orderID+"&nonce="+nonce, nil, "")
	if status != http.StatusOK {
		t.Fatalf("proposal: status %d body %s", status, raw)
	}
	var out struct {
		ContractTerms json.RawMessage `json:"contract_terms"`
		Sig           string          `json:"sig"`
	}
	decode(t, raw, &out)
	h, err := crypto.HashContractTerms(out.ContractTerms)
	if err != nil {
		t.Fatalf("hash contract terms: %v", err)
	}
	if err := crypto.VerifyPurposeCrock(b.inst.Pub, crypto.PurposeMerchantContract, h.Bytes(), out.Sig); err != nil {
		t.Fatalf("proposal signature invalid: %v", err)
	}
	return out.ContractTerms, h.String()
}

// seedPaidContract plants a claimed, paid contract with one deposited coin,
// bypassing the pay flow, so refund and poll endpoints can be driven alone.
func seedPaidContract(t *testing.T, b *testBackend, orderID string) (hContract, coinPub string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	deadline := now.Add(2 * time.Hour).Unix()
	terms := fmt.Sprintf(`{"order_id":%q,"amount":"EUR:5","max_fee":"EUR:0.50",`+
		`"max_wire_fee":"EUR:0.10","wire_fee_amortization":1,"wire_method":"x-taler-bank","h_wire":%q,`+
		`"timestamp":{"t_s":%d},"refund_deadline":{"t_s":%d},"pay_deadline":{"t_s":%d},`+
		`"fulfillment_url":"https://shop.test/done","merchant_pub":%q,"nonce":"seed-nonce","summary":"coffee"}`,
		orderID, b.inst.Wires[0].HWire.String(), now.Unix(), deadline, deadline, b.inst.Pub.String())
	raw := json.RawMessage(terms)
	h, err := crypto.HashContractTerms(raw)
	if err != nil {
		t.Fatalf("hash contract: %v", err)
	}
	if err := b.store.UpgradeOrderToContract(ctx, storage.ContractRecord{
		OrderID:      orderID,
		InstancePub:  b.inst.Pub.String(),
		ContractJSON: raw,
		HContract:    h.String(),
		Nonce:        "seed-nonce",
		Created:      now,
	}); err != nil {
		t.Fatalf("store contract: %v", err)
	}

	coinPriv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate coin key: %v", err)
	}
	coinPub = coinPriv.PubKey().String()
	if err := b.store.InsertDeposit(ctx, storage.DepositRecord{
		HContract:     h.String(),
		CoinPub:       coinPub,
		AmountWithFee: amt(t, "EUR:5"),
		DepositFee:    amt(t, "EUR:0.01"),
		RefundFee:     amt(t, "EUR:0.01"),
		WireFee:       amt(t, "EUR:0.05"),
		ExchangeURL:   "https://exchange.test/",
		ExchangePub:   "EXCHPUB",
		ExchangeSig:   "EXCHSIG",
		Created:       now,
	}); err != nil {
		t.Fatalf("insert deposit: %v", err)
	}
	if _, err := b.store.MarkContractPaid(ctx, b.inst.Pub.String(), h.String()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	return h.String(), coinPub
}

func TestConfigEndpoint(t *testing.T) {
	b := newTestBackend(t)

	status, raw := do(t, http.MethodGet, b.http.URL+"/config", nil, "")
	if status != http.StatusOK {
		t.Fatalf("config: status %d body %s", status, raw)
	}
	var out struct {
		Currency  string `json:"currency"`
		Version   string `json:"version"`
		Instances []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			MerchantPub string `json:"merchant_pub"`
		} `json:"instances"`
	}
	decode(t, raw, &out)
	if out.Currency != "EUR" || out.Version != taler.ProtocolVersion {
		t.Fatalf("unexpected config header: %+v", out)
	}
	if len(out.Instances) != 1 || out.Instances[0].ID != "default" {
		t.Fatalf("unexpected instances: %+v", out.Instances)
	}
	if out.Instances[0].MerchantPub != b.inst.Pub.String() {
		t.Fatalf("merchant_pub mismatch")
	}
}

func TestHealthz(t *testing.T) {
	b := newTestBackend(t)
	status, raw := do(t, http.MethodGet, b.http.URL+"/healthz", nil, "")
	if status != http.StatusOK || !strings.Contains(string(raw), `"ok"`) {
		t.Fatalf("healthz: status %d body %s", status, raw)
	}
}

func TestPrivateEndpointsRequireToken(t *testing.T) {
	b := newTestBackend(t)

	body := map[string]any{"order": map[string]any{"amount": "EUR:1", "summary": "x", "fulfillment_url": "https://s.test/"}}
	status, raw := do(t, http.MethodPost, b.http.URL+"/orders", body, "")
	wantEnvelope(t, status, raw, http.StatusUnauthorized, taler.CodeUnauthorized)

	status, raw = do(t, http.MethodPost, b.http.URL+"/orders", body, "wrong-token")
	wantEnvelope(t, status, raw, http.StatusUnauthorized, taler.CodeUnauthorized)

	status, _ = do(t, http.MethodGet, b.http.URL+"/metrics", nil, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("metrics must be private, got %d", status)
	}

	if status, _ := do(t, http.MethodPost, b.http.URL+"/orders", body, testToken); status != http.StatusOK {
		t.Fatalf("valid token rejected: %d", status)
	}
}

func TestCreateOrderGeneratesID(t *testing.T) {
	b := newTestBackend(t)
	id := createOrder(t, b, "")
	if strings.TrimSpace(id) == "" {
		t.Fatalf("generated order id empty")
	}
}

func TestCreateOrderRejectsMalformedBody(t *testing.T) {
	b := newTestBackend(t)
	req, err := http.NewRequest(http.MethodPost, b.http.URL+"/orders", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	wantEnvelope(t, resp.StatusCode, raw, http.StatusBadRequest, taler.CodeInvalidRequest)
}

func TestCreateOrderValidatesLockUUIDs(t *testing.T) {
	b := newTestBackend(t)
	body := map[string]any{
		"order": map[string]any{
			"amount":          "EUR:5",
			"summary":         "coffee",
			"fulfillment_url": "https://shop.test/done",
		},
		"lock_uuids": []string{"not-a-uuid"},
	}
	status, raw := do(t, http.MethodPost, b.http.URL+"/orders", body, testToken)
	wantEnvelope(t, status, raw, http.StatusBadRequest, taler.CodeParameterMalformed)
}

func TestProposalFlow(t *testing.T) {
	b := newTestBackend(t)
	orderID := createOrder(t, b, "ord-http-1")

	terms, _ := claimProposal(t, b, orderID, "NONCE-1")
	var doc struct {
		OrderID     string `json:"order_id"`
		MerchantPub string `json:"merchant_pub"`
		Nonce       string `json:"nonce"`
	}
	decode(t, terms, &doc)
	if doc.OrderID != orderID || doc.MerchantPub != b.inst.Pub.String() || doc.Nonce != "NONCE-1" {
		t.Fatalf("unexpected contract terms: %s", terms)
	}

	// Claiming again with the same nonce replays the identical contract.
	again, _ := claimProposal(t, b, orderID, "NONCE-1")
	if !bytes.Equal(terms, again) {
		t.Fatalf("proposal replay differs")
	}

	// A different nonce is turned away.
	status, raw := do(t, http.MethodGet,
		b.http.URL+"/public/proposal?order_id="+orderID+"&nonce=NONCE-2", nil, "")
	wantEnvelope(t, status, raw, http.StatusBadRequest, taler.CodeProposalNonceMismatch)
}

func TestProposalUnknownInstance(t *testing.T) {
	b := newTestBackend(t)
	status, raw := do(t, http.MethodGet,
		b.http.URL+"/public/proposal?instance=ghost&order_id=x&nonce=n", nil, "")
	wantEnvelope(t, status, raw, http.StatusNotFound, taler.CodeInstanceUnknown)
}

func TestPayUnknownOrder(t *testing.T) {
	b := newTestBackend(t)
	body := map[string]any{
		"order_id":     "missing",
		"merchant_pub": b.inst.Pub.String(),
	}
	status, raw := do(t, http.MethodPost, b.http.URL+"/public/pay", body, "")
	wantEnvelope(t, status, raw, http.StatusNotFound, taler.CodePayContractNotFound)
}

func TestPollPaymentUnpaid(t *testing.T) {
	b := newTestBackend(t)
	orderID := createOrder(t, b, "ord-poll-1")
	_, hContract := claimProposal(t, b, orderID, "NONCE-1")

	status, raw := do(t, http.MethodGet,
		b.http.URL+"/public/poll-payment?order_id="+orderID+"&h_contract="+hContract, nil, "")
	if status != http.StatusOK {
		t.Fatalf("poll: status %d body %s", status, raw)
	}
	var out pay.PollResult
	decode(t, raw, &out)
	if out.Paid {
		t.Fatalf("order must not be paid yet")
	}
	authority := strings.TrimPrefix(b.http.URL, "http://")
	wantURI := "taler://pay/" + authority + "/" + orderID
	if out.TalerPayURI != wantURI {
		t.Fatalf("taler_pay_uri = %q, want %q", out.TalerPayURI, wantURI)
	}
	if !strings.Contains(out.ContractURL, "/public/proposal?order_id="+orderID) {
		t.Fatalf("contract_url = %q", out.ContractURL)
	}
}

func TestPollPaymentHashMismatch(t *testing.T) {
	b := newTestBackend(t)
	orderID := createOrder(t, b, "ord-poll-2")
	claimProposal(t, b, orderID, "NONCE-1")

	bogus := strings.Repeat("0", 103)
	status, raw := do(t, http.MethodGet,
		b.http.URL+"/public/poll-payment?order_id="+orderID+"&h_contract="+bogus, nil, "")
	wantEnvelope(t, status, raw, http.StatusBadRequest, taler.CodePollHashMismatch)
}

func TestRefundIncreaseAndLookup(t *testing.T) {
	b := newTestBackend(t)
	hContract, coinPub := seedPaidContract(t, b, "ord-refund-1")

	body := map[string]any{"order_id": "ord-refund-1", "refund": "EUR:1", "reason": "damaged goods"}
	status, raw := do(t, http.MethodPost, b.http.URL+"/refund", body, testToken)
	if status != http.StatusOK {
		t.Fatalf("refund: status %d body %s", status, raw)
	}
	var out refund.Result
	decode(t, raw, &out)
	if out.HContract != hContract || out.MerchantPub != b.inst.Pub.String() {
		t.Fatalf("unexpected refund result: %+v", out)
	}
	if len(out.Refunds) != 1 || out.Refunds[0].CoinPub != coinPub {
		t.Fatalf("unexpected permissions: %+v", out.Refunds)
	}
	if c, _ := out.Refunds[0].RefundAmount.Cmp(amt(t, "EUR:1")); c != 0 {
		t.Fatalf("refund amount = %s", out.Refunds[0].RefundAmount)
	}

	// The public lookup serves the same permissions to the wallet.
	status, raw = do(t, http.MethodGet, b.http.URL+"/refund?order_id=ord-refund-1", nil, "")
	if status != http.StatusOK {
		t.Fatalf("refund lookup: status %d body %s", status, raw)
	}
	var read refund.Result
	decode(t, raw, &read)
	if len(read.Refunds) != 1 || read.Refunds[0].MerchantSig != out.Refunds[0].MerchantSig {
		t.Fatalf("lookup must replay the identical permission")
	}
}

func TestRefundUnknownOrder(t *testing.T) {
	b := newTestBackend(t)
	status, raw := do(t, http.MethodGet, b.http.URL+"/refund?order_id=missing", nil, "")
	wantEnvelope(t, status, raw, http.StatusNotFound, taler.CodeRefundOrderUnknown)
}

func TestPollPaymentWakesOnRefund(t *testing.T) {
	b := newTestBackend(t)
	hContract, _ := seedPaidContract(t, b, "ord-wake-1")

	type reply struct {
		status int
		raw    []byte
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := http.Get(b.http.URL +
			"/public/poll-payment?order_id=ord-wake-1&h_contract=" + hContract +
			"&timeout=10&refund=EUR:1")
		if err != nil {
			done <- reply{err: err}
			return
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		done <- reply{status: resp.StatusCode, raw: raw, err: err}
	}()

	// Give the poll a moment to park. If the refund still lands first the
	// handler answers from the database, so either order resolves.
	time.Sleep(200 * time.Millisecond)
	start := time.Now()
	body := map[string]any{"order_id": "ord-wake-1", "refund": "EUR:1", "reason": "goodwill"}
	if status, raw := do(t, http.MethodPost, b.http.URL+"/refund", body, testToken); status != http.StatusOK {
		t.Fatalf("refund: status %d body %s", status, raw)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("poll request: %v", r.err)
		}
		if r.status != http.StatusOK {
			t.Fatalf("poll: status %d body %s", r.status, r.raw)
		}
		var out pay.PollResult
		decode(t, r.raw, &out)
		if !out.Paid || !out.Refunded || out.RefundAmount == nil {
			t.Fatalf("poll reply missing refund: %s", r.raw)
		}
		if c, _ := out.RefundAmount.Cmp(amt(t, "EUR:1")); c != 0 {
			t.Fatalf("refund_amount = %s", out.RefundAmount)
		}
		if waited := time.Since(start); waited > 5*time.Second {
			t.Fatalf("poll did not wake on the refund (took %s)", waited)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("poll never returned")
	}
}

func TestTipStatusUnknown(t *testing.T) {
	b := newTestBackend(t)
	status, raw := do(t, http.MethodGet, b.http.URL+"/tip-pickup?tip_id=unknown", nil, "")
	wantEnvelope(t, status, raw, http.StatusNotFound, taler.CodeTipPickupUnknown)
}

func TestTipAuthorizeWithoutReserve(t *testing.T) {
	b := newTestBackend(t)
	body := map[string]any{"amount": "EUR:1", "justification": "survey"}
	status, raw := do(t, http.MethodPost, b.http.URL+"/tip-authorize", body, testToken)
	wantEnvelope(t, status, raw, http.StatusPreconditionFailed, taler.CodeTipsDisabled)
}

func TestMetricsServesCounters(t *testing.T) {
	b := newTestBackend(t)
	do(t, http.MethodGet, b.http.URL+"/config", nil, "")

	status, raw := do(t, http.MethodGet, b.http.URL+"/metrics", nil, testToken)
	if status != http.StatusOK {
		t.Fatalf("metrics: status %d", status)
	}
	if !strings.Contains(string(raw), "merchantd_requests_total") {
		t.Fatalf("metrics body misses request counter")
	}
}

func TestPublicRateLimit(t *testing.T) {
	b := newTestBackendWithLimit(t, RateLimitConfig{RequestsPerMinute: 1, Burst: 1})

	get := func() (int, []byte) {
		req, err := http.NewRequest(http.MethodGet, b.http.URL+"/refund?order_id=missing", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("X-Real-IP", "198.51.100.7")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, raw
	}

	if status, _ := get(); status != http.StatusNotFound {
		t.Fatalf("first request should reach the handler, got %d", status)
	}
	status, raw := get()
	wantEnvelope(t, status, raw, http.StatusTooManyRequests, taler.CodeRateLimited)

	// Other clients are unaffected.
	if status, _ := do(t, http.MethodGet, b.http.URL+"/healthz", nil, ""); status != http.StatusOK {
		t.Fatalf("healthz throttled: %d", status)
	}
}
