package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"merchantd/taler"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxReplyBytes         = 1 << 20
)

// Client talks to one exchange over its REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the exchange at baseURL. A nil http client
// gets a default with a request timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}
}

// BaseURL returns the exchange base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// ReplyError is a non-success reply from the exchange, with the Taler error
// envelope decoded when present.
type ReplyError struct {
	Status int
	Code   taler.ErrorCode
	Hint   string
	Body   json.RawMessage
}

func (e *ReplyError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("exchange replied %d (code %d): %s", e.Status, e.Code, e.Hint)
	}
	return fmt.Sprintf("exchange replied %d (code %d)", e.Status, e.Code)
}

// DoubleSpendError is a 403 deposit rejection. Proof holds the exchange's
// reply verbatim so it can be forwarded to the wallet unchanged.
type DoubleSpendError struct {
	Proof json.RawMessage
}

func (e *DoubleSpendError) Error() string {
	return "exchange rejected coin as double-spent"
}

// Keys fetches and parses the exchange's signing and denomination keys.
func (c *Client) Keys(ctx context.Context) (*KeySet, error) {
	var reply keysReply
	if err := c.getJSON(ctx, "keys", nil, &reply); err != nil {
		return nil, err
	}
	ks, err := buildKeySet(reply)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: %w", c.baseURL, err)
	}
	return ks, nil
}

// DepositRequest is one coin's deposit permission in wire form.
type DepositRequest struct {
	HContract      string          `json:"h_contract_terms"`
	HWire          string          `json:"h_wire"`
	CoinPub        string          `json:"coin_pub"`
	DenomPub       string          `json:"denom_pub"`
	DenomSig       string          `json:"ub_sig"`
	CoinSig        string          `json:"coin_sig"`
	Contribution   taler.Amount    `json:"contribution"`
	MerchantPub    string          `json:"merchant_pub"`
	Timestamp      taler.Timestamp `json:"timestamp"`
	RefundDeadline taler.Timestamp `json:"refund_deadline"`
}

// DepositConfirmation is the exchange's signed acceptance of a deposit.
type DepositConfirmation struct {
	ExchangePub string `json:"exchange_pub"`
	ExchangeSig string `json:"exchange_sig"`
}

// Deposit submits one coin. A 403 reply surfaces as *DoubleSpendError with
// the proof body intact; other failures surface as *ReplyError.
func (c *Client) Deposit(ctx context.Context, req DepositRequest) (*DepositConfirmation, error) {
	var conf DepositConfirmation
	err := c.postJSON(ctx, "deposit", req, &conf)
	if err != nil {
		var re *ReplyError
		if errors.As(err, &re) && re.Status == http.StatusForbidden {
			return nil, &DoubleSpendError{Proof: re.Body}
		}
		return nil, err
	}
	return &conf, nil
}

// Reserve history event types reported by the exchange.
const (
	ReserveHistoryDeposit  = "DEPOSIT"
	ReserveHistoryWithdraw = "WITHDRAW"
)

// ReserveHistoryItem is one ledger entry of a reserve.
type ReserveHistoryItem struct {
	Type   string       `json:"type"`
	Amount taler.Amount `json:"amount"`
}

// ReserveStatus is the exchange's view of a reserve.
type ReserveStatus struct {
	Balance    taler.Amount         `json:"balance"`
	Expiration taler.Timestamp      `json:"expiration_date"`
	History    []ReserveHistoryItem `json:"history"`
}

// ReserveStatus fetches the ledger of the reserve with the given public key.
func (c *Client) ReserveStatus(ctx context.Context, reservePub string) (*ReserveStatus, error) {
	q := url.Values{"reserve_pub": {reservePub}}
	var status ReserveStatus
	if err := c.getJSON(ctx, "reserve/status", q, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WithdrawRequest asks the exchange to sign a blinded coin envelope against
// reserve funds.
type WithdrawRequest struct {
	ReservePub   string `json:"reserve_pub"`
	DenomPubHash string `json:"denom_pub_hash"`
	CoinEnvelope string `json:"coin_ev"`
	ReserveSig   string `json:"reserve_sig"`
}

// WithdrawResponse carries the blind signature over the coin envelope.
type WithdrawResponse struct {
	EvSig string `json:"ev_sig"`
}

// ReserveWithdraw submits a withdraw permission to the exchange.
func (c *Client) ReserveWithdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResponse, error) {
	var resp WithdrawResponse
	if err := c.postJSON(ctx, "reserve/withdraw", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefundRequest asks the exchange to credit a coin back from the merchant's
// deposit, authorized by the merchant's refund signature.
type RefundRequest struct {
	HContract      string       `json:"h_contract_terms"`
	CoinPub        string       `json:"coin_pub"`
	RTransactionID uint64       `json:"rtransaction_id"`
	MerchantPub    string       `json:"merchant_pub"`
	MerchantSig    string       `json:"merchant_sig"`
	RefundAmount   taler.Amount `json:"refund_amount"`
	RefundFee      taler.Amount `json:"refund_fee"`
}

// RefundConfirmation is the exchange's signed acceptance of a refund.
type RefundConfirmation struct {
	ExchangePub string `json:"exchange_pub"`
	ExchangeSig string `json:"exchange_sig"`
}

// Refund submits a refund permission to the exchange.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundConfirmation, error) {
	var conf RefundConfirmation
	if err := c.postJSON(ctx, "refund", req, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + path
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	return c.do(req, path, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exchange %s %s: %w", c.baseURL, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("read %s reply: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		re := &ReplyError{Status: resp.StatusCode, Body: body}
		var envelope struct {
			Code taler.ErrorCode `json:"code"`
			Hint string          `json:"hint"`
		}
		if json.Unmarshal(body, &envelope) == nil {
			re.Code = envelope.Code
			re.Hint = envelope.Hint
		}
		return re
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}
