package pay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"merchantd/crypto"
	"merchantd/instance"
	"merchantd/longpoll"
	"merchantd/storage"
	"merchantd/taler"
)

// maxPollTimeout bounds how long a single poll-payment request may park.
const maxPollTimeout = 10 * time.Minute

// PollRequest are the parameters of a poll-payment call. BaseURL is the
// merchant's public base URL as seen by the client; it feeds the payment
// URI in unpaid replies.
type PollRequest struct {
	OrderID   string
	HContract string
	SessionID string
	Timeout   time.Duration
	MinRefund *taler.Amount
	BaseURL   string
}

// PollResult is the poll-payment reply body.
type PollResult struct {
	Paid               bool          `json:"paid"`
	Refunded           bool          `json:"refunded,omitempty"`
	RefundAmount       *taler.Amount `json:"refund_amount,omitempty"`
	AlreadyPaidOrderID string        `json:"already_paid_order_id,omitempty"`
	TalerPayURI        string        `json:"taler_pay_uri,omitempty"`
	ContractURL        string        `json:"contract_url,omitempty"`
}

// pollState is one evaluation of the order's payment status. done means the
// reply is final; otherwise result is the answer to give when the poll
// deadline passes and minRefund annotates the waiting slot.
type pollState struct {
	done      bool
	result    *PollResult
	minRefund *taler.Amount
}

// Poll reports whether the order is paid, optionally parking the request
// until a payment or a sufficient refund arrives. The wait is bounded by
// the request timeout; wake-ups re-check the database before replying.
func (e *Engine) Poll(ctx context.Context, inst *instance.Instance, req PollRequest) (*PollResult, error) {
	if req.OrderID == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "order_id is required")
	}
	if req.HContract == "" {
		return nil, taler.NewError(taler.CodeParameterMissing, http.StatusBadRequest, "h_contract is required")
	}

	timeout := req.Timeout
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	deadline := e.nowFn().Add(timeout)
	payKey := crypto.PayKey(req.OrderID, inst.Pub).String()

	for {
		st, err := e.pollOnce(ctx, inst, req)
		if err != nil {
			return nil, err
		}
		if st.done {
			return st.result, nil
		}
		remaining := deadline.Sub(e.nowFn())
		if remaining <= 0 {
			return st.result, nil
		}

		w := e.waits.Register(payKey, st.minRefund)
		// A wake may have fired between the check above and the slot
		// registration; re-check before committing to sleep.
		st, err = e.pollOnce(ctx, inst, req)
		if err != nil {
			w.Cancel()
			return nil, err
		}
		if st.done {
			w.Cancel()
			return st.result, nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		ev, werr := w.Wait(waitCtx)
		cancel()
		if werr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Wait window exhausted; answer with the current state.
			st, err = e.pollOnce(ctx, inst, req)
			if err != nil {
				return nil, err
			}
			return st.result, nil
		}
		if ev.Kind == longpoll.EventSysErr {
			return nil, taler.NewError(taler.CodeShuttingDown, http.StatusServiceUnavailable, "shutting down")
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, inst *instance.Instance, req PollRequest) (pollState, error) {
	rec, err := e.store.LookupContract(ctx, inst.Pub.String(), req.OrderID)
	switch {
	case storage.IsNotFound(err):
		return pollState{}, taler.Errorf(taler.CodeProposalNotFound, http.StatusNotFound,
			"order %q is unknown or was never claimed", req.OrderID)
	case err != nil:
		return pollState{}, dbError(err)
	}
	if rec.HContract != req.HContract {
		return pollState{}, taler.NewError(taler.CodePollHashMismatch, http.StatusBadRequest,
			"h_contract does not match the order's contract terms")
	}
	var contract contractData
	if err := json.Unmarshal(rec.ContractJSON, &contract); err != nil {
		return pollState{}, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError,
			"stored contract unreadable: %v", err)
	}

	paid := rec.Paid
	if req.SessionID != "" {
		bound, err := e.store.LookupSession(ctx, req.SessionID, contract.FulfillmentURL, inst.Pub.String())
		switch {
		case storage.IsNotFound(err):
			paid = false
		case err != nil:
			return pollState{}, dbError(err)
		case bound == req.OrderID:
			paid = true
		default:
			// The session already paid for this fulfillment URL under
			// another order; the frontend should redirect there.
			return pollState{done: true, result: &PollResult{
				AlreadyPaidOrderID: bound,
				TalerPayURI:        payURI(req),
				ContractURL:        contractURL(req),
			}}, nil
		}
	}

	if !paid {
		return pollState{result: &PollResult{
			TalerPayURI: payURI(req),
			ContractURL: contractURL(req),
		}}, nil
	}

	total, err := e.store.RefundTotal(ctx, rec.HContract, contract.Amount.Currency)
	if err != nil {
		return pollState{}, dbError(err)
	}
	res := &PollResult{Paid: true}
	if !total.IsZero() {
		res.Refunded = true
		res.RefundAmount = &total
	}
	if req.MinRefund != nil {
		c, cmpErr := total.Cmp(*req.MinRefund)
		if cmpErr != nil {
			return pollState{}, taler.NewError(taler.CodeCurrencyMismatch, http.StatusBadRequest,
				"refund threshold currency does not match the contract")
		}
		if c < 0 {
			return pollState{result: res, minRefund: req.MinRefund}, nil
		}
	}
	return pollState{done: true, result: res}, nil
}

// payURI renders the wallet-facing payment URI:
// taler://pay/<authority>/<order_id>[/<session_id>].
func payURI(req PollRequest) string {
	authority := strings.TrimPrefix(req.BaseURL, "https://")
	authority = strings.TrimPrefix(authority, "http://")
	authority = strings.TrimSuffix(authority, "/")
	uri := fmt.Sprintf("taler://pay/%s/%s", authority, url.PathEscape(req.OrderID))
	if req.SessionID != "" {
		uri += "/" + url.PathEscape(req.SessionID)
	}
	return uri
}

func contractURL(req PollRequest) string {
	return fmt.Sprintf("%s/public/proposal?order_id=%s",
		strings.TrimSuffix(req.BaseURL, "/"), url.QueryEscape(req.OrderID))
}
