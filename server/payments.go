package server

import (
	"net/http"
	"strconv"
	"time"

	"merchantd/pay"
	"merchantd/taler"
)

type payHTTPRequest struct {
	Instance string `json:"instance"`
	pay.Request
}

// handlePay accepts a wallet's coins for an order, or aborts a partially
// paid one when mode is "abort".
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payHTTPRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	inst, err := s.resolveInstance(req.Instance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engines.Payments.Pay(r.Context(), inst, req.Request)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Aborted {
		writeJSON(w, http.StatusOK, map[string]any{
			"h_contract_terms":   res.HContract,
			"refund_permissions": res.Refunds,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"h_contract_terms": res.HContract,
		"sig":              res.MerchantSig,
	})
}

// handlePollPayment reports whether an order is paid, holding the request
// open for up to timeout seconds when it is not.
func (s *Server) handlePollPayment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inst, err := s.resolveInstance(q.Get("instance"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	req := pay.PollRequest{
		OrderID:   q.Get("order_id"),
		HContract: q.Get("h_contract"),
		SessionID: q.Get("session_id"),
		BaseURL:   requestBaseURL(r),
	}
	if raw := q.Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			s.fail(w, r, malformedParam("timeout"))
			return
		}
		req.Timeout = time.Duration(secs) * time.Second
	}
	if raw := q.Get("refund"); raw != "" {
		amount, err := taler.ParseAmount(raw)
		if err != nil {
			s.fail(w, r, malformedParam("refund"))
			return
		}
		req.MinRefund = &amount
	}

	res, err := s.engines.Payments.Poll(r.Context(), inst, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
