package server

import (
	"net/http"

	"merchantd/taler"
)

type refundIncreaseRequest struct {
	Instance string       `json:"instance"`
	OrderID  string       `json:"order_id"`
	Refund   taler.Amount `json:"refund"`
	Reason   string       `json:"reason"`
}

// handleRefundIncrease raises the refund granted on a paid order and answers
// with the full set of signed refund permissions.
func (s *Server) handleRefundIncrease(w http.ResponseWriter, r *http.Request) {
	var req refundIncreaseRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	inst, err := s.resolveInstance(req.Instance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engines.Refunds.Increase(r.Context(), inst, req.OrderID, req.Refund, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRefundLookup serves the signed refund permissions granted so far on
// an order, so wallets can collect them after the fact.
func (s *Server) handleRefundLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inst, err := s.resolveInstance(q.Get("instance"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	orderID := q.Get("order_id")
	if orderID == "" {
		s.fail(w, r, missingParam("order_id"))
		return
	}
	res, err := s.engines.Refunds.Lookup(r.Context(), inst, orderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
