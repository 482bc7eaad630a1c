package server

import (
	"net/http"

	"merchantd/taler"
	"merchantd/tip"
)

type tipAuthorizeRequest struct {
	Instance      string       `json:"instance"`
	Amount        taler.Amount `json:"amount"`
	Justification string       `json:"justification"`
}

// handleTipAuthorize sets money aside from the instance's tip reserve and
// answers with the tip id the customer redeems later.
func (s *Server) handleTipAuthorize(w http.ResponseWriter, r *http.Request) {
	var req tipAuthorizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	inst, err := s.resolveInstance(req.Instance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engines.Tips.Authorize(r.Context(), inst, req.Amount, req.Justification)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tipPickupRequest struct {
	TipID     string         `json:"tip_id"`
	Planchets []tip.Planchet `json:"planchets"`
}

// handleTipPickup turns an authorized tip into reserve-signed withdraw
// permissions. The tip id addresses the authorization globally, so no
// instance parameter is needed.
func (s *Server) handleTipPickup(w http.ResponseWriter, r *http.Request) {
	var req tipPickupRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engines.Tips.Pickup(r.Context(), req.TipID, req.Planchets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTipStatus serves the public metadata of a tip so a wallet can show
// the amount and expiry before picking it up.
func (s *Server) handleTipStatus(w http.ResponseWriter, r *http.Request) {
	tipID := r.URL.Query().Get("tip_id")
	if tipID == "" {
		s.fail(w, r, missingParam("tip_id"))
		return
	}
	res, err := s.engines.Tips.Lookup(r.Context(), tipID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTipQuery reports the instance's tip reserve balance to the operator.
func (s *Server) handleTipQuery(w http.ResponseWriter, r *http.Request) {
	inst, err := s.resolveInstance(r.URL.Query().Get("instance"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.engines.Tips.Query(r.Context(), inst)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
