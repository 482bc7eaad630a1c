package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"merchantd/taler"
)

type createOrderRequest struct {
	Instance          string            `json:"instance"`
	Order             json.RawMessage   `json:"order"`
	InventoryProducts []json.RawMessage `json:"inventory_products"`
	LockUUIDs         []string          `json:"lock_uuids"`
}

// handleCreateOrder stores a new order for the instance and answers with
// the (possibly generated) order id.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	inst, err := s.resolveInstance(req.Instance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Order) == 0 {
		s.fail(w, r, missingParam("order"))
		return
	}
	rawOrder := req.Order
	if len(req.InventoryProducts) > 0 || len(req.LockUUIDs) > 0 {
		rawOrder, err = attachInventory(req.Order, req.InventoryProducts, req.LockUUIDs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}
	orderID, err := s.engines.Orders.Create(r.Context(), inst, rawOrder)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID})
}

// attachInventory folds the request-level inventory fields into the order
// document. Lock tokens must at least be well-formed UUIDs; a separate
// inventory service interprets them once the order is paid.
func attachInventory(rawOrder json.RawMessage, products []json.RawMessage, locks []string) (json.RawMessage, error) {
	for _, lock := range locks {
		if _, err := uuid.Parse(lock); err != nil {
			return nil, taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest,
				"lock_uuids entry %q is not a UUID", lock)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(rawOrder))
	dec.UseNumber()
	var terms map[string]any
	if err := dec.Decode(&terms); err != nil {
		return nil, taler.Errorf(taler.CodeInvalidRequest, http.StatusBadRequest,
			"order must be a JSON object: %v", err)
	}
	if len(products) > 0 {
		terms["inventory_products"] = products
	}
	if len(locks) > 0 {
		terms["lock_uuids"] = locks
	}
	out, err := json.Marshal(terms)
	if err != nil {
		return nil, taler.Errorf(taler.CodeInternalError, http.StatusInternalServerError,
			"re-encode order: %v", err)
	}
	return out, nil
}

// handleProposal hands out the signed contract for an order, upgrading the
// bare order on the first claim. The nonce binds the contract to one wallet.
func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request) {
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
	prop, err := s.engines.Orders.LookupProposal(r.Context(), inst, orderID, q.Get("nonce"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contract_terms": prop.ContractTerms,
		"sig":            prop.MerchantSig,
	})
}
