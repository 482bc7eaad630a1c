package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"merchantd/taler"
)

// maxBodyBytes bounds request bodies. Pay requests carry up to 1024 coins
// and pickup requests up to 1024 blinded planchets, so the cap is generous.
const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeTalerError renders the uniform error envelope: code and hint at the
// top level with any extra fields merged alongside them.
func writeTalerError(w http.ResponseWriter, te *taler.Error) {
	body := map[string]any{
		"code": te.Code,
		"hint": te.Hint,
	}
	for key, value := range te.Extra {
		body[key] = value
	}
	writeJSON(w, te.Status, body)
}

// fail translates err into an error reply. Engine errors carry their own
// code and status; anything else is masked as an internal failure and
// logged with the request route so operators can chase it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if te, ok := taler.AsError(err); ok {
		if te.Status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "path", r.URL.Path, "code", int(te.Code), "error", err)
		}
		writeTalerError(w, te)
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeTalerError(w, taler.NewError(taler.CodeInternalError, http.StatusInternalServerError, "internal error"))
}

// decodeBody parses a JSON request body into dst, rejecting bodies that are
// oversized, empty, or carry trailing garbage.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return taler.NewError(taler.CodeInvalidRequest, http.StatusBadRequest, "request body required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return taler.NewError(taler.CodeInvalidRequest, http.StatusRequestEntityTooLarge, "request body too large")
		}
		return taler.Errorf(taler.CodeInvalidRequest, http.StatusBadRequest, "malformed JSON body: %v", err)
	}
	if dec.More() {
		return taler.NewError(taler.CodeInvalidRequest, http.StatusBadRequest, "trailing data after JSON body")
	}
	return nil
}

func missingParam(name string) error {
	return taler.Errorf(taler.CodeParameterMissing, http.StatusBadRequest, "%s required", name)
}

func malformedParam(name string) error {
	return taler.Errorf(taler.CodeParameterMalformed, http.StatusBadRequest, "%s malformed", name)
}
