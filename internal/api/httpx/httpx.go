package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
)

type APIError struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, msg string, details interface{}) {
	WriteJSON(w, status, APIError{
		Error:   msg,
		Code:    code,
		Details: details,
	})
}

// WriteRaw writes an already encoded JSON body, e.g. a replayed response.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// detailer is implemented by errors that carry per-field details.
type detailer interface {
	Details() interface{}
}

// StatusFor maps a service error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, apperr.ErrUpstreamQuote):
		return http.StatusBadGateway, "upstream_quote_error"
	case errors.Is(err, apperr.ErrUpstreamSwap):
		return http.StatusBadGateway, "upstream_swap_error"
	case errors.Is(err, apperr.ErrUpstreamAuthorization):
		return http.StatusBadGateway, "upstream_authorization_error"
	case errors.Is(err, apperr.ErrUpstreamTransfer):
		return http.StatusBadGateway, "upstream_transfer_error"
	case errors.Is(err, apperr.ErrIdempotencyInProgress):
		return http.StatusConflict, "idempotency_in_progress"
	case errors.Is(err, apperr.ErrStaleTransition):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ErrorBody renders err the way WriteErr does, for responses that are stored
// before they are sent.
func ErrorBody(err error) (int, []byte) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	var details interface{}
	var d detailer
	if errors.As(err, &d) {
		details = d.Details()
	}
	b, _ := json.Marshal(APIError{Error: msg, Code: code, Details: details})
	return status, b
}

// WriteErr writes err with the status StatusFor picks. Internal errors are
// not echoed to the client.
func WriteErr(w http.ResponseWriter, err error) {
	status, body := ErrorBody(err)
	if errors.Is(err, apperr.ErrIdempotencyInProgress) {
		w.Header().Set("Retry-After", "1")
	}
	WriteRaw(w, status, body)
}

// Marshal encodes v the way WriteJSON does.
func Marshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return append(b, '\n')
}
