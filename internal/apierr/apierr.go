// Package apierr maps the error taxonomy to HTTP responses and back.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/ledger"
	"github.com/ddworken/lookupguard/internal/providers"
)

const (
	CodeBadRequest         = "bad_request"
	CodeAddressUnavailable = "address_unavailable"
	CodeIdentityRequired   = "identity_required"
	CodeUsernameTaken      = "username_taken"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeNoRecord           = "no_record"
	CodeNotFound           = "not_found"
	CodeAlreadyInterdicted = "already_interdicted"
	CodeProvider           = "provider_error"
	CodeStore              = "store_error"
	CodeUnauthorized       = "unauthorized"
	CodeInternal           = "internal"
)

// Response is the body of every failed API call.
type Response struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Responded bool   `json:"responded,omitempty"`
}

// BadRequest marks caller input that could not be used.
type BadRequest struct {
	Msg string
}

func (e *BadRequest) Error() string {
	return e.Msg
}

// Classify returns the status and body for err.
func Classify(err error) (int, Response) {
	resp := Response{Message: err.Error()}
	var badRequest *BadRequest
	var providerErr *providers.ProviderError
	var storeErr *database.StoreError
	switch {
	case errors.As(err, &badRequest):
		resp.Code = CodeBadRequest
		return http.StatusBadRequest, resp
	case errors.Is(err, identity.ErrAddressUnavailable):
		resp.Code = CodeAddressUnavailable
		return http.StatusForbidden, resp
	case errors.Is(err, identity.ErrIdentityRequired):
		resp.Code = CodeIdentityRequired
		return http.StatusForbidden, resp
	case errors.Is(err, identity.ErrUsernameTaken):
		resp.Code = CodeUsernameTaken
		return http.StatusConflict, resp
	case errors.Is(err, interdiction.ErrAlreadyInterdicted):
		resp.Code = CodeAlreadyInterdicted
		return http.StatusConflict, resp
	case errors.Is(err, ledger.ErrQuotaExceeded):
		resp.Code = CodeQuotaExceeded
		return http.StatusTooManyRequests, resp
	case errors.Is(err, ledger.ErrNoRecord):
		resp.Code = CodeNoRecord
		return http.StatusNotFound, resp
	case errors.Is(err, database.ErrNotFound):
		resp.Code = CodeNotFound
		return http.StatusNotFound, resp
	case errors.As(err, &providerErr):
		resp.Code = CodeProvider
		resp.Message = providerErr.Message
		resp.Provider = providerErr.Provider
		resp.Responded = providerErr.Responded
		return http.StatusBadGateway, resp
	case errors.As(err, &storeErr):
		resp.Code = CodeStore
		return http.StatusServiceUnavailable, resp
	default:
		resp.Code = CodeInternal
		return http.StatusInternalServerError, resp
	}
}

func Write(w http.ResponseWriter, err error) {
	status, resp := Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Decode turns a failed API response back into an error that matches the taxonomy with errors.Is
// and errors.As.
func Decode(status int, body []byte) error {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil || resp.Code == "" {
		return &remoteError{status: status, msg: string(body)}
	}
	var sentinel error
	switch resp.Code {
	case CodeAddressUnavailable:
		sentinel = identity.ErrAddressUnavailable
	case CodeIdentityRequired:
		sentinel = identity.ErrIdentityRequired
	case CodeUsernameTaken:
		sentinel = identity.ErrUsernameTaken
	case CodeQuotaExceeded:
		sentinel = ledger.ErrQuotaExceeded
	case CodeNoRecord:
		sentinel = ledger.ErrNoRecord
	case CodeNotFound:
		sentinel = database.ErrNotFound
	case CodeAlreadyInterdicted:
		sentinel = interdiction.ErrAlreadyInterdicted
	case CodeProvider:
		return &providers.ProviderError{Provider: resp.Provider, Message: resp.Message, Responded: resp.Responded}
	case CodeStore:
		return database.NewStoreError("remote", &remoteError{status: status, msg: resp.Message})
	case CodeBadRequest:
		return &BadRequest{Msg: resp.Message}
	default:
		return &remoteError{status: status, msg: resp.Message}
	}
	return &remoteError{status: status, msg: resp.Message, sentinel: sentinel}
}

type remoteError struct {
	status   int
	msg      string
	sentinel error
}

func (e *remoteError) Error() string {
	if e.msg == "" {
		return http.StatusText(e.status)
	}
	return e.msg
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}
