// Package proxyerr defines the closed error taxonomy surfaced to clients
// and implements huma.StatusError so handlers can return it directly.
// Adapted from the teacher's internal/llm/errors.go + error_utils.go
// pattern: sentinel kinds first, status-code classification second,
// message-substring refinement last.
package proxyerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of error types in the response envelope's "type" field.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request_error"
	KindInvalidModel      Kind = "invalid_model"
	KindUpstreamAuth      Kind = "upstream_auth_error"
	KindUpstreamError     Kind = "upstream_error"
	KindRateLimit         Kind = "rate_limit_exceeded"
	KindInsufficientQuota Kind = "insufficient_quota"
	KindTokenAlreadySpent Kind = "token_already_spent"
	KindInvalidToken      Kind = "invalid_token"
	KindMintError         Kind = "mint_error"
	KindCashuError        Kind = "cashu_error"
	KindInternalError     Kind = "internal_error"
	KindNotImplemented    Kind = "not_implemented"
)

// Error is the proxy's error type. It implements huma.StatusError
// (Error() string, GetStatus() int) so it can be returned directly from
// an operation handler and huma will render the envelope.
type Error struct {
	Status             int
	Kind               Kind
	Code               string
	Message            string
	AmountRequiredMsat *int64
	CorrelationID      string
	Err                error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s (correlation_id=%s)", e.Message, e.CorrelationID)
	}
	return e.Message
}

// GetStatus satisfies huma.StatusError.
func (e *Error) GetStatus() int { return e.Status }

func (e *Error) Unwrap() error { return e.Err }

// Body is the JSON-serializable error envelope from spec §6/§7.
type Body struct {
	Error BodyDetail `json:"error"`
}

// BodyDetail is the nested "error" object.
type BodyDetail struct {
	Message            string `json:"message"`
	Type               string `json:"type"`
	Code               string `json:"code,omitempty"`
	AmountRequiredMsat *int64 `json:"amount_required_msat,omitempty"`
}

// Body renders the client-facing envelope.
func (e *Error) Body() Body {
	return Body{Error: BodyDetail{
		Message:            e.Message,
		Type:               string(e.Kind),
		Code:               e.Code,
		AmountRequiredMsat: e.AmountRequiredMsat,
	}}
}

func newErr(status int, kind Kind, code, msg string) *Error {
	return &Error{Status: status, Kind: kind, Code: code, Message: msg}
}

// InvalidRequest is a 400 client-fault: malformed JSON, missing fields.
func InvalidRequest(msg string) *Error {
	return newErr(400, KindInvalidRequest, "invalid_request", msg)
}

// InvalidModel is a 400 client-fault: the requested model id has no match.
func InvalidModel(modelID string) *Error {
	return newErr(400, KindInvalidModel, "invalid_model", fmt.Sprintf("unknown model %q", modelID))
}

// UpstreamAuth is a 502 upstream-fault: our own credential to the upstream was rejected.
func UpstreamAuth(msg string) *Error {
	return newErr(502, KindUpstreamAuth, "upstream_auth_error", msg)
}

// UpstreamError is a 502 upstream-fault: any other non-2xx from upstream.
func UpstreamError(msg string) *Error {
	return newErr(502, KindUpstreamError, "upstream_error", msg)
}

// RateLimitExceeded is a 429 passthrough of the upstream's rate limit.
func RateLimitExceeded(msg string) *Error {
	return newErr(429, KindRateLimit, "rate_limit_exceeded", msg)
}

// InsufficientQuota is a 402 client-fault: a bearer key ran out of balance.
func InsufficientQuota() *Error {
	return newErr(402, KindInsufficientQuota, "insufficient_balance", "insufficient balance")
}

// MinimumBalanceRequired is a 413 client-fault for one-shot ecash tokens:
// the proxy tells the client exactly how much more it needs.
func MinimumBalanceRequired(amountRequiredMsat int64) *Error {
	e := newErr(413, KindInsufficientQuota, "minimum_balance_required", "minimum balance required")
	e.AmountRequiredMsat = &amountRequiredMsat
	return e
}

// TokenAlreadySpent is a payment-fault: the ecash token's secret was already redeemed.
func TokenAlreadySpent() *Error {
	return newErr(400, KindTokenAlreadySpent, "token_already_spent", "token already spent")
}

// InvalidToken is a payment-fault: the bearer credential could not be classified or decoded.
func InvalidToken(msg string) *Error {
	return newErr(401, KindInvalidToken, "invalid_api_key", msg)
}

// MintErr is a payment-fault: the wallet's mint operation failed.
func MintErr(msg string) *Error {
	return newErr(502, KindMintError, "mint_error", msg)
}

// CashuErr is a payment-fault: a Cashu-protocol-level error other than spent/invalid.
func CashuErr(msg string) *Error {
	return newErr(400, KindCashuError, "cashu_error", msg)
}

// NotImplemented is returned by payment methods reserved for the future
// (Lightning invoices, USDT custodial balances).
func NotImplemented(method string) *Error {
	return newErr(501, KindNotImplemented, "not_implemented", fmt.Sprintf("%s payment method not available yet", method))
}

// Internal is an our-fault error: the client sees only the correlation id.
func Internal(correlationID string, cause error) *Error {
	return &Error{
		Status:        500,
		Kind:          KindInternalError,
		Code:          "internal_error",
		Message:       "internal error",
		CorrelationID: correlationID,
		Err:           cause,
	}
}

// As is a thin errors.As wrapper for callers that want the typed error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// MapUpstreamStatus implements the C7 error-mapping rules from spec §4.7,
// applied in order, the first that matches wins.
func MapUpstreamStatus(status int, isChatPath bool, bodySnippet string) *Error {
	switch {
	case status == 400 || status == 422:
		return InvalidRequest("upstream rejected the request")
	case status == 401 || status == 403:
		return UpstreamAuth("upstream rejected our credentials")
	case status == 404:
		if isChatPath || strings.Contains(strings.ToLower(bodySnippet), "model") {
			return InvalidModel(extractModelHint(bodySnippet))
		}
		return UpstreamError("upstream returned 404")
	case status == 429:
		return RateLimitExceeded("upstream rate limit exceeded")
	case status >= 500:
		return UpstreamError("upstream returned a server error")
	default:
		return UpstreamError(fmt.Sprintf("upstream returned unexpected status %d", status))
	}
}

// MapUpstreamTransportError maps a network/timeout failure (no HTTP status
// at all) to the proxy error taxonomy.
func MapUpstreamTransportError(err error) *Error {
	return UpstreamError(fmt.Sprintf("upstream request failed: %v", err))
}

// extractModelHint is a best-effort extraction of a model id from an
// upstream error body, used only to produce a friendlier message.
func extractModelHint(bodySnippet string) string {
	if bodySnippet == "" {
		return "requested model"
	}
	return bodySnippet
}
