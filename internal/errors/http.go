package errors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the response status code. Unclassified errors
// map to 500 so unexpected failures never leak detail through a 4xx body.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindCypherValidation, KindPromptInjection:
		return http.StatusBadRequest
	case KindInvalidToken:
		return http.StatusUnauthorized
	case KindNotFound, KindUnknownTenant:
		return http.StatusNotFound
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindAuthConfiguration, KindStore:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindACLCoverage, KindRegistry, KindInternal, KindLLM:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message safe to echo to a client. Coverage and
// injection failures get a fixed generic body; everything else uses the
// error's own message, which by construction never contains cypher or
// secrets.
func ClientMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	switch e.Kind {
	case KindACLCoverage, KindInternal, KindRegistry:
		return "internal server error"
	case KindPromptInjection:
		return "request content was rejected by policy"
	default:
		return e.Message
	}
}
