// Package errors provides the unified error taxonomy for the retrieval
// orchestrator. Every component boundary surfaces one of these typed
// variants; HTTP mapping lives in http.go so handlers never switch on
// error strings.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for handling and HTTP mapping.
type Kind string

const (
	// Request-side failures.
	KindValidation       Kind = "VALIDATION"
	KindCypherValidation Kind = "CYPHER_VALIDATION"
	KindPromptInjection  Kind = "PROMPT_INJECTION"
	KindInvalidToken     Kind = "INVALID_TOKEN"
	KindNotFound         Kind = "NOT_FOUND"
	KindUnknownTenant    Kind = "UNKNOWN_TENANT"
	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"

	// Service-side failures.
	KindACLCoverage       Kind = "ACL_COVERAGE"
	KindAuthConfiguration Kind = "AUTH_CONFIGURATION"
	KindCircuitOpen       Kind = "CIRCUIT_OPEN"
	KindRegistry          Kind = "REGISTRY_UNAVAILABLE"
	KindStore             Kind = "STORE"
	KindLLM               Kind = "LLM"
	KindInternal          Kind = "INTERNAL"
	KindTimeout           Kind = "TIMEOUT"
)

// Severity drives log level selection for surfaced errors.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Error is the single error type used across the service. It carries the
// classification, a stable code for programmatic handling, and operational
// context (operation, tenant, retry metadata).
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	Severity   Severity      `json:"severity"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Kind, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Builder provides fluent construction of Error values.
type Builder struct {
	err *Error
}

// New starts a builder for the given kind, code and message.
func New(kind Kind, code, message string) *Builder {
	return &Builder{err: &Error{
		Kind:     kind,
		Code:     code,
		Message:  message,
		Severity: SeverityMedium,
	}}
}

// WithDetails adds free-form detail text.
func (b *Builder) WithDetails(details string) *Builder {
	b.err.Details = details
	return b
}

// WithOperation records the operation that failed.
func (b *Builder) WithOperation(op string) *Builder {
	b.err.Operation = op
	return b
}

// WithResource records the resource being operated on.
func (b *Builder) WithResource(resource string) *Builder {
	b.err.Resource = resource
	return b
}

// WithTenant records the tenant the failure belongs to.
func (b *Builder) WithTenant(tenantID string) *Builder {
	b.err.TenantID = tenantID
	return b
}

// WithRequestID records the request correlation id.
func (b *Builder) WithRequestID(id string) *Builder {
	b.err.RequestID = id
	return b
}

// WithSeverity overrides the default severity.
func (b *Builder) WithSeverity(s Severity) *Builder {
	b.err.Severity = s
	return b
}

// WithCause attaches the underlying error.
func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// WithRetryAfter marks the error retryable with a wait hint.
func (b *Builder) WithRetryAfter(d time.Duration) *Builder {
	b.err.RetryAfter = d
	b.err.Retryable = true
	return b
}

// Retryable marks the error retryable.
func (b *Builder) Retryable() *Builder {
	b.err.Retryable = true
	return b
}

// Build returns the constructed Error.
func (b *Builder) Build() *Error {
	return b.err
}

// Convenience constructors. Each fixes the kind and the default severity so
// call sites only supply code and message.

// Validation creates a request validation error.
func Validation(code, message string) *Builder {
	return New(KindValidation, code, message).WithSeverity(SeverityLow)
}

// CypherValidation creates a query security gate rejection.
func CypherValidation(code, message string) *Builder {
	return New(KindCypherValidation, code, message).WithSeverity(SeverityLow)
}

// PromptInjection creates a guardrail block error. The message is what the
// client sees; keep it generic and log the classification separately.
func PromptInjection(code, message string) *Builder {
	return New(KindPromptInjection, code, message).WithSeverity(SeverityMedium)
}

// InvalidToken creates an authentication failure.
func InvalidToken(code, message string) *Builder {
	return New(KindInvalidToken, code, message).WithSeverity(SeverityLow)
}

// NotFound creates a missing-resource error.
func NotFound(code, message string) *Builder {
	return New(KindNotFound, code, message).WithSeverity(SeverityLow)
}

// UnknownTenant creates a fail-closed tenant lookup error.
func UnknownTenant(code, message string) *Builder {
	return New(KindUnknownTenant, code, message).WithSeverity(SeverityMedium)
}

// QuotaExceeded creates a tenant quota rejection.
func QuotaExceeded(code, message string) *Builder {
	return New(KindQuotaExceeded, code, message).WithSeverity(SeverityLow).Retryable()
}

// ACLCoverage creates a rewriter post-verification failure. The query body
// must never be placed in the message or details.
func ACLCoverage(code, message string) *Builder {
	return New(KindACLCoverage, code, message).WithSeverity(SeverityCritical)
}

// AuthConfiguration creates a fail-closed auth misconfiguration error.
func AuthConfiguration(code, message string) *Builder {
	return New(KindAuthConfiguration, code, message).WithSeverity(SeverityCritical)
}

// CircuitOpen creates a breaker rejection with a retry hint.
func CircuitOpen(code, message string, retryAfter time.Duration) *Builder {
	return New(KindCircuitOpen, code, message).
		WithSeverity(SeverityMedium).
		WithRetryAfter(retryAfter)
}

// Registry creates a tenant registry availability error.
func Registry(code, message string) *Builder {
	return New(KindRegistry, code, message).WithSeverity(SeverityHigh)
}

// Store creates a graph/vector/key-value store failure.
func Store(code, message string) *Builder {
	return New(KindStore, code, message).WithSeverity(SeverityHigh).Retryable()
}

// LLM creates a provider failure that the fallback chain handles.
func LLM(code, message string) *Builder {
	return New(KindLLM, code, message).WithSeverity(SeverityMedium).Retryable()
}

// Internal creates an unclassified internal error.
func Internal(code, message string) *Builder {
	return New(KindInternal, code, message).WithSeverity(SeverityHigh)
}

// Timeout creates a deadline error.
func Timeout(code, message string) *Builder {
	return New(KindTimeout, code, message).WithSeverity(SeverityMedium).Retryable()
}

// IsKind checks whether err is an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool { return IsKind(err, KindCircuitOpen) }

// IsCypherValidation reports whether err is a query gate rejection.
func IsCypherValidation(err error) bool { return IsKind(err, KindCypherValidation) }

// IsQuotaExceeded reports whether err is a tenant quota rejection.
func IsQuotaExceeded(err error) bool { return IsKind(err, KindQuotaExceeded) }

// IsLLM reports whether err is a provider failure.
func IsLLM(err error) bool { return IsKind(err, KindLLM) }

// IsRetryable reports whether the operation may be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf returns the stable code carried by err, or empty for foreign
// errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RetryAfter returns the wait hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Wrap wraps an error with operation context, preserving the kind of an
// existing Error and classifying foreign errors as internal.
func Wrap(err error, operation, message string) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Kind:       existing.Kind,
			Code:       existing.Code,
			Message:    message,
			Details:    existing.Message,
			Operation:  operation,
			Resource:   existing.Resource,
			TenantID:   existing.TenantID,
			RequestID:  existing.RequestID,
			Severity:   existing.Severity,
			Retryable:  existing.Retryable,
			RetryAfter: existing.RetryAfter,
			Cause:      err,
		}
	}
	return &Error{
		Kind:      KindInternal,
		Code:      "WRAPPED",
		Message:   message,
		Details:   err.Error(),
		Operation: operation,
		Severity:  SeverityMedium,
		Cause:     err,
	}
}
