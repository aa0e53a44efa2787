package taxonomy

import (
	"net/http"
	"strings"
)

// Category groups codes by the layer that produced the failure.
type Category string

const (
	// CategoryAuth covers authentication and authorization failures.
	CategoryAuth Category = "auth"
	// CategoryValidation covers malformed or incomplete input.
	CategoryValidation Category = "validation"
	// CategoryBusiness covers domain rule violations.
	CategoryBusiness Category = "business"
	// CategorySystem covers infrastructure and dependency failures.
	CategorySystem Category = "system"
)

// Severity ranks how urgently an error needs operator attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Code is a machine-readable, category-prefixed error code.
type Code string

const (
	// Auth errors.

	CodeUnauthorized       Code = "AUTH_UNAUTHORIZED"
	CodeInvalidCredentials Code = "AUTH_INVALID_CREDENTIALS"
	CodeForbidden          Code = "AUTH_FORBIDDEN"
	CodeTokenExpired       Code = "AUTH_TOKEN_EXPIRED"
	CodeTokenInvalid       Code = "AUTH_TOKEN_INVALID"
	CodeAccountLocked      Code = "AUTH_ACCOUNT_LOCKED"

	// Validation errors.

	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeRequiredField    Code = "VALIDATION_REQUIRED_FIELD"
	CodeInvalidFormat    Code = "VALIDATION_INVALID_FORMAT"
	CodeOutOfRange       Code = "VALIDATION_OUT_OF_RANGE"

	// Business errors.

	CodeNotFound               Code = "BUSINESS_NOT_FOUND"
	CodeAlreadyExists          Code = "BUSINESS_ALREADY_EXISTS"
	CodeInvalidStateTransition Code = "BUSINESS_INVALID_STATE_TRANSITION"
	CodeQuotaExceeded          Code = "BUSINESS_QUOTA_EXCEEDED"
	CodeCommandRejected        Code = "BUSINESS_COMMAND_REJECTED"

	// System errors.

	CodeDatabase           Code = "SYSTEM_DATABASE_ERROR"
	CodeNetwork            Code = "SYSTEM_NETWORK_ERROR"
	CodeTimeout            Code = "SYSTEM_TIMEOUT"
	CodeRateLimit          Code = "SYSTEM_RATE_LIMIT"
	CodeServiceUnavailable Code = "SYSTEM_SERVICE_UNAVAILABLE"
	CodeExternalService    Code = "SYSTEM_EXTERNAL_SERVICE_ERROR"
	CodeCircuitOpen        Code = "SYSTEM_CIRCUIT_OPEN"
	CodeInternal           Code = "SYSTEM_INTERNAL_ERROR"
	CodeUnknown            Code = "SYSTEM_UNKNOWN"
)

// codeDefaults holds the per-code defaults applied at construction.
type codeDefaults struct {
	category  Category
	severity  Severity
	status    int
	retryable bool
}

var knownCodes = map[Code]codeDefaults{
	CodeUnauthorized:       {CategoryAuth, SeverityMedium, http.StatusUnauthorized, false},
	CodeInvalidCredentials: {CategoryAuth, SeverityMedium, http.StatusUnauthorized, false},
	CodeForbidden:          {CategoryAuth, SeverityHigh, http.StatusForbidden, false},
	CodeTokenExpired:       {CategoryAuth, SeverityLow, http.StatusUnauthorized, false},
	CodeTokenInvalid:       {CategoryAuth, SeverityMedium, http.StatusUnauthorized, false},
	CodeAccountLocked:      {CategoryAuth, SeverityHigh, http.StatusLocked, false},

	CodeValidationFailed: {CategoryValidation, SeverityLow, http.StatusBadRequest, false},
	CodeRequiredField:    {CategoryValidation, SeverityLow, http.StatusBadRequest, false},
	CodeInvalidFormat:    {CategoryValidation, SeverityLow, http.StatusBadRequest, false},
	CodeOutOfRange:       {CategoryValidation, SeverityLow, http.StatusBadRequest, false},

	CodeNotFound:               {CategoryBusiness, SeverityLow, http.StatusNotFound, false},
	CodeAlreadyExists:          {CategoryBusiness, SeverityLow, http.StatusConflict, false},
	CodeInvalidStateTransition: {CategoryBusiness, SeverityMedium, http.StatusConflict, false},
	CodeQuotaExceeded:          {CategoryBusiness, SeverityMedium, http.StatusForbidden, false},
	CodeCommandRejected:        {CategoryBusiness, SeverityMedium, http.StatusUnprocessableEntity, false},

	CodeDatabase:           {CategorySystem, SeverityCritical, http.StatusInternalServerError, true},
	CodeNetwork:            {CategorySystem, SeverityHigh, http.StatusBadGateway, true},
	CodeTimeout:            {CategorySystem, SeverityHigh, http.StatusGatewayTimeout, true},
	CodeRateLimit:          {CategorySystem, SeverityMedium, http.StatusTooManyRequests, true},
	CodeServiceUnavailable: {CategorySystem, SeverityHigh, http.StatusServiceUnavailable, true},
	CodeExternalService:    {CategorySystem, SeverityHigh, http.StatusBadGateway, true},
	CodeCircuitOpen:        {CategorySystem, SeverityHigh, http.StatusServiceUnavailable, false},
	CodeInternal:           {CategorySystem, SeverityCritical, http.StatusInternalServerError, false},
	CodeUnknown:            {CategorySystem, SeverityHigh, http.StatusInternalServerError, false},
}

// lookup returns the defaults for a code. Codes outside the known set derive
// their category from the prefix and are never retryable.
func (c Code) lookup() codeDefaults {
	if d, ok := knownCodes[c]; ok {
		return d
	}

	category := CategorySystem
	prefix, _, _ := strings.Cut(string(c), "_")
	switch prefix {
	case "AUTH":
		category = CategoryAuth
	case "VALIDATION":
		category = CategoryValidation
	case "BUSINESS":
		category = CategoryBusiness
	}

	return categoryDefaults(category)
}

func categoryDefaults(category Category) codeDefaults {
	switch category {
	case CategoryAuth:
		return codeDefaults{CategoryAuth, SeverityMedium, http.StatusUnauthorized, false}
	case CategoryValidation:
		return codeDefaults{CategoryValidation, SeverityLow, http.StatusBadRequest, false}
	case CategoryBusiness:
		return codeDefaults{CategoryBusiness, SeverityMedium, http.StatusUnprocessableEntity, false}
	default:
		return codeDefaults{CategorySystem, SeverityHigh, http.StatusInternalServerError, false}
	}
}

// Category returns the default category of the code.
func (c Code) Category() Category {
	return c.lookup().category
}

// Severity returns the default severity of the code.
func (c Code) Severity() Severity {
	return c.lookup().severity
}

// HTTPStatus returns the default HTTP status code of the code.
func (c Code) HTTPStatus() int {
	return c.lookup().status
}

// Retryable reports whether errors with this code are retryable by default.
func (c Code) Retryable() bool {
	return c.lookup().retryable
}

// Known reports whether the code belongs to the built-in set.
func (c Code) Known() bool {
	_, ok := knownCodes[c]
	return ok
}
