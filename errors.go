package main

import (
	"net/http"

	"github.com/example/tokenkeeper/internal/lifecycle"
)

// APIError represents a standardized API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"error_message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a standardized success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// writeTokenError maps a lifecycle failure to a response. Every token problem
// collapses to the same 401 so clients cannot probe why a token was refused.
// wrongKindStatus lets refresh and logout answer 400 for an access token.
func writeTokenError(w http.ResponseWriter, err error, wrongKindStatus int) {
	switch lifecycle.KindOf(err) {
	case lifecycle.KindWrongKind:
		writeError(w, wrongKindStatus, "INVALID_TOKEN_TYPE", "Invalid token type")
	case lifecycle.KindMalformed, lifecycle.KindBadSignature, lifecycle.KindExpired, lifecycle.KindInvalidOrRevoked:
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or revoked token")
	case lifecycle.KindStorageUnavailable:
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Token store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error")
	}
}
