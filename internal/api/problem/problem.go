// SPDX-License-Identifier: MIT

// Package problem writes RFC 7807 error responses.
package problem

import (
	"encoding/json"
	"net/http"

	"github.com/tonehaven/tonehaven/internal/log"
)

// Details is the application/problem+json body. Code is a stable
// machine-readable identifier; clients switch on it, not on Detail.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Write emits a problem response, echoing the request id from the context.
func Write(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Details{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Code:      code,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}
