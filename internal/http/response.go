// Package http is the REST surface of the delivery platform: tenant-facing
// email, queue and suppression APIs, the admin surface, the feedback ingress
// and the unauthenticated tracking endpoints.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sendline/sendline/internal/domain"
)

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a domain error to its HTTP status, code and envelope.
// Rate limit failures also carry Retry-After and X-RateLimit headers.
func writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	detail := errorDetail{Code: code, Message: err.Error()}

	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		detail.Details = validation.Details
		detail.Message = validation.Message
	}

	var rateLimit *domain.RateLimitError
	if errors.As(err, &rateLimit) {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimit.RetryAfter))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateLimit.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		if rateLimit.ResetAt > 0 {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rateLimit.ResetAt, 10))
		}
	}

	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs, not on the wire.
		detail.Message = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func statusForCode(code string) int {
	switch code {
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound, domain.CodeQueueNotFound:
		return http.StatusNotFound
	case domain.CodeValidationError, domain.CodeEmailSuppressed:
		return http.StatusBadRequest
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case domain.CodeQueuePaused:
		return http.StatusServiceUnavailable
	case domain.CodeSMTPError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// listResponse is the common cursor-paged collection envelope.
type listResponse struct {
	Data       interface{} `json:"data"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func writeList(w http.ResponseWriter, data interface{}, next *domain.Cursor) {
	resp := listResponse{Data: data}
	if next != nil {
		resp.NextCursor = next.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseCursor decodes the cursor query parameter, tolerating absence.
func parseCursor(r *http.Request) (*domain.Cursor, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return nil, nil
	}
	cursor, err := domain.DecodeCursor(raw)
	if err != nil {
		return nil, domain.NewFieldValidationError("cursor", "malformed cursor")
	}
	return cursor, nil
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
