package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendline/sendline/internal/domain"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthorized", &domain.UnauthorizedError{Message: "nope"}, http.StatusUnauthorized, domain.CodeUnauthorized},
		{"forbidden", &domain.ForbiddenError{Message: "nope"}, http.StatusForbidden, domain.CodeForbidden},
		{"not found", &domain.ErrNotFound{Entity: "email", ID: "x"}, http.StatusNotFound, domain.CodeNotFound},
		{"queue not found", &domain.ErrNotFound{Entity: "queue", ID: "x"}, http.StatusNotFound, domain.CodeQueueNotFound},
		{"validation", domain.NewValidationError("bad"), http.StatusBadRequest, domain.CodeValidationError},
		{"conflict", &domain.ConflictError{Message: "dup"}, http.StatusConflict, domain.CodeConflict},
		{"queue paused", &domain.QueuePausedError{QueueName: "tx"}, http.StatusServiceUnavailable, domain.CodeQueuePaused},
		{"rate limited", &domain.RateLimitError{Scope: "apikey", Limit: 10, RetryAfter: 30}, http.StatusTooManyRequests, domain.CodeRateLimitExceeded},
		{"suppressed", &domain.SuppressedError{Email: "a@b.c", Reason: domain.SuppressionHardBounce}, http.StatusBadRequest, domain.CodeEmailSuppressed},
		{"smtp", &domain.SMTPError{Code: 451, Err: assert.AnError}, http.StatusBadGateway, domain.CodeSMTPError},
		{"unknown", assert.AnError, http.StatusInternalServerError, domain.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestWriteErrorMasksInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, assert.AnError)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestWriteErrorRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	reset := time.Now().Add(45 * time.Second).Unix()
	writeError(rec, &domain.RateLimitError{Scope: "queue", Limit: 120, RetryAfter: 45, ResetAt: reset})

	assert.Equal(t, "45", rec.Header().Get("Retry-After"))
	assert.Equal(t, "120", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset, 10), rec.Header().Get("X-RateLimit-Reset"))
}

func TestWriteErrorValidationDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, domain.NewFieldValidationError("subject", "subject is required"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "subject is required", body.Error.Details["subject"])
}

func TestWriteList(t *testing.T) {
	rec := httptest.NewRecorder()
	next := &domain.Cursor{CreatedAt: time.Now().UTC(), ID: "email-9"}
	writeList(rec, []string{"a", "b"}, next)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.NextCursor)

	decoded, err := domain.DecodeCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "email-9", decoded.ID)
}

func TestWriteListLastPage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeList(rec, []string{}, nil)
	assert.NotContains(t, rec.Body.String(), "next_cursor")
}

func TestParseCursor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/emails", nil)
	cursor, err := parseCursor(r)
	require.NoError(t, err)
	assert.Nil(t, cursor)

	valid := (&domain.Cursor{CreatedAt: time.Now().UTC(), ID: "email-1"}).Encode()
	r = httptest.NewRequest(http.MethodGet, "/emails?cursor="+valid, nil)
	cursor, err = parseCursor(r)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "email-1", cursor.ID)

	// A cursor missing its timestamp is rejected, not treated as page one.
	partial := (&domain.Cursor{ID: "email-1"}).Encode()
	r = httptest.NewRequest(http.MethodGet, "/emails?cursor="+partial, nil)
	_, err = parseCursor(r)
	assert.Error(t, err)

	r = httptest.NewRequest(http.MethodGet, "/emails?cursor=%21%21not-base64", nil)
	_, err = parseCursor(r)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestParseLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/emails", nil)
	assert.Zero(t, parseLimit(r))

	r = httptest.NewRequest(http.MethodGet, "/emails?limit=25", nil)
	assert.Equal(t, 25, parseLimit(r))

	r = httptest.NewRequest(http.MethodGet, "/emails?limit=abc", nil)
	assert.Zero(t, parseLimit(r))
}
