package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: session", ErrNotFound), http.StatusNotFound},
		{ErrDuplicate, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{fmt.Errorf("%w: missing account", ErrConflict), http.StatusConflict},
		{ErrUnprocessable, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: queue", ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Equal(t, tc.status, body.Status)
		if tc.status != http.StatusInternalServerError {
			require.True(t, strings.HasPrefix(body.Type, "urn:subledger:problem:"), body.Type)
		}
	}
}

func TestRespondErrorHidesUnknownErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("pgx: connection reset"))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Empty(t, body.Detail)
}

func TestDecodeJSON(t *testing.T) {
	var target struct {
		Company int64 `json:"company"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"company":2}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.EqualValues(t, 2, target.Company)

	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	require.NoError(t, DecodeJSON(req, &target))
	require.EqualValues(t, 2, target.Company)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"companee":2}`))
	require.Error(t, DecodeJSON(req, &target))
}

func TestFieldProblemNamesField(t *testing.T) {
	rr := httptest.NewRecorder()
	FieldProblem(rr, "date", "date is outside the financial year")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "date", body.Field)
}
