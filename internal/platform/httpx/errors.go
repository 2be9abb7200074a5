// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors callers wrap to pick a response status.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrDuplicate     = errors.New("duplicate request")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable entity")
	ErrUnavailable   = errors.New("dependency unavailable")
)

const problemBase = "urn:subledger:problem:"

type problemKind struct {
	err    error
	status int
	title  string
	slug   string
}

// Order matters: an error wrapping several sentinels maps to the first.
var problemKinds = []problemKind{
	{ErrNotFound, http.StatusNotFound, "Not Found", "not-found"},
	{ErrDuplicate, http.StatusConflict, "Duplicate Request", "duplicate"},
	{ErrValidation, http.StatusBadRequest, "Validation Failed", "validation"},
	{ErrConflict, http.StatusConflict, "Conflict", "conflict"},
	{ErrUnprocessable, http.StatusUnprocessableEntity, "Unprocessable Entity", "unprocessable"},
	{ErrUnavailable, http.StatusServiceUnavailable, "Service Unavailable", "unavailable"},
}

// RespondError maps wrapped sentinels to RFC7807 responses. Unknown errors
// answer 500 without leaking their text.
func RespondError(w http.ResponseWriter, err error) {
	for _, k := range problemKinds {
		if errors.Is(err, k.err) {
			JSON(w, k.status, ProblemDetail{
				Type:   problemBase + k.slug,
				Title:  k.title,
				Status: k.status,
				Detail: err.Error(),
			})
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
