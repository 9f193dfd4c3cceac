// Package api implements the daemon's HTTP surface. It uses Chi as the
// router; every endpoint consumes and produces JSON except the SSE message
// stream and the websocket upgrade. There is no authentication layer — the
// daemon listens only on a unix socket and loopback, and caller identity is
// advisory via the X-Agent-Id / X-Pid headers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/fault"
)

// envelope is the ad-hoc JSON object used for small response bodies.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, payload)
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Err writes the error envelope {"error": ..., "code": ...}. Domain errors
// map to their HTTP status via their code; anything else is a 500 with the
// detail withheld.
func Err(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	status := fault.HTTPStatus(code)

	message := "an internal error occurred"
	if code != fault.CodeInternal {
		message = err.Error()
	}

	body := envelope{"error": message, "code": string(code)}
	var fe *fault.Error
	if errors.As(err, &fe) && len(fe.Detail) > 0 {
		body["detail"] = fe.Detail
	}
	JSON(w, status, body)
}

// ErrBadRequest writes a 400 with a validation_error code.
func ErrBadRequest(w http.ResponseWriter, message string) {
	JSON(w, http.StatusBadRequest, envelope{"error": message, "code": string(fault.CodeValidationError)})
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
// An empty body decodes into the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
