/******************************************************************************
 *
 *  Description :
 *
 *    Typed request errors and their mapping to HTTP statuses and wire form.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrorKind is the machine-readable error discriminator on the wire.
type ErrorKind string

// Error kinds. Names match the `error` field of the JSON error body.
const (
	KindDatabase       ErrorKind = "database_error"
	KindAuthentication ErrorKind = "authentication_failed"
	KindAuthorization  ErrorKind = "access_denied"
	KindValidation     ErrorKind = "validation_error"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindInternal       ErrorKind = "internal_error"
	KindBadRequest     ErrorKind = "bad_request"
	KindTor            ErrorKind = "tor_unavailable"
	KindEncryption     ErrorKind = "encryption_error"
	KindUpload         ErrorKind = "upload_error"
)

// AppError is an error that knows its HTTP status and safe client message.
type AppError struct {
	Kind    ErrorKind
	Details string
	// Wrapped cause, logged but never sent to the client.
	Err error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Details + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Details
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Status maps the kind to its HTTP status code.
func (e *AppError) Status() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation, KindBadRequest, KindUpload:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTor:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// serverSide reports whether the error is an internal failure that must be
// logged at error level with a generic client message.
func (e *AppError) serverSide() bool {
	switch e.Kind {
	case KindDatabase, KindEncryption, KindInternal:
		return true
	}
	return false
}

// Constructors for the common kinds.

func errAuthentication(details string) *AppError {
	return &AppError{Kind: KindAuthentication, Details: details}
}

func errAuthorization(details string) *AppError {
	return &AppError{Kind: KindAuthorization, Details: details}
}

func errValidation(details string) *AppError {
	return &AppError{Kind: KindValidation, Details: details}
}

func errNotFound(details string) *AppError {
	return &AppError{Kind: KindNotFound, Details: details}
}

func errConflict(details string) *AppError {
	return &AppError{Kind: KindConflict, Details: details}
}

func errBadRequest(details string) *AppError {
	return &AppError{Kind: KindBadRequest, Details: details}
}

func errUpload(details string) *AppError {
	return &AppError{Kind: KindUpload, Details: details}
}

func errDatabase(err error) *AppError {
	return &AppError{Kind: KindDatabase, Details: "database operation failed", Err: err}
}

func errInternal(details string, err error) *AppError {
	return &AppError{Kind: KindInternal, Details: details, Err: err}
}

// writeError serializes an error as {"error": kind, "details": string}.
// Client errors are not logged at error level; internal ones are, with the
// request's trace id.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := err.(*AppError)
	if !ok {
		appErr = errInternal("internal server error", err)
	}

	if appErr.serverSide() {
		log.Error().
			Err(appErr.Err).
			Str("trace_id", traceID(r)).
			Str("kind", string(appErr.Kind)).
			Msg(appErr.Details)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status())
	json.NewEncoder(w).Encode(map[string]string{
		"error":   string(appErr.Kind),
		"details": appErr.Details,
	})
}

// writeJSON serializes a success body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
