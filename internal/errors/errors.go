// Package errors defines the application error type shared by the CLI and
// the health server, and writes it as a gofulmen error envelope.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5/middleware"
)

// Error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with a stable code and an HTTP status.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with details attached.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	c := *e
	c.Details = details
	return &c
}

// New returns an AppError.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func NewNotFound(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

func NewMethodNotAllowed(message string) *AppError {
	return New(CodeMethodNotAllowed, message, http.StatusMethodNotAllowed)
}

func NewServiceUnavailable(message string) *AppError {
	return New(CodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewInvalidArgument(message string) *AppError {
	return New(CodeInvalidArgument, message, http.StatusBadRequest)
}

// NewExternalServiceError reports a dependency (AWS, PostgreSQL, Redis) that
// could not be reached.
func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, message, http.StatusBadGateway)
}

// WrapInternal wraps err as an INTERNAL_ERROR. The request ID carried by ctx,
// if any, is attached as a detail.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Err: err}
	if ctx != nil {
		if id := middleware.GetReqID(ctx); id != "" {
			e.Details = map[string]any{"request_id": id}
		}
	}
	return e
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

// Envelope converts err into an error envelope and the status to send it
// with. Errors that are not AppErrors become INTERNAL_ERROR with status 500.
// The chi request ID carried by ctx becomes the correlation ID.
func Envelope(ctx context.Context, err error) (*gferrors.ErrorEnvelope, int) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = &AppError{Code: CodeInternal, Message: err.Error(), Status: http.StatusInternalServerError}
	}
	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	env := gferrors.NewErrorEnvelope(appErr.Code, appErr.Message)
	if ctx != nil {
		if id := middleware.GetReqID(ctx); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	if len(appErr.Details) > 0 {
		if withCtx, cerr := env.WithContext(appErr.Details); cerr == nil {
			env = withCtx
		}
	}
	return env, status
}

// RespondWithError writes err as a JSON error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	env, status := Envelope(ctx, err)
	WriteEnvelope(w, env, status)
}

// WriteEnvelope writes env wrapped in an ErrorResponse.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	WriteJSON(w, status, ErrorResponse{Error: env})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
