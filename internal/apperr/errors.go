// Package apperr holds the error taxonomy shared by the engine's bounded contexts.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"edgefleet/internal/retry"
)

// Device-facing reason codes.
const (
	ReasonStale          = "stale"
	ReasonInvalidRange   = "invalid-range"
	ReasonInvalidPayload = "invalid-payload"
	ReasonInactive       = "inactive-device"
	ReasonUnknownDevice  = "unknown-device"
	ReasonUnavailable    = "unavailable"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrStale      = errors.New("stale submission")
	ErrInactive   = errors.New("device inactive")
	ErrTerminal   = errors.New("terminal sync failure")
)

// ValidationError reports a rejected input. Code is the device-facing reason.
type ValidationError struct {
	Entity    string
	ID        string
	Field     string
	Invariant string
	Code      string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: invalid %s: %s", e.Entity, e.Field, e.Invariant)
	}
	return fmt.Sprintf("%s %s: invalid %s: %s", e.Entity, e.ID, e.Field, e.Invariant)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a payload validation error.
func Invalid(entity, id, field, invariant string) *ValidationError {
	return &ValidationError{Entity: entity, ID: id, Field: field, Invariant: invariant, Code: ReasonInvalidPayload}
}

// OutOfRange builds a range validation error.
func OutOfRange(entity, id, field string, value, min, max float64) *ValidationError {
	return &ValidationError{
		Entity:    entity,
		ID:        id,
		Field:     field,
		Invariant: fmt.Sprintf("%g not within [%g, %g]", value, min, max),
		Code:      ReasonInvalidRange,
	}
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// StaleSubmissionError reports a timestamp at or before the last accepted one.
type StaleSubmissionError struct {
	DeviceID     string
	Timestamp    time.Time
	LastAccepted time.Time
}

func (e *StaleSubmissionError) Error() string {
	if e.LastAccepted.IsZero() {
		return fmt.Sprintf("device %s: stale submission at %s", e.DeviceID, e.Timestamp.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("device %s: stale submission at %s: not after last accepted %s",
		e.DeviceID, e.Timestamp.Format(time.RFC3339Nano), e.LastAccepted.Format(time.RFC3339Nano))
}

func (e *StaleSubmissionError) Is(target error) bool { return target == ErrStale }

// InactiveError reports a submission from a deactivated device.
type InactiveError struct {
	DeviceID string
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("device %s: inactive devices do not accept telemetry", e.DeviceID)
}

func (e *InactiveError) Is(target error) bool { return target == ErrInactive }

// TerminalSyncFailureError reports a batch that exhausted its delivery attempts.
type TerminalSyncFailureError struct {
	BatchID   string
	DeviceID  string
	Attempts  int
	LastError string
}

func (e *TerminalSyncFailureError) Error() string {
	return fmt.Sprintf("batch %s of device %s: delivery failed after %d attempts: %s",
		e.BatchID, e.DeviceID, e.Attempts, e.LastError)
}

func (e *TerminalSyncFailureError) Is(target error) bool { return target == ErrTerminal }

// ReasonCode maps err to a device-facing reason code.
func ReasonCode(err error) string {
	var validation *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		if validation.Code != "" {
			return validation.Code
		}
		return ReasonInvalidPayload
	case errors.Is(err, ErrStale):
		return ReasonStale
	case errors.Is(err, ErrInactive):
		return ReasonInactive
	case errors.Is(err, ErrNotFound):
		return ReasonUnknownDevice
	default:
		return ReasonUnavailable
	}
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStale):
		return http.StatusConflict
	case errors.Is(err, ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, retry.ErrTransientIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes err as a JSON body with its status and reason code.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  message,
		"reason": ReasonCode(err),
	})
}
