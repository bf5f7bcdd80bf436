package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrFeedUnavailable     = errors.New("depth feed unavailable")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrSymbolNotSubscribed = errors.New("symbol is not subscribed")
	ErrManagerStopped      = errors.New("order book manager is stopped")
)

// ValidationError is a malformed or out-of-range client request. It is
// reported to the originating connection only.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ComputationError is raised while aggregating or formatting one view.
type ComputationError struct {
	Key   string
	Cause error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("aggregation %s failed: %v", e.Key, e.Cause)
}

func (e *ComputationError) Unwrap() error { return e.Cause }

// DeliveryError is a failed write to one connection.
type DeliveryError struct {
	ConnectionID string
	Cause        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.ConnectionID, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
