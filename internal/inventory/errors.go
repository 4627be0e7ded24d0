package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/vaxinv/vaxinv/internal/platform/httpx"
)

// Sentinel errors. Every typed error below unwraps to one of these so callers
// can branch with errors.Is and the HTTP layer can map them with httpx.
var (
	ErrValidation        = fmt.Errorf("inventory: %w", httpx.ErrValidation)
	ErrNotFound          = fmt.Errorf("inventory: %w", httpx.ErrNotFound)
	ErrInsufficientStock = fmt.Errorf("inventory: insufficient stock: %w", httpx.ErrConflict)
	ErrQuarantined       = fmt.Errorf("inventory: lot is quarantined: %w", httpx.ErrUnprocessable)
	ErrExpired           = fmt.Errorf("inventory: lot is expired: %w", httpx.ErrUnprocessable)
	ErrOutOfStock        = fmt.Errorf("inventory: lot is out of stock: %w", httpx.ErrUnprocessable)
	ErrDiscarded         = fmt.Errorf("inventory: opened vial is past its discard time: %w", httpx.ErrUnprocessable)
	ErrDuplicateRequest  = fmt.Errorf("inventory: request already processed: %w", httpx.ErrDuplicate)
	ErrPersistence       = errors.New("inventory: persistence failure")
)

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap exposes ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing lot or vaccine.
type NotFoundError struct {
	Entity string
	ID     int64
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("inventory: %s %q not found", e.Entity, e.Key)
	}
	return fmt.Sprintf("inventory: %s %d not found", e.Entity, e.ID)
}

// Unwrap exposes ErrNotFound.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientStockError rejects a decrement larger than the lot holds.
type InsufficientStockError struct {
	LotID     int64
	Requested int
	Remaining int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: lot %d has %d remaining, %d requested", e.LotID, e.Remaining, e.Requested)
}

// Unwrap exposes ErrInsufficientStock.
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// UnusableLotError rejects a dose from a lot that is quarantined, expired,
// empty or past its open-vial discard time. Reason is one of the matching
// sentinels.
type UnusableLotError struct {
	LotID     int64
	LotNumber string
	Reason    error
	Since     time.Time
}

func (e *UnusableLotError) Error() string {
	switch e.Reason {
	case ErrExpired:
		return fmt.Sprintf("inventory: lot %s expired on %s", e.LotNumber, e.Since.Format(time.DateOnly))
	case ErrDiscarded:
		return fmt.Sprintf("inventory: opened vial of lot %s had to be discarded after %s", e.LotNumber, e.Since.Format(time.RFC3339))
	case ErrQuarantined:
		return fmt.Sprintf("inventory: lot %s is quarantined", e.LotNumber)
	default:
		return fmt.Sprintf("inventory: lot %s has no doses remaining", e.LotNumber)
	}
}

// Unwrap exposes the sentinel reason.
func (e *UnusableLotError) Unwrap() error { return e.Reason }

// PersistenceError wraps storage failures so callers can retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("inventory: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrPersistence and the driver error.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
