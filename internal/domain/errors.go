package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for errors.Is matching. Each typed error below matches its sentinel.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrOwnership           = errors.New("actor lacks authority over merchant")
	ErrConflict            = errors.New("state conflict")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientBalanceError reports a debit or transfer that would overdraw a balance.
type InsufficientBalanceError struct {
	MerchantID uuid.UUID
	Available  Money
	Requested  Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for merchant %s: available %s, requested %s", e.MerchantID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// NotFoundError reports a missing merchant, balance, subscription or payment request.
type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFoundError(entity string, id fmt.Stringer) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OwnershipError reports an actor acting on a merchant it has no authority over.
type OwnershipError struct {
	ActorID    string
	MerchantID uuid.UUID
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("actor %s is not permitted to act on merchant %s", e.ActorID, e.MerchantID)
}

func (e *OwnershipError) Is(target error) bool { return target == ErrOwnership }

// ConflictError reports a violated state-machine precondition.
type ConflictError struct {
	Entity  string
	ID      string
	Message string
}

func NewConflictError(entity string, id fmt.Stringer, message string) *ConflictError {
	return &ConflictError{Entity: entity, ID: id.String(), Message: message}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Message)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
