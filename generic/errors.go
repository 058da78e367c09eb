/*
errors.go - Centralized error types for the drawdown engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every operation in the engine returns (value, error); callers branch
  on the kind with errors.Is / errors.As.

ERROR CATEGORIES:
  1. NotFound - resident, contract, transaction or automation id does not resolve
  2. InvalidTransition - status change not permitted from the current state
  3. ValidationFailed - one or more rules failed; always the complete list
  4. InsufficientBalance - a ValidationFailed case carrying the shortfall
  5. Storage / CorruptRecord - persistence failures, never swallowed

USAGE:
  tx, err := svc.PostTransaction(ctx, id, actor)
  var ib *generic.InsufficientBalanceError
  if errors.As(err, &ib) {
      fmt.Printf("would exceed by $%s\n", ib.Shortfall)
  }

SEE ALSO:
  - drawdown/validator.go: Produces Violations
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for disallowed status changes.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrValidationFailed is returned when business rules reject an input.
	ErrValidationFailed = errors.New("validation failed")

	// ErrInsufficientBalance is returned when posting would overdraw a contract.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStorage wraps persistence read/write failures.
	ErrStorage = errors.New("storage failure")

	// ErrCorruptRecord is returned when a persisted row cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrRunAlreadyClaimed is returned when an automation run for the same
	// day has already been inserted.
	ErrRunAlreadyClaimed = errors.New("automation run already claimed for date")

	// ErrAlreadyRan is returned by the billing preflight when today's run has
	// already completed.
	ErrAlreadyRan = errors.New("automation already ran today")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "resident", "contract", "transaction", "automation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind string, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidTransitionError reports the source and target state.
type InvalidTransitionError struct {
	Entity string // "contract" or "transaction"
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ContractID ContractID
	Available  Money
	Requested  Money
	Shortfall  Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on contract %s: available %s, requested %s, would exceed by %s",
		e.ContractID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// RuleCode identifies a single validation rule.
type RuleCode string

const (
	RuleAmountNotPositive     RuleCode = "amount_not_positive"
	RuleServiceCodeMissing    RuleCode = "service_code_missing"
	RuleServiceCodeFormat     RuleCode = "service_code_format"
	RuleParticipantMismatch   RuleCode = "participant_mismatch"
	RuleInvalidDate           RuleCode = "invalid_date"
	RuleContractNotFound      RuleCode = "contract_not_found"
	RuleContractNotActive     RuleCode = "contract_not_active"
	RuleInsufficientBalance   RuleCode = "insufficient_balance"
	RuleDescriptionMissing    RuleCode = "description_missing"
	RuleQuantityInvalid       RuleCode = "quantity_invalid"
	RuleUnitPriceNegative     RuleCode = "unit_price_negative"
	RuleOutsideContractPeriod RuleCode = "outside_contract_period"
	RuleContractType          RuleCode = "contract_type"
	RuleDrawdownRate          RuleCode = "drawdown_rate"
	RuleInvalidPeriod         RuleCode = "invalid_period"
	RuleNameMissing           RuleCode = "name_missing"
	RuleNDISNumberFormat      RuleCode = "ndis_number_format"
	RuleItemsMissing          RuleCode = "items_missing"
	RuleItemTarget            RuleCode = "item_target_missing"
	RuleReasonMissing         RuleCode = "reason_missing"
	RuleStatusUnknown         RuleCode = "status_unknown"
	RuleSubCentAmount         RuleCode = "sub_cent_amount"
)

// Violation is one failed rule.
type Violation struct {
	Code    RuleCode
	Field   string
	Message string
}

func (v Violation) String() string { return v.Message }

// ValidationFailedError carries every violated rule. When one of them is a
// balance shortfall, Insufficient is set and errors.As reaches it.
type ValidationFailedError struct {
	Violations   []Violation
	Insufficient *InsufficientBalanceError
}

func (e *ValidationFailedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationFailedError) Unwrap() []error {
	errs := []error{ErrValidationFailed}
	if e.Insufficient != nil {
		errs = append(errs, e.Insufficient)
	}
	return errs
}

// Has reports whether a rule code is among the violations.
func (e *ValidationFailedError) Has(code RuleCode) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Invalid returns a *ValidationFailedError for a non-empty list, nil otherwise.
func Invalid(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationFailedError{Violations: violations}
}

// StorageError wraps a persistence failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// CorruptRecordError reports a persisted row that could not be decoded.
type CorruptRecordError struct {
	Kind string
	ID   string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt %s record %q: %v", e.Kind, e.ID, e.Err)
}

func (e *CorruptRecordError) Unwrap() []error { return []error{ErrCorruptRecord, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
