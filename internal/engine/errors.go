package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"becoin/internal/domain"
)

var (
	ErrUnknownProject    = errors.New("unknown project")
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrStageConflict     = errors.New("stage conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidHours      = errors.New("invalid hours")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrLedgerMismatch    = errors.New("ledger mismatch")
)

// StageError reports an operation attempted from the wrong project stage.
type StageError struct {
	ProjectID string
	Op        string
	Stage     domain.Stage
	Want      domain.Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("cannot %s project %s: stage is %s, want %s", e.Op, e.ProjectID, e.Stage, e.Want)
}

func (e *StageError) Unwrap() error { return ErrStageConflict }

// FundsError reports a debit the treasury cannot cover.
type FundsError struct {
	Op        string
	Need      decimal.Decimal
	Available decimal.Decimal
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s needs %s but treasury holds %s", e.Op, e.Need, e.Available)
}

func (e *FundsError) Unwrap() error { return ErrInsufficientFunds }

// IsNotFound reports whether err names an unknown project or agent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownProject) || errors.Is(err, ErrUnknownAgent)
}

// IsInvalidArgument reports whether err is a rejected argument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidHours) ||
		errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, domain.ErrInvalid)
}

// Error codes shared by the session log, the HTTP API and the CLI.
const (
	CodeNotFound          = "not_found"
	CodeStageConflict     = "stage_conflict"
	CodeInsufficientFunds = "insufficient_funds"
	CodeInvalidArgument   = "invalid_argument"
	CodeLedgerMismatch    = "ledger_mismatch"
	CodeInternal          = "internal"
)

// Code classifies err into one of the Code constants.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrStageConflict):
		return CodeStageConflict
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case IsInvalidArgument(err):
		return CodeInvalidArgument
	case errors.Is(err, ErrLedgerMismatch):
		return CodeLedgerMismatch
	default:
		return CodeInternal
	}
}
