// Package svm holds the types shared by the Solana transaction pipeline:
// - transaction level errors
// - sanitized messages and transactions, decoded from Solana wire format
// - compute budget instruction processing and the compute meter
// - fee calculation
// - TransactionErrorMetrics
//
// The pipeline itself lives in the sub-packages: txcontext (execution
// sandbox), programcache, accountloader, invoke, processor and rollback.
package svm

import (
	"errors"
	"fmt"
)

// Transaction level errors. These are the reasons a transaction can fail
// before, during or after execution.
var (
	// ErrAccountInUse is returned when an account is already locked by another transaction.
	ErrAccountInUse = errors.New("account in use")

	// ErrAccountLoadedTwice is returned when a message references the same key twice.
	ErrAccountLoadedTwice = errors.New("account loaded twice")

	// ErrAccountNotFound is returned when the fee payer or another account has never been funded.
	ErrAccountNotFound = errors.New("attempt to debit an account but found no record of a prior credit")

	// ErrProgramAccountNotFound is returned when an invoked program account is missing.
	ErrProgramAccountNotFound = errors.New("attempt to load a program that does not exist")

	// ErrInsufficientFundsForFee is returned when the fee payer cannot cover the fee.
	ErrInsufficientFundsForFee = errors.New("insufficient funds for fee")

	// ErrInvalidAccountForFee is returned when the fee payer is not a system or nonce account.
	ErrInvalidAccountForFee = errors.New("this account may not be used to pay transaction fees")

	// ErrAlreadyProcessed is returned for a transaction signature seen before under the same blockhash.
	ErrAlreadyProcessed = errors.New("this transaction has already been processed")

	// ErrBlockhashNotFound is returned when the recent blockhash is unknown or expired and no nonce applies.
	ErrBlockhashNotFound = errors.New("blockhash not found")

	// ErrCallChainTooDeep is returned when cross program invocations nest too deeply.
	ErrCallChainTooDeep = errors.New("loader call chain is too deep")

	// ErrMissingSignatureForFee is returned when the fee payer did not sign.
	ErrMissingSignatureForFee = errors.New("transaction requires a fee but has no signature present")

	// ErrInvalidAccountIndex is returned when an instruction references an account outside the message.
	ErrInvalidAccountIndex = errors.New("transaction contains an invalid account reference")

	// ErrSignatureFailure is returned when a signature does not verify.
	ErrSignatureFailure = errors.New("transaction did not pass signature verification")

	// ErrInvalidProgramForExecution is returned when an invoked account is not a usable program.
	ErrInvalidProgramForExecution = errors.New("this program may not be used for executing instructions")

	// ErrSanitizeFailure is returned when a message is structurally invalid.
	ErrSanitizeFailure = errors.New("transaction failed to sanitize accounts offsets correctly")

	// ErrTooManyAccountLocks is returned when a message locks more accounts than allowed.
	ErrTooManyAccountLocks = errors.New("transaction locked too many accounts")

	// ErrUnbalancedTransaction is returned when the lamport sum changed across execution.
	ErrUnbalancedTransaction = errors.New("sum of account balances before and after transaction do not match")

	// ErrMaxLoadedAccountsDataSizeExceeded is returned when loaded account data exceeds the cap.
	ErrMaxLoadedAccountsDataSizeExceeded = errors.New("transaction exceeded max loaded accounts data size cap")

	// ErrInvalidLoadedAccountsDataSizeLimit is returned when a zero data size limit was requested.
	ErrInvalidLoadedAccountsDataSizeLimit = errors.New("loaded accounts data size limit requested is invalid")

	// ErrInvalidRentPayingAccount is returned when a new account would be left rent paying.
	ErrInvalidRentPayingAccount = errors.New("transaction leaves an account with a lower balance than rent-exempt minimum")

	// ErrUnsupportedVersion is returned for message versions this runtime cannot load.
	ErrUnsupportedVersion = errors.New("transaction version is unsupported")

	// ErrInvalidComputeBudget is returned when compute budget instructions cannot be applied.
	ErrInvalidComputeBudget = errors.New("invalid compute budget")
)

// InstructionError is a failure of one instruction, tagged with its index in the message.
type InstructionError struct {
	Index uint8
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("error processing instruction %d: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

// NewInstructionError wraps err with the index of the failing instruction.
func NewInstructionError(index int, err error) *InstructionError {
	return &InstructionError{Index: uint8(index), Err: err}
}

// InsufficientFundsForRentError reports an account left below the rent exempt
// minimum that was not rent paying before.
type InsufficientFundsForRentError struct {
	AccountIndex uint8
}

func (e *InsufficientFundsForRentError) Error() string {
	return fmt.Sprintf("transaction results in an account (%d) with insufficient funds for rent", e.AccountIndex)
}

// DuplicateInstructionError reports a compute budget instruction given twice.
type DuplicateInstructionError struct {
	Index uint8
}

func (e *DuplicateInstructionError) Error() string {
	return fmt.Sprintf("transaction contains a duplicate instruction (%d) that is not allowed", e.Index)
}
