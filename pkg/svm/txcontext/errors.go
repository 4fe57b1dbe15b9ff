package txcontext

import (
	"errors"
	"fmt"
)

// Instruction level errors, returned by the execution sandbox and by programs.
var (
	ErrGenericError                       = errors.New("generic instruction error")
	ErrInvalidArgument                    = errors.New("invalid program argument")
	ErrInvalidInstructionData             = errors.New("invalid instruction data")
	ErrInvalidAccountData                 = errors.New("invalid account data for instruction")
	ErrAccountDataTooSmall                = errors.New("account data too small for instruction")
	ErrInsufficientFunds                  = errors.New("insufficient funds for instruction")
	ErrIncorrectProgramID                 = errors.New("incorrect program id for instruction")
	ErrMissingRequiredSignature           = errors.New("missing required signature for instruction")
	ErrAccountAlreadyInitialized          = errors.New("instruction requires an uninitialized account")
	ErrUninitializedAccount               = errors.New("instruction requires an initialized account")
	ErrUnbalancedInstruction              = errors.New("sum of account balances before and after instruction do not match")
	ErrModifiedProgramID                  = errors.New("instruction illegally modified the program id of an account")
	ErrExternalAccountLamportSpend        = errors.New("instruction spent from the balance of an account it does not own")
	ErrExternalAccountDataModified        = errors.New("instruction modified data of an account it does not own")
	ErrReadonlyLamportChange              = errors.New("instruction changed the balance of a read-only account")
	ErrReadonlyDataModified               = errors.New("instruction modified data of a read-only account")
	ErrDuplicateAccountIndex              = errors.New("instruction contains duplicate accounts")
	ErrExecutableModified                 = errors.New("instruction changed executable bit of an account")
	ErrNotEnoughAccountKeys               = errors.New("insufficient account keys for instruction")
	ErrAccountDataSizeChanged             = errors.New("program other than the account's owner changed the size of the account data")
	ErrAccountNotExecutable               = errors.New("instruction expected an executable account")
	ErrAccountBorrowFailed                = errors.New("instruction tries to borrow reference for an account which is already borrowed")
	ErrAccountBorrowOutstanding           = errors.New("instruction left account with an outstanding borrowed reference")
	ErrExecutableDataModified             = errors.New("instruction changed executable accounts data")
	ErrExecutableLamportChange            = errors.New("instruction changed the balance of an executable account")
	ErrExecutableAccountNotRentExempt     = errors.New("executable accounts must be rent exempt")
	ErrUnsupportedProgramID               = errors.New("unsupported program id")
	ErrCallDepth                          = errors.New("cross-program invocation call depth too deep")
	ErrMissingAccount                     = errors.New("an account required by the instruction is missing")
	ErrInvalidRealloc                     = errors.New("failed to reallocate account data")
	ErrComputationalBudgetExceeded        = errors.New("computational budget exceeded")
	ErrPrivilegeEscalation                = errors.New("cross-program invocation with unauthorized signer or writable account")
	ErrProgramFailedToComplete            = errors.New("program failed to complete")
	ErrInvalidAccountOwner                = errors.New("invalid account owner")
	ErrArithmeticOverflow                 = errors.New("program arithmetic overflowed")
	ErrUnsupportedSysvar                  = errors.New("unsupported sysvar")
	ErrMaxAccountsDataAllocationsExceeded = errors.New("accounts data allocations exceeded the maximum allowed per transaction")
	ErrMaxInstructionTraceLengthExceeded  = errors.New("max instruction trace length exceeded")
	ErrReentrancyNotAllowed               = errors.New("cross-program invocation reentrancy not allowed for this instruction")
	ErrIncorrectAuthority                 = errors.New("incorrect authority provided")
	ErrImmutable                          = errors.New("account is immutable")
	ErrBuiltinProgramsMustConsumeUnits    = errors.New("builtin programs must consume compute units")
	ErrMaxSeedLengthExceeded              = errors.New("length of the requested seed is too long")
	ErrInvalidSeeds                       = errors.New("provided seeds do not result in a valid address")
	ErrBorshIOError                       = errors.New("io error during account data serialization")
	ErrAccountNotRentExempt               = errors.New("an account does not have enough lamports to be rent-exempt")
	ErrIllegalOwner                       = errors.New("provided owner is not allowed")
)

// CustomError is a program specific error code.
type CustomError struct {
	Code uint32
}

func (e *CustomError) Error() string {
	return fmt.Sprintf("custom program error: %#x", e.Code)
}

// Is matches any CustomError carrying the same code.
func (e *CustomError) Is(target error) bool {
	t, ok := target.(*CustomError)
	return ok && t.Code == e.Code
}

// IsInternal reports whether err signals a sequencing bug in the caller rather
// than a user error. Such errors must not be retried.
func IsInternal(err error) bool {
	return errors.Is(err, ErrAccountBorrowFailed) || errors.Is(err, ErrAccountBorrowOutstanding)
}
