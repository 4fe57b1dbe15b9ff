package bpfloader

import (
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// Success is the exit code of a program that completed without error.
const Success = uint64(0)

// builtinBitShift places the builtin error numbers in the upper half of the
// exit code so they cannot collide with custom program errors.
const builtinBitShift = 32

func toBuiltin(n uint64) uint64 { return n << builtinBitShift }

var exitCodeErrors = map[uint64]error{
	toBuiltin(2):  txcontext.ErrInvalidArgument,
	toBuiltin(3):  txcontext.ErrInvalidInstructionData,
	toBuiltin(4):  txcontext.ErrInvalidAccountData,
	toBuiltin(5):  txcontext.ErrAccountDataTooSmall,
	toBuiltin(6):  txcontext.ErrInsufficientFunds,
	toBuiltin(7):  txcontext.ErrIncorrectProgramID,
	toBuiltin(8):  txcontext.ErrMissingRequiredSignature,
	toBuiltin(9):  txcontext.ErrAccountAlreadyInitialized,
	toBuiltin(10): txcontext.ErrUninitializedAccount,
	toBuiltin(11): txcontext.ErrNotEnoughAccountKeys,
	toBuiltin(12): txcontext.ErrAccountBorrowFailed,
	toBuiltin(13): txcontext.ErrMaxSeedLengthExceeded,
	toBuiltin(14): txcontext.ErrInvalidSeeds,
	toBuiltin(15): txcontext.ErrBorshIOError,
	toBuiltin(16): txcontext.ErrAccountNotRentExempt,
	toBuiltin(17): txcontext.ErrUnsupportedSysvar,
	toBuiltin(18): txcontext.ErrIllegalOwner,
	toBuiltin(19): txcontext.ErrMaxAccountsDataAllocationsExceeded,
	toBuiltin(20): txcontext.ErrInvalidRealloc,
	toBuiltin(21): txcontext.ErrMaxInstructionTraceLengthExceeded,
	toBuiltin(22): txcontext.ErrBuiltinProgramsMustConsumeUnits,
	toBuiltin(23): txcontext.ErrInvalidAccountOwner,
	toBuiltin(24): txcontext.ErrArithmeticOverflow,
	toBuiltin(25): txcontext.ErrImmutable,
	toBuiltin(26): txcontext.ErrIncorrectAuthority,
}

// ExitCodeError maps a nonzero program exit code to an instruction error.
// Codes below 2^32 are custom program errors; the custom error without a code
// is reported as custom error 0.
func ExitCodeError(code uint64) error {
	if code == toBuiltin(1) {
		return &txcontext.CustomError{Code: 0}
	}
	if err, ok := exitCodeErrors[code]; ok {
		return err
	}
	return &txcontext.CustomError{Code: uint32(code)}
}
