// Package bpfloader implements the builtins of the four on-chain program
// loaders.
//
// Invoking a loader directly runs its management instructions. Of those only
// loader v4 is supported; the older loaders reject them. Invoking a program
// owned by a loader runs the program: its verified executable is taken from
// the batch program cache, the instruction is serialized into the aligned
// parameter layout and the executable is handed to an invoke.Executor. The
// account changes the program wrote into the parameter buffer are applied
// afterwards.
package bpfloader

import (
	"errors"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// Direct invocation costs of each loader.
const (
	CUDeprecatedLoaderDefault  = uint64(1_140)
	CUBPFLoaderDefault         = svm.CUBPFLoaderDefault
	CUUpgradeableLoaderDefault = uint64(2_370)
	CULoaderV4Default          = uint64(2_000)
)

// ErrNoExecutor is returned when a program is invoked on a loader built
// without an Executor.
var ErrNoExecutor = errors.New("no program executor configured")

// Loader is the builtin shared by all loader ids.
type Loader struct {
	executor invoke.Executor
}

// New creates a loader that runs programs with executor. A nil executor makes
// every program invocation fail.
func New(executor invoke.Executor) *Loader {
	return &Loader{executor: executor}
}

// Builtins returns the builtin of every loader id.
func (l *Loader) Builtins() map[types.Pubkey]*invoke.Builtin {
	return map[types.Pubkey]*invoke.Builtin{
		types.BPFLoaderDeprecatedAddr:  invoke.NewBuiltin("solana_bpf_loader_deprecated_program", 0, l.process),
		types.BPFLoaderAddr:            invoke.NewBuiltin("solana_bpf_loader_program", 0, l.process),
		types.BPFLoaderUpgradeableAddr: invoke.NewBuiltin("solana_bpf_loader_upgradeable_program", 0, l.process),
		types.LoaderV4Addr:             invoke.NewBuiltin("loader_v4", 0, l.process),
	}
}

func (l *Loader) process(ic *invoke.InvokeContext) error {
	tc := ic.TransactionContext
	ixc, err := ic.CurrentInstruction()
	if err != nil {
		return err
	}
	program, err := ixc.TryBorrowLastProgramAccount(tc)
	if err != nil {
		return err
	}
	programID := program.Key()
	owner := program.Owner()
	executable := program.IsExecutable()
	program.Release()

	if owner == types.NativeLoaderAddr {
		return processLoaderInstruction(ic, programID)
	}
	return l.executeProgram(ic, ixc, programID, owner, executable)
}

// processLoaderInstruction handles an instruction addressed to a loader.
func processLoaderInstruction(ic *invoke.InvokeContext, loaderID types.Pubkey) error {
	switch loaderID {
	case types.BPFLoaderUpgradeableAddr:
		if err := ic.ConsumeChecked(CUUpgradeableLoaderDefault); err != nil {
			return err
		}
		ic.Log("Upgradeable loader management instructions are not supported")
		return txcontext.ErrUnsupportedProgramID
	case types.BPFLoaderAddr:
		if err := ic.ConsumeChecked(CUBPFLoaderDefault); err != nil {
			return err
		}
		ic.Log("BPF loader management instructions are no longer supported")
		return txcontext.ErrUnsupportedProgramID
	case types.BPFLoaderDeprecatedAddr:
		if err := ic.ConsumeChecked(CUDeprecatedLoaderDefault); err != nil {
			return err
		}
		ic.Log("Deprecated loader is no longer supported")
		return txcontext.ErrUnsupportedProgramID
	case types.LoaderV4Addr:
		if err := ic.ConsumeChecked(CULoaderV4Default); err != nil {
			return err
		}
		return processLoaderV4Instruction(ic)
	}
	return txcontext.ErrIncorrectProgramID
}

func (l *Loader) executeProgram(ic *invoke.InvokeContext, ixc *txcontext.InstructionContext, programID, owner types.Pubkey, executable bool) error {
	// v4 programs run by deployment status and never carry the flag.
	if owner != types.LoaderV4Addr && !executable {
		ic.Log("Program is not executable")
		return txcontext.ErrIncorrectProgramID
	}

	entry, ok := ic.FindProgram(programID)
	if !ok {
		ic.Log("Program is not cached")
		return txcontext.ErrInvalidAccountData
	}
	entry.AddIxUsage(1)
	if entry.IsTombstone() {
		ic.Log("Program is not deployed")
		return txcontext.ErrInvalidAccountData
	}
	if entry.Type != programcache.Loaded {
		return txcontext.ErrUnsupportedProgramID
	}
	if l.executor == nil {
		return ErrNoExecutor
	}

	input, lengths, err := serializeParameters(ic.TransactionContext, ixc)
	if err != nil {
		return err
	}

	pre := ic.ComputeMeter().Remaining()
	code, err := l.executor.Execute(ic, entry.Executable(), input)
	var consumed uint64
	if post := ic.ComputeMeter().Remaining(); pre > post {
		consumed = pre - post
	}
	ic.Logs().ProgramConsumed(programID, consumed, pre)
	if err != nil {
		if errors.Is(err, txcontext.ErrComputationalBudgetExceeded) {
			return err
		}
		ic.Log("Program failed to complete: %v", err)
		return txcontext.ErrProgramFailedToComplete
	}
	if code != Success {
		return ExitCodeError(code)
	}
	return deserializeParameters(ic.TransactionContext, ixc, input, lengths)
}
