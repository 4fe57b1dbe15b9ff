// Package invoke runs the instructions of a loaded transaction.
//
// An InvokeContext wraps the TransactionContext of one transaction together
// with everything a program may consult while it runs: the batch program
// cache, sysvars, the compute meter and the log collector. ProcessMessage
// walks the instructions of a message and dispatches each one to the builtin
// named by its program account chain. On-chain programs are run by the loader
// builtins, which hand the verified executable to an Executor.
package invoke

import (
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// Executor runs a verified program over its serialized parameters and
// returns the program's exit code. It charges the compute meter of ic.
type Executor interface {
	Execute(ic *InvokeContext, exe *loader.Executable, input []byte) (uint64, error)
}

// BuiltinFunc is the entrypoint of a builtin program.
type BuiltinFunc func(ic *InvokeContext) error

// Builtin is a program compiled into the runtime. It is stored in the program
// cache as a Builtin entry.
type Builtin struct {
	name  string
	units uint64
	fn    BuiltinFunc
}

// NewBuiltin wraps fn. Every invocation is charged units before fn runs; fn
// charges its own costs when units is zero.
func NewBuiltin(name string, units uint64, fn BuiltinFunc) *Builtin {
	return &Builtin{name: name, units: units, fn: fn}
}

// Name returns the builtin's name.
func (b *Builtin) Name() string {
	return b.name
}

// Process runs the builtin in ic.
func (b *Builtin) Process(ic *InvokeContext) error {
	if b.units > 0 {
		if err := ic.ConsumeChecked(b.units); err != nil {
			return err
		}
	}
	return b.fn(ic)
}

// EnvironmentConfig is the per-transaction environment programs can read.
type EnvironmentConfig struct {
	Blockhash            types.Hash
	Features             *svm.FeatureSet
	LamportsPerSignature uint64
	Sysvars              *SysvarCache
}

// InvokeContext is the state of one executing transaction.
type InvokeContext struct {
	TransactionContext *txcontext.TransactionContext
	Programs           *programcache.ForTxBatch
	Env                EnvironmentConfig
	Budget             svm.ComputeBudget

	logs  *LogCollector
	meter *svm.ComputeMeter
}

// New creates the context for one transaction. logs may be nil.
func New(
	tc *txcontext.TransactionContext,
	programs *programcache.ForTxBatch,
	env EnvironmentConfig,
	logs *LogCollector,
	budget svm.ComputeBudget,
) *InvokeContext {
	return &InvokeContext{
		TransactionContext: tc,
		Programs:           programs,
		Env:                env,
		Budget:             budget,
		logs:               logs,
		meter:              svm.NewComputeMeter(budget.ComputeUnitLimit),
	}
}

// ComputeMeter returns the transaction's compute meter.
func (ic *InvokeContext) ComputeMeter() *svm.ComputeMeter {
	return ic.meter
}

// ConsumeChecked charges units, failing once the budget is exhausted.
func (ic *InvokeContext) ConsumeChecked(units uint64) error {
	if err := ic.meter.Consume(units); err != nil {
		return txcontext.ErrComputationalBudgetExceeded
	}
	return nil
}

// Logs returns the log collector, nil when logs are not recorded.
func (ic *InvokeContext) Logs() *LogCollector {
	return ic.logs
}

// Log records a runtime message.
func (ic *InvokeContext) Log(format string, args ...any) {
	ic.logs.Logf(format, args...)
}

// StackHeight returns the current instruction nesting depth.
func (ic *InvokeContext) StackHeight() int {
	return ic.TransactionContext.InstructionStackHeight()
}

// CurrentInstruction returns the instruction on top of the stack.
func (ic *InvokeContext) CurrentInstruction() (*txcontext.InstructionContext, error) {
	return ic.TransactionContext.CurrentInstructionContext()
}

// FindProgram looks a program up in the batch cache.
func (ic *InvokeContext) FindProgram(key types.Pubkey) (*programcache.Entry, bool) {
	return ic.Programs.Find(key)
}

// Push enters the configured next instruction. A program already on the
// stack may only be entered again directly from itself.
func (ic *InvokeContext) Push() error {
	tc := ic.TransactionContext
	next, err := tc.NextInstructionContext()
	if err != nil {
		return err
	}
	programID, err := next.LastProgramKey(tc)
	if err != nil {
		return txcontext.ErrUnsupportedProgramID
	}

	if height := tc.InstructionStackHeight(); height > 0 {
		contains := false
		for level := 0; level < height; level++ {
			ctx, err := tc.InstructionContextAtNestingLevel(level)
			if err != nil {
				return err
			}
			if key, err := ctx.LastProgramKey(tc); err == nil && key == programID {
				contains = true
				break
			}
		}
		current, err := tc.CurrentInstructionContext()
		if err != nil {
			return err
		}
		last, err := current.LastProgramKey(tc)
		if contains && (err != nil || last != programID) {
			return txcontext.ErrReentrancyNotAllowed
		}
	}
	return tc.Push()
}

// Pop leaves the current instruction.
func (ic *InvokeContext) Pop() error {
	return ic.TransactionContext.Pop()
}

// ProcessInstruction configures, pushes, runs and pops one instruction. It
// returns the compute units the instruction consumed. The instruction is
// popped even when it fails.
func (ic *InvokeContext) ProcessInstruction(
	data []byte,
	instructionAccounts []txcontext.InstructionAccount,
	programIndices []txcontext.IndexOfAccount,
) (uint64, error) {
	next, err := ic.TransactionContext.NextInstructionContext()
	if err != nil {
		return 0, err
	}
	next.Configure(programIndices, instructionAccounts, data)
	if err := ic.Push(); err != nil {
		return 0, err
	}
	consumed, err := ic.processExecutableChain()
	popErr := ic.Pop()
	if err != nil {
		return consumed, err
	}
	return consumed, popErr
}

// processExecutableChain finds the builtin responsible for the current
// instruction and runs it. Programs owned by the native loader are builtins
// themselves; any other program is run by the builtin of its loader.
func (ic *InvokeContext) processExecutableChain() (uint64, error) {
	tc := ic.TransactionContext
	ixc, err := tc.CurrentInstructionContext()
	if err != nil {
		return 0, err
	}

	root, err := ixc.TryBorrowProgramAccount(tc, 0)
	if err != nil {
		return 0, txcontext.ErrUnsupportedProgramID
	}
	builtinID := root.Owner()
	if builtinID == types.NativeLoaderAddr {
		builtinID = root.Key()
	}
	root.Release()

	entry, ok := ic.Programs.Find(builtinID)
	if !ok || entry.Type != programcache.Builtin {
		return 0, txcontext.ErrUnsupportedProgramID
	}
	builtin, ok := entry.Builtin().(*Builtin)
	if !ok {
		return 0, txcontext.ErrUnsupportedProgramID
	}
	entry.AddIxUsage(1)

	programID, err := ixc.LastProgramKey(tc)
	if err != nil {
		return 0, err
	}
	tc.SetReturnData(programID, nil)
	ic.logs.programInvoke(programID, ic.StackHeight())

	pre := ic.meter.Remaining()
	err = builtin.Process(ic)
	var consumed uint64
	if post := ic.meter.Remaining(); pre > post {
		consumed = pre - post
	}

	if err == nil && builtinID == programID && consumed == 0 {
		err = txcontext.ErrBuiltinProgramsMustConsumeUnits
	}
	if err != nil {
		ic.logs.programFailure(programID, err)
		return consumed, err
	}
	ic.logs.programSuccess(programID)
	return consumed, nil
}

// processPrecompile verifies a precompile instruction. It occupies a slot in
// the instruction trace but runs no program.
func (ic *InvokeContext) processPrecompile(
	programID types.Pubkey,
	data []byte,
	instructionAccounts []txcontext.InstructionAccount,
	programIndices []txcontext.IndexOfAccount,
	instructionDatas [][]byte,
) error {
	tc := ic.TransactionContext
	next, err := tc.NextInstructionContext()
	if err != nil {
		return err
	}
	next.Configure(programIndices, instructionAccounts, data)
	if err := tc.Push(); err != nil {
		return err
	}
	err = verifyPrecompile(programID, data, instructionDatas)
	popErr := tc.Pop()
	if err != nil {
		return err
	}
	return popErr
}
