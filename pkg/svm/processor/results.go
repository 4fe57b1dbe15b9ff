package processor

import (
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/accountloader"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// InnerInstruction is an instruction invoked by a program, as recorded in the
// instruction trace.
type InnerInstruction struct {
	Instruction svm.CompiledInstruction
	// StackHeight is the nesting depth the instruction ran at, starting at 2.
	StackHeight uint8
}

// ExecutionDetails describes an executed transaction, successful or not.
type ExecutionDetails struct {
	// Status is nil when every instruction succeeded.
	Status      error
	LogMessages []string
	// InnerInstructions holds one list per top level instruction when CPI
	// recording is on.
	InnerInstructions    [][]InnerInstruction
	FeeDetails           svm.FeeDetails
	ReturnData           *txcontext.ReturnData
	ExecutedUnits        uint64
	AccountsDataLenDelta int64
}

// ExecutionResult is either an executed transaction or the reason it was not
// executed.
type ExecutionResult struct {
	Details *ExecutionDetails
	// ProgramsModifiedByTx holds the program cache entries the transaction
	// deployed or retracted.
	ProgramsModifiedByTx *programcache.OrderedEntries
	// Err is set when the transaction was not executed.
	Err error
}

// WasExecuted reports whether the transaction's instructions ran.
func (r ExecutionResult) WasExecuted() bool {
	return r.Details != nil
}

// WasExecutedSuccessfully reports whether the transaction ran and succeeded.
func (r ExecutionResult) WasExecutedSuccessfully() bool {
	return r.Details != nil && r.Details.Status == nil
}

// Status returns the transaction's failure, nil on success.
func (r ExecutionResult) Status() error {
	if r.Details != nil {
		return r.Details.Status
	}
	return r.Err
}

// LoadedAccountsStats summarizes what a transaction loaded.
type LoadedAccountsStats struct {
	LoadedAccountsDataSize int
	LoadedAccountsCount    int
}

// LoadAndExecuteOutput is the outcome of processing one transaction.
type LoadAndExecuteOutput struct {
	ErrorMetrics    svm.TransactionErrorMetrics
	ExecutionResult ExecutionResult
	// Loaded is nil when loading failed. After execution its accounts hold
	// the post execution state.
	Loaded *accountloader.LoadedTransaction
}

// LoadedAccountsStats returns the size of what was loaded, zero when loading
// failed.
func (o *LoadAndExecuteOutput) LoadedAccountsStats() LoadedAccountsStats {
	if o.Loaded == nil {
		return LoadedAccountsStats{}
	}
	return LoadedAccountsStats{
		LoadedAccountsDataSize: o.Loaded.LoadedAccountsDataSize,
		LoadedAccountsCount:    len(o.Loaded.Accounts),
	}
}
