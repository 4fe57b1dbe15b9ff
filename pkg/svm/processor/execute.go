package processor

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/accountloader"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// transactionLevelStackHeight is the stack height of top level instructions.
const transactionLevelStackHeight = 1

// executeLoadedTransaction runs the instructions of msg over the loaded
// accounts and replaces them with their post execution state.
func (p *TransactionProcessor) executeLoadedTransaction(
	msg *svm.SanitizedMessage,
	loaded *accountloader.LoadedTransaction,
	batch *programcache.ForTxBatch,
	env Environment,
	features *svm.FeatureSet,
	rc accounts.RentCollector,
	cfg Config,
	metrics *svm.TransactionErrorMetrics,
) ExecutionResult {
	rent := rc.Rent
	lamportsBefore, ok := lamportsSum(loaded.Accounts, msg)
	if !ok {
		lamportsBefore = new(uint256.Int)
	}

	budget := svm.ComputeBudgetFromLimits(loaded.ComputeBudgetLimits)
	if cfg.ComputeBudget != nil {
		budget = *cfg.ComputeBudget
	}

	tc := txcontext.NewTransactionContext(loaded.Accounts, rent, budget.MaxInstructionStackDepth, budget.MaxInstructionTraceLength)
	pre := NewAccountStateInfos(rent, tc, msg)

	var logs *invoke.LogCollector
	if cfg.Recording.Logs {
		logs = invoke.NewLogCollector(cfg.LogMessagesBytesLimit)
	}

	ic := invoke.New(tc, batch, invoke.EnvironmentConfig{
		Blockhash:            env.Blockhash,
		Features:             features,
		LamportsPerSignature: env.LamportsPerSignature,
		Sysvars:              p.sysvarCache,
	}, logs, budget)

	executedUnits, status := invoke.ProcessMessage(msg, loaded.ProgramIndices, ic)
	if status == nil {
		post := NewAccountStateInfos(rent, tc, msg)
		status = VerifyAccountStateChanges(pre, post, tc)
	}
	if status != nil {
		var rentErr *svm.InsufficientFundsForRentError
		switch {
		case errors.As(status, &rentErr), errors.Is(status, svm.ErrInvalidRentPayingAccount):
			metrics.InvalidRentPayingAccount++
		case errors.Is(status, svm.ErrInvalidAccountIndex):
			metrics.InvalidAccountIndex++
		default:
			metrics.InstructionError++
		}
	}

	var inner [][]InnerInstruction
	if cfg.Recording.CPI {
		inner = innerInstructionsFromTrace(tc)
	}

	record := tc.Deconstruct()
	if status == nil {
		if after, ok := lamportsSum(record.Accounts, msg); !ok || !after.Eq(lamportsBefore) {
			status = svm.ErrUnbalancedTransaction
			metrics.UnbalancedTransaction++
		}
	}
	loaded.Accounts = record.Accounts

	var returnData *txcontext.ReturnData
	if cfg.Recording.ReturnData && len(record.ReturnData.Data) > 0 {
		rd := record.ReturnData
		returnData = &rd
	}

	return ExecutionResult{
		Details: &ExecutionDetails{
			Status:               status,
			LogMessages:          logs.Messages(),
			InnerInstructions:    inner,
			FeeDetails:           loaded.FeeDetails,
			ReturnData:           returnData,
			ExecutedUnits:        executedUnits,
			AccountsDataLenDelta: record.AccountsResizeDelta,
		},
		ProgramsModifiedByTx: batch.DrainModifiedEntries(),
	}
}

// lamportsSum adds up the native balances of the message accounts. It fails
// when an account is missing.
func lamportsSum(accs []txcontext.TransactionAccount, msg *svm.SanitizedMessage) (*uint256.Int, bool) {
	sum := new(uint256.Int)
	for i := range msg.AccountKeys() {
		if i >= len(accs) {
			return nil, false
		}
		if _, overflow := sum.AddOverflow(sum, accs[i].Account.LamportsValue().Native()); overflow {
			return nil, false
		}
	}
	return sum, true
}

// innerInstructionsFromTrace groups every nested instruction of the trace
// under the top level instruction it was invoked from.
func innerInstructionsFromTrace(tc *txcontext.TransactionContext) [][]InnerInstruction {
	var outer [][]InnerInstruction
	for i := 0; i < tc.InstructionTraceLength(); i++ {
		ixc, err := tc.InstructionContextAtIndexInTrace(i)
		if err != nil {
			continue
		}
		height := ixc.StackHeight()
		if height == transactionLevelStackHeight {
			outer = append(outer, []InnerInstruction{})
			continue
		}
		if len(outer) == 0 {
			continue
		}

		programIndex, _ := ixc.IndexOfProgramAccountInTransaction(txcontext.IndexOfAccount(max(ixc.NumberOfProgramAccounts()-1, 0)))
		accountIndices := make([]uint8, ixc.NumberOfInstructionAccounts())
		for j := range accountIndices {
			index, _ := ixc.IndexOfInstructionAccountInTransaction(txcontext.IndexOfAccount(j))
			accountIndices[j] = uint8(index)
		}
		data := append([]byte(nil), ixc.InstructionData()...)

		last := len(outer) - 1
		outer[last] = append(outer[last], InnerInstruction{
			Instruction: svm.CompiledInstruction{
				ProgramIDIndex: uint8(programIndex),
				Accounts:       accountIndices,
				Data:           data,
			},
			StackHeight: uint8(min(height, 0xff)),
		})
	}
	return outer
}
