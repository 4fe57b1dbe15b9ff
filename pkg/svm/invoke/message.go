package invoke

import (
	"fmt"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// ProcessMessage runs the instructions of msg in order. programIndices holds
// the program account chain of every instruction. It returns the compute
// units consumed, including those of a failing instruction, and stops at the
// first failure with an *svm.InstructionError.
func ProcessMessage(msg *svm.SanitizedMessage, programIndices [][]txcontext.IndexOfAccount, ic *InvokeContext) (uint64, error) {
	instructions := msg.Instructions()
	if len(programIndices) != len(instructions) {
		return 0, fmt.Errorf("%w: %d program chains for %d instructions",
			svm.ErrInvalidAccountIndex, len(programIndices), len(instructions))
	}

	tc := ic.TransactionContext
	var (
		executed         uint64
		instructionDatas [][]byte
	)
	for i, ix := range instructions {
		if index, ok := tc.FindIndexOfAccount(types.SysvarInstructionsAddr); ok {
			if account, err := tc.AccountAtIndex(index); err == nil {
				svm.StoreCurrentIndex(account.DataMut(), uint16(i))
			}
		}

		instructionAccounts := make([]txcontext.InstructionAccount, len(ix.Accounts))
		for j, indexInTransaction := range ix.Accounts {
			indexInCallee := j
			for k := 0; k < j; k++ {
				if ix.Accounts[k] == indexInTransaction {
					indexInCallee = k
					break
				}
			}
			instructionAccounts[j] = txcontext.InstructionAccount{
				IndexInTransaction: txcontext.IndexOfAccount(indexInTransaction),
				IndexInCaller:      txcontext.IndexOfAccount(indexInTransaction),
				IndexInCallee:      txcontext.IndexOfAccount(indexInCallee),
				IsSigner:           msg.IsSigner(int(indexInTransaction)),
				IsWritable:         msg.IsWritable(int(indexInTransaction)),
			}
		}

		var err error
		if programID := msg.ProgramID(ix); IsPrecompile(programID) {
			if instructionDatas == nil {
				instructionDatas = make([][]byte, len(instructions))
				for k, other := range instructions {
					instructionDatas[k] = other.Data
				}
			}
			err = ic.processPrecompile(programID, ix.Data, instructionAccounts, programIndices[i], instructionDatas)
		} else {
			var consumed uint64
			consumed, err = ic.ProcessInstruction(ix.Data, instructionAccounts, programIndices[i])
			executed = saturatingAdd(executed, consumed)
		}
		if err != nil {
			return executed, svm.NewInstructionError(i, err)
		}
	}
	return executed, nil
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}
