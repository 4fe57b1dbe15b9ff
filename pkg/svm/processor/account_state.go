package processor

import (
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// AccountStateInfo is the rent state of one message account. Only writable
// accounts are tracked.
type AccountStateInfo struct {
	RentState accounts.RentState
	Tracked   bool
}

// NewAccountStateInfos captures the rent state of every writable account of
// msg.
func NewAccountStateInfos(rent accounts.Rent, tc *txcontext.TransactionContext, msg *svm.SanitizedMessage) []AccountStateInfo {
	infos := make([]AccountStateInfo, len(msg.AccountKeys()))
	for i := range infos {
		if !msg.IsWritable(i) {
			continue
		}
		account, err := tc.AccountAtIndex(txcontext.IndexOfAccount(i))
		if err != nil {
			continue
		}
		infos[i] = AccountStateInfo{RentState: accounts.RentStateFromAccount(account, rent), Tracked: true}
	}
	return infos
}

// VerifyAccountStateChanges fails for the first account left in a rent state
// it may not move into.
func VerifyAccountStateChanges(pre, post []AccountStateInfo, tc *txcontext.TransactionContext) error {
	for i := 0; i < len(pre) && i < len(post); i++ {
		if !pre[i].Tracked || !post[i].Tracked {
			continue
		}
		key, err := tc.KeyOfAccountAtIndex(txcontext.IndexOfAccount(i))
		if err != nil {
			return err
		}
		if !accounts.CheckRentStateWithAccount(pre[i].RentState, post[i].RentState, key) {
			return &svm.InsufficientFundsForRentError{AccountIndex: uint8(i)}
		}
	}
	return nil
}
