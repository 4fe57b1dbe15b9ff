package accounts

import "github.com/fortiblox/stratus-svm/internal/types"

// Overrides replaces ledger accounts during loading. Used for simulation.
type Overrides struct {
	accounts map[types.Pubkey]*AccountSharedData
}

// NewOverrides returns an empty override set.
func NewOverrides() *Overrides {
	return &Overrides{accounts: make(map[types.Pubkey]*AccountSharedData)}
}

// SetAccount inserts an override, or removes it when account is nil.
func (o *Overrides) SetAccount(address types.Pubkey, account *AccountSharedData) {
	if account == nil {
		delete(o.accounts, address)
		return
	}
	o.accounts[address] = account
}

// SetSlotHistory overrides the slot history sysvar. The data is not checked.
func (o *Overrides) SetSlotHistory(account *AccountSharedData) {
	o.SetAccount(types.SysvarSlotHistoryAddr, account)
}

// Get returns the override for address, if any.
func (o *Overrides) Get(address types.Pubkey) (*AccountSharedData, bool) {
	if o == nil {
		return nil, false
	}
	a, ok := o.accounts[address]
	return a, ok
}
