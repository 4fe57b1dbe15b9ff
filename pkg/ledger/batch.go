package ledger

import (
	"github.com/holiman/uint256"

	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

// Batch stages account writes for Ledger.Apply. Nothing reaches the ledger
// until the batch is applied. A Batch is not safe for concurrent use.
type Batch struct {
	ops   map[AccountID]*batchOp
	order []AccountID
}

type batchOp struct {
	meta    *accounts.AccountMeta
	data    []byte
	setData bool
	balance []balanceChange
}

type balanceChange struct {
	amount   *uint256.Int
	decrease bool
}

// accountWrite is the final state a batch leaves one account in. Fields left
// nil (or setData false) are not touched.
type accountWrite struct {
	id      AccountID
	meta    *accounts.AccountMeta
	data    []byte
	setData bool
	balance *uint256.Int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{ops: make(map[AccountID]*batchOp)}
}

func (b *Batch) op(id AccountID) *batchOp {
	op, ok := b.ops[id]
	if !ok {
		op = &batchOp{}
		b.ops[id] = op
		b.order = append(b.order, id)
	}
	return op
}

// Len returns the number of accounts the batch writes.
func (b *Batch) Len() int {
	return len(b.order)
}

// SetAccountMeta stages the metadata of id.
func (b *Batch) SetAccountMeta(id AccountID, meta accounts.AccountMeta) {
	b.op(id).meta = &meta
}

// SetAccountData stages the data of id. Empty data removes the entry.
func (b *Batch) SetAccountData(id AccountID, data []byte) {
	op := b.op(id)
	op.data = append([]byte(nil), data...)
	op.setData = true
}

// IncreaseBalance stages adding amount to the balance of id.
func (b *Batch) IncreaseBalance(id AccountID, amount *uint256.Int) {
	op := b.op(id)
	op.balance = append(op.balance, balanceChange{amount: new(uint256.Int).Set(amount)})
}

// DecreaseBalance stages subtracting amount from the balance of id. Apply
// fails with ErrInsufficientBalance if the balance would go negative.
func (b *Batch) DecreaseBalance(id AccountID, amount *uint256.Int) {
	op := b.op(id)
	op.balance = append(op.balance, balanceChange{amount: new(uint256.Int).Set(amount), decrease: true})
}

// resolve checks every staged change against the current balances and the
// data length limit and returns the writes in staging order.
func (b *Batch) resolve(maxData int, balance func(AccountID) (*uint256.Int, error)) ([]accountWrite, error) {
	writes := make([]accountWrite, 0, len(b.order))
	for _, id := range b.order {
		op := b.ops[id]
		w := accountWrite{id: id, meta: op.meta, data: op.data, setData: op.setData}
		if op.setData && maxData > 0 && len(op.data) > maxData {
			return nil, ErrDataTooLarge
		}
		if len(op.balance) > 0 {
			cur, err := balance(id)
			if err != nil {
				return nil, err
			}
			for _, c := range op.balance {
				if c.decrease {
					cur, err = decrease(cur, c.amount)
				} else {
					cur, err = increase(cur, c.amount)
				}
				if err != nil {
					return nil, err
				}
			}
			w.balance = cur
		}
		writes = append(writes, w)
	}
	return writes, nil
}
