// Package geyser streams committed state to subscribers over gRPC.
//
// The server implements bank.Observer: every account a transaction commits,
// the transaction itself and every finished block are published to the
// subscribers whose filters match. Messages use a compact binary encoding
// instead of protobuf, so the service is served and dialed with a forced
// codec.
//
// Updates are pushed into a bounded buffer per subscriber. A subscriber that
// falls behind is disconnected rather than slowing down the runtime.
package geyser

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// ErrInvalidMessage is returned when a message cannot be decoded.
var ErrInvalidMessage = errors.New("invalid geyser message")

// UpdateKind identifies the payload of an Update.
type UpdateKind uint8

const (
	// UpdateAccount carries an AccountUpdate.
	UpdateAccount UpdateKind = iota + 1
	// UpdateTransaction carries a TransactionUpdate.
	UpdateTransaction
	// UpdateBlock carries a BlockUpdate.
	UpdateBlock
)

// String returns the string representation of the kind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateAccount:
		return "account"
	case UpdateTransaction:
		return "transaction"
	case UpdateBlock:
		return "block"
	default:
		return "unknown"
	}
}

// AccountUpdate is the state of an account after a committed transaction.
type AccountUpdate struct {
	Slot       uint64
	Pubkey     types.Pubkey
	Lamports   uint64
	Owner      types.Pubkey
	Executable bool
	RentEpoch  uint64
	Data       []byte
	// TxSignature is the transaction that wrote the account.
	TxSignature types.Signature
}

// TransactionUpdate describes a committed transaction.
type TransactionUpdate struct {
	Slot      uint64
	Signature types.Signature
	// Err is empty when the transaction succeeded.
	Err           string
	Fee           uint64
	ExecutedUnits uint64
	LogMessages   []string
	// Accounts lists the written accounts.
	Accounts []types.Pubkey
}

// BlockUpdate describes a finalized block.
type BlockUpdate struct {
	Number            uint64
	Hash              types.Hash
	ParentHash        types.Hash
	Timestamp         int64
	AccountsDeltaHash types.Hash
	SignatureCount    uint64
}

// Update is one message of a subscription stream. Exactly one payload is set,
// matching Kind.
type Update struct {
	Kind        UpdateKind
	Account     *AccountUpdate
	Transaction *TransactionUpdate
	Block       *BlockUpdate
}

// MarshalBinary encodes the update.
func (u *Update) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(uint8(u.Kind)); err != nil {
		return nil, err
	}
	var err error
	switch u.Kind {
	case UpdateAccount:
		if u.Account == nil {
			return nil, fmt.Errorf("%w: missing account payload", ErrInvalidMessage)
		}
		err = u.Account.encode(enc)
	case UpdateTransaction:
		if u.Transaction == nil {
			return nil, fmt.Errorf("%w: missing transaction payload", ErrInvalidMessage)
		}
		err = u.Transaction.encode(enc)
	case UpdateBlock:
		if u.Block == nil {
			return nil, fmt.Errorf("%w: missing block payload", ErrInvalidMessage)
		}
		err = u.Block.encode(enc)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidMessage, u.Kind)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an update written by MarshalBinary.
func (u *Update) UnmarshalBinary(data []byte) error {
	d := bin.NewBinDecoder(data)
	kind, err := d.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	*u = Update{Kind: UpdateKind(kind)}
	switch u.Kind {
	case UpdateAccount:
		u.Account = new(AccountUpdate)
		err = u.Account.decode(d)
	case UpdateTransaction:
		u.Transaction = new(TransactionUpdate)
		err = u.Transaction.decode(d)
	case UpdateBlock:
		u.Block = new(BlockUpdate)
		err = u.Block.decode(d)
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidMessage, kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, u.Kind, err)
	}
	if d.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, d.Remaining())
	}
	return nil
}

func (a *AccountUpdate) encode(enc *bin.Encoder) error {
	return firstErr(
		enc.WriteUint64(a.Slot, bin.LE),
		enc.WriteBytes(a.Pubkey[:], false),
		enc.WriteUint64(a.Lamports, bin.LE),
		enc.WriteBytes(a.Owner[:], false),
		enc.WriteBool(a.Executable),
		enc.WriteUint64(a.RentEpoch, bin.LE),
		enc.WriteBytes(a.Data, true),
		enc.WriteBytes(a.TxSignature[:], false),
	)
}

func (a *AccountUpdate) decode(d *bin.Decoder) (err error) {
	if a.Slot, err = d.ReadUint64(bin.LE); err != nil {
		return err
	}
	if err = readFixed(d, a.Pubkey[:]); err != nil {
		return err
	}
	if a.Lamports, err = d.ReadUint64(bin.LE); err != nil {
		return err
	}
	if err = readFixed(d, a.Owner[:]); err != nil {
		return err
	}
	if a.Executable, err = d.ReadBool(); err != nil {
		return err
	}
	if a.RentEpoch, err = d.ReadUint64(bin.LE); err != nil {
		return err
	}
	data, err := d.ReadByteSlice()
	if err != nil {
		return err
	}
	a.Data = append([]byte(nil), data...)
	return readFixed(d, a.TxSignature[:])
}

func (t *TransactionUpdate) encode(enc *bin.Encoder) error {
	if err := firstErr(
		enc.WriteUint64(t.Slot, bin.LE),
		enc.WriteBytes(t.Signature[:], false),
		enc.WriteString(t.Err),
		enc.WriteUint64(t.Fee, bin.LE),
		enc.WriteUint64(t.ExecutedUnits, bin.LE),
		enc.WriteLength(len(t.LogMessages)),
	); err != nil {
		return err
	}
	for _, msg := range t.LogMessages {
		if err := enc.WriteString(msg); err != nil {
			return err
		}
	}
	if err := enc.WriteLength(len(t.Accounts)); err != nil {
		return err
	}
	for _, key := range t.Accounts {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return err
		}
	}
	return nil
}

func (t *TransactionUpdate) decode(d *bin.Decoder) (err error) {
	if t.Slot, err = d.ReadUint64(bin.LE); err != nil {
		return err
	}
	if err = readFixed(d, t.Signature[:]); err != nil {
		return err
	}
	if t.Err, err = d.ReadString(); err != nil {
		return err
	}
	if t.Fee, err = d.ReadUint64(bin.LE); err != nil {
		return err
	}
	if t.ExecutedUnits, err = d.ReadUint64(bin.LE); err != nil {
		return err
	}
	n, err := d.ReadLength()
	if err != nil {
		return err
	}
	if n > d.Remaining() {
		return fmt.Errorf("log count %d exceeds message", n)
	}
	for i := 0; i < n; i++ {
		msg, err := d.ReadString()
		if err != nil {
			return err
		}
		t.LogMessages = append(t.LogMessages, msg)
	}
	if n, err = d.ReadLength(); err != nil {
		return err
	}
	if n*types.PubkeySize > d.Remaining() {
		return fmt.Errorf("account count %d exceeds message", n)
	}
	t.Accounts = make([]types.Pubkey, n)
	for i := range t.Accounts {
		if err := readFixed(d, t.Accounts[i][:]); err != nil {
			return err
		}
	}
	return nil
}

func (b *BlockUpdate) encode(enc *bin.Encoder) error {
	return firstErr(
		enc.WriteUint64(b.Number, bin.LE),
		enc.WriteBytes(b.Hash[:], false),
		enc.WriteBytes(b.ParentHash[:], false),
		enc.WriteInt64(b.Timestamp, bin.LE),
		enc.WriteBytes(b.AccountsDeltaHash[:], false),
		enc.WriteUint64(b.SignatureCount, bin.LE),
	)
}

func (b *BlockUpdate) decode(d *bin.Decoder) (err error) {
	if b.Number, err = d.ReadUint64(bin.LE); err != nil {
		return err
	}
	if err = readFixed(d, b.Hash[:]); err != nil {
		return err
	}
	if err = readFixed(d, b.ParentHash[:]); err != nil {
		return err
	}
	if b.Timestamp, err = d.ReadInt64(bin.LE); err != nil {
		return err
	}
	if err = readFixed(d, b.AccountsDeltaHash[:]); err != nil {
		return err
	}
	b.SignatureCount, err = d.ReadUint64(bin.LE)
	return err
}

// SubscribeRequest selects what a subscriber receives.
type SubscribeRequest struct {
	// Accounts and Owners filter account updates by address or owner. An
	// account matching either list is sent. With both empty, account
	// updates are sent only when AllAccounts is set.
	Accounts    []types.Pubkey
	Owners      []types.Pubkey
	AllAccounts bool

	Transactions bool
	// IncludeFailed also sends transactions whose instructions failed.
	IncludeFailed bool

	Blocks bool
}

// MarshalBinary encodes the request.
func (r *SubscribeRequest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	for _, keys := range [][]types.Pubkey{r.Accounts, r.Owners} {
		if err := enc.WriteLength(len(keys)); err != nil {
			return nil, err
		}
		for _, key := range keys {
			if err := enc.WriteBytes(key[:], false); err != nil {
				return nil, err
			}
		}
	}
	if err := firstErr(
		enc.WriteBool(r.AllAccounts),
		enc.WriteBool(r.Transactions),
		enc.WriteBool(r.IncludeFailed),
		enc.WriteBool(r.Blocks),
	); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a request written by MarshalBinary.
func (r *SubscribeRequest) UnmarshalBinary(data []byte) error {
	d := bin.NewBinDecoder(data)
	*r = SubscribeRequest{}
	lists := []*[]types.Pubkey{&r.Accounts, &r.Owners}
	for _, list := range lists {
		n, err := d.ReadLength()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if n*types.PubkeySize > d.Remaining() {
			return fmt.Errorf("%w: filter size %d", ErrInvalidMessage, n)
		}
		keys := make([]types.Pubkey, n)
		for i := range keys {
			if err := readFixed(d, keys[i][:]); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
		}
		if n > 0 {
			*list = keys
		}
	}
	for _, flag := range []*bool{&r.AllAccounts, &r.Transactions, &r.IncludeFailed, &r.Blocks} {
		v, err := d.ReadBool()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		*flag = v
	}
	return nil
}

func readFixed(d *bin.Decoder, out []byte) error {
	raw, err := d.ReadBytes(len(out))
	if err != nil {
		return err
	}
	copy(out, raw)
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
