package system

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// InstructionKind is the bincode tag of a system instruction.
type InstructionKind uint32

// Instruction discriminants.
const (
	InstructionCreateAccount InstructionKind = iota
	InstructionAssign
	InstructionTransfer
	InstructionCreateAccountWithSeed
	InstructionAdvanceNonceAccount
	InstructionWithdrawNonceAccount
	InstructionInitializeNonceAccount
	InstructionAuthorizeNonceAccount
	InstructionAllocate
	InstructionAllocateWithSeed
	InstructionAssignWithSeed
	InstructionTransferWithSeed
	InstructionUpgradeNonceAccount
)

var instructionNames = map[InstructionKind]string{
	InstructionCreateAccount:          "CreateAccount",
	InstructionAssign:                 "Assign",
	InstructionTransfer:               "Transfer",
	InstructionCreateAccountWithSeed:  "CreateAccountWithSeed",
	InstructionAdvanceNonceAccount:    "AdvanceNonceAccount",
	InstructionWithdrawNonceAccount:   "WithdrawNonceAccount",
	InstructionInitializeNonceAccount: "InitializeNonceAccount",
	InstructionAuthorizeNonceAccount:  "AuthorizeNonceAccount",
	InstructionAllocate:               "Allocate",
	InstructionAllocateWithSeed:       "AllocateWithSeed",
	InstructionAssignWithSeed:         "AssignWithSeed",
	InstructionTransferWithSeed:       "TransferWithSeed",
	InstructionUpgradeNonceAccount:    "UpgradeNonceAccount",
}

func (k InstructionKind) String() string {
	if name, ok := instructionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("InstructionKind(%d)", uint32(k))
}

// maxInstructionDataLen bounds the data a system instruction may carry, the
// size of a network packet.
const maxInstructionDataLen = 1232

// Instruction is a decoded system instruction. Only the fields of Kind are set.
type Instruction struct {
	Kind     InstructionKind
	Lamports uint64
	Space    uint64
	// Owner is the new owner for create, allocate and assign variants and the
	// owner of the source account for TransferWithSeed.
	Owner types.Pubkey
	Base  types.Pubkey
	Seed  string
	// Authority is the nonce authority for InitializeNonceAccount and
	// AuthorizeNonceAccount.
	Authority types.Pubkey
}

// DecodeInstruction parses system instruction data. Trailing bytes are
// ignored.
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) > maxInstructionDataLen {
		return Instruction{}, txcontext.ErrInvalidInstructionData
	}
	d := bin.NewBinDecoder(data)
	tag, err := d.ReadUint32(bin.LE)
	if err != nil {
		return Instruction{}, txcontext.ErrInvalidInstructionData
	}
	ix := Instruction{Kind: InstructionKind(tag)}
	r := reader{d: d}
	switch ix.Kind {
	case InstructionCreateAccount:
		ix.Lamports = r.u64()
		ix.Space = r.u64()
		ix.Owner = r.pubkey()
	case InstructionAssign:
		ix.Owner = r.pubkey()
	case InstructionTransfer, InstructionWithdrawNonceAccount:
		ix.Lamports = r.u64()
	case InstructionCreateAccountWithSeed:
		ix.Base = r.pubkey()
		ix.Seed = r.str()
		ix.Lamports = r.u64()
		ix.Space = r.u64()
		ix.Owner = r.pubkey()
	case InstructionAdvanceNonceAccount, InstructionUpgradeNonceAccount:
	case InstructionInitializeNonceAccount, InstructionAuthorizeNonceAccount:
		ix.Authority = r.pubkey()
	case InstructionAllocate:
		ix.Space = r.u64()
	case InstructionAllocateWithSeed:
		ix.Base = r.pubkey()
		ix.Seed = r.str()
		ix.Space = r.u64()
		ix.Owner = r.pubkey()
	case InstructionAssignWithSeed:
		ix.Base = r.pubkey()
		ix.Seed = r.str()
		ix.Owner = r.pubkey()
	case InstructionTransferWithSeed:
		ix.Lamports = r.u64()
		ix.Seed = r.str()
		ix.Owner = r.pubkey()
	default:
		return Instruction{}, txcontext.ErrInvalidInstructionData
	}
	if r.err != nil {
		return Instruction{}, txcontext.ErrInvalidInstructionData
	}
	return ix, nil
}

// Encode serializes the instruction.
func (ix Instruction) Encode() []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(uint32(ix.Kind), bin.LE)
	str := func(s string) {
		_ = enc.WriteUint64(uint64(len(s)), bin.LE)
		_ = enc.WriteBytes([]byte(s), false)
	}
	key := func(k types.Pubkey) { _ = enc.WriteBytes(k[:], false) }
	switch ix.Kind {
	case InstructionCreateAccount:
		_ = enc.WriteUint64(ix.Lamports, bin.LE)
		_ = enc.WriteUint64(ix.Space, bin.LE)
		key(ix.Owner)
	case InstructionAssign:
		key(ix.Owner)
	case InstructionTransfer, InstructionWithdrawNonceAccount:
		_ = enc.WriteUint64(ix.Lamports, bin.LE)
	case InstructionCreateAccountWithSeed:
		key(ix.Base)
		str(ix.Seed)
		_ = enc.WriteUint64(ix.Lamports, bin.LE)
		_ = enc.WriteUint64(ix.Space, bin.LE)
		key(ix.Owner)
	case InstructionInitializeNonceAccount, InstructionAuthorizeNonceAccount:
		key(ix.Authority)
	case InstructionAllocate:
		_ = enc.WriteUint64(ix.Space, bin.LE)
	case InstructionAllocateWithSeed:
		key(ix.Base)
		str(ix.Seed)
		_ = enc.WriteUint64(ix.Space, bin.LE)
		key(ix.Owner)
	case InstructionAssignWithSeed:
		key(ix.Base)
		str(ix.Seed)
		key(ix.Owner)
	case InstructionTransferWithSeed:
		_ = enc.WriteUint64(ix.Lamports, bin.LE)
		str(ix.Seed)
		key(ix.Owner)
	}
	return buf.Bytes()
}

var errInvalidUTF8 = errors.New("string is not valid utf-8")

// reader keeps the first decoding error so fields can be read in sequence.
type reader struct {
	d   *bin.Decoder
	err error
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	v, r.err = r.d.ReadUint64(bin.LE)
	return v
}

func (r *reader) pubkey() types.Pubkey {
	if r.err != nil {
		return types.Pubkey{}
	}
	raw, err := r.d.ReadBytes(types.PubkeySize)
	if err != nil {
		r.err = err
		return types.Pubkey{}
	}
	var k types.Pubkey
	copy(k[:], raw)
	return k
}

func (r *reader) str() string {
	n := r.u64()
	if r.err != nil {
		return ""
	}
	if n > uint64(r.d.Remaining()) {
		r.err = fmt.Errorf("string length %d exceeds %d remaining bytes", n, r.d.Remaining())
		return ""
	}
	raw, err := r.d.ReadBytes(int(n))
	if err != nil {
		r.err = err
		return ""
	}
	if !utf8.Valid(raw) {
		r.err = errInvalidUTF8
		return ""
	}
	return string(raw)
}
