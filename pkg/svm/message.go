package svm

import (
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// MaxTxAccountLocks is the most accounts a single transaction may lock.
const MaxTxAccountLocks = 64

// noncedTxMarkerIxIndex is the instruction that must advance the nonce of a
// durable nonce transaction.
const noncedTxMarkerIxIndex = 0

// systemAdvanceNonceAccount is the system instruction tag of AdvanceNonceAccount.
const systemAdvanceNonceAccount = 4

var messageHashPrefix = []byte("solana-tx-message-v1")

// MessageHeader partitions the account keys of a message.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references its program and accounts by key index.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy Solana message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []types.Pubkey
	RecentBlockhash types.Hash
	Instructions    []CompiledInstruction
}

// Sanitize checks the structural invariants of the message.
func (m *Message) Sanitize() error {
	h := m.Header
	if int(h.NumRequiredSignatures)+int(h.NumReadonlyUnsignedAccounts) > len(m.AccountKeys) {
		return fmt.Errorf("%w: signing and read-only areas overlap", ErrSanitizeFailure)
	}
	if h.NumReadonlySignedAccounts >= h.NumRequiredSignatures {
		return fmt.Errorf("%w: no writable fee payer", ErrSanitizeFailure)
	}
	for i, ix := range m.Instructions {
		if int(ix.ProgramIDIndex) >= len(m.AccountKeys) {
			return fmt.Errorf("%w: instruction %d program index out of bounds", ErrSanitizeFailure, i)
		}
		if ix.ProgramIDIndex == 0 {
			return fmt.Errorf("%w: instruction %d invokes the fee payer", ErrSanitizeFailure, i)
		}
		for _, a := range ix.Accounts {
			if int(a) >= len(m.AccountKeys) {
				return fmt.Errorf("%w: instruction %d account index out of bounds", ErrSanitizeFailure, i)
			}
		}
	}
	return nil
}

// isWritableIndex is the positional writability from the header alone.
func (m *Message) isWritableIndex(i int) bool {
	h := m.Header
	numSigned := int(h.NumRequiredSignatures)
	if i < numSigned-int(h.NumReadonlySignedAccounts) {
		return true
	}
	return i >= numSigned && i < len(m.AccountKeys)-int(h.NumReadonlyUnsignedAccounts)
}

func (m *Message) isKeyCalledAsProgram(i int) bool {
	for _, ix := range m.Instructions {
		if int(ix.ProgramIDIndex) == i {
			return true
		}
	}
	return false
}

func (m *Message) isUpgradeableLoaderPresent() bool {
	for _, k := range m.AccountKeys {
		if k == types.BPFLoaderUpgradeableAddr {
			return true
		}
	}
	return false
}

// Serialize encodes the message in legacy wire format.
func (m *Message) Serialize() []byte {
	var buf []byte
	buf = append(buf, m.Header.NumRequiredSignatures, m.Header.NumReadonlySignedAccounts, m.Header.NumReadonlyUnsignedAccounts)
	bin.EncodeCompactU16Length(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)
	bin.EncodeCompactU16Length(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		bin.EncodeCompactU16Length(&buf, len(ix.Accounts))
		buf = append(buf, ix.Accounts...)
		bin.EncodeCompactU16Length(&buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// ReservedAccountKeys are addresses that can never be write locked.
type ReservedAccountKeys map[types.Pubkey]struct{}

// NewReservedAccountKeys returns the sysvars and builtin program ids.
func NewReservedAccountKeys() ReservedAccountKeys {
	keys := []types.Pubkey{
		types.SystemProgramAddr,
		types.VoteProgramAddr,
		types.StakeProgramAddr,
		types.ComputeBudgetProgramAddr,
		types.AddressLookupTableProgramAddr,
		types.BPFLoaderDeprecatedAddr,
		types.BPFLoaderAddr,
		types.BPFLoaderUpgradeableAddr,
		types.LoaderV4Addr,
		types.NativeLoaderAddr,
		types.SysvarProgramAddr,
		types.Secp256k1ProgramAddr,
		types.Ed25519ProgramAddr,
		types.SysvarClockAddr,
		types.SysvarRentAddr,
		types.SysvarEpochScheduleAddr,
		types.SysvarRecentBlockhashesAddr,
		types.SysvarSlotHistoryAddr,
		types.SysvarInstructionsAddr,
	}
	r := make(ReservedAccountKeys, len(keys))
	for _, k := range keys {
		r[k] = struct{}{}
	}
	return r
}

// SanitizedMessage is a message that passed Sanitize, with writability
// resolved once.
type SanitizedMessage struct {
	msg      Message
	writable []bool
}

// NewSanitizedMessage sanitizes m. Keys in reserved are never writable, and
// neither is a program id unless the upgradeable loader is among the keys.
func NewSanitizedMessage(m Message, reserved ReservedAccountKeys) (*SanitizedMessage, error) {
	if err := m.Sanitize(); err != nil {
		return nil, err
	}
	upgradeable := m.isUpgradeableLoaderPresent()
	writable := make([]bool, len(m.AccountKeys))
	for i, k := range m.AccountKeys {
		if !m.isWritableIndex(i) {
			continue
		}
		if _, ok := reserved[k]; ok {
			continue
		}
		if m.isKeyCalledAsProgram(i) && !upgradeable {
			continue
		}
		writable[i] = true
	}
	return &SanitizedMessage{msg: m, writable: writable}, nil
}

// Message returns the underlying message.
func (s *SanitizedMessage) Message() *Message {
	return &s.msg
}

// AccountKeys returns the static account keys.
func (s *SanitizedMessage) AccountKeys() []types.Pubkey {
	return s.msg.AccountKeys
}

// Header returns the message header.
func (s *SanitizedMessage) Header() MessageHeader {
	return s.msg.Header
}

// FeePayer returns the first account key.
func (s *SanitizedMessage) FeePayer() types.Pubkey {
	return s.msg.AccountKeys[0]
}

// RecentBlockhash returns the blockhash (or durable nonce) the message references.
func (s *SanitizedMessage) RecentBlockhash() types.Hash {
	return s.msg.RecentBlockhash
}

// Instructions returns the compiled instructions.
func (s *SanitizedMessage) Instructions() []CompiledInstruction {
	return s.msg.Instructions
}

// ProgramID returns the program invoked by ix.
func (s *SanitizedMessage) ProgramID(ix CompiledInstruction) types.Pubkey {
	return s.msg.AccountKeys[ix.ProgramIDIndex]
}

// IsWritable reports whether the key at i is write locked.
func (s *SanitizedMessage) IsWritable(i int) bool {
	return i >= 0 && i < len(s.writable) && s.writable[i]
}

// IsSigner reports whether the key at i must sign.
func (s *SanitizedMessage) IsSigner(i int) bool {
	return i >= 0 && i < int(s.msg.Header.NumRequiredSignatures)
}

// IsInvoked reports whether the key at i is called as a program.
func (s *SanitizedMessage) IsInvoked(i int) bool {
	return s.msg.isKeyCalledAsProgram(i)
}

// IsInstructionAccount reports whether the key at i is passed to any instruction.
func (s *SanitizedMessage) IsInstructionAccount(i int) bool {
	for _, ix := range s.msg.Instructions {
		for _, a := range ix.Accounts {
			if int(a) == i {
				return true
			}
		}
	}
	return false
}

// NumWriteLocks returns how many keys are write locked.
func (s *SanitizedMessage) NumWriteLocks() int {
	n := 0
	for _, w := range s.writable {
		if w {
			n++
		}
	}
	return n
}

// NumTotalSignatures counts transaction signatures plus those checked by
// the signature verification precompiles.
func (s *SanitizedMessage) NumTotalSignatures() uint64 {
	total := uint64(s.msg.Header.NumRequiredSignatures)
	for _, ix := range s.msg.Instructions {
		id := s.ProgramID(ix)
		if (id == types.Secp256k1ProgramAddr || id == types.Ed25519ProgramAddr) && len(ix.Data) > 0 {
			total += uint64(ix.Data[0])
		}
	}
	return total
}

// DurableNonce returns the nonce account address if the message is a durable
// nonce transaction: its first instruction advances a writable nonce account.
func (s *SanitizedMessage) DurableNonce() (types.Pubkey, bool) {
	if len(s.msg.Instructions) <= noncedTxMarkerIxIndex {
		return types.Pubkey{}, false
	}
	ix := s.msg.Instructions[noncedTxMarkerIxIndex]
	if s.ProgramID(ix) != types.SystemProgramAddr {
		return types.Pubkey{}, false
	}
	if len(ix.Data) < 4 || binary.LittleEndian.Uint32(ix.Data) != systemAdvanceNonceAccount {
		return types.Pubkey{}, false
	}
	if len(ix.Accounts) == 0 || !s.IsWritable(int(ix.Accounts[0])) {
		return types.Pubkey{}, false
	}
	return s.msg.AccountKeys[ix.Accounts[0]], true
}

// IxSigners returns the signing keys passed to instruction index.
func (s *SanitizedMessage) IxSigners(index int) []types.Pubkey {
	if index < 0 || index >= len(s.msg.Instructions) {
		return nil
	}
	var signers []types.Pubkey
	for _, a := range s.msg.Instructions[index].Accounts {
		if s.IsSigner(int(a)) {
			signers = append(signers, s.msg.AccountKeys[a])
		}
	}
	return signers
}

// InstructionAccountMeta is a resolved instruction account.
type InstructionAccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a compiled instruction with its keys resolved.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []InstructionAccountMeta
	Data      []byte
}

// DecompileInstructions resolves every instruction against the account keys.
func (s *SanitizedMessage) DecompileInstructions() []Instruction {
	out := make([]Instruction, len(s.msg.Instructions))
	for i, ix := range s.msg.Instructions {
		metas := make([]InstructionAccountMeta, len(ix.Accounts))
		for j, a := range ix.Accounts {
			metas[j] = InstructionAccountMeta{
				Pubkey:     s.msg.AccountKeys[a],
				IsSigner:   s.IsSigner(int(a)),
				IsWritable: s.IsWritable(int(a)),
			}
		}
		out[i] = Instruction{ProgramID: s.ProgramID(ix), Accounts: metas, Data: ix.Data}
	}
	return out
}

// SanitizedTransaction is a signed, sanitized transaction.
type SanitizedTransaction struct {
	message      *SanitizedMessage
	messageHash  types.Hash
	messageBytes []byte
	signatures   []types.Signature
}

// NewSanitizedTransaction sanitizes msg and binds it to its signatures.
// messageBytes are the signed bytes; nil re-serializes msg.
func NewSanitizedTransaction(msg Message, signatures []types.Signature, messageBytes []byte, reserved ReservedAccountKeys) (*SanitizedTransaction, error) {
	switch {
	case int(msg.Header.NumRequiredSignatures) > len(signatures):
		return nil, fmt.Errorf("%w: missing signatures", ErrSanitizeFailure)
	case int(msg.Header.NumRequiredSignatures) < len(signatures):
		return nil, fmt.Errorf("%w: too many signatures", ErrSanitizeFailure)
	case len(signatures) > len(msg.AccountKeys):
		return nil, fmt.Errorf("%w: more signatures than keys", ErrSanitizeFailure)
	}
	sm, err := NewSanitizedMessage(msg, reserved)
	if err != nil {
		return nil, err
	}
	if messageBytes == nil {
		messageBytes = msg.Serialize()
	}
	return &SanitizedTransaction{
		message:      sm,
		messageHash:  HashMessage(messageBytes),
		messageBytes: messageBytes,
		signatures:   signatures,
	}, nil
}

// HashMessage returns the blake3 message hash used for deduplication.
func HashMessage(messageBytes []byte) types.Hash {
	h := blake3.New()
	_, _ = h.Write(messageHashPrefix)
	_, _ = h.Write(messageBytes)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Message returns the sanitized message.
func (t *SanitizedTransaction) Message() *SanitizedMessage {
	return t.message
}

// MessageHash returns the hash of the signed message bytes.
func (t *SanitizedTransaction) MessageHash() types.Hash {
	return t.messageHash
}

// Signature returns the first signature, the transaction id.
func (t *SanitizedTransaction) Signature() types.Signature {
	return t.signatures[0]
}

// Signatures returns all signatures.
func (t *SanitizedTransaction) Signatures() []types.Signature {
	return t.signatures
}

// VerifySignatures checks every signature against its signer key.
func (t *SanitizedTransaction) VerifySignatures() error {
	keys := t.message.AccountKeys()
	for i, sig := range t.signatures {
		if !sig.Verify(keys[i], t.messageBytes) {
			return fmt.Errorf("%w: signer %s", ErrSignatureFailure, keys[i])
		}
	}
	return nil
}

// ValidateAccountLocks rejects duplicate keys and too many locks.
func (t *SanitizedTransaction) ValidateAccountLocks(limit int) error {
	keys := t.message.AccountKeys()
	seen := make(map[types.Pubkey]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return ErrAccountLoadedTwice
		}
		seen[k] = struct{}{}
	}
	if len(keys) > limit {
		return ErrTooManyAccountLocks
	}
	return nil
}

// DecodeTransaction parses a wire transaction. Versioned messages that use
// address lookup tables are rejected.
func DecodeTransaction(data []byte, reserved ReservedAccountKeys) (*SanitizedTransaction, error) {
	decoder := bin.NewBinDecoder(data)
	tx, err := solana.TransactionFromDecoder(decoder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSanitizeFailure, err)
	}
	if decoder.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSanitizeFailure, decoder.Remaining())
	}
	if len(tx.Message.AddressTableLookups) > 0 {
		return nil, ErrUnsupportedVersion
	}

	var prefix []byte
	bin.EncodeCompactU16Length(&prefix, len(tx.Signatures))
	messageBytes := data[len(prefix)+len(tx.Signatures)*types.SignatureSize:]

	msg := Message{
		Header: MessageHeader{
			NumRequiredSignatures:       tx.Message.Header.NumRequiredSignatures,
			NumReadonlySignedAccounts:   tx.Message.Header.NumReadonlySignedAccounts,
			NumReadonlyUnsignedAccounts: tx.Message.Header.NumReadonlyUnsignedAccounts,
		},
		AccountKeys:     make([]types.Pubkey, len(tx.Message.AccountKeys)),
		RecentBlockhash: types.Hash(tx.Message.RecentBlockhash),
		Instructions:    make([]CompiledInstruction, len(tx.Message.Instructions)),
	}
	for i, k := range tx.Message.AccountKeys {
		msg.AccountKeys[i] = types.Pubkey(k)
	}
	for i, ix := range tx.Message.Instructions {
		if ix.ProgramIDIndex > 0xff {
			return nil, fmt.Errorf("%w: program index %d", ErrSanitizeFailure, ix.ProgramIDIndex)
		}
		accs := make([]uint8, len(ix.Accounts))
		for j, a := range ix.Accounts {
			accs[j] = uint8(a)
		}
		msg.Instructions[i] = CompiledInstruction{
			ProgramIDIndex: uint8(ix.ProgramIDIndex),
			Accounts:       accs,
			Data:           []byte(ix.Data),
		}
	}
	sigs := make([]types.Signature, len(tx.Signatures))
	for i, s := range tx.Signatures {
		sigs[i] = types.Signature(s)
	}
	return NewSanitizedTransaction(msg, sigs, messageBytes, reserved)
}
