package bpfloader

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// DeploymentCooldownInSlots is the number of slots a loader v4 program must
// wait after a deployment before it can be deployed or retracted again.
const DeploymentCooldownInSlots = 750

// LoaderV4InstructionKind is the bincode tag of a loader v4 instruction.
type LoaderV4InstructionKind uint32

const (
	LoaderV4Write LoaderV4InstructionKind = iota
	LoaderV4Truncate
	LoaderV4Deploy
	LoaderV4Retract
	LoaderV4TransferAuthority
)

// LoaderV4Instruction is a decoded loader v4 instruction.
type LoaderV4Instruction struct {
	Kind LoaderV4InstructionKind
	// Offset and Bytes are set for Write.
	Offset uint32
	Bytes  []byte
	// NewSize is set for Truncate.
	NewSize uint32
}

// DecodeLoaderV4Instruction parses loader v4 instruction data.
func DecodeLoaderV4Instruction(data []byte) (LoaderV4Instruction, error) {
	d := bin.NewBinDecoder(data)
	tag, err := d.ReadUint32(bin.LE)
	if err != nil {
		return LoaderV4Instruction{}, txcontext.ErrInvalidInstructionData
	}
	ix := LoaderV4Instruction{Kind: LoaderV4InstructionKind(tag)}
	switch ix.Kind {
	case LoaderV4Write:
		if ix.Offset, err = d.ReadUint32(bin.LE); err != nil {
			return LoaderV4Instruction{}, txcontext.ErrInvalidInstructionData
		}
		n, err := d.ReadUint64(bin.LE)
		if err != nil || n > uint64(d.Remaining()) {
			return LoaderV4Instruction{}, txcontext.ErrInvalidInstructionData
		}
		if ix.Bytes, err = d.ReadBytes(int(n)); err != nil {
			return LoaderV4Instruction{}, txcontext.ErrInvalidInstructionData
		}
	case LoaderV4Truncate:
		if ix.NewSize, err = d.ReadUint32(bin.LE); err != nil {
			return LoaderV4Instruction{}, txcontext.ErrInvalidInstructionData
		}
	case LoaderV4Deploy, LoaderV4Retract, LoaderV4TransferAuthority:
	default:
		return LoaderV4Instruction{}, txcontext.ErrInvalidInstructionData
	}
	return ix, nil
}

// Encode serializes the instruction.
func (ix LoaderV4Instruction) Encode() []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(uint32(ix.Kind), bin.LE)
	switch ix.Kind {
	case LoaderV4Write:
		_ = enc.WriteUint32(ix.Offset, bin.LE)
		_ = enc.WriteUint64(uint64(len(ix.Bytes)), bin.LE)
		_ = enc.WriteBytes(ix.Bytes, false)
	case LoaderV4Truncate:
		_ = enc.WriteUint32(ix.NewSize, bin.LE)
	}
	return buf.Bytes()
}

// loaderV4 carries the state of one management instruction. Account 0 is the
// program, account 1 its authority.
type loaderV4 struct {
	ic  *invoke.InvokeContext
	tc  *txcontext.TransactionContext
	ixc *txcontext.InstructionContext
}

func processLoaderV4Instruction(ic *invoke.InvokeContext) error {
	ixc, err := ic.CurrentInstruction()
	if err != nil {
		return err
	}
	ix, err := DecodeLoaderV4Instruction(ixc.InstructionData())
	if err != nil {
		return err
	}
	l := &loaderV4{ic: ic, tc: ic.TransactionContext, ixc: ixc}
	switch ix.Kind {
	case LoaderV4Write:
		return l.write(ix.Offset, ix.Bytes)
	case LoaderV4Truncate:
		return l.truncate(ix.NewSize)
	case LoaderV4Deploy:
		return l.deploy()
	case LoaderV4Retract:
		return l.retract()
	default:
		return l.transferAuthority()
	}
}

func (l *loaderV4) key(index txcontext.IndexOfAccount) (types.Pubkey, error) {
	inTx, err := l.ixc.IndexOfInstructionAccountInTransaction(index)
	if err != nil {
		return types.Pubkey{}, err
	}
	return l.tc.KeyOfAccountAtIndex(inTx)
}

func (l *loaderV4) program() (*txcontext.BorrowedAccount, types.Pubkey, error) {
	program, err := l.ixc.TryBorrowInstructionAccount(l.tc, 0)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	authority, err := l.key(1)
	if err != nil {
		program.Release()
		return nil, types.Pubkey{}, err
	}
	return program, authority, nil
}

func (l *loaderV4) currentSlot() (uint64, error) {
	clock, err := l.ic.Env.Sysvars.Clock()
	if err != nil {
		return 0, err
	}
	return clock.Slot, nil
}

// checkProgramAccount validates an initialized program account against the
// signing authority and returns its state.
func (l *loaderV4) checkProgramAccount(program *txcontext.BorrowedAccount, authority types.Pubkey) (programcache.LoaderV4State, error) {
	if program.Owner() != types.LoaderV4Addr {
		l.ic.Log("Program not owned by loader")
		return programcache.LoaderV4State{}, txcontext.ErrInvalidAccountOwner
	}
	if program.DataLen() == 0 {
		l.ic.Log("Program is uninitialized")
		return programcache.LoaderV4State{}, txcontext.ErrInvalidAccountData
	}
	state, err := programcache.DecodeLoaderV4State(program.Data())
	if err != nil {
		return programcache.LoaderV4State{}, txcontext.ErrAccountDataTooSmall
	}
	if !program.IsWritable() {
		l.ic.Log("Program is not writeable")
		return programcache.LoaderV4State{}, txcontext.ErrInvalidArgument
	}
	if signed, err := l.ixc.IsInstructionAccountSigner(1); err != nil || !signed {
		l.ic.Log("Authority did not sign")
		return programcache.LoaderV4State{}, txcontext.ErrMissingRequiredSignature
	}
	if state.AuthorityAddressOrNextVersion != authority {
		l.ic.Log("Incorrect authority provided")
		return programcache.LoaderV4State{}, txcontext.ErrIncorrectAuthority
	}
	if state.Status == programcache.LoaderV4Finalized {
		l.ic.Log("Program is finalized")
		return programcache.LoaderV4State{}, txcontext.ErrImmutable
	}
	return state, nil
}

func (l *loaderV4) checkCooldown(state programcache.LoaderV4State, slot uint64) error {
	// Slot 0 marks a program that was never deployed.
	if state.Slot != 0 && state.Slot+DeploymentCooldownInSlots > slot {
		l.ic.Log("Program was deployed recently, cooldown still in effect")
		return txcontext.ErrInvalidArgument
	}
	return nil
}

func setState(program *txcontext.BorrowedAccount, state programcache.LoaderV4State) error {
	data, err := program.DataMut()
	if err != nil {
		return err
	}
	if len(data) < programcache.LoaderV4ProgramDataOffset {
		return txcontext.ErrAccountDataTooSmall
	}
	copy(data, programcache.EncodeLoaderV4Program(state, nil))
	return nil
}

func (l *loaderV4) write(offset uint32, payload []byte) error {
	program, authority, err := l.program()
	if err != nil {
		return err
	}
	defer program.Release()

	state, err := l.checkProgramAccount(program, authority)
	if err != nil {
		return err
	}
	if state.Status != programcache.LoaderV4Retracted {
		l.ic.Log("Program is not retracted")
		return txcontext.ErrInvalidArgument
	}
	start := programcache.LoaderV4ProgramDataOffset + int(offset)
	end := start + len(payload)
	if end > program.DataLen() {
		l.ic.Log("Write out of bounds")
		return txcontext.ErrAccountDataTooSmall
	}
	data, err := program.DataMut()
	if err != nil {
		return err
	}
	copy(data[start:end], payload)
	return nil
}

func (l *loaderV4) truncate(newSize uint32) error {
	program, authority, err := l.program()
	if err != nil {
		return err
	}
	defer program.Release()

	initialize := newSize > 0 && program.DataLen() < programcache.LoaderV4ProgramDataOffset
	if initialize {
		if program.Owner() != types.LoaderV4Addr {
			l.ic.Log("Program not owned by loader")
			return txcontext.ErrInvalidAccountOwner
		}
		if !program.IsWritable() {
			l.ic.Log("Program is not writeable")
			return txcontext.ErrInvalidArgument
		}
		if !program.IsSigner() {
			l.ic.Log("Program did not sign")
			return txcontext.ErrMissingRequiredSignature
		}
		if signed, err := l.ixc.IsInstructionAccountSigner(1); err != nil || !signed {
			l.ic.Log("Authority did not sign")
			return txcontext.ErrMissingRequiredSignature
		}
	} else {
		state, err := l.checkProgramAccount(program, authority)
		if err != nil {
			return err
		}
		if state.Status != programcache.LoaderV4Retracted {
			l.ic.Log("Program is not retracted")
			return txcontext.ErrInvalidArgument
		}
	}

	newLen := programcache.LoaderV4ProgramDataOffset + int(newSize)
	var required uint64
	if newSize > 0 {
		rent, err := l.ic.Env.Sysvars.Rent()
		if err != nil {
			return err
		}
		required = rent.MinimumBalance(newLen)
	}

	switch balance := program.Lamports(); {
	case balance < required:
		l.ic.Log("Insufficient lamports, %d are required", required)
		return txcontext.ErrInsufficientFunds
	case balance > required:
		recipient, err := l.ixc.TryBorrowInstructionAccount(l.tc, 2)
		if err != nil {
			return err
		}
		defer recipient.Release()
		if !recipient.IsWritable() {
			l.ic.Log("Recipient is not writeable")
			return txcontext.ErrInvalidArgument
		}
		surplus := balance - required
		if err := program.CheckedSubLamports(surplus); err != nil {
			return err
		}
		if err := recipient.CheckedAddLamports(surplus); err != nil {
			return err
		}
	}

	if newSize == 0 {
		return program.SetDataLength(0)
	}
	if err := program.SetDataLength(newLen); err != nil {
		return err
	}
	if initialize {
		return setState(program, programcache.LoaderV4State{
			Slot:                          0,
			AuthorityAddressOrNextVersion: authority,
			Status:                        programcache.LoaderV4Retracted,
		})
	}
	return nil
}

func (l *loaderV4) deploy() error {
	program, authority, err := l.program()
	if err != nil {
		return err
	}
	defer program.Release()

	state, err := l.checkProgramAccount(program, authority)
	if err != nil {
		return err
	}
	clock, err := l.ic.Env.Sysvars.Clock()
	if err != nil {
		return err
	}
	slot := clock.Slot
	if err := l.checkCooldown(state, slot); err != nil {
		return err
	}
	if state.Status != programcache.LoaderV4Retracted {
		l.ic.Log("Destination program is not retracted")
		return txcontext.ErrInvalidArgument
	}

	env := l.ic.Programs.EnvironmentsForEpoch(clock.Epoch).ForOwner(programcache.OwnerLoaderV4)
	elf := program.Data()[programcache.LoaderV4ProgramDataOffset:]
	entry, err := programcache.NewEntry(
		programcache.OwnerLoaderV4,
		env,
		slot,
		slot+programcache.DelayVisibilitySlotOffset,
		elf,
		program.DataLen(),
	)
	if err != nil {
		l.ic.Log("%v", err)
		return txcontext.ErrInvalidAccountData
	}

	state.Slot = slot
	state.Status = programcache.LoaderV4Deployed
	if err := setState(program, state); err != nil {
		return err
	}

	key := program.Key()
	if old, ok := l.ic.FindProgram(key); ok {
		entry.InheritUsage(old)
	}
	l.ic.Programs.StoreModifiedEntry(key, entry)
	return nil
}

func (l *loaderV4) retract() error {
	program, authority, err := l.program()
	if err != nil {
		return err
	}
	defer program.Release()

	state, err := l.checkProgramAccount(program, authority)
	if err != nil {
		return err
	}
	slot, err := l.currentSlot()
	if err != nil {
		return err
	}
	if err := l.checkCooldown(state, slot); err != nil {
		return err
	}
	if state.Status != programcache.LoaderV4Deployed {
		l.ic.Log("Program is not deployed")
		return txcontext.ErrInvalidArgument
	}
	state.Status = programcache.LoaderV4Retracted
	if err := setState(program, state); err != nil {
		return err
	}
	l.ic.Programs.StoreModifiedEntry(program.Key(),
		programcache.NewTombstone(slot, programcache.OwnerLoaderV4, programcache.Closed, nil))
	return nil
}

func (l *loaderV4) transferAuthority() error {
	program, authority, err := l.program()
	if err != nil {
		return err
	}
	defer program.Release()

	var newAuthority *types.Pubkey
	if l.ixc.NumberOfInstructionAccounts() > 2 {
		key, err := l.key(2)
		if err != nil {
			return err
		}
		newAuthority = &key
	}

	state, err := l.checkProgramAccount(program, authority)
	if err != nil {
		return err
	}
	if newAuthority != nil {
		if signed, err := l.ixc.IsInstructionAccountSigner(2); err != nil || !signed {
			l.ic.Log("New authority did not sign")
			return txcontext.ErrMissingRequiredSignature
		}
		state.AuthorityAddressOrNextVersion = *newAuthority
	} else if state.Status == programcache.LoaderV4Deployed {
		state.Status = programcache.LoaderV4Finalized
	} else {
		l.ic.Log("Program must be deployed to be finalized")
		return txcontext.ErrInvalidArgument
	}
	return setState(program, state)
}

func (k LoaderV4InstructionKind) String() string {
	switch k {
	case LoaderV4Write:
		return "Write"
	case LoaderV4Truncate:
		return "Truncate"
	case LoaderV4Deploy:
		return "Deploy"
	case LoaderV4Retract:
		return "Retract"
	case LoaderV4TransferAuthority:
		return "TransferAuthority"
	default:
		return fmt.Sprintf("LoaderV4InstructionKind(%d)", uint32(k))
	}
}
