// Package programcache caches verified programs across transactions.
//
// Each program address maps to one Entry. Only Loaded and Builtin entries can
// be executed; the other types are tombstones or placeholders:
// - FailedVerification: the bytes did not load or verify under an environment
// - Closed: the account is not a valid program (missing programdata, retracted)
// - DelayVisibility: deployed in the current slot, usable from the next one
// - Unloaded: evicted, still known to verify under its environment
//
// ForTxBatch is the view a batch of transactions executes against, ProgramCache
// is the long lived store behind it.
package programcache

import (
	"fmt"
	"sync/atomic"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
)

// DelayVisibilitySlotOffset is the number of slots between a deployment and
// the first slot that may execute it.
const DelayVisibilitySlotOffset = 1

// MaxLoadedEntryCount is the number of Loaded entries kept before eviction.
const MaxLoadedEntryCount = 512

// Owner is the loader that produced an entry.
type Owner uint8

const (
	OwnerNativeLoader Owner = iota
	OwnerLoaderV1
	OwnerLoaderV2
	OwnerLoaderV3
	OwnerLoaderV4
)

// OwnerFromPubkey maps a loader address to its Owner.
func OwnerFromPubkey(p types.Pubkey) (Owner, bool) {
	switch p {
	case types.NativeLoaderAddr:
		return OwnerNativeLoader, true
	case types.BPFLoaderDeprecatedAddr:
		return OwnerLoaderV1, true
	case types.BPFLoaderAddr:
		return OwnerLoaderV2, true
	case types.BPFLoaderUpgradeableAddr:
		return OwnerLoaderV3, true
	case types.LoaderV4Addr:
		return OwnerLoaderV4, true
	default:
		return 0, false
	}
}

// Pubkey returns the loader address.
func (o Owner) Pubkey() types.Pubkey {
	switch o {
	case OwnerLoaderV1:
		return types.BPFLoaderDeprecatedAddr
	case OwnerLoaderV2:
		return types.BPFLoaderAddr
	case OwnerLoaderV3:
		return types.BPFLoaderUpgradeableAddr
	case OwnerLoaderV4:
		return types.LoaderV4Addr
	default:
		return types.NativeLoaderAddr
	}
}

func (o Owner) String() string {
	switch o {
	case OwnerNativeLoader:
		return "native-loader"
	case OwnerLoaderV1:
		return "loader-v1"
	case OwnerLoaderV2:
		return "loader-v2"
	case OwnerLoaderV3:
		return "loader-v3"
	case OwnerLoaderV4:
		return "loader-v4"
	default:
		return fmt.Sprintf("owner(%d)", uint8(o))
	}
}

// EntryType is the state of a cache entry.
type EntryType uint8

const (
	FailedVerification EntryType = iota
	Closed
	DelayVisibility
	Unloaded
	Loaded
	Builtin
)

func (t EntryType) String() string {
	switch t {
	case FailedVerification:
		return "failed-verification"
	case Closed:
		return "closed"
	case DelayVisibility:
		return "delay-visibility"
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Builtin:
		return "builtin"
	default:
		return fmt.Sprintf("entry-type(%d)", uint8(t))
	}
}

// BuiltinProgram is a program compiled into the runtime. The invoke package
// type-asserts it to its own function type.
type BuiltinProgram interface {
	Name() string
}

// Entry is one cached program. Entries are shared between caches and must be
// passed by pointer.
type Entry struct {
	Type           EntryType
	Owner          Owner
	AccountSize    int
	DeploymentSlot uint64
	EffectiveSlot  uint64

	executable  *loader.Executable
	environment *loader.Environment
	builtin     BuiltinProgram
	programData types.Pubkey

	txUsageCounter   atomic.Uint64
	ixUsageCounter   atomic.Uint64
	latestAccessSlot atomic.Uint64
}

// NewEntry loads and verifies elf under env.
func NewEntry(owner Owner, env *loader.Environment, deploymentSlot, effectiveSlot uint64, elf []byte, accountSize int) (*Entry, error) {
	exe, err := loader.Load(elf, env)
	if err != nil {
		return nil, err
	}
	if err := loader.Verify(exe, env); err != nil {
		return nil, err
	}
	return newLoadedEntry(owner, exe, deploymentSlot, effectiveSlot, accountSize), nil
}

// ReloadUnverified loads elf under env WITHOUT verifying it.
//
// Only call it for bytes that already passed NewEntry under the same env, for
// example to bring an Unloaded entry back. Unverified bytes that reach the
// executor can jump out of bounds or call unregistered syscalls.
func ReloadUnverified(owner Owner, env *loader.Environment, deploymentSlot, effectiveSlot uint64, elf []byte, accountSize int) (*Entry, error) {
	exe, err := loader.Load(elf, env)
	if err != nil {
		return nil, err
	}
	return newLoadedEntry(owner, exe, deploymentSlot, effectiveSlot, accountSize), nil
}

func newLoadedEntry(owner Owner, exe *loader.Executable, deploymentSlot, effectiveSlot uint64, accountSize int) *Entry {
	e := &Entry{
		Type:           Loaded,
		Owner:          owner,
		AccountSize:    accountSize,
		DeploymentSlot: deploymentSlot,
		EffectiveSlot:  effectiveSlot,
		executable:     exe,
		environment:    exe.Environment(),
	}
	e.latestAccessSlot.Store(deploymentSlot)
	return e
}

// NewBuiltinEntry wraps a builtin. Builtins are visible from their deployment slot.
func NewBuiltinEntry(deploymentSlot uint64, accountSize int, program BuiltinProgram) *Entry {
	e := &Entry{
		Type:           Builtin,
		Owner:          OwnerNativeLoader,
		AccountSize:    accountSize,
		DeploymentSlot: deploymentSlot,
		EffectiveSlot:  deploymentSlot,
		builtin:        program,
	}
	e.latestAccessSlot.Store(deploymentSlot)
	return e
}

// NewTombstone creates an unusable entry of type typ, which must be one of
// FailedVerification, Closed or DelayVisibility. env is only kept for
// FailedVerification.
func NewTombstone(slot uint64, owner Owner, typ EntryType, env *loader.Environment) *Entry {
	e := &Entry{
		Type:           typ,
		Owner:          owner,
		DeploymentSlot: slot,
		EffectiveSlot:  slot,
	}
	if typ == FailedVerification {
		e.environment = env
	}
	e.latestAccessSlot.Store(slot)
	return e
}

// IsTombstone reports whether the entry can never be executed.
func (e *Entry) IsTombstone() bool {
	switch e.Type {
	case FailedVerification, Closed, DelayVisibility:
		return true
	default:
		return false
	}
}

// IsImplicitDelayVisibilityTombstone reports whether a lookup at slot must
// see this entry as DelayVisibility.
func (e *Entry) IsImplicitDelayVisibilityTombstone(slot uint64) bool {
	return e.Type != Builtin &&
		e.EffectiveSlot-e.DeploymentSlot == DelayVisibilitySlotOffset &&
		slot >= e.DeploymentSlot &&
		slot < e.EffectiveSlot
}

// Executable returns the loaded program, or nil unless Type is Loaded.
func (e *Entry) Executable() *loader.Executable {
	return e.executable
}

// Builtin returns the native program, or nil unless Type is Builtin.
func (e *Entry) Builtin() BuiltinProgram {
	return e.builtin
}

// ProgramDataAddress returns the programdata account of a loader v3 program.
func (e *Entry) ProgramDataAddress() (types.Pubkey, bool) {
	return e.programData, e.Owner == OwnerLoaderV3 && !e.programData.IsZero()
}

// Environment returns the environment the entry was loaded or rejected under.
func (e *Entry) Environment() *loader.Environment {
	return e.environment
}

// ToUnloaded returns an Unloaded copy that keeps the environment and usage
// counters. Only Loaded entries can be unloaded.
func (e *Entry) ToUnloaded() (*Entry, bool) {
	if e.Type != Loaded {
		return nil, false
	}
	u := &Entry{
		Type:           Unloaded,
		Owner:          e.Owner,
		AccountSize:    e.AccountSize,
		DeploymentSlot: e.DeploymentSlot,
		EffectiveSlot:  e.EffectiveSlot,
		environment:    e.environment,
		programData:    e.programData,
	}
	u.txUsageCounter.Store(e.txUsageCounter.Load())
	u.ixUsageCounter.Store(e.ixUsageCounter.Load())
	u.latestAccessSlot.Store(e.latestAccessSlot.Load())
	return u, true
}

// Equal compares slots and tombstone status, which is what identifies a
// deployment.
func (e *Entry) Equal(other *Entry) bool {
	return e.EffectiveSlot == other.EffectiveSlot &&
		e.DeploymentSlot == other.DeploymentSlot &&
		e.IsTombstone() == other.IsTombstone()
}

// AddTxUsage counts transactions referencing the program.
func (e *Entry) AddTxUsage(n uint64) {
	e.txUsageCounter.Add(n)
}

// AddIxUsage counts instructions invoking the program.
func (e *Entry) AddIxUsage(n uint64) {
	e.ixUsageCounter.Add(n)
}

// InheritUsage carries the usage counters of a previous deployment over to e.
func (e *Entry) InheritUsage(prev *Entry) {
	e.txUsageCounter.Store(prev.txUsageCounter.Load())
	e.ixUsageCounter.Store(prev.ixUsageCounter.Load())
}

// TxUsage returns the transaction usage counter.
func (e *Entry) TxUsage() uint64 {
	return e.txUsageCounter.Load()
}

// IxUsage returns the instruction usage counter.
func (e *Entry) IxUsage() uint64 {
	return e.ixUsageCounter.Load()
}

// LatestAccessSlot returns the highest slot the entry was used in.
func (e *Entry) LatestAccessSlot() uint64 {
	return e.latestAccessSlot.Load()
}

// UpdateAccessSlot raises the latest access slot to slot.
func (e *Entry) UpdateAccessSlot(slot uint64) {
	for {
		last := e.latestAccessSlot.Load()
		if slot <= last || e.latestAccessSlot.CompareAndSwap(last, slot) {
			return
		}
	}
}

// DecayedUsageCounter halves the transaction usage for every slot since the
// last access.
func (e *Entry) DecayedUsageCounter(now uint64) uint64 {
	last := e.latestAccessSlot.Load()
	var elapsed uint64
	if now > last {
		elapsed = now - last
	}
	if elapsed > 63 {
		elapsed = 63
	}
	return e.txUsageCounter.Load() >> elapsed
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s/%s deployed=%d effective=%d", e.Type, e.Owner, e.DeploymentSlot, e.EffectiveSlot)
}
