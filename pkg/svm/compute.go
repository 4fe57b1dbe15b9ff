package svm

import (
	"errors"
	"fmt"
	"sync/atomic"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// Compute unit limits.
const (
	DefaultInstructionComputeUnitLimit = uint32(200_000)
	MaxComputeUnitLimit                = uint32(1_400_000)
)

// Heap frame bounds. Requests must be a multiple of HeapFrameGranularity.
const (
	MinHeapFrameBytes    = uint32(32 * 1024)
	MaxHeapFrameBytes    = uint32(256 * 1024)
	HeapFrameGranularity = uint32(1024)
)

// MaxLoadedAccountsDataSizeBytes is the default and maximum cap on the data
// loaded by one transaction.
const MaxLoadedAccountsDataSizeBytes = uint32(64 * 1024 * 1024)

// Invocation limits.
const (
	MaxInstructionStackDepth  = 5
	MaxInstructionTraceLength = 64
)

// Builtin program costs.
const (
	CUSystemProgramDefault = uint64(150)
	CUComputeBudgetDefault = uint64(150)
	CUBPFLoaderDefault     = uint64(570)
	CUInvokeBase           = uint64(1_000)
	CUHeapCostDefault      = uint64(8)
)

// Compute budget program instruction tags.
const (
	computeBudgetRequestHeapFrame               = 1
	computeBudgetSetComputeUnitLimit            = 2
	computeBudgetSetComputeUnitPrice            = 3
	computeBudgetSetLoadedAccountsDataSizeLimit = 4
)

// ErrComputeExceeded is returned when compute units are exhausted.
var ErrComputeExceeded = errors.New("compute budget exceeded")

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
}

// NewComputeMeter creates a meter with limit units.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{remaining: limit, limit: limit}
}

// Consume attempts to consume the specified compute units. On failure the
// meter is drained.
func (cm *ComputeMeter) Consume(cost uint64) error {
	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.AddUint64(&cm.consumed, remaining)
			atomic.StoreUint64(&cm.remaining, 0)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// ComputeBudgetLimits contains the parsed compute budget for a transaction.
type ComputeBudgetLimits struct {
	// ComputeUnitLimit is the maximum compute units for the transaction.
	ComputeUnitLimit uint32

	// ComputeUnitPrice is the price in micro-lamports per compute unit.
	ComputeUnitPrice uint64

	// HeapSize is the requested heap size in bytes.
	HeapSize uint32

	// LoadedAccountsBytes is the max bytes for loaded accounts.
	LoadedAccountsBytes uint32
}

// DefaultComputeBudgetLimits returns the limits of a transaction without
// compute budget instructions.
func DefaultComputeBudgetLimits() ComputeBudgetLimits {
	return ComputeBudgetLimits{
		ComputeUnitLimit:    DefaultInstructionComputeUnitLimit,
		HeapSize:            MinHeapFrameBytes,
		LoadedAccountsBytes: MaxLoadedAccountsDataSizeBytes,
	}
}

// ComputeBudget is the execution budget handed to the invoke context.
type ComputeBudget struct {
	ComputeUnitLimit          uint64
	MaxInstructionStackDepth  int
	MaxInstructionTraceLength int
	HeapSize                  uint32
	InvokeUnits               uint64
	HeapCost                  uint64
}

// DefaultComputeBudget returns the budget for one default instruction.
func DefaultComputeBudget() ComputeBudget {
	return ComputeBudget{
		ComputeUnitLimit:          uint64(DefaultInstructionComputeUnitLimit),
		MaxInstructionStackDepth:  MaxInstructionStackDepth,
		MaxInstructionTraceLength: MaxInstructionTraceLength,
		HeapSize:                  MinHeapFrameBytes,
		InvokeUnits:               CUInvokeBase,
		HeapCost:                  CUHeapCostDefault,
	}
}

// ComputeBudgetFromLimits builds the budget implied by limits.
func ComputeBudgetFromLimits(limits ComputeBudgetLimits) ComputeBudget {
	b := DefaultComputeBudget()
	b.ComputeUnitLimit = uint64(limits.ComputeUnitLimit)
	b.HeapSize = limits.HeapSize
	return b
}

// ProcessComputeBudgetInstructions derives the transaction's limits from its
// compute budget instructions. Each instruction kind may appear once.
func ProcessComputeBudgetInstructions(msg *SanitizedMessage) (ComputeBudgetLimits, error) {
	var (
		heapSize, unitLimit, dataLimit *uint32
		unitPrice                      *uint64
		heapIndex                      int
		numOther                       uint32
	)
	for i, ix := range msg.Instructions() {
		if msg.ProgramID(ix) != types.ComputeBudgetProgramAddr {
			numOther++
			continue
		}
		invalid := NewInstructionError(i, txcontext.ErrInvalidInstructionData)
		duplicate := &DuplicateInstructionError{Index: uint8(i)}
		if len(ix.Data) == 0 {
			return ComputeBudgetLimits{}, invalid
		}
		d := bin.NewBinDecoder(ix.Data[1:])
		switch ix.Data[0] {
		case computeBudgetRequestHeapFrame:
			v, err := readExactUint32(d)
			if err != nil {
				return ComputeBudgetLimits{}, invalid
			}
			if heapSize != nil {
				return ComputeBudgetLimits{}, duplicate
			}
			heapSize, heapIndex = &v, i
		case computeBudgetSetComputeUnitLimit:
			v, err := readExactUint32(d)
			if err != nil {
				return ComputeBudgetLimits{}, invalid
			}
			if unitLimit != nil {
				return ComputeBudgetLimits{}, duplicate
			}
			unitLimit = &v
		case computeBudgetSetComputeUnitPrice:
			v, err := d.ReadUint64(bin.LE)
			if err != nil || d.Remaining() != 0 {
				return ComputeBudgetLimits{}, invalid
			}
			if unitPrice != nil {
				return ComputeBudgetLimits{}, duplicate
			}
			unitPrice = &v
		case computeBudgetSetLoadedAccountsDataSizeLimit:
			v, err := readExactUint32(d)
			if err != nil {
				return ComputeBudgetLimits{}, invalid
			}
			if dataLimit != nil {
				return ComputeBudgetLimits{}, duplicate
			}
			dataLimit = &v
		default:
			return ComputeBudgetLimits{}, invalid
		}
	}

	limits := ComputeBudgetLimits{HeapSize: MinHeapFrameBytes, LoadedAccountsBytes: MaxLoadedAccountsDataSizeBytes}
	if heapSize != nil {
		if !validHeapSize(*heapSize) {
			return ComputeBudgetLimits{}, NewInstructionError(heapIndex, txcontext.ErrInvalidInstructionData)
		}
		limits.HeapSize = *heapSize
	}
	if unitLimit != nil {
		limits.ComputeUnitLimit = *unitLimit
	} else {
		limits.ComputeUnitLimit = saturatingMul32(numOther, DefaultInstructionComputeUnitLimit)
	}
	if limits.ComputeUnitLimit > MaxComputeUnitLimit {
		limits.ComputeUnitLimit = MaxComputeUnitLimit
	}
	if unitPrice != nil {
		limits.ComputeUnitPrice = *unitPrice
	}
	if dataLimit != nil && *dataLimit < MaxLoadedAccountsDataSizeBytes {
		limits.LoadedAccountsBytes = *dataLimit
	}
	return limits, nil
}

func readExactUint32(d *bin.Decoder) (uint32, error) {
	v, err := d.ReadUint32(bin.LE)
	if err != nil {
		return 0, err
	}
	if d.Remaining() != 0 {
		return 0, fmt.Errorf("%d trailing bytes", d.Remaining())
	}
	return v, nil
}

func validHeapSize(size uint32) bool {
	return size >= MinHeapFrameBytes && size <= MaxHeapFrameBytes && size%HeapFrameGranularity == 0
}

func saturatingMul32(a, b uint32) uint32 {
	p := uint64(a) * uint64(b)
	if p > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(p)
}
