package accounts

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// Rent parameters. These are Solana's published protocol defaults.
const (
	// AccountStorageOverhead is the per-account byte overhead charged by rent.
	AccountStorageOverhead = uint64(128)

	// DefaultLamportsPerByteYear is the default rental rate.
	DefaultLamportsPerByteYear = uint64(1_000_000_000 / 100 * 365 / (1024 * 1024))

	// DefaultExemptionThreshold is the number of years of rent that makes an account exempt.
	DefaultExemptionThreshold = 2.0

	// DefaultBurnPercent is the share of collected rent that is burned.
	DefaultBurnPercent = uint8(50)

	// RentSysvarSize is the bincode size of the Rent sysvar.
	RentSysvarSize = 8 + 8 + 1
)

// Clock constants used to turn epochs into years for rent.
const (
	DefaultTicksPerSecond = uint64(160)
	DefaultTicksPerSlot   = uint64(64)
	DefaultSlotsPerEpoch  = uint64(432_000)
	secondsPerYear        = 365.25 * 24.0 * 60.0 * 60.0
)

// ErrInvalidSysvarData is returned when sysvar bytes cannot be decoded.
var ErrInvalidSysvarData = errors.New("invalid sysvar data")

// Rent holds the rent configuration.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  float64
	BurnPercent         uint8
}

// DefaultRent returns Solana's default rent parameters.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: DefaultLamportsPerByteYear,
		ExemptionThreshold:  DefaultExemptionThreshold,
		BurnPercent:         DefaultBurnPercent,
	}
}

// MinimumBalance returns the balance needed for an account of dataLen bytes
// to be rent exempt.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	bytes := AccountStorageOverhead + uint64(dataLen)
	return uint64(float64(bytes*r.LamportsPerByteYear) * r.ExemptionThreshold)
}

// IsExempt reports whether balance covers the exemption threshold.
func (r Rent) IsExempt(balance uint64, dataLen int) bool {
	return balance >= r.MinimumBalance(dataLen)
}

// Due returns the rent owed for yearsElapsed and whether the account is exempt.
func (r Rent) Due(balance uint64, dataLen int, yearsElapsed float64) (uint64, bool) {
	if r.IsExempt(balance, dataLen) {
		return 0, true
	}
	bytes := AccountStorageOverhead + uint64(dataLen)
	return uint64(float64(bytes*r.LamportsPerByteYear) * yearsElapsed), false
}

// Encode serializes the rent sysvar (bincode layout).
func (r Rent) Encode() []byte {
	buf := make([]byte, RentSysvarSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.LamportsPerByteYear)
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(r.ExemptionThreshold))
	buf[16] = r.BurnPercent
	return buf
}

// DecodeRent parses the rent sysvar.
func DecodeRent(data []byte) (Rent, error) {
	if len(data) < RentSysvarSize {
		return Rent{}, ErrInvalidSysvarData
	}
	return Rent{
		LamportsPerByteYear: binary.LittleEndian.Uint64(data[0:8]),
		ExemptionThreshold:  math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
		BurnPercent:         data[16],
	}, nil
}

// RentStateKind enumerates rent states.
type RentStateKind uint8

const (
	// RentUninitialized is an account with zero lamports.
	RentUninitialized RentStateKind = iota
	// RentPaying is a funded account below the exemption threshold.
	RentPaying
	// RentExempt is an account at or above the exemption threshold.
	RentExempt
)

// RentState is the rent classification of an account.
type RentState struct {
	Kind     RentStateKind
	Lamports uint64
	DataSize int
}

// RentStateFromAccount classifies an account.
func RentStateFromAccount(account *AccountSharedData, rent Rent) RentState {
	lamports := account.Lamports()
	switch {
	case lamports == 0:
		return RentState{Kind: RentUninitialized}
	case rent.IsExempt(lamports, account.DataLen()):
		return RentState{Kind: RentExempt}
	default:
		return RentState{Kind: RentPaying, Lamports: lamports, DataSize: account.DataLen()}
	}
}

// TransitionAllowedFrom reports whether moving from pre to s is permitted.
// An account may only be rent paying afterwards if it was rent paying before,
// kept its size and did not gain lamports.
func (s RentState) TransitionAllowedFrom(pre RentState) bool {
	if s.Kind != RentPaying {
		return true
	}
	if pre.Kind != RentPaying {
		return false
	}
	return s.DataSize == pre.DataSize && s.Lamports <= pre.Lamports
}

// CheckRentStateWithAccount returns false when the transition is forbidden.
// The incinerator is never checked.
func CheckRentStateWithAccount(pre, post RentState, address types.Pubkey) bool {
	if address == types.IncineratorAddr {
		return true
	}
	return post.TransitionAllowedFrom(pre)
}

// EpochSchedule maps slots to epochs. Only the no-warmup schedule is used.
type EpochSchedule struct {
	SlotsPerEpoch            uint64
	LeaderScheduleSlotOffset uint64
	Warmup                   bool
	FirstNormalEpoch         uint64
	FirstNormalSlot          uint64
}

// EpochScheduleSysvarSize is the bincode size of the epoch schedule sysvar.
const EpochScheduleSysvarSize = 8 + 8 + 1 + 8 + 8

// EpochScheduleWithoutWarmup returns the default schedule with no warmup period.
func EpochScheduleWithoutWarmup() EpochSchedule {
	return NewEpochSchedule(DefaultSlotsPerEpoch)
}

// NewEpochSchedule returns a no-warmup schedule with the given epoch length.
func NewEpochSchedule(slotsPerEpoch uint64) EpochSchedule {
	if slotsPerEpoch == 0 {
		slotsPerEpoch = DefaultSlotsPerEpoch
	}
	return EpochSchedule{
		SlotsPerEpoch:            slotsPerEpoch,
		LeaderScheduleSlotOffset: slotsPerEpoch,
	}
}

// Epoch returns the epoch containing slot.
func (e EpochSchedule) Epoch(slot uint64) uint64 {
	return slot / e.SlotsPerEpoch
}

// FirstSlotInEpoch returns the first slot of epoch.
func (e EpochSchedule) FirstSlotInEpoch(epoch uint64) uint64 {
	return epoch * e.SlotsPerEpoch
}

// Encode serializes the schedule (bincode layout).
func (e EpochSchedule) Encode() []byte {
	buf := make([]byte, EpochScheduleSysvarSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.SlotsPerEpoch)
	binary.LittleEndian.PutUint64(buf[8:16], e.LeaderScheduleSlotOffset)
	if e.Warmup {
		buf[16] = 1
	}
	binary.LittleEndian.PutUint64(buf[17:25], e.FirstNormalEpoch)
	binary.LittleEndian.PutUint64(buf[25:33], e.FirstNormalSlot)
	return buf
}

// DecodeEpochSchedule parses the epoch schedule sysvar.
func DecodeEpochSchedule(data []byte) (EpochSchedule, error) {
	if len(data) < EpochScheduleSysvarSize {
		return EpochSchedule{}, ErrInvalidSysvarData
	}
	return EpochSchedule{
		SlotsPerEpoch:            binary.LittleEndian.Uint64(data[0:8]),
		LeaderScheduleSlotOffset: binary.LittleEndian.Uint64(data[8:16]),
		Warmup:                   data[16] == 1,
		FirstNormalEpoch:         binary.LittleEndian.Uint64(data[17:25]),
		FirstNormalSlot:          binary.LittleEndian.Uint64(data[25:33]),
	}, nil
}

// Clock is the clock sysvar.
type Clock struct {
	Slot                uint64
	EpochStartTimestamp int64
	Epoch               uint64
	LeaderScheduleEpoch uint64
	UnixTimestamp       int64
}

// ClockSysvarSize is the bincode size of the clock sysvar.
const ClockSysvarSize = 5 * 8

// Encode serializes the clock (bincode layout).
func (c Clock) Encode() []byte {
	buf := make([]byte, ClockSysvarSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.Slot)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.EpochStartTimestamp))
	binary.LittleEndian.PutUint64(buf[16:24], c.Epoch)
	binary.LittleEndian.PutUint64(buf[24:32], c.LeaderScheduleEpoch)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(c.UnixTimestamp))
	return buf
}

// DecodeClock parses the clock sysvar.
func DecodeClock(data []byte) (Clock, error) {
	if len(data) < ClockSysvarSize {
		return Clock{}, ErrInvalidSysvarData
	}
	return Clock{
		Slot:                binary.LittleEndian.Uint64(data[0:8]),
		EpochStartTimestamp: int64(binary.LittleEndian.Uint64(data[8:16])),
		Epoch:               binary.LittleEndian.Uint64(data[16:24]),
		LeaderScheduleEpoch: binary.LittleEndian.Uint64(data[24:32]),
		UnixTimestamp:       int64(binary.LittleEndian.Uint64(data[32:40])),
	}, nil
}

// CollectedInfo reports what a rent collection pass took from an account.
type CollectedInfo struct {
	RentAmount              uint64
	AccountDataLenReclaimed uint64
}

// RentCollector collects rent from accounts for one epoch.
type RentCollector struct {
	Epoch         uint64
	EpochSchedule EpochSchedule
	SlotsPerYear  float64
	Rent          Rent
}

// DefaultRentCollector returns a collector for epoch 0 with default parameters.
func DefaultRentCollector() RentCollector {
	return NewRentCollector(0, EpochScheduleWithoutWarmup(), DefaultRent())
}

// NewRentCollector builds a collector for epoch.
func NewRentCollector(epoch uint64, schedule EpochSchedule, rent Rent) RentCollector {
	slotDuration := float64(DefaultTicksPerSlot) / float64(DefaultTicksPerSecond)
	return RentCollector{
		Epoch:         epoch,
		EpochSchedule: schedule,
		SlotsPerYear:  secondsPerYear / slotDuration,
		Rent:          rent,
	}
}

// rentDue returns the rent owed. exempt is true when the account needs no
// collection because it is exempt; skip is true when nothing is due now.
func (rc RentCollector) rentDue(address types.Pubkey, account *AccountSharedData) (due uint64, exempt, skip bool) {
	if account.Executable() || address == types.IncineratorAddr {
		return 0, false, true
	}
	epochsElapsed := uint64(0)
	if rc.Epoch+1 > account.RentEpoch() {
		epochsElapsed = rc.Epoch + 1 - account.RentEpoch()
	}
	slotsElapsed := epochsElapsed * rc.EpochSchedule.SlotsPerEpoch
	years := float64(slotsElapsed) / rc.SlotsPerYear
	due, exempt = rc.Rent.Due(account.Lamports(), account.DataLen(), years)
	if exempt {
		return 0, true, false
	}
	return due, false, due == 0
}

// CollectFromExistingAccount collects rent from account, mutating it.
func (rc RentCollector) CollectFromExistingAccount(address types.Pubkey, account *AccountSharedData) CollectedInfo {
	if account.RentEpoch() == RentExemptRentEpoch || account.RentEpoch() > rc.Epoch {
		return CollectedInfo{}
	}
	due, exempt, skip := rc.rentDue(address, account)
	switch {
	case exempt:
		account.SetRentEpoch(RentExemptRentEpoch)
		return CollectedInfo{}
	case skip:
		return CollectedInfo{}
	}
	if due >= account.Lamports() {
		collected := CollectedInfo{
			RentAmount:              account.Lamports(),
			AccountDataLenReclaimed: uint64(account.DataLen()),
		}
		account.Reset()
		return collected
	}
	account.SaturatingSubLamports(due)
	account.SetRentEpoch(rc.Epoch + 1)
	return CollectedInfo{RentAmount: due}
}
