package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
)

func TestMinimumBalance(t *testing.T) {
	rent := DefaultRent()
	assert.Equal(t, uint64(3480), rent.LamportsPerByteYear)
	assert.Equal(t, uint64(890_880), rent.MinimumBalance(0))
	assert.Equal(t, uint64(1_447_680), rent.MinimumBalance(NonceStateSize))
	assert.True(t, rent.IsExempt(890_880, 0))
	assert.False(t, rent.IsExempt(890_879, 0))
}

func TestRentSysvarRoundTrip(t *testing.T) {
	rent := DefaultRent()
	got, err := DecodeRent(rent.Encode())
	require.NoError(t, err)
	assert.Equal(t, rent, got)

	_, err = DecodeRent([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidSysvarData)
}

func TestClockAndScheduleRoundTrip(t *testing.T) {
	clock := Clock{Slot: 7, Epoch: 1, LeaderScheduleEpoch: 2, UnixTimestamp: -5}
	gotClock, err := DecodeClock(clock.Encode())
	require.NoError(t, err)
	assert.Equal(t, clock, gotClock)

	schedule := NewEpochSchedule(32)
	gotSchedule, err := DecodeEpochSchedule(schedule.Encode())
	require.NoError(t, err)
	assert.Equal(t, schedule, gotSchedule)
	assert.Equal(t, uint64(3), schedule.Epoch(100))
	assert.Equal(t, uint64(96), schedule.FirstSlotInEpoch(3))
}

func TestRentStateTransitions(t *testing.T) {
	uninit := RentState{Kind: RentUninitialized}
	exempt := RentState{Kind: RentExempt}
	paying := func(lamports uint64, size int) RentState {
		return RentState{Kind: RentPaying, Lamports: lamports, DataSize: size}
	}

	tests := []struct {
		name    string
		pre     RentState
		post    RentState
		allowed bool
	}{
		{"to uninitialized", paying(1, 0), uninit, true},
		{"to exempt", uninit, exempt, true},
		{"new paying", uninit, paying(1, 0), false},
		{"exempt to paying", exempt, paying(1, 0), false},
		{"paying shrinks", paying(10, 0), paying(5, 0), true},
		{"paying grows", paying(10, 0), paying(11, 0), false},
		{"paying resized", paying(10, 0), paying(10, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.post.TransitionAllowedFrom(tt.pre))
		})
	}

	assert.True(t, CheckRentStateWithAccount(uninit, paying(1, 0), types.IncineratorAddr))
}

func TestRentStateFromAccount(t *testing.T) {
	rent := DefaultRent()
	assert.Equal(t, RentUninitialized, RentStateFromAccount(NewDefaultAccount(), rent).Kind)
	assert.Equal(t, RentExempt, RentStateFromAccount(NewAccount(890_880, 0, types.SystemProgramAddr), rent).Kind)

	st := RentStateFromAccount(NewAccount(10, 3, types.SystemProgramAddr), rent)
	assert.Equal(t, RentState{Kind: RentPaying, Lamports: 10, DataSize: 3}, st)
}

func TestCollectFromExistingAccount(t *testing.T) {
	rc := DefaultRentCollector()
	addr := types.Pubkey{9}

	exempt := NewAccount(1_000_000, 0, types.SystemProgramAddr)
	info := rc.CollectFromExistingAccount(addr, exempt)
	assert.Equal(t, CollectedInfo{}, info)
	assert.Equal(t, RentExemptRentEpoch, exempt.RentEpoch())

	poor := NewAccount(100, 0, types.SystemProgramAddr)
	info = rc.CollectFromExistingAccount(addr, poor)
	assert.Equal(t, uint64(100), info.RentAmount)
	assert.Equal(t, uint64(0), poor.Lamports())

	future := NewRentEpochAccount(100, 0, types.SystemProgramAddr, 5)
	info = rc.CollectFromExistingAccount(addr, future)
	assert.Equal(t, CollectedInfo{}, info)
	assert.Equal(t, uint64(100), future.Lamports())

	exec := NewAccount(100, 0, types.NativeLoaderAddr)
	exec.SetExecutable(true)
	rc.CollectFromExistingAccount(addr, exec)
	assert.Equal(t, uint64(100), exec.Lamports())
}
