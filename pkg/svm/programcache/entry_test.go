package programcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader/loadertest"
)

type testBuiltin string

func (b testBuiltin) Name() string { return string(b) }

// unverifiable loads fine but jumps past the end of the text section.
var unverifiable = loadertest.Program{Text: []uint64{0x05 | 1<<16, loadertest.Exit}}.ELF()

func TestOwnerRoundTrip(t *testing.T) {
	for _, owner := range []Owner{OwnerNativeLoader, OwnerLoaderV1, OwnerLoaderV2, OwnerLoaderV3, OwnerLoaderV4} {
		got, ok := OwnerFromPubkey(owner.Pubkey())
		require.True(t, ok, owner.String())
		assert.Equal(t, owner, got)
	}
	_, ok := OwnerFromPubkey(types.SystemProgramAddr)
	assert.False(t, ok)
}

func TestNewEntryVerifies(t *testing.T) {
	env := loader.NewDefaultEnvironment("v1")

	entry, err := NewEntry(OwnerLoaderV2, env, 3, 4, loadertest.Build(), 100)
	require.NoError(t, err)
	assert.Equal(t, Loaded, entry.Type)
	assert.Same(t, env, entry.Environment())
	assert.NotNil(t, entry.Executable())
	assert.Equal(t, uint64(3), entry.LatestAccessSlot())

	_, err = NewEntry(OwnerLoaderV2, env, 3, 4, unverifiable, 100)
	assert.ErrorIs(t, err, loader.ErrJumpOutOfBounds)

	reloaded, err := ReloadUnverified(OwnerLoaderV2, env, 3, 4, unverifiable, 100)
	require.NoError(t, err)
	assert.Equal(t, Loaded, reloaded.Type)
}

func TestTombstones(t *testing.T) {
	env := loader.NewDefaultEnvironment("v1")
	tests := []struct {
		typ       EntryType
		tombstone bool
	}{
		{FailedVerification, true},
		{Closed, true},
		{DelayVisibility, true},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			e := NewTombstone(7, OwnerLoaderV3, tt.typ, env)
			assert.Equal(t, tt.tombstone, e.IsTombstone())
			assert.Equal(t, uint64(7), e.DeploymentSlot)
			assert.Equal(t, uint64(7), e.EffectiveSlot)
			if tt.typ == FailedVerification {
				assert.Same(t, env, e.Environment())
			} else {
				assert.Nil(t, e.Environment())
			}
		})
	}

	assert.False(t, NewBuiltinEntry(0, 0, testBuiltin("system")).IsTombstone())
}

func TestToUnloadedKeepsCounters(t *testing.T) {
	env := loader.NewDefaultEnvironment("v1")
	entry, err := NewEntry(OwnerLoaderV2, env, 0, 1, loadertest.Build(), 10)
	require.NoError(t, err)
	entry.AddTxUsage(5)
	entry.AddIxUsage(2)
	entry.UpdateAccessSlot(9)

	unloaded, ok := entry.ToUnloaded()
	require.True(t, ok)
	assert.Equal(t, Unloaded, unloaded.Type)
	assert.Nil(t, unloaded.Executable())
	assert.Same(t, env, unloaded.Environment())
	assert.Equal(t, uint64(5), unloaded.TxUsage())
	assert.Equal(t, uint64(2), unloaded.IxUsage())
	assert.Equal(t, uint64(9), unloaded.LatestAccessSlot())
	assert.True(t, entry.Equal(unloaded))

	_, ok = unloaded.ToUnloaded()
	assert.False(t, ok)
	_, ok = NewBuiltinEntry(0, 0, testBuiltin("b")).ToUnloaded()
	assert.False(t, ok)
}

func TestImplicitDelayVisibility(t *testing.T) {
	env := loader.NewDefaultEnvironment("v1")
	entry, err := NewEntry(OwnerLoaderV3, env, 10, 11, loadertest.Build(), 10)
	require.NoError(t, err)

	assert.False(t, entry.IsImplicitDelayVisibilityTombstone(9))
	assert.True(t, entry.IsImplicitDelayVisibilityTombstone(10))
	assert.False(t, entry.IsImplicitDelayVisibilityTombstone(11))

	builtin := NewBuiltinEntry(10, 0, testBuiltin("b"))
	assert.False(t, builtin.IsImplicitDelayVisibilityTombstone(10))
}

func TestUsageCounters(t *testing.T) {
	e := NewTombstone(4, OwnerLoaderV2, Closed, nil)
	e.UpdateAccessSlot(10)
	e.UpdateAccessSlot(6)
	assert.Equal(t, uint64(10), e.LatestAccessSlot())

	e.AddTxUsage(16)
	assert.Equal(t, uint64(16), e.DecayedUsageCounter(10))
	assert.Equal(t, uint64(4), e.DecayedUsageCounter(12))
	assert.Equal(t, uint64(0), e.DecayedUsageCounter(1000))
	assert.Equal(t, uint64(16), e.DecayedUsageCounter(3))
}
