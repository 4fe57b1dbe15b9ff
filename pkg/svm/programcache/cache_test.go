package programcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader/loadertest"
)

func TestExtractSplitsHitsAndMisses(t *testing.T) {
	envs := DefaultEnvironments()
	cache := New(envs, nil)

	loaded := loadedAt(t, envs, 1)
	unloaded, _ := loadedAt(t, envs, 1).ToUnloaded()
	builtin := NewBuiltinEntry(0, 0, testBuiltin("system"))
	cache.Assign(progA, loaded)
	cache.Assign(progB, unloaded)
	cache.Assign(types.SystemProgramAddr, builtin)

	missingKey := types.Pubkey{0xcc}
	batch := NewForTxBatch(5, envs, nil, 0)
	missing := cache.Extract(batch, []types.Pubkey{progA, progB, types.SystemProgramAddr, missingKey}, map[types.Pubkey]uint64{progA: 3})

	assert.Equal(t, []types.Pubkey{progB, missingKey}, missing)
	got, ok := batch.Find(progA)
	require.True(t, ok)
	assert.Same(t, loaded, got)
	assert.Equal(t, uint64(3), loaded.TxUsage())
	assert.Equal(t, uint64(5), loaded.LatestAccessSlot())
	_, ok = batch.Find(types.SystemProgramAddr)
	assert.True(t, ok)

	stats := cache.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestAssignReloadKeepsCounters(t *testing.T) {
	envs := DefaultEnvironments()
	cache := New(envs, nil)

	first := loadedAt(t, envs, 1)
	first.AddTxUsage(7)
	unloaded, _ := first.ToUnloaded()
	assert.False(t, cache.Assign(progA, unloaded))

	reloaded := loadedAt(t, envs, 1)
	assert.True(t, cache.Assign(progA, reloaded))
	assert.Equal(t, uint64(7), reloaded.TxUsage())
	assert.Equal(t, uint64(1), cache.Stats().Reloads)

	redeployed := loadedAt(t, envs, 9)
	assert.False(t, cache.Assign(progA, redeployed))
	got, _ := cache.Get(progA)
	assert.Same(t, redeployed, got)
}

func TestAssignKeepsBuiltins(t *testing.T) {
	envs := DefaultEnvironments()
	cache := New(envs, nil)
	builtin := NewBuiltinEntry(0, 0, testBuiltin("system"))
	cache.Assign(progA, builtin)
	cache.Assign(progA, loadedAt(t, envs, 3))
	got, _ := cache.Get(progA)
	assert.Same(t, builtin, got)

	assert.Equal(t, 0, cache.Invalidate(progA))
	assert.Equal(t, 1, cache.Len())
}

func TestEvictUnloadsLeastUsed(t *testing.T) {
	envs := DefaultEnvironments()
	cache := New(envs, nil)
	cache.SetMaxLoaded(1)

	busy := loadedAt(t, envs, 1)
	busy.AddTxUsage(100)
	idle := loadedAt(t, envs, 1)
	cache.Assign(progA, busy)
	cache.Assign(progB, idle)

	assert.Equal(t, 1, cache.Evict(2))
	a, _ := cache.Get(progA)
	b, _ := cache.Get(progB)
	assert.Equal(t, Loaded, a.Type)
	assert.Equal(t, Unloaded, b.Type)
	assert.Equal(t, 0, cache.Evict(2))
}

func TestRerootSwapsEnvironments(t *testing.T) {
	envs := DefaultEnvironments()
	cache := New(envs, nil)
	cache.Assign(progA, loadedAt(t, envs, 1))
	cache.Assign(progB, NewTombstone(1, OwnerLoaderV3, Closed, nil))

	upcoming := DefaultEnvironments()
	cache.SetUpcomingEnvironments(&upcoming)
	cache.Reroot(10, 0)
	assert.Same(t, envs.V1, cache.Environments().V1)

	cache.Reroot(20, 1)
	assert.Same(t, upcoming.V1, cache.Environments().V1)
	assert.Nil(t, cache.UpcomingEnvironments())
	assert.Equal(t, uint64(20), cache.LatestRootSlot())
	assert.Equal(t, uint64(1), cache.LatestRootEpoch())

	a, _ := cache.Get(progA)
	assert.Equal(t, FailedVerification, a.Type)
	assert.Same(t, envs.V1, a.Environment())
	b, _ := cache.Get(progB)
	assert.Equal(t, Closed, b.Type)

	batch := NewForTxBatch(21, cache.Environments(), nil, 1)
	missing := cache.Extract(batch, []types.Pubkey{progA, progB}, nil)
	assert.Equal(t, []types.Pubkey{progA}, missing)
}

func TestInvalidateFollowsProgramData(t *testing.T) {
	envs := DefaultEnvironments()
	cache := New(envs, nil)
	entry, ok := LoadProgramWithPubkey(upgradeableSource(2, loadertest.Build()), envs, programKey, 3, false)
	require.True(t, ok)
	cache.Assign(programKey, entry)
	cache.Assign(progA, loadedAt(t, envs, 1))

	assert.Equal(t, 1, cache.Invalidate(programDataKey))
	_, ok = cache.Get(programKey)
	assert.False(t, ok)
	_, ok = cache.Get(progA)
	assert.True(t, ok)
}

func TestCanReload(t *testing.T) {
	envs := DefaultEnvironments()
	cache := New(envs, nil)
	cache.SetMaxLoaded(0)
	cache.Assign(progA, loadedAt(t, envs, 1))
	cache.Assign(progB, NewTombstone(1, OwnerLoaderV3, Closed, nil))
	assert.False(t, cache.CanReload(progA))

	require.Equal(t, 1, cache.Evict(2))
	assert.True(t, cache.CanReload(progA))
	assert.False(t, cache.CanReload(progB))
	assert.False(t, cache.CanReload(types.Pubkey{0xcc}))

	upcoming := DefaultEnvironments()
	cache.SetUpcomingEnvironments(&upcoming)
	cache.Reroot(10, 1)
	assert.False(t, cache.CanReload(progA), "unloaded under a replaced environment")
}
