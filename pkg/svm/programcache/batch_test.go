package programcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader/loadertest"
)

var (
	progA = types.Pubkey{0xa1}
	progB = types.Pubkey{0xb2}
)

func loadedAt(t *testing.T, envs Environments, deployment uint64) *Entry {
	t.Helper()
	e, err := NewEntry(OwnerLoaderV3, envs.V1, deployment, deployment+DelayVisibilitySlotOffset, loadertest.Build(), 64)
	require.NoError(t, err)
	return e
}

func TestFindDelayVisibilityBoundary(t *testing.T) {
	envs := DefaultEnvironments()
	entry := loadedAt(t, envs, 20)

	batch := NewForTxBatch(20, envs, nil, 0)
	existed, _ := batch.Replenish(progA, entry)
	assert.False(t, existed)

	got, ok := batch.Find(progA)
	require.True(t, ok)
	assert.Equal(t, DelayVisibility, got.Type)
	assert.Equal(t, uint64(20), got.DeploymentSlot)
	assert.Equal(t, Loaded, entry.Type)

	batch.SetSlot(21)
	got, ok = batch.Find(progA)
	require.True(t, ok)
	assert.Same(t, entry, got)

	batch.SetSlot(500)
	got, _ = batch.Find(progA)
	assert.Equal(t, Loaded, got.Type)
}

func TestFindIsIdempotent(t *testing.T) {
	envs := DefaultEnvironments()
	batch := NewForTxBatch(20, envs, nil, 0)
	batch.Replenish(progA, loadedAt(t, envs, 20))

	first, ok := batch.Find(progA)
	require.True(t, ok)
	second, ok := batch.Find(progA)
	require.True(t, ok)
	assert.True(t, first.Equal(second))
	assert.Equal(t, first.Type, second.Type)

	_, ok = batch.Find(progB)
	assert.False(t, ok)
}

func TestModifiedEntriesOverlay(t *testing.T) {
	envs := DefaultEnvironments()
	batch := NewForTxBatch(30, envs, nil, 0)
	base := loadedAt(t, envs, 1)
	batch.Replenish(progA, base)

	closed := NewTombstone(30, OwnerLoaderV3, Closed, nil)
	batch.StoreModifiedEntry(progA, closed)
	got, _ := batch.Find(progA)
	assert.Same(t, closed, got)

	modified := batch.DrainModifiedEntries()
	assert.Equal(t, 1, modified.Len())
	got, _ = batch.Find(progA)
	assert.Same(t, base, got)
	assert.False(t, batch.MergedModified)

	batch.Merge(modified)
	assert.True(t, batch.MergedModified)
	got, _ = batch.Find(progA)
	assert.Same(t, closed, got)
}

func TestReplenishReportsExisting(t *testing.T) {
	envs := DefaultEnvironments()
	batch := NewForTxBatch(1, envs, nil, 0)
	assert.True(t, batch.IsEmpty())
	existed, _ := batch.Replenish(progA, NewTombstone(1, OwnerLoaderV2, Closed, nil))
	assert.False(t, existed)
	existed, _ = batch.Replenish(progA, NewTombstone(1, OwnerLoaderV2, Closed, nil))
	assert.True(t, existed)
	assert.Equal(t, 1, batch.Len())
}

func TestEnvironmentsForEpoch(t *testing.T) {
	envs := DefaultEnvironments()
	batch := NewForTxBatch(1, envs, nil, 3)
	assert.Equal(t, envs, batch.EnvironmentsForEpoch(4))

	upcoming := DefaultEnvironments()
	batch.UpcomingEnvironments = &upcoming
	assert.Equal(t, envs, batch.EnvironmentsForEpoch(3))
	assert.Same(t, upcoming.V1, batch.EnvironmentsForEpoch(4).V1)
}

func TestOrderedEntriesKeys(t *testing.T) {
	o := NewOrderedEntries()
	o.Set(progB, NewTombstone(0, OwnerLoaderV2, Closed, nil))
	o.Set(progA, NewTombstone(0, OwnerLoaderV2, Closed, nil))
	assert.Equal(t, []types.Pubkey{progA, progB}, o.Keys())

	_, replaced := o.Set(progA, NewTombstone(1, OwnerLoaderV2, Closed, nil))
	assert.True(t, replaced)
	_, ok := o.Delete(progA)
	assert.True(t, ok)
	assert.Equal(t, 1, o.Len())
}
