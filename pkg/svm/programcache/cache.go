package programcache

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/log"
	"github.com/fortiblox/stratus-svm/internal/types"
)

// Stats counts cache activity.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Insertions   uint64
	Replacements uint64
	Reloads      uint64
	Evictions    uint64
}

// ProgramCache holds one entry per program address across batches and slots.
// It is safe for concurrent use.
type ProgramCache struct {
	mu                   sync.RWMutex
	entries              *OrderedEntries
	environments         Environments
	upcomingEnvironments *Environments
	latestRootSlot       uint64
	latestRootEpoch      uint64
	maxLoaded            int
	stats                Stats
	logger               *zap.Logger
}

// New creates a cache using envs for the current epoch.
func New(envs Environments, logger *zap.Logger) *ProgramCache {
	return &ProgramCache{
		entries:      NewOrderedEntries(),
		environments: envs,
		maxLoaded:    MaxLoadedEntryCount,
		logger:       log.WithPackage(logger),
	}
}

// SetMaxLoaded changes the number of Loaded entries kept before eviction.
func (c *ProgramCache) SetMaxLoaded(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxLoaded = n
}

// Environments returns the environments of the latest root epoch.
func (c *ProgramCache) Environments() Environments {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.environments
}

// UpcomingEnvironments returns the environments of the next epoch, if staged.
func (c *ProgramCache) UpcomingEnvironments() *Environments {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.upcomingEnvironments
}

// SetUpcomingEnvironments stages envs to be activated by the next epoch change
// seen by Reroot.
func (c *ProgramCache) SetUpcomingEnvironments(envs *Environments) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upcomingEnvironments = envs
}

// LatestRootSlot returns the slot passed to the last Reroot.
func (c *ProgramCache) LatestRootSlot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestRootSlot
}

// LatestRootEpoch returns the epoch passed to the last Reroot.
func (c *ProgramCache) LatestRootEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestRootEpoch
}

// Stats returns a copy of the counters.
func (c *ProgramCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Len returns the number of entries.
func (c *ProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Get returns the entry of key.
func (c *ProgramCache) Get(key types.Pubkey) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Get(key)
}

// Assign stores entry under key and reports whether an equal entry was
// already present. Builtins are never replaced by loaded programs. Replacing
// an Unloaded entry with its reloaded form keeps the usage counters.
func (c *ProgramCache) Assign(key types.Pubkey, entry *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assign(key, entry)
}

func (c *ProgramCache) assign(key types.Pubkey, entry *Entry) bool {
	existing, ok := c.entries.Get(key)
	if !ok {
		c.entries.Set(key, entry)
		c.stats.Insertions++
		return false
	}
	if existing.Type == Builtin && entry.Type != Builtin {
		c.logger.Warn("refusing to replace builtin",
			zap.Stringer("program", key),
			zap.Stringer("entry", entry),
		)
		return true
	}
	equal := existing.Equal(entry)
	if existing.Type == Unloaded && entry.Type == Loaded && equal {
		entry.txUsageCounter.Add(existing.txUsageCounter.Load())
		entry.ixUsageCounter.Add(existing.ixUsageCounter.Load())
		entry.UpdateAccessSlot(existing.LatestAccessSlot())
		c.stats.Reloads++
	} else {
		c.stats.Replacements++
	}
	c.entries.Set(key, entry)
	return equal
}

// usable reports whether entry can be handed to a batch as is. Unloaded
// entries and entries verified under a replaced environment must be loaded
// again.
func (c *ProgramCache) usable(entry *Entry) bool {
	switch entry.Type {
	case Builtin, Closed, DelayVisibility:
		return true
	case Loaded, FailedVerification:
		return entry.Environment() == c.environments.ForOwner(entry.Owner)
	default:
		return false
	}
}

// CanReload reports whether the entry of key is Unloaded under the current
// environment, so loading it again may skip verification. This only holds
// while the program account is unchanged since the entry was verified, which
// callers keep true by invalidating programs whose accounts they write.
func (c *ProgramCache) CanReload(key types.Pubkey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries.Get(key)
	return ok && entry.Type == Unloaded && entry.Environment() == c.environments.ForOwner(entry.Owner)
}

// Extract copies the usable entries of keys into batch and returns the keys
// that still need loading, in the order given. usage maps keys to the number
// of times the batch references them.
func (c *ProgramCache) Extract(batch *ForTxBatch, keys []types.Pubkey, usage map[types.Pubkey]uint64) []types.Pubkey {
	c.mu.Lock()
	defer c.mu.Unlock()

	var missing []types.Pubkey
	for _, key := range keys {
		entry, ok := c.entries.Get(key)
		if !ok || !c.usable(entry) {
			c.stats.Misses++
			missing = append(missing, key)
			continue
		}
		c.stats.Hits++
		entry.UpdateAccessSlot(batch.Slot())
		entry.AddTxUsage(usage[key])
		batch.Replenish(key, entry)
	}
	return missing
}

// Merge assigns every modified entry.
func (c *ProgramCache) Merge(modified *OrderedEntries) {
	c.mu.Lock()
	defer c.mu.Unlock()
	modified.Ascend(func(key types.Pubkey, entry *Entry) bool {
		c.assign(key, entry)
		return true
	})
}

// Evict unloads the least used Loaded entries until at most the configured
// maximum remains. Usage decays with the slots elapsed since now.
func (c *ProgramCache) Evict(now uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	type candidate struct {
		key   types.Pubkey
		entry *Entry
		usage uint64
	}
	var loaded []candidate
	c.entries.Ascend(func(key types.Pubkey, entry *Entry) bool {
		if entry.Type == Loaded {
			loaded = append(loaded, candidate{key: key, entry: entry, usage: entry.DecayedUsageCounter(now)})
		}
		return true
	})
	excess := len(loaded) - c.maxLoaded
	if excess <= 0 {
		return 0
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].usage < loaded[j].usage
	})
	for _, cand := range loaded[:excess] {
		unloaded, _ := cand.entry.ToUnloaded()
		c.entries.Set(cand.key, unloaded)
	}
	c.stats.Evictions += uint64(excess)
	c.logger.Debug("evicted programs",
		zap.Int("count", excess),
		zap.Uint64("slot", now),
	)
	return excess
}

// Reroot records a new root. When the epoch changes and upcoming environments
// were staged they become current, and every entry verified under the old
// environments is marked FailedVerification so it is verified again on next
// use.
func (c *ProgramCache) Reroot(slot, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.latestRootEpoch && c.upcomingEnvironments != nil {
		c.environments = *c.upcomingEnvironments
		c.upcomingEnvironments = nil

		stale := NewOrderedEntries()
		c.entries.Ascend(func(key types.Pubkey, entry *Entry) bool {
			if entry.Type != Loaded && entry.Type != Unloaded {
				return true
			}
			if env := entry.Environment(); env != c.environments.ForOwner(entry.Owner) {
				stale.Set(key, NewTombstone(entry.DeploymentSlot, entry.Owner, FailedVerification, env))
			}
			return true
		})
		stale.Ascend(func(key types.Pubkey, entry *Entry) bool {
			c.entries.Set(key, entry)
			return true
		})
		c.logger.Info("program runtime environments changed",
			zap.Uint64("epoch", epoch),
			zap.Int("stale", stale.Len()),
		)
	}
	c.latestRootSlot = slot
	c.latestRootEpoch = epoch
}

// Invalidate removes the entries of keys, and of loader v3 programs whose
// programdata account is one of keys, so the next batch loads them again.
// Builtins are kept.
func (c *ProgramCache) Invalidate(keys ...types.Pubkey) int {
	if len(keys) == 0 {
		return 0
	}
	set := make(map[types.Pubkey]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var drop []types.Pubkey
	c.entries.Ascend(func(key types.Pubkey, entry *Entry) bool {
		if entry.Type == Builtin {
			return true
		}
		if _, ok := set[key]; ok {
			drop = append(drop, key)
		} else if pd, ok := entry.ProgramDataAddress(); ok {
			if _, hit := set[pd]; hit {
				drop = append(drop, key)
			}
		}
		return true
	})
	for _, key := range drop {
		c.entries.Delete(key)
	}
	return len(drop)
}
