package invoke

import (
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// AccountSource looks accounts up by address.
type AccountSource interface {
	GetAccountSharedData(key types.Pubkey) (*accounts.AccountSharedData, bool)
}

// SysvarCache holds the decoded sysvars programs may read. Missing entries
// fail with txcontext.ErrUnsupportedSysvar.
type SysvarCache struct {
	clock         *accounts.Clock
	epochSchedule *accounts.EpochSchedule
	rent          *accounts.Rent
}

// NewSysvarCache returns an empty cache.
func NewSysvarCache() *SysvarCache {
	return &SysvarCache{}
}

// Clock returns the clock sysvar.
func (c *SysvarCache) Clock() (accounts.Clock, error) {
	if c == nil || c.clock == nil {
		return accounts.Clock{}, txcontext.ErrUnsupportedSysvar
	}
	return *c.clock, nil
}

// SetClock replaces the clock sysvar.
func (c *SysvarCache) SetClock(clock accounts.Clock) {
	c.clock = &clock
}

// EpochSchedule returns the epoch schedule sysvar.
func (c *SysvarCache) EpochSchedule() (accounts.EpochSchedule, error) {
	if c == nil || c.epochSchedule == nil {
		return accounts.EpochSchedule{}, txcontext.ErrUnsupportedSysvar
	}
	return *c.epochSchedule, nil
}

// SetEpochSchedule replaces the epoch schedule sysvar.
func (c *SysvarCache) SetEpochSchedule(schedule accounts.EpochSchedule) {
	c.epochSchedule = &schedule
}

// Rent returns the rent sysvar.
func (c *SysvarCache) Rent() (accounts.Rent, error) {
	if c == nil || c.rent == nil {
		return accounts.Rent{}, txcontext.ErrUnsupportedSysvar
	}
	return *c.rent, nil
}

// SetRent replaces the rent sysvar.
func (c *SysvarCache) SetRent(rent accounts.Rent) {
	c.rent = &rent
}

// FillMissingEntries decodes every sysvar not cached yet from its account in
// src. Accounts that are missing or fail to decode leave the entry empty.
func (c *SysvarCache) FillMissingEntries(src AccountSource) {
	if c.clock == nil {
		if account, ok := src.GetAccountSharedData(types.SysvarClockAddr); ok {
			if clock, err := accounts.DecodeClock(account.Data()); err == nil {
				c.clock = &clock
			}
		}
	}
	if c.epochSchedule == nil {
		if account, ok := src.GetAccountSharedData(types.SysvarEpochScheduleAddr); ok {
			if schedule, err := accounts.DecodeEpochSchedule(account.Data()); err == nil {
				c.epochSchedule = &schedule
			}
		}
	}
	if c.rent == nil {
		if account, ok := src.GetAccountSharedData(types.SysvarRentAddr); ok {
			if rent, err := accounts.DecodeRent(account.Data()); err == nil {
				c.rent = &rent
			}
		}
	}
}

// Reset drops every entry.
func (c *SysvarCache) Reset() {
	*c = SysvarCache{}
}
