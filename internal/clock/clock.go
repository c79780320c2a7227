// Package clock implements the Clock Ticker of spec §4.7: a periodic
// sweep over every live game that debits the side to move and declares a
// flag-fall, grounded on the same ticker+panic-recovery shape as
// internal/matchmaker.
package clock

import (
	"context"
	"time"

	"github.com/hezhaoyun/ichess-server/internal/config"
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/session"
)

// Registry is the slice of dispatcher state the ticker needs: the single
// serialising lock and the current set of live games.
type Registry interface {
	Do(f func())
	ActiveGames() []*session.Game
}

// Ticker drives UpdateClock on every active game once per period.
type Ticker struct {
	cfg      *config.Config
	registry Registry
	log      *logging.Logger
	now      func() time.Time
}

// New constructs a Ticker. now defaults to time.Now when nil.
func New(cfg *config.Config, registry Registry, log *logging.Logger, now func() time.Time) *Ticker {
	if now == nil {
		now = time.Now
	}
	return &Ticker{cfg: cfg, registry: registry, log: log, now: now}
}

// Run blocks, ticking every cfg.ClockTickPeriod until ctx is cancelled.
func (c *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ClockTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.safeTick()
		}
	}
}

func (c *Ticker) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("clock: tick panicked: %v", r)
		}
	}()
	c.Tick()
}

// Tick runs one sweep over all active games; exported for direct test and
// admin-trigger use.
func (c *Ticker) Tick() {
	now := c.now()
	c.registry.Do(func() {
		for _, g := range c.registry.ActiveGames() {
			if g.Terminated() {
				continue
			}
			g.UpdateClock(now)
		}
	})
}
