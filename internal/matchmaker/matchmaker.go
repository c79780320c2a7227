// Package matchmaker implements the background matchmaking loop of spec
// §4.6: skill-band widening pairing and a bot-opponent fallback after a
// wait threshold, grounded on the periodic-scan shape of
// vimsent-L3/matchmaker (a ticker driving repeated passes over a waiting
// set) generalized from its gRPC/DB-backed queue to the in-memory waiting
// map this server owns.
package matchmaker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/hezhaoyun/ichess-server/internal/config"
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/ratings"
)

// WaitingEntry is a snapshot of one Waiting Entry (spec §3) plus the elo
// needed to compute its skill band, taken under the registry's lock.
type WaitingEntry struct {
	SID              string
	JoinTime         time.Time
	TimeControlIndex int
	Elo              int
}

// Registry is the slice of dispatcher state and actions the matchmaker
// needs. Do must run f while holding the single serialising lock (spec §5).
type Registry interface {
	Do(f func())
	WaitingSnapshot() []WaitingEntry
	RemoveWaiting(sid string)
	SendMatchFoundText(sids []string)
	SeedBot(sid, name string, elo int)
	CreateGame(pair [2]string, tc config.TimeControl, botSID string)
}

// Matchmaker periodically scans the waiting queue and pairs compatible
// sessions, or synthesizes a bot opponent once a session has waited long
// enough (spec §4.6).
type Matchmaker struct {
	cfg      *config.Config
	registry Registry
	log      *logging.Logger
	now      func() time.Time
}

// New constructs a Matchmaker. now defaults to time.Now when nil, and is
// overridable so tests can drive wait-time thresholds deterministically.
func New(cfg *config.Config, registry Registry, log *logging.Logger, now func() time.Time) *Matchmaker {
	if now == nil {
		now = time.Now
	}
	return &Matchmaker{cfg: cfg, registry: registry, log: log, now: now}
}

// Run blocks, ticking every cfg.MatchmakingPeriod until ctx is cancelled.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MatchmakingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeTick()
		}
	}
}

func (m *Matchmaker) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("matchmaker: tick panicked: %v", r)
		}
	}()
	m.Tick()
}

// Tick runs one matchmaking pass; exported so tests and a manual admin
// trigger can invoke it directly between ticks.
func (m *Matchmaker) Tick() {
	now := m.now()
	m.registry.Do(func() {
		entries := m.registry.WaitingSnapshot()
		slated := make(map[string]bool, len(entries))

		for _, s := range entries {
			if slated[s.SID] {
				continue
			}

			level := ratings.LevelOf(s.Elo)
			waited := now.Sub(s.JoinTime).Seconds()
			tolerance := m.cfg.SkillToleranceInit + math.Floor(waited/m.cfg.SkillToleranceWindow.Seconds())*m.cfg.SkillToleranceStep
			if tolerance > m.cfg.SkillToleranceMax {
				tolerance = m.cfg.SkillToleranceMax
			}

			partner, ok := m.findPartner(entries, slated, s, level, tolerance)
			if ok {
				slated[s.SID] = true
				slated[partner.SID] = true
				m.registry.RemoveWaiting(s.SID)
				m.registry.RemoveWaiting(partner.SID)
				m.registry.SendMatchFoundText([]string{s.SID, partner.SID})

				tc := m.cfg.TimeControls[s.TimeControlIndex]
				m.registry.CreateGame([2]string{s.SID, partner.SID}, tc, "")
				continue
			}

			if waited > m.cfg.BotWaitSeconds {
				slated[s.SID] = true
				m.registry.RemoveWaiting(s.SID)
				m.spawnBotMatch(s)
			}
		}
	})
}

func (m *Matchmaker) findPartner(entries []WaitingEntry, slated map[string]bool, s WaitingEntry, level int, tolerance float64) (WaitingEntry, bool) {
	for _, t := range entries {
		if t.SID == s.SID || slated[t.SID] || t.TimeControlIndex != s.TimeControlIndex {
			continue
		}
		tLevel := ratings.LevelOf(t.Elo)
		if math.Abs(float64(level-tLevel)) <= tolerance {
			return t, true
		}
	}
	return WaitingEntry{}, false
}

func (m *Matchmaker) spawnBotMatch(s WaitingEntry) {
	botSID := "bot_" + uuid.NewString()
	name := m.cfg.BotNamePool[rand.Intn(len(m.cfg.BotNamePool))]
	jitter := rand.Intn(201) - 100 // uniform(-100, +100)
	elo := s.Elo + jitter

	m.registry.SeedBot(botSID, name, elo)
	m.log.Info("matchmaker: pairing %s with bot %s (%s, elo %d)", s.SID, botSID, name, elo)

	tc := m.cfg.TimeControls[s.TimeControlIndex]
	m.registry.CreateGame([2]string{s.SID, botSID}, tc, botSID)
}

// ParseTimeControlIndex clamps an arbitrary client-supplied index into
// range, returning the default (index 0) for anything out of bounds,
// matching the spec's "Default index 0" fallback.
func ParseTimeControlIndex(cfg *config.Config, requested int) int {
	if requested < 0 || requested >= len(cfg.TimeControls) {
		return 0
	}
	return requested
}

// String renders a waiting entry (session id, time-control index, elo) as a
// short human-readable label.
func (tc WaitingEntry) String() string {
	return fmt.Sprintf("sid=%s tc=%d elo=%d", tc.SID, tc.TimeControlIndex, tc.Elo)
}
