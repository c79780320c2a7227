// Package dispatch implements the Server Dispatcher of spec §4.8: the
// single serialising lock every mutation of online/waiting/game state runs
// behind (spec §5), plus the inbound event handlers that translate
// transport-level messages into calls on the matchmaker, clock ticker and
// individual Game Sessions. Grounded on the teacher's single-goroutine
// /move handler generalized from one stateless endpoint into a stateful,
// lock-guarded registry the way a real-time game server needs.
package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hezhaoyun/ichess-server/internal/clock"
	"github.com/hezhaoyun/ichess-server/internal/config"
	"github.com/hezhaoyun/ichess-server/internal/enginepool"
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/matchmaker"
	"github.com/hezhaoyun/ichess-server/internal/player"
	"github.com/hezhaoyun/ichess-server/internal/session"
	"github.com/hezhaoyun/ichess-server/internal/transport"
)

// waitingEntry is the dispatcher's private bookkeeping for one Waiting
// Entry (spec §3): who, since when, which time control they asked for.
type waitingEntry struct {
	sid              string
	joinTime         time.Time
	timeControlIndex int
}

// Dispatcher owns the single serialising lock (spec §5) and every piece of
// mutable registry state the event handlers and background loops touch.
type Dispatcher struct {
	mu sync.Mutex

	cfg     *config.Config
	log     *logging.Logger
	tr      transport.Facade
	players *player.Store
	engines *enginepool.Pool

	online       map[string]bool
	waiting      map[string]waitingEntry
	waitingOrder []string
	games        map[string]*session.Game

	now func() time.Time
}

// New constructs a Dispatcher wired to its collaborators.
func New(cfg *config.Config, log *logging.Logger, tr transport.Facade, players *player.Store, engines *enginepool.Pool) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		log:     log,
		tr:      tr,
		players: players,
		engines: engines,
		online:  make(map[string]bool),
		waiting: make(map[string]waitingEntry),
		games:   make(map[string]*session.Game),
		now:     time.Now,
	}
}

// Do runs f while holding the single serialising lock, satisfying
// matchmaker.Registry, clock.Registry and any other caller needing
// exclusive access to dispatcher state (spec §5).
func (d *Dispatcher) Do(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f()
}

// Submit is the re-entry hook Game worker goroutines use to safely call
// back into dispatcher/Game state once an engine search completes.
func (d *Dispatcher) Submit(f func()) {
	d.Do(f)
}

// ---- connection lifecycle -------------------------------------------------

// OnConnect registers sid as online, sends the welcome/lobby text (spec
// §4.8 connect, supplemented per SPEC_FULL.md from
// original_source/src/server.py's welcome() with server time, online count
// and waiting count), and announces the new connection to everyone already
// queued (original_source/app.py's on_connect broadcast to
// running.waiting_players).
func (d *Dispatcher) OnConnect(sid string) {
	var onlineCount, waitingCount int
	var waiters []string
	d.Do(func() {
		d.online[sid] = true
		onlineCount = len(d.online)
		waitingCount = len(d.waiting)
		waiters = append(waiters, d.waitingOrder...)
	})

	welcome := fmt.Sprintf(
		"Welcome to ichess! Server time: %s. Players online: %d. Players waiting: %d. Send a join event, then a match event, to find a match.",
		d.now().UTC().Format(time.RFC1123), onlineCount, waitingCount,
	)
	d.tr.SendText([]string{sid}, welcome)

	if len(waiters) > 0 {
		d.tr.SendText(waiters, fmt.Sprintf("A new player connected. %d players online.", onlineCount))
	}
}

// OnDisconnect implements spec §4.8 disconnect: drop from online/waiting,
// notify any live opponent, and forget the player cache entry.
func (d *Dispatcher) OnDisconnect(sid string) {
	d.Do(func() {
		delete(d.online, sid)
		d.removeWaitingLocked(sid)

		for _, g := range d.games {
			if g.Terminated() || !g.Contains(sid) {
				continue
			}
			g.OnPeerDisconnect(sid)
		}

		d.players.Forget(sid)
	})
}

// OnJoin implements spec §4.8 join: records the Session Registration
// sid -> (pid, name) established by a `join` event. It does not, by
// itself, enter the waiting queue — that is a separate `match` event
// (see OnMatch).
func (d *Dispatcher) OnJoin(sid, pid, name string) {
	d.Do(func() {
		d.players.Join(sid, pid, name)
	})
}

// OnMatch implements spec §4.8's `match{time_control}` handling: if sid is
// already seated at a live game this is a no-op, otherwise it is inserted
// into `waiting` with the current time and chosen time control.
func (d *Dispatcher) OnMatch(sid string, timeControlIndex int) {
	idx := matchmaker.ParseTimeControlIndex(d.cfg, timeControlIndex)
	seated := false
	d.Do(func() {
		if d.findGame(sid) != nil {
			seated = true
			return
		}
		if _, already := d.waiting[sid]; already {
			return
		}
		d.waiting[sid] = waitingEntry{sid: sid, joinTime: d.now(), timeControlIndex: idx}
		d.waitingOrder = append(d.waitingOrder, sid)
	})
	if seated {
		return
	}
	d.tr.SendText([]string{sid}, "Searching for an opponent...")
}

// ---- matchmaker.Registry ---------------------------------------------------

// WaitingSnapshot returns the current waiting queue's elo-enriched
// snapshot, safe to call only from inside Do.
func (d *Dispatcher) WaitingSnapshot() []matchmaker.WaitingEntry {
	out := make([]matchmaker.WaitingEntry, 0, len(d.waitingOrder))
	for _, sid := range d.waitingOrder {
		e, ok := d.waiting[sid]
		if !ok {
			continue
		}
		rec, _ := d.players.Resolve(sid)
		out = append(out, matchmaker.WaitingEntry{
			SID:              sid,
			JoinTime:         e.joinTime,
			TimeControlIndex: e.timeControlIndex,
			Elo:              rec.Elo,
		})
	}
	return out
}

// RemoveWaiting drops sid from the waiting queue; safe to call only from
// inside Do.
func (d *Dispatcher) RemoveWaiting(sid string) {
	d.removeWaitingLocked(sid)
}

func (d *Dispatcher) removeWaitingLocked(sid string) {
	if _, ok := d.waiting[sid]; !ok {
		return
	}
	delete(d.waiting, sid)
	for i, s := range d.waitingOrder {
		if s == sid {
			d.waitingOrder = append(d.waitingOrder[:i], d.waitingOrder[i+1:]...)
			break
		}
	}
}

// SendMatchFoundText notifies both paired sessions; safe to call only from
// inside Do.
func (d *Dispatcher) SendMatchFoundText(sids []string) {
	d.tr.SendText(sids, "Opponent found! Starting game...")
}

// SeedBot registers a synthetic bot player directly into the player store
// (spec §4.6 bot fallback); safe to call only from inside Do.
func (d *Dispatcher) SeedBot(sid, name string, elo int) {
	d.players.Seed(sid, player.Record{PID: sid, Name: name, Elo: elo})
}

// CreateGame constructs a new Game Session for pair and registers it (spec
// §4.5 Creation); safe to call only from inside Do.
func (d *Dispatcher) CreateGame(pair [2]string, tc config.TimeControl, botSID string) {
	id := uuid.NewString()
	deps := session.Deps{
		Transport: d.tr,
		Players:   d.players,
		Engines:   d.engines,
		Registry:  d,
		Log:       d.log,
		Submit:    d.Submit,
		Clock:     d.now,
	}
	g := session.New(id, pair, tc.TotalSeconds, tc.IncrementSeconds, botSID, deps)
	d.games[id] = g
	d.log.Info("dispatch: created game %s for %v (bot=%q)", id, pair, botSID)
}

// ---- session.Registry -------------------------------------------------

// IsOnline reports whether sid currently has a live connection; satisfies
// session.Registry.
func (d *Dispatcher) IsOnline(sid string) bool {
	if transportIsBot(sid) {
		return true
	}
	return d.online[sid]
}

// RemoveGame drops a terminated game from the active set; satisfies
// session.Registry.
func (d *Dispatcher) RemoveGame(gameID string) {
	delete(d.games, gameID)
}

// ---- clock.Registry ---------------------------------------------------

// ActiveGames returns every game currently tracked, terminated or not;
// callers filter. Satisfies clock.Registry.
func (d *Dispatcher) ActiveGames() []*session.Game {
	out := make([]*session.Game, 0, len(d.games))
	for _, g := range d.games {
		out = append(out, g)
	}
	return out
}

// ---- gameplay event routing ---------------------------------------------

// findGame returns the live, non-terminated game sid is seated at, if any.
// Safe to call only from inside Do.
func (d *Dispatcher) findGame(sid string) *session.Game {
	for _, g := range d.games {
		if !g.Terminated() && g.Contains(sid) {
			return g
		}
	}
	return nil
}

// OnMove routes an inbound move to sid's live game, if any (spec §4.5 Move
// submission).
func (d *Dispatcher) OnMove(sid, moveUCI string) {
	d.Do(func() {
		if g := d.findGame(sid); g != nil {
			g.OnMove(sid, moveUCI)
		}
	})
}

// OnResign routes a resignation to sid's live game.
func (d *Dispatcher) OnResign(sid string) {
	d.Do(func() {
		if g := d.findGame(sid); g != nil {
			g.OnResign(sid)
		}
	})
}

// OnDrawProposal routes a draw offer to sid's live game.
func (d *Dispatcher) OnDrawProposal(sid string) {
	d.Do(func() {
		if g := d.findGame(sid); g != nil {
			g.OnDrawProposal(sid)
		}
	})
}

// OnDrawResponse routes a draw accept/decline to sid's live game.
func (d *Dispatcher) OnDrawResponse(sid string, accepted bool) {
	d.Do(func() {
		if g := d.findGame(sid); g != nil {
			g.OnDrawResponse(sid, accepted)
		}
	})
}

// OnTakebackProposal routes a takeback request to sid's live game.
func (d *Dispatcher) OnTakebackProposal(sid string) {
	d.Do(func() {
		if g := d.findGame(sid); g != nil {
			g.OnTakebackProposal(sid)
		}
	})
}

// OnTakebackResponse routes a takeback accept/decline to sid's live game.
func (d *Dispatcher) OnTakebackResponse(sid string, accepted bool) {
	d.Do(func() {
		if g := d.findGame(sid); g != nil {
			g.OnTakebackResponse(sid, accepted)
		}
	})
}

// Stats is a snapshot of server occupancy for the landing endpoint.
type Stats struct {
	Online      int
	Waiting     int
	ActiveGames int
}

// Snapshot returns current occupancy counts under the serialising lock.
func (d *Dispatcher) Snapshot() Stats {
	var s Stats
	d.Do(func() {
		s.Online = len(d.online)
		s.Waiting = len(d.waiting)
		active := 0
		for _, g := range d.games {
			if !g.Terminated() {
				active++
			}
		}
		s.ActiveGames = active
	})
	return s
}

func transportIsBot(sid string) bool {
	return strings.HasPrefix(sid, transport.BotSessionPrefix)
}

var _ clock.Registry = (*Dispatcher)(nil)
var _ matchmaker.Registry = (*Dispatcher)(nil)
var _ session.Registry = (*Dispatcher)(nil)
