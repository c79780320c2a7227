package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hezhaoyun/ichess-server/internal/enginepool"
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/player"
	"github.com/hezhaoyun/ichess-server/internal/rules"
	"github.com/hezhaoyun/ichess-server/internal/store"
)

// recordedEvent captures a single SendText/SendEvent call for assertions.
type recordedEvent struct {
	sids    []string
	kind    string // "text" or "event"
	name    string
	payload any
}

type fakeTransport struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeTransport) SendText(sids []string, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{sids: append([]string(nil), sids...), kind: "text", name: text})
}

func (f *fakeTransport) SendEvent(sids []string, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{sids: append([]string(nil), sids...), kind: "event", name: event, payload: payload})
}

func (f *fakeTransport) eventsFor(sid, event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.kind != "event" || e.name != event {
			continue
		}
		for _, s := range e.sids {
			if s == sid {
				out = append(out, e)
			}
		}
	}
	return out
}

type fakeRegistry struct {
	mu      sync.Mutex
	offline map[string]bool
	removed []string
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{offline: map[string]bool{}} }

func (r *fakeRegistry) IsOnline(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.offline[sid]
}

func (r *fakeRegistry) SetOffline(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline[sid] = true
}

func (r *fakeRegistry) RemoveGame(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeEngine always returns a fixed move without touching any subprocess.
type fakeEngine struct {
	move string
	err  error
}

func (e *fakeEngine) Acquire(skill int) (*enginepool.Handle, error) { return &enginepool.Handle{}, nil }
func (e *fakeEngine) Play(h *enginepool.Handle, position *rules.Position, limit time.Duration) (string, error) {
	return e.move, e.err
}
func (e *fakeEngine) Release(h *enginepool.Handle) {}
func (e *fakeEngine) Dispose(h *enginepool.Handle) {}

func newTestDeps(t *testing.T) (Deps, *fakeTransport, *fakeRegistry, *fakeClock) {
	t.Helper()
	tr := &fakeTransport{}
	reg := newFakeRegistry()
	clock := newFakeClock()
	log := logging.New("test")
	ps := player.New(store.NewMemoryRepository(), log)

	// synchronous Submit: tests run single-threaded, no real dispatcher lock needed.
	submit := func(f func()) { f() }

	deps := Deps{
		Transport: tr,
		Players:   ps,
		Engines:   &fakeEngine{move: "e2e4"},
		Registry:  reg,
		Log:       log,
		Submit:    submit,
		Clock:     clock.Now,
	}
	return deps, tr, reg, clock
}

func seedPlayers(ps *player.Store, sids ...string) {
	for _, sid := range sids {
		ps.Join(sid, "pid-"+sid, "name-"+sid)
		ps.Resolve(sid)
	}
}

func TestMoveRejectedWhenNotYourTurn(t *testing.T) {
	deps, tr, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 0, "", deps)
	notToMove := g.players[1]

	require.False(t, g.OnMove(notToMove, "e2e4"), "move by the side not to move should be rejected")
	require.Empty(t, tr.eventsFor(notToMove, "win"), "rejected move should not produce any outcome event")
}

func TestMoveIncrementsOnlyMoversClock(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 5, "", deps)
	moverIdx := g.current
	mover := g.players[moverIdx]

	timesBefore := g.times
	require.True(t, g.OnMove(mover, "e2e4"), "legal move should be accepted")
	require.Equal(t, timesBefore[moverIdx]+5, g.times[moverIdx], "increment should be credited to the mover")
	require.Equal(t, timesBefore[1-moverIdx], g.times[1-moverIdx], "the opponent's clock should be unchanged by the move")
}

func TestFoolsMateEndToEnd(t *testing.T) {
	deps, tr, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 0, "", deps)
	white, black := g.players[0], g.players[1]

	moves := []string{"f2f3", "e7e5", "g2g4", "d8h4"}
	mover := white
	other := black
	for _, mv := range moves {
		require.Truef(t, g.OnMove(mover, mv), "move %q by %q should be legal", mv, mover)
		mover, other = other, mover
	}

	require.Len(t, tr.eventsFor(black, "win"), 1, "black should receive exactly one win event")
	require.Len(t, tr.eventsFor(white, "lost"), 1, "white should receive exactly one lost event")
	require.Len(t, tr.eventsFor(white, "game_over"), 1)
	require.Len(t, tr.eventsFor(black, "game_over"), 1)

	whiteRec, _ := deps.Players.Resolve(white)
	blackRec, _ := deps.Players.Resolve(black)
	require.Equal(t, 1485, whiteRec.Elo)
	require.Equal(t, 1515, blackRec.Elo)
	require.True(t, g.Terminated())
}

func TestFlagFall(t *testing.T) {
	deps, tr, _, clock := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 5, 0, "", deps)
	white := g.players[0]
	black := g.players[1]

	clock.Advance(6 * time.Second)
	g.UpdateClock(clock.Now())

	require.Len(t, tr.eventsFor(white, "lost"), 1, "white should flag and lose on time")
	require.Len(t, tr.eventsFor(black, "win"), 1, "black should win on white's flag fall")
	require.True(t, g.Terminated(), "game should terminate on flag fall")
}

func TestDrawByAgreement(t *testing.T) {
	deps, tr, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 0, "", deps)
	proposer := g.players[0]
	responder := g.players[1]

	require.True(t, g.OnDrawProposal(proposer), "draw proposal should be accepted")
	require.Len(t, tr.eventsFor(responder, "draw_request"), 1)
	require.True(t, g.OnDrawResponse(responder, true), "draw response should be valid")
	require.Len(t, tr.eventsFor(proposer, "draw"), 1)
	require.Len(t, tr.eventsFor(responder, "draw"), 1)

	pRec, _ := deps.Players.Resolve(proposer)
	rRec, _ := deps.Players.Resolve(responder)
	require.Equal(t, 1500, pRec.Elo, "elo should be unchanged on a draw")
	require.Equal(t, 1500, rRec.Elo, "elo should be unchanged on a draw")
}

func TestTakebackRequiresTwoPlies(t *testing.T) {
	deps, tr, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 5, "", deps)
	white := g.players[0]
	black := g.players[1]

	g.OnMove(white, "e2e4")

	require.True(t, g.OnTakebackProposal(white), "takeback proposal should be accepted with one ply played")
	require.True(t, g.OnTakebackResponse(black, true), "takeback response should be valid")
	require.Len(t, tr.eventsFor(white, "takeback_declined"), 1,
		"takeback should be declined with insufficient-moves reason when fewer than two plies exist")
}

func TestTakebackAcceptedRestoresState(t *testing.T) {
	deps, tr, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 5, "", deps)
	white := g.players[0]
	black := g.players[1]

	g.OnMove(white, "e2e4")
	g.OnMove(black, "e7e5")
	g.OnMove(white, "g1f3")

	require.True(t, g.OnTakebackProposal(white), "takeback proposal should be accepted")
	require.True(t, g.OnTakebackResponse(black, true), "takeback response should be accepted")

	require.Equal(t, 1, g.pos.MoveCount())
	require.Equal(t, g.indexOf(white), g.current, "current should be the proposer's index after a successful takeback")
	require.Len(t, tr.eventsFor(white, "takeback_success"), 1)
	require.Len(t, tr.eventsFor(black, "takeback_success"), 1)
}

func TestDisconnectionDeclaresOpponentWinner(t *testing.T) {
	deps, tr, reg, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 0, "", deps)
	a, b := g.players[0], g.players[1]

	reg.SetOffline(a)
	g.OnPeerDisconnect(a)

	require.Len(t, tr.eventsFor(b, "win"), 1, "the remaining player should win on disconnect")
	require.True(t, g.Terminated(), "game should terminate on disconnect")
	require.Equal(t, []string{"g1"}, reg.removed, "the game should remove itself from the registry on termination")
}

func TestResignation(t *testing.T) {
	deps, tr, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a", "b")

	g := New("g1", [2]string{"a", "b"}, 300, 0, "", deps)
	a, b := g.players[0], g.players[1]

	require.True(t, g.OnResign(a), "resignation should succeed")
	require.Len(t, tr.eventsFor(b, "win"), 1, "opponent should win on resignation")
	require.Len(t, tr.eventsFor(a, "lost"), 1, "resigner should receive a lost event")
}

func TestBotSeatAutoMoves(t *testing.T) {
	deps, tr, _, _ := newTestDeps(t)
	seedPlayers(deps.Players, "a")
	deps.Players.Seed("bot_1", player.Record{PID: "bot_1", Name: "Bot", Elo: 1500})

	g := New("g1", [2]string{"a", "bot_1"}, 300, 0, "bot_1", deps)

	// The bot's first move (if it was seated to move first) runs on a
	// worker goroutine; give it a moment to land before asserting.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if g.players[g.current] != "bot_1" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NotEqual(t, "bot_1", g.players[g.current], "bot seat should have already moved when it is assigned the opening move")
	_ = tr
}
