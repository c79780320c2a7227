// Package session implements the Game Session state machine of spec §4.5:
// per-match turn alternation, clock accounting, legality filtering, the
// draw/takeback negotiation sub-protocols, and termination. Every exported
// method is meant to be invoked only while the caller holds the
// dispatcher's single serialising lock (spec §5); Game itself carries no
// lock of its own.
package session

import (
	"math/rand"
	"time"

	"github.com/hezhaoyun/ichess-server/internal/enginepool"
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/player"
	"github.com/hezhaoyun/ichess-server/internal/rules"
	"github.com/hezhaoyun/ichess-server/internal/transport"
)

// Reason is a stable termination reason symbol (spec §6).
type Reason string

const (
	ReasonCheckmate             Reason = "CHECKMATE"
	ReasonOpponentOutOfTime     Reason = "OPPONENT_OUT_OF_TIME"
	ReasonOpponentResigned      Reason = "OPPONENT_RESIGNED"
	ReasonOpponentLeft          Reason = "OPPONENT_LEFT"
	ReasonCheckmated            Reason = "CHECKMATED"
	ReasonOutOfTime             Reason = "OUT_OF_TIME"
	ReasonResigned              Reason = "RESIGNED"
	ReasonStalemate             Reason = "STALEMATE"
	ReasonInsufficientMaterial  Reason = "INSUFFICIENT_MATERIAL"
	ReasonConsensus             Reason = "CONSENSUS"
	ReasonInfraFailure          Reason = "INFRA_FAILURE"
)

// botMoveTimeLimit is the fixed search budget for a bot move (spec §4.3/§6).
const botMoveTimeLimit = 1 * time.Second

// botAutoRespondDelay is the short pause before a bot opponent auto-accepts
// a draw or takeback proposal, long enough to read as a deliberate response
// rather than an instant one.
const botAutoRespondDelay = 400 * time.Millisecond

// Registry is the slice of the dispatcher's registries a Game needs: is a
// session still online, and removing this game once it ends.
type Registry interface {
	IsOnline(sid string) bool
	RemoveGame(gameID string)
}

// EnginePlayer is the slice of the Engine Pool (spec §4.3) a Game needs to
// request a bot move; it is an interface, rather than *enginepool.Pool
// directly, so tests can substitute a fake engine instead of spawning a
// real UCI subprocess.
type EnginePlayer interface {
	Acquire(skill int) (*enginepool.Handle, error)
	Play(h *enginepool.Handle, position *rules.Position, limit time.Duration) (string, error)
	Release(h *enginepool.Handle)
	Dispose(h *enginepool.Handle)
}

// Deps are the collaborators a Game Session is built from; all but Clock
// are the spec's external/in-scope collaborators threaded through
// explicitly rather than reached for as ambient singletons (spec §9).
type Deps struct {
	Transport transport.Facade
	Players   *player.Store
	Engines   EnginePlayer
	Registry  Registry
	Log       *logging.Logger
	// Submit re-enters the dispatcher's single serialising lock; bot-move
	// goroutines use it to call back into Game methods safely (spec §5).
	Submit func(func())
	// Clock is injectable so tests can control elapsed time deterministically.
	Clock func() time.Time
}

// Game is a single live match's state machine (spec §3 Game Session).
type Game struct {
	id        string
	players   [2]string
	times     [2]float64
	increment float64
	pos       *rules.Position

	current    int
	lastTick   time.Time
	terminated bool

	drawProposer     string
	takebackProposer string

	botSID string

	deps Deps
}

// New creates a Game Session per spec §4.5 Creation: colours are randomised,
// both players are sent `game_mode`, and the side to move is either sent
// `go` or, if it is the bot seat, immediately asked for a move.
func New(id string, pair [2]string, totalTime, increment float64, botSID string, deps Deps) *Game {
	shuffled := pair
	rand.Shuffle(2, func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	now := deps.Clock()
	g := &Game{
		id:        id,
		players:   shuffled,
		times:     [2]float64{totalTime, totalTime},
		increment: increment,
		pos:       rules.NewPosition(),
		current:   0,
		lastTick:  now,
		botSID:    botSID,
		deps:      deps,
	}

	g.sendGameMode()
	g.promptCurrentTurn()
	return g
}

// ID returns the game's unique identifier.
func (g *Game) ID() string { return g.id }

// Players returns the two session ids seated at this game, white first.
func (g *Game) Players() [2]string { return g.players }

// Terminated reports whether this game has already reached a terminal
// outcome; terminated games are never mutated again (invariant I5).
func (g *Game) Terminated() bool { return g.terminated }

// Contains reports whether sid is seated at this game.
func (g *Game) Contains(sid string) bool { return g.indexOf(sid) >= 0 }

func (g *Game) sendGameMode() {
	white, _ := g.deps.Players.Resolve(g.players[0])
	black, _ := g.deps.Players.Resolve(g.players[1])
	payload := func(side string) map[string]any {
		return map[string]any{"side": side, "white_player": white, "black_player": black}
	}
	g.deps.Transport.SendEvent([]string{g.players[0]}, "game_mode", payload("white"))
	g.deps.Transport.SendEvent([]string{g.players[1]}, "game_mode", payload("black"))
}

func (g *Game) promptCurrentTurn() {
	if g.botSID != "" && g.players[g.current] == g.botSID {
		g.requestBotMove()
		return
	}
	g.deps.Transport.SendEvent([]string{g.players[g.current]}, "go", nil)
}

// OnMove handles a move submission (spec §4.5 Move submission).
func (g *Game) OnMove(sid, moveUCI string) bool {
	if g.terminated || sid != g.players[g.current] || moveUCI == "" || !g.pos.IsLegal(moveUCI) {
		g.deps.Transport.SendText([]string{sid}, "command error")
		return false
	}
	if !g.pos.Apply(moveUCI) {
		g.deps.Transport.SendText([]string{sid}, "command error")
		return false
	}

	opponent := g.players[1-g.current]
	g.deps.Transport.SendEvent([]string{opponent}, "move", map[string]string{"move": moveUCI})
	g.times[g.current] += g.increment

	g.afterMove()
	return true
}

// afterMove implements spec §4.5 after_move.
func (g *Game) afterMove() {
	if idx, ok := g.disconnectedSeat(); ok {
		winnerIdx := 1 - idx
		g.declareResult(winnerIdx, idx, ReasonOpponentLeft, "", 1)
		return
	}

	switch g.pos.TerminalState() {
	case rules.OutcomeCheckmate:
		winnerIdx := g.current
		loserIdx := 1 - g.current
		g.declareResult(winnerIdx, loserIdx, ReasonCheckmate, ReasonCheckmated, 1)
	case rules.OutcomeStalemate:
		g.declareDraw(ReasonStalemate)
	case rules.OutcomeInsufficientMaterial:
		g.declareDraw(ReasonInsufficientMaterial)
	default:
		g.broadcastBoardText()
		now := g.deps.Clock()
		elapsed := now.Sub(g.lastTick).Seconds()
		g.times[g.current] -= elapsed
		g.current = 1 - g.current
		g.lastTick = now
		g.promptCurrentTurn()
	}
}

// disconnectedSeat returns the index of the first seated human session that
// is no longer online, if any.
func (g *Game) disconnectedSeat() (int, bool) {
	for i, sid := range g.players {
		if sid == "" || sid == g.botSID {
			continue
		}
		if !g.deps.Registry.IsOnline(sid) {
			return i, true
		}
	}
	return 0, false
}

// requestBotMove hands the current position off to the engine pool via a
// worker goroutine so the dispatcher's event loop is never blocked on an
// engine search (spec §4.5 Bot Move).
func (g *Game) requestBotMove() {
	snapshot := g.pos.Clone()
	rec, _ := g.deps.Players.Resolve(g.botSID)
	level := g.deps.Players.LevelOf(rec.Elo)
	gameID := g.id

	go func() {
		handle, err := g.deps.Engines.Acquire(level)
		if err != nil {
			g.deps.Log.Warn("session: engine acquire failed for game %s: %v", gameID, err)
			g.deps.Submit(func() { g.infraFailure() })
			return
		}

		move, err := g.deps.Engines.Play(handle, snapshot, botMoveTimeLimit)
		if err != nil {
			g.deps.Log.Warn("session: engine play failed for game %s: %v", gameID, err)
			g.deps.Engines.Dispose(handle)
			g.deps.Submit(func() { g.infraFailure() })
			return
		}
		g.deps.Engines.Release(handle)

		g.deps.Submit(func() { g.OnMove(g.botSID, move) })
	}()
}

// infraFailure aborts the game as an unrated draw when the engine
// subprocess cannot supply a bot move (spec §7).
func (g *Game) infraFailure() {
	if g.terminated {
		return
	}
	g.deps.Transport.SendEvent(g.players[:], "draw", map[string]string{"reason": string(ReasonInfraFailure)})
	g.terminate()
}

// OnResign implements spec §4.5 Resignation.
func (g *Game) OnResign(sid string) bool {
	if g.terminated {
		return false
	}
	idx := g.indexOf(sid)
	if idx < 0 {
		return false
	}
	g.declareResult(1-idx, idx, ReasonOpponentResigned, ReasonResigned, 1)
	return true
}

// OnPeerDisconnect implements spec §4.5 Disconnection callback.
func (g *Game) OnPeerDisconnect(sid string) {
	if g.terminated {
		return
	}
	idx := g.indexOf(sid)
	if idx < 0 {
		return
	}
	g.declareResult(1-idx, idx, ReasonOpponentLeft, "", 1)
}

// OnDrawProposal implements spec §4.5 Draw proposal.
func (g *Game) OnDrawProposal(sid string) bool {
	if g.terminated || g.drawProposer != "" {
		return false
	}
	g.drawProposer = sid
	opponent := g.opponentOf(sid)
	if opponent == g.botSID {
		g.scheduleAutoRespond(func() { g.OnDrawResponse(opponent, true) })
	} else {
		g.deps.Transport.SendEvent([]string{opponent}, "draw_request", nil)
	}
	return true
}

// OnDrawResponse implements spec §4.5 Draw response.
func (g *Game) OnDrawResponse(sid string, accepted bool) bool {
	if g.terminated || g.drawProposer == "" || sid != g.opponentOf(g.drawProposer) {
		return false
	}
	proposer := g.drawProposer
	g.drawProposer = ""

	if accepted {
		g.declareDraw(ReasonConsensus)
	} else {
		g.deps.Transport.SendEvent([]string{proposer}, "draw_declined", nil)
	}
	return true
}

// OnTakebackProposal implements spec §4.5 Takeback proposal.
func (g *Game) OnTakebackProposal(sid string) bool {
	if g.terminated || g.takebackProposer != "" || g.pos.MoveCount() < 1 {
		return false
	}
	g.takebackProposer = sid
	opponent := g.opponentOf(sid)
	if opponent == g.botSID {
		g.scheduleAutoRespond(func() { g.OnTakebackResponse(opponent, true) })
	} else {
		g.deps.Transport.SendEvent([]string{opponent}, "takeback_request", nil)
	}
	return true
}

// OnTakebackResponse implements spec §4.5 Takeback response.
func (g *Game) OnTakebackResponse(sid string, accepted bool) bool {
	if g.terminated || g.takebackProposer == "" || sid != g.opponentOf(g.takebackProposer) {
		return false
	}
	proposer := g.takebackProposer
	g.takebackProposer = ""

	if !accepted {
		g.deps.Transport.SendEvent([]string{proposer}, "takeback_declined", nil)
		return true
	}

	if g.pos.MoveCount() < 2 {
		g.deps.Transport.SendEvent([]string{proposer}, "takeback_declined", map[string]string{"reason": "insufficient moves"})
		return true
	}

	g.pos.Pop()
	g.pos.Pop()
	g.times[0] -= g.increment
	g.times[1] -= g.increment
	g.lastTick = g.deps.Clock()
	g.current = g.indexOf(proposer)

	g.deps.Transport.SendEvent(g.players[:], "takeback_success", nil)
	g.broadcastBoardText()
	g.deps.Transport.SendEvent([]string{g.players[g.current]}, "go", nil)
	return true
}

// UpdateClock implements spec §4.7's per-game half of the Clock Ticker:
// subtract elapsed time from the side to move and flag-fall if anyone has
// gone negative.
func (g *Game) UpdateClock(now time.Time) {
	if g.terminated {
		return
	}
	elapsed := now.Sub(g.lastTick).Seconds()
	g.times[g.current] -= elapsed
	g.lastTick = now

	if g.times[0] < 0 || g.times[1] < 0 {
		flagIdx := g.current
		if g.times[1-g.current] < 0 && g.times[g.current] >= 0 {
			flagIdx = 1 - g.current
		}
		g.declareResult(1-flagIdx, flagIdx, ReasonOpponentOutOfTime, ReasonOutOfTime, 1)
		return
	}

	g.broadcastTimer()
}

func (g *Game) broadcastTimer() {
	mine := int(g.times[g.current])
	theirs := int(g.times[1-g.current])
	g.deps.Transport.SendEvent([]string{g.players[g.current]}, "timer", map[string]int{"mine": mine, "opponent": theirs})
	g.deps.Transport.SendEvent([]string{g.players[1-g.current]}, "timer", map[string]int{"mine": theirs, "opponent": mine})
}

func (g *Game) broadcastBoardText() {
	g.deps.Transport.SendText(g.players[:], g.pos.FEN())
}

// declareResult ends the game with a decisive outcome: winnerIdx receives
// `win`, loserIdx receives `lost` (if loseReason is non-empty — a
// disconnected loser never gets to hear it), ratings are applied from
// winnerIdx's perspective with the given score, and the game terminates.
func (g *Game) declareResult(winnerIdx, loserIdx int, winReason, loseReason Reason, score float64) {
	winnerSid := g.players[winnerIdx]
	loserSid := g.players[loserIdx]

	if winnerSid != "" {
		g.deps.Transport.SendEvent([]string{winnerSid}, "win", map[string]string{"reason": string(winReason)})
	}
	if loserSid != "" && loseReason != "" {
		g.deps.Transport.SendEvent([]string{loserSid}, "lost", map[string]string{"reason": string(loseReason)})
	}
	if winnerSid != "" && loserSid != "" {
		g.deps.Players.ApplyRating(winnerSid, loserSid, score)
	}
	g.terminate()
}

func (g *Game) declareDraw(reason Reason) {
	g.deps.Transport.SendEvent(g.players[:], "draw", map[string]string{"reason": string(reason)})
	if g.players[0] != "" && g.players[1] != "" {
		g.deps.Players.ApplyRating(g.players[0], g.players[1], 0.5)
	}
	g.terminate()
}

// terminate implements spec §4.5 Termination.
func (g *Game) terminate() {
	if g.terminated {
		return
	}
	g.terminated = true

	g.deps.Transport.SendEvent(g.players[:], "game_over", nil)
	g.deps.Registry.RemoveGame(g.id)

	humans := make([]string, 0, 2)
	for _, sid := range g.players {
		if sid != "" && sid != g.botSID {
			humans = append(humans, sid)
		}
	}
	g.deps.Transport.SendEvent(humans, "waiting_match", nil)
}

func (g *Game) scheduleAutoRespond(action func()) {
	time.AfterFunc(botAutoRespondDelay, func() {
		g.deps.Submit(action)
	})
}

func (g *Game) indexOf(sid string) int {
	for i, s := range g.players {
		if s == sid {
			return i
		}
	}
	return -1
}

func (g *Game) opponentOf(sid string) string {
	idx := g.indexOf(sid)
	if idx < 0 {
		return ""
	}
	return g.players[1-idx]
}
