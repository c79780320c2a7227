// Package rules wraps the notnil/chess rules library behind the capability
// surface described in spec §4.1: new_position, is_legal, apply, pop,
// terminal_state, move_count, last_move_uci. notnil/chess has no native
// "pop" operation, so undo is implemented here as a replay of the move
// history onto a fresh game, which is the adapter's job to hide.
package rules

import (
	"fmt"

	"github.com/notnil/chess"
)

// Outcome is a terminal classification of a Position, mirroring the four
// states named in spec §4.1.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCheckmate
	OutcomeStalemate
	OutcomeInsufficientMaterial
)

// Position is an opaque board state handed around by the rest of the
// server; callers never touch *chess.Game directly.
type Position struct {
	game    *chess.Game
	history []string
}

// NewPosition returns a fresh position at the starting array.
func NewPosition() *Position {
	return &Position{game: chess.NewGame()}
}

// IsLegal reports whether moveUCI names one of the current legal moves.
func (p *Position) IsLegal(moveUCI string) bool {
	_, ok := p.findMove(moveUCI)
	return ok
}

// Apply applies moveUCI if legal and returns whether it was applied.
func (p *Position) Apply(moveUCI string) bool {
	mv, ok := p.findMove(moveUCI)
	if !ok {
		return false
	}
	if err := p.game.Move(mv); err != nil {
		return false
	}
	p.history = append(p.history, moveUCI)
	return true
}

// Pop undoes the most recent ply, if any, and reports success.
func (p *Position) Pop() bool {
	if len(p.history) == 0 {
		return false
	}
	trimmed := p.history[:len(p.history)-1]
	g, err := replay(trimmed)
	if err != nil {
		return false
	}
	p.game = g
	p.history = trimmed
	return true
}

// TerminalState classifies the current position per spec §4.1.
func (p *Position) TerminalState() Outcome {
	if p.game.Outcome() == chess.NoOutcome {
		return OutcomeNone
	}
	switch p.game.Method() {
	case chess.Checkmate:
		return OutcomeCheckmate
	case chess.Stalemate:
		return OutcomeStalemate
	case chess.InsufficientMaterial:
		return OutcomeInsufficientMaterial
	default:
		return OutcomeNone
	}
}

// MoveCount returns the number of plies applied so far.
func (p *Position) MoveCount() int {
	return len(p.history)
}

// LastMoveUCI returns the most recently applied move, or "" if none.
func (p *Position) LastMoveUCI() string {
	if len(p.history) == 0 {
		return ""
	}
	return p.history[len(p.history)-1]
}

// FEN returns the FEN string of the current position, used for the
// supplemented board-state text broadcast (SPEC_FULL.md).
func (p *Position) FEN() string {
	return p.game.Position().String()
}

// Raw exposes the underlying *chess.Position for handing to a UCI engine
// (internal/enginepool); nothing else should need it.
func (p *Position) Raw() *chess.Position {
	return p.game.Position()
}

// Clone deep-copies the position so a bot-move goroutine can search against
// a stable snapshot while the live position keeps mutating under the
// dispatcher's lock.
func (p *Position) Clone() *Position {
	g, err := replay(p.history)
	if err != nil {
		// history was built from legal moves only; a replay failure here
		// would mean Apply let through something illegal.
		g = chess.NewGame()
	}
	history := append([]string(nil), p.history...)
	return &Position{game: g, history: history}
}

func (p *Position) findMove(moveUCI string) (*chess.Move, bool) {
	for _, mv := range p.game.ValidMoves() {
		if mv.String() == moveUCI {
			return mv, true
		}
	}
	return nil, false
}

func replay(moves []string) (*chess.Game, error) {
	g := chess.NewGame()
	for _, want := range moves {
		applied := false
		for _, cand := range g.ValidMoves() {
			if cand.String() == want {
				if err := g.Move(cand); err != nil {
					return nil, err
				}
				applied = true
				break
			}
		}
		if !applied {
			return nil, fmt.Errorf("rules: replay hit illegal move %q", want)
		}
	}
	return g, nil
}
