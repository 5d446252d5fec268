// Package game runs one lichess game: board tracking, chat, and the
// worker loop that turns server state into engine moves.
package game

import (
	"errors"
	"fmt"

	"github.com/notnil/chess"

	"github.com/ThatOnePro/lichess-bot/internal/engine"
)

// ErrMoveListDiverged means the server sent a move list that is not an
// extension of the one already applied. That happens legitimately after
// an accepted takeback, otherwise it marks a corrupted stream.
var ErrMoveListDiverged = errors.New("server move list does not extend the known one")

// Position tracks one game's board from the server's cumulative move
// lists. Not safe for concurrent use; each worker owns one.
type Position struct {
	initialFEN string
	game       *chess.Game
	moves      []string
}

// NewPosition starts tracking a game from its initial FEN. Empty or
// "startpos" means the standard start.
func NewPosition(initialFEN string) (*Position, error) {
	if initialFEN == "startpos" {
		initialFEN = ""
	}
	g, err := buildGame(initialFEN, nil)
	if err != nil {
		return nil, err
	}
	return &Position{initialFEN: initialFEN, game: g}, nil
}

func buildGame(initialFEN string, moves []string) (*chess.Game, error) {
	opts := []func(*chess.Game){chess.UseNotation(chess.UCINotation{})}
	if initialFEN != "" {
		fen, err := chess.FEN(initialFEN)
		if err != nil {
			return nil, fmt.Errorf("bad initial fen: %w", err)
		}
		opts = append(opts, fen)
	}
	g := chess.NewGame(opts...)
	for _, mv := range moves {
		if err := g.MoveStr(mv); err != nil {
			return nil, fmt.Errorf("replaying move %q: %w", mv, err)
		}
	}
	return g, nil
}

// Sync applies a server move list and returns the newly applied moves.
// The list must extend the known one, element for element.
func (p *Position) Sync(moveList []string) ([]string, error) {
	if len(moveList) < len(p.moves) {
		return nil, ErrMoveListDiverged
	}
	for i := range p.moves {
		if p.moves[i] != moveList[i] {
			return nil, ErrMoveListDiverged
		}
	}
	applied := moveList[len(p.moves):]
	for _, mv := range applied {
		if err := p.game.MoveStr(mv); err != nil {
			return nil, fmt.Errorf("applying move %q: %w", mv, err)
		}
		p.moves = append(p.moves, mv)
	}
	return applied, nil
}

// Reset rebuilds the position from an arbitrary move list. Used after an
// accepted takeback, the one case where the server legitimately shortens
// the list.
func (p *Position) Reset(moveList []string) error {
	g, err := buildGame(p.initialFEN, moveList)
	if err != nil {
		return err
	}
	p.game = g
	p.moves = append(p.moves[:0], moveList...)
	return nil
}

// Legal reports whether the UCI move is playable here.
func (p *Position) Legal(uci string) bool {
	_, err := chess.UCINotation{}.Decode(p.game.Position(), uci)
	return err == nil
}

// Turn returns the colour to move.
func (p *Position) Turn() chess.Color {
	return p.game.Position().Turn()
}

// Ply returns the number of half-moves played.
func (p *Position) Ply() int { return len(p.moves) }

// FullMoves returns the number of completed full moves.
func (p *Position) FullMoves() int { return len(p.moves) / 2 }

// Moves returns the applied UCI moves. The slice is shared; callers must
// not modify it.
func (p *Position) Moves() []string { return p.moves }

// FEN renders the current position.
func (p *Position) FEN() string {
	return p.game.Position().String()
}

// LastMove returns the most recent UCI move, or "".
func (p *Position) LastMove() string {
	if len(p.moves) == 0 {
		return ""
	}
	return p.moves[len(p.moves)-1]
}

// EnginePosition converts to the engine package's position form.
func (p *Position) EnginePosition() engine.Position {
	moves := make([]string, len(p.moves))
	copy(moves, p.moves)
	return engine.Position{InitialFEN: p.initialFEN, Moves: moves}
}

// Outcome returns the game result as far as the board knows it, e.g.
// checkmate or stalemate reached through the move list.
func (p *Position) Outcome() chess.Outcome { return p.game.Outcome() }

// InitialFEN returns the starting FEN, empty for the standard start.
func (p *Position) InitialFEN() string { return p.initialFEN }

// ParseColor maps the server's colour strings.
func ParseColor(s string) (chess.Color, error) {
	switch s {
	case "white":
		return chess.White, nil
	case "black":
		return chess.Black, nil
	}
	return chess.NoColor, fmt.Errorf("unknown color %q", s)
}
