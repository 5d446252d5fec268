package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/notnil/chess"
	"github.com/rs/zerolog"
)

const (
	builtinDefaultDepth = 3
	builtinMaxDepth     = 5
	mateValue           = 100000
	infinity            = 1 << 30
)

var errStopped = errors.New("search stopped")

var pieceValues = map[chess.PieceType]int{
	chess.Pawn:   100,
	chess.Knight: 320,
	chess.Bishop: 330,
	chess.Rook:   500,
	chess.Queen:  900,
}

// builtin is a shallow negamax searcher over material and mobility. It
// exists so the bot can run without an external binary; it plays legal,
// unambitious chess.
type builtin struct {
	logger zerolog.Logger
	rng    *rand.Rand
	nodes  int
}

func newBuiltin(logger zerolog.Logger) *builtin {
	return &builtin{
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *builtin) Name() string { return "builtin" }

func (b *builtin) NewGame(ctx context.Context) error { return nil }

func (b *builtin) Ping(ctx context.Context) error { return nil }

func (b *builtin) Quit() error { return nil }

func (b *builtin) Search(ctx context.Context, pos Position, limits SearchLimits) (SearchResult, error) {
	game, err := gameFromPosition(pos)
	if err != nil {
		return SearchResult{}, err
	}
	moves := game.ValidMoves()
	if len(moves) == 0 {
		return SearchResult{}, ErrNoMove
	}

	depth := limits.Depth
	if depth <= 0 {
		depth = builtinDefaultDepth
	}
	if depth > builtinMaxDepth {
		depth = builtinMaxDepth
	}

	var deadline time.Time
	if limits.MoveTime > 0 {
		deadline = time.Now().Add(limits.MoveTime)
	}
	stop := func() bool {
		if ctx.Err() != nil {
			return true
		}
		return !deadline.IsZero() && time.Now().After(deadline)
	}

	// Shuffling the root keeps equal-scored games from repeating.
	b.rng.Shuffle(len(moves), func(i, j int) {
		moves[i], moves[j] = moves[j], moves[i]
	})

	b.nodes = 0
	root := game.Position()
	best := moves[0]
	bestScore := -infinity
	alpha, beta := -infinity, infinity
	for _, m := range moves {
		score, err := b.negamax(root.Update(m), depth-1, 1, -beta, -alpha, stop)
		if err != nil {
			break // deadline hit, keep the best move found so far
		}
		score = -score
		if score > bestScore {
			bestScore, best = score, m
		}
		if score > alpha {
			alpha = score
		}
	}

	res := SearchResult{BestMove: chess.UCINotation{}.Encode(root, best)}
	if bestScore > -infinity {
		res.Score = Score{CP: bestScore, Known: true}
	}
	b.logger.Debug().
		Str("move", res.BestMove).
		Int("score_cp", bestScore).
		Int("nodes", b.nodes).
		Int("depth", depth).
		Msg("builtin search done")
	return res, nil
}

func (b *builtin) negamax(pos *chess.Position, depth, ply, alpha, beta int, stop func() bool) (int, error) {
	b.nodes++
	if b.nodes%1024 == 0 && stop() {
		return 0, errStopped
	}

	moves := pos.ValidMoves()
	if len(moves) == 0 {
		if pos.Status() == chess.Checkmate {
			return -(mateValue - ply), nil
		}
		return 0, nil // stalemate
	}
	if depth <= 0 {
		return evaluate(pos, len(moves)), nil
	}

	best := -infinity
	for _, m := range moves {
		score, err := b.negamax(pos.Update(m), depth-1, ply+1, -beta, -alpha, stop)
		if err != nil {
			return 0, err
		}
		score = -score
		if score > best {
			best = score
		}
		if score > alpha {
			alpha = score
		}
		if alpha >= beta {
			break
		}
	}
	return best, nil
}

// evaluate scores a position from the side to move's point of view:
// material difference plus a small mobility bonus.
func evaluate(pos *chess.Position, mobility int) int {
	var white, black int
	for _, piece := range pos.Board().SquareMap() {
		v := pieceValues[piece.Type()]
		if piece.Color() == chess.White {
			white += v
		} else {
			black += v
		}
	}
	score := white - black
	if pos.Turn() == chess.Black {
		score = -score
	}
	return score + 2*mobility
}

// gameFromPosition rebuilds a game from its starting FEN and UCI moves.
func gameFromPosition(pos Position) (*chess.Game, error) {
	opts := []func(*chess.Game){chess.UseNotation(chess.UCINotation{})}
	if pos.InitialFEN != "" && pos.InitialFEN != "startpos" {
		fen, err := chess.FEN(pos.InitialFEN)
		if err != nil {
			return nil, fmt.Errorf("bad starting fen: %w", err)
		}
		opts = append(opts, fen)
	}
	game := chess.NewGame(opts...)
	for _, mv := range pos.Moves {
		if err := game.MoveStr(mv); err != nil {
			return nil, fmt.Errorf("replaying move %q: %w", mv, err)
		}
	}
	return game, nil
}
