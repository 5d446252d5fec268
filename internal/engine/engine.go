// Package engine drives chess engines over the UCI and XBoard protocols,
// plus a builtin fallback that needs no subprocess.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThatOnePro/lichess-bot/internal/config"
)

// ErrUnsupported marks an engine binary that completed neither the UCI
// nor the XBoard handshake.
var ErrUnsupported = errors.New("engine speaks neither uci nor xboard")

// ErrNoMove is returned when the engine produced no playable move, e.g.
// "bestmove (none)" on a terminal position.
var ErrNoMove = errors.New("engine returned no move")

const (
	// handshakeTimeout bounds the initial protocol negotiation.
	handshakeTimeout = 10 * time.Second
	// probeTimeout bounds one protocol probe in auto-detect mode.
	probeTimeout = 5 * time.Second
	// stopGrace is how long after a stop request the engine may take to
	// emit its move before it is considered hung.
	stopGrace = 2 * time.Second
	// quitPatience is how long a quit request may take before the
	// process is killed.
	quitPatience = 5 * time.Second
)

// Position describes the game position to search: a starting FEN (empty
// or "startpos" for the standard start) plus UCI moves played from it.
type Position struct {
	InitialFEN string
	Moves      []string
}

// SearchLimits bounds one search. Exactly one regime applies: MoveTime,
// Depth, or Nodes when set, otherwise the game clocks.
type SearchLimits struct {
	WhiteTime time.Duration
	BlackTime time.Duration
	WhiteInc  time.Duration
	BlackInc  time.Duration
	MovesToGo int // moves until the next time control, 0 for sudden death
	MoveTime  time.Duration
	Depth     int
	Nodes     int
	Ponder    bool // start as a ponder search on the opponent's time
}

// Score is the engine's evaluation from the side to move's point of
// view. Known is false when the engine reported nothing.
type Score struct {
	CP    int
	Mate  int // full moves to mate, negative when getting mated
	Known bool
}

// Centipawns flattens the score for logging and draw decisions. Mate
// scores saturate well outside any draw window.
func (s Score) Centipawns() int {
	if s.Mate > 0 {
		return 100000 - s.Mate
	}
	if s.Mate < 0 {
		return -100000 - s.Mate
	}
	return s.CP
}

// SearchResult is the engine's answer for one position.
type SearchResult struct {
	BestMove string
	Ponder   string
	Score    Score
}

// Engine is a chess engine ready to search. Implementations are not safe
// for concurrent use; a game worker owns its engine exclusively.
type Engine interface {
	// Name returns the engine's self-reported name.
	Name() string
	// NewGame resets state between games.
	NewGame(ctx context.Context) error
	// Search picks a move for the position within the given limits.
	// Cancelling ctx asks the engine to stop and still return its move.
	Search(ctx context.Context, pos Position, limits SearchLimits) (SearchResult, error)
	// Ping checks that the engine is alive and responsive.
	Ping(ctx context.Context) error
	// Quit shuts the engine down, killing the process if it lingers.
	Quit() error
}

// New starts the configured engine and runs its protocol handshake.
func New(ctx context.Context, cfg config.EngineConfig, logger zerolog.Logger) (Engine, error) {
	switch cfg.Protocol {
	case "builtin":
		return newBuiltin(logger), nil
	case "uci":
		return startUCI(ctx, cfg, logger, handshakeTimeout)
	case "xboard":
		return startXBoard(ctx, cfg, logger, handshakeTimeout)
	case "auto", "":
		eng, uciErr := startUCI(ctx, cfg, logger, probeTimeout)
		if uciErr == nil {
			return eng, nil
		}
		if ctx.Err() != nil {
			return nil, uciErr
		}
		logger.Warn().Err(uciErr).Msg("uci probe failed, trying xboard")
		eng, xbErr := startXBoard(ctx, cfg, logger, probeTimeout)
		if xbErr == nil {
			return eng, nil
		}
		return nil, fmt.Errorf("%w: uci: %v; xboard: %v", ErrUnsupported, uciErr, xbErr)
	default:
		return nil, fmt.Errorf("unknown engine protocol %q", cfg.Protocol)
	}
}

func startUCI(ctx context.Context, cfg config.EngineConfig, logger zerolog.Logger, timeout time.Duration) (Engine, error) {
	proc, err := startProcess(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := make(map[string]string, len(cfg.Options)+1)
	for k, v := range cfg.Options {
		opts[k] = v
	}
	if cfg.Ponder {
		opts["Ponder"] = "true"
	}
	eng, err := newUCI(ctx, proc, opts, logger, timeout)
	if err != nil {
		proc.kill()
		return nil, err
	}
	return eng, nil
}

func startXBoard(ctx context.Context, cfg config.EngineConfig, logger zerolog.Logger, timeout time.Duration) (Engine, error) {
	proc, err := startProcess(cfg, logger)
	if err != nil {
		return nil, err
	}
	eng, err := newXBoard(ctx, proc, cfg.Options, logger, timeout)
	if err != nil {
		proc.kill()
		return nil, err
	}
	eng.ponder = cfg.Ponder
	return eng, nil
}
