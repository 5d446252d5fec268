package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type uciEngine struct {
	proc   *process
	name   string
	logger zerolog.Logger
}

func newUCI(ctx context.Context, proc *process, options map[string]string, logger zerolog.Logger, timeout time.Duration) (*uciEngine, error) {
	e := &uciEngine{proc: proc, name: "uci engine", logger: logger}
	if err := proc.send("uci"); err != nil {
		return nil, err
	}

	deadline := time.After(timeout)
handshake:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for uciok")
		case line, ok := <-proc.lines:
			if !ok {
				return nil, fmt.Errorf("engine exited during handshake")
			}
			switch {
			case strings.HasPrefix(line, "id name "):
				e.name = strings.TrimPrefix(line, "id name ")
			case line == "uciok":
				break handshake
			}
		}
	}

	// Set options in a stable order so engine logs are comparable
	// between runs.
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := proc.send(fmt.Sprintf("setoption name %s value %s", k, options[k])); err != nil {
			return nil, err
		}
	}

	if err := e.sync(ctx, timeout); err != nil {
		return nil, err
	}
	logger.Info().Str("name", e.name).Msg("uci handshake complete")
	return e, nil
}

func (e *uciEngine) Name() string { return e.name }

func (e *uciEngine) NewGame(ctx context.Context) error {
	if err := e.proc.send("ucinewgame"); err != nil {
		return err
	}
	return e.sync(ctx, handshakeTimeout)
}

func (e *uciEngine) Ping(ctx context.Context) error {
	return e.sync(ctx, probeTimeout)
}

// sync runs an isready/readyok round trip, discarding unrelated output.
func (e *uciEngine) sync(ctx context.Context, timeout time.Duration) error {
	if err := e.proc.send("isready"); err != nil {
		return err
	}
	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for readyok")
		case line, ok := <-e.proc.lines:
			if !ok {
				return fmt.Errorf("engine exited")
			}
			if line == "readyok" {
				return nil
			}
		}
	}
}

func (e *uciEngine) Search(ctx context.Context, pos Position, limits SearchLimits) (SearchResult, error) {
	var res SearchResult
	if err := e.proc.send(positionCommand(pos)); err != nil {
		return res, err
	}
	if err := e.proc.send(goCommand(limits)); err != nil {
		return res, err
	}

	ctxDone := ctx.Done()
	var grace <-chan time.Time
	for {
		select {
		case <-ctxDone:
			// Deadline hit: ask for the move now, give the engine a
			// moment to comply.
			if err := e.proc.send("stop"); err != nil {
				return res, err
			}
			ctxDone = nil
			grace = time.After(stopGrace)
		case <-grace:
			return res, fmt.Errorf("engine ignored stop")
		case line, ok := <-e.proc.lines:
			if !ok {
				return res, fmt.Errorf("engine exited mid-search")
			}
			switch {
			case strings.HasPrefix(line, "info "):
				if s, ok := parseUCIScore(line); ok {
					res.Score = s
				}
			case strings.HasPrefix(line, "bestmove"):
				fields := strings.Fields(line)
				if len(fields) < 2 || fields[1] == "(none)" {
					return res, ErrNoMove
				}
				res.BestMove = fields[1]
				if len(fields) >= 4 && fields[2] == "ponder" {
					res.Ponder = fields[3]
				}
				return res, nil
			}
		}
	}
}

func (e *uciEngine) Quit() error {
	return e.proc.terminate("quit")
}

func positionCommand(pos Position) string {
	var b strings.Builder
	if pos.InitialFEN == "" || pos.InitialFEN == "startpos" {
		b.WriteString("position startpos")
	} else {
		b.WriteString("position fen ")
		b.WriteString(pos.InitialFEN)
	}
	if len(pos.Moves) > 0 {
		b.WriteString(" moves ")
		b.WriteString(strings.Join(pos.Moves, " "))
	}
	return b.String()
}

func goCommand(l SearchLimits) string {
	var b strings.Builder
	b.WriteString("go")
	if l.Ponder {
		b.WriteString(" ponder")
	}
	switch {
	case l.MoveTime > 0:
		fmt.Fprintf(&b, " movetime %d", l.MoveTime.Milliseconds())
	case l.Depth > 0:
		fmt.Fprintf(&b, " depth %d", l.Depth)
	case l.Nodes > 0:
		fmt.Fprintf(&b, " nodes %d", l.Nodes)
	case l.WhiteTime > 0 || l.BlackTime > 0:
		fmt.Fprintf(&b, " wtime %d btime %d winc %d binc %d",
			l.WhiteTime.Milliseconds(), l.BlackTime.Milliseconds(),
			l.WhiteInc.Milliseconds(), l.BlackInc.Milliseconds())
		if l.MovesToGo > 0 {
			fmt.Fprintf(&b, " movestogo %d", l.MovesToGo)
		}
	default:
		b.WriteString(" movetime 1000")
	}
	return b.String()
}

// parseUCIScore extracts "score cp N" or "score mate N" from an info
// line.
func parseUCIScore(line string) (Score, bool) {
	fields := strings.Fields(line)
	for i := 0; i+2 < len(fields); i++ {
		if fields[i] != "score" {
			continue
		}
		val, err := strconv.Atoi(fields[i+2])
		if err != nil {
			return Score{}, false
		}
		switch fields[i+1] {
		case "cp":
			return Score{CP: val, Known: true}, true
		case "mate":
			return Score{Mate: val, Known: true}, true
		}
	}
	return Score{}, false
}
