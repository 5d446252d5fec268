package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// xboardEngine speaks CECP protover 2. Engines that never announce
// "feature done=1" are treated as unsupported, which keeps protocol
// auto-detection deterministic.
type xboardEngine struct {
	proc    *process
	name    string
	logger  zerolog.Logger
	ponder  bool
	pingSeq int

	featUsermove bool
	featSetboard bool
	featPing     bool
}

func newXBoard(ctx context.Context, proc *process, options map[string]string, logger zerolog.Logger, timeout time.Duration) (*xboardEngine, error) {
	e := &xboardEngine{proc: proc, name: "xboard engine", logger: logger}
	if err := proc.send("xboard"); err != nil {
		return nil, err
	}
	if err := proc.send("protover 2"); err != nil {
		return nil, err
	}

	deadline := time.After(timeout)
handshake:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for feature done=1")
		case line, ok := <-proc.lines:
			if !ok {
				return nil, fmt.Errorf("engine exited during handshake")
			}
			if !strings.HasPrefix(line, "feature ") {
				continue
			}
			done, err := e.applyFeatures(line)
			if err != nil {
				return nil, err
			}
			if done {
				break handshake
			}
		}
	}

	// CECP has no generic option vocabulary before protover 2's
	// "option" feature; forward configured options best-effort.
	for k, v := range options {
		if err := proc.send(fmt.Sprintf("option %s=%s", k, v)); err != nil {
			return nil, err
		}
	}
	logger.Info().Str("name", e.name).Msg("xboard handshake complete")
	return e, nil
}

// applyFeatures parses one feature line, acknowledges each key, and
// reports whether done=1 was seen.
func (e *xboardEngine) applyFeatures(line string) (bool, error) {
	done := false
	for _, f := range featurePairs(line) {
		switch f.key {
		case "usermove":
			e.featUsermove = f.value == "1"
		case "setboard":
			e.featSetboard = f.value == "1"
		case "ping":
			e.featPing = f.value == "1"
		case "myname":
			e.name = f.value
		case "done":
			done = f.value == "1"
		default:
			if err := e.proc.send("rejected " + f.key); err != nil {
				return false, err
			}
			continue
		}
		if err := e.proc.send("accepted " + f.key); err != nil {
			return false, err
		}
	}
	return done, nil
}

type featurePair struct {
	key   string
	value string
}

// featurePairs splits a feature line into key=value tokens, unquoting
// string values.
func featurePairs(line string) []featurePair {
	rest := strings.TrimPrefix(line, "feature ")
	var pairs []featurePair
	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			break
		}
		key := rest[:eq]
		rest = rest[eq+1:]
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				break
			}
			value = rest[1 : 1+end]
			rest = rest[end+2:]
		} else {
			end := strings.IndexByte(rest, ' ')
			if end < 0 {
				value, rest = rest, ""
			} else {
				value, rest = rest[:end], rest[end+1:]
			}
		}
		pairs = append(pairs, featurePair{key: key, value: value})
	}
	return pairs
}

func (e *xboardEngine) Name() string { return e.name }

func (e *xboardEngine) NewGame(ctx context.Context) error {
	for _, cmd := range []string{"new", "force", "post"} {
		if err := e.proc.send(cmd); err != nil {
			return err
		}
	}
	if e.ponder {
		return e.proc.send("hard")
	}
	return e.proc.send("easy")
}

func (e *xboardEngine) Ping(ctx context.Context) error {
	if !e.featPing {
		return nil
	}
	e.pingSeq++
	want := fmt.Sprintf("pong %d", e.pingSeq)
	if err := e.proc.send(fmt.Sprintf("ping %d", e.pingSeq)); err != nil {
		return err
	}
	deadline := time.After(probeTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s", want)
		case line, ok := <-e.proc.lines:
			if !ok {
				return fmt.Errorf("engine exited")
			}
			if line == want {
				return nil
			}
		}
	}
}

// Search replays the position from scratch in force mode and asks the
// engine to move. Rebuilding per search keeps the driver free of shared
// board state between our view and the engine's.
func (e *xboardEngine) Search(ctx context.Context, pos Position, limits SearchLimits) (SearchResult, error) {
	var res SearchResult
	for _, cmd := range []string{"new", "force", "post"} {
		if err := e.proc.send(cmd); err != nil {
			return res, err
		}
	}
	if pos.InitialFEN != "" && pos.InitialFEN != "startpos" {
		if !e.featSetboard {
			return res, fmt.Errorf("engine lacks setboard, cannot play from FEN")
		}
		if err := e.proc.send("setboard " + pos.InitialFEN); err != nil {
			return res, err
		}
	}
	for _, mv := range pos.Moves {
		if err := e.proc.send(e.moveCommand(mv)); err != nil {
			return res, err
		}
	}
	if err := e.sendLimits(pos, limits); err != nil {
		return res, err
	}
	if err := e.proc.send("go"); err != nil {
		return res, err
	}

	ctxDone := ctx.Done()
	var grace <-chan time.Time
	for {
		select {
		case <-ctxDone:
			// "?" is CECP for move-now.
			if err := e.proc.send("?"); err != nil {
				return res, err
			}
			ctxDone = nil
			grace = time.After(stopGrace)
		case <-grace:
			return res, fmt.Errorf("engine ignored move-now")
		case line, ok := <-e.proc.lines:
			if !ok {
				return res, fmt.Errorf("engine exited mid-search")
			}
			switch {
			case strings.HasPrefix(line, "move "):
				res.BestMove = strings.TrimSpace(strings.TrimPrefix(line, "move "))
				if res.BestMove == "" {
					return res, ErrNoMove
				}
				return res, nil
			case strings.HasPrefix(line, "Illegal move"):
				return res, fmt.Errorf("engine rejected replayed move: %s", line)
			case strings.HasPrefix(line, "resign"):
				return res, ErrNoMove
			case isResultLine(line):
				return res, ErrNoMove
			default:
				if s, ok := parsePostScore(line); ok {
					res.Score = s
				}
			}
		}
	}
}

func (e *xboardEngine) moveCommand(mv string) string {
	if e.featUsermove {
		return "usermove " + mv
	}
	return mv
}

func (e *xboardEngine) sendLimits(pos Position, limits SearchLimits) error {
	switch {
	case limits.MoveTime > 0:
		secs := int(limits.MoveTime.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return e.proc.send(fmt.Sprintf("st %d", secs))
	case limits.Depth > 0:
		return e.proc.send(fmt.Sprintf("sd %d", limits.Depth))
	case limits.Nodes > 0:
		// CECP has no portable node limit.
		e.logger.Warn().Msg("node limits unsupported over xboard, using 1s per move")
		return e.proc.send("st 1")
	case limits.WhiteTime > 0 || limits.BlackTime > 0:
		myTime, oppTime, myInc := limits.BlackTime, limits.WhiteTime, limits.BlackInc
		if whiteToMove(pos) {
			myTime, oppTime, myInc = limits.WhiteTime, limits.BlackTime, limits.WhiteInc
		}
		base := int(myTime / time.Minute)
		if base < 1 {
			base = 1
		}
		// level's first field is moves per session, 0 for sudden death.
		if err := e.proc.send(fmt.Sprintf("level %d %d %d", limits.MovesToGo, base, int(myInc/time.Second))); err != nil {
			return err
		}
		// time and otim are centiseconds.
		if err := e.proc.send(fmt.Sprintf("time %d", myTime.Milliseconds()/10)); err != nil {
			return err
		}
		return e.proc.send(fmt.Sprintf("otim %d", oppTime.Milliseconds()/10))
	default:
		return e.proc.send("st 1")
	}
}

func (e *xboardEngine) Quit() error {
	return e.proc.terminate("quit")
}

func whiteToMove(pos Position) bool {
	white := true
	if pos.InitialFEN != "" && pos.InitialFEN != "startpos" {
		fields := strings.Fields(pos.InitialFEN)
		if len(fields) >= 2 && fields[1] == "b" {
			white = false
		}
	}
	if len(pos.Moves)%2 == 1 {
		white = !white
	}
	return white
}

func isResultLine(line string) bool {
	return strings.HasPrefix(line, "1-0") ||
		strings.HasPrefix(line, "0-1") ||
		strings.HasPrefix(line, "1/2-1/2")
}

// parsePostScore reads thinking output: "<ply> <score> <time> <nodes>
// <pv...>" with score in centipawns.
func parsePostScore(line string) (Score, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Score{}, false
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return Score{}, false
	}
	cp, err := strconv.Atoi(fields[1])
	if err != nil {
		return Score{}, false
	}
	return Score{CP: cp, Known: true}, true
}
