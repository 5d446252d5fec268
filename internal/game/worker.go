package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/notnil/chess"
	"github.com/rs/zerolog"

	"github.com/ThatOnePro/lichess-bot/internal/archive"
	"github.com/ThatOnePro/lichess-bot/internal/config"
	"github.com/ThatOnePro/lichess-bot/internal/engine"
	"github.com/ThatOnePro/lichess-bot/internal/lichess"
)

const (
	// abortGrace is how long the opponent gets to make an opening move
	// before the game is aborted. The !wait chat command doubles it once.
	abortGrace = 60 * time.Second
	// heartbeat drives the abort and claim-victory timers.
	heartbeat = time.Second
	// maxStreamReopens is how many consecutive reopen attempts a broken
	// game stream gets before the game is given up by resignation.
	maxStreamReopens = 1
	// drawStreakLen is how many consecutive own evaluations must sit
	// inside the draw window before the bot offers a draw.
	drawStreakLen = 5
	// minSearchTime is the floor for any search deadline.
	minSearchTime = 100 * time.Millisecond
	// clockSafety caps a single search at this fraction of our remaining
	// clock.
	clockSafety = 0.8
)

var errWrongGame = errors.New("bot is not a player in this game")

// errBoardOutOfSync forces a stream reopen so the next gameFull frame
// resyncs the board after the server rejected a move we considered
// legal.
var errBoardOutOfSync = errors.New("server rejected a legal move")

// Client is the slice of the lichess API a game worker needs.
type Client interface {
	StreamGame(ctx context.Context, gameID string) (<-chan lichess.GameFrame, error)
	MakeMove(ctx context.Context, gameID, move string, offerDraw bool) error
	SendChat(ctx context.Context, gameID, room, text string) error
	Resign(ctx context.Context, gameID string) error
	Abort(ctx context.Context, gameID string) error
	HandleDraw(ctx context.Context, gameID string, accept bool) error
	HandleTakeback(ctx context.Context, gameID string, accept bool) error
	ClaimVictory(ctx context.Context, gameID string) error
}

// EngineFactory starts a fresh engine instance.
type EngineFactory func(ctx context.Context) (engine.Engine, error)

// Recorder receives finished games. Enqueue must not block.
type Recorder interface {
	Enqueue(rec archive.Record) bool
}

// Update is a board snapshot pushed to observers after every change.
type Update struct {
	GameID   string `json:"gameId"`
	FEN      string `json:"fen"`
	LastMove string `json:"lastMove"`
	Status   string `json:"status"`
	White    string `json:"white"`
	Black    string `json:"black"`
	ScoreCP  int    `json:"scoreCp"`
	Finished bool   `json:"finished"`
}

type state int

const (
	stateOpening state = iota
	stateRunning
	stateRecovering
	stateClosing
)

func (s state) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateRunning:
		return "running"
	case stateRecovering:
		return "recovering"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

// Params wires one worker.
type Params struct {
	Client   Client
	Engine   EngineFactory
	Logger   zerolog.Logger
	BotID    string
	BotName  string
	GameID   string
	Recorder Recorder       // optional
	Notify   func(Update)   // optional
	Retry    lichess.RetryPolicy

	EngineCfg   config.EngineConfig
	DrawCfg     config.DrawConfig
	TakebackCfg config.TakebackConfig
}

// Worker plays one game: it consumes the game stream, keeps the board in
// sync, asks the engine for moves, and records the finished game.
type Worker struct {
	client  Client
	factory EngineFactory
	logger  zerolog.Logger
	rec     Recorder
	notify  func(Update)
	retry   lichess.RetryPolicy

	botID   string
	botName string
	gameID  string

	engCfg  config.EngineConfig
	drawCfg config.DrawConfig
	tbCfg   config.TakebackConfig

	eng             engine.Engine
	engineRestarted bool
	pos             *Position
	full            *lichess.GameFull
	color           chess.Color
	chat            Responder

	st          state
	lastState   lichess.GameState
	answeredPly int
	badMoves    int
	lastScore   engine.Score
	drawStreak  int
	clockHist   []int

	takebackPending bool
	tbAnswered      bool
	drawAnswered    bool
	waitGranted     bool
	abortAt         time.Time
	claimAt         time.Time

	drain     chan struct{}
	drainOnce sync.Once
	drained   bool
}

func NewWorker(p Params) *Worker {
	if p.Retry.MaxAttempts == 0 {
		p.Retry = lichess.DefaultRetryPolicy()
	}
	return &Worker{
		client:      p.Client,
		factory:     p.Engine,
		logger:      p.Logger.With().Str("game_id", p.GameID).Logger(),
		rec:         p.Recorder,
		notify:      p.Notify,
		retry:       p.Retry,
		botID:       p.BotID,
		botName:     p.BotName,
		gameID:      p.GameID,
		engCfg:      p.EngineCfg,
		drawCfg:     p.DrawCfg,
		tbCfg:       p.TakebackCfg,
		answeredPly: -1,
		drain:       make(chan struct{}),
	}
}

// Drain asks the worker to wind the game down: it finishes the search in
// flight, submits that move, resigns, and then plays the stream out to
// its terminal state. Safe to call more than once.
func (w *Worker) Drain() {
	w.drainOnce.Do(func() { close(w.drain) })
}

// Run plays the game to the end. It returns nil once the game reached a
// terminal state, ctx.Err() on shutdown, or an error when the stream or
// the engine could not be kept alive.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shutdownEngine()

	attempts := 0
	for {
		w.setState(stateOpening)
		opened, err := w.session(ctx)
		if err == nil {
			w.setState(stateClosing)
			w.finish()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errWrongGame) {
			return err
		}
		if opened {
			attempts = 0
		}
		attempts++
		if attempts > maxStreamReopens {
			// Don't leave the game hanging for the opponent.
			w.bestEffortResign(ctx)
			return fmt.Errorf("game stream could not be reopened: %w", err)
		}
		w.setState(stateRecovering)
		delay := w.retry.Backoff(attempts - 1)
		w.logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", delay).Msg("game stream lost, reconnecting")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// bestEffortResign resigns with whatever context is still usable.
func (w *Worker) bestEffortResign(ctx context.Context) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := w.client.Resign(ctx, w.gameID); err != nil {
		w.logger.Warn().Err(err).Msg("resign failed")
	}
}

// beginDrain runs once the drain signal fires. Any search that was in
// flight has already finished and its move is on the wire, so all that
// is left is to resign and let the stream play out.
func (w *Worker) beginDrain(ctx context.Context) {
	if w.drained {
		return
	}
	w.drained = true
	w.logger.Info().Msg("draining, resigning game")
	if w.pos != nil && w.pos.Ply() < 2 {
		if err := w.client.Abort(ctx, w.gameID); err == nil {
			return
		}
	}
	if err := w.client.Resign(ctx, w.gameID); err != nil {
		w.logger.Warn().Err(err).Msg("resign failed during drain")
	}
}

// session consumes one connection of the game stream. It returns nil
// when the game finished, and whether a gameFull frame was processed.
func (w *Worker) session(ctx context.Context) (bool, error) {
	frames, err := w.client.StreamGame(ctx, w.gameID)
	if err != nil {
		return false, err
	}

	opened := false
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	drain := w.drain
	for {
		select {
		case <-ctx.Done():
			return opened, ctx.Err()
		case <-drain:
			drain = nil
			w.beginDrain(ctx)
		case <-ticker.C:
			w.checkTimers(ctx)
		case frame, ok := <-frames:
			if !ok {
				return opened, fmt.Errorf("game stream closed")
			}
			if frame.Err != nil {
				return opened, frame.Err
			}
			finished, err := w.handleFrame(ctx, frame)
			if err != nil {
				return opened, err
			}
			if frame.Type == lichess.FrameGameFull {
				opened = true
			}
			if finished {
				return opened, nil
			}
		}
	}
}

func (w *Worker) handleFrame(ctx context.Context, frame lichess.GameFrame) (bool, error) {
	switch frame.Type {
	case lichess.FrameGameFull:
		return w.handleFull(ctx, frame.Full)
	case lichess.FrameGameState:
		return w.handleState(ctx, frame.State)
	case lichess.FrameChatLine:
		w.handleChat(ctx, frame.Chat)
		return false, nil
	case lichess.FrameOpponentGone:
		w.handleGone(frame.Gone)
		return false, nil
	default:
		return false, nil
	}
}

func (w *Worker) handleFull(ctx context.Context, full *lichess.GameFull) (bool, error) {
	if w.full == nil {
		color, err := w.colorOf(full)
		if err != nil {
			return false, err
		}
		pos, err := NewPosition(full.InitialFEN)
		if err != nil {
			return false, err
		}
		w.full = full
		w.color = color
		w.pos = pos
		if w.eng == nil {
			eng, err := w.factory(ctx)
			if err != nil {
				return false, fmt.Errorf("starting engine: %w", err)
			}
			w.eng = eng
			if err := w.eng.NewGame(ctx); err != nil {
				return false, fmt.Errorf("engine new game: %w", err)
			}
		}
		w.chat = Responder{BotName: w.botName, EngineName: w.eng.Name()}
		w.logger.Info().
			Str("white", full.White.Name).
			Str("black", full.Black.Name).
			Str("speed", full.Speed).
			Bool("rated", full.Rated).
			Str("color", color.Name()).
			Msg("game opened")
	} else {
		// Reconnect: the embedded state is authoritative, rebuild.
		if err := w.pos.Reset(full.State.MoveList()); err != nil {
			return false, err
		}
		w.resizeClocks(w.pos.Ply())
		w.answeredPly = -1
		w.logger.Info().Int("ply", w.pos.Ply()).Msg("rejoined game")
	}
	w.setState(stateRunning)
	return w.handleState(ctx, &full.State)
}

func (w *Worker) handleState(ctx context.Context, st *lichess.GameState) (bool, error) {
	if w.full == nil {
		return false, fmt.Errorf("gameState before gameFull")
	}
	w.lastState = *st

	if err := w.syncMoves(st); err != nil {
		return false, err
	}
	w.pushUpdate()

	if st.Finished() {
		w.logger.Info().Str("status", st.Status).Str("winner", st.Winner).Msg("game finished")
		return true, nil
	}

	w.answerTakeback(ctx, st)
	w.answerDraw(ctx, st)
	w.armAbortTimer()

	if err := w.maybeMove(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// syncMoves applies the server move list, tolerating a regression only
// right after an accepted takeback.
func (w *Worker) syncMoves(st *lichess.GameState) error {
	list := st.MoveList()
	applied, err := w.pos.Sync(list)
	if errors.Is(err, ErrMoveListDiverged) && w.takebackPending {
		w.takebackPending = false
		if err := w.pos.Reset(list); err != nil {
			return err
		}
		w.resizeClocks(w.pos.Ply())
		w.answeredPly = -1
		w.logger.Info().Int("ply", w.pos.Ply()).Msg("position rewound after takeback")
		return nil
	}
	if err != nil {
		return err
	}
	// Clocks are only known for the latest move of a batch.
	for i, n := 0, len(applied); i < n; i++ {
		ms := 0
		if i == n-1 {
			if moverIsWhite := w.pos.Ply()%2 == 1; moverIsWhite {
				ms = st.WhiteTime
			} else {
				ms = st.BlackTime
			}
		}
		w.clockHist = append(w.clockHist, ms)
	}
	return nil
}

func (w *Worker) resizeClocks(n int) {
	if len(w.clockHist) > n {
		w.clockHist = w.clockHist[:n]
		return
	}
	for len(w.clockHist) < n {
		w.clockHist = append(w.clockHist, 0)
	}
}

// answerTakeback responds once to an opponent takeback request.
func (w *Worker) answerTakeback(ctx context.Context, st *lichess.GameState) {
	asked := st.WhiteTakeback
	if w.color == chess.White {
		asked = st.BlackTakeback
	}
	if !asked {
		w.tbAnswered = false
		return
	}
	if w.tbAnswered {
		return
	}
	w.tbAnswered = true
	accept := w.tbCfg.Enabled
	if accept {
		w.takebackPending = true
	}
	w.logger.Info().Bool("accept", accept).Msg("answering takeback request")
	if err := w.client.HandleTakeback(ctx, w.gameID, accept); err != nil {
		w.logger.Warn().Err(err).Msg("takeback answer failed")
		w.takebackPending = false
		w.tbAnswered = false
	}
}

// answerDraw responds once to an opponent draw offer.
func (w *Worker) answerDraw(ctx context.Context, st *lichess.GameState) {
	offered := st.WhiteDraw
	if w.color == chess.White {
		offered = st.BlackDraw
	}
	if !offered {
		w.drawAnswered = false
		return
	}
	if w.drawAnswered {
		return
	}
	w.drawAnswered = true
	accept := w.drawCfg.Enabled &&
		w.lastScore.Known &&
		abs(w.lastScore.Centipawns()) <= w.drawCfg.ScoreWindowCp &&
		w.pos.FullMoves() >= w.drawCfg.MinMoves
	w.logger.Info().Bool("accept", accept).Msg("answering draw offer")
	if err := w.client.HandleDraw(ctx, w.gameID, accept); err != nil {
		w.logger.Warn().Err(err).Msg("draw answer failed")
		w.drawAnswered = false
	}
}

// armAbortTimer starts the no-show clock while the game can still be
// aborted and disarms it once both sides have moved.
func (w *Worker) armAbortTimer() {
	if w.pos.Ply() >= 2 {
		w.abortAt = time.Time{}
		return
	}
	if w.abortAt.IsZero() {
		w.abortAt = time.Now().Add(abortGrace)
	}
}

func (w *Worker) checkTimers(ctx context.Context) {
	now := time.Now()
	if !w.abortAt.IsZero() && now.After(w.abortAt) {
		w.abortAt = time.Time{}
		if w.pos != nil && w.pos.Ply() < 2 && w.pos.Turn() != w.color {
			w.logger.Info().Msg("opponent never moved, aborting")
			if err := w.client.Abort(ctx, w.gameID); err != nil {
				w.logger.Warn().Err(err).Msg("abort failed")
			}
		}
	}
	if !w.claimAt.IsZero() && now.After(w.claimAt) {
		w.claimAt = time.Time{}
		w.logger.Info().Msg("claiming victory against gone opponent")
		if err := w.client.ClaimVictory(ctx, w.gameID); err != nil {
			w.logger.Warn().Err(err).Msg("claim victory failed")
		}
	}
}

// maybeMove searches and plays when it is our turn and we have not
// already answered this position.
func (w *Worker) maybeMove(ctx context.Context) error {
	if w.drained {
		return nil
	}
	if w.pos.Turn() != w.color || w.pos.Ply() == w.answeredPly {
		return nil
	}

	limits := w.searchLimits()
	budget := w.searchBudget()
	var res engine.SearchResult
	for {
		var err error
		res, err = w.searchOnce(ctx, limits, budget)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("engine search failed")
			if w.engineRestarted {
				return w.resign(ctx, "engine failed after restart")
			}
			if err := w.restartEngine(ctx); err != nil {
				w.logger.Error().Err(err).Msg("engine restart failed")
				return w.resign(ctx, "engine could not be restarted")
			}
			continue
		}
		if w.pos.Legal(res.BestMove) {
			break
		}
		w.badMoves++
		w.logger.Error().Str("move", res.BestMove).Int("bad_moves", w.badMoves).Msg("engine produced an illegal move")
		if w.badMoves >= 2 {
			return w.resign(ctx, "engine keeps producing illegal moves")
		}
	}

	w.recordScore(res.Score)
	offerDraw := w.shouldOfferDraw()
	if err := w.client.MakeMove(ctx, w.gameID, res.BestMove, offerDraw); err != nil {
		if lichess.IsNotFound(err) {
			// The game is gone; the stream will explain.
			w.logger.Warn().Err(err).Str("move", res.BestMove).Msg("server refused move")
			return nil
		}
		if lichess.IsConflict(err) {
			// A move we considered legal was rejected: our board and the
			// server's disagree, which is as bad as an illegal move.
			w.badMoves++
			w.logger.Warn().Err(err).Str("move", res.BestMove).Int("bad_moves", w.badMoves).Msg("server rejected move")
			if w.badMoves >= 2 {
				return w.resign(ctx, "server keeps rejecting our moves")
			}
			return errBoardOutOfSync
		}
		return err
	}
	w.badMoves = 0
	w.answeredPly = w.pos.Ply()
	w.logger.Info().
		Str("move", res.BestMove).
		Int("ply", w.pos.Ply()+1).
		Int("score_cp", res.Score.Centipawns()).
		Bool("offer_draw", offerDraw).
		Msg("move played")
	return nil
}

func (w *Worker) searchOnce(ctx context.Context, limits engine.SearchLimits, budget time.Duration) (engine.SearchResult, error) {
	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	res, err := w.eng.Search(sctx, w.pos.EnginePosition(), limits)
	if err != nil {
		return res, err
	}
	if res.BestMove == "" {
		return res, engine.ErrNoMove
	}
	return res, nil
}

func (w *Worker) restartEngine(ctx context.Context) error {
	w.engineRestarted = true
	w.logger.Warn().Msg("restarting engine")
	if w.eng != nil {
		if err := w.eng.Quit(); err != nil {
			w.logger.Warn().Err(err).Msg("old engine did not quit cleanly")
		}
	}
	eng, err := w.factory(ctx)
	if err != nil {
		w.eng = nil
		return err
	}
	w.eng = eng
	return w.eng.NewGame(ctx)
}

// resign gives the game up but keeps the session alive; the server's
// terminal state closes it properly.
func (w *Worker) resign(ctx context.Context, why string) error {
	w.logger.Error().Str("reason", why).Msg("resigning")
	w.answeredPly = w.pos.Ply()
	if err := w.client.Resign(ctx, w.gameID); err != nil {
		w.logger.Warn().Err(err).Msg("resign failed")
		if !lichess.IsConflict(err) {
			return err
		}
	}
	return nil
}

func (w *Worker) searchLimits() engine.SearchLimits {
	st := w.lastState
	switch w.engCfg.TimeMode {
	case "movetime":
		return engine.SearchLimits{MoveTime: time.Duration(w.engCfg.MovetimeMs) * time.Millisecond}
	case "depth":
		return engine.SearchLimits{Depth: w.engCfg.Depth}
	case "nodes":
		return engine.SearchLimits{Nodes: w.engCfg.Nodes}
	default:
		limits := engine.SearchLimits{
			WhiteTime: time.Duration(st.WhiteTime) * time.Millisecond,
			BlackTime: time.Duration(st.BlackTime) * time.Millisecond,
			WhiteInc:  time.Duration(st.WhiteInc) * time.Millisecond,
			BlackInc:  time.Duration(st.BlackInc) * time.Millisecond,
		}
		// Leave headroom for the network on our own clock.
		overhead := w.engCfg.MoveOverhead()
		if w.color == chess.White {
			limits.WhiteTime = clampDuration(limits.WhiteTime-overhead, minSearchTime)
		} else {
			limits.BlackTime = clampDuration(limits.BlackTime-overhead, minSearchTime)
		}
		return limits
	}
}

// searchBudget is the hard wall for one search: the engine gets a stop
// request when it passes, whatever the limits said.
func (w *Worker) searchBudget() time.Duration {
	budget := w.engCfg.MaxSearchTime()
	switch w.engCfg.TimeMode {
	case "movetime":
		mt := time.Duration(w.engCfg.MovetimeMs)*time.Millisecond + time.Second
		if mt < budget {
			budget = mt
		}
	case "clock":
		mine := w.lastState.BlackTime
		if w.color == chess.White {
			mine = w.lastState.WhiteTime
		}
		if mine > 0 {
			fraction := time.Duration(float64(mine)*clockSafety) * time.Millisecond
			fraction -= w.engCfg.MoveOverhead()
			if fraction < budget {
				budget = fraction
			}
		}
	}
	return clampDuration(budget, minSearchTime)
}

func (w *Worker) recordScore(s engine.Score) {
	w.lastScore = s
	if s.Known && abs(s.Centipawns()) <= w.drawCfg.ScoreWindowCp {
		w.drawStreak++
	} else {
		w.drawStreak = 0
	}
}

func (w *Worker) shouldOfferDraw() bool {
	return w.drawCfg.Enabled &&
		w.drawStreak >= drawStreakLen &&
		w.pos.FullMoves() >= w.drawCfg.MinMoves
}

func (w *Worker) handleChat(ctx context.Context, line *lichess.ChatLine) {
	if w.full == nil {
		return
	}
	if strings.EqualFold(line.Username, w.botName) || line.Username == "lichess" {
		return
	}
	cmd := ParseCommand(line.Text)
	if cmd == CmdNone {
		return
	}
	var reply string
	switch cmd {
	case CmdHelp:
		reply = w.chat.Help()
	case CmdName:
		reply = w.chat.Name()
	case CmdHowTo:
		reply = w.chat.HowTo()
	case CmdEval:
		allowed := line.Room != "player" || !w.isOpponent(line.Username)
		reply = w.chat.Eval(w.lastScore, allowed)
	case CmdPing:
		reply = w.chat.Ping()
	case CmdWait:
		granted := false
		if w.pos.Ply() < 2 && !w.waitGranted {
			w.waitGranted = true
			w.abortAt = time.Now().Add(abortGrace)
			granted = true
		}
		reply = w.chat.Wait(granted)
	}
	if reply == "" {
		return
	}
	if err := w.client.SendChat(ctx, w.gameID, line.Room, Truncate(reply)); err != nil {
		w.logger.Warn().Err(err).Msg("chat reply failed")
	}
}

func (w *Worker) isOpponent(username string) bool {
	opp := w.full.Black.Name
	if w.color == chess.Black {
		opp = w.full.White.Name
	}
	return strings.EqualFold(username, opp)
}

func (w *Worker) handleGone(gone *lichess.OpponentGone) {
	if !gone.Gone {
		w.claimAt = time.Time{}
		return
	}
	if gone.ClaimWinInSeconds < 0 {
		return
	}
	w.claimAt = time.Now().Add(time.Duration(gone.ClaimWinInSeconds)*time.Second + 500*time.Millisecond)
	w.logger.Info().Int("claim_in_s", gone.ClaimWinInSeconds).Msg("opponent gone")
}

func (w *Worker) colorOf(full *lichess.GameFull) (chess.Color, error) {
	switch w.botID {
	case full.White.ID:
		return chess.White, nil
	case full.Black.ID:
		return chess.Black, nil
	}
	return chess.NoColor, fmt.Errorf("%w: %s", errWrongGame, w.gameID)
}

// finish enqueues the archive record for a completed game.
func (w *Worker) finish() {
	w.pushUpdate()
	if w.rec == nil || w.full == nil {
		return
	}
	clockInitial, clockIncrement := 0, 0
	if w.full.Clock != nil {
		clockInitial = w.full.Clock.Initial / 1000
		clockIncrement = w.full.Clock.Increment / 1000
	}
	moves := make([]string, len(w.pos.Moves()))
	copy(moves, w.pos.Moves())
	clocks := make([]int, len(w.clockHist))
	copy(clocks, w.clockHist)
	w.rec.Enqueue(archive.Record{
		GameID:         w.gameID,
		White:          w.full.White.Name,
		Black:          w.full.Black.Name,
		WhiteElo:       w.full.White.Rating,
		BlackElo:       w.full.Black.Rating,
		Rated:          w.full.Rated,
		Variant:        w.full.Variant.Key,
		Speed:          w.full.Speed,
		InitialFEN:     w.pos.InitialFEN(),
		MovesUCI:       moves,
		ClockMs:        clocks,
		ClockInitial:   clockInitial,
		ClockIncrement: clockIncrement,
		Status:         w.lastState.Status,
		Winner:         w.lastState.Winner,
		FinishedAt:     time.Now(),
	})
}

func (w *Worker) pushUpdate() {
	if w.notify == nil || w.full == nil {
		return
	}
	scoreCP := 0
	if w.lastScore.Known {
		scoreCP = w.lastScore.Centipawns()
	}
	w.notify(Update{
		GameID:   w.gameID,
		FEN:      w.pos.FEN(),
		LastMove: w.pos.LastMove(),
		Status:   w.lastState.Status,
		White:    w.full.White.Name,
		Black:    w.full.Black.Name,
		ScoreCP:  scoreCP,
		Finished: w.lastState.Finished(),
	})
}

func (w *Worker) shutdownEngine() {
	if w.eng == nil {
		return
	}
	if err := w.eng.Quit(); err != nil {
		w.logger.Warn().Err(err).Msg("engine quit failed")
	}
	w.eng = nil
}

func (w *Worker) setState(s state) {
	if w.st == s {
		return
	}
	w.st = s
	w.logger.Debug().Str("state", s.String()).Msg("worker state")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clampDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
