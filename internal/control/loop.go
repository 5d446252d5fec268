// Package control runs the account event loop: it turns incoming
// challenges into policy decisions, game starts into workers, and keeps
// the bot inside its concurrent-game budget.
package control

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThatOnePro/lichess-bot/internal/config"
	"github.com/ThatOnePro/lichess-bot/internal/game"
	"github.com/ThatOnePro/lichess-bot/internal/lichess"
	"github.com/ThatOnePro/lichess-bot/internal/policy"
)

// maxPending bounds the deferred-challenge list. Pushing past it
// declines the oldest entry with "later".
const maxPending = 20

// Client is the slice of the lichess API the control loop needs. It
// extends the game worker's slice with the account-level calls.
type Client interface {
	game.Client
	StreamEvents(ctx context.Context) (<-chan lichess.EventFrame, error)
	AcceptChallenge(ctx context.Context, challengeID string) error
	DeclineChallenge(ctx context.Context, challengeID string, reason lichess.DeclineReason) error
}

// Courter is the outbound-challenge side. The loop consults it when
// reserving game slots and reports challenge outcomes back to it.
type Courter interface {
	// Courting returns the user an outbound challenge is pending with,
	// or "" when there is none.
	Courting() string
	GameStarted(opponent string)
	ChallengeDeclined(challengeID, reason string)
	ChallengeCanceled(challengeID string)
}

// Params wires one Loop.
type Params struct {
	Client   Client
	Engine   game.EngineFactory
	Logger   zerolog.Logger
	BotID    string
	BotName  string
	Recorder game.Recorder     // optional
	Notify   func(game.Update) // optional
	Courter  Courter           // optional
	Retry    lichess.RetryPolicy
	Cfg      *config.Config
}

// Loop consumes the account event stream and owns the game workers.
type Loop struct {
	client  Client
	factory game.EngineFactory
	logger  zerolog.Logger
	rec     game.Recorder
	notify  func(game.Update)
	courter Courter
	retry   lichess.RetryPolicy
	cfg     *config.Config

	botID   string
	botName string

	mu       sync.Mutex
	workers  map[string]*runningGame
	pending  []lichess.Challenge
	draining bool

	runCtx context.Context
	wg     sync.WaitGroup
}

type runningGame struct {
	worker *game.Worker
	cancel context.CancelFunc
}

func NewLoop(p Params) *Loop {
	if p.Retry.MaxAttempts == 0 {
		p.Retry = lichess.DefaultRetryPolicy()
	}
	return &Loop{
		client:  p.Client,
		factory: p.Engine,
		logger:  p.Logger,
		rec:     p.Recorder,
		notify:  p.Notify,
		courter: p.Courter,
		retry:   p.Retry,
		cfg:     p.Cfg,
		botID:   p.BotID,
		botName: p.BotName,
		workers: make(map[string]*runningGame),
	}
}

// ActiveGames returns how many games are being played right now.
func (l *Loop) ActiveGames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// Run consumes the account event stream until ctx is cancelled, then
// winds the active games down and returns. The stream is reopened with
// backoff whenever it breaks; the backoff resets after a successful
// reconnect.
func (l *Loop) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	l.mu.Lock()
	l.runCtx = workerCtx
	l.mu.Unlock()

	attempt := 0
	for {
		frames, err := l.client.StreamEvents(ctx)
		if err == nil {
			attempt = 0
			err = l.consume(ctx, frames)
		}
		if ctx.Err() != nil {
			l.drainGames(cancelWorkers)
			return nil
		}
		delay := l.retry.Backoff(attempt)
		attempt++
		l.logger.Warn().Err(err).Dur("backoff", delay).Msg("event stream lost, reconnecting")
		select {
		case <-ctx.Done():
			l.drainGames(cancelWorkers)
			return nil
		case <-time.After(delay):
		}
	}
}

func (l *Loop) consume(ctx context.Context, frames <-chan lichess.EventFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if frame.Err != nil {
				return frame.Err
			}
			l.handleEvent(ctx, frame.Event)
		}
	}
}

func (l *Loop) handleEvent(ctx context.Context, ev lichess.Event) {
	switch ev.Type {
	case lichess.EventChallenge:
		if ev.Challenge != nil {
			l.handleChallenge(ctx, *ev.Challenge)
		}
	case lichess.EventChallengeCanceled:
		if ev.Challenge != nil {
			l.handleChallengeCanceled(*ev.Challenge)
		}
	case lichess.EventChallengeDeclined:
		if ev.Challenge != nil {
			l.handleChallengeDeclined(*ev.Challenge)
		}
	case lichess.EventGameStart:
		if ev.Game != nil {
			l.handleGameStart(ctx, *ev.Game)
		}
	case lichess.EventGameFinish:
		if ev.Game != nil {
			l.handleGameFinish(*ev.Game)
		}
	default:
		l.logger.Debug().Str("type", ev.Type).Msg("ignoring unknown event")
	}
}

func (l *Loop) handleChallenge(ctx context.Context, ch lichess.Challenge) {
	if strings.EqualFold(ch.Challenger.ID, l.botID) {
		// The stream echoes our own outbound challenges.
		return
	}
	logger := l.logger.With().
		Str("challenge_id", ch.ID).
		Str("from", ch.Challenger.Name).
		Str("variant", ch.Variant.Key).
		Str("speed", ch.Speed).
		Bool("rated", ch.Rated).
		Logger()

	dec := l.evaluate(ch)
	switch dec.Verdict {
	case policy.Accept:
		logger.Info().Msg("accepting challenge")
		if err := l.client.AcceptChallenge(ctx, ch.ID); err != nil {
			logger.Warn().Err(err).Msg("accept failed")
		}
	case policy.Decline:
		logger.Info().Str("rule", dec.Rule).Str("reason", string(dec.Reason)).Msg("declining challenge")
		if err := l.client.DeclineChallenge(ctx, ch.ID, dec.Reason); err != nil {
			logger.Warn().Err(err).Msg("decline failed")
		}
	case policy.Defer:
		logger.Info().Msg("no free game slot, deferring challenge")
		l.deferChallenge(ctx, ch)
	}
}

func (l *Loop) evaluate(ch lichess.Challenge) policy.Decision {
	st := policy.State{
		ActiveGames: l.ActiveGames(),
		MaxGames:    l.cfg.MaxGames,
	}
	if l.courter != nil {
		st.ChallengingUser = l.courter.Courting()
	}
	return policy.Evaluate(l.cfg.Challenge, ch, st)
}

// deferChallenge parks an acceptable challenge until a slot frees up.
func (l *Loop) deferChallenge(ctx context.Context, ch lichess.Challenge) {
	var dropped *lichess.Challenge
	l.mu.Lock()
	for _, p := range l.pending {
		if p.ID == ch.ID {
			l.mu.Unlock()
			return
		}
	}
	l.pending = append(l.pending, ch)
	if len(l.pending) > maxPending {
		d := l.pending[0]
		dropped = &d
		l.pending = l.pending[1:]
	}
	l.mu.Unlock()

	if dropped != nil {
		l.logger.Info().Str("challenge_id", dropped.ID).Msg("pending list full, declining oldest")
		if err := l.client.DeclineChallenge(ctx, dropped.ID, lichess.DeclineLater); err != nil {
			l.logger.Warn().Err(err).Str("challenge_id", dropped.ID).Msg("decline failed")
		}
	}
}

func (l *Loop) handleChallengeCanceled(ch lichess.Challenge) {
	l.mu.Lock()
	for i, p := range l.pending {
		if p.ID == ch.ID {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	l.logger.Info().Str("challenge_id", ch.ID).Msg("challenge canceled")
	if l.courter != nil {
		l.courter.ChallengeCanceled(ch.ID)
	}
}

func (l *Loop) handleChallengeDeclined(ch lichess.Challenge) {
	l.logger.Info().
		Str("challenge_id", ch.ID).
		Str("reason", ch.DeclineReason).
		Msg("our challenge was declined")
	if l.courter != nil {
		l.courter.ChallengeDeclined(ch.ID, ch.DeclineReason)
	}
}

// handleGameStart spawns a worker for the new game. A duplicate start
// for a game that already has a worker is ignored; a start that would
// exceed the game budget is aborted.
func (l *Loop) handleGameStart(ctx context.Context, info lichess.GameEventInfo) {
	if l.courter != nil {
		l.courter.GameStarted(info.Opponent.Username)
	}
	l.dropPending(info.GameID)

	l.mu.Lock()
	if _, ok := l.workers[info.GameID]; ok {
		l.mu.Unlock()
		l.logger.Debug().Str("game_id", info.GameID).Msg("worker already running")
		return
	}
	if len(l.workers) >= l.cfg.MaxGames || l.draining {
		l.mu.Unlock()
		l.logger.Warn().Str("game_id", info.GameID).Msg("no slot for started game, aborting it")
		if err := l.client.Abort(ctx, info.GameID); err != nil {
			l.logger.Warn().Err(err).Str("game_id", info.GameID).Msg("abort failed")
		}
		return
	}
	gctx, cancel := context.WithCancel(l.runCtx)
	w := game.NewWorker(game.Params{
		Client:      l.client,
		Engine:      l.factory,
		Logger:      l.logger,
		BotID:       l.botID,
		BotName:     l.botName,
		GameID:      info.GameID,
		Recorder:    l.rec,
		Notify:      l.notify,
		Retry:       l.retry,
		EngineCfg:   l.cfg.Engine,
		DrawCfg:     l.cfg.Draw,
		TakebackCfg: l.cfg.Takeback,
	})
	l.workers[info.GameID] = &runningGame{worker: w, cancel: cancel}
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Info().
		Str("game_id", info.GameID).
		Str("opponent", info.Opponent.Username).
		Str("color", info.Color).
		Msg("game started")

	go func() {
		defer l.wg.Done()
		defer cancel()
		if err := w.Run(gctx); err != nil && gctx.Err() == nil {
			l.logger.Error().Err(err).Str("game_id", info.GameID).Msg("game worker failed")
		}
		l.releaseSlot(info.GameID)
	}()
}

func (l *Loop) handleGameFinish(info lichess.GameEventInfo) {
	l.logger.Info().
		Str("game_id", info.GameID).
		Str("opponent", info.Opponent.Username).
		Msg("game finished")
}

// dropPending removes the pending entry whose challenge became this
// game; an accepted challenge keeps its id.
func (l *Loop) dropPending(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.pending {
		if p.ID == id {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// releaseSlot runs when a worker exits. The freed slot goes to the
// oldest deferred challenge that still evaluates to accept.
func (l *Loop) releaseSlot(gameID string) {
	l.mu.Lock()
	delete(l.workers, gameID)
	draining := l.draining
	ctx := l.runCtx
	l.mu.Unlock()
	if draining {
		return
	}
	l.revisitPending(ctx)
}

func (l *Loop) revisitPending(ctx context.Context) {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 || l.draining {
			l.mu.Unlock()
			return
		}
		ch := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		dec := l.evaluate(ch)
		switch dec.Verdict {
		case policy.Accept:
			l.logger.Info().Str("challenge_id", ch.ID).Str("from", ch.Challenger.Name).Msg("accepting deferred challenge")
			if err := l.client.AcceptChallenge(ctx, ch.ID); err != nil {
				// It may have expired or been canceled; move on.
				l.logger.Warn().Err(err).Str("challenge_id", ch.ID).Msg("accept failed")
				continue
			}
			return
		case policy.Decline:
			l.logger.Info().Str("challenge_id", ch.ID).Str("rule", dec.Rule).Msg("declining deferred challenge")
			if err := l.client.DeclineChallenge(ctx, ch.ID, dec.Reason); err != nil {
				l.logger.Warn().Err(err).Str("challenge_id", ch.ID).Msg("decline failed")
			}
		case policy.Defer:
			l.mu.Lock()
			l.pending = append([]lichess.Challenge{ch}, l.pending...)
			l.mu.Unlock()
			return
		}
	}
}

// drainGames gives every running game a chance to end cleanly before
// the hard cancel. Deferred challenges are declined so their owners are
// not left waiting.
func (l *Loop) drainGames(cancelWorkers context.CancelFunc) {
	l.mu.Lock()
	l.draining = true
	running := make([]*runningGame, 0, len(l.workers))
	for _, rg := range l.workers {
		running = append(running, rg)
	}
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, ch := range pending {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.client.DeclineChallenge(dctx, ch.ID, lichess.DeclineLater); err != nil {
			l.logger.Debug().Err(err).Str("challenge_id", ch.ID).Msg("decline on shutdown failed")
		}
		cancel()
	}

	if len(running) == 0 {
		return
	}
	l.logger.Info().Int("games", len(running)).Dur("grace", l.cfg.Drain()).Msg("draining active games")
	for _, rg := range running {
		rg.worker.Drain()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info().Msg("all games drained")
	case <-time.After(l.cfg.Drain()):
		l.logger.Warn().Msg("drain deadline passed, cancelling remaining games")
		cancelWorkers()
		<-done
	}
}
