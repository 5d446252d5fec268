// Package matchmaker courts opponents from a configured list when the
// bot has nothing to do. At most one outbound challenge is alive at a
// time, and each opponent gets a cooldown between courtships.
package matchmaker

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	channerics "github.com/niceyeti/channerics/channels"
	"github.com/rs/zerolog"

	"github.com/ThatOnePro/lichess-bot/internal/config"
	"github.com/ThatOnePro/lichess-bot/internal/lichess"
)

// Client is the slice of the lichess API the matchmaker needs.
type Client interface {
	UsersStatus(ctx context.Context, ids []string) ([]lichess.UserStatus, error)
	CreateChallenge(ctx context.Context, username string, req lichess.ChallengeRequest) (string, error)
	CancelChallenge(ctx context.Context, challengeID string) error
}

// Params wires one Matchmaker.
type Params struct {
	Client Client
	Logger zerolog.Logger
	Cfg    config.MatchmakingConfig
	// Active reports how many games are running right now.
	Active   func() int
	MaxGames int
	// Seed fixes the opponent draw for tests; zero seeds from the clock.
	Seed int64
}

type courtship struct {
	challengeID string
	opponent    string
	sentAt      time.Time
}

// Matchmaker polls for idle capacity and sends outbound challenges.
type Matchmaker struct {
	client   Client
	logger   zerolog.Logger
	cfg      config.MatchmakingConfig
	active   func() int
	maxGames int
	rng      *rand.Rand

	mu          sync.Mutex
	current     *courtship
	lastAttempt map[string]time.Time
	cooldownEnd map[string]time.Time
}

func New(p Params) *Matchmaker {
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Matchmaker{
		client:      p.Client,
		logger:      p.Logger,
		cfg:         p.Cfg,
		active:      p.Active,
		maxGames:    p.MaxGames,
		rng:         rand.New(rand.NewSource(seed)),
		lastAttempt: make(map[string]time.Time),
		cooldownEnd: make(map[string]time.Time),
	}
}

// Run polls until ctx is cancelled. Each tick retires a timed-out
// courtship and, when the bot is idle, starts a new one.
func (m *Matchmaker) Run(ctx context.Context) error {
	ticker := channerics.NewTicker(ctx.Done(), m.cfg.PollInterval())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker:
			m.tick(ctx)
		}
	}
}

func (m *Matchmaker) tick(ctx context.Context) {
	m.expireCourtship(ctx)

	m.mu.Lock()
	busy := m.current != nil
	m.mu.Unlock()
	if busy || m.active() >= m.maxGames {
		return
	}

	opponent, ok := m.pickOpponent(ctx)
	if !ok {
		return
	}
	m.court(ctx, opponent)
}

// expireCourtship cancels a challenge nobody answered and puts the
// opponent on cooldown.
func (m *Matchmaker) expireCourtship(ctx context.Context) {
	m.mu.Lock()
	cur := m.current
	if cur == nil || time.Since(cur.sentAt) < m.cfg.ChallengeTimeout() {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.cooldownEnd[lower(cur.opponent)] = time.Now().Add(m.cfg.Cooldown())
	m.mu.Unlock()

	m.logger.Info().
		Str("challenge_id", cur.challengeID).
		Str("opponent", cur.opponent).
		Msg("challenge timed out, cancelling")
	if err := m.client.CancelChallenge(ctx, cur.challengeID); err != nil {
		m.logger.Warn().Err(err).Str("challenge_id", cur.challengeID).Msg("cancel failed")
	}
}

// pickOpponent draws one available opponent. The draw is weighted by
// how long ago each candidate was last courted, so nobody is hammered
// while the rest of the list goes untouched.
func (m *Matchmaker) pickOpponent(ctx context.Context) (string, bool) {
	now := time.Now()
	m.mu.Lock()
	eligible := make([]string, 0, len(m.cfg.Opponents))
	for _, name := range m.cfg.Opponents {
		if now.Before(m.cooldownEnd[lower(name)]) {
			continue
		}
		eligible = append(eligible, name)
	}
	m.mu.Unlock()
	if len(eligible) == 0 {
		return "", false
	}

	statuses, err := m.client.UsersStatus(ctx, eligible)
	if err != nil {
		m.logger.Warn().Err(err).Msg("user status lookup failed")
		return "", false
	}
	available := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st.Online && !st.Playing {
			available = append(available, st.Name)
		}
	}
	if len(available) == 0 {
		m.logger.Debug().Int("eligible", len(eligible)).Msg("no opponent available")
		return "", false
	}
	return m.weightedDraw(available, now), true
}

// weightedDraw picks from candidates with probability proportional to
// the time since each was last courted. Never-courted candidates carry
// the largest weight in the pool.
func (m *Matchmaker) weightedDraw(candidates []string, now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	weights := make([]float64, len(candidates))
	oldest := time.Second
	for i, name := range candidates {
		last, ok := m.lastAttempt[lower(name)]
		if !ok {
			weights[i] = -1
			continue
		}
		age := now.Sub(last)
		if age < time.Second {
			age = time.Second
		}
		if age > oldest {
			oldest = age
		}
		weights[i] = age.Seconds()
	}
	total := 0.0
	for i := range weights {
		if weights[i] < 0 {
			weights[i] = oldest.Seconds()
		}
		total += weights[i]
	}

	draw := m.rng.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func (m *Matchmaker) court(ctx context.Context, opponent string) {
	req := lichess.ChallengeRequest{
		Rated:          m.cfg.Rated,
		ClockLimit:     m.cfg.Initial,
		ClockIncrement: m.cfg.Increment,
		Variant:        m.cfg.Variant,
		Color:          "random",
	}
	id, err := m.client.CreateChallenge(ctx, opponent, req)

	m.mu.Lock()
	m.lastAttempt[lower(opponent)] = time.Now()
	if err == nil {
		m.current = &courtship{challengeID: id, opponent: opponent, sentAt: time.Now()}
	} else {
		m.cooldownEnd[lower(opponent)] = time.Now().Add(m.cfg.Cooldown())
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Str("opponent", opponent).Msg("challenge failed")
		return
	}
	m.logger.Info().
		Str("challenge_id", id).
		Str("opponent", opponent).
		Int("initial", m.cfg.Initial).
		Int("increment", m.cfg.Increment).
		Bool("rated", m.cfg.Rated).
		Msg("challenge sent")
}

// Courting returns the opponent of the outstanding outbound challenge,
// or "" when there is none.
func (m *Matchmaker) Courting() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.opponent
}

// GameStarted retires the courtship that produced this game and starts
// the opponent's cooldown so the next courtship goes elsewhere.
func (m *Matchmaker) GameStarted(opponent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && strings.EqualFold(m.current.opponent, opponent) {
		m.current = nil
	}
	for _, name := range m.cfg.Opponents {
		if strings.EqualFold(name, opponent) {
			m.cooldownEnd[lower(name)] = time.Now().Add(m.cfg.Cooldown())
			return
		}
	}
}

// ChallengeDeclined retires the courtship and cools the opponent down.
func (m *Matchmaker) ChallengeDeclined(challengeID, reason string) {
	m.retire(challengeID, "declined", string(lichess.ParseDeclineReason(reason)))
}

// ChallengeCanceled retires the courtship when the server or the
// opponent killed our challenge.
func (m *Matchmaker) ChallengeCanceled(challengeID string) {
	m.retire(challengeID, "canceled", "")
}

func (m *Matchmaker) retire(challengeID, outcome, reason string) {
	m.mu.Lock()
	cur := m.current
	if cur == nil || cur.challengeID != challengeID {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.cooldownEnd[lower(cur.opponent)] = time.Now().Add(m.cfg.Cooldown())
	m.mu.Unlock()

	evt := m.logger.Info().
		Str("challenge_id", challengeID).
		Str("opponent", cur.opponent).
		Str("outcome", outcome)
	if reason != "" {
		evt = evt.Str("reason", reason)
	}
	evt.Msg("courtship over")
}

func lower(s string) string { return strings.ToLower(s) }
