package e2e

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/notnil/chess"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThatOnePro/lichess-bot/internal/archive"
	"github.com/ThatOnePro/lichess-bot/internal/config"
	"github.com/ThatOnePro/lichess-bot/internal/control"
	"github.com/ThatOnePro/lichess-bot/internal/engine"
	"github.com/ThatOnePro/lichess-bot/internal/lichess"
)

const (
	testToken  = "lip_e2e"
	gameID     = "e2egame1"
	botID      = "testbot"
	botName    = "TestBot"
	opponentID = "humanfoe"
)

// fakeLichess is a minimal lichess server: it serves the account, the
// event stream and one scripted game where the fake opponent plays
// white, answers every bot move instantly, and finally resigns.
type fakeLichess struct {
	t *testing.T

	mu       sync.Mutex
	accepted []string
	declined map[string]string
	moves    []string

	events chan string
	games  chan string

	acceptedOnce sync.Once
	acceptedCh   chan struct{}
	declinedOnce sync.Once
	declinedCh   chan struct{}
	gameOverOnce sync.Once
	gameOverCh   chan struct{}
}

func newFakeLichess(t *testing.T) *fakeLichess {
	return &fakeLichess{
		t:          t,
		declined:   make(map[string]string),
		events:     make(chan string, 8),
		games:      make(chan string, 8),
		acceptedCh: make(chan struct{}),
		declinedCh: make(chan struct{}),
		gameOverCh: make(chan struct{}),
	}
}

func (s *fakeLichess) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/account":
		s.handleAccount(w, r)
	case path == "/api/stream/event":
		s.streamLines(w, r, s.events, "")
	case strings.HasPrefix(path, "/api/bot/game/stream/"):
		s.streamLines(w, r, s.games, s.gameFullLine())
	case strings.HasPrefix(path, "/api/challenge/") && strings.HasSuffix(path, "/accept"):
		s.handleAccept(w, r)
	case strings.HasPrefix(path, "/api/challenge/") && strings.HasSuffix(path, "/decline"):
		s.handleDecline(w, r)
	case strings.Contains(path, "/move/"):
		s.handleMove(w, r)
	default:
		fmt.Fprint(w, `{"ok":true}`)
	}
}

func (s *fakeLichess) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"No such token"}`)
		return
	}
	fmt.Fprintf(w, `{"id":%q,"username":%q,"title":"BOT"}`, botID, botName)
}

// streamLines serves an NDJSON stream: an optional opening line, then
// whatever arrives on ch until the client hangs up.
func (s *fakeLichess) streamLines(w http.ResponseWriter, r *http.Request, ch <-chan string, first string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.t.Error("response writer is not a flusher")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if first != "" {
		fmt.Fprintln(w, first)
	}
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func (s *fakeLichess) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/challenge/"), "/accept")
	s.mu.Lock()
	s.accepted = append(s.accepted, id)
	s.mu.Unlock()

	s.events <- fmt.Sprintf(`{"type":"gameStart","game":{"gameId":%q,"fullId":"%sabcd","color":"black","speed":"blitz","opponent":{"id":%q,"username":"HumanFoe","rating":1850},"isMyTurn":true}}`,
		gameID, gameID, opponentID)
	s.acceptedOnce.Do(func() { close(s.acceptedCh) })
	fmt.Fprint(w, `{"ok":true}`)
}

func (s *fakeLichess) handleDecline(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/challenge/"), "/decline")
	s.mu.Lock()
	s.declined[id] = r.PostFormValue("reason")
	s.mu.Unlock()
	s.declinedOnce.Do(func() { close(s.declinedCh) })
	fmt.Fprint(w, `{"ok":true}`)
}

// handleMove accepts the bot's move. The scripted white answers the
// first one with d2d4 and resigns after the second.
func (s *fakeLichess) handleMove(w http.ResponseWriter, r *http.Request) {
	uci := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	s.mu.Lock()
	s.moves = append(s.moves, uci)
	n := len(s.moves)
	all := s.allMovesLocked()
	s.mu.Unlock()

	switch n {
	case 1:
		s.games <- stateLine(all+" d2d4", "started", "")
	case 2:
		s.games <- stateLine(all, "resign", "black")
		s.gameOverOnce.Do(func() { close(s.gameOverCh) })
	}
	fmt.Fprint(w, `{"ok":true}`)
}

// allMovesLocked interleaves the scripted white moves with the
// recorded bot moves. Callers hold s.mu.
func (s *fakeLichess) allMovesLocked() string {
	parts := []string{"e2e4"}
	for i, m := range s.moves {
		parts = append(parts, m)
		if i == 0 && len(s.moves) > 1 {
			parts = append(parts, "d2d4")
		}
	}
	return strings.Join(parts, " ")
}

func (s *fakeLichess) gameFullLine() string {
	return fmt.Sprintf(`{"type":"gameFull","id":%q,"variant":{"key":"standard","name":"Standard"},"clock":{"initial":300000,"increment":3000},"speed":"blitz","rated":false,"createdAt":1756100000000,"white":{"id":%q,"name":"HumanFoe","rating":1850},"black":{"id":%q,"name":%q,"title":"BOT","rating":2000},"state":%s}`,
		gameID, opponentID, botID, botName, stateLine("e2e4", "started", ""))
}

func stateLine(moves, status, winner string) string {
	line := fmt.Sprintf(`{"type":"gameState","moves":%q,"wtime":298000,"btime":299000,"winc":3000,"binc":3000,"status":%q`, moves, status)
	if winner != "" {
		line += fmt.Sprintf(`,"winner":%q`, winner)
	}
	return line + "}"
}

func (s *fakeLichess) challengeLine(id, variant string) string {
	return fmt.Sprintf(`{"type":"challenge","challenge":{"id":%q,"status":"created","challenger":{"id":%q,"name":"HumanFoe","rating":1850},"destUser":{"id":%q,"name":%q},"variant":{"key":%q},"rated":false,"speed":"blitz","timeControl":{"type":"clock","limit":300,"increment":3,"show":"5+3"},"color":"random"}}`,
		id, opponentID, botID, botName, variant)
}

func (s *fakeLichess) botMoves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.moves))
	copy(out, s.moves)
	return out
}

func botConfig(archiveDir string) *config.Config {
	return &config.Config{
		Token:        testToken,
		MaxGames:     1,
		DrainSeconds: 5,
		Engine: config.EngineConfig{
			Protocol:         "builtin",
			TimeMode:         "movetime",
			MovetimeMs:       50,
			MaxSearchSeconds: 2,
		},
		Challenge: config.ChallengeConfig{
			Variants:     []string{"standard"},
			TimeControls: []string{"bullet", "blitz", "rapid"},
			MaxInitial:   10800,
			MaxIncrement: 60,
			Modes:        []string{"casual", "rated"},
			AcceptBot:    true,
		},
		Archive: config.ArchiveConfig{Path: archiveDir},
	}
}

func startBot(t *testing.T, ctx context.Context, srv *fakeLichess, cfg *config.Config) (*control.Loop, <-chan error) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client := lichess.NewClient(testToken,
		lichess.WithBaseURL(ts.URL),
		lichess.WithRetryPolicy(lichess.RetryPolicy{
			Base: time.Millisecond, Cap: 10 * time.Millisecond, Factor: 2, MaxAttempts: 3,
		}),
	)

	acct, err := client.Account(ctx)
	require.NoError(t, err)
	require.True(t, acct.IsBot(), "test account should hold the BOT title")
	assert.Equal(t, botID, acct.ID)

	var rec *archive.Archiver
	if cfg.Archive.Path != "" {
		rec = archive.New(cfg.Archive.Path, zerolog.Nop())
		require.NoError(t, rec.Start())
		t.Cleanup(rec.Close)
	}

	params := control.Params{
		Client: client,
		Engine: func(ctx context.Context) (engine.Engine, error) {
			return engine.New(ctx, cfg.Engine, zerolog.Nop())
		},
		Logger:  zerolog.Nop(),
		BotID:   acct.ID,
		BotName: acct.Username,
		Cfg:     cfg,
	}
	if rec != nil {
		params.Recorder = rec
	}
	loop := control.NewLoop(params)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return loop, done
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitIdle(t *testing.T, loop *control.Loop) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for loop.ActiveGames() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bot still has %d active games", loop.ActiveGames())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// replayUCI verifies that every move in the list is legal from the
// standard starting position.
func replayUCI(t *testing.T, moves []string) {
	t.Helper()
	g := chess.NewGame(chess.UseNotation(chess.UCINotation{}))
	for _, m := range moves {
		require.NoError(t, g.MoveStr(m), "move %s should be legal", m)
	}
}

// TestBotPlaysChallengedGame walks the whole pipeline: a challenge
// arrives on the event stream, the bot accepts it, plays black with the
// built-in engine until the scripted opponent resigns, and archives the
// finished game as PGN.
func TestBotPlaysChallengedGame(t *testing.T) {
	srv := newFakeLichess(t)
	archiveDir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop, done := startBot(t, ctx, srv, botConfig(archiveDir))

	srv.events <- srv.challengeLine("ch-e2e", "standard")
	waitFor(t, srv.acceptedCh, "challenge accept")
	t.Logf("Challenge accepted")

	waitFor(t, srv.gameOverCh, "scripted opponent resignation")
	waitIdle(t, loop)
	t.Logf("Game over, bot moves: %v", srv.botMoves())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not shut down")
	}

	// The bot accepted exactly our challenge and played two legal moves.
	assert.Equal(t, []string{"ch-e2e"}, srv.accepted)
	assert.Empty(t, srv.declined)
	botMoves := srv.botMoves()
	require.Len(t, botMoves, 2)
	replayUCI(t, []string{"e2e4", botMoves[0], "d2d4", botMoves[1]})

	// The archiver writes asynchronously, so poll for the file.
	pgnPath := filepath.Join(archiveDir, gameID+".pgn")
	deadline := time.Now().Add(5 * time.Second)
	var data []byte
	for {
		var err error
		data, err = os.ReadFile(pgnPath)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("PGN never written: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	pgn := string(data)
	assert.Contains(t, pgn, `[Event "Casual Blitz game"]`)
	assert.Contains(t, pgn, `[White "HumanFoe"]`)
	assert.Contains(t, pgn, `[Black "TestBot"]`)
	assert.Contains(t, pgn, `[Result "0-1"]`)
	assert.Contains(t, pgn, `[WhiteElo "1850"]`)
	assert.Contains(t, pgn, `[TimeControl "300+3"]`)
	assert.Contains(t, pgn, "1. e4")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(pgn), "0-1"), "movetext should end with the result")

	t.Log("Full challenge-to-archive flow completed")
}

// TestBotDeclinesOffVariantChallenge checks the policy path end to end:
// a horde challenge is declined over the wire with the variant reason.
func TestBotDeclinesOffVariantChallenge(t *testing.T) {
	srv := newFakeLichess(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, done := startBot(t, ctx, srv, botConfig(""))

	srv.events <- srv.challengeLine("ch-horde", "horde")
	waitFor(t, srv.declinedCh, "challenge decline")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not shut down")
	}

	assert.Empty(t, srv.accepted)
	assert.Equal(t, "variant", srv.declined["ch-horde"])
}
