// Package archive persists finished games as PGN files, off the game
// workers' critical path.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// queueSize bounds the archive backlog. Enqueue never blocks: a full
// queue drops the record and logs the loss instead of stalling a worker.
const queueSize = 256

// Record is everything needed to write one finished game.
type Record struct {
	GameID     string
	White      string
	Black      string
	WhiteElo   int
	BlackElo   int
	Rated      bool
	Variant    string
	Speed      string
	InitialFEN string
	MovesUCI   []string
	// ClockMs holds the mover's remaining milliseconds after each ply,
	// zero when unknown.
	ClockMs        []int
	ClockInitial   int // seconds
	ClockIncrement int // seconds
	Status         string
	Winner         string
	FinishedAt     time.Time
}

// Archiver consumes records on a single goroutine and writes one PGN
// file per game.
type Archiver struct {
	dir    string
	logger zerolog.Logger
	queue  chan Record
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func New(dir string, logger zerolog.Logger) *Archiver {
	return &Archiver{
		dir:    dir,
		logger: logger,
		queue:  make(chan Record, queueSize),
		done:   make(chan struct{}),
	}
}

// Start creates the archive directory and launches the consumer.
func (a *Archiver) Start() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	go a.run()
	return nil
}

// Enqueue hands a finished game to the archiver. It reports false when
// the record was dropped, either on overflow or after Close.
func (a *Archiver) Enqueue(rec Record) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Error().Str("game_id", rec.GameID).Msg("archive record dropped, archiver closed")
		return false
	}
	select {
	case a.queue <- rec:
		return true
	default:
		a.logger.Error().Str("game_id", rec.GameID).Msg("archive record dropped, queue full")
		return false
	}
}

// Close drains the queue and stops the consumer. Records enqueued before
// Close are all written.
func (a *Archiver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Archiver) run() {
	defer close(a.done)
	for rec := range a.queue {
		if err := a.write(rec); err != nil {
			a.logger.Error().Err(err).Str("game_id", rec.GameID).Msg("archive write failed")
			continue
		}
		a.logger.Info().Str("game_id", rec.GameID).Msg("game archived")
	}
}

func (a *Archiver) write(rec Record) error {
	pgn, err := Render(rec)
	if err != nil {
		return fmt.Errorf("rendering pgn: %w", err)
	}
	name := filepath.Join(a.dir, rec.GameID+".pgn")
	if err := os.WriteFile(name, []byte(pgn), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
