package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ThatOnePro/lichess-bot/internal/archive"
	"github.com/ThatOnePro/lichess-bot/internal/config"
	"github.com/ThatOnePro/lichess-bot/internal/control"
	"github.com/ThatOnePro/lichess-bot/internal/engine"
	"github.com/ThatOnePro/lichess-bot/internal/game"
	"github.com/ThatOnePro/lichess-bot/internal/lichess"
	"github.com/ThatOnePro/lichess-bot/internal/matchmaker"
	"github.com/ThatOnePro/lichess-bot/internal/monitor"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitAuth   = 2
	exitEngine = 3
	exitNotBot = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var upgrade, showHelp bool
	flag.BoolVar(&upgrade, "upgrade", false, "Upgrade the account to a BOT account and exit")
	flag.BoolVar(&showHelp, "help", false, "Show help information")
	flag.BoolVar(&showHelp, "h", false, "Show help information")
	flag.Parse()

	if showHelp {
		showHelpMessage()
		return exitOK
	}

	// Setup logging
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return exitConfig
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log.Logger = log.Logger.Level(level)
	}

	client := lichess.NewClient(cfg.Token,
		lichess.WithBaseURL(cfg.BaseURL),
		lichess.WithLogger(log.Logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
		cancel()
	}()

	acct, err := client.Account(ctx)
	if err != nil {
		if lichess.IsUnauthorized(err) {
			log.Error().Err(err).Msg("Token rejected by the server")
			return exitAuth
		}
		log.Error().Err(err).Msg("Account lookup failed")
		return exitConfig
	}

	if upgrade {
		return upgradeAccount(ctx, client, acct)
	}

	if !acct.IsBot() {
		log.Error().
			Str("account", acct.Username).
			Msg("Account does not hold the BOT title; run with -upgrade to convert it")
		return exitNotBot
	}

	// Probe the engine once before going online so a broken setup fails
	// fast instead of on the first move.
	eng, err := engine.New(ctx, cfg.Engine, log.Logger)
	if err != nil {
		if errors.Is(err, engine.ErrUnsupported) {
			log.Error().Err(err).Str("path", cfg.Engine.Path).Msg("Engine speaks neither UCI nor XBoard")
		} else {
			log.Error().Err(err).Str("path", cfg.Engine.Path).Msg("Engine failed to start")
		}
		return exitEngine
	}
	engineName := eng.Name()
	if err := eng.Quit(); err != nil {
		log.Warn().Err(err).Msg("Engine probe did not quit cleanly")
	}

	var arch *archive.Archiver
	var rec game.Recorder
	if cfg.Archive.Path != "" {
		arch = archive.New(cfg.Archive.Path, log.Logger)
		if err := arch.Start(); err != nil {
			log.Error().Err(err).Str("dir", cfg.Archive.Path).Msg("Archive directory unavailable")
			return exitConfig
		}
		rec = arch
	}

	var loop *control.Loop
	activeGames := func() int {
		if loop == nil {
			return 0
		}
		return loop.ActiveGames()
	}

	var mon *monitor.Server
	var notify func(game.Update)
	if cfg.Monitor.Enabled {
		mon = monitor.NewServer(cfg.Monitor.Addr, acct.Username, activeGames, log.Logger)
		notify = mon.Publish
	}

	var mm *matchmaker.Matchmaker
	var courter control.Courter
	if cfg.Matchmaking.Enabled {
		mm = matchmaker.New(matchmaker.Params{
			Client:   client,
			Logger:   log.Logger,
			Cfg:      cfg.Matchmaking,
			Active:   activeGames,
			MaxGames: cfg.MaxGames,
		})
		courter = mm
	}

	loop = control.NewLoop(control.Params{
		Client: client,
		Engine: func(ctx context.Context) (engine.Engine, error) {
			return engine.New(ctx, cfg.Engine, log.Logger)
		},
		Logger:   log.Logger,
		BotID:    acct.ID,
		BotName:  acct.Username,
		Recorder: rec,
		Notify:   notify,
		Courter:  courter,
		Cfg:      cfg,
	})

	if mon != nil {
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Monitor stopped")
			}
		}()
	}
	if mm != nil {
		go func() {
			if err := mm.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Matchmaker stopped")
			}
		}()
	}

	log.Info().
		Str("account", acct.Username).
		Str("engine", engineName).
		Int("max_games", cfg.MaxGames).
		Bool("matchmaking", cfg.Matchmaking.Enabled).
		Msg("Bot online")

	if err := loop.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Event loop failed")
		if arch != nil {
			arch.Close()
		}
		return exitConfig
	}

	if arch != nil {
		arch.Close()
	}
	log.Info().Msg("Bot exited")
	return exitOK
}

func upgradeAccount(ctx context.Context, client *lichess.Client, acct *lichess.Account) int {
	if acct.IsBot() {
		log.Info().Str("account", acct.Username).Msg("Account already holds the BOT title")
		return exitOK
	}
	if err := client.UpgradeToBot(ctx); err != nil {
		log.Error().Err(err).Msg("Upgrade failed; the server rejects accounts that have already played games")
		return exitConfig
	}
	log.Info().Str("account", acct.Username).Msg("Account upgraded to BOT")
	return exitOK
}

func showHelpMessage() {
	fmt.Println(`lichess-bot

DESCRIPTION:
    Connects a chess engine to the lichess bot API. The bot consumes the
    account event stream, answers challenges according to the configured
    policy, plays each game with a UCI or XBoard engine subprocess (or
    the built-in engine), and archives finished games as PGN.

USAGE:
    lichess-bot [OPTIONS]

OPTIONS:
    -h, --help    Show this help message
    --upgrade     Upgrade the account to a BOT account and exit.
                  Irreversible, and only possible before the account
                  has played any games.

CONFIGURATION:
    Configured via config.yaml in the current directory (or ./config).
    Every key can be overridden with a LICHESS_BOT_* environment
    variable, e.g. LICHESS_BOT_TOKEN.

    Example config.yaml:
        token: "lip_..."      # personal API token with bot scopes
        max_games: 2

        engine:
          path: /usr/bin/stockfish
          protocol: auto      # auto, uci, xboard or builtin
          options:
            Threads: "2"

        challenge:
          variants: [standard]
          time_controls: [bullet, blitz, rapid]
          modes: [casual, rated]

        archive:
          path: ./games

EXIT CODES:
    0  normal shutdown
    1  configuration or startup error
    2  the API token was rejected
    3  the engine could not be started or speaks no known protocol
    4  the account does not hold the BOT title

BEHAVIOR:
    - Declines challenges that fail the configured policy, with a reason
    - Plays any number of games up to max_games concurrently
    - Reconnects broken streams with exponential backoff
    - On SIGINT/SIGTERM finishes in-flight moves, resigns remaining
      games and exits cleanly

EXAMPLES:
    # Start with default configuration
    lichess-bot

    # Upgrade a fresh account to a bot account
    LICHESS_BOT_TOKEN=lip_... lichess-bot --upgrade`)
}
