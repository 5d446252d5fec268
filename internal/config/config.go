package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Token        string `mapstructure:"token"`
	BaseURL      string `mapstructure:"base_url"`
	LogLevel     string `mapstructure:"log_level"`
	MaxGames     int    `mapstructure:"max_games"`
	DrainSeconds int    `mapstructure:"drain_seconds"`

	Engine      EngineConfig      `mapstructure:"engine"`
	Challenge   ChallengeConfig   `mapstructure:"challenge"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Draw        DrawConfig        `mapstructure:"draw"`
	Takeback    TakebackConfig    `mapstructure:"takeback"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

type EngineConfig struct {
	Path             string            `mapstructure:"path"`
	Args             []string          `mapstructure:"args"`
	Dir              string            `mapstructure:"dir"`
	Protocol         string            `mapstructure:"protocol"`  // auto, uci, xboard, builtin
	Options          map[string]string `mapstructure:"options"`
	TimeMode         string            `mapstructure:"time_mode"` // clock, movetime, depth, nodes
	MoveOverheadMs   int               `mapstructure:"move_overhead_ms"`
	MovetimeMs       int               `mapstructure:"movetime_ms"`
	Depth            int               `mapstructure:"depth"`
	Nodes            int               `mapstructure:"nodes"`
	MaxSearchSeconds int               `mapstructure:"max_search_seconds"`
	Ponder           bool              `mapstructure:"ponder"`
}

type ChallengeConfig struct {
	Variants     []string `mapstructure:"variants"`
	TimeControls []string `mapstructure:"time_controls"`
	MinInitial   int      `mapstructure:"min_initial"`
	MaxInitial   int      `mapstructure:"max_initial"`
	MinIncrement int      `mapstructure:"min_increment"`
	MaxIncrement int      `mapstructure:"max_increment"`
	Modes        []string `mapstructure:"modes"` // rated, casual
	AcceptBot    bool     `mapstructure:"accept_bot"`
	OnlyBot      bool     `mapstructure:"only_bot"`
	BlockList    []string `mapstructure:"block_list"`
}

type MatchmakingConfig struct {
	Enabled                 bool     `mapstructure:"enabled"`
	Variant                 string   `mapstructure:"variant"`
	Initial                 int      `mapstructure:"initial"`
	Increment               int      `mapstructure:"increment"`
	Rated                   bool     `mapstructure:"rated"`
	Opponents               []string `mapstructure:"opponents"`
	PollIntervalSeconds     int      `mapstructure:"poll_interval_seconds"`
	ChallengeTimeoutSeconds int      `mapstructure:"challenge_timeout_seconds"`
	CooldownMinutes         int      `mapstructure:"cooldown_minutes"`
}

type DrawConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	ScoreWindowCp int  `mapstructure:"score_window_cp"`
	MinMoves      int  `mapstructure:"min_moves"`
}

type TakebackConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ArchiveConfig struct {
	Path string `mapstructure:"path"`
}

type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Enable environment variables
	viper.SetEnvPrefix("LICHESS_BOT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	// Read config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file: defaults + environment only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Every key needs a default so environment-only overrides reach
	// Unmarshal.
	viper.SetDefault("token", "")
	viper.SetDefault("base_url", "https://lichess.org")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("max_games", 1)
	viper.SetDefault("drain_seconds", 30)

	viper.SetDefault("engine.path", "")
	viper.SetDefault("engine.protocol", "auto")
	viper.SetDefault("engine.time_mode", "clock")
	viper.SetDefault("engine.move_overhead_ms", 100)
	viper.SetDefault("engine.movetime_ms", 1000)
	viper.SetDefault("engine.depth", 8)
	viper.SetDefault("engine.nodes", 400000)
	viper.SetDefault("engine.max_search_seconds", 30)
	viper.SetDefault("engine.ponder", false)

	viper.SetDefault("challenge.variants", []string{"standard"})
	viper.SetDefault("challenge.time_controls", []string{"bullet", "blitz", "rapid", "classical"})
	viper.SetDefault("challenge.min_initial", 0)
	viper.SetDefault("challenge.max_initial", 10800)
	viper.SetDefault("challenge.min_increment", 0)
	viper.SetDefault("challenge.max_increment", 60)
	viper.SetDefault("challenge.modes", []string{"casual", "rated"})
	viper.SetDefault("challenge.accept_bot", true)
	viper.SetDefault("challenge.only_bot", false)

	viper.SetDefault("matchmaking.enabled", false)
	viper.SetDefault("matchmaking.variant", "standard")
	viper.SetDefault("matchmaking.initial", 180)
	viper.SetDefault("matchmaking.increment", 2)
	viper.SetDefault("matchmaking.rated", false)
	viper.SetDefault("matchmaking.poll_interval_seconds", 60)
	viper.SetDefault("matchmaking.challenge_timeout_seconds", 90)
	viper.SetDefault("matchmaking.cooldown_minutes", 60)

	viper.SetDefault("draw.enabled", false)
	viper.SetDefault("draw.score_window_cp", 20)
	viper.SetDefault("draw.min_moves", 40)

	viper.SetDefault("takeback.enabled", false)

	viper.SetDefault("archive.path", "")

	viper.SetDefault("monitor.enabled", false)
	viper.SetDefault("monitor.addr", "127.0.0.1:9666")
}

// Validate rejects configurations the bot cannot start with.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	switch c.Engine.Protocol {
	case "auto", "uci", "xboard":
		if c.Engine.Path == "" {
			return fmt.Errorf("engine.path is required for protocol %q", c.Engine.Protocol)
		}
	case "builtin":
		// No subprocess to spawn
	default:
		return fmt.Errorf("unknown engine.protocol %q", c.Engine.Protocol)
	}
	switch c.Engine.TimeMode {
	case "clock", "movetime", "depth", "nodes":
	default:
		return fmt.Errorf("unknown engine.time_mode %q", c.Engine.TimeMode)
	}
	if c.MaxGames < 1 {
		return fmt.Errorf("max_games must be at least 1")
	}
	if c.Challenge.MinInitial > c.Challenge.MaxInitial {
		return fmt.Errorf("challenge.min_initial exceeds challenge.max_initial")
	}
	if c.Challenge.MinIncrement > c.Challenge.MaxIncrement {
		return fmt.Errorf("challenge.min_increment exceeds challenge.max_increment")
	}
	if c.Matchmaking.Enabled && len(c.Matchmaking.Opponents) == 0 {
		return fmt.Errorf("matchmaking.enabled requires matchmaking.opponents")
	}
	return nil
}

func (c *Config) Drain() time.Duration {
	return time.Duration(c.DrainSeconds) * time.Second
}

func (c *MatchmakingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *MatchmakingConfig) ChallengeTimeout() time.Duration {
	return time.Duration(c.ChallengeTimeoutSeconds) * time.Second
}

func (c *MatchmakingConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func (c *EngineConfig) MoveOverhead() time.Duration {
	return time.Duration(c.MoveOverheadMs) * time.Millisecond
}

func (c *EngineConfig) MaxSearchTime() time.Duration {
	return time.Duration(c.MaxSearchSeconds) * time.Second
}
