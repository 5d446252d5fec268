package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() *Config {
	return &Config{
		Token:    "lip_test",
		MaxGames: 1,
		Engine:   EngineConfig{Protocol: "builtin", TimeMode: "movetime"},
		Challenge: ChallengeConfig{
			MinInitial:   0,
			MaxInitial:   10800,
			MinIncrement: 0,
			MaxIncrement: 60,
		},
	}
}

func TestValidateAcceptsBuiltinWithoutPath(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.Token = "" },
			wantErr: "token is required",
		},
		{
			name:    "uci without path",
			mutate:  func(c *Config) { c.Engine.Protocol = "uci" },
			wantErr: "engine.path is required",
		},
		{
			name:    "unknown protocol",
			mutate:  func(c *Config) { c.Engine.Protocol = "tablebase" },
			wantErr: "unknown engine.protocol",
		},
		{
			name:    "unknown time mode",
			mutate:  func(c *Config) { c.Engine.TimeMode = "hourglass" },
			wantErr: "unknown engine.time_mode",
		},
		{
			name:    "zero max games",
			mutate:  func(c *Config) { c.MaxGames = 0 },
			wantErr: "max_games",
		},
		{
			name:    "initial bounds inverted",
			mutate:  func(c *Config) { c.Challenge.MinInitial = 600; c.Challenge.MaxInitial = 60 },
			wantErr: "min_initial",
		},
		{
			name:    "increment bounds inverted",
			mutate:  func(c *Config) { c.Challenge.MinIncrement = 10; c.Challenge.MaxIncrement = 5 },
			wantErr: "min_increment",
		},
		{
			name:    "matchmaking without opponents",
			mutate:  func(c *Config) { c.Matchmaking.Enabled = true },
			wantErr: "matchmaking.opponents",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected an error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateAcceptsSubprocessProtocolWithPath(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.Protocol = "xboard"
	cfg.Engine.Path = "/usr/games/gnuchess"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{DrainSeconds: 30}
	if got := cfg.Drain(); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}

	mm := MatchmakingConfig{PollIntervalSeconds: 60, ChallengeTimeoutSeconds: 90, CooldownMinutes: 15}
	if got := mm.PollInterval(); got != time.Minute {
		t.Errorf("Expected 1m, got %v", got)
	}
	if got := mm.ChallengeTimeout(); got != 90*time.Second {
		t.Errorf("Expected 90s, got %v", got)
	}
	if got := mm.Cooldown(); got != 15*time.Minute {
		t.Errorf("Expected 15m, got %v", got)
	}

	eng := EngineConfig{MoveOverheadMs: 150, MaxSearchSeconds: 20}
	if got := eng.MoveOverhead(); got != 150*time.Millisecond {
		t.Errorf("Expected 150ms, got %v", got)
	}
	if got := eng.MaxSearchTime(); got != 20*time.Second {
		t.Errorf("Expected 20s, got %v", got)
	}
}

// chdir moves into dir for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadMergesFileAndDefaults(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	yaml := `token: lip_file_token
max_games: 3
engine:
  protocol: builtin
  time_mode: movetime
  movetime_ms: 500
challenge:
  variants:
    - standard
    - chess960
archive:
  path: ./pgn
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Token != "lip_file_token" {
		t.Errorf("Expected token from file, got %q", cfg.Token)
	}
	if cfg.MaxGames != 3 {
		t.Errorf("Expected 3 max games, got %d", cfg.MaxGames)
	}
	if cfg.Engine.Protocol != "builtin" || cfg.Engine.MovetimeMs != 500 {
		t.Errorf("Expected builtin/500ms engine, got %q/%d", cfg.Engine.Protocol, cfg.Engine.MovetimeMs)
	}
	if len(cfg.Challenge.Variants) != 2 || cfg.Challenge.Variants[1] != "chess960" {
		t.Errorf("Expected [standard chess960], got %v", cfg.Challenge.Variants)
	}
	if cfg.Archive.Path != "./pgn" {
		t.Errorf("Expected ./pgn, got %q", cfg.Archive.Path)
	}

	// Untouched keys keep their defaults.
	if cfg.BaseURL != "https://lichess.org" {
		t.Errorf("Expected default base url, got %q", cfg.BaseURL)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected info, got %q", cfg.LogLevel)
	}
	if cfg.DrainSeconds != 30 {
		t.Errorf("Expected 30, got %d", cfg.DrainSeconds)
	}
	if cfg.Engine.MoveOverheadMs != 100 {
		t.Errorf("Expected 100, got %d", cfg.Engine.MoveOverheadMs)
	}
	if len(cfg.Challenge.TimeControls) != 4 {
		t.Errorf("Expected 4 default time controls, got %v", cfg.Challenge.TimeControls)
	}
	if cfg.Monitor.Addr != "127.0.0.1:9666" {
		t.Errorf("Expected default monitor addr, got %q", cfg.Monitor.Addr)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	viper.Reset()
	chdir(t, t.TempDir())
	t.Setenv("LICHESS_BOT_TOKEN", "lip_env_token")
	t.Setenv("LICHESS_BOT_ENGINE_PROTOCOL", "builtin")
	t.Setenv("LICHESS_BOT_MAX_GAMES", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Token != "lip_env_token" {
		t.Errorf("Expected token from environment, got %q", cfg.Token)
	}
	if cfg.Engine.Protocol != "builtin" {
		t.Errorf("Expected builtin, got %q", cfg.Engine.Protocol)
	}
	if cfg.MaxGames != 2 {
		t.Errorf("Expected 2, got %d", cfg.MaxGames)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	yaml := "max_games: 1\n" // no token
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	if _, err := Load(); err == nil {
		t.Fatal("Expected an error for a tokenless config, got nil")
	}
}
