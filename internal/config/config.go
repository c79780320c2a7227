// Package config collects the process-wide constants the server core is
// tuned by (spec §6), with a handful overridable from the environment the
// way the teacher's main.go reads STOCKFISH_PATH.
package config

import (
	"os"
	"strconv"
	"time"
)

// TimeControl is a (total, increment) pair selectable at match time.
type TimeControl struct {
	TotalSeconds     float64
	IncrementSeconds float64
}

// Config is the full set of tunables used across the matchmaker, clock
// ticker, engine pool and rating math.
type Config struct {
	BotWaitSeconds       float64
	MatchmakingPeriod    time.Duration
	ClockTickPeriod      time.Duration
	SkillToleranceInit   float64
	SkillToleranceStep   float64
	SkillToleranceMax    float64
	SkillToleranceWindow time.Duration
	EloKFactor           int
	DefaultElo           int
	MinLevel             int
	MaxLevel             int
	EnginePoolCapacity   int
	EnginePath           string
	TimeControls         []TimeControl
	BotNamePool          []string
}

// Default returns the configuration described by spec §6, with EnginePath
// and EnginePoolCapacity overridable from the environment.
func Default() *Config {
	cfg := &Config{
		BotWaitSeconds:       15,
		MatchmakingPeriod:    5 * time.Second,
		ClockTickPeriod:      1 * time.Second,
		SkillToleranceInit:   1,
		SkillToleranceStep:   1,
		SkillToleranceMax:    4,
		SkillToleranceWindow: 5 * time.Second,
		EloKFactor:           30,
		DefaultElo:           1500,
		MinLevel:             1,
		MaxLevel:             20,
		EnginePoolCapacity:   5,
		EnginePath:           os.Getenv("ICHESS_ENGINE_PATH"),
		TimeControls: []TimeControl{
			{TotalSeconds: 300, IncrementSeconds: 2},
			{TotalSeconds: 600, IncrementSeconds: 0},
			{TotalSeconds: 900, IncrementSeconds: 10},
			{TotalSeconds: 1800, IncrementSeconds: 15},
		},
		BotNamePool: []string{
			"Rook Sparrow", "Ivan Knight", "Bishop Byte", "Pawn Star",
			"Queen Latifah II", "Castle Vane", "Mira Gambit", "Endgame Eddie",
		},
	}
	if v := os.Getenv("ICHESS_ENGINE_POOL_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EnginePoolCapacity = n
		}
	}
	return cfg
}
