// Package config loads the environment-variable configuration of spec §6
// using urfave/cli/v2 flags, the same pattern the teacher's cmd/geth uses
// for every CLI knob.
package config

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// Config is the fully-resolved, typed configuration for one scoremw process.
type Config struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string

	Port     int
	NodeEnv  string
	Debug    bool
	LogFile  string

	ScoreWindow      time.Duration
	ScorePerMinLimit int64
	MinScoreEvent    int64
	MaxScoreEvent    int64

	TxConfirmations uint64
	TxTimeout       time.Duration

	BatchInterval  time.Duration
	RespondAfter   time.Duration
	HardTimeout    time.Duration // 0 means "derive from BatchInterval+RespondAfter+5s"

	LeaderboardBase     string
	LeaderboardCacheTTL time.Duration

	WalletProbeBase string
}

// Flags is the urfave/cli/v2 flag set backing Config, each reading its
// default from spec §6 and overridable via the matching env var.
var Flags = []cli.Flag{
	&cli.StringFlag{Name: "rpc-url", EnvVars: []string{"RPC_URL"}, Required: true, Usage: "EVM JSON-RPC endpoint"},
	&cli.StringFlag{Name: "private-key", EnvVars: []string{"PRIVATE_KEY"}, Required: true, Usage: "hex-encoded signer private key"},
	&cli.StringFlag{Name: "contract-address", EnvVars: []string{"CONTRACT_ADDRESS"}, Required: true, Usage: "score contract address"},

	&cli.IntFlag{Name: "port", EnvVars: []string{"PORT"}, Value: 3000},
	&cli.StringFlag{Name: "node-env", EnvVars: []string{"NODE_ENV"}, Value: "production"},
	&cli.BoolFlag{Name: "debug", EnvVars: []string{"DEBUG"}, Value: false},
	&cli.StringFlag{Name: "log-file", EnvVars: []string{"LOG_FILE"}, Value: "", Usage: "optional rotating log file path"},

	&cli.Int64Flag{Name: "score-window-ms", EnvVars: []string{"SCORE_WINDOW_MS"}, Value: 60000},
	&cli.Int64Flag{Name: "score-per-min-limit", EnvVars: []string{"SCORE_PER_MIN_LIMIT"}, Value: 10000},
	&cli.Int64Flag{Name: "min-score-event", EnvVars: []string{"MIN_SCORE_EVENT"}, Value: 0},
	&cli.Int64Flag{Name: "max-score-event", EnvVars: []string{"MAX_SCORE_EVENT"}, Value: 100},

	&cli.Uint64Flag{Name: "tx-confirmations", EnvVars: []string{"TX_CONFIRMATIONS"}, Value: 1},
	&cli.Int64Flag{Name: "tx-timeout-ms", EnvVars: []string{"TX_TIMEOUT_MS"}, Value: 120000},

	&cli.Int64Flag{Name: "batch-interval-ms", EnvVars: []string{"BATCH_INTERVAL_MS"}, Value: 5000},
	&cli.Int64Flag{Name: "respond-after-ms", EnvVars: []string{"RESPOND_AFTER_MS"}, Value: 5000},
	&cli.Int64Flag{Name: "request-hard-timeout-ms", EnvVars: []string{"REQUEST_HARD_TIMEOUT_MS"}, Value: 0},

	&cli.StringFlag{Name: "leaderboard-base", EnvVars: []string{"LEADERBOARD_BASE"}, Required: true},
	&cli.Int64Flag{Name: "leaderboard-cache-ms", EnvVars: []string{"LEADERBOARD_CACHE_MS"}, Value: 15000},

	&cli.StringFlag{Name: "wallet-probe-base", EnvVars: []string{"WALLET_PROBE_BASE"}, Usage: "external wallet-has-username endpoint; defaults to LEADERBOARD_BASE if unset"},
}

// FromContext builds a Config from a parsed cli.Context.
func FromContext(c *cli.Context) (*Config, error) {
	cfg := &Config{
		RPCURL:          c.String("rpc-url"),
		PrivateKeyHex:   c.String("private-key"),
		ContractAddress: c.String("contract-address"),

		Port:    c.Int("port"),
		NodeEnv: c.String("node-env"),
		Debug:   c.Bool("debug"),
		LogFile: c.String("log-file"),

		ScoreWindow:      time.Duration(c.Int64("score-window-ms")) * time.Millisecond,
		ScorePerMinLimit: c.Int64("score-per-min-limit"),
		MinScoreEvent:    c.Int64("min-score-event"),
		MaxScoreEvent:    c.Int64("max-score-event"),

		TxConfirmations: c.Uint64("tx-confirmations"),
		TxTimeout:       time.Duration(c.Int64("tx-timeout-ms")) * time.Millisecond,

		BatchInterval: time.Duration(c.Int64("batch-interval-ms")) * time.Millisecond,
		RespondAfter:  time.Duration(c.Int64("respond-after-ms")) * time.Millisecond,
		HardTimeout:   time.Duration(c.Int64("request-hard-timeout-ms")) * time.Millisecond,

		LeaderboardBase:     c.String("leaderboard-base"),
		LeaderboardCacheTTL: time.Duration(c.Int64("leaderboard-cache-ms")) * time.Millisecond,

		WalletProbeBase: c.String("wallet-probe-base"),
	}
	if cfg.WalletProbeBase == "" {
		cfg.WalletProbeBase = cfg.LeaderboardBase
	}

	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = cfg.BatchInterval + cfg.RespondAfter + 5*time.Second
	}
	if cfg.MinScoreEvent > cfg.MaxScoreEvent {
		return nil, fmt.Errorf("MIN_SCORE_EVENT (%d) must be <= MAX_SCORE_EVENT (%d)", cfg.MinScoreEvent, cfg.MaxScoreEvent)
	}
	return cfg, nil
}
