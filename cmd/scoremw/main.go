// Command scoremw runs the score-submission middleware: it accepts score
// events over HTTP, batches and signs EVM transactions, and exposes a
// leaderboard aggregation endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/monad-arcade/scoremw/internal/api"
	"github.com/monad-arcade/scoremw/internal/chain"
	"github.com/monad-arcade/scoremw/internal/config"
	"github.com/monad-arcade/scoremw/internal/dispatcher"
	"github.com/monad-arcade/scoremw/internal/intake"
	"github.com/monad-arcade/scoremw/internal/jobs"
	"github.com/monad-arcade/scoremw/internal/ledger"
	"github.com/monad-arcade/scoremw/internal/leaderboard"
	"github.com/monad-arcade/scoremw/internal/queue"
	"github.com/monad-arcade/scoremw/internal/unlock"
	"github.com/monad-arcade/scoremw/internal/walletprobe"
)

func main() {
	app := &cli.App{
		Name:   "scoremw",
		Usage:  "EVM score-submission middleware",
		Flags:  config.Flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:          cfg.RPCURL,
		PrivateKeyHex:   cfg.PrivateKeyHex,
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
	})
	if err != nil {
		return fmt.Errorf("dialing chain: %w", err)
	}
	chainClient.CheckRole(ctx)

	l := ledger.New(cfg.ScoreWindow, cfg.ScorePerMinLimit)
	defer l.Close()

	jobRegistry := jobs.New()
	defer jobRegistry.Close()

	q := queue.New()

	in := intake.New(intake.Config{
		EventMin:      cfg.MinScoreEvent,
		EventMax:      cfg.MaxScoreEvent,
		HardTimeout:   cfg.HardTimeout,
		BatchInterval: cfg.BatchInterval,
		AckAfter:      cfg.RespondAfter,
	}, l, jobRegistry, q)

	board, err := leaderboard.New(leaderboard.Config{
		Base:     cfg.LeaderboardBase,
		CacheTTL: cfg.LeaderboardCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("building leaderboard aggregator: %w", err)
	}

	probe := walletprobe.New(cfg.WalletProbeBase)
	unlockSvc := unlock.New(probe, board, in)

	disp := dispatcher.New(dispatcher.Config{
		BatchInterval: cfg.BatchInterval,
		AckAfter:      cfg.RespondAfter,
		TxTimeout:     cfg.TxTimeout,
	}, q, l, jobRegistry, chainClient)
	go disp.Run(ctx)
	defer disp.Stop()

	srv := api.NewServer(in, unlockSvc, board, jobRegistry, chainClient, l, q, api.HealthConfig{
		WindowMs:        cfg.ScoreWindow.Milliseconds(),
		PerMinuteLimit:  cfg.ScorePerMinLimit,
		EventMin:        cfg.MinScoreEvent,
		EventMax:        cfg.MaxScoreEvent,
		Confirmations:   cfg.TxConfirmations,
		TxTimeoutMs:     cfg.TxTimeout.Milliseconds(),
		BatchIntervalMs: cfg.BatchInterval.Milliseconds(),
		RespondAfterMs:  cfg.RespondAfter.Milliseconds(),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HardTimeout + 5*time.Second,
		WriteTimeout: cfg.HardTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("scoremw listening", "port", cfg.Port, "signer", chainClient.SignerAddress().Hex())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// setupLogging configures the root logger per NODE_ENV/DEBUG, mirroring
// geth's --log.format/--log.file behavior: terminal output in development,
// JSON in production. When LOG_FILE is set, JSON records go to a rotating
// file instead of stdout; nothing is then written to stdout.
func setupLogging(cfg *config.Config) {
	level := log.LevelInfo
	if cfg.Debug {
		level = log.LevelDebug
	}

	var handler log.Handler
	if cfg.NodeEnv == "production" {
		handler = log.JSONHandler(os.Stdout)
	} else {
		handler = log.NewTerminalHandler(os.Stdout, true)
	}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		}
		handler = log.JSONHandler(rotator)
	}

	glog := log.NewGlogHandler(handler)
	glog.Verbosity(level)
	log.SetDefault(log.NewLogger(glog))
	log.Root().SetHandler(glog)
}
