// Package unlock implements the Privileged Unlock Path (spec §4.6): probes
// an external wallet-has-username endpoint, reads the current leaderboard
// score, and submits the delta to max score bypassing window admission.
package unlock

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/monad-arcade/scoremw/internal/apperr"
	"github.com/monad-arcade/scoremw/internal/intake"
	"github.com/monad-arcade/scoremw/internal/leaderboard"
	"github.com/monad-arcade/scoremw/internal/reply"
	"github.com/monad-arcade/scoremw/internal/walletprobe"
)

// MaxScore is the target score unlocked wallets are bumped to (spec §4.6).
const MaxScore = 1200

// Service wires the wallet probe, leaderboard aggregator and intake together
// to implement the unlock flow end to end.
type Service struct {
	probe  *walletprobe.Client
	board  *leaderboard.Aggregator
	intake *intake.Intake
	log    log.Logger
}

// New builds an unlock Service.
func New(probe *walletprobe.Client, board *leaderboard.Aggregator, in *intake.Intake) *Service {
	return &Service{probe: probe, board: board, intake: in, log: log.New("component", "unlock")}
}

// Unlock runs spec §4.6 steps 1-5: validate, probe, compute delta, submit.
func (s *Service) Unlock(ctx context.Context, walletHex string, gameID int) (reply.Result, *apperr.Error) {
	if !common.IsHexAddress(walletHex) {
		return reply.Result{}, apperr.New(400, "", "walletAddress is not a syntactically valid EVM address")
	}
	wallet := common.HexToAddress(walletHex)

	hasUsername, err := s.probe.HasUsername(ctx, wallet)
	if err != nil {
		return reply.Result{}, apperr.Wrap(502, apperr.CodeCheckWalletError, "wallet-has-username probe failed", err)
	}
	if !hasUsername {
		return reply.Result{}, apperr.New(403, apperr.CodeAccountNotSet, "wallet has no registered username")
	}

	payload, lbErr := s.board.Get(ctx, gameID)
	if lbErr != nil {
		return reply.Result{}, apperr.Wrap(502, apperr.CodeAggregateFailed, "reading current leaderboard score failed", lbErr)
	}

	current := currentScore(payload, wallet)
	delta := int64(MaxScore) - current
	if delta <= 0 {
		if current == MaxScore {
			return reply.Result{}, apperr.New(409, apperr.CodeAlreadyMaxed,
				fmt.Sprintf("wallet already at max score %d", MaxScore))
		}
		return reply.Result{}, apperr.New(409, apperr.CodeNoDelta,
			fmt.Sprintf("no positive delta to apply: current=%d max=%d", current, MaxScore))
	}

	s.log.Info("unlocking wallet to max score", "wallet", wallet.Hex(), "gameId", gameID, "delta", delta)
	return s.intake.SubmitPrivileged(ctx, wallet, delta)
}

// currentScore finds wallet's score in the aggregated leaderboard payload,
// defaulting to zero when the wallet has no existing entry.
func currentScore(payload leaderboard.Payload, wallet common.Address) int64 {
	addr := wallet.Hex()
	for _, e := range payload.ScoreData {
		if common.HexToAddress(e.WalletAddress) == common.HexToAddress(addr) {
			return e.Score
		}
	}
	return 0
}
