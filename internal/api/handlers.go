package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/ethereum/go-ethereum/log"

	"github.com/monad-arcade/scoremw/internal/apperr"
	"github.com/monad-arcade/scoremw/internal/chain"
	"github.com/monad-arcade/scoremw/internal/intake"
	"github.com/monad-arcade/scoremw/internal/jobs"
	"github.com/monad-arcade/scoremw/internal/ledger"
	"github.com/monad-arcade/scoremw/internal/leaderboard"
	"github.com/monad-arcade/scoremw/internal/queue"
	"github.com/monad-arcade/scoremw/internal/unlock"
)

// defaultGameID is used when a caller omits gameId (spec §6 getleaderboard).
const defaultGameID = 64

// Server wires every collaborator an HTTP handler needs: Intake for ordinary
// submissions, the unlock Service for the privileged path, the leaderboard
// Aggregator, the Job Registry for status lookups, and the chain Client and
// Queue for /health (spec §4.8). The Ledger is stored too; no handler reads it.
type Server struct {
	intake  *intake.Intake
	unlock  *unlock.Service
	board   *leaderboard.Aggregator
	jobs    *jobs.Registry
	chain   *chain.Client
	ledger  *ledger.Ledger
	queue   *queue.Queue
	cfg     HealthConfig
	log     log.Logger
}

// HealthConfig carries the static tunables /health echoes (spec §4.8).
type HealthConfig struct {
	WindowMs       int64
	PerMinuteLimit int64
	EventMin       int64
	EventMax       int64
	Confirmations  uint64
	TxTimeoutMs    int64
	BatchIntervalMs int64
	RespondAfterMs int64
}

// NewServer builds a Server with every collaborator it needs to render the
// HTTP surface of spec §6.
func NewServer(in *intake.Intake, u *unlock.Service, board *leaderboard.Aggregator, j *jobs.Registry, c *chain.Client, l *ledger.Ledger, q *queue.Queue, cfg HealthConfig) *Server {
	return &Server{intake: in, unlock: u, board: board, jobs: j, chain: c, ledger: l, queue: q, cfg: cfg, log: log.New("component", "api")}
}

type submitScoreBody struct {
	WalletAddress string      `json:"walletAddress"`
	Score         json.Number `json:"score"`
}

// handleSubmitScore implements POST /api/v1/submitscore (spec §4.3, §6).
func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body submitScoreBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIErr(w, apperr.New(400, "", "malformed JSON body"))
		return
	}

	scoreFloat, err := body.Score.Float64()
	if err != nil {
		writeAPIErr(w, apperr.New(400, "", "score must be numeric"))
		return
	}

	wallet, score, verr := intake.ValidateInput(body.WalletAddress, scoreFloat, scoreFloat == math.Trunc(scoreFloat))
	if verr != nil {
		writeAPIErr(w, verr)
		return
	}

	result, ierr := s.intake.Submit(r.Context(), wallet, score)
	if ierr != nil {
		writeAPIErr(w, ierr)
		return
	}
	renderResult(w, result)
}

type unlockBody struct {
	WalletAddress string `json:"walletAddress"`
	GameID        *int   `json:"gameId"`
}

// handleUnlockAll implements POST /api/v1/s3cr3tUnlockAll (spec §4.6).
func (s *Server) handleUnlockAll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body unlockBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIErr(w, apperr.New(400, "", "malformed JSON body"))
		return
	}
	gameID := defaultGameID
	if body.GameID != nil {
		gameID = *body.GameID
	}

	result, uerr := s.unlock.Unlock(r.Context(), body.WalletAddress, gameID)
	if uerr != nil {
		writeAPIErr(w, uerr)
		return
	}
	renderResult(w, result)
}

// handleJobStatus implements GET /api/v1/jobs/:id (spec §4.9).
func (s *Server) handleJobStatus(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	rec, ok := s.jobs.Get(id)
	if !ok {
		writeAPIErr(w, apperr.New(404, apperr.CodeJobNotFound, "no job with this id"))
		return
	}
	renderJobRecord(w, rec)
}

// handleLeaderboard implements GET /api/v1/getleaderboard (spec §4.7).
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	gameID := defaultGameID
	if raw := r.URL.Query().Get("gameId"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeAPIErr(w, apperr.New(400, "", "gameId must be an integer"))
			return
		}
		gameID = n
	}

	payload, err := s.board.Get(r.Context(), gameID)
	if err != nil {
		if ae, ok := err.(*apperr.Error); ok {
			writeAPIErr(w, ae)
			return
		}
		writeAPIErr(w, apperr.Wrap(500, apperr.CodeAggregateFailed, "aggregating leaderboard failed", err))
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleHealth implements GET /health (spec §4.8): best-effort, degraded but
// 200 on RPC failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := "ok"

	blockNumber, err := s.chain.BlockNumber(r.Context())
	if err != nil {
		s.log.Warn("health check: block number query failed", "err", err)
		status = "degraded"
	}

	body := map[string]interface{}{
		"status":          status,
		"chainId":         s.chain.ChainID().String(),
		"blockNumber":     blockNumber,
		"signer":          s.chain.SignerAddress().Hex(),
		"queueDepth":      s.queue.Len(),
		"windowMs":        s.cfg.WindowMs,
		"perMinuteLimit":  s.cfg.PerMinuteLimit,
		"eventRange":      []int64{s.cfg.EventMin, s.cfg.EventMax},
		"confirmations":   s.cfg.Confirmations,
		"txTimeoutMs":     s.cfg.TxTimeoutMs,
		"batchIntervalMs": s.cfg.BatchIntervalMs,
		"respondAfterMs":  s.cfg.RespondAfterMs,
	}
	writeJSON(w, http.StatusOK, body)
}
