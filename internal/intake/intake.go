// Package intake implements Submission Intake (spec §4.3): validates input,
// reserves window quota, enqueues the Submission, arms the failsafe timer,
// and blocks the caller until the first terminal reply.
package intake

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/monad-arcade/scoremw/internal/apperr"
	"github.com/monad-arcade/scoremw/internal/jobs"
	"github.com/monad-arcade/scoremw/internal/ledger"
	"github.com/monad-arcade/scoremw/internal/queue"
	"github.com/monad-arcade/scoremw/internal/reply"
	"github.com/monad-arcade/scoremw/internal/submission"
)

// Config holds the event-range and timing tunables from spec §6.
type Config struct {
	EventMin      int64
	EventMax      int64
	HardTimeout   time.Duration // REQUEST_HARD_TIMEOUT_MS, defaults to BatchInterval+AckAfter+5s
	BatchInterval time.Duration
	AckAfter      time.Duration
}

// Intake wires the ledger, job registry and pending queue together.
type Intake struct {
	cfg    Config
	ledger *ledger.Ledger
	jobs   *jobs.Registry
	queue  *queue.Queue
	log    log.Logger
}

// New builds an Intake.
func New(cfg Config, l *ledger.Ledger, j *jobs.Registry, q *queue.Queue) *Intake {
	return &Intake{cfg: cfg, ledger: l, jobs: j, queue: q, log: log.New("component", "intake")}
}

// FailsafeData is the payload of a reply.Result{Kind: "failsafe"}.
type FailsafeData struct {
	JobID           string
	StatusURL       string
	ApproxBatchInMs int64
}

// ValidateInput checks the shape rules of spec §4.3 step 1.
func ValidateInput(walletHex string, scoreRaw float64, scoreIsInteger bool) (common.Address, int64, *apperr.Error) {
	if !common.IsHexAddress(walletHex) {
		return common.Address{}, 0, apperr.New(400, "", "walletAddress is not a syntactically valid EVM address")
	}
	if !scoreIsInteger || scoreRaw < 0 {
		return common.Address{}, 0, apperr.New(400, "", "score must be a non-negative integer")
	}
	return common.HexToAddress(walletHex), int64(scoreRaw), nil
}

// Submit runs spec §4.3 end to end: range check, window reservation, job
// creation, enqueue, failsafe arm, and blocks until a terminal reply.
func (in *Intake) Submit(ctx context.Context, wallet common.Address, score int64) (reply.Result, *apperr.Error) {
	if score < in.cfg.EventMin || score > in.cfg.EventMax {
		return reply.Result{}, apperr.New(403, apperr.CodeSuspectedScoreHacking,
			fmt.Sprintf("score %d outside permitted range [%d,%d]", score, in.cfg.EventMin, in.cfg.EventMax))
	}

	sub := submission.New(jobs.NewJobID(), wallet, big.NewInt(score), false)

	ok, denial := in.ledger.Reserve(sub.AddrLower, score, sub.JobID)
	if !ok {
		return reply.Result{}, apperr.New(403, apperr.CodeSuspectedScoreHacking, "window limit exceeded").
			WithWindow(apperr.WindowInfo{
				Used:     denial.Used,
				Incoming: denial.Incoming,
				Limit:    denial.Limit,
				Seconds:  int64(denial.Window.Seconds()),
			})
	}
	sub.WindowHeld = true

	return in.dispatch(ctx, sub)
}

// SubmitPrivileged enqueues a Submission that bypasses window admission
// entirely (spec §4.6): used by the unlock path, which computes its own
// delta and never reserves or rolls back ledger quota.
func (in *Intake) SubmitPrivileged(ctx context.Context, wallet common.Address, delta int64) (reply.Result, *apperr.Error) {
	sub := submission.New(jobs.NewJobID(), wallet, big.NewInt(delta), true)
	sub.UnlockAll = true
	return in.dispatch(ctx, sub)
}

// dispatch is shared by the ordinary and privileged (unlock) submission
// paths once a Submission has been built: create the job record, enqueue,
// arm the failsafe, and block for the first terminal reply.
func (in *Intake) dispatch(ctx context.Context, sub *submission.Submission) (reply.Result, *apperr.Error) {
	in.jobs.Put(&jobs.Record{
		JobID:         sub.JobID,
		Status:        jobs.StatusQueued,
		CreatedAt:     time.Now(),
		WalletAddress: sub.WalletAddress,
		Score:         sub.Score,
		UnlockAll:     sub.UnlockAll,
	})

	in.queue.Push(sub)

	hard := in.cfg.HardTimeout
	if hard <= 0 {
		hard = in.cfg.BatchInterval + in.cfg.AckAfter + 5*time.Second
	}
	timer := time.AfterFunc(hard, func() {
		sub.Arbiter.Send(reply.Result{Kind: "failsafe", Data: FailsafeData{
			JobID:           sub.JobID,
			StatusURL:       "/api/v1/jobs/" + sub.JobID,
			ApproxBatchInMs: in.cfg.BatchInterval.Milliseconds(),
		}})
	})
	sub.Arbiter.Track(func() { timer.Stop() })

	result := sub.Arbiter.Wait()
	return result, nil
}
