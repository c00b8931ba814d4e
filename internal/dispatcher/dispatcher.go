// Package dispatcher implements the Batch Dispatcher (spec §4.4): on every
// tick it drains the pending queue, assigns contiguous nonces to the
// surviving subsequence, serializes sends to preserve nonce ordering, and
// fans out receipt waits in parallel. It is the only code path that issues
// transactions, and ticks never overlap (spec §5).
package dispatcher

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/monad-arcade/scoremw/internal/apperr"
	"github.com/monad-arcade/scoremw/internal/chain"
	"github.com/monad-arcade/scoremw/internal/jobs"
	"github.com/monad-arcade/scoremw/internal/ledger"
	"github.com/monad-arcade/scoremw/internal/queue"
	"github.com/monad-arcade/scoremw/internal/reply"
	"github.com/monad-arcade/scoremw/internal/submission"
)

// Config holds the tunables from spec §6.
type Config struct {
	BatchInterval time.Duration
	AckAfter      time.Duration
	TxTimeout     time.Duration
}

// ChainClient is the narrow surface the Dispatcher needs from the EVM
// collaborator. *chain.Client satisfies it; tests substitute a fake, the
// same way the teacher narrows bind.ContractBackend for its own callers.
type ChainClient interface {
	PendingNonce(ctx context.Context) (uint64, error)
	SuggestFees(ctx context.Context) (chain.FeeData, error)
	EstimateGas(ctx context.Context, player common.Address, score *big.Int) (uint64, error)
	Send(ctx context.Context, nonce uint64, player common.Address, score *big.Int, gasLimit uint64, fee chain.FeeData) (common.Hash, error)
	WaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
	ContractAddress() common.Address
	SignerAddress() common.Address
}

// Dispatcher owns the periodic batch tick.
type Dispatcher struct {
	cfg    Config
	queue  *queue.Queue
	ledger *ledger.Ledger
	jobs   *jobs.Registry
	chain  ChainClient
	log    log.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Dispatcher. Call Run to start the tick loop.
func New(cfg Config, q *queue.Queue, l *ledger.Ledger, j *jobs.Registry, c ChainClient) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		queue:  q,
		ledger: l,
		jobs:   j,
		chain:  c,
		log:    log.New("component", "dispatcher"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run blocks, ticking every BatchInterval, until ctx is cancelled or Stop is
// called. Ticks are never concurrent: each tick runs to completion (its
// sends, not its background receipt waits) before the next one begins.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Stop requests the tick loop to exit and waits for it to do so.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) tick(ctx context.Context) {
	raw := d.queue.DrainAll()
	if len(raw) == 0 {
		return
	}
	batch := make([]*submission.Submission, 0, len(raw))
	for _, it := range raw {
		batch = append(batch, it.(*submission.Submission))
	}

	baseNonce, err := d.chain.PendingNonce(ctx)
	if err != nil {
		d.log.Error("nonce fetch failed, aborting batch", "err", err, "batch", len(batch))
		d.abortBatch(batch, apperr.CodeNonceFetchFailed, "failed to fetch signer nonce", err)
		return
	}

	fee, err := d.chain.SuggestFees(ctx)
	if err != nil {
		d.log.Error("fee data fetch failed, aborting batch", "err", err, "batch", len(batch))
		d.abortBatch(batch, apperr.CodeNonceFetchFailed, "failed to fetch fee data", err)
		return
	}

	d.log.Info("batch tick", "items", len(batch), "baseNonce", baseNonce)

	bg, _ := errgroup.WithContext(context.Background())
	idx := uint64(0)
	for i, item := range batch {
		if !item.SkipWindow && !item.WindowHeld {
			ok, denial := d.ledger.Reserve(item.AddrLower, item.Score.Int64(), item.JobID)
			if !ok {
				d.denyAdmission(item, denial)
				continue
			}
			item.WindowHeld = true
		}

		nonce := baseNonce + idx
		gasLimit := d.estimateGasLimit(ctx, item)

		d.jobs.Update(item.JobID, func(r *jobs.Record) {
			r.Status = jobs.StatusSent
			now := time.Now()
			r.SentAt = &now
			r.Nonce = &nonce
		})

		txHash, err := d.chain.Send(ctx, nonce, item.WalletAddress, item.Score, gasLimit, fee)
		if err != nil {
			d.log.Error("send failed mid-batch, stopping batch and requeuing remainder",
				"jobId", item.JobID, "nonce", nonce, "err", err)
			d.failSend(item, err)
			d.requeueRemainder(batch[i+1:])
			return
		}

		item.Nonce = &nonce
		d.jobs.Update(item.JobID, func(r *jobs.Record) {
			h := txHash
			r.TxHash = &h
		})

		d.armAckTimer(item, nonce)
		bg.Go(func() error {
			d.waitAndReply(ctx, item, nonce, txHash)
			return nil
		})

		idx++
	}

	go func() {
		if err := bg.Wait(); err != nil {
			d.log.Error("receipt wait group returned error", "err", err)
		}
	}()
}

// abortBatch handles a whole-batch failure before any nonce was assigned
// (spec §4.4 step 2: nonce fetch failure, or an unrecoverable fee-fetch
// failure): every item fails with a rolled-back reservation.
func (d *Dispatcher) abortBatch(batch []*submission.Submission, code apperr.Code, reason string, cause error) {
	for _, item := range batch {
		d.releaseIfHeld(item)
		d.jobs.Update(item.JobID, func(r *jobs.Record) {
			r.Status = jobs.StatusFailed
			r.Code = string(code)
			r.Reason = reason
		})
		item.Arbiter.Send(reply.Result{Kind: "error", Data: apperr.Wrap(500, code, reason, cause)})
	}
}

// denyAdmission handles an admission recheck denial mid-batch (spec §4.4
// step 4a): the item replies 403 and its nonce slot is not consumed.
func (d *Dispatcher) denyAdmission(item *submission.Submission, denial *ledger.Denial) {
	d.jobs.Update(item.JobID, func(r *jobs.Record) {
		r.Status = jobs.StatusFailed
		r.Code = string(apperr.CodeSuspectedScoreHacking)
		r.Reason = "window limit exceeded on re-admission"
	})
	item.Arbiter.Send(reply.Result{Kind: "error", Data: DeniedData{
		Err:    apperr.New(403, apperr.CodeSuspectedScoreHacking, "window limit exceeded on re-admission"),
		Denial: denial,
	}})
}

// DeniedData pairs the typed error with the window diagnostics spec §4.3
// step 3 requires on the 403 body.
type DeniedData struct {
	Err    *apperr.Error
	Denial *ledger.Denial
}

// estimateGasLimit applies the fallback and margin rules of spec §4.4 step 4b.
func (d *Dispatcher) estimateGasLimit(ctx context.Context, item *submission.Submission) uint64 {
	est, err := d.chain.EstimateGas(ctx, item.WalletAddress, item.Score)
	if err != nil {
		d.log.Warn("gas estimate failed, using fallback", "jobId", item.JobID, "err", err)
		return chain.FallbackGasLimit
	}
	withMargin := float64(est)*1.2 + 5000
	return uint64(withMargin)
}

// failSend handles a send error at index i (spec §4.4 step 6): reply 500,
// mark failed, rollback reservation.
func (d *Dispatcher) failSend(item *submission.Submission, cause error) {
	d.releaseIfHeld(item)
	d.jobs.Update(item.JobID, func(r *jobs.Record) {
		r.Status = jobs.StatusFailed
		r.Code = string(apperr.CodeTransactionFailed)
		r.Reason = cause.Error()
	})
	item.Arbiter.Send(reply.Result{Kind: "error", Data: apperr.Wrap(500, apperr.CodeTransactionFailed, "send failed", cause)})
}

// requeueRemainder resets and re-queues, at the queue's front and in
// original order, every item that had not yet been sent when a send error
// stopped the batch (spec §4.4 step 6).
func (d *Dispatcher) requeueRemainder(remainder []*submission.Submission) {
	if len(remainder) == 0 {
		return
	}
	items := make([]interface{}, 0, len(remainder))
	for _, item := range remainder {
		d.releaseIfHeld(item)
		item.Nonce = nil
		d.jobs.Update(item.JobID, func(r *jobs.Record) {
			r.Status = jobs.StatusQueued
			r.SentAt = nil
			r.Nonce = nil
		})
		items = append(items, item)
	}
	d.queue.PushFrontAll(items)
}

func (d *Dispatcher) releaseIfHeld(item *submission.Submission) {
	if item.WindowHeld {
		d.ledger.Rollback(item.AddrLower, item.JobID)
		item.WindowHeld = false
	}
}

// armAckTimer replies 202 ACK_AFTER ms after send if nothing else has won by
// then (spec §4.4 step 4e).
func (d *Dispatcher) armAckTimer(item *submission.Submission, nonce uint64) {
	timer := time.AfterFunc(d.cfg.AckAfter, func() {
		item.Arbiter.Send(reply.Result{Kind: "ack", Data: AckData{JobID: item.JobID, Nonce: nonce, AckMs: d.cfg.AckAfter.Milliseconds()}})
	})
	item.Arbiter.Track(func() { timer.Stop() })
}

type AckData struct {
	JobID string
	Nonce uint64
	AckMs int64
}

// waitAndReply is the background receipt waiter (spec §4.4 step 4f).
func (d *Dispatcher) waitAndReply(ctx context.Context, item *submission.Submission, nonce uint64, txHash common.Hash) {
	receipt, err := d.chain.WaitReceipt(ctx, txHash, d.cfg.TxTimeout)
	if err == context.DeadlineExceeded {
		d.releaseIfHeld(item)
		d.jobs.Update(item.JobID, func(r *jobs.Record) {
			r.Status = jobs.StatusFailed
			r.Code = string(apperr.CodeTxWaitTimeout)
			r.Reason = "receipt not observed within timeout"
		})
		item.Arbiter.Send(reply.Result{Kind: "error", Data: apperr.New(504, apperr.CodeTxWaitTimeout, "transaction receipt wait timed out")})
		return
	}
	if err != nil {
		d.releaseIfHeld(item)
		d.jobs.Update(item.JobID, func(r *jobs.Record) {
			r.Status = jobs.StatusFailed
			r.Code = string(apperr.CodeTransactionFailed)
			r.Reason = err.Error()
		})
		item.Arbiter.Send(reply.Result{Kind: "error", Data: apperr.Wrap(500, apperr.CodeTransactionFailed, "error waiting for receipt", err)})
		return
	}

	d.jobs.Update(item.JobID, func(r *jobs.Record) {
		r.Status = jobs.StatusMined
		r.Receipt = receipt
	})
	item.Arbiter.Send(reply.Result{Kind: "mined", Data: MinedData{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber,
		Status:      receipt.Status,
		GasUsed:     receipt.GasUsed,
		To:          d.chain.ContractAddress(),
		From:        d.chain.SignerAddress(),
		Nonce:       nonce,
	}})
}

type MinedData struct {
	TxHash      common.Hash
	BlockNumber *big.Int
	Status      uint64
	GasUsed     uint64
	To          common.Address
	From        common.Address
	Nonce       uint64
}
