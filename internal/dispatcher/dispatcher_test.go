package dispatcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monad-arcade/scoremw/internal/apperr"
	"github.com/monad-arcade/scoremw/internal/chain"
	"github.com/monad-arcade/scoremw/internal/jobs"
	"github.com/monad-arcade/scoremw/internal/ledger"
	"github.com/monad-arcade/scoremw/internal/queue"
	"github.com/monad-arcade/scoremw/internal/submission"
)

// fakeChain is a ChainClient test double that records every Send in order
// and lets tests script nonce/fee/send/receipt behavior deterministically.
type fakeChain struct {
	mu sync.Mutex

	baseNonce    uint64
	nonceErr     error
	fee          chain.FeeData
	feeErr       error
	gas          uint64
	gasErr       error
	failAtNonces map[uint64]error // Send fails for these nonces
	instantMined bool             // WaitReceipt returns immediately

	sentNonces []uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		fee:          chain.FeeData{GasPrice: big.NewInt(1)},
		gas:          21000,
		failAtNonces: map[uint64]error{},
		instantMined: true,
	}
}

func (f *fakeChain) PendingNonce(ctx context.Context) (uint64, error) {
	return f.baseNonce, f.nonceErr
}

func (f *fakeChain) SuggestFees(ctx context.Context) (chain.FeeData, error) {
	return f.fee, f.feeErr
}

func (f *fakeChain) EstimateGas(ctx context.Context, player common.Address, score *big.Int) (uint64, error) {
	return f.gas, f.gasErr
}

func (f *fakeChain) Send(ctx context.Context, nonce uint64, player common.Address, score *big.Int, gasLimit uint64, fee chain.FeeData) (common.Hash, error) {
	f.mu.Lock()
	f.sentNonces = append(f.sentNonces, nonce)
	f.mu.Unlock()

	if err, ok := f.failAtNonces[nonce]; ok {
		return common.Hash{}, err
	}
	return common.BytesToHash([]byte(fmt.Sprintf("tx-%d", nonce))), nil
}

func (f *fakeChain) WaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if !f.instantMined {
		<-ctx.Done()
		return nil, context.DeadlineExceeded
	}
	return &types.Receipt{Status: 1, BlockNumber: big.NewInt(100), GasUsed: 21000}, nil
}

func (f *fakeChain) ContractAddress() common.Address { return common.HexToAddress("0xC0FFEE") }
func (f *fakeChain) SignerAddress() common.Address   { return common.HexToAddress("0x5196EA") }

func (f *fakeChain) SentNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.sentNonces))
	copy(out, f.sentNonces)
	return out
}

func newTestSub(wallet string, score int64, skipWindow bool) *submission.Submission {
	return submission.New(jobs.NewJobID(), common.HexToAddress(wallet), big.NewInt(score), skipWindow)
}

func newTestDispatcher(fc *fakeChain) (*Dispatcher, *ledger.Ledger, *jobs.Registry, *queue.Queue) {
	l := ledger.New(time.Minute, 10000)
	j := jobs.New()
	q := queue.New()
	d := New(Config{BatchInterval: time.Hour, AckAfter: 50 * time.Millisecond, TxTimeout: time.Second}, q, l, j, fc)
	return d, l, j, q
}

func reserveAndEnqueue(t *testing.T, l *ledger.Ledger, j *jobs.Registry, q *queue.Queue, sub *submission.Submission) {
	t.Helper()
	ok, _ := l.Reserve(sub.AddrLower, sub.Score.Int64(), sub.JobID)
	require.True(t, ok)
	sub.WindowHeld = true
	j.Put(&jobs.Record{JobID: sub.JobID, Status: jobs.StatusQueued, CreatedAt: time.Now()})
	q.Push(sub)
}

func TestTickAssignsContiguousNoncesToWholeBatch(t *testing.T) {
	fc := newFakeChain()
	fc.baseNonce = 10
	d, l, j, q := newTestDispatcher(fc)
	defer l.Close()
	defer j.Close()

	subs := []*submission.Submission{
		newTestSub("0x0000000000000000000000000000000000000001", 10, false),
		newTestSub("0x0000000000000000000000000000000000000002", 10, false),
		newTestSub("0x0000000000000000000000000000000000000003", 10, false),
	}
	for _, s := range subs {
		reserveAndEnqueue(t, l, j, q, s)
	}

	d.tick(context.Background())

	assert.Equal(t, []uint64{10, 11, 12}, fc.SentNonces())

	for i, s := range subs {
		rec, ok := j.Get(s.JobID)
		require.True(t, ok)
		require.NotNil(t, rec.Nonce)
		assert.Equal(t, uint64(10+i), *rec.Nonce)
		// instantMined=true means waitAndReply runs to completion almost
		// immediately off the background errgroup; give it a moment.
		result := s.Arbiter.Wait()
		assert.Equal(t, "mined", result.Kind)
	}
}

func TestTickAdmissionDenialDoesNotConsumeNonceSlot(t *testing.T) {
	fc := newFakeChain()
	fc.baseNonce = 100
	d, l, j, q := newTestDispatcher(fc)
	defer l.Close()
	defer j.Close()

	wallet := "0x0000000000000000000000000000000000000009"

	// item A: a fresh submission that never reserved (simulates a
	// re-queued item whose reservation was released, per spec §4.4 step 6)
	// and whose wallet no longer has quota by the time this tick runs.
	ok, _ := l.Reserve(strings.ToLower(wallet), 9999, "other-job")
	require.True(t, ok)

	denied := newTestSub(wallet, 50, false) // WindowHeld=false: dispatcher must re-reserve, and it will be denied
	j.Put(&jobs.Record{JobID: denied.JobID, Status: jobs.StatusQueued, CreatedAt: time.Now()})
	q.Push(denied)

	survivor := newTestSub("0x0000000000000000000000000000000000000010", 10, false)
	reserveAndEnqueue(t, l, j, q, survivor)

	d.tick(context.Background())

	// Only one nonce consumed, by the surviving item — the denied item's
	// slot (baseNonce) was not sent at all.
	assert.Equal(t, []uint64{100}, fc.SentNonces())

	deniedResult := denied.Arbiter.Wait()
	assert.Equal(t, "error", deniedResult.Kind)
	deniedData, ok := deniedResult.Data.(DeniedData)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeSuspectedScoreHacking, deniedData.Err.Code)

	rec, _ := j.Get(survivor.JobID)
	require.NotNil(t, rec.Nonce)
	assert.Equal(t, uint64(100), *rec.Nonce)
}

func TestTickSendErrorStopsBatchAndRequeuesRemainder(t *testing.T) {
	fc := newFakeChain()
	fc.baseNonce = 5
	fc.failAtNonces[6] = fmt.Errorf("rpc: nonce too low")
	d, l, j, q := newTestDispatcher(fc)
	defer l.Close()
	defer j.Close()

	good := newTestSub("0x0000000000000000000000000000000000000001", 10, false)
	failing := newTestSub("0x0000000000000000000000000000000000000002", 10, false)
	stranded := newTestSub("0x0000000000000000000000000000000000000003", 10, false)
	for _, s := range []*submission.Submission{good, failing, stranded} {
		reserveAndEnqueue(t, l, j, q, s)
	}

	d.tick(context.Background())

	// Failure-contains invariant (spec §8): no nonce >= failure index is
	// ever submitted in this tick.
	assert.Equal(t, []uint64{5, 6}, fc.SentNonces())

	goodResult := good.Arbiter.Wait()
	assert.Equal(t, "mined", goodResult.Kind)

	failResult := failing.Arbiter.Wait()
	require.Equal(t, "error", failResult.Kind)
	failErr, ok := failResult.Data.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, 500, failErr.Status)

	failRec, _ := j.Get(failing.JobID)
	assert.Equal(t, jobs.StatusFailed, failRec.Status)
	assert.Equal(t, int64(0), l.Used(failing.AddrLower), "failing item's reservation must be rolled back")

	// The stranded item (never sent) must be requeued at the front,
	// reservation released, job reset to queued.
	assert.False(t, stranded.Arbiter.Replied())
	strandedRec, _ := j.Get(stranded.JobID)
	assert.Equal(t, jobs.StatusQueued, strandedRec.Status)
	assert.Nil(t, strandedRec.Nonce)
	assert.Equal(t, int64(0), l.Used(stranded.AddrLower), "requeued item's reservation must be released")

	requeued := q.DrainAll()
	require.Len(t, requeued, 1)
	assert.Same(t, stranded, requeued[0])
}

func TestTickAbortsWholeBatchOnNonceFetchFailure(t *testing.T) {
	fc := newFakeChain()
	fc.nonceErr = fmt.Errorf("rpc: connection refused")
	d, l, j, q := newTestDispatcher(fc)
	defer l.Close()
	defer j.Close()

	a := newTestSub("0x0000000000000000000000000000000000000001", 10, false)
	b := newTestSub("0x0000000000000000000000000000000000000002", 10, false)
	reserveAndEnqueue(t, l, j, q, a)
	reserveAndEnqueue(t, l, j, q, b)

	d.tick(context.Background())

	assert.Empty(t, fc.SentNonces())
	for _, s := range []*submission.Submission{a, b} {
		result := s.Arbiter.Wait()
		require.Equal(t, "error", result.Kind)
		err, ok := result.Data.(*apperr.Error)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeNonceFetchFailed, err.Code)

		rec, _ := j.Get(s.JobID)
		assert.Equal(t, jobs.StatusFailed, rec.Status)
		assert.Equal(t, int64(0), l.Used(s.AddrLower))
	}
}

func TestTickSkipWindowItemNeverTouchesLedger(t *testing.T) {
	fc := newFakeChain()
	fc.baseNonce = 1
	d, l, j, q := newTestDispatcher(fc)
	defer l.Close()
	defer j.Close()

	priv := newTestSub("0x0000000000000000000000000000000000000001", 500, true)
	j.Put(&jobs.Record{JobID: priv.JobID, Status: jobs.StatusQueued, CreatedAt: time.Now()})
	q.Push(priv)

	d.tick(context.Background())

	result := priv.Arbiter.Wait()
	assert.Equal(t, "mined", result.Kind)
	assert.Equal(t, int64(0), l.Used(priv.AddrLower), "a skip-window submission must never reserve ledger quota")
}

func TestTickOnEmptyQueueIsNoop(t *testing.T) {
	fc := newFakeChain()
	d, l, j, _ := newTestDispatcher(fc)
	defer l.Close()
	defer j.Close()

	d.tick(context.Background())
	assert.Empty(t, fc.SentNonces())
}

func TestRunSuppressesOverlappingTicks(t *testing.T) {
	fc := newFakeChain()
	fc.instantMined = false // WaitReceipt blocks, but that's background work and must not stall the tick itself

	var nonceCalls int32
	d, l, j, q := newTestDispatcher(fc)
	defer l.Close()
	defer j.Close()
	d.cfg.BatchInterval = 10 * time.Millisecond

	// Wrap PendingNonce via a slow fake to verify no two ticks run
	// concurrently: a slow first tick must finish before the next fires.
	slow := &slowNonceChain{fakeChain: fc, delay: 80 * time.Millisecond, calls: &nonceCalls}
	d.chain = slow

	sub := newTestSub("0x0000000000000000000000000000000000000001", 10, false)
	reserveAndEnqueue(t, l, j, q, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go d.Run(ctx)
	<-ctx.Done()
	d.Stop()

	// Only one tick should have had work to do (the queue is drained by
	// the first tick); subsequent ticks see an empty queue and return
	// immediately without calling PendingNonce again.
	assert.LessOrEqual(t, atomic.LoadInt32(&nonceCalls), int32(1))
}

type slowNonceChain struct {
	*fakeChain
	delay time.Duration
	calls *int32
}

func (s *slowNonceChain) PendingNonce(ctx context.Context) (uint64, error) {
	atomic.AddInt32(s.calls, 1)
	time.Sleep(s.delay)
	return s.fakeChain.PendingNonce(ctx)
}
