// Package ledger implements the per-wallet sliding-window score cap (spec §4.1):
// reserve/rollback/purge over a rolling window, with an optimistic-reservation
// discipline so in-flight submissions hold quota until they resolve.
package ledger

import (
	"container/list"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// entry is one reserved (or committed) score event inside a wallet's window.
type entry struct {
	ts    time.Time
	score int64
	jobID string
}

type account struct {
	entries *list.List // of *entry, oldest at Front
	sum     int64
}

// Denial describes why a reservation was refused, carrying the diagnostic
// fields spec §4.3 step 3 requires on the 403 response.
type Denial struct {
	Used     int64
	Incoming int64
	Limit    int64
	Window   time.Duration
}

// Ledger is the mutex-guarded sliding-window cap for all wallets.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
	window   time.Duration
	limit    int64
	log      log.Logger

	stop chan struct{}
	once sync.Once
}

// New builds a Ledger with window W and cap L, and starts its janitor.
func New(window time.Duration, limit int64) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account),
		window:   window,
		limit:    limit,
		log:      log.New("component", "ledger"),
		stop:     make(chan struct{}),
	}
	go l.janitorLoop()
	return l
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (l *Ledger) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Ledger) janitorLoop() {
	interval := l.window
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.purgeAll(time.Now())
		}
	}
}

func (l *Ledger) purgeAll(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for wallet, acc := range l.accounts {
		l.purgeLocked(acc, now)
		if acc.entries.Len() == 0 {
			delete(l.accounts, wallet)
		}
	}
}

// purgeLocked drops entries older than the window. Caller holds l.mu.
func (l *Ledger) purgeLocked(acc *account, now time.Time) {
	for e := acc.entries.Front(); e != nil; {
		next := e.Next()
		ev := e.Value.(*entry)
		if now.Sub(ev.ts) > l.window {
			acc.sum -= ev.score
			acc.entries.Remove(e)
		}
		e = next
	}
}

// Reserve admits a prospective score event for walletLower, or denies it if
// sum+score would exceed the cap. Purges expired entries first.
func (l *Ledger) Reserve(walletLower string, score int64, jobID string) (bool, *Denial) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[walletLower]
	if !ok {
		acc = &account{entries: list.New()}
		l.accounts[walletLower] = acc
	}
	l.purgeLocked(acc, now)

	projected := acc.sum + score
	if projected > l.limit {
		return false, &Denial{Used: acc.sum, Incoming: score, Limit: l.limit, Window: l.window}
	}

	acc.entries.PushBack(&entry{ts: now, score: score, jobID: jobID})
	acc.sum += score
	return true, nil
}

// Rollback releases a previously-reserved score event, keyed strictly on
// jobID (spec §9 Open Question: the source's "match jobId or same score"
// fallback is fallback-sloppy; this implementation keys only on jobID).
func (l *Ledger) Rollback(walletLower string, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[walletLower]
	if !ok {
		return
	}
	// Walk from the back: "most recent entry with matching jobId".
	for e := acc.entries.Back(); e != nil; e = e.Prev() {
		ev := e.Value.(*entry)
		if ev.jobID == jobID {
			acc.sum -= ev.score
			acc.entries.Remove(e)
			break
		}
	}
	if acc.entries.Len() == 0 {
		delete(l.accounts, walletLower)
	}
}

// Purge drops expired entries for a single wallet, used opportunistically by
// callers that want a fresh view without waiting for the janitor.
func (l *Ledger) Purge(walletLower string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[walletLower]
	if !ok {
		return
	}
	l.purgeLocked(acc, time.Now())
	if acc.entries.Len() == 0 {
		delete(l.accounts, walletLower)
	}
}

// Used reports the current live sum for a wallet, purging expired entries first.
func (l *Ledger) Used(walletLower string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[walletLower]
	if !ok {
		return 0
	}
	l.purgeLocked(acc, time.Now())
	return acc.sum
}

// Window and Limit expose the configured parameters.
func (l *Ledger) Window() time.Duration { return l.window }
func (l *Ledger) Limit() int64          { return l.limit }
