// Package jobs implements the in-memory Job Registry (spec §4.2): a concurrent
// map from job id to lifecycle record, with TTL eviction.
package jobs

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// Status is the Job Record lifecycle state (spec §3).
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusMined  Status = "mined"
	StatusFailed Status = "failed"
)

// TTL is how long a Job Record survives after creation before the janitor
// evicts it (spec §3, 15 minutes).
const TTL = 15 * time.Minute

// janitorInterval is how often the eviction sweep runs (spec §3, 60s).
const janitorInterval = 60 * time.Second

// Record is the Job Record described in spec §3.
type Record struct {
	JobID         string
	Status        Status
	CreatedAt     time.Time
	WalletAddress common.Address
	Score         *big.Int
	Nonce         *uint64
	SentAt        *time.Time
	TxHash        *common.Hash
	Receipt       *types.Receipt
	Code          string
	Reason        string
	UnlockAll     bool
}

// Registry is the concurrent job store.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	log     log.Logger

	stop chan struct{}
	once sync.Once
}

// New builds a Registry and starts its TTL janitor.
func New() *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		log:     log.New("component", "jobs"),
		stop:    make(chan struct{}),
	}
	go r.janitorLoop()
	return r
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) janitorLoop() {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.Evict(TTL)
		}
	}
}

// NewJobID generates a universally unique job id.
func NewJobID() string { return uuid.NewString() }

// Put registers a new Job Record, created in the "queued" state by the caller.
func (r *Registry) Put(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.JobID] = rec
}

// Get returns a copy of the record for id, or (Record{}, false) if unknown or evicted.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update atomically applies mutator to the record for id. No-op if unknown.
func (r *Registry) Update(id string, mutator func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	mutator(rec)
}

// Evict removes records older than olderThan from CreatedAt.
func (r *Registry) Evict(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	if n > 0 {
		r.log.Debug("evicted stale job records", "count", n)
	}
	return n
}

// Len reports the number of tracked records (diagnostic use only).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
