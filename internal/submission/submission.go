// Package submission defines the Submission value that flows from Intake
// through the pending queue into the Dispatcher (spec §3).
package submission

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/monad-arcade/scoremw/internal/reply"
)

// Submission is owned exclusively by Intake until enqueued, then by the
// Dispatcher until terminal (spec §3).
type Submission struct {
	JobID           string
	WalletAddress   common.Address
	AddrLower       string
	Score           *big.Int
	Arbiter         *reply.Arbiter
	WindowHeld      bool // reservationHeld
	SkipWindow      bool // privileged unlock path bypasses admission
	AcceptedAt      time.Time
	UnlockAll       bool

	// Nonce is set once the Dispatcher assigns this item a slot in a batch.
	Nonce *uint64
}

// New builds a Submission ready to be pushed onto the pending queue.
func New(jobID string, wallet common.Address, score *big.Int, skipWindow bool) *Submission {
	return &Submission{
		JobID:         jobID,
		WalletAddress: wallet,
		AddrLower:     strings.ToLower(wallet.Hex()),
		Score:         score,
		Arbiter:       reply.New(),
		SkipWindow:    skipWindow,
		AcceptedAt:    time.Now(),
	}
}
