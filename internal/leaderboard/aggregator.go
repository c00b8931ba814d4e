// Package leaderboard implements the Leaderboard Aggregator (spec §4.7):
// multi-page fetch of the upstream site's streamed JSON payloads, merge with
// de-duplication, and a TTL cache.
package leaderboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/time/rate"

	"github.com/ethereum/go-ethereum/log"

	"github.com/monad-arcade/scoremw/internal/apperr"
)

// MaxPageWalk caps the number of pages walked per spec §4.7.
const MaxPageWalk = 50

// Config configures the aggregator (spec §6: LEADERBOARD_BASE, LEADERBOARD_CACHE_MS).
type Config struct {
	Base     string
	CacheTTL time.Duration
}

type cacheEntry struct {
	fetchedAt time.Time
	payload   Payload
}

// Aggregator fetches, merges and caches leaderboard pages for a game id.
type Aggregator struct {
	cfg     Config
	http    *http.Client
	cache   *lru.Cache
	limiter *rate.Limiter
	log     log.Logger
}

// New builds an Aggregator with a bounded LRU cache across game ids.
func New(cfg Config) (*Aggregator, error) {
	cache, err := lru.New(256)
	if err != nil {
		return nil, fmt.Errorf("building leaderboard cache: %w", err)
	}
	return &Aggregator{
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		log:     log.New("component", "leaderboard"),
	}, nil
}

// Get returns the aggregated payload for gameID, serving from cache when
// fresh (spec §4.7/§3 Leaderboard Cache).
func (a *Aggregator) Get(ctx context.Context, gameID int) (Payload, error) {
	if v, ok := a.cache.Get(gameID); ok {
		ce := v.(cacheEntry)
		if time.Since(ce.fetchedAt) < a.cfg.CacheTTL {
			cached := ce.payload
			cached.Cached = true
			cached.CacheMs = time.Since(ce.fetchedAt).Milliseconds()
			return cached, nil
		}
	}

	payload, err := a.fetch(ctx, gameID)
	if err != nil {
		return Payload{}, err
	}

	a.cache.Add(gameID, cacheEntry{fetchedAt: time.Now(), payload: payload})
	return payload, nil
}

// fetch walks pages 1..N for gameID, merging and de-duplicating (spec §4.7).
func (a *Aggregator) fetch(ctx context.Context, gameID int) (Payload, error) {
	first, err := a.fetchPage(ctx, gameID, 1)
	if err != nil {
		return Payload{}, apperr.Wrap(502, apperr.CodeAggregateFailed, "fetching leaderboard page 1 failed", err)
	}

	payload := Payload{
		OK:          true,
		GameID:      gameID,
		GameName:    first.GameName,
		LastUpdated: first.LastUpdated,
		Source:      Source{Base: a.cfg.Base, Pages: 1, FetchedAt: time.Now()},
	}

	seenScores := mapset.NewSet[string]()
	seenTx := mapset.NewSet[string]()
	scoreData := mergeScores(nil, first.ScoreData, seenScores)
	txData := mergeTx(nil, first.TransactionData, seenTx)

	totalPages := first.ScorePagination.TotalPages
	if first.TransactionPagination.TotalPages > totalPages {
		totalPages = first.TransactionPagination.TotalPages
	}
	if totalPages > MaxPageWalk {
		totalPages = MaxPageWalk
	}

	pagesWalked := 1
	for page := 2; page <= totalPages; page++ {
		next, err := a.fetchPage(ctx, gameID, page)
		if err != nil {
			a.log.Warn("leaderboard page walk stopped on error, keeping partial results",
				"gameId", gameID, "page", page, "err", err)
			break
		}
		if len(next.ScoreData) == 0 && len(next.TransactionData) == 0 {
			a.log.Debug("leaderboard page walk stopped on two empty arrays", "gameId", gameID, "page", page)
			break
		}
		scoreData = mergeScores(scoreData, next.ScoreData, seenScores)
		txData = mergeTx(txData, next.TransactionData, seenTx)
		pagesWalked++
	}

	sort.Slice(scoreData, func(i, j int) bool { return scoreData[i].Rank < scoreData[j].Rank })
	sort.Slice(txData, func(i, j int) bool { return txData[i].Rank < txData[j].Rank })

	payload.ScorePagination = first.ScorePagination
	payload.TransactionPagination = first.TransactionPagination
	payload.ScoreData = scoreData
	payload.TransactionData = txData
	payload.Source.Pages = pagesWalked
	return payload, nil
}

func mergeScores(acc []ScoreEntry, next []ScoreEntry, seen mapset.Set[string]) []ScoreEntry {
	for _, e := range next {
		key := dedupKey(e.UserID, e.WalletAddress)
		if seen.Contains(key) {
			continue
		}
		seen.Add(key)
		acc = append(acc, e)
	}
	return acc
}

func mergeTx(acc []TransactionEntry, next []TransactionEntry, seen mapset.Set[string]) []TransactionEntry {
	for _, e := range next {
		key := dedupKey(e.UserID, e.WalletAddress)
		if seen.Contains(key) {
			continue
		}
		seen.Add(key)
		acc = append(acc, e)
	}
	return acc
}

func dedupKey(userID, wallet string) string {
	return userID + "|" + wallet
}

// fetchPage retrieves and parses a single upstream page.
func (a *Aggregator) fetchPage(ctx context.Context, gameID, page int) (*rawPagePayload, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := fmt.Sprintf("%s?gameId=%d&page=%d", a.cfg.Base, gameID, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for page %d: %w", page, err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page %d returned status %d", page, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading page %d body: %w", page, err)
	}

	return extractPagePayload(string(body), gameID)
}
