// Package walletprobe implements the external "wallet-has-username" check
// used only by the privileged unlock path (spec §4.6 step 2, spec §2 row 9).
package walletprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Client probes an external endpoint to check whether a wallet has a
// registered username.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a probe Client against baseURL (e.g. "https://api.example.com/wallet").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type probeResponse struct {
	HasUsername bool `json:"hasUsername"`
}

// HasUsername returns whether wallet has a registered username upstream.
// A transport or decode error is always the caller's CHECK_WALLET_ERROR path.
func (c *Client) HasUsername(ctx context.Context, wallet common.Address) (bool, error) {
	url := fmt.Sprintf("%s?walletAddress=%s", c.baseURL, wallet.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("building wallet probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("wallet probe transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("wallet probe returned status %d", resp.StatusCode)
	}

	var out probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding wallet probe response: %w", err)
	}
	return out.HasUsername, nil
}
