package leaderboard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// nextPushRe matches `self.__next_f.push([1, "<escaped-json>"])` chunks
// embedded in the upstream page's HTML (spec §4.7 framing).
var nextPushRe = regexp.MustCompile(`self\.__next_f\.push\(\[1,\s*"((?:\\.|[^"\\])*)"\]\)`)

// extractPagePayload returns the first rawPagePayload chunk whose root gameId
// matches the requested gameId. The scoreData/transactionData rows are not
// inspected for a gameId. When no chunk matches, the first chunk that parses
// is returned instead.
func extractPagePayload(html string, gameID int) (*rawPagePayload, error) {
	matches := nextPushRe.FindAllStringSubmatch(html, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no streamed payload chunks found in page")
	}

	var candidate *rawPagePayload
	for _, m := range matches {
		unescaped, err := unescapeJSONString(m[1])
		if err != nil {
			continue
		}

		payload, ok := parseIndexedArray(unescaped)
		if !ok {
			continue
		}

		if payloadMatchesGame(payload, gameID) {
			return payload, nil
		}
		if candidate == nil {
			candidate = payload
		}
	}

	if candidate != nil {
		return candidate, nil
	}
	return nil, fmt.Errorf("no chunk matched gameId=%d", gameID)
}

// unescapeJSONString turns the captured `\"..\"`-escaped chunk content back
// into its literal string form by re-wrapping it as a JSON string literal.
func unescapeJSONString(escaped string) (string, error) {
	var out string
	if err := json.Unmarshal([]byte(`"`+escaped+`"`), &out); err != nil {
		return "", fmt.Errorf("unescaping payload chunk: %w", err)
	}
	return out, nil
}

// parseIndexedArray parses the `<index>:<json-array>` form and pulls out the
// 4th element as a rawPagePayload (spec §4.7).
func parseIndexedArray(s string) (*rawPagePayload, bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return nil, false
	}
	if _, err := strconv.Atoi(s[:colon]); err != nil {
		return nil, false
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(s[colon+1:]), &arr); err != nil {
		return nil, false
	}
	if len(arr) < 4 {
		return nil, false
	}

	var payload rawPagePayload
	if err := json.Unmarshal(arr[3], &payload); err != nil {
		return nil, false
	}
	return &payload, true
}

func payloadMatchesGame(p *rawPagePayload, gameID int) bool {
	switch v := p.GameID.(type) {
	case float64:
		return int(v) == gameID
	case string:
		n, err := strconv.Atoi(v)
		return err == nil && n == gameID
	default:
		return false
	}
}
