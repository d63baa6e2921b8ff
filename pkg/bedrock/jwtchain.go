package bedrock

import (
	"encoding/json"
	"fmt"

	"github.com/duskrelay/bdmitm/pkg/raknet"
)

// jwtChain is the JSON envelope Login's identity chain is wrapped in:
// {"chain": ["<jwt>", "<jwt>", ...]}.
type jwtChain struct {
	Chain []string `json:"chain"`
}

// decodeJSONChain unwraps a JSON-encoded identity chain into its ordered
// list of compact JWTs.
func decodeJSONChain(raw []byte) ([]string, error) {
	var c jwtChain
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: identity chain: %v", raknet.ErrMalformed, err)
	}
	return c.Chain, nil
}

// encodeJSONChain wraps tokens back into the JSON envelope Login expects.
func encodeJSONChain(tokens []string) ([]byte, error) {
	raw, err := json.Marshal(jwtChain{Chain: tokens})
	if err != nil {
		return nil, fmt.Errorf("encode identity chain: %w", err)
	}
	return raw, nil
}
