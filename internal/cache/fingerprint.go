package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// MessagePair is one conversation turn as it participates in the fingerprint.
type MessagePair struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams are the request parameters that change the output
// distribution. Anything not listed here (request id, client metadata,
// timestamps) must stay out of the fingerprint.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Fingerprint derives the cache key for a request. Two requests that are
// semantically identical — same scope, model alias, ordered message sequence,
// and sampling parameters — always map to the same key.
//
// The canonical form is hand-assembled field by field in a fixed order, so
// the key never depends on JSON map iteration or client field ordering.
// Floats are normalized through strconv.FormatFloat to collapse
// representation differences (0.7 vs 0.70).
func Fingerprint(scope, alias string, messages []MessagePair, params SamplingParams) string {
	h := sha256.New()

	writeField := func(name, value string) {
		h.Write([]byte(name))
		h.Write([]byte{0x1f})
		h.Write([]byte(value))
		h.Write([]byte{0x1e})
	}

	writeField("scope", scope)
	writeField("model", alias)

	msgs, _ := json.Marshal(messages)
	writeField("messages", string(msgs))

	// Sampling params in fixed lexicographic order.
	writeField("max_tokens", strconv.Itoa(params.MaxTokens))
	writeField("temperature", strconv.FormatFloat(params.Temperature, 'g', -1, 64))
	writeField("top_p", strconv.FormatFloat(params.TopP, 'g', -1, 64))

	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
