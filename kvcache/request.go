// Defines the Request struct as seen by the KV cache core: the token
// sequence, the knobs that influence block fingerprints, and the executor's
// progress through the sequence.

package kvcache

// PlaceholderRange marks a span of placeholder tokens standing in for one
// multimodal input, together with the content hash of that input.
type PlaceholderRange struct {
	Offset int64  // first token position covered by the placeholder
	Length int64  // number of placeholder tokens
	Hash   string // content hash of the multimodal input
}

// Request models a single request's view into the cache. TokenIDs holds the
// prompt followed by any generated tokens; NumComputedTokens tracks how far
// the executor has progressed through them.
type Request struct {
	ID       string
	TokenIDs []int64

	// MMPlaceholders lists multimodal placeholder spans in ascending offset
	// order. Their content hashes feed the block fingerprints.
	MMPlaceholders []PlaceholderRange

	// CacheSalt is mixed into the first block's fingerprint so that equal
	// prompts from different tenants or sessions do not share cache entries.
	CacheSalt string

	// SkipCaching suppresses prefix-hit detection for this request. Needed
	// when prompt log-probabilities are requested: those are only produced
	// for recomputed tokens, so a prefix hit would silently drop them.
	SkipCaching bool

	// LoRAID identifies the adapter the request runs with, if any. Reported
	// on BlockStored events. Zero means no adapter.
	LoRAID int64

	// NumComputedTokens counts the tokens the executor has processed so far.
	NumComputedTokens int64
}

// NumTokens returns the current prompt+generated token count.
func (r *Request) NumTokens() int64 { return int64(len(r.TokenIDs)) }

// AppendOutputTokens records newly generated tokens.
func (r *Request) AppendOutputTokens(tokens ...int64) {
	r.TokenIDs = append(r.TokenIDs, tokens...)
}
