// Deterministic request generation from a workload spec.

package workload

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/kvblocks/kvblocks/kvcache"
)

// vocabSize bounds generated token ids. Arbitrary, but fixed so specs stay
// reproducible across versions.
const vocabSize = 32000

// Item pairs a request with its replay behavior.
type Item struct {
	Req          *kvcache.Request
	DecodeTokens int
}

// Generate produces the request stream for a spec. Deterministic for a
// given spec: ids, token sequences, and multimodal hashes all derive from
// the spec's seed. Requests from different clients are interleaved
// round-robin so shared prefixes actually collide during replay.
func Generate(spec *Spec) ([]*Item, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))

	// Shared prefix tokens per prefix group, generated once. Clients
	// without a prefix_group get a private prefix.
	prefixes := make(map[string][]int64)
	prefixFor := func(c *ClientSpec) []int64 {
		group := c.PrefixGroup
		if group == "" {
			group = "client:" + c.ID
		}
		p := prefixes[group]
		for len(p) < c.PrefixTokens {
			p = append(p, rng.Int63n(vocabSize))
		}
		prefixes[group] = p
		return p[:c.PrefixTokens]
	}

	// Per-client shared multimodal content hash, when requested.
	sharedMM := make(map[string]string)

	var items []*Item
	remaining := 0
	for i := range spec.Clients {
		remaining += spec.Clients[i].NumRequests
	}
	emitted := make([]int, len(spec.Clients))
	for remaining > 0 {
		for i := range spec.Clients {
			c := &spec.Clients[i]
			if emitted[i] >= c.NumRequests {
				continue
			}
			emitted[i]++
			remaining--
			items = append(items, generateOne(c, prefixFor(c), rng, sharedMM))
		}
	}
	return items, nil
}

func generateOne(c *ClientSpec, prefix []int64, rng *rand.Rand, sharedMM map[string]string) *Item {
	tokens := append([]int64(nil), prefix...)
	var placeholders []kvcache.PlaceholderRange

	if m := c.Multimodal; m != nil {
		for s := 0; s < m.Segments; s++ {
			hash := sharedMM[c.ID]
			if hash == "" || !m.SharedContent {
				hash = randomUUID(rng).String()
				if m.SharedContent {
					sharedMM[c.ID] = hash
				}
			}
			placeholders = append(placeholders, kvcache.PlaceholderRange{
				Offset: int64(len(tokens)),
				Length: int64(m.SegmentTokens),
				Hash:   hash,
			})
			// Placeholder positions hold a reserved token id.
			for t := 0; t < m.SegmentTokens; t++ {
				tokens = append(tokens, 0)
			}
		}
	}
	for t := 0; t < c.SuffixTokens; t++ {
		tokens = append(tokens, rng.Int63n(vocabSize))
	}

	return &Item{
		Req: &kvcache.Request{
			ID:             fmt.Sprintf("%s-%s", c.ID, randomUUID(rng)),
			TokenIDs:       tokens,
			MMPlaceholders: placeholders,
			CacheSalt:      c.CacheSalt,
			SkipCaching:    c.SkipCaching,
		},
		DecodeTokens: c.DecodeTokens,
	}
}

// randomUUID draws uuid bytes from the seeded rng rather than crypto/rand
// so generation stays reproducible.
func randomUUID(rng *rand.Rand) uuid.UUID {
	var b [16]byte
	rng.Read(b[:])
	u, err := uuid.FromBytes(b[:])
	if err != nil {
		// 16 bytes always form a UUID.
		panic(err)
	}
	return u
}
