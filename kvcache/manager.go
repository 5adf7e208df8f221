// KVCacheManager is the public surface of the prefix cache: prefix-hit
// detection, slot allocation, freeing, reset, and the event stream. It is a
// single-writer object living inside the scheduler loop; methods must be
// called serially and complete in work proportional to the blocks touched.

package kvcache

import (
	"github.com/sirupsen/logrus"
)

type KVCacheManager struct {
	blockSize     int
	maxModelLen   int64
	enableCaching bool
	useEagle      bool

	pool        *BlockPool
	coordinator *cacheCoordinator
	chain       *hashChain
	stats       *PrefixCacheStats

	// reqToBlockHashes memoizes each request's fingerprint chain so
	// re-derivation is O(new tokens).
	reqToBlockHashes map[string][]BlockHash
}

func NewKVCacheManager(cfg KVCacheConfig, opts ManagerOptions) (*KVCacheManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	algo := opts.HashAlgo
	if algo == "" {
		algo = HashAlgoBuiltin64
	}
	chain, err := newHashChain(algo)
	if err != nil {
		return nil, err
	}
	m := &KVCacheManager{
		blockSize:        cfg.BlockSize(),
		maxModelLen:      opts.MaxModelLen,
		enableCaching:    opts.EnableCaching,
		useEagle:         opts.UseEagle,
		pool:             NewBlockPool(cfg.NumBlocks, opts.EnableCaching, opts.EnableEvents),
		chain:            chain,
		reqToBlockHashes: make(map[string][]BlockHash),
	}
	if m.maxModelLen <= 0 {
		m.maxModelLen = int64(cfg.NumBlocks) * int64(m.blockSize)
	}
	m.coordinator = newCacheCoordinator(cfg, m.pool)
	if opts.LogStats {
		m.stats = &PrefixCacheStats{}
	}
	return m, nil
}

// GetComputedBlocks returns, per cache group, the longest prefix of the
// request's blocks already held in the cache, plus the number of tokens
// those blocks cover. It never mutates refcounts: the hit blocks are
// adopted only by a subsequent AllocateSlots.
func (m *KVCacheManager) GetComputedBlocks(req *Request) (KVCacheBlocks, int64) {
	if !m.enableCaching || req.SkipCaching {
		// Prompt-logprob requests must recompute every token, so no hit is
		// reported and zero fingerprints are recorded for the request.
		m.reqToBlockHashes[req.ID] = nil
		return emptyKVCacheBlocks(m.coordinator.numGroups()), 0
	}

	hashes := m.reqToBlockHashes[req.ID]
	m.chain.extendRequestHashes(req, m.blockSize, &hashes)
	m.reqToBlockHashes[req.ID] = hashes

	// A full-prompt hit would leave nothing to run through the model, so
	// the last token is always recomputed.
	maxTokens := req.NumTokens() - 1
	if m.maxModelLen < maxTokens {
		maxTokens = m.maxModelLen
	}

	lists, numComputed := m.coordinator.findLongestCacheHit(hashes, maxTokens)

	if m.useEagle && numComputed > 0 {
		// The draft model verifies against the last block, which must be
		// recomputed. The hit is re-derived at the shorter length rather than
		// truncated: a sliding-window position that was outside the window at
		// the longer prefix can fall back inside it at the shorter one, where
		// the null block no longer suffices. Shrinking to zero blocks is a
		// plain miss.
		lists, numComputed = m.coordinator.findLongestCacheHit(hashes, numComputed-int64(m.blockSize))
	}

	if m.stats != nil {
		m.stats.Requests++
		m.stats.QueriedTokens += req.NumTokens()
		m.stats.HitTokens += numComputed
		m.stats.QueriedBlocks += int64(len(hashes))
		m.stats.HitBlocks += numComputed / int64(m.blockSize)
	}
	return KVCacheBlocks{Blocks: lists}, numComputed
}

// AllocateSlots reserves blocks so the request can hold numNewTokens more
// tokens (plus numLookaheadTokens speculative slots, which are never
// cached). newComputed carries the hit blocks returned by
// GetComputedBlocks, covering numNewComputedTokens tokens; pass the zero
// value when there was no hit or on decode steps.
//
// Returns the per-group newly drawn blocks, or nil when the pool cannot
// supply them — in which case nothing was mutated, in particular the hit
// blocks' refcounts.
func (m *KVCacheManager) AllocateSlots(req *Request, numNewTokens, numNewComputedTokens int64,
	newComputed KVCacheBlocks, numLookaheadTokens int64) *KVCacheBlocks {
	if numNewTokens <= 0 {
		logrus.Fatalf("allocate_slots: request %s: num new tokens must be positive, got %d", req.ID, numNewTokens)
	}
	newComputedLists := newComputed.Blocks
	if !m.enableCaching {
		for _, blocks := range newComputedLists {
			if len(blocks) > 0 {
				logrus.Fatalf("allocate_slots: computed blocks supplied while caching is disabled")
			}
		}
	}

	numComputedTokens := req.NumComputedTokens + numNewComputedTokens
	numTokensNeedSlot := numComputedTokens + numNewTokens + numLookaheadTokens
	if numTokensNeedSlot > m.maxModelLen {
		numTokensNeedSlot = m.maxModelLen
	}

	needNew := m.coordinator.getNumBlocksToAllocate(req.ID, numTokensNeedSlot, newComputedLists)
	if needNew > m.pool.NumFreeBlocks() {
		logrus.Debugf("allocate_slots: request %s needs %d blocks, only %d free",
			req.ID, needNew, m.pool.NumFreeBlocks())
		return nil
	}

	// Past the failure point; mutation starts here. Blocks that slid out of
	// a group's attention window are retired first.
	m.coordinator.removeSkippedBlocks(req.ID, req.NumComputedTokens)

	if m.enableCaching {
		m.coordinator.touchBlocks(newComputedLists)
	}
	m.coordinator.saveNewComputedBlocks(req.ID, newComputedLists)
	newBlocks := m.coordinator.allocateNewBlocks(req.ID, numTokensNeedSlot)

	if m.enableCaching {
		// Lookahead slots hold speculative tokens, so caching stops at the
		// accepted token count.
		numTokensToCache := numComputedTokens + numNewTokens
		if numTokensToCache > req.NumTokens() {
			numTokensToCache = req.NumTokens()
		}
		hashes := m.reqToBlockHashes[req.ID]
		m.coordinator.cacheBlocks(req, &hashes, numTokensToCache, m.chain)
		m.reqToBlockHashes[req.ID] = hashes
	}
	return &KVCacheBlocks{Blocks: newBlocks}
}

// Free releases every block the request holds across all groups (tail
// blocks first) and discards the request's records.
func (m *KVCacheManager) Free(req *Request) {
	m.coordinator.free(req.ID)
	delete(m.reqToBlockHashes, req.ID)
}

// ResetPrefixCache drops all cached content. Fails (returning false,
// mutating nothing) while any request still holds blocks.
func (m *KVCacheManager) ResetPrefixCache() bool {
	if !m.pool.ResetPrefixCache() {
		return false
	}
	if m.stats != nil {
		m.stats.Resets++
	}
	return true
}

// TakeEvents drains the accumulated cache events in order. Always empty
// when the manager was built without EnableEvents.
func (m *KVCacheManager) TakeEvents() []Event {
	return m.pool.TakeEvents()
}

// PrefixCacheStats returns the live counters, or nil when LogStats is off.
func (m *KVCacheManager) PrefixCacheStats() *PrefixCacheStats { return m.stats }

// Usage reports the referenced fraction of the pool.
func (m *KVCacheManager) Usage() float64 { return m.pool.Usage() }

// Pool exposes the block pool for diagnostics and tests.
func (m *KVCacheManager) Pool() *BlockPool { return m.pool }

// BlockSize returns the deployment-wide tokens-per-block constant.
func (m *KVCacheManager) BlockSize() int { return m.blockSize }
