// Per-group bookkeeping: which blocks back which request within one cache
// group, and the group-kind-specific prefix-hit rule.

package kvcache

import "github.com/sirupsen/logrus"

// singleTypeManager tracks one cache group's request→blocks mapping and
// allocates or frees within that group. Group-kind dispatch is a closed
// switch over AttentionKind.
type singleTypeManager struct {
	groupID int
	spec    KVCacheGroupSpec
	pool    *BlockPool

	reqToBlocks map[string][]*Block
	// numCachedBlocks counts how many leading blocks of each request are
	// already registered in the fingerprint index for this group.
	numCachedBlocks map[string]int

	// windowBlocks is the number of trailing blocks that must be
	// materialized for a sliding-window group; earlier positions may be the
	// null block. Zero for full attention.
	windowBlocks int
}

func newSingleTypeManager(groupID int, spec KVCacheGroupSpec, pool *BlockPool) *singleTypeManager {
	m := &singleTypeManager{
		groupID:         groupID,
		spec:            spec,
		pool:            pool,
		reqToBlocks:     make(map[string][]*Block),
		numCachedBlocks: make(map[string]int),
	}
	if spec.Kind == SlidingWindow {
		m.windowBlocks = int(cdiv(spec.WindowTokens-1, int64(spec.BlockSize)))
	}
	return m
}

// hitProfile captures, for one request's fingerprint sequence, everything
// needed to answer "what is the longest usable hit prefix not exceeding p"
// for any p. Computed in a single left-to-right pass over the pool index.
type hitProfile struct {
	kind         AttentionKind
	prefix       int   // full attention: contiguous cached blocks from 0
	runs         []int // sliding window: cached-run length ending at each block
	windowBlocks int
}

func (m *singleTypeManager) buildHitProfile(hashes []BlockHash, maxBlocks int) hitProfile {
	pr := hitProfile{kind: m.spec.Kind, windowBlocks: m.windowBlocks}
	switch m.spec.Kind {
	case FullAttention:
		for pr.prefix < maxBlocks && m.isCached(hashes[pr.prefix]) {
			pr.prefix++
		}
	case SlidingWindow:
		pr.runs = make([]int, maxBlocks)
		run := 0
		for i := 0; i < maxBlocks; i++ {
			if m.isCached(hashes[i]) {
				run++
			} else {
				run = 0
			}
			pr.runs[i] = run
		}
	}
	return pr
}

// longestFeasible returns the largest hit prefix p ≤ limit this group can
// serve. Full attention needs blocks 0..p−1 all cached. A sliding-window
// group only needs the trailing windowBlocks blocks cached; positions that
// have slid out of the window are served by the null block.
func (pr hitProfile) longestFeasible(limit int) int {
	switch pr.kind {
	case FullAttention:
		if limit < pr.prefix {
			return limit
		}
		return pr.prefix
	case SlidingWindow:
		for p := limit; p >= 1; p-- {
			need := pr.windowBlocks
			if p < need {
				need = p
			}
			if pr.runs[p-1] >= need {
				return p
			}
		}
		return 0
	}
	return 0
}

// hitBlocks materializes this group's block list for a hit of p blocks.
// Feasibility at p must already be established.
func (m *singleTypeManager) hitBlocks(hashes []BlockHash, p int) []*Block {
	blocks := make([]*Block, 0, p)
	for i := 0; i < p; i++ {
		if m.spec.Kind == SlidingWindow && i < p-m.windowBlocks {
			blocks = append(blocks, m.pool.nullBlock)
			continue
		}
		cached := m.pool.GetCachedBlock(hashes[i], []int{m.groupID})
		if cached == nil {
			logrus.Fatalf("group %d: block %d vanished while materializing a %d-block hit", m.groupID, i, p)
		}
		blocks = append(blocks, cached[0])
	}
	return blocks
}

func (m *singleTypeManager) isCached(h BlockHash) bool {
	return len(m.pool.cached[BlockHashWithGroupID{Hash: h, GroupID: m.groupID}.key()]) > 0
}

// getNumBlocksToAllocate returns how many free-queue slots this group
// consumes for the request to occupy numTokens tokens: the fresh blocks to
// draw, plus hit blocks that currently sit on the free queue (refcount
// zero) and leave it when adopted. Null blocks fill positions without
// consuming slots.
func (m *singleTypeManager) getNumBlocksToAllocate(reqID string, numTokens int64, newComputed []*Block) int {
	required := int(cdiv(numTokens, int64(m.spec.BlockSize)))
	need := required - len(m.reqToBlocks[reqID]) - len(newComputed)
	if need < 0 {
		need = 0
	}
	for _, b := range newComputed {
		if b.RefCount == 0 && !b.IsNull {
			need++
		}
	}
	return need
}

// saveNewComputedBlocks adopts the hit blocks into the request's block
// list. The hit prefix is already registered in the index, so caching for
// this request starts after it.
func (m *singleTypeManager) saveNewComputedBlocks(reqID string, newComputed []*Block) {
	if _, tracked := m.reqToBlocks[reqID]; !tracked {
		m.reqToBlocks[reqID] = append([]*Block(nil), newComputed...)
		m.numCachedBlocks[reqID] = len(newComputed)
		return
	}
	if len(newComputed) > 0 {
		logrus.Fatalf("group %d: request %s already tracked but hit blocks were supplied", m.groupID, reqID)
	}
}

// allocateNewBlocks draws the request's shortfall from the pool and appends
// it. The caller has already verified pool capacity.
func (m *singleTypeManager) allocateNewBlocks(reqID string, numTokens int64) []*Block {
	blocks := m.reqToBlocks[reqID]
	required := int(cdiv(numTokens, int64(m.spec.BlockSize)))
	if required <= len(blocks) {
		return nil
	}
	fresh := m.pool.GetNewBlocks(required - len(blocks))
	if fresh == nil {
		logrus.Fatalf("group %d: pool exhausted after capacity check (%d blocks)", m.groupID, required-len(blocks))
	}
	m.reqToBlocks[reqID] = append(blocks, fresh...)
	return fresh
}

// cacheBlocks registers the request's blocks that became full within the
// first numTokens tokens.
func (m *singleTypeManager) cacheBlocks(req *Request, hashes *[]BlockHash, numTokens int64, chain *hashChain) {
	numFull := int(numTokens / int64(m.spec.BlockSize))
	cachedSoFar := m.numCachedBlocks[req.ID]
	if numFull <= cachedSoFar {
		return
	}
	m.pool.CacheFullBlocks(req, m.reqToBlocks[req.ID], hashes, cachedSoFar, numFull,
		m.spec.BlockSize, chain, m.groupID)
	m.numCachedBlocks[req.ID] = numFull
}

// removeSkippedBlocks retires blocks that have slid out of the attention
// window: they are freed and replaced by the null block so positional
// indices stay aligned with the other groups. No-op for full attention.
func (m *singleTypeManager) removeSkippedBlocks(reqID string, numComputedTokens int64) {
	if m.spec.Kind != SlidingWindow {
		return
	}
	blocks := m.reqToBlocks[reqID]
	lastUsefulToken := numComputedTokens - m.spec.WindowTokens + 1
	if lastUsefulToken <= 0 {
		return
	}
	lastUsefulBlock := int(lastUsefulToken / int64(m.spec.BlockSize))
	if lastUsefulBlock > len(blocks) {
		lastUsefulBlock = len(blocks)
	}
	for i := lastUsefulBlock - 1; i >= 0; i-- {
		if blocks[i].IsNull {
			// Everything further left was retired earlier.
			break
		}
		m.pool.FreeBlocks(blocks[i : i+1])
		blocks[i] = m.pool.nullBlock
	}
}

// free releases all blocks of the request tail-first, so the blocks least
// likely to be reused are first in eviction order, and drops the request's
// records.
func (m *singleTypeManager) free(reqID string) {
	blocks := m.reqToBlocks[reqID]
	ordered := make([]*Block, len(blocks))
	for i, b := range blocks {
		ordered[len(blocks)-1-i] = b
	}
	m.pool.FreeBlocks(ordered)
	delete(m.reqToBlocks, reqID)
	delete(m.numCachedBlocks, reqID)
}

func cdiv(a, b int64) int64 {
	return (a + b - 1) / b
}
