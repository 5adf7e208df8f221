package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T) *hashChain {
	t.Helper()
	chain, err := newHashChain(HashAlgoBuiltin64)
	require.NoError(t, err)
	return chain
}

func TestBlockPool_Construction_NullBlockPinned(t *testing.T) {
	pool := NewBlockPool(5, true, false)

	require.Len(t, pool.Blocks(), 5)
	null := pool.NullBlock()
	assert.Equal(t, 0, null.ID)
	assert.True(t, null.IsNull)
	assert.Equal(t, 1, null.RefCount)

	// All non-null blocks start free, in slot-id order.
	assert.Equal(t, 4, pool.NumFreeBlocks())
	assert.Equal(t, []int{1, 2, 3, 4}, queueIDs(pool.FreeQueue()))
}

func TestBlockPool_CacheFullBlocks_RegistersAndExtendsHashChain(t *testing.T) {
	pool := NewBlockPool(6, true, false)
	chain := newTestChain(t)

	// GIVEN a request with 3.5 blocks of tokens and 4 allocated blocks
	req := &Request{ID: "0", TokenIDs: seqTokens(14)}
	blocks := pool.GetNewBlocks(4)
	require.Len(t, blocks, 4)

	// WHEN the first 2 full blocks are cached with no precomputed hashes
	var hashes []BlockHash
	pool.CacheFullBlocks(req, blocks, &hashes, 0, 2, 4, chain, 0)

	// THEN both blocks carry fingerprints and the chain was derived
	assert.Len(t, pool.cached, 2)
	assert.Len(t, hashes, 2)
	assert.NotNil(t, blocks[0].Hash)
	assert.NotNil(t, blocks[1].Hash)
	assert.Nil(t, blocks[2].Hash)

	// WHEN the third block fills later
	pool.CacheFullBlocks(req, blocks, &hashes, 2, 3, 4, chain, 0)

	// THEN it is registered without disturbing earlier entries
	assert.Len(t, pool.cached, 3)
	assert.Len(t, hashes, 3)
	assert.NotNil(t, blocks[2].Hash)
}

func TestBlockPool_GetCachedBlock_MultiGroup(t *testing.T) {
	pool := NewBlockPool(11, true, false)
	chain := newTestChain(t)
	req := &Request{ID: "0", TokenIDs: seqTokens(14)}

	// Group 0 caches 2 blocks, group 1 caches 3, over the same tokens.
	var hashes []BlockHash
	blocks0 := pool.GetNewBlocks(2)
	pool.CacheFullBlocks(req, blocks0, &hashes, 0, 2, 4, chain, 0)
	blocks1 := pool.GetNewBlocks(3)
	pool.CacheFullBlocks(req, blocks1, &hashes, 0, 3, 4, chain, 1)

	assert.Len(t, pool.cached, 5)
	assert.Len(t, hashes, 3)

	// Hash 0 and 1 hit in both groups; hash 2 only in group 1.
	assert.NotNil(t, pool.GetCachedBlock(hashes[0], []int{0}))
	assert.NotNil(t, pool.GetCachedBlock(hashes[1], []int{0}))
	assert.Nil(t, pool.GetCachedBlock(hashes[2], []int{0}))
	assert.NotNil(t, pool.GetCachedBlock(hashes[2], []int{1}))
	assert.NotNil(t, pool.GetCachedBlock(hashes[0], []int{0, 1}))
	assert.Nil(t, pool.GetCachedBlock(hashes[2], []int{0, 1}))

	// The joint lookup returns one block per group, each from its own slot.
	got := pool.GetCachedBlock(hashes[1], []int{0, 1})
	require.Len(t, got, 2)
	assert.Equal(t, blocks0[1].ID, got[0].ID)
	assert.Equal(t, blocks1[1].ID, got[1].ID)
}

func TestBlockPool_GetCachedBlock_LowestSlotWins(t *testing.T) {
	pool := NewBlockPool(6, true, false)
	chain := newTestChain(t)

	// Two requests with identical content cached into different slots
	// (the second recomputes, as a skip-caching request would).
	reqA := &Request{ID: "a", TokenIDs: seqTokens(4)}
	reqB := &Request{ID: "b", TokenIDs: seqTokens(4)}
	blocksA := pool.GetNewBlocks(1)
	blocksB := pool.GetNewBlocks(1)
	var hashesA, hashesB []BlockHash
	pool.CacheFullBlocks(reqA, blocksA, &hashesA, 0, 1, 4, chain, 0)
	pool.CacheFullBlocks(reqB, blocksB, &hashesB, 0, 1, 4, chain, 0)

	require.Equal(t, hashesA[0].Value, hashesB[0].Value)
	got := pool.GetCachedBlock(hashesA[0], []int{0})
	require.Len(t, got, 1)
	assert.Equal(t, blocksA[0].ID, got[0].ID, "lookup must return the lowest slot id")
}

func TestBlockPool_MaybeEvict_DuplicateFingerprints(t *testing.T) {
	pool := NewBlockPool(5, true, true)
	h0 := BlockHashWithGroupID{Hash: BlockHash{Value: "h0", TokenIDs: []int64{100}}, GroupID: 0}
	h1 := BlockHashWithGroupID{Hash: BlockHash{Value: "h1", TokenIDs: []int64{200}}, GroupID: 0}

	// Blocks 1 and 4 share fingerprint h0; block 2 holds h1.
	assign := func(id int, h BlockHashWithGroupID) {
		b := pool.blocks[id]
		b.Hash = &h
		if pool.cached[h.key()] == nil {
			pool.cached[h.key()] = make(map[int]*Block)
		}
		pool.cached[h.key()][id] = b
	}
	assign(1, h0)
	assign(2, h1)
	assign(4, h0)

	// Evicting one h0 holder keeps the fingerprint alive: no event.
	pool.maybeEvictCachedBlock(pool.blocks[1])
	assert.Len(t, pool.cached[h0.key()], 1)
	assert.Empty(t, pool.TakeEvents())

	// Evicting the sole h1 holder removes the entry and emits BlockRemoved.
	pool.maybeEvictCachedBlock(pool.blocks[2])
	assert.NotContains(t, pool.cached, h1.key())
	events := pool.TakeEvents()
	require.Len(t, events, 1)
	removed, ok := events[0].(BlockRemoved)
	require.True(t, ok)
	assert.Equal(t, "h1", removed.BlockHashes[0].Value)

	// Evicting the last h0 holder finally drops h0.
	pool.maybeEvictCachedBlock(pool.blocks[4])
	assert.Empty(t, pool.cached)
	require.Len(t, pool.TakeEvents(), 1)
}

func TestBlockPool_GetNewBlocks_AllOrNothing(t *testing.T) {
	pool := NewBlockPool(4, true, false)

	// WHEN more blocks are requested than are free
	got := pool.GetNewBlocks(4)

	// THEN nothing is returned and nothing changed
	assert.Nil(t, got)
	assert.Equal(t, 3, pool.NumFreeBlocks())
	assert.Equal(t, []int{1, 2, 3}, queueIDs(pool.FreeQueue()))
}

func TestBlockPool_GetNewBlocks_EvictsCachedContent(t *testing.T) {
	pool := NewBlockPool(3, true, false)
	chain := newTestChain(t)

	// Cache one block, free it, then draw both slots.
	req := &Request{ID: "0", TokenIDs: seqTokens(4)}
	blocks := pool.GetNewBlocks(1)
	var hashes []BlockHash
	pool.CacheFullBlocks(req, blocks, &hashes, 0, 1, 4, chain, 0)
	pool.FreeBlocks(blocks)

	drawn := pool.GetNewBlocks(2)
	require.Len(t, drawn, 2)
	for _, b := range drawn {
		assert.Nil(t, b.Hash, "reused block must not keep a stale fingerprint")
		assert.Equal(t, 1, b.RefCount)
	}
	assert.Empty(t, pool.cached)
}

func TestBlockPool_TouchAndFree_RoundTrip(t *testing.T) {
	pool := NewBlockPool(4, true, false)
	b := pool.blocks[2]

	// Touch removes a free block from the queue and bumps its refcount.
	pool.Touch([]*Block{b})
	assert.Equal(t, 1, b.RefCount)
	assert.Equal(t, []int{1, 3}, queueIDs(pool.FreeQueue()))

	// A second touch only bumps the refcount.
	pool.Touch([]*Block{b})
	assert.Equal(t, 2, b.RefCount)

	// The null block is exempt from touching.
	pool.Touch([]*Block{pool.NullBlock()})
	assert.Equal(t, 1, pool.NullBlock().RefCount)

	// Freeing twice returns it to the back of the queue once.
	pool.FreeBlocks([]*Block{b})
	assert.Equal(t, []int{1, 3}, queueIDs(pool.FreeQueue()))
	pool.FreeBlocks([]*Block{b})
	assert.Equal(t, []int{1, 3, 2}, queueIDs(pool.FreeQueue()))
}

func TestBlockPool_ResetPrefixCache_RequiresAllFree(t *testing.T) {
	pool := NewBlockPool(4, true, true)
	chain := newTestChain(t)
	req := &Request{ID: "0", TokenIDs: seqTokens(8)}
	blocks := pool.GetNewBlocks(2)
	var hashes []BlockHash
	pool.CacheFullBlocks(req, blocks, &hashes, 0, 2, 4, chain, 0)
	pool.TakeEvents()

	// Referenced blocks block the reset, and nothing changes.
	assert.False(t, pool.ResetPrefixCache())
	assert.NotEmpty(t, pool.cached)
	assert.Empty(t, pool.TakeEvents())

	// Once everything is free the reset clears fingerprints and restores
	// slot-id order.
	pool.FreeBlocks([]*Block{blocks[1], blocks[0]})
	require.True(t, pool.ResetPrefixCache())
	assert.Empty(t, pool.cached)
	for _, b := range pool.Blocks() {
		assert.Nil(t, b.Hash)
	}
	assert.Equal(t, []int{1, 2, 3}, queueIDs(pool.FreeQueue()))

	events := pool.TakeEvents()
	require.Len(t, events, 1)
	assert.IsType(t, AllBlocksCleared{}, events[0])
}

// seqTokens returns n sequential token ids starting at 0.
func seqTokens(n int) []int64 {
	tokens := make([]int64, n)
	for i := range tokens {
		tokens[i] = int64(i)
	}
	return tokens
}
