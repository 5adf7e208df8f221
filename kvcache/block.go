// Block descriptors and content fingerprints for the prefix cache.

package kvcache

import (
	"encoding/binary"
	"strings"
)

// Block represents one fixed-size slot of device KV memory.
// Blocks are created once by the pool and live for the pool's lifetime;
// only their state (refcount, fingerprint, free-list membership) changes.
type Block struct {
	ID       int                   // Stable slot id, assigned at pool construction
	RefCount int                   // Number of live requests referencing this block
	Hash     *BlockHashWithGroupID // Set only while the block is full and content-addressed
	IsNull   bool                  // Sentinel for "no KV needed at this position" (slot 0)

	// Free-list links. Non-nil iff the block is on the free queue.
	prevFree *Block
	nextFree *Block
}

// BlockHash fingerprints one full block of tokens. Equality is over the
// (value, token ids, extra keys) triple; two blocks covering the same token
// ids but differing in salt or multimodal content hash differently.
type BlockHash struct {
	Value     string   // Raw digest bytes (8 for the 64-bit variants, 32 for sha256)
	TokenIDs  []int64  // The block's tokens, kept for event reporting
	ExtraKeys []string // Salt and multimodal content hashes, in order of appearance
}

// BlockHashWithGroupID qualifies a BlockHash with its cache group so that
// groups keep disjoint fingerprint spaces.
type BlockHashWithGroupID struct {
	Hash    BlockHash
	GroupID int
}

// key packs the full (value, tokens, extras, group) identity into a
// comparable index key. Every field is length-delimited so distinct
// identities cannot collide.
func (h BlockHashWithGroupID) key() string {
	var sb strings.Builder
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(h.GroupID))
	sb.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(len(h.Hash.Value)))
	sb.Write(buf[:])
	sb.WriteString(h.Hash.Value)
	binary.LittleEndian.PutUint64(buf[:], uint64(len(h.Hash.TokenIDs)))
	sb.Write(buf[:])
	for _, t := range h.Hash.TokenIDs {
		binary.LittleEndian.PutUint64(buf[:], uint64(t))
		sb.Write(buf[:])
	}
	for _, e := range h.Hash.ExtraKeys {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(e)))
		sb.Write(buf[:])
		sb.WriteString(e)
	}
	return sb.String()
}

// KVCacheBlocks is the per-group view of a request's blocks returned by
// GetComputedBlocks and AllocateSlots: one ordered slice per cache group.
type KVCacheBlocks struct {
	Blocks [][]*Block
}

// BlockIDs flattens the per-group block lists to slot ids, mostly for
// assertions and diagnostics.
func (k KVCacheBlocks) BlockIDs() [][]int {
	ids := make([][]int, len(k.Blocks))
	for g, blocks := range k.Blocks {
		ids[g] = make([]int, len(blocks))
		for i, b := range blocks {
			ids[g][i] = b.ID
		}
	}
	return ids
}

func emptyKVCacheBlocks(numGroups int) KVCacheBlocks {
	return KVCacheBlocks{Blocks: make([][]*Block, numGroups)}
}
