// Configuration for the KV cache manager: pool sizing, cache group layout,
// and the manager-level feature switches.

package kvcache

import "fmt"

// AttentionKind is the closed set of cache group kinds. The combined-hit
// logic switches exhaustively over it.
type AttentionKind int

const (
	FullAttention AttentionKind = iota
	SlidingWindow
)

func (k AttentionKind) String() string {
	switch k {
	case FullAttention:
		return "full_attention"
	case SlidingWindow:
		return "sliding_window"
	default:
		return fmt.Sprintf("attention_kind(%d)", int(k))
	}
}

// KVCacheGroupSpec declares one cache group: a set of attention layers
// sharing block layout and kind.
type KVCacheGroupSpec struct {
	LayerNames   []string
	BlockSize    int
	Kind         AttentionKind
	WindowTokens int64 // sliding window size in tokens; only for SlidingWindow
}

// KVCacheConfig sizes the block pool and lays out the cache groups.
type KVCacheConfig struct {
	NumBlocks int // total slots, including the null block (slot 0)
	Groups    []KVCacheGroupSpec
}

// Validate checks pool sizing and group-spec consistency. All groups must
// share one block size: the hash chain fingerprints block-aligned token
// ranges, so block boundaries must coincide across groups.
func (c KVCacheConfig) Validate() error {
	if c.NumBlocks < 2 {
		return fmt.Errorf("num blocks must be at least 2 (null block + 1 usable), got %d", c.NumBlocks)
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one KV cache group is required")
	}
	blockSize := c.Groups[0].BlockSize
	for i, g := range c.Groups {
		if g.BlockSize <= 0 {
			return fmt.Errorf("group %d: block size must be positive, got %d", i, g.BlockSize)
		}
		if g.BlockSize != blockSize {
			return fmt.Errorf("group %d: block size %d differs from group 0's %d", i, g.BlockSize, blockSize)
		}
		switch g.Kind {
		case FullAttention:
			if g.WindowTokens != 0 {
				return fmt.Errorf("group %d: window tokens set on a full-attention group", i)
			}
		case SlidingWindow:
			if g.WindowTokens <= 0 {
				return fmt.Errorf("group %d: sliding window requires positive window tokens, got %d", i, g.WindowTokens)
			}
		default:
			return fmt.Errorf("group %d: unknown attention kind %v", i, g.Kind)
		}
	}
	return nil
}

// BlockSize returns the deployment-wide tokens-per-block constant.
func (c KVCacheConfig) BlockSize() int { return c.Groups[0].BlockSize }

// ManagerOptions groups the KVCacheManager feature switches.
type ManagerOptions struct {
	MaxModelLen   int64
	EnableCaching bool
	HashAlgo      HashAlgo // empty selects builtin64
	UseEagle      bool     // speculative decoding: recompute the last hit block
	LogStats      bool
	EnableEvents  bool
}
