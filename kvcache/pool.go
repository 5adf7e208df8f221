// BlockPool owns every block slot, the LRU free queue, and the
// content-addressed index from fingerprint to slots. It decides which slot
// backs which token range; it never touches device memory contents.

package kvcache

import (
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// BlockPool is a single-writer object: all mutation happens from the
// scheduler thread through the manager, so no locking is needed.
type BlockPool struct {
	blocks    []*Block
	nullBlock *Block
	freeQueue *FreeBlockQueue

	// cached maps a group-qualified fingerprint to the slots holding it.
	// Several slots may share one fingerprint: requests that skip caching
	// recompute identical content into fresh slots.
	cached map[string]map[int]*Block

	enableCaching bool
	enableEvents  bool
	events        deque.Deque[Event]
}

// NewBlockPool creates numBlocks slots. Slot 0 becomes the null block: its
// refcount is pinned at 1, it never joins the free queue, and it is never
// indexed. All remaining slots start on the free queue in slot-id order.
func NewBlockPool(numBlocks int, enableCaching, enableEvents bool) *BlockPool {
	p := &BlockPool{
		blocks:        make([]*Block, numBlocks),
		cached:        make(map[string]map[int]*Block),
		enableCaching: enableCaching,
		enableEvents:  enableEvents,
	}
	for i := range p.blocks {
		p.blocks[i] = &Block{ID: i}
	}
	p.nullBlock = p.blocks[0]
	p.nullBlock.IsNull = true
	p.nullBlock.RefCount = 1
	p.freeQueue = NewFreeBlockQueue(p.blocks[1:])
	return p
}

// Blocks exposes the slot array, indexed by slot id.
func (p *BlockPool) Blocks() []*Block { return p.blocks }

// NullBlock returns the shared sentinel slot.
func (p *BlockPool) NullBlock() *Block { return p.nullBlock }

// FreeQueue exposes the free list for diagnostics and eviction-order tests.
func (p *BlockPool) FreeQueue() *FreeBlockQueue { return p.freeQueue }

// NumFreeBlocks returns the number of blocks available for allocation.
func (p *BlockPool) NumFreeBlocks() int { return p.freeQueue.NumFree() }

// Usage returns the fraction of non-null blocks currently referenced.
func (p *BlockPool) Usage() float64 {
	usable := len(p.blocks) - 1
	if usable == 0 {
		return 0
	}
	return 1 - float64(p.freeQueue.NumFree())/float64(usable)
}

// GetCachedBlock returns, for each requested group, a slot holding the
// fingerprint in that group, or nil when any group lacks it. Each group's
// slot is the lowest slot id registered there, keeping lookups
// deterministic within one cache generation.
func (p *BlockPool) GetCachedBlock(hash BlockHash, groupIDs []int) []*Block {
	blocks := make([]*Block, 0, len(groupIDs))
	for _, gid := range groupIDs {
		slots := p.cached[BlockHashWithGroupID{Hash: hash, GroupID: gid}.key()]
		if len(slots) == 0 {
			return nil
		}
		var best *Block
		for _, b := range slots {
			if best == nil || b.ID < best.ID {
				best = b
			}
		}
		blocks = append(blocks, best)
	}
	return blocks
}

// CacheFullBlocks registers the blocks of one group that became full in
// this step: indices [numCachedBlocks, numFullBlocks) of the request's
// block list. Missing fingerprints are derived by extending the request's
// hash chain. Emits a single BlockStored event for the batch.
func (p *BlockPool) CacheFullBlocks(req *Request, blocks []*Block, hashes *[]BlockHash,
	numCachedBlocks, numFullBlocks, blockSize int, chain *hashChain, groupID int) {
	if !p.enableCaching || numCachedBlocks >= numFullBlocks {
		return
	}
	parent := chain.noneHash
	if numCachedBlocks > 0 {
		parent = (*hashes)[numCachedBlocks-1].Value
	}
	newHashes := make([]BlockHash, 0, numFullBlocks-numCachedBlocks)
	for idx := numCachedBlocks; idx < numFullBlocks; idx++ {
		var h BlockHash
		if idx < len(*hashes) {
			h = (*hashes)[idx]
		} else {
			if int64(idx+1)*int64(blockSize) > req.NumTokens() {
				logrus.Fatalf("block pool: caching partial block %d of request %s", idx, req.ID)
			}
			h = chain.hashRequestBlock(req, blockSize, idx, parent)
			*hashes = append(*hashes, h)
		}
		parent = h.Value
		newHashes = append(newHashes, h)

		blk := blocks[idx]
		if blk.IsNull {
			logrus.Fatalf("block pool: attempt to index the null block for request %s", req.ID)
		}
		withGroup := BlockHashWithGroupID{Hash: h, GroupID: groupID}
		if blk.Hash != nil {
			if blk.Hash.key() == withGroup.key() {
				continue
			}
			logrus.Fatalf("block pool: block %d already carries a different fingerprint", blk.ID)
		}
		blk.Hash = &withGroup
		key := withGroup.key()
		if p.cached[key] == nil {
			p.cached[key] = make(map[int]*Block)
		}
		p.cached[key][blk.ID] = blk
	}
	if p.enableEvents {
		p.emit(BlockStored{
			BlockHashes: newHashes,
			TokenIDs:    append([]int64(nil), req.TokenIDs[numCachedBlocks*blockSize:numFullBlocks*blockSize]...),
			BlockSize:   blockSize,
			LoRAID:      req.LoRAID,
		})
	}
}

// GetNewBlocks draws n fresh slots from the front of the free queue,
// evicting any cached-but-unreferenced content they still hold. Returns nil
// without mutating state when fewer than n slots are free; allocation is
// all-or-nothing.
func (p *BlockPool) GetNewBlocks(n int) []*Block {
	if n > p.freeQueue.NumFree() {
		return nil
	}
	drawn := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		b := p.freeQueue.PopFront()
		if b.RefCount != 0 {
			logrus.Fatalf("block pool: free block %d has refcount %d", b.ID, b.RefCount)
		}
		p.maybeEvictCachedBlock(b)
		b.RefCount = 1
		drawn = append(drawn, b)
	}
	return drawn
}

// maybeEvictCachedBlock clears a block's fingerprint and drops it from the
// index. A BlockRemoved event is emitted only when no other slot still
// represents the fingerprint.
func (p *BlockPool) maybeEvictCachedBlock(b *Block) {
	if b.Hash == nil {
		return
	}
	key := b.Hash.key()
	slots := p.cached[key]
	delete(slots, b.ID)
	if len(slots) == 0 {
		delete(p.cached, key)
		p.emit(BlockRemoved{BlockHashes: []BlockHash{b.Hash.Hash}})
	}
	b.Hash = nil
}

// Touch transitions cached blocks back to referenced for a new request:
// blocks with refcount zero leave the free queue, then every refcount is
// bumped. The null block is exempt.
func (p *BlockPool) Touch(blocks []*Block) {
	for _, b := range blocks {
		if b.IsNull {
			continue
		}
		if b.RefCount == 0 {
			p.freeQueue.Remove(b)
		}
		b.RefCount++
	}
}

// FreeBlocks releases one request's blocks in the given order; blocks whose
// refcount reaches zero rejoin the free queue at the back. Callers pass the
// blocks tail-first so the least reusable blocks are evicted first.
func (p *BlockPool) FreeBlocks(ordered []*Block) {
	for _, b := range ordered {
		if b.IsNull {
			continue
		}
		if b.RefCount <= 0 {
			logrus.Fatalf("block pool: refcount underflow on block %d", b.ID)
		}
		b.RefCount--
		if b.RefCount == 0 {
			p.freeQueue.PushBack(b)
		}
	}
}

// ResetPrefixCache drops every cached fingerprint. It succeeds only when no
// request holds any block; on failure nothing changes. On success the free
// queue is rebuilt in slot-id order and a single AllBlocksCleared event is
// emitted.
func (p *BlockPool) ResetPrefixCache() bool {
	if p.freeQueue.NumFree() < len(p.blocks)-1 {
		logrus.Debugf("reset_prefix_cache rejected: %d blocks still referenced",
			len(p.blocks)-1-p.freeQueue.NumFree())
		return false
	}
	for _, b := range p.blocks {
		b.Hash = nil
	}
	p.cached = make(map[string]map[int]*Block)
	p.freeQueue = NewFreeBlockQueue(p.blocks[1:])
	p.emit(AllBlocksCleared{})
	return true
}

// TakeEvents returns and clears the accumulated events in insertion order.
func (p *BlockPool) TakeEvents() []Event {
	if p.events.Len() == 0 {
		return nil
	}
	out := make([]Event, 0, p.events.Len())
	for p.events.Len() > 0 {
		out = append(out, p.events.PopFront())
	}
	return out
}

func (p *BlockPool) emit(e Event) {
	if !p.enableEvents {
		return
	}
	p.events.PushBack(e)
}
