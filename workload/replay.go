// Replays a generated request stream through a KVCacheManager, modelling a
// minimal admit → prefill → decode → free lifecycle per request.

package workload

import (
	"github.com/sirupsen/logrus"

	"github.com/kvblocks/kvblocks/kvcache"
)

// Result aggregates replay-level counters. Hit counters mirror the
// manager's stats but are tracked here so replay works with LogStats off.
type Result struct {
	Requests      int
	Preempted     int // requests dropped, or cut short in decode, because the pool ran dry
	QueriedTokens int64
	HitTokens     int64
	Events        int
	PeakUsage     float64
}

// HitRate returns the token-level hit fraction observed during replay.
func (r Result) HitRate() float64 {
	if r.QueriedTokens == 0 {
		return 0
	}
	return float64(r.HitTokens) / float64(r.QueriedTokens)
}

// Replay drives the items through the manager, keeping up to concurrency
// requests live at once. Items are prefilled in order; once the window is
// full, the oldest live request is decoded to completion and freed to make
// room. Returns aggregate counters.
func Replay(mgr *kvcache.KVCacheManager, items []*Item, concurrency int, drainEvents bool) Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	var res Result
	var live []*Item

	finishOldest := func() {
		it := live[0]
		live = live[1:]
		decode(mgr, it, &res)
		mgr.Free(it.Req)
	}

	for _, it := range items {
		res.Requests++
		req := it.Req

		computed, numComputed := mgr.GetComputedBlocks(req)
		res.QueriedTokens += req.NumTokens()
		res.HitTokens += numComputed

		numNew := req.NumTokens() - numComputed
		blocks := mgr.AllocateSlots(req, numNew, numComputed, computed, 0)
		for blocks == nil && len(live) > 0 {
			// Pool exhausted: retire the oldest live request and retry.
			finishOldest()
			computed, numComputed = mgr.GetComputedBlocks(req)
			numNew = req.NumTokens() - numComputed
			blocks = mgr.AllocateSlots(req, numNew, numComputed, computed, 0)
		}
		if blocks == nil {
			logrus.Warnf("replay: dropping request %s, pool too small for its prompt", req.ID)
			res.Preempted++
			mgr.Free(req)
			continue
		}
		req.NumComputedTokens = req.NumTokens()

		live = append(live, it)
		if len(live) > concurrency {
			finishOldest()
		}
		if u := mgr.Usage(); u > res.PeakUsage {
			res.PeakUsage = u
		}
		if drainEvents {
			res.Events += len(mgr.TakeEvents())
		}
	}
	for len(live) > 0 {
		finishOldest()
		if drainEvents {
			res.Events += len(mgr.TakeEvents())
		}
	}
	return res
}

// decode appends tokens one step at a time, the way the scheduler would
// during autoregressive generation. A request that cannot grow is counted
// as preempted and stops decoding; its blocks are freed by the caller.
func decode(mgr *kvcache.KVCacheManager, it *Item, res *Result) {
	req := it.Req
	for i := 0; i < it.DecodeTokens; i++ {
		req.NumComputedTokens = req.NumTokens()
		req.AppendOutputTokens(int64(i % vocabSize))
		if mgr.AllocateSlots(req, 1, 0, kvcache.KVCacheBlocks{}, 0) == nil {
			logrus.Debugf("replay: request %s preempted at decode step %d", req.ID, i)
			res.Preempted++
			return
		}
	}
}
