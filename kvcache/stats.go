package kvcache

// PrefixCacheStats accumulates hit-rate counters. Present only when the
// manager is constructed with LogStats; nil otherwise.
type PrefixCacheStats struct {
	Requests      int64 // prefix-cache lookups
	QueriedTokens int64 // tokens covered by lookups
	HitTokens     int64 // tokens served from cache
	QueriedBlocks int64 // full blocks covered by lookups
	HitBlocks     int64 // blocks served from cache
	Resets        int64 // successful reset_prefix_cache calls
}

// HitRate returns the token-level hit fraction, or 0 before any query.
func (s *PrefixCacheStats) HitRate() float64 {
	if s.QueriedTokens == 0 {
		return 0
	}
	return float64(s.HitTokens) / float64(s.QueriedTokens)
}
