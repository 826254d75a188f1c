package store

// CompactionPolicy decides when an opportunistic compaction pass is worth
// the blocking time it costs.
type CompactionPolicy struct {
	// HighWater is the fraction of capacity above which compaction is
	// attempted (0.8 = compact at 80% full).
	HighWater float64

	// Emergency is the maximum unsynced fraction of the log for which
	// compaction still runs. Above it, most of the log has never been
	// uploaded and compaction would reclaim little.
	Emergency float64
}

func DefaultCompactionPolicy() CompactionPolicy {
	return CompactionPolicy{HighWater: 0.8, Emergency: 0.5}
}

// ShouldCompact reports whether an opportunistic pass should run.
func (p CompactionPolicy) ShouldCompact(s LogStats) bool {
	if s.Capacity <= 0 || s.Count == 0 {
		return false
	}
	if s.Usage() < p.HighWater {
		return false
	}
	unsyncedFrac := float64(s.Unsynced) / float64(s.Count)
	return unsyncedFrac < p.Emergency
}
