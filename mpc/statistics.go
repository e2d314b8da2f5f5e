package mpc

// SchedulerStatistics accumulates the cost counters of one backend
// instance: gate counts split into free (XOR, NOT) and non-free (AND, OR,
// MUX, comparisons, lane reductions) plus wire traffic. The orchestrator
// sums one snapshot per shard; snapshots must be taken before the engine is
// discarded.
type SchedulerStatistics struct {
	NonFreeGates  uint64
	FreeGates     uint64
	SentBytes     uint64
	ReceivedBytes uint64
}

// Add accumulates other into s.
func (s *SchedulerStatistics) Add(other SchedulerStatistics) {
	s.NonFreeGates += other.NonFreeGates
	s.FreeGates += other.FreeGates
	s.SentBytes += other.SentBytes
	s.ReceivedBytes += other.ReceivedBytes
}
