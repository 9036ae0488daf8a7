package core

// SequenceValidator validates source sequences per partition.
// Only feed-sourced operations carry a partition; API-sourced operations
// have no upstream ordering and bypass validation entirely.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateFeedSequence validates feed-sourced operations (gaps tolerated).
// The payments gateway replays on reconnect and may skip sequences for
// payments routed to other shards; stale sequences are reported so the
// caller can skip as duplicate.
func (sv *SequenceValidator) ValidateFeedSequence(
	partition string,
	sourceSequence int64,
) (stale bool) {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Already seen - idempotency layer handles the skip
		sv.metrics.RecordStale(partition)
		return true
	}

	if sourceSequence > expected {
		// Gap detected - log but accept
		sv.metrics.RecordGap(partition, expected, sourceSequence)
	}

	sv.expectedNextSeq[partition] = sourceSequence + 1
	return false
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of the partition state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// GetMetrics returns validation stats for monitoring
func (sv *SequenceValidator) GetMetrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceMetrics struct {
	gaps  map[string]int64 // partition -> gap count
	stale map[string]int64 // partition -> stale count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordStale(partition string) {
	m.stale[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetStale(partition string) int64 {
	return m.stale[partition]
}
