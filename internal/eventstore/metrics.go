package eventstore

// Timer measures one operation; call ObserveDuration when it completes.
type Timer interface {
	ObserveDuration()
}

// Metrics instruments the store. Implementations must be safe for
// concurrent use.
type Metrics interface {
	SaveDuration(aggType string) Timer
	LoadDuration(aggType string) Timer
	EventsAppended(aggType string, count int)
	ConcurrencyConflict(aggType string)
	IdempotentSkip(aggType string)
	SnapshotWritten(aggType string)
	PayloadOverflowed(aggType string)
	CommitChunks(aggType string, chunks int)
	CacheHit(aggType string)
	CacheMiss(aggType string)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopMetrics struct{}

func (nopMetrics) SaveDuration(string) Timer  { return nopTimer{} }
func (nopMetrics) LoadDuration(string) Timer  { return nopTimer{} }
func (nopMetrics) EventsAppended(string, int) {}
func (nopMetrics) ConcurrencyConflict(string) {}
func (nopMetrics) IdempotentSkip(string)      {}
func (nopMetrics) SnapshotWritten(string)     {}
func (nopMetrics) PayloadOverflowed(string)   {}
func (nopMetrics) CommitChunks(string, int)   {}
func (nopMetrics) CacheHit(string)            {}
func (nopMetrics) CacheMiss(string)           {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
