// Package progress declares the Progress Sink contract a driver reports
// per-part lifecycle and byte counts through, and ships a default
// terminal renderer with a three-state (pending/starting/active)
// per-part bar lifecycle.
package progress

// Sink receives per-part lifecycle and byte-count events. All operations
// must tolerate duplicate calls idempotently; global progress is the sum
// of per-part progress.
type Sink interface {
	// StartAll is called once, before any worker starts, with the
	// destination file name, the thread count, and the length of each
	// part in download order.
	StartAll(fileName string, threadCount int, partLengths []int64)

	// Setup marks part_id as "starting": a thread id has been reserved
	// and the worker is about to probe for its first incomplete chunk.
	Setup(threadID, partID int, size int64)

	// Update reports bytesDoneInPart as the new cumulative total for
	// partID, including any bytes that were already on disk from a
	// prior run.
	Update(threadID, partID int, bytesDoneInPart int64)

	// AdjustTotals sets partID's progress to bytesDoneInPart, used when a
	// resumed part's prefilled byte count is learned before any Update.
	AdjustTotals(partID int, bytesDoneInPart int64)

	// Success marks threadID's part complete.
	Success(threadID int)

	// Fail marks threadID's part failed.
	Fail(threadID int)
}

// Noop is a Sink that discards every event, useful for tests and for
// non-interactive runs.
type Noop struct{}

func (Noop) StartAll(string, int, []int64)   {}
func (Noop) Setup(int, int, int64)           {}
func (Noop) Update(int, int, int64)          {}
func (Noop) AdjustTotals(int, int64)         {}
func (Noop) Success(int)                     {}
func (Noop) Fail(int)                        {}
