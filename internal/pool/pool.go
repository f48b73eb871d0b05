// Package pool runs the bounded worker pool: exactly partCount workers
// are spawned, at most threadCount of them live at once, gated by a
// small-integer thread-id reservation set polled once per second. One
// goroutine per part, joined on a sync.WaitGroup.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/daveallie/grapple/internal/grappleerr"
	"github.com/daveallie/grapple/internal/partialfile"
	"github.com/daveallie/grapple/internal/partition"
	"github.com/daveallie/grapple/internal/rangeclient"
)

// pollInterval is how often an arriving worker re-checks for a free
// thread id.
const pollInterval = time.Second

// Sink receives per-part lifecycle and byte-count events, the subset of
// the Progress Sink contract a worker drives directly.
type Sink interface {
	Setup(threadID, partID int, size int64)
	Update(threadID, partID int, bytesDoneInPart int64)
	AdjustTotals(partID int, bytesDoneInPart int64)
	Success(threadID int)
	Fail(threadID int)
}

// Job is one part to be downloaded by exactly one worker.
type Job struct {
	PartID          int
	Part            partition.Part
	URL             string
	Username        string
	Password        string
	ThreadBandwidth int
}

// idSet is the mutex-guarded thread-id reservation set: stable small
// integer ids in [1, threadCount], reused as workers retire.
type idSet struct {
	mu    sync.Mutex
	free  map[int]bool
	count int
}

func newIDSet(threadCount int) *idSet {
	free := make(map[int]bool, threadCount)
	for i := 1; i <= threadCount; i++ {
		free[i] = true
	}
	return &idSet{free: free, count: threadCount}
}

// reserve busy-waits, polling once per second, until a free id is
// available, then reserves and returns the smallest one.
func (s *idSet) reserve(ctx context.Context) (int, error) {
	for {
		s.mu.Lock()
		for id := 1; id <= s.count; id++ {
			if s.free[id] {
				delete(s.free, id)
				s.mu.Unlock()
				return id, nil
			}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *idSet) release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free[id] = true
}

// PartialFile is the subset of *partialfile.PartialFile a worker needs.
type PartialFile interface {
	FirstEmptyChunkOffset(part partition.Part) (int64, error)
	WritePart(body partialfile.Body, firstByte, prefilled int64, threadBandwidthKiBps int, report partialfile.BandwidthReport) (int64, error)
}

// RangeGetter is the subset of *rangeclient.RangeClient a worker needs.
type RangeGetter interface {
	GetRange(url, username, password string, first, last int64) (*rangeclient.Response, error)
}

// Pool runs part_count workers, at most thread_count concurrently.
type Pool struct {
	threadCount int
	ids         *idSet

	// HasFailed is set by any worker that fails its part. The driver
	// exits nonzero once set, even though other workers keep running.
	HasFailed atomic.Bool
}

// New returns a Pool admitting at most threadCount concurrent workers.
func New(threadCount int) *Pool {
	return &Pool{
		threadCount: threadCount,
		ids:         newIDSet(threadCount),
	}
}

// Run spawns one worker per job, blocking until every worker has
// completed or failed. It never returns an error itself: per-part
// failure is reported through sink and p.HasFailed so the rest of the
// parts are allowed to finish.
func (p *Pool) Run(ctx context.Context, jobs []Job, pf PartialFile, fetcher RangeGetter, sink Sink) {
	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.runWorker(ctx, job, pf, fetcher, sink); err != nil {
				p.HasFailed.Store(true)
			}
		}()
	}
	wg.Wait()
}

// runWorker reserves a thread id, resumes the part from its first
// incomplete chunk, fetches the rest, writes it at the offset the
// response's Content-Range actually reports (not necessarily the offset
// requested), and reports the outcome to sink.
func (p *Pool) runWorker(ctx context.Context, job Job, pf PartialFile, fetcher RangeGetter, sink Sink) error {
	threadID, err := p.ids.reserve(ctx)
	if err != nil {
		return err
	}
	defer p.ids.release(threadID)

	sink.Setup(threadID, job.PartID, job.Part.Length())

	start, err := pf.FirstEmptyChunkOffset(job.Part)
	if err != nil {
		sink.Fail(threadID)
		return fmt.Errorf("%w: %s", grappleerr.PartFailed, err)
	}

	if start > job.Part.Last {
		// The whole part was already complete on a prior run.
		sink.Update(threadID, job.PartID, job.Part.Length())
		sink.Success(threadID)
		return nil
	}

	prefilled := start - job.Part.First
	if prefilled > 0 {
		// A prior run already landed some chunks of this part; correct
		// the sink's base before any Update reports arrive.
		sink.AdjustTotals(job.PartID, prefilled)
	}

	resp, err := fetcher.GetRange(job.URL, job.Username, job.Password, start, job.Part.Last)
	if err != nil {
		sink.Fail(threadID)
		return err
	}
	defer resp.Body.Close()

	actualFirst, err := resp.FirstByte()
	if err != nil {
		sink.Fail(threadID)
		return err
	}

	written, err := pf.WritePart(resp.Body, actualFirst, prefilled, job.ThreadBandwidth, func(n int64) {
		sink.Update(threadID, job.PartID, n)
	})
	if err != nil {
		sink.Fail(threadID)
		return err
	}

	if written > 0 {
		sink.Success(threadID)
		return nil
	}
	sink.Fail(threadID)
	return fmt.Errorf("%w: zero bytes written for part %d", grappleerr.PartFailed, job.PartID)
}
