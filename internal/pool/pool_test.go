package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/daveallie/grapple/internal/partialfile"
	"github.com/daveallie/grapple/internal/partition"
	"github.com/daveallie/grapple/internal/rangeclient"
)

type fakePartialFile struct {
	mu       sync.Mutex
	complete map[int]bool
	firstErr error
	writeErr error

	// resumeFrom, if non-nil, is returned as the first incomplete chunk
	// offset instead of part.First, simulating a part that is partially
	// filled from a prior run.
	resumeFrom *int64
}

func (f *fakePartialFile) FirstEmptyChunkOffset(part partition.Part) (int64, error) {
	if f.firstErr != nil {
		return 0, f.firstErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.complete[int(part.First)] {
		return part.Last + 1, nil
	}
	if f.resumeFrom != nil {
		return *f.resumeFrom, nil
	}
	return part.First, nil
}

func (f *fakePartialFile) WritePart(body partialfile.Body, firstByte, prefilled int64, threadBW int, report partialfile.BandwidthReport) (int64, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return 0, err
	}
	if report != nil {
		report(n + prefilled)
	}
	f.mu.Lock()
	f.complete[int(firstByte)] = true
	f.mu.Unlock()
	return n + prefilled, nil
}

type fakeFetcher struct {
	payload []byte
	failAll bool

	// respondFirst, if non-nil, is reported back as the Content-Range
	// start instead of the requested first, simulating a server that
	// serves a different offset than the one asked for.
	respondFirst *int64
}

func (f *fakeFetcher) GetRange(url, username, password string, first, last int64) (*rangeclient.Response, error) {
	if f.failAll {
		return nil, io.ErrUnexpectedEOF
	}

	reportedFirst := first
	if f.respondFirst != nil {
		reportedFirst = *f.respondFirst
	}

	header := make(http.Header)
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", reportedFirst, last))

	return &rangeclient.Response{Response: &http.Response{
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(f.payload)),
	}}, nil
}

type recordingSink struct {
	mu            sync.Mutex
	successes     []int
	fails         []int
	adjustedTotal map[int]int64
}

func (s *recordingSink) Setup(threadID, partID int, size int64)             {}
func (s *recordingSink) Update(threadID, partID int, bytesDoneInPart int64) {}
func (s *recordingSink) AdjustTotals(partID int, bytesDoneInPart int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adjustedTotal == nil {
		s.adjustedTotal = make(map[int]int64)
	}
	s.adjustedTotal[partID] = bytesDoneInPart
}
func (s *recordingSink) Success(threadID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = append(s.successes, threadID)
}
func (s *recordingSink) Fail(threadID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, threadID)
}

func Test_PoolRunsAllPartsAndReusesThreadIDs(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given more parts than threads, every worker reports success and no goroutine leaks", t, func() {
		pf := &fakePartialFile{complete: make(map[int]bool)}
		fetcher := &fakeFetcher{payload: bytes.Repeat([]byte{1}, int(partition.ChunkSize))}
		sink := &recordingSink{}
		p := New(2)

		jobs := make([]Job, 0, 6)
		for i := 0; i < 6; i++ {
			jobs = append(jobs, Job{
				PartID: i,
				Part:   partition.Part{First: int64(i) * partition.ChunkSize, Last: int64(i+1)*partition.ChunkSize - 1},
				URL:    "http://example.invalid/file",
			})
		}

		p.Run(context.Background(), jobs, pf, fetcher, sink)

		So(len(sink.successes), ShouldEqual, 6)
		So(len(sink.fails), ShouldEqual, 0)
		So(p.HasFailed.Load(), ShouldBeFalse)

		for _, id := range sink.successes {
			So(id, ShouldBeBetweenOrEqual, 1, 2)
		}
	})
}

func Test_PoolSkipsAlreadyCompletePart(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a part whose bitmap is already full, the worker succeeds without fetching", t, func() {
		pf := &fakePartialFile{complete: map[int]bool{0: true}}
		fetcher := &fakeFetcher{failAll: true}
		sink := &recordingSink{}
		p := New(1)

		jobs := []Job{{PartID: 0, Part: partition.Part{First: 0, Last: partition.ChunkSize - 1}, URL: "http://example.invalid/file"}}
		p.Run(context.Background(), jobs, pf, fetcher, sink)

		So(sink.successes, ShouldResemble, []int{1})
		So(p.HasFailed.Load(), ShouldBeFalse)
	})
}

func Test_PoolWritesAtTheOffsetTheResponseReports(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a response whose Content-Range start differs from the requested offset, WritePart is called at the reported offset", t, func() {
		pf := &fakePartialFile{complete: make(map[int]bool)}
		reportedFirst := partition.ChunkSize + 4096
		fetcher := &fakeFetcher{
			payload:      bytes.Repeat([]byte{2}, int(partition.ChunkSize)),
			respondFirst: &reportedFirst,
		}
		sink := &recordingSink{}
		p := New(1)

		jobs := []Job{{PartID: 0, Part: partition.Part{First: 0, Last: 2*partition.ChunkSize - 1}, URL: "http://example.invalid/file"}}
		p.Run(context.Background(), jobs, pf, fetcher, sink)

		So(sink.successes, ShouldResemble, []int{1})
		So(p.HasFailed.Load(), ShouldBeFalse)
		So(pf.complete[int(reportedFirst)], ShouldBeTrue)
		So(pf.complete[0], ShouldBeFalse)
	})
}

func Test_PoolReportsAdjustTotalsWhenResumingPartiallyFilledPart(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a part that's already partly on disk from a prior run, the sink's total is corrected by the prefilled amount", t, func() {
		resumeFrom := partition.ChunkSize
		pf := &fakePartialFile{complete: make(map[int]bool), resumeFrom: &resumeFrom}
		fetcher := &fakeFetcher{payload: bytes.Repeat([]byte{3}, int(partition.ChunkSize))}
		sink := &recordingSink{}
		p := New(1)

		jobs := []Job{{PartID: 0, Part: partition.Part{First: 0, Last: 2*partition.ChunkSize - 1}, URL: "http://example.invalid/file"}}
		p.Run(context.Background(), jobs, pf, fetcher, sink)

		So(sink.successes, ShouldResemble, []int{1})
		So(sink.adjustedTotal[0], ShouldEqual, partition.ChunkSize)
	})
}

func Test_PoolSetsHasFailedOnTransportError(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given every GetRange call errors, the pool marks HasFailed and reports Fail", t, func() {
		pf := &fakePartialFile{complete: make(map[int]bool)}
		fetcher := &fakeFetcher{failAll: true}
		sink := &recordingSink{}
		p := New(1)

		jobs := []Job{{PartID: 0, Part: partition.Part{First: 0, Last: partition.ChunkSize - 1}, URL: "http://example.invalid/file"}}
		p.Run(context.Background(), jobs, pf, fetcher, sink)

		So(sink.fails, ShouldResemble, []int{1})
		So(p.HasFailed.Load(), ShouldBeTrue)
	})
}
