package progress

import (
	"fmt"
	"sync"

	"github.com/cheggaaa/pb/v3"
)

// barTemplate renders three visible states for a part's bar: idle until
// Setup reserves it ("starting"), then filling as bytes arrive.
const barTemplate = `{{ string . "prefix" }} {{ bar . }} {{ percent . }} {{ speed . }}`

// BarSink is the default Sink, rendering one cheggaaa/pb/v3 bar per part
// in a shared pool.
type BarSink struct {
	mu           sync.Mutex
	bars         []*pb.ProgressBar
	pool         *pb.Pool
	threadToPart map[int]int
}

// NewBarSink returns a BarSink ready for StartAll.
func NewBarSink() *BarSink {
	return &BarSink{threadToPart: make(map[int]int)}
}

// StartAll builds one bar per part and starts the pool.
func (s *BarSink) StartAll(fileName string, threadCount int, partLengths []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bars = make([]*pb.ProgressBar, len(partLengths))
	for i, length := range partLengths {
		bar := pb.ProgressBarTemplate(barTemplate).New(int(length))
		bar.Set(pb.Bytes, true)
		bar.Set("prefix", fmt.Sprintf("%s part %d (pending)", fileName, i))
		s.bars[i] = bar
	}

	pool := pb.NewPool(s.bars...)
	if err := pool.Start(); err == nil {
		s.pool = pool
	}
}

// Setup moves partID's bar from pending to starting.
func (s *BarSink) Setup(threadID, partID int, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threadToPart[threadID] = partID
	if partID < len(s.bars) {
		s.bars[partID].Set("prefix", fmt.Sprintf("part %d (starting)", partID))
	}
}

// Update sets partID's bar to the new cumulative byte count.
func (s *BarSink) Update(threadID, partID int, bytesDoneInPart int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if partID >= len(s.bars) {
		return
	}
	s.bars[partID].Set("prefix", fmt.Sprintf("part %d", partID))
	s.bars[partID].SetCurrent(bytesDoneInPart)
}

// AdjustTotals corrects partID's displayed progress when a resumed part's
// prefilled byte count is learned after StartAll already laid out the bar.
func (s *BarSink) AdjustTotals(partID int, bytesDoneInPart int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if partID >= len(s.bars) {
		return
	}
	s.bars[partID].SetCurrent(bytesDoneInPart)
}

// Success finishes threadID's current part's bar.
func (s *BarSink) Success(threadID int) {
	s.finish(threadID, "done")
}

// Fail finishes threadID's current part's bar, marked failed.
func (s *BarSink) Fail(threadID int) {
	s.finish(threadID, "failed")
}

func (s *BarSink) finish(threadID int, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partID, ok := s.threadToPart[threadID]
	if !ok || partID >= len(s.bars) {
		return
	}
	s.bars[partID].Set("prefix", fmt.Sprintf("part %d (%s)", partID, label))
	s.bars[partID].Finish()
}

// Stop stops the underlying bar pool. Callers invoke this once after the
// worker pool has joined.
func (s *BarSink) Stop() {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
}
