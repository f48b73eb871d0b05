// Package partition splits a resource's byte range into parts for the
// Worker Pool: part length is the content length divided evenly among
// parts, rounded down to a chunk boundary, with every remainder folded
// into the final part.
package partition

import (
	"fmt"

	"github.com/daveallie/grapple/internal/grappleerr"
)

// ChunkSize is the fixed unit of completion bookkeeping: 128 KiB.
const ChunkSize int64 = 128 * 1024

// MinThreadCount and MaxThreadCount bound the thread_count CLI flag.
const (
	MinThreadCount = 2
	MaxThreadCount = 20
)

// MinContentSize is the smallest resource grapple will attempt to download.
const MinContentSize int64 = 1024

// Part is a contiguous, inclusive byte interval of the resource.
type Part struct {
	First int64
	Last  int64
}

// Length returns the number of bytes covered by the part.
func (p Part) Length() int64 {
	return p.Last - p.First + 1
}

// Plan validates threadCount/partCount/totalSize and returns partCount
// parts tiling [0, totalSize-1].
func Plan(totalSize int64, threadCount, partCount int) ([]Part, error) {
	if threadCount < MinThreadCount || threadCount > MaxThreadCount {
		return nil, fmt.Errorf("%w: thread count must be between %d and %d, got %d",
			grappleerr.UsageError, MinThreadCount, MaxThreadCount, threadCount)
	}
	if partCount < threadCount {
		return nil, fmt.Errorf("%w: part count (%d) must be at least the thread count (%d)",
			grappleerr.UsageError, partCount, threadCount)
	}
	if totalSize < MinContentSize {
		return nil, fmt.Errorf("%w", grappleerr.ContentTooSmall)
	}

	partLength := (totalSize / int64(partCount) / ChunkSize) * ChunkSize

	parts := make([]Part, 0, partCount)
	var start int64
	for i := 0; i < partCount-1; i++ {
		end := start + partLength - 1
		parts = append(parts, Part{First: start, Last: end})
		start += partLength
	}
	parts = append(parts, Part{First: start, Last: totalSize - 1})

	return parts, nil
}
