// Package partialfile owns the on-disk temp file grapple writes into while
// a download is in flight: a payload region followed by a trailing
// footer holding a chunk-completion bitmap and the chunk count. Bitmap
// byte i lives at absolute file offset total_size + i.
package partialfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cognusion/go-recyclable"

	"github.com/daveallie/grapple/internal/grappleerr"
	"github.com/daveallie/grapple/internal/partition"
)

// Suffix is appended to the final file name to name the temp file.
const Suffix = ".grapplepartial"

// bufPool supplies reusable chunk-sized read buffers for WritePart's copy
// loop, avoiding a fresh 128 KiB allocation per chunk per worker.
var bufPool = recyclable.NewBufferPool()

// PartialFile is the durable recovery artifact for one download.
type PartialFile struct {
	tmpPath    string
	totalSize  int64
	chunkCount int64
	footerSize int64

	// bitmapMu serialises all bitmap reads and writes. Payload writes
	// (WritePart's file.WriteAt calls) do not need it: distinct parts
	// write disjoint payload regions and commute freely.
	bitmapMu sync.Mutex

	file *os.File
}

// Open creates or reuses the partial file for finalName sized totalSize.
// If an existing temp file already has exactly totalSize+footerSize
// bytes, its bitmap and chunk count are trusted and left untouched.
func Open(finalName string, totalSize int64) (*PartialFile, error) {
	chunkCount, chunkSpace := chunkCountAndSpace(totalSize)
	footerSize := chunkSpace + 8
	tmpPath := finalName + Suffix

	pf := &PartialFile{
		tmpPath:    tmpPath,
		totalSize:  totalSize,
		chunkCount: chunkCount,
		footerSize: footerSize,
	}

	if info, err := os.Stat(tmpPath); err == nil && info.Size() == totalSize+footerSize {
		f, err := os.OpenFile(tmpPath, os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		pf.file = f
		return pf, nil
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(totalSize + footerSize); err != nil {
		f.Close()
		return nil, err
	}

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint64(footer[chunkSpace:], uint64(chunkCount))
	if _, err := f.WriteAt(footer, totalSize); err != nil {
		f.Close()
		return nil, err
	}

	pf.file = f
	return pf, nil
}

// FooterSize returns the footer size in bytes (bitmap plus 8-byte count).
func (pf *PartialFile) FooterSize() int64 {
	return pf.footerSize
}

// Path returns the temp file's path on disk.
func (pf *PartialFile) Path() string {
	return pf.tmpPath
}

// Close releases the underlying file handle.
func (pf *PartialFile) Close() error {
	return pf.file.Close()
}

// FirstEmptyChunkOffset scans the bitmap bits covering part, left to
// right, and returns the byte offset of the first incomplete chunk. If
// every chunk in the part is complete, it returns (last+1)*ChunkSize,
// i.e. an offset past the part's own last byte, which callers treat as
// "already done".
func (pf *PartialFile) FirstEmptyChunkOffset(part partition.Part) (int64, error) {
	pf.bitmapMu.Lock()
	defer pf.bitmapMu.Unlock()

	firstChunk := part.First / partition.ChunkSize
	lastChunk := part.Last / partition.ChunkSize

	firstByteIdx := firstChunk / 8
	lastByteIdx := lastChunk / 8

	buf := make([]byte, lastByteIdx-firstByteIdx+1)
	if _, err := pf.file.ReadAt(buf, pf.totalSize+firstByteIdx); err != nil && err != io.EOF {
		return 0, err
	}

	chunk := firstChunk
	for byteIdx := firstByteIdx; byteIdx <= lastByteIdx; byteIdx++ {
		b := buf[byteIdx-firstByteIdx]

		startBit := int64(0)
		if byteIdx == firstByteIdx {
			startBit = firstChunk % 8
		}
		endBit := int64(8)
		if byteIdx == lastByteIdx {
			endBit = lastChunk%8 + 1
		}

		for bit := startBit; bit < endBit; bit++ {
			if b&(1<<uint(7-bit)) == 0 {
				return chunk * partition.ChunkSize, nil
			}
			chunk++
		}
	}

	return chunk * partition.ChunkSize, nil
}

// MarkChunksComplete marks bitmap bits [firstWorkingChunk, currentWorkingChunk-1]
// as complete. currentWorkingChunk itself is never marked: it is the chunk
// still being written when this call is made. A no-op when
// currentWorkingChunk <= firstWorkingChunk.
func (pf *PartialFile) MarkChunksComplete(firstWorkingChunk, currentWorkingChunk int64) error {
	if currentWorkingChunk <= firstWorkingChunk {
		return nil
	}
	lastComplete := currentWorkingChunk - 1

	pf.bitmapMu.Lock()
	defer pf.bitmapMu.Unlock()

	firstByteIdx := firstWorkingChunk / 8
	lastByteIdx := lastComplete / 8

	for byteIdx := firstByteIdx; byteIdx <= lastByteIdx; byteIdx++ {
		var cur [1]byte
		if _, err := pf.file.ReadAt(cur[:], pf.totalSize+byteIdx); err != nil && err != io.EOF {
			return err
		}

		startBit := int64(0)
		if byteIdx == firstByteIdx {
			startBit = firstWorkingChunk % 8
		}
		endBit := int64(8)
		if byteIdx == lastByteIdx {
			endBit = lastComplete%8 + 1
		}

		b := cur[0]
		for bit := startBit; bit < endBit; bit++ {
			b |= 1 << uint(7-bit)
		}

		if _, err := pf.file.WriteAt([]byte{b}, pf.totalSize+byteIdx); err != nil {
			return err
		}
	}

	return nil
}

// BandwidthReport is invoked by WritePart after every chunk is flushed and
// its bitmap bits (if any) are set, carrying the cumulative bytes written
// for the part so far (including any prefilled bytes from a prior run).
type BandwidthReport func(bytesDoneInPart int64)

// Body is the subset of an http.Response.Body WritePart needs.
type Body io.Reader

// WritePart streams resp's body into the payload starting at firstByte,
// marking bitmap chunks complete as whole chunks land, throttling to
// threadBandwidthKiBps KiB/s per worker if nonzero, and reporting
// cumulative progress via report. Returns the total bytes now done for
// the part (freshly written plus prefilled).
func (pf *PartialFile) WritePart(body Body, firstByte, prefilled int64, threadBandwidthKiBps int, report BandwidthReport) (int64, error) {
	buf := bufPool.Get()
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	var (
		written        int64
		bandwidth      = float64(threadBandwidthKiBps) * 1024
		bytesBetweenBW = bandwidth * 0.1
		bytesSinceBW   float64
		lastBWSync     = time.Now()
	)

	for {
		buf.Reset()
		n64, copyErr := io.CopyN(buf, body, partition.ChunkSize)
		n := int(n64)
		if n > 0 {
			if _, err := pf.file.WriteAt(buf.Bytes(), firstByte+written); err != nil {
				return 0, err
			}

			prevChunk := (written + firstByte) / partition.ChunkSize
			written += int64(n)
			newChunk := (written + firstByte) / partition.ChunkSize
			if newChunk > prevChunk {
				if err := pf.MarkChunksComplete(prevChunk, newChunk); err != nil {
					return 0, err
				}
			}

			if report != nil {
				report(written + prefilled)
			}

			if threadBandwidthKiBps > 0 {
				bytesSinceBW += float64(n)
				if bytesSinceBW >= bytesBetweenBW {
					secondsWait := bytesSinceBW / bandwidth
					waitFor := time.Duration(secondsWait * float64(time.Second))
					elapsed := time.Since(lastBWSync)
					if waitFor > elapsed {
						time.Sleep(waitFor - elapsed)
					}
					lastBWSync = time.Now()
					bytesSinceBW = 0
				}
			}
		}

		if copyErr == io.EOF {
			return written + prefilled, nil
		}
		if copyErr != nil {
			return 0, fmt.Errorf("%w: %s", grappleerr.PartFailed, copyErr)
		}
		if n == 0 {
			return written + prefilled, nil
		}
	}
}

// Finalize truncates the temp file to totalSize and atomically renames it
// to finalName, stripping the .grapplepartial suffix.
func (pf *PartialFile) Finalize(finalName string) error {
	if err := pf.file.Truncate(pf.totalSize); err != nil {
		return err
	}
	if err := pf.file.Close(); err != nil {
		return err
	}
	return os.Rename(pf.tmpPath, finalName)
}

func chunkCountAndSpace(totalSize int64) (chunkCount, chunkSpace int64) {
	chunkCount = totalSize / partition.ChunkSize
	if totalSize%partition.ChunkSize != 0 {
		chunkCount++
	}
	chunkSpace = chunkCount / 8
	if chunkCount%8 != 0 {
		chunkSpace++
	}
	return chunkCount, chunkSpace
}
