// Package minheap implements PathDelayQueue: a persistent, memory-mapped
// min-heap of (deadline, path) entries used to schedule time-to-live
// deletions. The file survives process restarts; reopening replays
// exactly the entries that were durably committed.
package minheap

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// headerSize is the fixed 12-byte header: {version, eltSize, eltCount},
// each a big-endian uint32.
const headerSize = 12

const fileVersion = 1

// growthFactor is the golden ratio, per the design's grow-path sizing.
const growthFactor = 1.618

// defaultCapacity is the number of element slots a freshly created file
// reserves before its first grow.
const defaultCapacity = 16

// Entry is one scheduled deletion.
type Entry struct {
	// DeadlineMillis is an absolute Unix millisecond deadline.
	DeadlineMillis int64
	Path           string
}

// File is a PathDelayQueue backed by a memory-mapped file.
type File struct {
	f          *os.File
	data       mmap.MMap
	eltSize    uint32 // 8 (deadline) + 2 (path length) + maxPathBytes
	maxPathLen int
}

// Open opens (creating if necessary) the heap file at path. maxPathBytes
// bounds the longest path an entry can hold; it only matters for a
// freshly created file, since an existing file's record size is read
// from its header.
func Open(path string, maxPathBytes int) (*File, error) {
	if maxPathBytes <= 0 {
		maxPathBytes = 256
	}

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("minheap: open %s: %w", path, err)
	}

	hf := &File{f: f}

	if !existed {
		eltSize := uint32(8 + 2 + maxPathBytes)
		if err := hf.initialize(eltSize, defaultCapacity); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := hf.mapFile(); err != nil {
		f.Close()
		return nil, err
	}

	version := binary.BigEndian.Uint32(hf.data[0:4])
	if version != fileVersion {
		hf.Close()
		return nil, fmt.Errorf("minheap: %s has unsupported version %d", path, version)
	}
	hf.eltSize = binary.BigEndian.Uint32(hf.data[4:8])
	hf.maxPathLen = int(hf.eltSize) - 10

	return hf, nil
}

func (hf *File) initialize(eltSize uint32, capacity int) error {
	size := int64(headerSize) + int64(eltSize)*int64(capacity)
	if err := hf.f.Truncate(size); err != nil {
		return fmt.Errorf("minheap: truncate: %w", err)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], fileVersion)
	binary.BigEndian.PutUint32(header[4:8], eltSize)
	binary.BigEndian.PutUint32(header[8:12], 0)

	if _, err := hf.f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("minheap: write header: %w", err)
	}
	return hf.f.Sync()
}

func (hf *File) mapFile() error {
	data, err := mmap.Map(hf.f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("minheap: mmap: %w", err)
	}
	hf.data = data
	return nil
}

func (hf *File) count() uint32 { return binary.BigEndian.Uint32(hf.data[8:12]) }

func (hf *File) setCount(n uint32) { binary.BigEndian.PutUint32(hf.data[8:12], n) }

func (hf *File) capacity() uint32 { return uint32((len(hf.data) - headerSize)) / hf.eltSize }

func (hf *File) slotOffset(i uint32) int { return headerSize + int(i)*int(hf.eltSize) }

func (hf *File) readEntry(i uint32) Entry {
	off := hf.slotOffset(i)
	deadline := int64(binary.BigEndian.Uint64(hf.data[off : off+8]))
	pathLen := binary.BigEndian.Uint16(hf.data[off+8 : off+10])
	path := string(hf.data[off+10 : off+10+int(pathLen)])
	return Entry{DeadlineMillis: deadline, Path: path}
}

func (hf *File) writeEntry(i uint32, e Entry) error {
	if len(e.Path) > hf.maxPathLen {
		return fmt.Errorf("minheap: path %q exceeds max length %d", e.Path, hf.maxPathLen)
	}
	off := hf.slotOffset(i)
	binary.BigEndian.PutUint64(hf.data[off:off+8], uint64(e.DeadlineMillis))
	binary.BigEndian.PutUint16(hf.data[off+8:off+10], uint16(len(e.Path)))
	copy(hf.data[off+10:off+10+len(e.Path)], e.Path)
	return nil
}

func (hf *File) swap(i, j uint32) {
	ei := hf.readEntry(i)
	ej := hf.readEntry(j)
	hf.writeEntry(i, ej)
	hf.writeEntry(j, ei)
}

func (hf *File) less(i, j uint32) bool {
	return hf.readEntry(i).DeadlineMillis < hf.readEntry(j).DeadlineMillis
}

// Len returns the number of entries currently queued.
func (hf *File) Len() int { return int(hf.count()) }

// Push inserts e, sifting it up to its heap position. The element bytes
// are written into the mapping before the header's count is bumped: a
// crash between those two writes leaves a written-but-uncounted slot,
// which the next Push overwrites harmlessly, per the design's tolerance
// for duplicate tail elements. Push does not flush the mapping.
func (hf *File) Push(e Entry) error {
	n := hf.count()
	if n == hf.capacity() {
		if err := hf.grow(); err != nil {
			return err
		}
	}

	if err := hf.writeEntry(n, e); err != nil {
		return err
	}
	hf.setCount(n + 1)

	hf.siftUp(n)
	return nil
}

// Peek returns the entry with the smallest deadline without removing it.
func (hf *File) Peek() (Entry, bool) {
	if hf.count() == 0 {
		return Entry{}, false
	}
	return hf.readEntry(0), true
}

// Pop removes and returns the entry with the smallest deadline.
func (hf *File) Pop() (Entry, bool) {
	n := hf.count()
	if n == 0 {
		return Entry{}, false
	}

	top := hf.readEntry(0)
	last := n - 1
	if last > 0 {
		hf.swap(0, last)
	}
	hf.setCount(last)
	if last > 0 {
		hf.siftDown(0)
	}
	return top, true
}

func (hf *File) siftUp(i uint32) {
	for i > 0 {
		parent := (i - 1) / 2
		if !hf.less(i, parent) {
			return
		}
		hf.swap(i, parent)
		i = parent
	}
}

func (hf *File) siftDown(i uint32) {
	n := hf.count()
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && hf.less(left, smallest) {
			smallest = left
		}
		if right < n && hf.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		hf.swap(i, smallest)
		i = smallest
	}
}

// grow enlarges the backing file by a factor of φ, fsyncing before the
// mapping is reestablished: the Open Question around durability of the
// grow path is resolved in favor of the safe choice, fsync-after-resize.
func (hf *File) grow() error {
	oldCapacity := hf.capacity()
	newCapacity := uint32(math.Ceil(float64(oldCapacity) * growthFactor))
	if newCapacity <= oldCapacity {
		newCapacity = oldCapacity + 1
	}

	if err := hf.data.Unmap(); err != nil {
		return fmt.Errorf("minheap: unmap before grow: %w", err)
	}

	newSize := int64(headerSize) + int64(hf.eltSize)*int64(newCapacity)
	if err := hf.f.Truncate(newSize); err != nil {
		return fmt.Errorf("minheap: truncate grow: %w", err)
	}
	if err := hf.f.Sync(); err != nil {
		return fmt.Errorf("minheap: fsync after grow: %w", err)
	}

	return hf.mapFile()
}

// Close flushes and unmaps the file.
func (hf *File) Close() error {
	if err := hf.data.Flush(); err != nil {
		return fmt.Errorf("minheap: flush: %w", err)
	}
	if err := hf.data.Unmap(); err != nil {
		return fmt.Errorf("minheap: unmap: %w", err)
	}
	return hf.f.Close()
}

// DefaultPath returns the heap file's admin-subtree location,
// "<rootDir>/admin/deletion-queue".
func DefaultPath(rootDir string) string {
	return filepath.Join(rootDir, "admin", "deletion-queue")
}
