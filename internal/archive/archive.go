package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unidata/sruth/internal/bitset"
	"github.com/unidata/sruth/internal/minheap"
)

// PutOutcome reports what Put did with an incoming piece.
type PutOutcome int

const (
	PutDuplicate PutOutcome = iota
	PutStored
	PutCompleted
)

func (o PutOutcome) String() string {
	switch o {
	case PutDuplicate:
		return "duplicate"
	case PutStored:
		return "stored"
	case PutCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// CompletionEvent is the data product delivered to the external action
// processor exactly once per FileId per archive lifetime.
type CompletionEvent struct {
	Info FileInfo
}

var (
	ErrNotFound       = errors.New("archive: file not found")
	ErrPieceNotLocal  = errors.New("archive: piece not locally complete")
	ErrAlreadyPresent = errors.New("archive: file already fully present")
	ErrTTLDisabled    = errors.New("archive: scheduled removal not configured")
)

type entry struct {
	mut       sync.Mutex
	info      FileInfo
	bits      bitset.BitSet
	completed bool // whether the completion event has already fired
}

// Archive is the on-disk tree rooted at a directory, plus its admin
// subtree. It tracks piece-level completeness for files still being
// assembled and emits completion events exactly once per FileId.
type Archive struct {
	rootDir string
	log     *slog.Logger

	mut     sync.RWMutex
	entries map[FileId]*entry

	events chan CompletionEvent

	// ttl is the persistent delay queue backing ScheduleRemove /
	// ProcessDueRemovals. Nil when the archive was opened without a
	// TTLQueuePath, in which case scheduled removal is unavailable.
	ttl *minheap.File
}

// Config configures an Archive's bookkeeping channel depth.
type Config struct {
	RootDir            string
	CompletionQueueSize int

	// TTLQueuePath, if set, opens (or creates) a memory-mapped
	// PathDelayQueue at this path backing ScheduleRemove/ProcessDueRemovals.
	// Conventionally minheap.DefaultPath(RootDir). Left empty, scheduled
	// removal is disabled and Remove must be called directly.
	TTLQueuePath string
}

// Open opens (creating if necessary) the archive rooted at cfg.RootDir,
// including its admin subtree.
func Open(cfg Config, log *slog.Logger) (*Archive, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "archive")

	if cfg.CompletionQueueSize <= 0 {
		cfg.CompletionQueueSize = 64
	}

	adminDir := filepath.Join(cfg.RootDir, AdminDirName)
	if err := os.MkdirAll(adminDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create admin dir: %w", err)
	}

	a := &Archive{
		rootDir: cfg.RootDir,
		log:     log,
		entries: make(map[FileId]*entry),
		events:  make(chan CompletionEvent, cfg.CompletionQueueSize),
	}

	if cfg.TTLQueuePath != "" {
		hf, err := minheap.Open(cfg.TTLQueuePath, 1024)
		if err != nil {
			return nil, fmt.Errorf("archive: open ttl queue: %w", err)
		}
		a.ttl = hf
	}

	return a, nil
}

// Close releases the archive's scheduled-removal queue, if one was
// opened. Safe to call on an archive with scheduled removal disabled.
func (a *Archive) Close() error {
	if a.ttl == nil {
		return nil
	}
	return a.ttl.Close()
}

// Events returns the channel of completion events. The caller (the
// clearing-house) must drain it; it is never closed by the archive.
func (a *Archive) Events() <-chan CompletionEvent { return a.events }

func (a *Archive) absPath(path ArchivePath) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(string(path)))
}

func (a *Archive) bitsPath(path ArchivePath) string {
	return a.absPath(path) + ".bits"
}

// Announce creates an empty file of declared size and an empty
// completeness bitset for fi, unless one already exists for fi.Id. If one
// exists with an incompatible shape, ErrIncompatibleFileInfo is returned;
// the caller treats this as fatal to the originating connection, not to
// the archive.
func (a *Archive) Announce(fi FileInfo) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	if e, ok := a.entries[fi.Id]; ok {
		if !e.info.CompatibleWith(fi) {
			return ErrIncompatibleFileInfo
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.absPath(fi.Id.Path)), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir for %s: %w", fi.Id.Path, err)
	}

	f, err := os.OpenFile(a.absPath(fi.Id.Path), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", fi.Id.Path, err)
	}
	defer f.Close()

	if err := f.Truncate(fi.Size); err != nil {
		return fmt.Errorf("archive: truncate %s: %w", fi.Id.Path, err)
	}

	e := &entry{info: fi, bits: bitset.NewPartial(fi.PieceCount())}
	if err := a.persistBits(e); err != nil {
		return err
	}
	a.entries[fi.Id] = e

	a.log.Debug("announced file", "path", fi.Id.Path, "pieces", fi.PieceCount())
	return nil
}

// Put writes piece bytes at index*pieceSize and sets the corresponding
// bit. Bytes are written to disk before the bit is set, per the
// atomic-per-piece ordering rule.
func (a *Archive) Put(p Piece) (PutOutcome, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	a.mut.RLock()
	e, ok := a.entries[p.Spec.File.Id]
	a.mut.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if e.bits.IsComplete() {
		return PutDuplicate, nil
	}
	if e.bits.IsSet(p.Spec.Index) {
		return PutDuplicate, nil
	}

	f, err := os.OpenFile(a.absPath(e.info.Id.Path), os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("archive: open %s: %w", e.info.Id.Path, err)
	}
	defer f.Close()

	offset := int64(p.Spec.Index) * int64(e.info.PieceSize)
	if _, err := f.WriteAt(p.Bytes, offset); err != nil {
		return 0, fmt.Errorf("archive: write %s piece %d: %w", e.info.Id.Path, p.Spec.Index, err)
	}

	e.bits = e.bits.SetBit(p.Spec.Index)

	if !e.bits.IsComplete() {
		if err := a.persistBits(e); err != nil {
			return 0, err
		}
		return PutStored, nil
	}

	if err := os.Remove(a.bitsPath(e.info.Id.Path)); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("archive: remove bits sidecar for %s: %w", e.info.Id.Path, err)
	}
	if err := normalizeMTime(a.absPath(e.info.Id.Path), e.info.Id.Time); err != nil {
		return 0, err
	}

	outcome := PutStored
	if !e.completed {
		e.completed = true
		outcome = PutCompleted
		a.events <- CompletionEvent{Info: e.info}
	}
	return outcome, nil
}

// Get reads a piece iff its completeness bit is set.
func (a *Archive) Get(spec PieceSpec) (Piece, error) {
	a.mut.RLock()
	e, ok := a.entries[spec.File.Id]
	a.mut.RUnlock()
	if !ok {
		return Piece{}, ErrNotFound
	}

	e.mut.Lock()
	set := e.bits.IsSet(spec.Index)
	e.mut.Unlock()
	if !set {
		return Piece{}, ErrPieceNotLocal
	}

	length, err := e.info.PieceLength(spec.Index)
	if err != nil {
		return Piece{}, err
	}

	f, err := os.Open(a.absPath(e.info.Id.Path))
	if err != nil {
		return Piece{}, fmt.Errorf("archive: open %s: %w", e.info.Id.Path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	offset := int64(spec.Index) * int64(e.info.PieceSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, int64(length)), buf); err != nil {
		return Piece{}, fmt.Errorf("archive: read %s piece %d: %w", e.info.Id.Path, spec.Index, err)
	}

	return Piece{Spec: spec, Bytes: buf}, nil
}

// WalkEntry is one result of Walk.
type WalkEntry struct {
	Info FileInfo
	Bits bitset.BitSet
}

// Walk enumerates files whose path satisfies match, excluding the admin
// subtree. It is not lazy: it builds the whole result slice under the
// archive lock and returns it, with each file's bits cloned.
func (a *Archive) Walk(match func(ArchivePath) bool) []WalkEntry {
	a.mut.RLock()
	defer a.mut.RUnlock()

	var out []WalkEntry
	for id, e := range a.entries {
		if id.Path.IsAdmin() {
			continue
		}
		if match != nil && !match(id.Path) {
			continue
		}
		e.mut.Lock()
		out = append(out, WalkEntry{Info: e.info, Bits: bitset.Clone(e.bits)})
		e.mut.Unlock()
	}
	return out
}

// Remove deletes a file and its sidecar bitset from the archive.
func (a *Archive) Remove(id FileId) error {
	a.mut.Lock()
	delete(a.entries, id)
	a.mut.Unlock()

	if err := os.Remove(a.absPath(id.Path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: remove %s: %w", id.Path, err)
	}
	if err := os.Remove(a.bitsPath(id.Path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: remove bits sidecar for %s: %w", id.Path, err)
	}
	return nil
}

// ScheduleRemove durably schedules id for removal at deadline via the
// persistent delay queue, per spec.md §4.1's TTL deletion mechanism.
// Returns ErrTTLDisabled if this archive was opened without a
// TTLQueuePath.
func (a *Archive) ScheduleRemove(id FileId, deadline time.Time) error {
	if a.ttl == nil {
		return ErrTTLDisabled
	}
	return a.ttl.Push(minheap.Entry{DeadlineMillis: deadline.UnixMilli(), Path: id.String()})
}

// ProcessDueRemovals pops and removes every scheduled entry whose
// deadline is at or before now, returning the FileIds actually removed.
// A caller (e.g. SinkNode's housekeeping loop) is expected to call this
// periodically; it is a no-op if scheduled removal is disabled.
func (a *Archive) ProcessDueRemovals(now time.Time) ([]FileId, error) {
	if a.ttl == nil {
		return nil, nil
	}

	var removed []FileId
	for {
		next, ok := a.ttl.Peek()
		if !ok || next.DeadlineMillis > now.UnixMilli() {
			return removed, nil
		}
		entry, ok := a.ttl.Pop()
		if !ok {
			return removed, nil
		}

		id, err := ParseFileId(entry.Path)
		if err != nil {
			a.log.Warn("dropping malformed scheduled removal", "path", entry.Path, "error", err)
			continue
		}
		if err := a.Remove(id); err != nil {
			return removed, fmt.Errorf("archive: scheduled remove %s: %w", id, err)
		}
		removed = append(removed, id)
	}
}

// bitsFileVersion is the sidecar file format version.
const bitsFileVersion = 1

// persistBits writes e's completeness bitmap to its sidecar file. Called
// with e.mut held.
func (a *Archive) persistBits(e *entry) error {
	data, isPartial, err := bitset.Marshal(e.bits)
	if err != nil {
		return fmt.Errorf("archive: marshal bits for %s: %w", e.info.Id.Path, err)
	}
	if !isPartial {
		return nil
	}

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], bitsFileVersion)
	binary.BigEndian.PutUint32(header[4:8], uint32(e.info.PieceCount()))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	path := a.bitsPath(e.info.Id.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir for bits sidecar %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("archive: write bits sidecar %s: %w", path, err)
	}
	return nil
}

// Restore re-registers fi with the archive after a process restart,
// loading its completeness bitset from the sidecar file if one exists.
// Absence of a sidecar means the file finished before the restart, which
// is why a completed file is never re-fetched: Restore marks it complete
// without re-emitting the completion event.
func (a *Archive) Restore(fi FileInfo) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	if _, ok := a.entries[fi.Id]; ok {
		return nil
	}

	bits, err := loadBits(a.bitsPath(fi.Id.Path))
	switch {
	case err == nil:
		a.entries[fi.Id] = &entry{info: fi, bits: bits}
	case errors.Is(err, os.ErrNotExist):
		a.entries[fi.Id] = &entry{info: fi, bits: bitset.NewComplete(fi.PieceCount()), completed: true}
	default:
		return err
	}
	return nil
}

// normalizeMTime rounds a completed file's mtime to its archive timestamp.
func normalizeMTime(path string, t ArchiveTime) error {
	tm := t.Time()
	if err := os.Chtimes(path, tm, tm); err != nil {
		return fmt.Errorf("archive: normalize mtime for %s: %w", path, err)
	}
	return nil
}

// loadBits reads a sidecar bitset file written by persistBits.
func loadBits(path string) (bitset.BitSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: read bits sidecar %s: %w", path, err)
	}
	if len(raw) < 12 {
		return nil, fmt.Errorf("archive: bits sidecar %s truncated", path)
	}
	version := binary.BigEndian.Uint32(raw[0:4])
	if version != bitsFileVersion {
		return nil, fmt.Errorf("archive: bits sidecar %s has unknown version %d", path, version)
	}
	pieceCount := int(binary.BigEndian.Uint32(raw[4:8]))
	dataLen := int(binary.BigEndian.Uint32(raw[8:12]))
	if len(raw) < 12+dataLen {
		return nil, fmt.Errorf("archive: bits sidecar %s truncated", path)
	}
	return bitset.UnmarshalPartial(pieceCount, raw[12:12+dataLen])
}
