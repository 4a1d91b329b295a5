// Package archive implements the on-disk tree of disseminated files: piece
// splitting, per-file completeness tracking, and completion events.
package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AdminDirName is the archive subtree excluded from served content.
const AdminDirName = "admin"

// ArchivePath is a relative path naming a file in the archive. It is always
// slash-separated and never escapes the archive root.
type ArchivePath string

// Components splits the path into its slash-separated parts.
func (p ArchivePath) Components() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Clean normalizes separators and rejects paths that escape the root.
func Clean(raw string) (ArchivePath, error) {
	clean := filepath.ToSlash(filepath.Clean(raw))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("archive: empty path")
	}
	if strings.HasPrefix(clean, "../") || clean == ".." || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("archive: path %q escapes archive root", raw)
	}
	return ArchivePath(clean), nil
}

// IsAdmin reports whether p falls under the admin subtree.
func (p ArchivePath) IsAdmin() bool {
	return p.Components()[0] == AdminDirName
}

// Less gives ArchivePath a total order, for deterministic iteration.
func (p ArchivePath) Less(other ArchivePath) bool { return p < other }

// ArchiveTime is a one-second-resolution timestamp, per the filesystem
// mtime contract: equality compares after rounding to whole seconds.
type ArchiveTime struct{ t time.Time }

// NewArchiveTime rounds t down to the nearest second.
func NewArchiveTime(t time.Time) ArchiveTime {
	return ArchiveTime{t: t.Truncate(time.Second)}
}

func (a ArchiveTime) Time() time.Time { return a.t }

// Equal compares two archive times at millisecond resolution after
// rounding, per spec.
func (a ArchiveTime) Equal(b ArchiveTime) bool {
	return a.t.Round(time.Millisecond).Equal(b.t.Round(time.Millisecond))
}

func (a ArchiveTime) Before(b ArchiveTime) bool { return a.t.Before(b.t) }

// GobEncode/GobDecode let ArchiveTime cross the wire despite its
// unexported field, preserving the one-second-resolution contract.
func (a ArchiveTime) GobEncode() ([]byte, error) { return a.t.MarshalBinary() }

func (a *ArchiveTime) GobDecode(data []byte) error {
	return a.t.UnmarshalBinary(data)
}

// FileId identifies a file by its archive path and archive timestamp. Two
// FileInfos sharing a FileId must agree on size and piece count.
type FileId struct {
	Path ArchivePath
	Time ArchiveTime
}

func (id FileId) String() string {
	return fmt.Sprintf("%s@%d", id.Path, id.Time.Time().Unix())
}

// ParseFileId parses the String() form back into a FileId. Used by the
// scheduled-removal delay queue, which persists only a path string per
// entry.
func ParseFileId(s string) (FileId, error) {
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return FileId{}, fmt.Errorf("archive: malformed file id %q", s)
	}
	sec, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return FileId{}, fmt.Errorf("archive: malformed file id %q: %w", s, err)
	}
	return FileId{Path: ArchivePath(s[:i]), Time: NewArchiveTime(time.Unix(sec, 0))}, nil
}

// Less gives FileId the total order iteration over PieceSpecSet relies on:
// ascending path, then ascending timestamp.
func (id FileId) Less(other FileId) bool {
	if id.Path != other.Path {
		return id.Path.Less(other.Path)
	}
	return id.Time.Before(other.Time)
}

// FileInfo is immutable from the moment a file is announced.
type FileInfo struct {
	Id        FileId
	Size      int64
	PieceSize int32
}

// PieceCount returns ceil(Size / PieceSize).
func (fi FileInfo) PieceCount() int {
	if fi.Size == 0 {
		return 0
	}
	return int((fi.Size + int64(fi.PieceSize) - 1) / int64(fi.PieceSize))
}

// PieceLength returns the length of the piece at index, accounting for a
// possibly shorter final piece.
func (fi FileInfo) PieceLength(index int) (int32, error) {
	n := fi.PieceCount()
	if index < 0 || index >= n {
		return 0, fmt.Errorf("archive: piece index %d out of range [0,%d)", index, n)
	}
	if index == n-1 {
		last := fi.Size - int64(fi.PieceSize)*int64(n-1)
		return int32(last), nil
	}
	return fi.PieceSize, nil
}

// CompatibleWith reports whether two FileInfos sharing a FileId agree, per
// the invariant in spec.md §3. Disagreement is a protocol error, not an
// archive error.
func (fi FileInfo) CompatibleWith(other FileInfo) bool {
	return fi.Id == other.Id && fi.Size == other.Size && fi.PieceSize == other.PieceSize
}

// ErrIncompatibleFileInfo is returned when two announcements of the same
// FileId disagree on shape.
var ErrIncompatibleFileInfo = errors.New("archive: incompatible FileInfo for existing FileId")

// PieceSpec identifies one piece of one file.
type PieceSpec struct {
	File  FileInfo
	Index int
}

func (ps PieceSpec) String() string {
	return fmt.Sprintf("%s#%d", ps.File.Id, ps.Index)
}

// Less orders PieceSpecs by (FileId, index), the order PieceSpecSet
// iteration is required to produce.
func (ps PieceSpec) Less(other PieceSpec) bool {
	if ps.File.Id != other.File.Id {
		return ps.File.Id.Less(other.File.Id)
	}
	return ps.Index < other.Index
}

// Piece is a PieceSpec plus its bytes. Length must match the spec's
// declared piece length.
type Piece struct {
	Spec  PieceSpec
	Bytes []byte
}

// Validate checks that the byte length matches what Spec declares.
func (p Piece) Validate() error {
	want, err := p.Spec.File.PieceLength(p.Spec.Index)
	if err != nil {
		return err
	}
	if int32(len(p.Bytes)) != want {
		return fmt.Errorf("archive: piece %s has %d bytes, want %d", p.Spec, len(p.Bytes), want)
	}
	return nil
}
