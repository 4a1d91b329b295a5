package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unidata/sruth/internal/bitset"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(Config{RootDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func testFileInfo(path string, size int64, pieceSize int32) FileInfo {
	return FileInfo{
		Id:        FileId{Path: ArchivePath(path), Time: NewArchiveTime(time.Unix(1700000000, 0))},
		Size:      size,
		PieceSize: pieceSize,
	}
}

func TestAnnouncePutGetCompletes(t *testing.T) {
	a := newTestArchive(t)
	fi := testFileInfo("docs/readme.txt", 10, 4) // 3 pieces: 4,4,2

	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	pieces := [][]byte{
		{'a', 'a', 'a', 'a'},
		{'b', 'b', 'b', 'b'},
		{'c', 'c'},
	}

	var lastOutcome PutOutcome
	for i, data := range pieces {
		outcome, err := a.Put(Piece{Spec: PieceSpec{File: fi, Index: i}, Bytes: data})
		if err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
		lastOutcome = outcome
	}
	if lastOutcome != PutCompleted {
		t.Fatalf("last Put outcome = %v; want PutCompleted", lastOutcome)
	}

	select {
	case ev := <-a.Events():
		if ev.Info.Id != fi.Id {
			t.Fatalf("completion event for wrong file: %v", ev.Info.Id)
		}
	default:
		t.Fatalf("expected a completion event")
	}

	for i, want := range pieces {
		got, err := a.Get(PieceSpec{File: fi, Index: i})
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if string(got.Bytes) != string(want) {
			t.Fatalf("Get(%d) = %q; want %q", i, got.Bytes, want)
		}
	}
}

func TestPutDuplicate(t *testing.T) {
	a := newTestArchive(t)
	fi := testFileInfo("a.bin", 4, 4)

	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	spec := PieceSpec{File: fi, Index: 0}
	data := []byte{1, 2, 3, 4}

	first, err := a.Put(Piece{Spec: spec, Bytes: data})
	if err != nil || first != PutCompleted {
		t.Fatalf("first Put = %v, %v; want PutCompleted", first, err)
	}

	second, err := a.Put(Piece{Spec: spec, Bytes: data})
	if err != nil || second != PutDuplicate {
		t.Fatalf("second Put = %v, %v; want PutDuplicate", second, err)
	}
}

func TestGetBeforePieceSetFails(t *testing.T) {
	a := newTestArchive(t)
	fi := testFileInfo("a.bin", 8, 4)

	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if _, err := a.Get(PieceSpec{File: fi, Index: 1}); err != ErrPieceNotLocal {
		t.Fatalf("Get on missing piece = %v; want ErrPieceNotLocal", err)
	}
}

func TestAnnounceIncompatibleFileInfo(t *testing.T) {
	a := newTestArchive(t)
	fi := testFileInfo("a.bin", 8, 4)
	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	bad := fi
	bad.Size = 16
	if err := a.Announce(bad); err != ErrIncompatibleFileInfo {
		t.Fatalf("Announce with incompatible size = %v; want ErrIncompatibleFileInfo", err)
	}
}

func TestRemoveDeletesFileAndSidecar(t *testing.T) {
	a := newTestArchive(t)
	fi := testFileInfo("a.bin", 8, 4)
	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if err := a.Remove(fi.Id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := os.Stat(a.absPath(fi.Id.Path)); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(a.bitsPath(fi.Id.Path)); !os.IsNotExist(err) {
		t.Fatalf("expected bits sidecar to be removed, stat err = %v", err)
	}
}

func TestRestoreCompletedFileSkipsReassembly(t *testing.T) {
	a := newTestArchive(t)
	fi := testFileInfo("a.bin", 4, 4)

	if err := a.Announce(fi); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if _, err := a.Put(Piece{Spec: PieceSpec{File: fi, Index: 0}, Bytes: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	<-a.Events()

	b := newTestArchive(t)
	b.rootDir = a.rootDir
	if err := b.Restore(fi); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := b.Get(PieceSpec{File: fi, Index: 0})
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if len(got.Bytes) != 4 {
		t.Fatalf("unexpected piece length %d", len(got.Bytes))
	}

	select {
	case <-b.Events():
		t.Fatalf("Restore must not re-emit a completion event")
	default:
	}
}

func TestWalkExcludesAdminSubtree(t *testing.T) {
	a := newTestArchive(t)
	visible := testFileInfo("public/file.bin", 4, 4)
	admin := testFileInfo("admin/FilterServerMap", 4, 4)

	if err := a.Announce(visible); err != nil {
		t.Fatalf("Announce visible: %v", err)
	}
	// Admin entries are never announced through the normal path in
	// practice, but Walk's exclusion rule must hold regardless of how an
	// entry made it into the table.
	a.mut.Lock()
	a.entries[admin.Id] = &entry{info: admin, bits: bitset.NewComplete(admin.PieceCount())}
	a.mut.Unlock()

	results := a.Walk(nil)
	if len(results) != 1 || results[0].Info.Id != visible.Id {
		t.Fatalf("Walk() = %+v; want only the visible file", results)
	}
}

func newTestArchiveWithTTL(t *testing.T) *Archive {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(Config{RootDir: dir, TTLQueuePath: filepath.Join(dir, "admin", "deletion-queue")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestFileIdStringRoundTrips(t *testing.T) {
	id := FileId{Path: ArchivePath("docs/a@b.txt"), Time: NewArchiveTime(time.Unix(1700000000, 0))}
	got, err := ParseFileId(id.String())
	if err != nil {
		t.Fatalf("ParseFileId: %v", err)
	}
	if got != id {
		t.Fatalf("ParseFileId(%q) = %+v; want %+v", id.String(), got, id)
	}
}

func TestScheduleRemoveWithoutTTLQueueIsDisabled(t *testing.T) {
	a := newTestArchive(t)
	fi := testFileInfo("a.bin", 4, 4)
	if err := a.ScheduleRemove(fi.Id, time.Now()); err != ErrTTLDisabled {
		t.Fatalf("ScheduleRemove err = %v; want ErrTTLDisabled", err)
	}
}

func TestProcessDueRemovalsDeletesOnlyExpiredFiles(t *testing.T) {
	a := newTestArchiveWithTTL(t)

	expired := testFileInfo("expired.bin", 4, 4)
	notYet := testFileInfo("not-yet.bin", 4, 4)
	if err := a.Announce(expired); err != nil {
		t.Fatalf("Announce expired: %v", err)
	}
	if err := a.Announce(notYet); err != nil {
		t.Fatalf("Announce notYet: %v", err)
	}

	now := time.Now()
	if err := a.ScheduleRemove(expired.Id, now.Add(-time.Minute)); err != nil {
		t.Fatalf("ScheduleRemove expired: %v", err)
	}
	if err := a.ScheduleRemove(notYet.Id, now.Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleRemove notYet: %v", err)
	}

	removed, err := a.ProcessDueRemovals(now)
	if err != nil {
		t.Fatalf("ProcessDueRemovals: %v", err)
	}
	if len(removed) != 1 || removed[0] != expired.Id {
		t.Fatalf("ProcessDueRemovals() = %+v; want only %v", removed, expired.Id)
	}

	if _, err := os.Stat(a.absPath(expired.Id.Path)); !os.IsNotExist(err) {
		t.Fatalf("expected expired file to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(a.absPath(notYet.Id.Path)); err != nil {
		t.Fatalf("not-yet-expired file should still exist: %v", err)
	}
}
