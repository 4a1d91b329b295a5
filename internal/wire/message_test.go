package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	fi := archive.FileInfo{
		Id:        archive.FileId{Path: "a/b.txt", Time: archive.NewArchiveTime(time.Unix(1700000000, 0))},
		Size:      10,
		PieceSize: 4,
	}

	cases := []any{
		ConnectionId{Nonce: 42},
		NodeInfo{Predicate: filter.NewPredicate(filter.New("a"))},
		AddedFileNotice{Info: fi},
		NoticesOfPieces{Specs: []archive.PieceSpec{{File: fi, Index: 0}, {File: fi, Index: 1}}},
		DoneNotice{},
		archive.Piece{Spec: archive.PieceSpec{File: fi, Index: 0}, Bytes: []byte{1, 2, 3, 4}},
	}

	for _, msg := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, msg); err != nil {
			t.Fatalf("WriteFrame(%T): %v", msg, err)
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame(%T): %v", msg, err)
		}
		if got == nil {
			t.Fatalf("ReadFrame(%T) returned nil", msg)
		}
	}
}

func TestNodeInfoPredicateSurvivesRoundTrip(t *testing.T) {
	pred := filter.NewPredicate(filter.New("docs"), filter.New("media/video"))
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NodeInfo{Predicate: pred}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	ni, ok := got.(NodeInfo)
	if !ok {
		t.Fatalf("ReadFrame returned %T; want NodeInfo", got)
	}
	if !ni.Predicate.SatisfiedBy("docs/readme.txt") {
		t.Fatalf("decoded predicate lost its filters")
	}
}

func TestTrackerResponseTopologySurvivesRoundTrip(t *testing.T) {
	server := topology.ServerAddress{}
	topo := topology.Empty().Register(server, filter.New("a"))

	var buf bytes.Buffer
	if err := WriteFrame(&buf, TrackerResponse{Topology: topo}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	resp, ok := got.(TrackerResponse)
	if !ok {
		t.Fatalf("ReadFrame returned %T; want TrackerResponse", got)
	}
	if len(resp.Topology.Servers()) != 1 {
		t.Fatalf("decoded topology lost its server")
	}
}
