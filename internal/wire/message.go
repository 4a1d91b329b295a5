// Package wire implements Sruth's peer-to-peer wire format: length-prefixed,
// self-describing framed messages, and the three-socket Connection that
// coalesces a client's notice/request/data streams into one logical
// connection on the server side.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
)

// ConnectionId coalesces a client's three sockets into one logical
// connection. The client generates it once and replays it on every
// socket it opens.
type ConnectionId struct {
	LocalServer topology.ServerAddress
	Nonce       uint64
}

// NodeInfo is exchanged during handshake.
type NodeInfo struct {
	ServerAddress topology.ServerAddress
	Predicate     filter.Predicate
}

// AddedFileNotice advertises a file the sender holds (fully or partially).
type AddedFileNotice struct {
	Info archive.FileInfo
}

// AddedPieceNotice advertises a single newly-held piece.
type AddedPieceNotice struct {
	Spec archive.PieceSpec
}

// NoticesOfPieces is a batched form of AddedPieceNotice. Specs are
// ordered (FileId, index) ascending, the canonical PieceSpecSet iteration
// order, so the receiver can fold them back into a set deterministically.
type NoticesOfPieces struct {
	Specs []archive.PieceSpec
}

// RemovedFilesNotice announces that files have left the archive. Only the
// FileSetSpec shape is carried; see the design notes for why the older
// path-set form isn't.
type RemovedFilesNotice struct {
	Files []archive.FileId
}

// DoneNotice signals "no more notices from me" on the notice stream.
type DoneNotice struct{}

// RequestOfPieces asks the peer for the listed pieces on the request
// stream.
type RequestOfPieces struct {
	Specs []archive.PieceSpec
}

// Tracker task messages. archive.Piece itself (Spec + Bytes) doubles as
// the data-stream wire message; it needs no wrapper.

type TopologyGetter struct {
	Filter      filter.Filter
	LocalServer topology.ServerAddress
}

type NetworkGetter struct {
	Filter      filter.Filter
	LocalServer topology.ServerAddress
}

type Register struct {
	Server topology.ServerAddress
	Filter filter.Filter
}

type Unregister struct {
	Server topology.ServerAddress
}

// TrackerResponse answers a TopologyGetter/NetworkGetter.
type TrackerResponse struct {
	Topology         topology.Topology
	ReportingAddress topology.ServerAddress
}

func init() {
	for _, v := range []any{
		ConnectionId{},
		NodeInfo{},
		AddedFileNotice{},
		AddedPieceNotice{},
		NoticesOfPieces{},
		RemovedFilesNotice{},
		DoneNotice{},
		RequestOfPieces{},
		archive.Piece{},
		TopologyGetter{},
		NetworkGetter{},
		Register{},
		Unregister{},
		TrackerResponse{},
	} {
		gob.Register(v)
	}
}

// envelope carries a concrete message behind an interface so that one
// frame format serves every message type, preserving the sender's class
// tag the way spec's wire contract requires.
type envelope struct {
	Message any
}

const maxFrameLength = 64 << 20 // generous bound against a corrupt length prefix

var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d bytes", maxFrameLength)

// WriteFrame gob-encodes msg and writes it length-prefixed to w.
func WriteFrame(w io.Writer, msg any) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(envelope{Message: msg}); err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}

	var lp [4]byte
	binary.BigEndian.PutUint32(lp[:], uint32(body.Len()))
	if _, err := w.Write(lp[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads and gob-decodes one length-prefixed frame from r.
func ReadFrame(r io.Reader) (any, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length > maxFrameLength {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&env); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return env.Message, nil
}
