// Package protocol defines the LeafSync wire messages and their framing.
// Every frame is a 4-byte big-endian length prefix followed by a CBOR
// encoding of a tagged Message. The tag set is closed; decoding failures are
// fatal to the stream that produced them.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/gks2022004/leafsync/internal/chunker"
)

// Protocol version carried in the Version handshake. Each side accepts only
// a matching major; minor is advisory.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// MaxFrameSize bounds a single frame: one chunk of payload plus headroom for
// the per-file hash vector of very large files.
const MaxFrameSize = chunker.ChunkSize + 16*1024*1024

// Type tags a Message. The zero value is invalid so an empty frame never
// decodes into a usable message.
type Type uint8

const (
	TypeVersion Type = iota + 1
	TypeHello
	TypeSummary
	TypeRequestFile
	TypeFileMeta
	TypeRequestChunks
	TypeChunkData
	TypeDone
)

func (t Type) String() string {
	switch t {
	case TypeVersion:
		return "VERSION"
	case TypeHello:
		return "HELLO"
	case TypeSummary:
		return "SUMMARY"
	case TypeRequestFile:
		return "REQUEST_FILE"
	case TypeFileMeta:
		return "FILE_META"
	case TypeRequestChunks:
		return "REQUEST_CHUNKS"
	case TypeChunkData:
		return "CHUNK_DATA"
	case TypeDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownType   = errors.New("unknown message type")
)

// FileSummary is the per-file entry of the server's catalog.
type FileSummary struct {
	RelPath    string `cbor:"rel_path"`
	Size       uint64 `cbor:"size"`
	ChunkCount uint64 `cbor:"chunk_count"`
	Root       []byte `cbor:"root"`
}

// Message is the tagged union carried by every frame. Fields beyond Type are
// populated per tag; absent fields decode to their zero values.
type Message struct {
	Type Type `cbor:"type"`

	// Version
	Major uint16 `cbor:"major,omitempty"`
	Minor uint16 `cbor:"minor,omitempty"`

	// Hello. The folder is advisory; the server never derives its root
	// from it.
	Folder string `cbor:"folder,omitempty"`

	// Summary
	Files []FileSummary `cbor:"files,omitempty"`

	// RequestFile, FileMeta, RequestChunks, ChunkData
	RelPath string `cbor:"rel_path,omitempty"`

	// FileMeta
	Size        uint64   `cbor:"size,omitempty"`
	ChunkCount  uint64   `cbor:"chunk_count,omitempty"`
	Root        []byte   `cbor:"root,omitempty"`
	ChunkHashes [][]byte `cbor:"chunk_hashes,omitempty"`

	// RequestChunks
	Indices []uint64 `cbor:"indices,omitempty"`

	// ChunkData
	Index uint64 `cbor:"index,omitempty"`
	Data  []byte `cbor:"data,omitempty"`
}

// Write encodes m and writes one length-prefixed frame.
func Write(w io.Writer, m *Message) error {
	payload, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("encode %s: %w (%d bytes)", m.Type, ErrFrameTooLarge, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// Read reads one frame and decodes it. A clean end of stream before the
// header surfaces as io.EOF; a stream cut mid-frame is an error.
func Read(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("read frame: %w (%d bytes)", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	var m Message
	if err := cbor.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type < TypeVersion || m.Type > TypeDone {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
	return &m, nil
}

// Version builds the handshake message.
func Version() *Message {
	return &Message{Type: TypeVersion, Major: VersionMajor, Minor: VersionMinor}
}

// Done builds the sub-exchange terminator.
func Done() *Message {
	return &Message{Type: TypeDone}
}

// HashesToWire flattens fixed-size chunk hashes into wire byte slices.
func HashesToWire(chunks []chunker.ChunkInfo) [][]byte {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		h := c.Hash
		out[i] = h[:]
	}
	return out
}

// HashesFromWire parses wire byte slices back into fixed-size hashes,
// rejecting any entry that is not exactly one digest long.
func HashesFromWire(raw [][]byte) ([][chunker.HashSize]byte, error) {
	out := make([][chunker.HashSize]byte, len(raw))
	for i, b := range raw {
		if len(b) != chunker.HashSize {
			return nil, fmt.Errorf("chunk hash %d: expected %d bytes, got %d", i, chunker.HashSize, len(b))
		}
		copy(out[i][:], b)
	}
	return out, nil
}

// RootFromWire parses a declared root hash.
func RootFromWire(raw []byte) ([chunker.HashSize]byte, error) {
	var root [chunker.HashSize]byte
	if len(raw) != chunker.HashSize {
		return root, fmt.Errorf("root hash: expected %d bytes, got %d", chunker.HashSize, len(raw))
	}
	copy(root[:], raw)
	return root, nil
}
