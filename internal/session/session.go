// Package session implements the LeafSync delta protocol: the control-stream
// state machine on both sides, the push phase, and the parallel chunk
// downloader. The server serves an authoritative folder; the client brings
// its folder up to the server's content and then offers its own files back.
package session

import (
	"fmt"
	"os"

	"github.com/gks2022004/leafsync/internal/chunker"
	"github.com/gks2022004/leafsync/internal/protocol"
	"github.com/gks2022004/leafsync/internal/staging"
)

// State names a position in the control-stream state machine. Transitions
// are linear until StateActive, which multiplexes per-message dispatch until
// Done or stream end.
type State int

const (
	StateInit State = iota
	StateVersioning
	StateHello
	StateSummarized
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateVersioning:
		return "VERSIONING"
	case StateHello:
		return "HELLO"
	case StateSummarized:
		return "SUMMARIZED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrVersionMismatch closes the handshake when the peer speaks a different
// major version.
var ErrVersionMismatch = fmt.Errorf("protocol major version mismatch (want %d)", protocol.VersionMajor)

// Stream limits for the parallel downloader.
const (
	MinStreams = 1
	MaxStreams = 16
)

func clampStreams(n int) int {
	if n < MinStreams {
		return MinStreams
	}
	if n > MaxStreams {
		return MaxStreams
	}
	return n
}

// fileMeta computes the authoritative FileMeta for rel under root: size,
// chunk count, every leaf hash, and the Merkle root.
func fileMeta(root, rel string) (*protocol.Message, error) {
	abs := staging.FinalPath(root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	chunks, err := chunker.ChunkFile(abs)
	if err != nil {
		return nil, err
	}
	treeRoot := chunker.RootOfChunks(chunks)
	return &protocol.Message{
		Type:        protocol.TypeFileMeta,
		RelPath:     rel,
		Size:        uint64(info.Size()),
		ChunkCount:  uint64(len(chunks)),
		Root:        treeRoot[:],
		ChunkHashes: protocol.HashesToWire(chunks),
	}, nil
}

// summaries builds the catalog of files under root, restricted to onlyFile
// when set.
func summaries(root, onlyFile string) ([]protocol.FileSummary, error) {
	rels, err := chunker.RelPaths(root)
	if err != nil {
		return nil, err
	}
	var out []protocol.FileSummary
	for _, rel := range rels {
		if onlyFile != "" && rel != onlyFile {
			continue
		}
		abs := staging.FinalPath(root, rel)
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		chunks, err := chunker.ChunkFile(abs)
		if err != nil {
			continue
		}
		treeRoot := chunker.RootOfChunks(chunks)
		out = append(out, protocol.FileSummary{
			RelPath:    rel,
			Size:       uint64(info.Size()),
			ChunkCount: uint64(len(chunks)),
			Root:       treeRoot[:],
		})
	}
	return out, nil
}

// localChunks chunk-hashes the current local copy of rel, or returns nil
// when the file does not exist yet.
func localChunks(root, rel string) ([]chunker.ChunkInfo, error) {
	abs := staging.FinalPath(root, rel)
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil, nil
	}
	return chunker.ChunkFile(abs)
}

// fileExists reports whether rel exists at its final path under root. An
// empty remote file and a missing local file hash identically, so existence
// is part of every up-to-date check.
func fileExists(root, rel string) bool {
	_, err := os.Stat(staging.FinalPath(root, rel))
	return err == nil
}
