package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gks2022004/leafsync/internal/chunker"
)

// ResumeEntry records which chunks of one (peer, path, root) transfer are
// durably staged. Have is a little-endian-within-byte bitset of length
// ceil(chunk_count/8); bit i set means chunk i was written to staging.
type ResumeEntry struct {
	Size       uint64 `json:"size"`
	ChunkCount uint64 `json:"chunk_count"`
	Root       []byte `json:"root"`
	Have       []byte `json:"have"`
}

type resumeFile struct {
	Entries map[string]ResumeEntry `json:"entries"`
}

// ResumeStore persists resume bitmaps in resume.json under dir. The store is
// advisory: losing it only costs re-downloading chunks that were already
// staged. Bits transition 0→1 within a metadata epoch; any change to
// size/chunk_count/root resets the entry before the first new bit is set.
type ResumeStore struct {
	dir string
}

// NewResumeStore returns a store rooted at dir.
func NewResumeStore(dir string) *ResumeStore {
	return &ResumeStore{dir: dir}
}

func (rs *ResumeStore) path() string {
	return filepath.Join(rs.dir, "resume.json")
}

// Key builds the store key for one transfer.
func Key(addr, relPath string, root [chunker.HashSize]byte) string {
	return addr + "|" + relPath + "|" + hex.EncodeToString(root[:])
}

func (rs *ResumeStore) load() (*resumeFile, error) {
	data, err := os.ReadFile(rs.path())
	if os.IsNotExist(err) {
		return &resumeFile{Entries: make(map[string]ResumeEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rs.path(), err)
	}
	var rf resumeFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", rs.path(), err)
	}
	if rf.Entries == nil {
		rf.Entries = make(map[string]ResumeEntry)
	}
	return &rf, nil
}

func (rs *ResumeStore) save(rf *resumeFile) error {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(rs.path(), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", rs.path(), err)
	}
	return nil
}

func bitmapLen(chunkCount uint64) int {
	return int((chunkCount + 7) / 8)
}

func setBit(bits []byte, i uint64) {
	byteIdx := i / 8
	if byteIdx < uint64(len(bits)) {
		bits[byteIdx] |= 1 << (i % 8)
	}
}

func getBit(bits []byte, i uint64) bool {
	byteIdx := i / 8
	if byteIdx >= uint64(len(bits)) {
		return false
	}
	return bits[byteIdx]&(1<<(i%8)) != 0
}

func (e *ResumeEntry) matches(size, chunkCount uint64, root [chunker.HashSize]byte) bool {
	if e.Size != size || e.ChunkCount != chunkCount || len(e.Root) != chunker.HashSize {
		return false
	}
	for i, b := range e.Root {
		if root[i] != b {
			return false
		}
	}
	return true
}

// MissingIndices returns the chunk indices whose bit is clear, or nil when no
// entry exists or its metadata no longer matches the current negotiation.
func (rs *ResumeStore) MissingIndices(addr, relPath string, size, chunkCount uint64, root [chunker.HashSize]byte) ([]uint64, error) {
	rf, err := rs.load()
	if err != nil {
		return nil, err
	}
	entry, ok := rf.Entries[Key(addr, relPath, root)]
	if !ok || !entry.matches(size, chunkCount, root) {
		return nil, nil
	}
	missing := make([]uint64, 0)
	for i := uint64(0); i < chunkCount; i++ {
		if !getBit(entry.Have, i) {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// MarkMany sets the bit for each index, creating the entry on first use and
// resetting it first if the stored metadata differs.
func (rs *ResumeStore) MarkMany(addr, relPath string, size, chunkCount uint64, root [chunker.HashSize]byte, indices []uint64) error {
	rf, err := rs.load()
	if err != nil {
		return err
	}
	key := Key(addr, relPath, root)
	entry, ok := rf.Entries[key]
	if !ok || !entry.matches(size, chunkCount, root) {
		entry = ResumeEntry{
			Size:       size,
			ChunkCount: chunkCount,
			Root:       append([]byte(nil), root[:]...),
			Have:       make([]byte, bitmapLen(chunkCount)),
		}
	}
	for _, i := range indices {
		setBit(entry.Have, i)
	}
	rf.Entries[key] = entry
	return rs.save(rf)
}

// Clear removes the entry for one transfer. Clearing an absent entry is not
// an error.
func (rs *ResumeStore) Clear(addr, relPath string, root [chunker.HashSize]byte) error {
	rf, err := rs.load()
	if err != nil {
		return err
	}
	key := Key(addr, relPath, root)
	if _, ok := rf.Entries[key]; !ok {
		return nil
	}
	delete(rf.Entries, key)
	return rs.save(rf)
}
