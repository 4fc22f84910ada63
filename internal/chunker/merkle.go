package chunker

import "crypto/sha256"

// Tree is a binary hash tree over the chunk hashes of a single file.
// Leaves holds one hash per chunk; Upper[0] holds the parents of the leaves
// and the last level of Upper has exactly one node, the root. A file with a
// single chunk has no upper levels.
type Tree struct {
	Leaves [][HashSize]byte
	Upper  [][][HashSize]byte
}

// BuildTree constructs the Merkle tree for an ordered chunk list. At each
// level an odd trailing node is paired with itself.
func BuildTree(chunks []ChunkInfo) *Tree {
	leaves := make([][HashSize]byte, len(chunks))
	for i, c := range chunks {
		leaves[i] = c.Hash
	}
	t := &Tree{Leaves: leaves}
	level := leaves
	for len(level) > 1 {
		next := make([][HashSize]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		t.Upper = append(t.Upper, next)
		level = next
	}
	return t
}

// Root returns the root hash: the top node, the sole leaf for single-chunk
// files, or all zeros for an empty file.
func (t *Tree) Root() [HashSize]byte {
	if len(t.Leaves) == 0 {
		return [HashSize]byte{}
	}
	if len(t.Upper) == 0 {
		return t.Leaves[0]
	}
	return t.Upper[len(t.Upper)-1][0]
}

// RootOfChunks is a convenience wrapper for BuildTree(chunks).Root().
func RootOfChunks(chunks []ChunkInfo) [HashSize]byte {
	return BuildTree(chunks).Root()
}

func hashPair(a, b [HashSize]byte) [HashSize]byte {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DiffIndices returns, in ascending order, every index i < len(remote) where
// the local chunk is absent or its hash differs from remote[i]. Trailing
// local chunks beyond the remote length are not reported; the post-receive
// truncation to the declared size removes them.
func DiffIndices(local []ChunkInfo, remote [][HashSize]byte) []uint64 {
	var need []uint64
	for i, rh := range remote {
		if i >= len(local) || local[i].Hash != rh {
			need = append(need, uint64(i))
		}
	}
	return need
}
