package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/gks2022004/leafsync/internal/chunker"
	"github.com/gks2022004/leafsync/internal/protocol"
	"github.com/gks2022004/leafsync/internal/staging"
	"github.com/gks2022004/leafsync/internal/status"
)

// resumeFlushEvery bounds how many newly staged chunks a shard accumulates
// before persisting a resume batch. Marking per chunk would rewrite the
// store O(N) times per file.
const resumeFlushEvery = 32

// ErrMerkleMismatch marks a staged file whose recomputed root contradicts
// the peer's declaration. The staged copy is kept for diagnosis and resume.
var ErrMerkleMismatch = fmt.Errorf("staged file failed merkle root verification")

// download transfers the needed chunks of rel across parallel substreams,
// then truncates, verifies, and finalizes the staged file.
//
// The effective request set is the base diff intersected with the resume
// store's missing set when a matching entry exists. Chunks are partitioned
// round-robin across the substreams so a slow shard holds back at most every
// S-th chunk rather than a contiguous range.
func (c *Client) download(ctx context.Context, conn *quic.Conn, rel string, size, chunkCount uint64, root [chunker.HashSize]byte, base []uint64) error {
	start := time.Now()

	resumeMissing, err := c.resume.MissingIndices(c.cfg.Addr, rel, size, chunkCount, root)
	if err != nil {
		c.log.WithFile(rel).Error(err, "resume store read failed; continuing without resume")
		resumeMissing = nil
	}
	if resumeMissing != nil && !staging.Exists(c.cfg.Folder, rel) {
		// The bitmap claims staged chunks but the staged file is gone:
		// the entry is stale, start a fresh epoch.
		resumeMissing = nil
	}

	effective := base
	if resumeMissing != nil {
		effective = intersect(base, resumeMissing)
	} else {
		if err := staging.SeedFromLocal(c.cfg.Folder, rel); err != nil {
			return err
		}
	}

	status.StartFile(rel, size)
	c.log.FileSyncStarted(rel, size, len(effective))

	var bytesReceived atomic.Uint64
	var receivedMu sync.Mutex
	received := make([]uint64, 0, len(effective))

	if len(effective) > 0 {
		streams := clampStreams(c.cfg.Streams)
		shards := make([][]uint64, streams)
		for i, idx := range effective {
			shards[i%streams] = append(shards[i%streams], idx)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, shard := range shards {
			if len(shard) == 0 {
				continue
			}
			shard := shard
			g.Go(func() error {
				return c.fetchShard(gctx, conn, rel, size, chunkCount, root, shard, &bytesReceived, &receivedMu, &received)
			})
		}
		err := g.Wait()

		// Persist whatever arrived, even on failure: the next session
		// resumes from here.
		receivedMu.Lock()
		batch := append([]uint64(nil), received...)
		receivedMu.Unlock()
		if len(batch) > 0 {
			if merr := c.resume.MarkMany(c.cfg.Addr, rel, size, chunkCount, root, batch); merr != nil {
				c.log.WithFile(rel).Error(merr, "resume store write failed")
			}
		}
		if err != nil {
			status.FileDone(false, err.Error())
			return err
		}
	}

	if err := c.verifyAndFinalize(rel, size, root); err != nil {
		return err
	}

	elapsed := time.Since(start)
	c.metrics.TransferDuration.Observe(elapsed.Seconds())
	c.log.FileSyncDone(rel, true, bytesReceived.Load(), elapsed)
	return nil
}

// fetchShard opens one substream, requests its shard, and stages every chunk
// that arrives until Done.
func (c *Client) fetchShard(ctx context.Context, conn *quic.Conn, rel string, size, chunkCount uint64, root [chunker.HashSize]byte, shard []uint64, bytesReceived *atomic.Uint64, receivedMu *sync.Mutex, received *[]uint64) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open substream for %s: %w", rel, err)
	}
	defer stream.Close()

	req := &protocol.Message{Type: protocol.TypeRequestChunks, RelPath: rel, Indices: shard}
	if err := protocol.Write(stream, req); err != nil {
		return err
	}

	pending := make([]uint64, 0, resumeFlushEvery)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := c.resume.MarkMany(c.cfg.Addr, rel, size, chunkCount, root, pending); err != nil {
			c.log.WithFile(rel).Error(err, "resume batch write failed")
		}
		pending = pending[:0]
	}
	defer flush()

	for {
		msg, err := protocol.Read(stream)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch msg.Type {
		case protocol.TypeChunkData:
			if msg.RelPath != rel {
				continue
			}
			if len(msg.Data) == 0 {
				// Missing at the server (read past EOF); left
				// unmarked so a later session can re-request it.
				continue
			}
			if err := c.limiter.Wait(ctx, len(msg.Data)); err != nil {
				return err
			}
			if err := staging.ApplyChunk(c.cfg.Folder, rel, msg.Index, msg.Data); err != nil {
				return err
			}
			receivedMu.Lock()
			*received = append(*received, msg.Index)
			receivedMu.Unlock()
			pending = append(pending, msg.Index)
			if len(pending) >= resumeFlushEvery {
				flush()
			}
			total := bytesReceived.Add(uint64(len(msg.Data)))
			status.Progress(total)
			c.metrics.ChunksReceivedTotal.Inc()
			c.metrics.BytesTransferredTotal.WithLabelValues("received").Add(float64(len(msg.Data)))
		case protocol.TypeDone:
			return nil
		default:
			// Unknown or out-of-context message on a substream:
			// ignored.
		}
	}
}

// verifyAndFinalize truncates the staged file to the declared size,
// recomputes its Merkle root, and swaps it into place only on a match. A
// mismatch keeps the staged file and leaves the resume entry for the next
// attempt.
func (c *Client) verifyAndFinalize(rel string, size uint64, root [chunker.HashSize]byte) error {
	if err := staging.TruncateToSize(c.cfg.Folder, rel, size); err != nil {
		status.FileDone(false, err.Error())
		return err
	}
	staged, err := chunker.ChunkFile(staging.Path(c.cfg.Folder, rel))
	if err != nil {
		status.FileDone(false, err.Error())
		return err
	}
	if chunker.RootOfChunks(staged) != root {
		c.metrics.MerkleVerificationsTotal.WithLabelValues("mismatch").Inc()
		status.FileDone(false, "merkle_mismatch")
		return fmt.Errorf("%w: %s", ErrMerkleMismatch, rel)
	}
	c.metrics.MerkleVerificationsTotal.WithLabelValues("ok").Inc()

	if err := staging.Finalize(c.cfg.Folder, rel); err != nil {
		status.FileDone(false, err.Error())
		return err
	}
	if err := c.resume.Clear(c.cfg.Addr, rel, root); err != nil {
		c.log.WithFile(rel).Error(err, "resume clear failed")
	}
	status.FileDone(true, rel)
	return nil
}

// intersect returns the ascending intersection of two ascending index
// slices.
func intersect(a, b []uint64) []uint64 {
	out := make([]uint64, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
