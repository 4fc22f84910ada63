package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/gks2022004/leafsync/internal/chunker"
	"github.com/gks2022004/leafsync/internal/observability"
	"github.com/gks2022004/leafsync/internal/pinning"
	"github.com/gks2022004/leafsync/internal/protocol"
	"github.com/gks2022004/leafsync/internal/ratelimit"
	"github.com/gks2022004/leafsync/internal/staging"
	"github.com/gks2022004/leafsync/internal/state"
	"github.com/gks2022004/leafsync/internal/status"
	"github.com/gks2022004/leafsync/internal/transport"
)

// ClientConfig configures a connecting peer.
type ClientConfig struct {
	// Addr is the server address (host:port) and the key for both trust
	// pins and resume entries.
	Addr string
	// Folder is the local root being synchronized.
	Folder string
	// AcceptFirst authorizes trust-on-first-use pinning.
	AcceptFirst bool
	// Fingerprint is an explicit expected fingerprint overriding the
	// trust store for this session.
	Fingerprint string
	// OnlyFile restricts the sync to one relative path.
	OnlyFile string
	// Mirror moves local files absent on the server into the trash tree.
	// Applied only to whole-folder syncs.
	Mirror bool
	// Streams is the download parallelism, clamped to [1,16].
	Streams int
	// RateBytesPerSec bounds aggregate chunk throughput; zero means
	// unlimited.
	RateBytesPerSec float64
	// StateDir overrides the per-user state directory (tests).
	StateDir string
}

// Client runs one sync session: pull everything the server has, mirror
// deletes when asked, then offer local files back.
type Client struct {
	cfg       ClientConfig
	log       *observability.Logger
	metrics   *observability.Metrics
	trust     *state.TrustStore
	resume    *state.ResumeStore
	limiter   *ratelimit.TokenBucket
	sessionID string
}

// NewClient creates a client for cfg.
func NewClient(cfg ClientConfig, log *observability.Logger) (*Client, error) {
	dir := cfg.StateDir
	if dir == "" {
		var err error
		dir, err = state.Dir()
		if err != nil {
			return nil, err
		}
	}
	cfg.StateDir = dir
	sessionID := uuid.New().String()
	return &Client{
		cfg:       cfg,
		log:       log.WithSession(sessionID).WithPeer(cfg.Addr),
		metrics:   observability.GetMetrics(),
		trust:     state.NewTrustStore(dir),
		resume:    state.NewResumeStore(dir),
		limiter:   ratelimit.New(cfg.RateBytesPerSec),
		sessionID: sessionID,
	}, nil
}

// Run executes the session until completion or a fatal error.
func (c *Client) Run(ctx context.Context) error {
	ctx, span := observability.StartSessionSpan(ctx, c.sessionID, c.cfg.Addr, c.cfg.Folder)

	status.SetActive(true)
	c.metrics.SessionsActive.Inc()
	defer c.metrics.SessionsActive.Dec()
	start := time.Now()

	err := c.run(ctx)
	observability.EndSpan(span, err)
	ok := err == nil
	if ok {
		c.metrics.SessionsTotal.WithLabelValues("ok").Inc()
		status.SessionDone(true, "sync complete")
	} else {
		c.metrics.SessionsTotal.WithLabelValues("error").Inc()
		status.SessionDone(false, err.Error())
	}
	c.log.SessionDone(c.cfg.Addr, ok, time.Since(start))
	return err
}

func (c *Client) run(ctx context.Context) error {
	expected := c.cfg.Fingerprint
	if expected == "" {
		pinned, err := c.trust.Get(c.cfg.Addr)
		if err != nil {
			return err
		}
		expected = pinned
	}
	verifier := &pinning.Verifier{
		Addr:        c.cfg.Addr,
		Expected:    expected,
		AcceptFirst: c.cfg.AcceptFirst,
		Trust:       c.trust,
	}

	conn, err := transport.Dial(ctx, c.cfg.Addr, verifier.VerifyPeerCertificate)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "session complete")

	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	defer ctrl.Close()

	files, err := c.handshake(ctrl)
	if err != nil {
		return err
	}

	var firstErr error
	remote := make(map[string]bool, len(files))
	for _, f := range files {
		rel, err := staging.CleanRel(f.RelPath)
		if err != nil {
			c.log.Error(err, "skipping unsafe remote path")
			continue
		}
		remote[rel] = true
		if c.cfg.OnlyFile != "" && rel != c.cfg.OnlyFile {
			continue
		}
		if err := c.syncFile(ctx, conn, ctrl, rel); err != nil {
			c.log.WithFile(rel).Error(err, "file sync failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if c.cfg.Mirror && c.cfg.OnlyFile == "" {
		if err := c.mirrorDeletes(remote); err != nil {
			c.log.Error(err, "mirror pass failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := c.pushLocal(ctx, ctrl); err != nil {
		c.log.Error(err, "push phase failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := protocol.Write(ctrl, protocol.Done()); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	// The server reads the final Done only after it has applied the last
	// push, then closes its side of the control stream. Waiting for that
	// close keeps the connection open until the push has landed.
	if _, err := protocol.Read(ctrl); err != nil && err != io.EOF && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// handshake drives the client half of the state machine up to ACTIVE and
// returns the server's summary.
func (c *Client) handshake(ctrl *quic.Stream) ([]protocol.FileSummary, error) {
	st := StateVersioning
	if err := protocol.Write(ctrl, protocol.Version()); err != nil {
		return nil, err
	}
	msg, err := protocol.Read(ctrl)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeVersion || msg.Major != protocol.VersionMajor {
		return nil, fmt.Errorf("%w in state %s: got %s %d.%d", ErrVersionMismatch, st, msg.Type, msg.Major, msg.Minor)
	}
	st = StateHello

	if err := protocol.Write(ctrl, &protocol.Message{Type: protocol.TypeHello, Folder: c.cfg.Folder}); err != nil {
		return nil, err
	}
	st = StateSummarized

	msg, err = protocol.Read(ctrl)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeSummary {
		return nil, fmt.Errorf("expected SUMMARY in state %s, got %s", st, msg.Type)
	}
	return msg.Files, nil
}

// syncFile negotiates one file on the control stream and hands the transfer
// to the parallel downloader.
func (c *Client) syncFile(ctx context.Context, conn *quic.Conn, ctrl *quic.Stream, rel string) error {
	if err := protocol.Write(ctrl, &protocol.Message{Type: protocol.TypeRequestFile, RelPath: rel}); err != nil {
		return err
	}
	meta, err := protocol.Read(ctrl)
	if err != nil {
		return err
	}
	if meta.Type == protocol.TypeDone {
		// Filtered out or no longer available on the server.
		return nil
	}
	if meta.Type != protocol.TypeFileMeta {
		return fmt.Errorf("expected FILE_META for %s, got %s", rel, meta.Type)
	}
	root, err := protocol.RootFromWire(meta.Root)
	if err != nil {
		return err
	}
	remoteHashes, err := protocol.HashesFromWire(meta.ChunkHashes)
	if err != nil {
		return err
	}

	local, err := localChunks(c.cfg.Folder, rel)
	if err != nil {
		return err
	}
	if fileExists(c.cfg.Folder, rel) && sumChunkSizes(local) == meta.Size && chunker.RootOfChunks(local) == root {
		c.log.WithFile(rel).Debug("up to date")
		return nil
	}
	base := chunker.DiffIndices(local, remoteHashes)
	fctx, span := observability.StartFileSpan(ctx, rel, meta.Size)
	err = c.download(fctx, conn, rel, meta.Size, meta.ChunkCount, root, base)
	observability.EndSpan(span, err)
	return err
}

// mirrorDeletes moves local files the server does not have into the trash
// tree, skipping the hard-coded ignore set.
func (c *Client) mirrorDeletes(remote map[string]bool) error {
	locals, err := chunker.RelPaths(c.cfg.Folder)
	if err != nil {
		return err
	}
	ts := staging.TrashTimestamp(time.Now())
	for _, rel := range locals {
		if remote[rel] || staging.Ignored(rel) {
			continue
		}
		if err := staging.MoveToTrash(c.cfg.Folder, rel, ts); err != nil {
			return err
		}
		c.log.WithFile(rel).Info("moved to trash (mirror)")
	}
	return nil
}

// pushLocal offers every local file to the server and streams whatever the
// server asks for. Requests and responses stay strictly paired on the
// control stream.
func (c *Client) pushLocal(ctx context.Context, ctrl *quic.Stream) error {
	locals, err := chunker.RelPaths(c.cfg.Folder)
	if err != nil {
		return err
	}
	for _, rel := range locals {
		if c.cfg.OnlyFile != "" && rel != c.cfg.OnlyFile {
			continue
		}
		if err := c.pushFile(ctx, ctrl, rel); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) pushFile(ctx context.Context, ctrl *quic.Stream, rel string) error {
	offer, err := fileMeta(c.cfg.Folder, rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := protocol.Write(ctrl, offer); err != nil {
		return err
	}
	resp, err := protocol.Read(ctrl)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("server closed during push of %s", rel)
		}
		return err
	}
	if resp.Type == protocol.TypeDone {
		// Filtered out on the server.
		return nil
	}
	if resp.Type != protocol.TypeRequestChunks {
		return fmt.Errorf("expected REQUEST_CHUNKS for push of %s, got %s", rel, resp.Type)
	}

	abs := staging.FinalPath(c.cfg.Folder, rel)
	for _, idx := range resp.Indices {
		data, err := chunker.ReadChunk(abs, idx)
		if err != nil {
			data = nil
		}
		if err := c.limiter.Wait(ctx, len(data)); err != nil {
			return err
		}
		msg := &protocol.Message{Type: protocol.TypeChunkData, RelPath: rel, Index: idx, Data: data}
		if err := protocol.Write(ctrl, msg); err != nil {
			return err
		}
		c.metrics.ChunksSentTotal.Inc()
		c.metrics.BytesTransferredTotal.WithLabelValues("sent").Add(float64(len(data)))
	}
	return protocol.Write(ctrl, protocol.Done())
}
