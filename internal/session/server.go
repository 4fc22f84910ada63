package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/gks2022004/leafsync/internal/chunker"
	"github.com/gks2022004/leafsync/internal/observability"
	"github.com/gks2022004/leafsync/internal/pinning"
	"github.com/gks2022004/leafsync/internal/protocol"
	"github.com/gks2022004/leafsync/internal/staging"
	"github.com/gks2022004/leafsync/internal/state"
	"github.com/gks2022004/leafsync/internal/transport"
)

// ServerConfig configures a serving peer.
type ServerConfig struct {
	// Folder is the authoritative local root being served.
	Folder string
	// OnlyFile, when set, restricts the summary, RequestFile, and push
	// offers to one relative path. Mismatches are answered with Done.
	OnlyFile string
	// StateDir overrides the per-user state directory (tests).
	StateDir string
}

// Server accepts QUIC connections and answers the delta protocol. Each
// stream is either control-first (Version handshake) or a chunk substream
// opened with a bare RequestChunks; any other first message closes the
// stream.
type Server struct {
	cfg     ServerConfig
	log     *observability.Logger
	metrics *observability.Metrics
	ln      *quic.Listener

	// Fingerprint of the identity certificate, available after Listen.
	Fingerprint string
}

// NewServer creates a server for cfg.
func NewServer(cfg ServerConfig, log *observability.Logger) *Server {
	return &Server{cfg: cfg, log: log, metrics: observability.GetMetrics()}
}

// Listen loads the server identity and binds the QUIC listener on addr.
func (s *Server) Listen(addr string) error {
	dir := s.cfg.StateDir
	if dir == "" {
		var err error
		dir, err = state.Dir()
		if err != nil {
			return err
		}
	}
	cert, certDER, err := pinning.LoadOrGenerateIdentity(dir)
	if err != nil {
		return err
	}
	s.Fingerprint = pinning.Fingerprint(certDER)

	ln, err := transport.Listen(addr, cert)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is canceled. Accept errors on
// individual connections are logged and the accept loop continues.
func (s *Server) Serve(ctx context.Context) error {
	defer s.ln.Close()
	s.log.Info(fmt.Sprintf("serving %s on %s (fingerprint %s)", s.cfg.Folder, s.ln.Addr(), s.Fingerprint))

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.log.Error(err, "accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Run binds addr, prints the identity fingerprint for out-of-band pinning,
// and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	fmt.Printf("Server certificate SHA-256 fingerprint: %s\n", s.Fingerprint)
	return s.Serve(ctx)
}

func (s *Server) handleConn(ctx context.Context, conn *quic.Conn) {
	peer := conn.RemoteAddr().String()
	log := s.log.WithPeer(peer)
	log.Info("peer connected")
	defer conn.CloseWithError(0, "closed")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			if err := s.handleStream(stream, log); err != nil && !errors.Is(err, io.EOF) {
				log.Error(err, "stream ended with error")
			}
		}()
	}
}

// handleStream dispatches on the first message: a Version opens a control
// stream, a RequestChunks opens a chunk substream. Anything else is a
// protocol error.
func (s *Server) handleStream(stream *quic.Stream, log *observability.Logger) error {
	defer stream.Close()

	first, err := protocol.Read(stream)
	if err != nil {
		return err
	}
	switch first.Type {
	case protocol.TypeVersion:
		return s.runControl(stream, first, log)
	case protocol.TypeRequestChunks:
		return s.sendChunks(stream, first)
	default:
		return fmt.Errorf("unexpected first message %s on new stream", first.Type)
	}
}

// runControl drives the server half of the control-stream state machine.
func (s *Server) runControl(stream *quic.Stream, version *protocol.Message, log *observability.Logger) error {
	st := StateVersioning
	if version.Major != protocol.VersionMajor {
		return fmt.Errorf("%w: peer sent %d.%d", ErrVersionMismatch, version.Major, version.Minor)
	}
	if err := protocol.Write(stream, protocol.Version()); err != nil {
		return err
	}
	st = StateHello

	hello, err := protocol.Read(stream)
	if err != nil {
		return err
	}
	if hello.Type != protocol.TypeHello {
		return fmt.Errorf("expected HELLO in state %s, got %s", st, hello.Type)
	}
	st = StateSummarized

	files, err := summaries(s.cfg.Folder, s.cfg.OnlyFile)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", s.cfg.Folder, err)
	}
	if err := protocol.Write(stream, &protocol.Message{Type: protocol.TypeSummary, Files: files}); err != nil {
		return err
	}
	st = StateActive

	for st == StateActive {
		msg, err := protocol.Read(stream)
		if err == io.EOF {
			st = StateClosed
			break
		}
		if err != nil {
			return err
		}
		switch msg.Type {
		case protocol.TypeRequestFile:
			if err := s.answerRequestFile(stream, msg); err != nil {
				return err
			}
		case protocol.TypeRequestChunks:
			if err := s.sendChunks(stream, msg); err != nil {
				return err
			}
		case protocol.TypeFileMeta:
			if err := s.receivePush(stream, msg, log); err != nil {
				return err
			}
		case protocol.TypeChunkData:
			// Out-of-context chunk data: only valid inside a push
			// exchange, discarded here.
		case protocol.TypeDone:
			st = StateClosed
		default:
			return fmt.Errorf("unexpected %s in state %s", msg.Type, st)
		}
	}
	log.Info("control stream closed")
	return nil
}

func (s *Server) allowed(rel string) bool {
	return s.cfg.OnlyFile == "" || rel == s.cfg.OnlyFile
}

func (s *Server) answerRequestFile(stream *quic.Stream, req *protocol.Message) error {
	rel, err := staging.CleanRel(req.RelPath)
	if err != nil || !s.allowed(rel) {
		return protocol.Write(stream, protocol.Done())
	}
	meta, err := fileMeta(s.cfg.Folder, rel)
	if err != nil {
		// Not available (deleted between summary and request, or
		// unreadable): signaled as Done, never as an error message.
		return protocol.Write(stream, protocol.Done())
	}
	return protocol.Write(stream, meta)
}

// sendChunks streams the requested chunks in received order, terminated by
// Done. A read past EOF produces an empty payload, which the requester
// treats as a missing chunk.
func (s *Server) sendChunks(stream *quic.Stream, req *protocol.Message) error {
	rel, err := staging.CleanRel(req.RelPath)
	if err != nil || !s.allowed(rel) {
		return protocol.Write(stream, protocol.Done())
	}
	abs := staging.FinalPath(s.cfg.Folder, rel)
	for _, idx := range req.Indices {
		data, err := chunker.ReadChunk(abs, idx)
		if err != nil {
			data = nil
		}
		msg := &protocol.Message{Type: protocol.TypeChunkData, RelPath: rel, Index: idx, Data: data}
		if err := protocol.Write(stream, msg); err != nil {
			return err
		}
		s.metrics.ChunksSentTotal.Inc()
		s.metrics.BytesTransferredTotal.WithLabelValues("sent").Add(float64(len(data)))
	}
	return protocol.Write(stream, protocol.Done())
}

// receivePush handles a client push offer: diff against the local copy,
// request the differing chunks, stage them, and finalize after root
// verification.
func (s *Server) receivePush(stream *quic.Stream, offer *protocol.Message, log *observability.Logger) error {
	rel, err := staging.CleanRel(offer.RelPath)
	if err != nil || !s.allowed(rel) {
		return protocol.Write(stream, protocol.Done())
	}
	root, err := protocol.RootFromWire(offer.Root)
	if err != nil {
		return err
	}
	remoteHashes, err := protocol.HashesFromWire(offer.ChunkHashes)
	if err != nil {
		return err
	}
	local, err := localChunks(s.cfg.Folder, rel)
	if err != nil {
		return err
	}
	need := chunker.DiffIndices(local, remoteHashes)

	if err := protocol.Write(stream, &protocol.Message{Type: protocol.TypeRequestChunks, RelPath: rel, Indices: need}); err != nil {
		return err
	}

	upToDate := len(need) == 0 && fileExists(s.cfg.Folder, rel) &&
		sumChunkSizes(local) == offer.Size && chunker.RootOfChunks(local) == root
	if !upToDate {
		if err := staging.SeedFromLocal(s.cfg.Folder, rel); err != nil {
			return err
		}
	}

	for {
		msg, err := protocol.Read(stream)
		if err != nil {
			return err
		}
		if msg.Type == protocol.TypeDone {
			break
		}
		if msg.Type != protocol.TypeChunkData || msg.RelPath != rel {
			continue
		}
		if upToDate || len(msg.Data) == 0 {
			continue
		}
		if err := staging.ApplyChunk(s.cfg.Folder, rel, msg.Index, msg.Data); err != nil {
			return err
		}
		s.metrics.ChunksReceivedTotal.Inc()
		s.metrics.BytesTransferredTotal.WithLabelValues("received").Add(float64(len(msg.Data)))
	}
	if upToDate {
		return nil
	}

	if err := staging.TruncateToSize(s.cfg.Folder, rel, offer.Size); err != nil {
		return err
	}
	staged, err := chunker.ChunkFile(staging.Path(s.cfg.Folder, rel))
	if err != nil {
		return err
	}
	if chunker.RootOfChunks(staged) != root {
		s.metrics.MerkleVerificationsTotal.WithLabelValues("mismatch").Inc()
		log.WithFile(rel).Warn("pushed file failed root verification; staged copy kept")
		return nil
	}
	s.metrics.MerkleVerificationsTotal.WithLabelValues("ok").Inc()
	if err := staging.Finalize(s.cfg.Folder, rel); err != nil {
		return err
	}
	log.WithFile(rel).Info("push received and finalized")
	return nil
}

func sumChunkSizes(chunks []chunker.ChunkInfo) uint64 {
	var n uint64
	for _, c := range chunks {
		n += uint64(c.Size)
	}
	return n
}
