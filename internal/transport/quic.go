// Package transport wraps quic-go with the LeafSync TLS profile: TLS 1.3
// only, ALPN "leafsync/1", and fingerprint pinning as the sole client-side
// authentication.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "leafsync/1"

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams: 256,
		KeepAlivePeriod:    10 * time.Second,
		MaxIdleTimeout:     60 * time.Second,
	}
}

// Listen binds a QUIC listener on addr presenting cert.
func Listen(addr string, cert tls.Certificate) (*quic.Listener, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Dial connects to addr. Certificate chains are not validated; verify is the
// pinning hook and the only authentication applied to the peer.
func Dial(ctx context.Context, addr string, verify func([][]byte, [][]*x509.Certificate) error) (*quic.Conn, error) {
	tlsConf := &tls.Config{
		ServerName:            "localhost",
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verify,
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
