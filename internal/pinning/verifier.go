// Package pinning implements certificate-fingerprint authentication. The
// only check performed on a peer certificate is that the SHA-256 of its DER
// encoding matches the pin recorded for that address; SAN, expiry, and chain
// validation are deliberately skipped because self-signed identities carry
// no third-party attestation worth checking.
package pinning

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gks2022004/leafsync/internal/state"
)

// Fingerprint returns the lowercase hex SHA-256 of a certificate's DER
// encoding.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// MismatchError reports a presented certificate that contradicts the pin for
// its address.
type MismatchError struct {
	Addr     string
	Expected string
	Observed string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("server %s presented fingerprint %s but %s is pinned; refusing to connect",
		e.Addr, e.Observed, e.Expected)
}

// UntrustedError reports a first contact that was not authorized to pin.
type UntrustedError struct {
	Addr     string
	Observed string
}

func (e *UntrustedError) Error() string {
	return fmt.Sprintf("server %s is not trusted (fingerprint %s); rerun with --accept-first to pin it, or pin explicitly with: leafsync trust add %s %s",
		e.Addr, e.Observed, e.Addr, e.Observed)
}

// Verifier is the certificate verification hook injected into the client
// transport configuration. Exactly one of three outcomes applies per
// handshake: the fingerprint matches the expectation, it is pinned on first
// use, or the connection is refused with the observed value surfaced.
type Verifier struct {
	// Addr is the configured peer address the pin is keyed by.
	Addr string
	// Expected is an explicit fingerprint (flag or trust store); empty
	// means no pin exists yet.
	Expected string
	// AcceptFirst authorizes trust-on-first-use persistence.
	AcceptFirst bool
	// Trust receives the pin on first-use acceptance.
	Trust *state.TrustStore
}

// VerifyPeerCertificate implements the tls.Config hook. rawCerts[0] is the
// leaf certificate DER as presented by the peer.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("server %s presented no certificate", v.Addr)
	}
	fp := Fingerprint(rawCerts[0])
	if v.Expected != "" {
		if strings.EqualFold(v.Expected, fp) {
			return nil
		}
		return &MismatchError{Addr: v.Addr, Expected: strings.ToLower(v.Expected), Observed: fp}
	}
	if v.AcceptFirst {
		if err := v.Trust.Set(v.Addr, fp); err != nil {
			return fmt.Errorf("pin %s on first use: %w", v.Addr, err)
		}
		return nil
	}
	return &UntrustedError{Addr: v.Addr, Observed: fp}
}
