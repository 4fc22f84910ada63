package pinning

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certFile = "server_cert.der"
	keyFile  = "server_key.der"
)

// LoadOrGenerateIdentity returns the server's TLS identity, generating a
// self-signed certificate for "localhost" on first use and persisting both
// halves as DER under dir. The DER bytes of the certificate are returned so
// the server can print its fingerprint for out-of-band pinning.
func LoadOrGenerateIdentity(dir string) (tls.Certificate, []byte, error) {
	certPath := filepath.Join(dir, certFile)
	keyPath := filepath.Join(dir, keyFile)

	certDER, certErr := os.ReadFile(certPath)
	keyDER, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		key, err := x509.ParsePKCS8PrivateKey(keyDER)
		if err != nil {
			return tls.Certificate{}, nil, fmt.Errorf("parse %s: %w", keyPath, err)
		}
		return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key}, certDER, nil
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generate certificate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	certDER, err = x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("create server certificate: %w", err)
	}
	keyDER, err = x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("encode server key: %w", err)
	}
	if err := os.WriteFile(certPath, certDER, 0o600); err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("write %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyDER, 0o600); err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("write %s: %w", keyPath, err)
	}
	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: priv}, certDER, nil
}
