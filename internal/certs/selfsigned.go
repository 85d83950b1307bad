// Package certs generates short-lived self-signed ECDSA P-256 certificates and
// builds client TLS configurations that pin a server certificate by its
// SHA-256 fingerprint instead of verifying a chain.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

const maxValidity = 14 * 24 * time.Hour

// Sentinel errors for fingerprint handling.
var (
	ErrBadFingerprint    = errors.New("certs: malformed fingerprint")
	ErrPinMismatch       = errors.New("certs: server certificate does not match pinned fingerprint")
	ErrNoPeerCertificate = errors.New("certs: server presented no certificate")
)

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return FingerprintBase64(c.Fingerprint)
}

// FingerprintBase64 encodes a SHA-256 fingerprint the way ParseFingerprint
// accepts it and the way pin mismatches are reported.
func FingerprintBase64(fp [32]byte) string {
	return base64.StdEncoding.EncodeToString(fp[:])
}

// Generate creates a new self-signed ECDSA P-256 certificate for localhost
// valid for the given duration, capped at 14 days.
func Generate(validity time.Duration) (*CertInfo, error) {
	if validity > maxValidity || validity <= 0 {
		validity = maxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "xrstream"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ParseFingerprint decodes a SHA-256 fingerprint given as base64, plain hex,
// or colon-separated hex as printed by openssl.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	s = strings.TrimSpace(s)

	hexStr := strings.ReplaceAll(s, ":", "")
	if b, err := hex.DecodeString(hexStr); err == nil && len(b) == len(fp) {
		copy(fp[:], b)
		return fp, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == len(fp) {
		copy(fp[:], b)
		return fp, nil
	}
	return fp, fmt.Errorf("%w: %q", ErrBadFingerprint, s)
}

// PinnedClientConfig returns a client TLS configuration that accepts exactly
// the server leaf certificate whose SHA-256 hash is fingerprint. Chain and
// hostname verification are replaced by the pin.
func PinnedClientConfig(fingerprint [32]byte, alpn ...string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         alpn,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPin(fingerprint, rawCerts)
		},
	}
}

func verifyPin(fingerprint [32]byte, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}
	got := sha256.Sum256(rawCerts[0])
	if got != fingerprint {
		return fmt.Errorf("%w: got %s, want %s", ErrPinMismatch, FingerprintBase64(got), FingerprintBase64(fingerprint))
	}
	return nil
}
