package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ALPN is negotiated on every duelnet QUIC connection.
const ALPN = "duelnet/1"

const devCAFile = "devtls_ca.pem"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives the shared development certificate. Every node derives the
// same key so a verified connection works on loopback without provisioning.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("duelnet-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).AddDate(100, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

// ServerTLSConfig is the listener side of the dev identity.
func ServerTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ExportDevCA writes the dev CA certificate into certDir so other processes can
// verify against it. An existing file is left alone.
func ExportDevCA(certDir string) (string, error) {
	path := filepath.Join(certDir, devCAFile)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return "", fmt.Errorf("cert dir: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write dev ca: %w", err)
	}
	return path, nil
}

func loadCAPool(caPath string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err == nil {
			if !pool.AppendCertsFromPEM(data) {
				return nil, fmt.Errorf("no certificates in %s", caPath)
			}
			return pool, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read ca: %w", err)
		}
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool.AddCert(cert)
	return pool, nil
}

// Variant is one way of bringing up a client connection.
type Variant struct {
	Name string
	TLS  *tls.Config
}

// ClientVariants returns the TLS strategies tried in round-robin order by the
// dialer: the verified dev CA first, then (optionally) an unverified fallback
// for peers whose address is not covered by the dev certificate.
func ClientVariants(caPath string, insecureFallback bool) ([]Variant, error) {
	pool, err := loadCAPool(caPath)
	if err != nil {
		return nil, err
	}
	out := []Variant{{
		Name: "verified",
		TLS: &tls.Config{
			RootCAs:    pool,
			NextProtos: []string{ALPN},
			MinVersion: tls.VersionTLS13,
		},
	}}
	if insecureFallback {
		out = append(out, Variant{
			Name: "insecure",
			TLS: &tls.Config{
				InsecureSkipVerify: true,
				NextProtos:         []string{ALPN},
				MinVersion:         tls.VersionTLS13,
			},
		})
	}
	return out, nil
}
