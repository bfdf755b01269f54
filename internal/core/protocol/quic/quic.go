package quic

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol both ends negotiate
const NextProto = "notesync"

// Config holds QUIC-specific settings
type Config struct {
	// TLSConfig is used as is when set; otherwise a self-signed certificate is
	// generated for listeners and dialers skip verification.
	TLSConfig      *tls.Config
	KeepAlive      time.Duration
	MaxIdleTimeout time.Duration
}

// DefaultQUICConfig returns a configuration for development and tests
func DefaultQUICConfig() Config {
	return Config{
		KeepAlive:      15 * time.Second,
		MaxIdleTimeout: time.Minute,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: c.KeepAlive,
		MaxIdleTimeout:  c.MaxIdleTimeout,
	}
}

func (c Config) serverTLS() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	return generateTLSConfig()
}

func (c Config) clientTLS() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig
	}
	return &tls.Config{
		InsecureSkipVerify: true, // For development only
		NextProtos:         []string{NextProto},
		MinVersion:         tls.VersionTLS13, // QUIC requires TLS 1.3
	}
}

// generateTLSConfig builds a self-signed server certificate for localhost
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"notesync"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate")
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load key pair")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
