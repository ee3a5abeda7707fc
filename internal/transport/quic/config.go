package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	quicgo "github.com/quic-go/quic-go"
)

const (
	// ALPN identifies the transfer protocol during the TLS handshake.
	ALPN = "pegasus-ics20"

	DefaultIdleTimeout = 30 * time.Second
	DefaultKeepAlive   = 10 * time.Second

	generatedCertLifetime = 365 * 24 * time.Hour
)

// Security selects the certificate a network presents. With both files
// empty a certificate naming the port address is generated at Listen.
type Security struct {
	CertFile string
	KeyFile  string
}

// Timeouts bound connection liveness. Zero fields take the defaults.
type Timeouts struct {
	Idle      time.Duration
	KeepAlive time.Duration
}

func (t Timeouts) quicConfig() *quicgo.Config {
	idle, keepAlive := t.Idle, t.KeepAlive
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if keepAlive >= idle {
		keepAlive = idle / 2
	}
	return &quicgo.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: keepAlive,
	}
}

// tlsConfig builds the TLS settings for a network bound to portAddress.
// Peers are identified by port address in the hello frame, so the peer's
// certificate is not verified.
func (s Security) tlsConfig(portAddress string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case s.CertFile != "" && s.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading key pair %s: %w", s.CertFile, err)
		}
	case s.CertFile != "" || s.KeyFile != "":
		return nil, errors.New("certificate and key files must be set together")
	default:
		certPEM, keyPEM, err := generateCert(portAddress)
		if err != nil {
			return nil, fmt.Errorf("generating certificate: %w", err)
		}
		cert, err = tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

// generateCert returns a PEM encoded self-signed certificate whose common
// name is portAddress, with its EC private key.
func generateCert(portAddress string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: portAddress, Organization: []string{"pegasus"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(generatedCertLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
