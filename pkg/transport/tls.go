package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"concord/pkg/types"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// ErrEmptyTrustStore is returned when building a TLS config without any
// trusted CA.
var ErrEmptyTrustStore = errors.New("trust store has no certificate authorities")

// TrustStore holds the CAs federation peers' certificates must chain to.
type TrustStore struct {
	mu   sync.RWMutex
	cas  []*x509.Certificate
	pool *x509.CertPool
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{pool: x509.NewCertPool()}
}

// AddCAFile adds every certificate in a PEM file.
func (ts *TrustStore) AddCAFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CA file: %w", err)
	}
	n, err := ts.AddCAPEM(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: no certificates found", path)
	}
	return nil
}

// AddCAPEM adds the CA certificates in data and returns how many were added.
func (ts *TrustStore) AddCAPEM(data []byte) (int, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return 0, fmt.Errorf("failed to parse certificate: %w", err)
		}
		if !cert.IsCA {
			return 0, fmt.Errorf("certificate %q is not a CA", cert.Subject.CommonName)
		}
		certs = append(certs, cert)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, cert := range certs {
		ts.cas = append(ts.cas, cert)
		ts.pool.AddCert(cert)
	}
	return len(certs), nil
}

// Len returns the number of trusted CAs.
func (ts *TrustStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.cas)
}

func (ts *TrustStore) certPool() (*x509.CertPool, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if len(ts.cas) == 0 {
		return nil, ErrEmptyTrustStore
	}
	return ts.pool.Clone(), nil
}

// ServerConfig returns a TLS config that requires client certificates
// issued by a trusted CA.
func (ts *TrustStore) ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	pool, err := ts.certPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns a TLS config presenting the given client
// certificate. The destination name is set per connection.
func (ts *TrustStore) ClientConfig(certFile, keyFile string) (*tls.Config, error) {
	var certificates []tls.Certificate
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		certificates = []tls.Certificate{cert}
	}
	pool, err := ts.certPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: certificates,
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// forServer clones base for a connection to server.
func forServer(base *tls.Config, server types.ServerName) *tls.Config {
	cfg := base.Clone()
	cfg.ServerName = hostOf(server)
	return cfg
}

func hostOf(server types.ServerName) string {
	if host, _, err := net.SplitHostPort(string(server)); err == nil {
		return host
	}
	return string(server)
}

// peerCertificate returns the verified certificate of the caller, if the
// connection is TLS.
func peerCertificate(ctx context.Context) (*x509.Certificate, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, false
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return nil, false
	}
	return info.State.PeerCertificates[0], true
}

// verifyOrigin checks that the caller's certificate is valid for origin.
// Plaintext connections are not checked.
func verifyOrigin(ctx context.Context, origin types.ServerName) error {
	cert, ok := peerCertificate(ctx)
	if !ok {
		return nil
	}
	if err := cert.VerifyHostname(hostOf(origin)); err != nil {
		return fmt.Errorf("certificate does not match origin %s: %w", origin, err)
	}
	return nil
}
