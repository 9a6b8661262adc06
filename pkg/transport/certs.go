package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"concord/pkg/types"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// ErrNoAuthority is returned when issuing before a CA was generated or
// loaded.
var ErrNoAuthority = errors.New("certificate authority not initialized")

// CertAuthority issues the certificates servers present to each other.
// Keys are Ed25519.
type CertAuthority struct {
	dir  string
	cert *x509.Certificate
	key  ed25519.PrivateKey
}

// OpenCertAuthority returns the authority stored in dir, or an empty one
// when dir holds none yet.
func OpenCertAuthority(dir string) (*CertAuthority, error) {
	ca := &CertAuthority{dir: dir}
	if _, err := os.Stat(filepath.Join(dir, caCertFile)); errors.Is(err, fs.ErrNotExist) {
		return ca, nil
	}
	if err := ca.load(); err != nil {
		return nil, fmt.Errorf("failed to load existing CA: %w", err)
	}
	return ca, nil
}

// Certificate returns the CA certificate, or nil before Generate.
func (ca *CertAuthority) Certificate() *x509.Certificate {
	return ca.cert
}

// CertPath is where the CA certificate is stored; servers list it as
// their tls.ca_file.
func (ca *CertAuthority) CertPath() string {
	return filepath.Join(ca.dir, caCertFile)
}

// Generate creates a self-signed CA named name and writes it to the
// authority's directory.
func (ca *CertAuthority) Generate(name string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"concord federation"},
			CommonName:   name + " CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if err := os.MkdirAll(ca.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	if err := writeKeyPair(cert, priv, ca.CertPath(), filepath.Join(ca.dir, caKeyFile)); err != nil {
		return err
	}
	ca.cert, ca.key = cert, priv
	return nil
}

// Issue creates a certificate for server, valid both as a server and as a
// client identity. The server's host is always a SAN; hosts adds more
// names or IPs.
func (ca *CertAuthority) Issue(server types.ServerName, hosts []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	if ca.cert == nil || ca.key == nil {
		return nil, nil, ErrNoAuthority
	}
	if err := types.ValidateServerName(server); err != nil {
		return nil, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"concord federation"},
			CommonName:   string(server),
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	seen := make(map[string]bool)
	for _, h := range append([]string{hostOf(server)}, hosts...) {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, pub, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, priv, nil
}

// IssueFiles issues a certificate for server and writes it with its key.
func (ca *CertAuthority) IssueFiles(server types.ServerName, hosts []string, validity time.Duration, certPath, keyPath string) error {
	cert, key, err := ca.Issue(server, hosts, validity)
	if err != nil {
		return err
	}
	return writeKeyPair(cert, key, certPath, keyPath)
}

func (ca *CertAuthority) load() error {
	certPEM, err := os.ReadFile(ca.CertPath())
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%s: no certificate found", ca.CertPath())
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPath := filepath.Join(ca.dir, caKeyFile)
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return fmt.Errorf("%s: no private key found", keyPath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("%s: CA key is %T, want Ed25519", keyPath, parsed)
	}

	ca.cert, ca.key = cert, key
	return nil
}

func writeKeyPair(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
