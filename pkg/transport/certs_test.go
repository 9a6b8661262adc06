package transport

import (
	"context"
	"crypto/x509"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/pkg/federation"
	"concord/pkg/types"
)

func TestCertAuthority(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ca")

	ca, err := OpenCertAuthority(dir)
	require.NoError(t, err)
	assert.Nil(t, ca.Certificate())
	_, _, err = ca.Issue(serverA, nil, time.Hour)
	assert.ErrorIs(t, err, ErrNoAuthority)

	require.NoError(t, ca.Generate("federation", 24*time.Hour))
	assert.True(t, ca.Certificate().IsCA)

	reopened, err := OpenCertAuthority(dir)
	require.NoError(t, err)
	require.NotNil(t, reopened.Certificate())
	assert.Equal(t, ca.Certificate().Raw, reopened.Certificate().Raw)

	cert, _, err := reopened.Issue("a.example:8448", []string{"10.0.0.1", "a.internal", "a.example"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "a.internal"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("10.0.0.1")))

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate())
	_, err = cert.Verify(x509.VerifyOptions{
		DNSName:   "a.example",
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)

	_, _, err = reopened.Issue("bad name", nil, time.Hour)
	assert.Error(t, err)
}

func TestCertAuthorityMutualTLS(t *testing.T) {
	dir := t.TempDir()
	ca, err := OpenCertAuthority(filepath.Join(dir, "ca"))
	require.NoError(t, err)
	require.NoError(t, ca.Generate("federation", time.Hour))

	files := func(server types.ServerName) (string, string) {
		certPath := filepath.Join(dir, string(server)+".crt")
		keyPath := filepath.Join(dir, string(server)+".key")
		require.NoError(t, ca.IssueFiles(server, []string{"127.0.0.1"}, time.Hour, certPath, keyPath))
		return certPath, keyPath
	}

	trust := NewTrustStore()
	require.NoError(t, trust.AddCAFile(ca.CertPath()))

	bCert, bKey := files(serverB)
	serverTLS, err := trust.ServerConfig(bCert, bKey)
	require.NoError(t, err)
	aCert, aKey := files(serverA)
	clientTLS, err := trust.ClientConfig(aCert, aKey)
	require.NoError(t, err)

	ring, keys := newKeyRing(t)
	b := startNode(t, serverB, ring, keys[serverB], serverTLS)
	a, aStore := newEngine(t, serverA, ring, keys[serverA])
	_, events := seed(t, a, aStore)

	client := newTestClient(t, map[types.ServerName]string{serverB: b.addr}, clientTLS)
	txn := &federation.Transaction{ID: "t1", Origin: serverA, Destination: serverB, PDUs: events}
	resp, err := client.SendTransaction(context.Background(), serverB, txn)
	require.NoError(t, err)
	assert.Len(t, resp.Received, len(events))
}
