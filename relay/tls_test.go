package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned returns a certificate for 127.0.0.1 and a pool trusting it.
func selfSigned(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "collector"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func TestRelay_OverTLS(t *testing.T) {
	cert, pool := selfSigned(t)

	c := &collector{}
	cfg := testListenerConfig()
	cfg.Addr = "127.0.0.1:0"
	l, err := NewListener(cfg, c.deliver,
		WithListenerTLS(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return l.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	addr := l.Addr().String()

	t.Run("plain TCP peer is rejected", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, WriteFrame(conn, Frame{Type: FrameHandshake, Payload: EncodeHandshake(Handshake{Version: ProtocolVersion, ResumeToken: 3})}))
		_, err = ReadFrame(conn)
		assert.Error(t, err)
	})

	leg := newTestLeg(t)
	s, err := NewSender(testSenderConfig(addr), leg,
		WithTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)
	runSender(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, leg.Write(smp("hw", uint64(i))))
	}
	require.Eventually(t, func() bool { return c.count() == 5 && s.Unacked() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, c.sequences())
	assert.Equal(t, StateConnected, s.State())
}
