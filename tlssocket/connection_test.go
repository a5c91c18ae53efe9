//go:build linux

package tlssocket

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/logger"
	"github.com/nyan233/asyncsock/reactor"
	"github.com/nyan233/asyncsock/socket"
	"github.com/nyan233/asyncsock/tlsctx"
)

// generateSelfSignedCert builds a throwaway RSA cert/key pair valid for
// "127.0.0.1", entirely in memory, so the handshake test doesn't depend
// on any file on disk.
func generateSelfSignedCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

// dupServerFD extracts a duplicated, non-blocking raw fd from an
// accepted net.Conn, the same technique reactor's own epoll test uses
// to hand a real kernel socket to code that only speaks raw fds.
func dupServerFD(t *testing.T, c net.Conn) int {
	t.Helper()
	tc, ok := c.(*net.TCPConn)
	require.True(t, ok)
	f, err := tc.File()
	require.NoError(t, err)
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fd, true))
	return fd
}

func startTestReactor(t *testing.T) reactor.Reactor {
	t.Helper()
	re, err := reactor.NewEpollReactor(logger.Nil{})
	require.NoError(t, err)
	go func() { _ = re.Run() }()
	t.Cleanup(re.Stop)
	return re
}

func runOnLoop(t *testing.T, re reactor.Reactor, f func()) {
	t.Helper()
	done := make(chan struct{})
	re.ScheduleTimeout(0, func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out running on reactor loop")
	}
}

type testConnectCB struct {
	success chan struct{}
	failure chan *asyncerr.Error
}

func newTestConnectCB() *testConnectCB {
	return &testConnectCB{success: make(chan struct{}, 1), failure: make(chan *asyncerr.Error, 1)}
}
func (cb *testConnectCB) ConnectSuccess()                  { cb.success <- struct{}{} }
func (cb *testConnectCB) ConnectError(err *asyncerr.Error) { cb.failure <- err }

type testReadCB struct {
	scratch [4096]byte
	data    chan []byte
	eof     chan struct{}
	err     chan *asyncerr.Error
}

func newTestReadCB() *testReadCB {
	return &testReadCB{data: make(chan []byte, 16), eof: make(chan struct{}, 1), err: make(chan *asyncerr.Error, 1)}
}
func (cb *testReadCB) GetReadBuffer() ([]byte, error) { return cb.scratch[:], nil }
func (cb *testReadCB) DataAvailable(n int) {
	got := make([]byte, n)
	copy(got, cb.scratch[:n])
	cb.data <- got
}
func (cb *testReadCB) EOF()                          { cb.eof <- struct{}{} }
func (cb *testReadCB) ReadError(err *asyncerr.Error) { cb.err <- err }

type testWriteCB struct {
	done chan error
}

func newTestWriteCB() *testWriteCB { return &testWriteCB{done: make(chan error, 1)} }
func (cb *testWriteCB) WriteSuccess()                         { cb.done <- nil }
func (cb *testWriteCB) WriteError(_ int, err *asyncerr.Error) { cb.done <- err }

func TestConnectionHandshakeAndDataRoundTrip(t *testing.T) {
	certPEM, keyPEM := generateSelfSignedCert(t)

	serverCtx := tlsctx.New(logger.Nil{})
	require.NoError(t, serverCtx.SetCertificateKeyPair(certPEM, keyPEM))

	clientCtx := tlsctx.New(logger.Nil{})
	clientCtx.SetPeerVerifyMode(tlsctx.NoVerify)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedFD := make(chan int, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		acceptedFD <- dupServerFD(t, c)
		c.Close()
	}()

	re := startTestReactor(t)

	clientConn := New(re, logger.Nil{})
	clientCB := newTestConnectCB()
	runOnLoop(t, re, func() {
		clientConn.Connect("tcp", ln.Addr().String(), 2*time.Second, clientCtx, clientCB)
	})

	var serverFD int
	select {
	case serverFD = <-acceptedFD:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the TCP connection")
	}

	serverConn := New(re, logger.Nil{})
	serverCB := newTestConnectCB()
	runOnLoop(t, re, func() {
		serverConn.Accept(serverFD, serverCtx, serverCB)
	})

	select {
	case <-serverCB.success:
	case err := <-serverCB.failure:
		t.Fatalf("server handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake never completed")
	}
	select {
	case <-clientCB.success:
	case err := <-clientCB.failure:
		t.Fatalf("client handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake never completed")
	}

	require.Equal(t, Established, clientConn.State())
	require.Equal(t, Established, serverConn.State())

	serverReadCB := newTestReadCB()
	runOnLoop(t, re, func() {
		serverConn.SetReadCallback(serverReadCB)
	})

	writeCB := newTestWriteCB()
	runOnLoop(t, re, func() {
		clientConn.Write(writeCB, []byte("hello over tls"), true)
	})

	select {
	case err := <-writeCB.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client write never completed")
	}

	select {
	case got := <-serverReadCB.data:
		require.Equal(t, []byte("hello over tls"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the decrypted application data")
	}

	appByte, minRawByte := clientConn.EORBoundary()
	require.Equal(t, len("hello over tls"), appByte)
	// the raw ciphertext offset an EOR write reaches is always at least
	// its plaintext length, since TLS records only ever add overhead.
	require.GreaterOrEqual(t, minRawByte, appByte)

	runOnLoop(t, re, func() {
		clientConn.CloseNow()
		serverConn.CloseNow()
	})
}

// TestWriteBailsOutAfterFatalEngineWriteWithoutDoubleFiringCallback is
// the TLS-overlay counterpart of the plain socket package's regression
// test: a fatal engine write must not leave the already-failed request
// behind for a later drain to fail a second time (spec.md §8).
func TestWriteBailsOutAfterFatalEngineWriteWithoutDoubleFiringCallback(t *testing.T) {
	certPEM, keyPEM := generateSelfSignedCert(t)

	serverCtx := tlsctx.New(logger.Nil{})
	require.NoError(t, serverCtx.SetCertificateKeyPair(certPEM, keyPEM))
	clientCtx := tlsctx.New(logger.Nil{})
	clientCtx.SetPeerVerifyMode(tlsctx.NoVerify)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedFD := make(chan int, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		acceptedFD <- dupServerFD(t, c)
		c.Close()
	}()

	re := startTestReactor(t)
	clientConn := New(re, logger.Nil{})
	clientCB := newTestConnectCB()
	runOnLoop(t, re, func() {
		clientConn.Connect("tcp", ln.Addr().String(), 2*time.Second, clientCtx, clientCB)
	})

	var serverFD int
	select {
	case serverFD = <-acceptedFD:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the TCP connection")
	}
	serverConn := New(re, logger.Nil{})
	serverCB := newTestConnectCB()
	runOnLoop(t, re, func() {
		serverConn.Accept(serverFD, serverCtx, serverCB)
	})

	select {
	case <-serverCB.success:
	case err := <-serverCB.failure:
		t.Fatalf("server handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake never completed")
	}
	select {
	case <-clientCB.success:
	case err := <-clientCB.failure:
		t.Fatalf("client handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake never completed")
	}

	writeCB := newTestWriteCB()
	runOnLoop(t, re, func() {
		// The fd disappears out from under the connection; the next
		// engine write must fail fatally and exactly once, not get
		// silently re-enqueued for a later drain to fail again.
		require.NoError(t, unix.Close(clientConn.fd))
		clientConn.Write(writeCB, []byte("after close"), false)
	})

	select {
	case err := <-writeCB.done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write callback never fired")
	}

	select {
	case <-writeCB.done:
		t.Fatal("write callback fired a second time for the same request")
	case <-time.After(100 * time.Millisecond):
	}

	runOnLoop(t, re, func() {
		require.Equal(t, Error, clientConn.State())
		require.True(t, clientConn.writeQ.empty())
	})
}

// TestRenegotiationDetectedPicksErrnoByRole is a focused unit test for
// the helper readloop.go's handleReadable calls when a read step
// surfaces a post-handshake want-write — spec.md §4.2 classifies that
// as a renegotiation attempt, tagged by role the same way
// classifyTLSError tags a fatal "no renegotiation" engine error.
func TestRenegotiationDetectedPicksErrnoByRole(t *testing.T) {
	server := &Connection{isServer: true}
	err := server.renegotiationDetected()
	require.Equal(t, asyncerr.ClientRenegotiationAttempt, err.Errno)

	client := &Connection{isServer: false}
	err = client.renegotiationDetected()
	require.Equal(t, asyncerr.InvalidRenegotiation, err.Errno)
}

func TestConnectUninitWriteIsEarlyWrite(t *testing.T) {
	re := startTestReactor(t)
	conn := New(re, logger.Nil{})
	writeCB := newTestWriteCB()

	runOnLoop(t, re, func() {
		conn.Write(writeCB, []byte("too soon"), false)
	})

	select {
	case err := <-writeCB.done:
		require.Error(t, err)
		asErr, ok := err.(*asyncerr.Error)
		require.True(t, ok)
		require.Equal(t, asyncerr.EarlyWrite, asErr.Errno)
	case <-time.After(2 * time.Second):
		t.Fatal("early write never errored")
	}
}

func TestConnectRejectsAlreadyOpen(t *testing.T) {
	re := startTestReactor(t)
	conn := New(re, logger.Nil{})
	ctx := tlsctx.New(logger.Nil{})

	runOnLoop(t, re, func() {
		conn.state = Established // simulate a connection already past Uninit
	})

	cb := newTestConnectCB()
	runOnLoop(t, re, func() {
		conn.Connect("tcp", "127.0.0.1:1", time.Second, ctx, cb)
	})
	select {
	case err := <-cb.failure:
		require.Equal(t, asyncerr.AlreadyOpen, err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connect on an already-open overlay should have been rejected")
	}
}

var _ socket.ConnectCallback = (*testConnectCB)(nil)
var _ socket.ReadCallback = (*testReadCB)(nil)
var _ socket.WriteCallback = (*testWriteCB)(nil)
