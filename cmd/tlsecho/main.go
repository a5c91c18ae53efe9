// Command tlsecho is the TLS-overlay counterpart to cmd/echo: it stands
// up a server Context with a throwaway self-signed certificate, accepts
// one handshake, and drives a client Connection through Connect/Write
// to show the full reactor/socket/tlsctx/tlssocket stack end to end.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/logger"
	"github.com/nyan233/asyncsock/reactor"
	"github.com/nyan233/asyncsock/socket"
	"github.com/nyan233/asyncsock/tlsctx"
	"github.com/nyan233/asyncsock/tlssocket"
)

func selfSignedCert() (certPEM, keyPEM []byte) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
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
	if err != nil {
		panic(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func takeRawFD(c net.Conn) int {
	tc := c.(*net.TCPConn)
	f, err := tc.File()
	if err != nil {
		panic(err)
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		panic(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		panic(err)
	}
	return fd
}

type serverHandshakeCB struct {
	conn *tlssocket.Connection
	done chan struct{}
}

func (cb *serverHandshakeCB) ConnectSuccess() {
	fmt.Println("tlsecho: server handshake complete, cipher =", cb.conn.NegotiatedCipherSuiteName())
	cb.conn.SetReadCallback(&echoReadCB{conn: cb.conn})
	close(cb.done)
}
func (cb *serverHandshakeCB) ConnectError(err *asyncerr.Error) {
	fmt.Println("tlsecho: server handshake failed:", err)
	close(cb.done)
}

type echoReadCB struct {
	conn    *tlssocket.Connection
	scratch [4096]byte
}

func (cb *echoReadCB) GetReadBuffer() ([]byte, error) { return cb.scratch[:], nil }
func (cb *echoReadCB) DataAvailable(n int) {
	cb.conn.Write(socket.NoopWriteCallback, append([]byte(nil), cb.scratch[:n]...), true)
}
func (cb *echoReadCB) EOF()                          {}
func (cb *echoReadCB) ReadError(err *asyncerr.Error) {}

type clientHandshakeCB struct {
	done chan struct{}
}

func (cb *clientHandshakeCB) ConnectSuccess()                  { close(cb.done) }
func (cb *clientHandshakeCB) ConnectError(err *asyncerr.Error) { fmt.Println("tlsecho: client handshake failed:", err); close(cb.done) }

type echoPrinter struct {
	scratch [4096]byte
	reply   chan struct{}
	once    bool
}

func (cb *echoPrinter) GetReadBuffer() ([]byte, error) { return cb.scratch[:], nil }
func (cb *echoPrinter) DataAvailable(n int) {
	fmt.Printf("tlsecho: client received %q\n", cb.scratch[:n])
	if !cb.once {
		cb.once = true
		close(cb.reply)
	}
}
func (cb *echoPrinter) EOF()                          {}
func (cb *echoPrinter) ReadError(err *asyncerr.Error) {}

func main() {
	certPEM, keyPEM := selfSignedCert()

	serverCtx := tlsctx.New(logger.DefaultLogger)
	if err := serverCtx.SetCertificateKeyPair(certPEM, keyPEM); err != nil {
		panic(err)
	}
	clientCtx := tlsctx.New(logger.DefaultLogger)
	clientCtx.SetPeerVerifyMode(tlsctx.NoVerify)

	re, err := reactor.NewEpollReactor(logger.DefaultLogger)
	if err != nil {
		panic(err)
	}
	go func() { _ = re.Run() }()
	defer re.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()

	handshakeDone := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		fd := takeRawFD(c)
		c.Close()
		re.ScheduleTimeout(0, func() {
			conn := tlssocket.New(re, logger.DefaultLogger)
			conn.Accept(fd, serverCtx, &serverHandshakeCB{conn: conn, done: handshakeDone})
		})
	}()

	clientConnected := make(chan struct{})
	var client *tlssocket.Connection
	re.ScheduleTimeout(0, func() {
		client = tlssocket.New(re, logger.DefaultLogger)
		client.Connect("tcp", ln.Addr().String(), 2*time.Second, clientCtx, &clientHandshakeCB{done: clientConnected})
	})
	<-clientConnected
	<-handshakeDone

	reply := make(chan struct{})
	re.ScheduleTimeout(0, func() {
		client.SetReadCallback(&echoPrinter{reply: reply})
		client.Write(socket.NoopWriteCallback, []byte("hello over tls"), true)
	})
	<-reply

	re.ScheduleTimeout(0, func() { client.CloseNow() })
	time.Sleep(50 * time.Millisecond)
}
