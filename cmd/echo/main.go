// Command echo wires a reactor, a listener, and a handful of
// socket.Connections together into a one-process demo: it accepts raw
// TCP connections, echoes every read back out, then dials itself and
// prints whatever comes back. It exists to exercise package socket the
// way example/quick_start exercises the RPC client/server pair.
package main

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/logger"
	"github.com/nyan233/asyncsock/reactor"
	"github.com/nyan233/asyncsock/socket"
)

type echoReadCB struct {
	conn    *socket.Connection
	scratch [4096]byte
}

func (cb *echoReadCB) GetReadBuffer() ([]byte, error) { return cb.scratch[:], nil }
func (cb *echoReadCB) DataAvailable(n int) {
	cb.conn.Write(socket.NoopWriteCallback, append([]byte(nil), cb.scratch[:n]...), false, false)
}
func (cb *echoReadCB) EOF()                          {}
func (cb *echoReadCB) ReadError(err *asyncerr.Error) { fmt.Println("echo: server read error:", err) }

type logConnectCB struct {
	name string
	done chan struct{}
}

func (cb *logConnectCB) ConnectSuccess() {
	fmt.Println(cb.name, "connected")
	close(cb.done)
}
func (cb *logConnectCB) ConnectError(err *asyncerr.Error) {
	fmt.Println(cb.name, "connect error:", err)
	close(cb.done)
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

func main() {
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

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fd := takeRawFD(c)
			c.Close()
			re.ScheduleTimeout(0, func() {
				conn := socket.NewFromAcceptedFD(fd, re, logger.DefaultLogger)
				conn.SetReadCallback(&echoReadCB{conn: conn})
			})
		}
	}()

	connected := make(chan struct{})
	var client *socket.Connection
	re.ScheduleTimeout(0, func() {
		client = socket.New(re, logger.DefaultLogger)
		client.Connect("tcp", ln.Addr().String(), 2*time.Second, &logConnectCB{name: "client", done: connected})
	})
	<-connected

	reply := make(chan struct{})
	re.ScheduleTimeout(0, func() {
		client.SetReadCallback(&echoPrinter{reply: reply})
		client.Write(socket.NoopWriteCallback, []byte("hello, asyncsock"), false, true)
	})
	<-reply

	re.ScheduleTimeout(0, func() { client.CloseNow() })
	time.Sleep(50 * time.Millisecond)
}

type echoPrinter struct {
	scratch [4096]byte
	reply   chan struct{}
	once    bool
}

func (cb *echoPrinter) GetReadBuffer() ([]byte, error) { return cb.scratch[:], nil }
func (cb *echoPrinter) DataAvailable(n int) {
	fmt.Printf("echo: client received %q\n", cb.scratch[:n])
	if !cb.once {
		cb.once = true
		close(cb.reply)
	}
}
func (cb *echoPrinter) EOF()                          {}
func (cb *echoPrinter) ReadError(err *asyncerr.Error) {}
