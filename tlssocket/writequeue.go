package tlssocket

import "github.com/nyan233/asyncsock/socket"

// writeRequest is one FIFO entry of plaintext application data queued
// for encryption and send, the TLS-overlay counterpart to
// socket.WriteRequest. Unlike the plain socket layer, the unit of
// progress here is plaintext bytes handed to the engine's Write, not
// raw bytes on the wire — the engine (llib's tls.Conn) owns record
// framing.
type writeRequest struct {
	cb   socket.WriteCallback
	data []byte
	off  int // plaintext bytes already handed to engine.write successfully

	eor bool

	next *writeRequest
}

func newWriteRequest(cb socket.WriteCallback, data []byte, eor bool) *writeRequest {
	if cb == nil {
		cb = socket.NoopWriteCallback
	}
	return &writeRequest{cb: cb, data: data, eor: eor}
}

func (w *writeRequest) done() bool { return w.off >= len(w.data) }

type writeQueue struct {
	head, tail *writeRequest
}

func (q *writeQueue) empty() bool { return q.head == nil }

func (q *writeQueue) push(w *writeRequest) {
	if q.tail == nil {
		q.head, q.tail = w, w
		return
	}
	q.tail.next = w
	q.tail = w
}

func (q *writeQueue) popHead() *writeRequest {
	if q.head == nil {
		return nil
	}
	w := q.head
	q.head = w.next
	if q.head == nil {
		q.tail = nil
	}
	w.next = nil
	return w
}

func (q *writeQueue) drain(fail func(*writeRequest)) {
	for {
		w := q.popHead()
		if w == nil {
			return
		}
		fail(w)
	}
}
