package socket

// Segment is a (pointer, length) scatter/gather entry, spec.md §3.
// Go slices already carry their own length, so Segment is just a thin
// wrapper kept around for symmetry with the spec's vocabulary and to
// leave room for an owning chain-link release hook.
type Segment struct {
	Data []byte
}

// WriteRequest is one FIFO entry, spec.md §3. Segments remaining from
// segIdx/segOff onward describe the unsent tail of the request; once
// segIdx reaches len(segments) the request is complete.
type WriteRequest struct {
	cb   WriteCallback
	segs []Segment

	segIdx int
	segOff int

	cork bool
	eor  bool

	// submitted is the total byte length across all segments as
	// submitted (spec.md §8's byte-conservation total); it is recorded
	// here but not read by the write path.
	submitted int
	// written is how many of those bytes have actually left via
	// sendmsg so far — the bytesWritten spec.md §7/§8 wants reported
	// on WriteError.
	written int

	next *WriteRequest
}

func newWriteRequest(cb WriteCallback, data [][]byte, cork, eor bool) *WriteRequest {
	if cb == nil {
		cb = NoopWriteCallback
	}
	segs := make([]Segment, len(data))
	total := 0
	for i, d := range data {
		segs[i] = Segment{Data: d}
		total += len(d)
	}
	return &WriteRequest{cb: cb, segs: segs, cork: cork, eor: eor, submitted: total}
}

// remaining computes the total bytes left to send, per the invariant
// in spec.md §3.
func (w *WriteRequest) remaining() int {
	total := 0
	for i := w.segIdx; i < len(w.segs); i++ {
		if i == w.segIdx {
			total += len(w.segs[i].Data) - w.segOff
			continue
		}
		total += len(w.segs[i].Data)
	}
	return total
}

func (w *WriteRequest) done() bool {
	return w.segIdx >= len(w.segs)
}

// iovecs returns the unsent tail as a slice of byte slices, capped at
// max entries (the caller passes IOV_MAX, spec.md §4.1).
func (w *WriteRequest) iovecs(max int) [][]byte {
	var out [][]byte
	for i := w.segIdx; i < len(w.segs) && len(out) < max; i++ {
		d := w.segs[i].Data
		if i == w.segIdx {
			d = d[w.segOff:]
		}
		if len(d) == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

// advance moves the segment cursor forward by n bytes of progress,
// releasing fully-consumed segments. It mirrors spec.md §3's "advanced
// atomically on partial writes" / "index never exceeds the segment
// count" invariant.
func (w *WriteRequest) advance(n int) {
	w.written += n
	for n > 0 && w.segIdx < len(w.segs) {
		remInSeg := len(w.segs[w.segIdx].Data) - w.segOff
		if n < remInSeg {
			w.segOff += n
			return
		}
		n -= remInSeg
		w.segs[w.segIdx].Data = nil // release the link
		w.segIdx++
		w.segOff = 0
	}
}

// writeQueue is the singly-linked FIFO of spec.md §3/§9.
type writeQueue struct {
	head, tail *WriteRequest
	n          int
}

func (q *writeQueue) empty() bool { return q.head == nil }

func (q *writeQueue) push(w *WriteRequest) {
	if q.tail == nil {
		q.head, q.tail = w, w
	} else {
		q.tail.next = w
		q.tail = w
	}
	q.n++
}

// popHead removes and returns the current head, sent or not (nil when
// the queue is empty).
func (q *writeQueue) popHead() *WriteRequest {
	if q.head == nil {
		return nil
	}
	w := q.head
	q.head = w.next
	if q.head == nil {
		q.tail = nil
	}
	w.next = nil
	q.n--
	return w
}

// drain empties the queue, invoking fail for every request still in
// it (used by the finishFail / fail-and-continue protocols, spec.md §7).
func (q *writeQueue) drain(fail func(*WriteRequest)) {
	for {
		w := q.popHead()
		if w == nil {
			return
		}
		fail(w)
	}
}
