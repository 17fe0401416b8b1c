package shell

import (
	"io"

	"github.com/xtaci/fdmux/ringbuf"
)

// Direction is fixed for a channel's whole lifetime.
type Direction int

const (
	// FromFD channels read bytes from a local source and emit them to the
	// peer as DATA frames (e.g. a local process's stdout, or one half of a
	// proxied TCP connection).
	FromFD Direction = iota
	// ToFD channels receive DATA frames from the peer and write them to a
	// local sink.
	ToFD
)

func (d Direction) String() string {
	if d == FromFD {
		return "FROM_FD"
	}
	return "TO_FD"
}

// readBufSize bounds a single background read performed on behalf of a
// FromFD channel.
const readBufSize = 32 * 1024

// ioEvent reports the outcome of one background read or write, fanned in to
// the owning Shell's single event loop. It carries no reference to mutable
// shell/channel state - only the raw syscall result - so the goroutine that
// produced it never touches anything the Shell goroutine might be mutating.
type ioEvent struct {
	chno     int
	isWrite  bool
	n        int
	err      error
	data     []byte // valid bytes read, only set for !isWrite
	generation uint64
}

// Channel is the per-channel collaborator described in spec.md section 6:
// it owns one local fd (or, for the two special channels, the transport
// connection's read or write half), one direction, one ring buffer, and the
// per-direction flow-control bookkeeping.
type Channel struct {
	chno int
	dir  Direction

	reader io.ReadCloser // set (and non-nil) while open, for channels fed by a local/transport read
	writer io.WriteCloser // set (and non-nil) while open, for channels drained by a local/transport write

	rb *ringbuf.Ring

	window       uint32 // FromFD only: outstanding transmit credit granted by the peer
	bytesWritten uint32 // ToFD user channels only: bytes delivered to the local sink since the last WINDOW sent
	sentEOF      bool
	pendingClose bool

	busy       bool // a background read/write is in flight
	generation uint64 // bumped on Close so late events from a stale goroutine are ignored
	events     chan<- ioEvent
}

func newChannel(chno int, dir Direction, rb *ringbuf.Ring, events chan<- ioEvent) *Channel {
	return &Channel{chno: chno, dir: dir, rb: rb, events: events}
}

// closed reports whether the channel's local fd is gone - spec.md's
// fdh == null.
func (c *Channel) closed() bool {
	return c.reader == nil && c.writer == nil
}

// pollRequest starts at most one background I/O operation per call,
// translating spec.md's poll_request into the fan-in model documented in
// DESIGN.md. It is safe to call every loop iteration; it is a no-op unless
// there is new work and no operation already in flight.
func (c *Channel) pollRequest() {
	if c.busy || c.closed() {
		return
	}
	// Which of reader/writer is set - not dir - decides the physical I/O
	// role, because the two special channels invert the usual pairing
	// (spec.md section 3 invariant 1: ch[FROM_PEER].dir = TO_FD even though
	// it is read from, ch[TO_PEER].dir = FROM_FD even though it is written
	// to). dir only governs frame-routing and flow-control semantics below.
	if c.reader != nil {
		room := c.rb.Room()
		if c.dir == FromFD {
			// Never buffer more sendable bytes than the peer has granted
			// credit for, so everything read can be sent without waiting
			// for a further WINDOW; xmitData still caps each DATA frame by
			// window as well (invariant 2).
			if allowance := int(c.window) - c.rb.Size(); allowance < room {
				room = allowance
			}
		}
		if room <= 0 {
			return
		}
		if room > readBufSize {
			room = readBufSize
		}
		c.startRead(room)
		return
	}
	if c.writer != nil {
		if c.rb.Size() == 0 {
			return
		}
		c.startWrite()
	}
}

func (c *Channel) startRead(n int) {
	c.busy = true
	gen := c.generation
	reader := c.reader
	buf := make([]byte, n)
	go func() {
		nread, err := reader.Read(buf)
		c.events <- ioEvent{chno: c.chno, n: nread, err: err, data: buf[:nread], generation: gen}
	}()
}

func (c *Channel) startWrite() {
	c.busy = true
	gen := c.generation
	writer := c.writer
	segs := c.rb.IOV(c.rb.Size())
	var buf []byte
	if len(segs) == 1 {
		buf = segs[0]
	} else {
		buf = make([]byte, 0, c.rb.Size())
		for _, s := range segs {
			buf = append(buf, s...)
		}
	}
	go func() {
		n, err := writer.Write(buf)
		c.events <- ioEvent{chno: c.chno, isWrite: true, n: n, err: err, generation: gen}
	}()
}

// applyEvent is spec.md's poll_step: the non-blocking application of one
// background I/O result to channel state. Called only from the Shell's
// single goroutine.
func (c *Channel) applyEvent(ev ioEvent) {
	if ev.generation != c.generation {
		return // stale event from an operation started before Close
	}
	c.busy = false
	if ev.isWrite {
		if ev.n > 0 {
			c.rb.NoteRemoved(ev.n)
			if c.chno >= NRSpecialCh {
				// TO_PEER's "write" drains straight to the transport, not to
				// a local fd fed by the peer; it has nothing to ack back.
				c.bytesWritten += uint32(ev.n)
			}
		}
		if ev.err != nil {
			c.closeLocal()
		}
		return
	}
	if ev.n > 0 {
		// Append cannot fail: startRead never requests more bytes than
		// Room() allowed at the time it was issued, and Room only shrinks
		// via Append itself (single-threaded owner).
		_ = c.rb.Append(ev.data)
	}
	if ev.err != nil {
		c.closeLocal()
	}
}

// Write appends bytes delivered by the peer to the channel's ring buffer.
// It never blocks and must not be called with more bytes than Room allows;
// the dispatcher enforces that invariant before calling Write.
func (c *Channel) Write(p []byte) error {
	return c.rb.Append(p)
}

// closeLocal releases the local fd. Idempotent; after it returns, closed()
// is true and any background operation's eventual result is ignored via the
// generation counter.
func (c *Channel) closeLocal() {
	if c.closed() {
		return
	}
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
	if c.writer != nil {
		c.writer.Close()
		c.writer = nil
	}
	c.generation++
	c.busy = false
}

// RequestClose asks the channel to close once its ring buffer has drained
// (spec.md section 4.6, do_pending_close). For FromFD channels, or when the
// buffer is already empty, it closes immediately.
func (c *Channel) RequestClose() {
	if c.closed() {
		return
	}
	if c.dir == ToFD && c.rb.Size() > 0 {
		c.pendingClose = true
		return
	}
	c.closeLocal()
}

func (c *Channel) doPendingClose() {
	if c.dir == ToFD && c.writer != nil && c.rb.Size() == 0 && c.pendingClose {
		c.closeLocal()
	}
}
