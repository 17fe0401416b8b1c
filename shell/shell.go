// Package shell implements the bidirectional, multiplexed byte-stream
// framing engine: the event loop, frame parser, per-channel flow control and
// transmit/close bookkeeping that spec.md describes. It carries an arbitrary
// number of logical channels over a single duplex transport, each bound to a
// local reader or writer, independently honoring flow control, orderly
// end-of-stream and back-pressure in both directions.
package shell

import (
	"io"

	"github.com/xtaci/fdmux/ringbuf"
)

// Special channel indices, fixed for every Shell (spec.md section 2/3).
const (
	FromPeer = 0 // receive-only: fed by the transport
	ToPeer   = 1 // send-only: drains to the transport
	// NRSpecialCh is the count of reserved special indices; user channels
	// start at this index.
	NRSpecialCh = 2
)

// ProcessMsg dispatches one fully-buffered frame whose header has already
// been peeked off ch[FromPeer]. The three core variants (DATA, WINDOW,
// CLOSE) are handled by defaultProcessMsg; installing a different
// ProcessMsg lets a caller extend the variant set (spec.md section 4.2,
// section 9 "polymorphic dispatch") - see package muxconn's OPEN message.
type ProcessMsg func(sh *Shell, hdr Header) error

// Shell owns every channel and all loop state for one multiplexed
// connection. It must be driven by repeated calls to Step from a single
// goroutine; nothing about Shell is safe for concurrent use, matching
// spec.md section 5's single-threaded cooperative model.
type Shell struct {
	ch             []*Channel
	maxOutgoingMsg uint32
	processMsg     ProcessMsg
	events         chan ioEvent
	wake           chan struct{}
}

// Option configures a Shell at construction time.
type Option func(*Shell)

// WithProcessMsg installs a ProcessMsg that extends the three core
// variants. If not supplied, defaultProcessMsg is used.
func WithProcessMsg(pm ProcessMsg) Option {
	return func(sh *Shell) { sh.processMsg = pm }
}

// New creates a Shell with its two special channels wired to transportReader
// (FromPeer) and transportWriter (ToPeer), and nrchHint additional slots
// pre-allocated for user channels (the array still grows on demand via
// AddChannel). maxOutgoingMsg is the hard ceiling on any frame this Shell
// will emit (spec.md section 3).
func New(transportReader io.ReadCloser, transportWriter io.WriteCloser, peerBufSize int, maxOutgoingMsg uint32, nrchHint int, opts ...Option) *Shell {
	sh := &Shell{
		maxOutgoingMsg: maxOutgoingMsg,
		events:         make(chan ioEvent, 64),
		wake:           make(chan struct{}, 1),
	}
	sh.processMsg = sh.defaultProcessMsg

	sh.ch = make([]*Channel, NRSpecialCh, NRSpecialCh+nrchHint)
	fromPeer := newChannel(FromPeer, ToFD, ringbuf.New(peerBufSize), sh.events)
	fromPeer.reader = transportReader
	sh.ch[FromPeer] = fromPeer

	toPeer := newChannel(ToPeer, FromFD, ringbuf.New(peerBufSize), sh.events)
	toPeer.writer = transportWriter
	sh.ch[ToPeer] = toPeer

	for _, opt := range opts {
		opt(sh)
	}
	return sh
}

// NRCh returns the current number of channel slots, including the two
// special ones.
func (sh *Shell) NRCh() int { return len(sh.ch) }

// Channel returns the channel at chno, or nil if chno is out of range.
func (sh *Shell) Channel(chno int) *Channel {
	if chno < 0 || chno >= len(sh.ch) {
		return nil
	}
	return sh.ch[chno]
}

// AddChannel appends a new user channel bound to fd (read from it if
// dir==FromFD, written to if dir==ToFD) with a ring buffer of bufSize bytes,
// and returns its index.
func (sh *Shell) AddChannel(dir Direction, fd io.ReadWriteCloser, bufSize uint32, initialWindow uint32) int {
	chno := len(sh.ch)
	c := newChannel(chno, dir, ringbuf.New(int(bufSize)), sh.events)
	switch dir {
	case FromFD:
		c.reader = fd
		c.window = initialWindow
	case ToFD:
		c.writer = fd
	}
	sh.ch = append(sh.ch, c)
	return chno
}

// maxOutMsg is the transmit-window accounting helper of spec.md section 4.3:
// the largest frame the shell may emit right now.
func (sh *Shell) maxOutMsg() int {
	room := sh.ch[ToPeer].rb.Room()
	if room < int(sh.maxOutgoingMsg) {
		return room
	}
	return int(sh.maxOutgoingMsg)
}

// PeekPeerFrame reports the header of the next fully-buffered frame in
// ch[FromPeer] without consuming it. A caller-installed ProcessMsg extending
// the core variant set (spec.md section 4.2's last paragraph, section 9)
// uses this to recognize its own message types before defaultProcessMsg
// would reject them as unrecognized. ok is false until a complete frame has
// arrived.
func (sh *Shell) PeekPeerFrame() (Header, bool) {
	return detectMsg(sh.ch[FromPeer].rb)
}

// ConsumePeerFrame copies out and removes hdr.Size bytes (header included)
// from ch[FromPeer], handing the raw frame back to a ProcessMsg extension
// for it to parse its own payload layout.
func (sh *Shell) ConsumePeerFrame(hdr Header) []byte {
	buf := make([]byte, hdr.Size)
	sh.ch[FromPeer].rb.CopyOut(buf)
	sh.ch[FromPeer].rb.NoteRemoved(int(hdr.Size))
	return buf
}

// enqueueToPeer appends a complete frame to the TO_PEER ring buffer. The
// caller must already have checked it fits via maxOutMsg.
func (sh *Shell) enqueueToPeer(frame []byte) {
	if err := sh.ch[ToPeer].Write(frame); err != nil {
		// Cannot happen: every call site bounds frame's length by
		// maxOutMsg(), which never exceeds ch[ToPeer]'s Room().
		panic(err)
	}
}
