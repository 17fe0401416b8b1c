// Package muxconn wires shell.Shell into a two-sided connection proxy: it
// turns each locally accepted connection into a channel pair inside one
// Shell, announced to the peer with a fourth frame variant, OPEN, that the
// core shell package deliberately knows nothing about (spec.md section 4.2's
// extension point, section 9 "polymorphic dispatch"). Where the teacher
// opens one smux.Stream per proxied connection, muxconn opens one FromFD
// channel (local bytes toward the peer) and one ToFD channel (peer bytes
// toward the local connection), since a Shell channel's direction is fixed
// at creation.
package muxconn

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/xtaci/fdmux/shell"
)

// MsgOpen is the fourth frame variant, layered entirely outside shell: a
// sender-allocated stream id plus a dial target string. Values above
// shell's three core variants are reserved for exactly this purpose (see
// shell.MsgType's doc comment).
const MsgOpen shell.MsgType = 4

const (
	wireHeaderSize = 1 + 4 // type + size, matching shell's own tuple layout
	streamIDSize   = 4
	openFixedSize  = wireHeaderSize + streamIDSize // + trailing dialTarget bytes
	defaultChanBuf = 64 * 1024
	defaultWindow  = 256 * 1024
)

// Dialer opens a connection to target, used by the server side to satisfy
// an incoming OPEN.
type Dialer func(target string) (net.Conn, error)

// Session owns one Shell per KCP conversation plus the bookkeeping needed to
// pair an OPEN message's two channels back up with the local net.Conn that
// originated (client side) or terminates (server side) the proxied byte
// stream.
type Session struct {
	sh       *shell.Shell
	transport io.Closer // the raw KCP/tcpraw conn beneath sh's two special channels
	quiet    bool
	isServer bool
	dial     Dialer
	chanBuf  uint32
	window   uint32

	mu       sync.Mutex
	closed   bool
	nextID   uint32
	fdByChan map[int]io.Closer // local fd behind each channel (nil for a pair's ToFD half), closed by Close

	openReqs chan openRequest
}

// openRequest is how an arbitrary goroutine's call to Open reaches the one
// goroutine allowed to touch sh (AddChannel, QueueMessageSynch): it queues
// the request and wakes that goroutine rather than calling into sh itself.
type openRequest struct {
	conn   net.Conn
	target string
	result chan error
}

const openQueueDepth = 256

// NewClientSession creates a session for the client side. sh may be nil and
// filled in later via Bind, since constructing sh itself needs a ProcessMsg
// bound to this very Session (see shell.WithProcessMsg in client/main.go).
func NewClientSession(sh *shell.Shell, quiet bool) *Session {
	return &Session{
		sh: sh, quiet: quiet, chanBuf: defaultChanBuf, window: defaultWindow,
		fdByChan: make(map[int]io.Closer),
		openReqs: make(chan openRequest, openQueueDepth),
	}
}

// NewServerSession creates a session for the server side: incoming OPEN
// messages dial target via dial and splice the result into a new channel
// pair. sh may be nil and filled in later via Bind.
func NewServerSession(sh *shell.Shell, dial Dialer, quiet bool) *Session {
	return &Session{
		sh: sh, quiet: quiet, isServer: true, dial: dial, chanBuf: defaultChanBuf, window: defaultWindow,
		fdByChan: make(map[int]io.Closer),
		openReqs: make(chan openRequest, openQueueDepth),
	}
}

// Bind attaches sh (and the raw transport conn beneath it, closed by Close)
// to a session built with a nil Shell, and overrides the per-channel ring
// buffer size and initial transmit window from their package defaults. Call
// once, before sh.Step is ever driven.
func (s *Session) Bind(sh *shell.Shell, transportConn io.Closer, chanBuf, window int) {
	s.sh = sh
	s.transport = transportConn
	if chanBuf > 0 {
		s.chanBuf = uint32(chanBuf)
	}
	if window > 0 {
		s.window = uint32(window)
	}
}

// IsClosed reports whether Close has been called on this session.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down every channel's local fd and the underlying transport
// conn. Closing the transport conn (rather than reaching into sh, which is
// only safe to touch from the goroutine driving sh.Step) is what makes the
// Shell's FromPeer read fail and its Step loop return, ending runShell (see
// client/main.go, server/main.go).
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := make([]io.Closer, 0, len(s.fdByChan))
	for _, c := range s.fdByChan {
		if c != nil {
			closers = append(closers, c)
		}
	}
	transport := s.transport
	s.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}
	if transport != nil {
		return transport.Close()
	}
	return nil
}

// ProcessMsg is installed via shell.WithProcessMsg. It recognizes MsgOpen
// and otherwise defers to shell.DefaultProcessMsg, exactly as spec.md
// section 4.2's last paragraph describes for an extended variant set.
func (s *Session) ProcessMsg(sh *shell.Shell, hdr shell.Header) error {
	if hdr.Type != MsgOpen {
		return shell.DefaultProcessMsg(sh, hdr)
	}
	frame := sh.ConsumePeerFrame(hdr)
	streamID, target, err := decodeOpen(frame)
	if err != nil {
		return err
	}
	if !s.isServer {
		// A server has no business sending OPEN; a well-behaved peer never
		// will, but don't silently ignore a protocol violation.
		return fmt.Errorf("muxconn: OPEN received on a client session (stream %d)", streamID)
	}
	s.logln("open request", "stream:", streamID, "target:", target)
	// Dialing synchronously here blocks this Shell's Step call for the
	// duration of the dial. AddChannel is not safe to call from any goroutine
	// but the one driving Step (shell.Shell's single-threaded invariant), and
	// ProcessMsg runs on exactly that goroutine; a background dial would have
	// to hand the resulting net.Conn back across a channel before it could
	// call AddChannel, which only trades one blocking wait for another while
	// adding a race window. Dial timeouts bound the worst case.
	s.acceptOpen(streamID, target)
	return nil
}

// Open is called by the client for each locally accepted connection, from
// whatever goroutine accepted it. AddChannel and QueueMessageSynch are only
// safe to call from the goroutine driving sh.Step, so Open hands the
// request off through openReqs and wakes that goroutine rather than
// touching sh itself; PumpOpenRequests (called from that same goroutine,
// see client/main.go's runShell) does the actual work and reports back.
func (s *Session) Open(conn net.Conn, target string) error {
	req := openRequest{conn: conn, target: target, result: make(chan error, 1)}
	select {
	case s.openReqs <- req:
	default:
		return fmt.Errorf("muxconn: open request queue full")
	}
	s.sh.Wake()
	return <-req.result
}

// PumpOpenRequests drains every Open call queued since the last call and
// performs it. It must only be called from the goroutine driving sh.Step.
func (s *Session) PumpOpenRequests() {
	for {
		select {
		case req := <-s.openReqs:
			req.result <- s.openLocal(req.conn, req.target)
		default:
			return
		}
	}
}

// openLocal does the actual work of Open: announce the stream to the peer
// via QueueMessageSynch, then allocate the channel pair, so the peer can
// never observe DATA for a channel it hasn't heard OPEN for yet.
func (s *Session) openLocal(conn net.Conn, target string) error {
	s.mu.Lock()
	streamID := s.nextID
	s.nextID++
	s.mu.Unlock()

	frame := encodeOpen(streamID, target)
	if err := s.sh.QueueMessageSynch(frame); err != nil {
		return err
	}

	fromChno := s.sh.AddChannel(shell.FromFD, readOnly{conn}, s.chanBuf, s.window)
	toChno := s.sh.AddChannel(shell.ToFD, writeOnly{conn}, s.chanBuf, 0)
	s.track(fromChno, conn)
	s.track(toChno, nil)
	s.logln("stream opened", "stream:", streamID, "target:", target, "channels:", fromChno, toChno)
	return nil
}

// acceptOpen is the server-side reaction to an incoming OPEN: dial target
// and splice the result into a fresh channel pair.
func (s *Session) acceptOpen(streamID uint32, target string) {
	conn, err := s.dial(target)
	if err != nil {
		s.logln("dial failed", "stream:", streamID, "target:", target, "err:", err)
		return
	}
	fromChno := s.sh.AddChannel(shell.FromFD, readOnly{conn}, s.chanBuf, s.window)
	toChno := s.sh.AddChannel(shell.ToFD, writeOnly{conn}, s.chanBuf, 0)
	s.track(fromChno, conn)
	s.track(toChno, nil)
	s.logln("stream accepted", "stream:", streamID, "target:", target, "channels:", fromChno, toChno)
}

func (s *Session) track(chno int, closer io.Closer) {
	s.mu.Lock()
	s.fdByChan[chno] = closer
	s.mu.Unlock()
}

func (s *Session) logln(v ...any) {
	if !s.quiet {
		log.Println(v...)
	}
}

// readOnly/writeOnly split a net.Conn into the single-direction
// io.ReadWriteCloser each of a proxied connection's two channels wants;
// Shell.AddChannel only ever calls the method matching dir.
type readOnly struct{ net.Conn }

func (r readOnly) Write(p []byte) (int, error) { panic("muxconn: read-side channel written to") }

type writeOnly struct{ net.Conn }

func (w writeOnly) Read(p []byte) (int, error) { panic("muxconn: write-side channel read from") }

func encodeOpen(streamID uint32, target string) []byte {
	size := uint32(openFixedSize + len(target))
	b := make([]byte, size)
	b[0] = byte(MsgOpen)
	binary.LittleEndian.PutUint32(b[1:wireHeaderSize], size)
	binary.LittleEndian.PutUint32(b[wireHeaderSize:openFixedSize], streamID)
	copy(b[openFixedSize:], target)
	return b
}

func decodeOpen(frame []byte) (streamID uint32, target string, err error) {
	if len(frame) < openFixedSize {
		return 0, "", fmt.Errorf("muxconn: OPEN frame too short (%d bytes)", len(frame))
	}
	streamID = binary.LittleEndian.Uint32(frame[wireHeaderSize:openFixedSize])
	target = string(frame[openFixedSize:])
	return streamID, target, nil
}
