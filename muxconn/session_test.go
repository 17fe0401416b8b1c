package muxconn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtaci/fdmux/shell"
)

// fakeReadCloser turns a byte slice into a one-shot, then-blocking
// io.ReadCloser: once the slice is exhausted it never returns again until
// Close, so a test's peer stream doesn't spuriously close FROM_PEER once
// consumed (mirrors shell/shell_test.go's blockingReadCloser).
type fakeReadCloser struct {
	mu     sync.Mutex
	r      *bytes.Reader
	done   chan struct{}
	closed bool
}

func newFakeReadCloser(b []byte) *fakeReadCloser {
	return &fakeReadCloser{r: bytes.NewReader(b), done: make(chan struct{})}
}

func (f *fakeReadCloser) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.r.Len() > 0 {
		n, err := f.r.Read(p)
		f.mu.Unlock()
		return n, err
	}
	f.mu.Unlock()
	<-f.done
	return 0, nil
}

func (f *fakeReadCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

// fakeWriteCloser records every byte written to it.
type fakeWriteCloser struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeWriteCloser) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeWriteCloser) Close() error { return nil }

func (f *fakeWriteCloser) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf.Bytes()...)
}

// buildWindowFrame hand-encodes a WINDOW(chno, delta) frame using the wire
// layout Header documents (type u8, size u32, both little-endian) - the
// same layout encodeOpen in session.go uses, since shell's own encoder is
// unexported outside package shell.
func buildWindowFrame(chno, delta uint32) []byte {
	const size = 1 + 4 + 4 + 4
	b := make([]byte, size)
	b[0] = byte(shell.MsgWindow)
	binary.LittleEndian.PutUint32(b[1:5], size)
	binary.LittleEndian.PutUint32(b[5:9], chno)
	binary.LittleEndian.PutUint32(b[9:13], delta)
	return b
}

func TestEncodeDecodeOpenRoundTrip(t *testing.T) {
	frame := encodeOpen(42, "db.internal:5432")
	streamID, target, err := decodeOpen(frame)
	if err != nil {
		t.Fatalf("decodeOpen: %v", err)
	}
	if streamID != 42 {
		t.Fatalf("expected stream id 42, got %d", streamID)
	}
	if target != "db.internal:5432" {
		t.Fatalf("expected target %q, got %q", "db.internal:5432", target)
	}
}

func TestEncodeOpenEmptyTarget(t *testing.T) {
	frame := encodeOpen(7, "")
	streamID, target, err := decodeOpen(frame)
	if err != nil {
		t.Fatalf("decodeOpen: %v", err)
	}
	if streamID != 7 || target != "" {
		t.Fatalf("got (%d, %q)", streamID, target)
	}
}

func TestDecodeOpenFrameTooShort(t *testing.T) {
	_, _, err := decodeOpen([]byte{byte(MsgOpen), 0, 0})
	if err == nil {
		t.Fatalf("expected an error for a truncated OPEN frame")
	}
}

func TestProcessMsgRejectsOpenOnClientSession(t *testing.T) {
	peerStream := encodeOpen(1, "some-target:80")
	reader := newFakeReadCloser(peerStream)
	writer := &fakeWriteCloser{}

	sess := NewClientSession(nil, true)
	sh := shell.New(reader, writer, 4096, 4096, 4, shell.WithProcessMsg(sess.ProcessMsg))
	sess.Bind(sh, writer, 0, 0)

	err := sh.Step(true)
	if err == nil {
		t.Fatalf("expected an error dispatching OPEN on a client session")
	}
	if !strings.Contains(err.Error(), "client session") {
		t.Fatalf("expected a client-session complaint, got: %v", err)
	}
}

func TestProcessMsgDelegatesUnknownChannelToDefault(t *testing.T) {
	// WINDOW addressed to a channel nothing ever allocated: defaultProcessMsg
	// should be the one rejecting it, proving ProcessMsg delegated rather
	// than swallowing every frame type it doesn't itself recognize.
	peerStream := buildWindowFrame(99, 10)
	reader := newFakeReadCloser(peerStream)
	writer := &fakeWriteCloser{}

	dial := func(target string) (net.Conn, error) { return nil, errors.New("unused") }
	sess := NewServerSession(nil, dial, true)
	sh := shell.New(reader, writer, 4096, 4096, 4, shell.WithProcessMsg(sess.ProcessMsg))
	sess.Bind(sh, writer, 0, 0)

	err := sh.Step(true)
	if err == nil {
		t.Fatalf("expected a protocol error for an unknown channel")
	}
	if !strings.Contains(err.Error(), "invalid channel") {
		t.Fatalf("expected an invalid-channel complaint, got: %v", err)
	}
}

func TestAcceptOpenDialFailureLeavesSessionUsable(t *testing.T) {
	peerStream := encodeOpen(5, "unreachable:9999")
	reader := newFakeReadCloser(peerStream)
	writer := &fakeWriteCloser{}

	dial := func(target string) (net.Conn, error) { return nil, errors.New("connection refused") }
	sess := NewServerSession(nil, dial, true)
	sh := shell.New(reader, writer, 4096, 4096, 4, shell.WithProcessMsg(sess.ProcessMsg))
	sess.Bind(sh, writer, 0, 0)

	if err := sh.Step(true); err != nil {
		t.Fatalf("a failed dial must not be fatal to the shell: %v", err)
	}
	if got := sh.NRCh(); got != shell.NRSpecialCh {
		t.Fatalf("expected no channels allocated after a dial failure, NRCh()=%d", got)
	}
}

func TestSessionOpenQueuesAndSendsOpenFrame(t *testing.T) {
	reader := newFakeReadCloser(nil)
	writer := &fakeWriteCloser{}

	sess := NewClientSession(nil, true)
	sh := shell.New(reader, writer, 4096, 4096, 4, shell.WithProcessMsg(sess.ProcessMsg))
	sess.Bind(sh, writer, 4096, 65536)

	localConn, localPeer := net.Pipe()
	defer localPeer.Close()

	openErr := make(chan error, 1)
	go func() { openErr <- sess.Open(localConn, "upstream:22") }()

	// Drive the loop the way client/main.go's runShell does: service the
	// open queue, then step, bounded like shell_test.go's runUntil.
	var gotErr error
	completed := false
	for i := 0; i < 200 && !completed; i++ {
		sess.PumpOpenRequests()
		if err := sh.Step(false); err != nil {
			t.Fatalf("Step: %v", err)
		}
		select {
		case gotErr = <-openErr:
			completed = true
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if !completed {
		t.Fatalf("Open did not complete")
	}
	if gotErr != nil {
		t.Fatalf("Open: %v", gotErr)
	}

	_, target, err := decodeOpen(writer.Bytes())
	if err != nil {
		t.Fatalf("decoding the frame Open wrote: %v", err)
	}
	if target != "upstream:22" {
		t.Fatalf("expected target %q, got %q", "upstream:22", target)
	}

	if got := sh.NRCh(); got != shell.NRSpecialCh+2 {
		t.Fatalf("expected a FromFD/ToFD channel pair to be allocated, NRCh()=%d", got)
	}
}
