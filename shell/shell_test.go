package shell

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeReadCloser turns a byte slice into a one-shot, then-EOF io.ReadCloser.
type fakeReadCloser struct {
	r      *bytes.Reader
	closed bool
}

func newFakeReadCloser(b []byte) *fakeReadCloser {
	return &fakeReadCloser{r: bytes.NewReader(b)}
}

func (f *fakeReadCloser) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeReadCloser) Close() error                { f.closed = true; return nil }

// fakeWriteCloser records every byte written to it, safe for the
// background-goroutine writer racing with the test goroutine's inspection.
type fakeWriteCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeWriteCloser) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeWriteCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriteCloser) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf.Bytes()...)
}

func (f *fakeWriteCloser) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// blockingReadCloser never returns from Read; it stands in for a transport
// that has nothing more to say, so its pollRequest goroutine never produces
// a spurious event during a test.
type blockingReadCloser struct{ done chan struct{} }

func newBlockingReadCloser() *blockingReadCloser { return &blockingReadCloser{done: make(chan struct{})} }
func (b *blockingReadCloser) Read(p []byte) (int, error) {
	<-b.done
	return 0, io.EOF
}
func (b *blockingReadCloser) Close() error { close(b.done); return nil }

func buildDataFrame(chno uint32, payload []byte) []byte {
	fixed := dataHeaderBytes(chno, uint32(dataHeaderSize+len(payload)))
	out := make([]byte, 0, dataHeaderSize+len(payload))
	out = append(out, fixed[:]...)
	out = append(out, payload...)
	return out
}

// decodedFrame is a test-side parse of one frame pulled off a captured
// TO_PEER byte stream.
type decodedFrame struct {
	typ     MsgType
	chno    uint32
	payload []byte // DATA only
	delta   uint32 // WINDOW only
}

func decodeFrames(t *testing.T, stream []byte) []decodedFrame {
	t.Helper()
	var out []decodedFrame
	for len(stream) > 0 {
		if len(stream) < headerSize {
			t.Fatalf("trailing %d bytes too short for a header", len(stream))
		}
		hdr := parseHeader(stream)
		if int(hdr.Size) > len(stream) {
			t.Fatalf("declared frame size %d exceeds remaining %d bytes", hdr.Size, len(stream))
		}
		body := stream[:hdr.Size]
		switch hdr.Type {
		case MsgData:
			chno := parseChannel(body[headerSize:])
			out = append(out, decodedFrame{typ: MsgData, chno: chno, payload: append([]byte(nil), body[dataHeaderSize:]...)})
		case MsgWindow:
			chno := parseChannel(body[headerSize:])
			delta := parseChannel(body[headerSize+channelFieldSize:])
			out = append(out, decodedFrame{typ: MsgWindow, chno: chno, delta: delta})
		case MsgClose:
			chno := parseChannel(body[headerSize:])
			out = append(out, decodedFrame{typ: MsgClose, chno: chno})
		default:
			t.Fatalf("unexpected frame type %d in captured stream", hdr.Type)
		}
		stream = stream[hdr.Size:]
	}
	return out
}

// newTestShell wires a Shell whose peer-facing reader replays peerStream and
// whose peer-facing writer is a fakeWriteCloser the test can inspect.
func newTestShell(peerStream []byte, peerBufSize int, maxOutgoingMsg uint32) (*Shell, *fakeWriteCloser) {
	out := &fakeWriteCloser{}
	sh := New(newFakeReadCloser(peerStream), out, peerBufSize, maxOutgoingMsg, 4)
	return sh, out
}

// runUntil drives Step(true) up to maxSteps times, stopping early once cond
// reports true. It fails the test if cond never becomes true.
func runUntil(t *testing.T, sh *Shell, maxSteps int, cond func() bool) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return
		}
		if err := sh.Step(true); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if !cond() {
		t.Fatalf("condition not met after %d steps", maxSteps)
	}
}

func TestDataThenCloseDeliversPayloadAndSingleWindow(t *testing.T) {
	peerStream := append(buildDataFrame(2, []byte("hi")), appendCloseMsg(nil, 2)...)
	sh, out := newTestShell(peerStream, 4096, 4096)
	localFd := &fakeWriteCloser{}
	chno := sh.AddChannel(ToFD, struct {
		io.Reader
		io.Writer
		io.Closer
	}{bytes.NewReader(nil), localFd, localFd}, 256, 0)
	if chno != 2 {
		t.Fatalf("expected channel index 2, got %d", chno)
	}

	runUntil(t, sh, 50, func() bool {
		return bytes.Equal(localFd.Bytes(), []byte("hi")) && localFd.IsClosed()
	})
	// The WINDOW ack enqueued onto ch[TO_PEER] during the step above is only
	// handed to the transport writer on a later pollRequest; drain it out.
	runUntil(t, sh, 50, func() bool { return len(out.Bytes()) > 0 })

	frames := decodeFrames(t, out.Bytes())
	var windowCount int
	for _, f := range frames {
		if f.typ == MsgWindow && f.chno == 2 {
			windowCount++
			if f.delta != 2 {
				t.Fatalf("expected WINDOW delta 2, got %d", f.delta)
			}
		}
	}
	if windowCount != 1 {
		t.Fatalf("expected exactly one WINDOW(2, ...), saw %d", windowCount)
	}
}

func TestWindowGrantsExactCreditedData(t *testing.T) {
	peerStream := appendWindowMsg(nil, 3, 5)
	sh, out := newTestShell(peerStream, 4096, 4096)
	filler := &fakeWriteCloser{}
	chno := sh.AddChannel(ToFD, struct {
		io.Reader
		io.Writer
		io.Closer
	}{bytes.NewReader(nil), filler, filler}, 256, 0)
	if chno != 2 {
		t.Fatalf("expected channel index 2, got %d", chno)
	}
	// chno 3 is a FromFD channel preloaded with "hello world" by
	// writing directly into its ring buffer, standing in for bytes already
	// queued from its local fd.
	blocker := newBlockingReadCloser()
	chno3 := sh.AddChannel(FromFD, struct {
		io.Reader
		io.Writer
		io.Closer
	}{blocker, nil, blocker}, 256, 0)
	if chno3 != 3 {
		t.Fatalf("expected channel index 3, got %d", chno3)
	}
	if err := sh.Channel(3).Write([]byte("hello world")); err != nil {
		t.Fatalf("preload: %v", err)
	}

	runUntil(t, sh, 50, func() bool {
		for _, f := range decodeFrames(t, out.Bytes()) {
			if f.typ == MsgData && f.chno == 3 {
				return true
			}
		}
		return false
	})

	frames := decodeFrames(t, out.Bytes())
	var dataFrames []decodedFrame
	for _, f := range frames {
		if f.typ == MsgData && f.chno == 3 {
			dataFrames = append(dataFrames, f)
		}
	}
	if len(dataFrames) != 1 {
		t.Fatalf("expected exactly one DATA(3, ...) frame, got %d", len(dataFrames))
	}
	if string(dataFrames[0].payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", dataFrames[0].payload)
	}
	if sh.Channel(3).window != 0 {
		t.Fatalf("expected window to be fully spent, got %d", sh.Channel(3).window)
	}
}

func TestDataExceedingRoomIsWindowDesync(t *testing.T) {
	peerStream := buildDataFrame(2, bytes.Repeat([]byte("x"), 300))
	sh, _ := newTestShell(peerStream, 4096, 4096)
	localFd := &fakeWriteCloser{}
	sh.AddChannel(ToFD, struct {
		io.Reader
		io.Writer
		io.Closer
	}{bytes.NewReader(nil), localFd, localFd}, 64, 0)

	var lastErr error
	for i := 0; i < 10 && lastErr == nil; i++ {
		lastErr = sh.Step(true)
	}
	if lastErr == nil {
		t.Fatalf("expected a protocol error, got none")
	}
	if _, ok := lastErr.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", lastErr, lastErr)
	}
}

func TestUnrecognizedCommandIsFatal(t *testing.T) {
	frame := make([]byte, headerSize)
	putHeader(frame, MsgType(0xFF), headerSize)
	sh, _ := newTestShell(frame, 4096, 4096)

	var lastErr error
	for i := 0; i < 10 && lastErr == nil; i++ {
		lastErr = sh.Step(true)
	}
	if lastErr == nil {
		t.Fatalf("expected a protocol error, got none")
	}
	if lastErr.Error() != "protocol error: unrecognized command 255" {
		t.Fatalf("unexpected error message: %v", lastErr)
	}
}

func TestCloseForUnknownChannelIsIgnored(t *testing.T) {
	peerStream := appendCloseMsg(nil, 99)
	sh, _ := newTestShell(peerStream, 4096, 4096)
	if err := sh.Step(true); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := sh.dispatchAll(); err != nil {
		t.Fatalf("dispatchAll after ignoring out-of-range CLOSE: %v", err)
	}
}

func TestDeferredCloseDrainsBeforeClosing(t *testing.T) {
	sh, _ := newTestShell(nil, 4096, 4096)
	localFd := &fakeWriteCloser{}
	chno := sh.AddChannel(ToFD, struct {
		io.Reader
		io.Writer
		io.Closer
	}{bytes.NewReader(nil), localFd, localFd}, 64, 0)
	c := sh.Channel(chno)
	if err := c.Write([]byte("abc")); err != nil {
		t.Fatalf("preload: %v", err)
	}
	c.RequestClose()
	if localFd.IsClosed() {
		t.Fatalf("fd closed before buffered bytes drained")
	}

	runUntil(t, sh, 20, func() bool {
		return bytes.Equal(localFd.Bytes(), []byte("abc")) && localFd.IsClosed()
	})
}

func TestQueueMessageSynchSpinsUntilBudgetCovers(t *testing.T) {
	sh, out := newTestShell(nil, 4096, 4096)
	msg := make([]byte, 2048)
	for i := range msg {
		msg[i] = byte(i)
	}
	// Pin the TO_PEER ring's free room at 512 bytes, standing in for an
	// outbound budget already mostly spoken for by other traffic; draining
	// it back out (via the fake transport writer) is what lets the budget
	// grow past the message size.
	filler := bytes.Repeat([]byte{0xAA}, sh.Channel(ToPeer).rb.Room()-512)
	if err := sh.Channel(ToPeer).Write(filler); err != nil {
		t.Fatalf("preload filler: %v", err)
	}

	if err := sh.QueueMessageSynch(msg); err != nil {
		t.Fatalf("QueueMessageSynch: %v", err)
	}

	runUntil(t, sh, 20, func() bool {
		return len(out.Bytes()) >= len(filler)+len(msg)
	})

	got := out.Bytes()[len(filler):]
	if len(got) != len(msg) {
		t.Fatalf("expected exactly %d message bytes written, got %d", len(msg), len(got))
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("message bytes corrupted in transit")
	}
}

// TestWakeUnblocksStep pins down the one addition package muxconn needed:
// a goroutine other than the one driving Step can still get a pending
// Step(true) call to return promptly, without it otherwise observing any
// channel event.
func TestWakeUnblocksStep(t *testing.T) {
	reader := newBlockingReadCloser()
	sh := New(reader, &fakeWriteCloser{}, 4096, 4096, 4)

	done := make(chan error, 1)
	go func() { done <- sh.Step(true) }()

	sh.Wake()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Step(true) did not return after Wake")
	}
	reader.Close()
}
