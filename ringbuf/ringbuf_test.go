package ringbuf

import (
	"bytes"
	"testing"
)

func TestAppendAndCopyOut(t *testing.T) {
	r := New(8)
	if err := r.Append([]byte("hello")); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if r.Size() != 5 || r.Room() != 3 {
		t.Fatalf("unexpected size/room: size=%d room=%d", r.Size(), r.Room())
	}

	dst := make([]byte, 5)
	n := r.CopyOut(dst)
	if n != 5 || !bytes.Equal(dst, []byte("hello")) {
		t.Fatalf("CopyOut returned %d %q", n, dst)
	}
	// CopyOut must not consume.
	if r.Size() != 5 {
		t.Fatalf("CopyOut must be non-destructive, size=%d", r.Size())
	}
}

func TestOverflowRejected(t *testing.T) {
	r := New(4)
	if err := r.Append([]byte("12345")); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if r.Size() != 0 {
		t.Fatalf("rejected append must not partially store bytes, size=%d", r.Size())
	}
}

func TestWrapAround(t *testing.T) {
	r := New(4)
	must(t, r.Append([]byte("ab")))
	r.NoteRemoved(2)
	must(t, r.Append([]byte("cdef")))

	dst := make([]byte, 4)
	n := r.CopyOut(dst)
	if n != 4 || string(dst) != "cdef" {
		t.Fatalf("wrap-around CopyOut = %q", dst[:n])
	}
}

func TestIOVTwoSegments(t *testing.T) {
	r := New(4)
	must(t, r.Append([]byte("ab")))
	r.NoteRemoved(2)
	must(t, r.Append([]byte("cdef"))) // tail wraps: head=2, so "ef" then "cd"

	segs := r.IOV(4)
	var joined []byte
	for _, s := range segs {
		joined = append(joined, s...)
	}
	if string(joined) != "cdef" {
		t.Fatalf("IOV segments joined = %q", joined)
	}
}

func TestIOVCapsAtSize(t *testing.T) {
	r := New(8)
	must(t, r.Append([]byte("abc")))
	segs := r.IOV(100)
	var n int
	for _, s := range segs {
		n += len(s)
	}
	if n != 3 {
		t.Fatalf("IOV should cap at Size()=3, got %d", n)
	}
}

func TestNoteRemovedPanicsOnOverrun(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when removing more than stored")
		}
	}()
	r := New(4)
	r.NoteRemoved(1)
}

func TestReset(t *testing.T) {
	r := New(4)
	must(t, r.Append([]byte("ab")))
	r.Reset()
	if r.Size() != 0 || r.Room() != 4 {
		t.Fatalf("Reset did not clear buffer: size=%d room=%d", r.Size(), r.Room())
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
