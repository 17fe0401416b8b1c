package shell

import "encoding/binary"

// MsgType identifies a frame variant on the wire. Values above the three
// core variants are available for a caller-installed ProcessMsg to extend
// (see ProcessMsg and the "OPEN" extension in package muxconn).
type MsgType uint8

const (
	// MsgData carries payload bytes addressed to a channel.
	MsgData MsgType = 1 + iota
	// MsgWindow grants the sender additional transmit credit for a channel.
	MsgWindow
	// MsgClose signals that the sender has no more data for a channel.
	MsgClose
)

func (t MsgType) String() string {
	switch t {
	case MsgData:
		return "DATA"
	case MsgWindow:
		return "WINDOW"
	case MsgClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

const (
	// headerSize is sizeof({type: u8, size: u32}), the fixed tuple every
	// frame begins with, counted as part of each variant's Size.
	headerSize = 1 + 4

	channelFieldSize = 4 // u32 channel id
	deltaFieldSize   = 4 // u32 window_delta

	// dataHeaderSize is the fixed portion of a DATA frame: header + channel
	// id. Trailing payload bytes are size - dataHeaderSize. This is the
	// quantity spec.md section 9's "open question" says must be used
	// instead of a pointer/struct size.
	dataHeaderSize = headerSize + channelFieldSize
	// windowMsgSize is the fixed (and total, WINDOW carries no trailing
	// payload) size of a WINDOW frame.
	windowMsgSize = headerSize + channelFieldSize + deltaFieldSize
	// closeMsgSize is the fixed (and total) size of a CLOSE frame.
	closeMsgSize = headerSize + channelFieldSize
)

// Header is the wire tuple common to every frame. It is exported so a
// caller-installed ProcessMsg (package muxconn's OPEN extension) can name
// the type its function literal receives.
type Header struct {
	Type MsgType
	Size uint32 // total frame size, header included
}

func putHeader(b []byte, typ MsgType, size uint32) {
	b[0] = byte(typ)
	binary.LittleEndian.PutUint32(b[1:headerSize], size)
}

func parseHeader(b []byte) Header {
	return Header{
		Type: MsgType(b[0]),
		Size: binary.LittleEndian.Uint32(b[1:headerSize]),
	}
}

func putChannel(b []byte, chno uint32) {
	binary.LittleEndian.PutUint32(b, chno)
}

func parseChannel(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// appendWindowMsg appends a complete WINDOW(chno, delta) frame to dst and
// returns the result.
func appendWindowMsg(dst []byte, chno uint32, delta uint32) []byte {
	var b [windowMsgSize]byte
	putHeader(b[:], MsgWindow, windowMsgSize)
	putChannel(b[headerSize:], chno)
	binary.LittleEndian.PutUint32(b[headerSize+channelFieldSize:], delta)
	return append(dst, b[:]...)
}

// appendCloseMsg appends a complete CLOSE(chno) frame to dst and returns the
// result.
func appendCloseMsg(dst []byte, chno uint32) []byte {
	var b [closeMsgSize]byte
	putHeader(b[:], MsgClose, closeMsgSize)
	putChannel(b[headerSize:], chno)
	return append(dst, b[:]...)
}

// dataHeaderBytes returns the fixed portion of a DATA(chno, ...) frame; the
// caller appends payload bytes directly from the ring buffer afterward.
func dataHeaderBytes(chno uint32, totalSize uint32) [dataHeaderSize]byte {
	var b [dataHeaderSize]byte
	putHeader(b[:], MsgData, totalSize)
	putChannel(b[headerSize:], chno)
	return b
}
