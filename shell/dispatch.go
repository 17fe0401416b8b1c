package shell

// detectMsg peeks the FROM_PEER ring buffer for one fully-buffered frame
// without consuming it (spec.md section 4.1). It reports false if fewer
// than headerSize bytes are buffered, or if the declared frame size has not
// fully arrived yet.
func detectMsg(rb interface {
	Size() int
	CopyOut([]byte) int
}) (Header, bool) {
	var hb [headerSize]byte
	if rb.Size() < headerSize {
		return Header{}, false
	}
	rb.CopyOut(hb[:])
	hdr := parseHeader(hb[:])
	if int(hdr.Size) > rb.Size() {
		return Header{}, false
	}
	return hdr, true
}

// DefaultProcessMsg exposes the core DATA/WINDOW/CLOSE handling so a
// caller-installed ProcessMsg (spec.md section 4.2's extension point) can
// delegate to it for any frame type it does not itself recognize.
func DefaultProcessMsg(sh *Shell, hdr Header) error {
	return sh.defaultProcessMsg(sh, hdr)
}

// defaultProcessMsg handles the three core frame variants. Anything else is
// consumed (so the stream stays aligned for diagnostics) and reported as a
// fatal protocol error, per spec.md section 4.2's last paragraph.
func (sh *Shell) defaultProcessMsg(s *Shell, hdr Header) error {
	cmdch := s.ch[FromPeer]
	switch hdr.Type {
	case MsgData:
		if hdr.Size < dataHeaderSize {
			cmdch.rb.NoteRemoved(int(hdr.Size))
			return protoErrorf("wrong msg size")
		}
		var fixed [dataHeaderSize]byte
		cmdch.rb.CopyOut(fixed[:])
		chno := parseChannel(fixed[headerSize:])
		cmdch.rb.NoteRemoved(dataHeaderSize)
		payloadsz := int(hdr.Size) - dataHeaderSize
		return s.processData(int(chno), payloadsz)

	case MsgWindow:
		if hdr.Size != windowMsgSize {
			cmdch.rb.NoteRemoved(int(hdr.Size))
			return protoErrorf("wrong msg size")
		}
		var fixed [windowMsgSize]byte
		cmdch.rb.CopyOut(fixed[:])
		cmdch.rb.NoteRemoved(windowMsgSize)
		chno := parseChannel(fixed[headerSize:])
		delta := parseChannel(fixed[headerSize+channelFieldSize:])
		return s.processWindow(int(chno), delta)

	case MsgClose:
		if hdr.Size != closeMsgSize {
			cmdch.rb.NoteRemoved(int(hdr.Size))
			return protoErrorf("wrong msg size")
		}
		var fixed [closeMsgSize]byte
		cmdch.rb.CopyOut(fixed[:])
		cmdch.rb.NoteRemoved(closeMsgSize)
		chno := parseChannel(fixed[headerSize:])
		return s.processClose(int(chno))

	default:
		cmdch.rb.NoteRemoved(int(hdr.Size))
		return protoErrorf("unrecognized command %d", hdr.Type)
	}
}

// userChannel validates chno against the addressable user-channel range
// ([NRSpecialCh, nrch)) shared by DATA and WINDOW. CLOSE uses a looser check
// (see processClose).
func (sh *Shell) userChannel(chno int) (*Channel, error) {
	if chno < NRSpecialCh || chno >= len(sh.ch) {
		return nil, protoErrorf("invalid channel %d", chno)
	}
	return sh.ch[chno], nil
}

func (sh *Shell) processData(chno int, payloadsz int) error {
	c, err := sh.userChannel(chno)
	if err != nil {
		return err
	}
	if c.dir != ToFD {
		return protoErrorf("wrong channel direction for DATA on channel %d", chno)
	}
	cmdch := sh.ch[FromPeer]
	if c.closed() {
		// Channel already closed locally: drop the payload, but it has
		// already been consumed from cmdch by the caller via NoteRemoved
		// before this function was called for the fixed header; the
		// trailing payload bytes still need consuming here.
		cmdch.rb.NoteRemoved(payloadsz)
		return nil
	}
	if c.rb.Room() < payloadsz {
		return protoErrorf("window desync")
	}
	segs := cmdch.rb.IOV(payloadsz)
	for _, s := range segs {
		if err := c.Write(s); err != nil {
			return err
		}
	}
	cmdch.rb.NoteRemoved(payloadsz)
	return nil
}

func (sh *Shell) processWindow(chno int, delta uint32) error {
	c, err := sh.userChannel(chno)
	if err != nil {
		return err
	}
	if c.dir != FromFD {
		return protoErrorf("wrong channel direction for WINDOW on channel %d", chno)
	}
	if c.closed() {
		return nil
	}
	sum := uint64(c.window) + uint64(delta)
	if sum > 0xFFFFFFFF {
		return protoErrorf("window overflow")
	}
	c.window = uint32(sum)
	return nil
}

func (sh *Shell) processClose(chno int) error {
	if chno < NRSpecialCh || chno >= len(sh.ch) {
		return nil // late close for a channel we've forgotten: benign
	}
	c := sh.ch[chno]
	c.sentEOF = true // peer already knows we're closed; never emit our own CLOSE
	c.RequestClose()  // defers until any already-buffered-but-unwritten bytes drain
	return nil
}

// dispatchAll drains every complete frame currently buffered in
// ch[FromPeer], handing each to sh.processMsg (spec.md section 4.9: "detect
// and dispatch all complete frames" happens before any transmit step runs).
func (sh *Shell) dispatchAll() error {
	for {
		hdr, ok := detectMsg(sh.ch[FromPeer].rb)
		if !ok {
			return nil
		}
		if err := sh.processMsg(sh, hdr); err != nil {
			return err
		}
	}
}
