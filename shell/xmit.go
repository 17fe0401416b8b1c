package shell

// xmitAcks implements spec.md section 4.4: after dispatch, every channel
// (specials included) that has accumulated consumption since its last
// WINDOW announces it as fresh credit, budget permitting.
func (sh *Shell) xmitAcks() {
	for _, c := range sh.ch {
		if c.bytesWritten == 0 {
			continue
		}
		if sh.maxOutMsg() < windowMsgSize {
			continue
		}
		frame := appendWindowMsg(nil, uint32(c.chno), c.bytesWritten)
		sh.enqueueToPeer(frame)
		c.bytesWritten = 0
	}
}

// xmitData implements spec.md section 4.5: one DATA frame per FromFD user
// channel with outstanding bytes, sized to fit both the current outbound
// budget and the channel's remaining window (testable property 2: no DATA
// frame ever carries more than the window advertised for it). Emitted bytes
// are charged against window immediately; poll_request's read gating
// already keeps avail within window under normal operation, so this is a
// belt-and-suspenders bound rather than the only one - but it is the one
// that makes the invariant hold unconditionally, including for bytes a
// caller buffered directly rather than through the fd-read path.
func (sh *Shell) xmitData() {
	for _, c := range sh.ch[NRSpecialCh:] {
		if c.dir != FromFD {
			continue
		}
		avail := c.rb.Size()
		if avail == 0 {
			continue
		}
		budget := sh.maxOutMsg()
		if budget <= dataHeaderSize {
			continue
		}
		payloadsz := avail
		if max := budget - dataHeaderSize; payloadsz > max {
			payloadsz = max
		}
		if int(c.window) < payloadsz {
			payloadsz = int(c.window)
		}
		if payloadsz == 0 {
			continue
		}
		fixed := dataHeaderBytes(uint32(c.chno), uint32(dataHeaderSize+payloadsz))
		frame := make([]byte, 0, dataHeaderSize+payloadsz)
		frame = append(frame, fixed[:]...)
		for _, seg := range c.rb.IOV(payloadsz) {
			frame = append(frame, seg...)
		}
		sh.enqueueToPeer(frame)
		c.rb.NoteRemoved(payloadsz)
		c.window -= uint32(payloadsz)
	}
}

// xmitDeferredCloses implements spec.md section 4.6.
func (sh *Shell) xmitDeferredCloses() {
	for _, c := range sh.ch[NRSpecialCh:] {
		c.doPendingClose()
	}
}

// xmitEOF implements spec.md section 4.7: CLOSE follows all buffered DATA
// for a channel because its precondition is an empty outbound ring.
func (sh *Shell) xmitEOF() {
	for _, c := range sh.ch[NRSpecialCh:] {
		if !c.closed() || c.sentEOF || c.rb.Size() != 0 {
			continue
		}
		if sh.maxOutMsg() < closeMsgSize {
			continue
		}
		frame := appendCloseMsg(nil, uint32(c.chno))
		sh.enqueueToPeer(frame)
		c.sentEOF = true
	}
}

// pumpIO implements spec.md section 4.8, translated to the fan-in model: ask
// every channel to start whatever background I/O it currently wants, then
// block for exactly one event and apply it. If no channel wants anything and
// none is already in flight, there is nothing left for this shell to do.
func (sh *Shell) pumpIO(block bool) {
	for _, c := range sh.ch {
		c.pollRequest()
	}
	if !block {
		select {
		case ev := <-sh.events:
			sh.ch[ev.chno].applyEvent(ev)
		case <-sh.wake:
		default:
		}
		return
	}
	select {
	case ev := <-sh.events:
		sh.ch[ev.chno].applyEvent(ev)
	case <-sh.wake:
	}
}

// Wake unblocks a goroutine currently parked inside Step(true) without
// applying any channel event. It is the one Shell method safe to call from
// a goroutine other than the one driving Step - a caller that has handed
// the driving goroutine work to pick up (package muxconn's pending-open
// queue) uses it so that work isn't stuck behind an idle transport's next
// naturally occurring I/O event.
func (sh *Shell) Wake() {
	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

// Step runs one loop iteration (spec.md section 4.9): pump-io,
// detect-and-dispatch all complete frames, emit acks, then per user channel
// emit-data, deferred-close, emit-eof. It blocks only inside pumpIO, and
// only when the caller requests it.
func (sh *Shell) Step(block bool) error {
	sh.pumpIO(block)
	if err := sh.dispatchAll(); err != nil {
		return err
	}
	sh.xmitAcks()
	sh.xmitData()
	sh.xmitDeferredCloses()
	sh.xmitEOF()
	return nil
}

// QueueMessageSynch implements spec.md section 4.10: the one place the core
// blocks on its own progress. It spins Step until the outbound budget can
// hold msg whole, then enqueues it directly.
func (sh *Shell) QueueMessageSynch(msg []byte) error {
	for sh.maxOutMsg() < len(msg) {
		if err := sh.Step(true); err != nil {
			return err
		}
	}
	sh.enqueueToPeer(msg)
	return nil
}
