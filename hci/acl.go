package hci

import (
	"encoding/binary"
	"fmt"
)

// Assembler recombines fragmented inbound ACL packets for one connection
// handle into complete L2CAP PDUs, using the length field of the basic
// L2CAP header to know when a PDU is whole.
type Assembler struct {
	buf      []byte
	expected int
}

// ErrStrayContinuation marks a continuation fragment that arrived with no
// reassembly in progress. The fragment is dropped; nothing else is lost.
type ErrStrayContinuation struct{ Handle ConnHandle }

func (e *ErrStrayContinuation) Error() string {
	return fmt.Sprintf("connection %s: continuation fragment with no PDU in progress", e.Handle)
}

// ErrBrokenReassembly marks an in-progress PDU that had to be abandoned,
// either because a new first fragment preempted it or because the
// fragments overran the announced PDU length.
type ErrBrokenReassembly struct {
	Handle ConnHandle
	Reason string
}

func (e *ErrBrokenReassembly) Error() string {
	return fmt.Sprintf("connection %s: reassembly aborted: %s", e.Handle, e.Reason)
}

// Feed consumes one inbound fragment. When a PDU becomes complete it is
// returned; otherwise the fragment is buffered. A non-nil error reports a
// protocol violation; a complete PDU may still be returned alongside an
// ErrBrokenReassembly when a new first fragment both aborts the previous
// PDU and completes on its own.
func (a *Assembler) Feed(pkt ACLData) ([]byte, error) {
	switch pkt.Boundary {
	case BoundaryFirstNonFlushable, BoundaryFirstFlushable:
		var err error
		if a.buf != nil {
			err = &ErrBrokenReassembly{Handle: pkt.Handle, Reason: "new PDU started mid-reassembly"}
		}
		a.buf = append([]byte(nil), pkt.Data...)
		a.expected = -1
		pdu, ferr := a.advance(pkt.Handle)
		if err == nil {
			err = ferr
		}
		return pdu, err
	case BoundaryContinuing:
		if a.buf == nil {
			return nil, &ErrStrayContinuation{Handle: pkt.Handle}
		}
		a.buf = append(a.buf, pkt.Data...)
		return a.advance(pkt.Handle)
	default:
		return nil, fmt.Errorf("connection %s: unexpected packet boundary %02b", pkt.Handle, pkt.Boundary)
	}
}

// InProgressCID reports the destination channel of the PDU currently
// being reassembled, once enough of its header has arrived.
func (a *Assembler) InProgressCID() (uint16, bool) {
	if len(a.buf) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(a.buf[2:4]), true
}

// Reset drops any partial PDU, e.g. when the link goes away.
func (a *Assembler) Reset() {
	a.buf = nil
	a.expected = 0
}

func (a *Assembler) advance(handle ConnHandle) ([]byte, error) {
	if a.expected < 0 {
		if len(a.buf) < 4 {
			// Length field not complete yet.
			return nil, nil
		}
		a.expected = 4 + int(binary.LittleEndian.Uint16(a.buf[0:2]))
	}
	switch {
	case len(a.buf) < a.expected:
		return nil, nil
	case len(a.buf) > a.expected:
		a.Reset()
		return nil, &ErrBrokenReassembly{Handle: handle, Reason: "fragments exceed announced PDU length"}
	default:
		pdu := a.buf
		a.buf = nil
		a.expected = 0
		return pdu, nil
	}
}
