// Package hcitest provides a scripted in-memory controller implementing
// the transport interface, for exercising the stack without hardware.
package hcitest

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Alia5/bluecore/hci"
	"github.com/Alia5/bluecore/transport"
)

// Responder produces the frames a fake controller emits in reaction to
// one command. Returning nil emits nothing, which makes commands time out.
type Responder func(params []byte) []transport.Frame

// Controller is a scripted transport.Transport. By default every command
// is answered with a successful Command Complete carrying one command
// credit; per-opcode responders override that.
type Controller struct {
	mu         sync.Mutex
	responders map[hci.Opcode]Responder
	onACL      func(pkt hci.ACLData) []transport.Frame
	commands   []hci.Command
	aclOut     []hci.ACLData
	err        error
	closed     bool

	frames chan transport.Frame
}

func New() *Controller {
	return &Controller{
		responders: make(map[hci.Opcode]Responder),
		frames:     make(chan transport.Frame, 64),
	}
}

// Respond installs a responder for one opcode.
func (c *Controller) Respond(op hci.Opcode, r Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[op] = r
}

// Silence makes an opcode produce no response at all.
func (c *Controller) Silence(op hci.Opcode) {
	c.Respond(op, func([]byte) []transport.Frame { return nil })
}

// OnACL installs a hook invoked for every outbound ACL packet. The
// returned frames are injected as controller responses.
func (c *Controller) OnACL(fn func(pkt hci.ACLData) []transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onACL = fn
}

func (c *Controller) Send(f transport.Frame) error {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: controller closed", transport.ErrTransportLost)
		}
		return err
	}

	var out []transport.Frame
	switch f.Type {
	case transport.FrameCommand:
		op := hci.Opcode(binary.LittleEndian.Uint16(f.Data[0:2]))
		cmd := hci.Command{Opcode: op, Params: append([]byte(nil), f.Data[3:]...)}
		c.commands = append(c.commands, cmd)
		if r, ok := c.responders[op]; ok {
			out = r(cmd.Params)
		} else {
			out = []transport.Frame{CommandComplete(op, 0x00)}
		}
	case transport.FrameACL:
		pkt, err := hci.ParseACLData(f.Data)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.aclOut = append(c.aclOut, pkt)
		if c.onACL != nil {
			out = c.onACL(pkt)
		}
	}
	c.mu.Unlock()

	for _, rf := range out {
		c.inject(rf)
	}
	return nil
}

func (c *Controller) Frames() <-chan transport.Frame { return c.frames }

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

// Fail simulates losing the device mid-session.
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.err = err
		close(c.frames)
	}
}

// Commands returns every command received so far.
func (c *Controller) Commands() []hci.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hci.Command(nil), c.commands...)
}

// ACLOut returns every outbound ACL packet received so far.
func (c *Controller) ACLOut() []hci.ACLData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hci.ACLData(nil), c.aclOut...)
}

// InjectEvent delivers an unsolicited event to the host.
func (c *Controller) InjectEvent(code hci.EventCode, params ...byte) {
	c.inject(Event(code, params...))
}

// InjectACL delivers one inbound ACL packet to the host.
func (c *Controller) InjectACL(handle hci.ConnHandle, boundary hci.PacketBoundary, data []byte) {
	pkt := hci.ACLData{Handle: handle, Boundary: boundary, Data: data}
	c.inject(transport.Frame{Type: transport.FrameACL, Data: pkt.Marshal()})
}

// CompletePackets reports n completed ACL packets for a handle, returning
// that many credits to the host.
func (c *Controller) CompletePackets(handle hci.ConnHandle, n uint16) {
	params := make([]byte, 5)
	params[0] = 1
	binary.LittleEndian.PutUint16(params[1:3], uint16(handle))
	binary.LittleEndian.PutUint16(params[3:5], n)
	c.InjectEvent(hci.EvtNumberOfCompletedPackets, params...)
}

func (c *Controller) inject(f transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.frames <- f
}

// Event builds an event frame.
func Event(code hci.EventCode, params ...byte) transport.Frame {
	data := append([]byte{uint8(code), uint8(len(params))}, params...)
	return transport.Frame{Type: transport.FrameEvent, Data: data}
}

// CommandComplete builds a successful completion for op carrying one
// command credit and the given return parameters.
func CommandComplete(op hci.Opcode, ret ...byte) transport.Frame {
	params := make([]byte, 3, 3+len(ret))
	params[0] = 1
	binary.LittleEndian.PutUint16(params[1:3], uint16(op))
	params = append(params, ret...)
	return Event(hci.EvtCommandComplete, params...)
}

// CommandStatus builds a status event for op with one command credit.
func CommandStatus(op hci.Opcode, status hci.Status) transport.Frame {
	params := []byte{uint8(status), 1, 0, 0}
	binary.LittleEndian.PutUint16(params[2:4], uint16(op))
	return Event(hci.EvtCommandStatus, params...)
}
