// Package transport moves raw HCI frames between the host stack and one
// exclusively-claimed USB Bluetooth controller.
package transport

import (
	"errors"

	"github.com/Alia5/bluecore/snoop"
)

// FrameType is the UART-style HCI packet indicator used to pick the USB
// endpoint a frame travels on.
type FrameType uint8

const (
	FrameCommand FrameType = 0x01
	FrameACL     FrameType = 0x02
	FrameSCO     FrameType = 0x03
	FrameEvent   FrameType = 0x04
)

func (t FrameType) String() string {
	switch t {
	case FrameCommand:
		return "command"
	case FrameACL:
		return "acl"
	case FrameSCO:
		return "sco"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Frame is one complete packet crossing the transport boundary. Data does
// not include the frame type indicator.
type Frame struct {
	Type FrameType
	Data []byte
}

var (
	// ErrDeviceUnavailable is returned by Claim when no matching device
	// exists or exclusive access cannot be obtained.
	ErrDeviceUnavailable = errors.New("transport: device unavailable")

	// ErrTransportLost is the terminal condition after the underlying
	// device fails. All pending and future operations on the handle fail
	// with an error wrapping it.
	ErrTransportLost = errors.New("transport: transport lost")
)

// Transport is the exclusive-access frame pipe to one controller.
//
// Send serializes concurrent callers per direction. Frames delivers
// inbound frames in wire order; the channel is closed when the device is
// lost or the transport is closed, after which Err reports the cause
// (nil for a clean Close).
type Transport interface {
	Send(f Frame) error
	Frames() <-chan Frame
	Err() error
	Close() error
}

func capturePacketType(t FrameType, inbound bool) snoop.PacketType {
	switch t {
	case FrameCommand:
		return snoop.PacketCommand
	case FrameEvent:
		return snoop.PacketEvent
	case FrameACL:
		if inbound {
			return snoop.PacketAclRx
		}
		return snoop.PacketAclTx
	default:
		if inbound {
			return snoop.PacketScoRx
		}
		return snoop.PacketScoTx
	}
}
