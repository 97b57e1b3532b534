package hci

import (
	"encoding/binary"
	"fmt"
)

// Command is one outbound HCI command packet.
type Command struct {
	Opcode Opcode
	Params []byte
}

// MaxCommandParams is the parameter capacity of the one-byte length field.
const MaxCommandParams = 255

// Marshal encodes the command wire form: opcode, parameter length, then
// the parameters.
func (c Command) Marshal() ([]byte, error) {
	if len(c.Params) > MaxCommandParams {
		return nil, fmt.Errorf("command %s: %d parameter bytes exceeds the %d byte limit",
			c.Opcode, len(c.Params), MaxCommandParams)
	}
	buf := make([]byte, 3+len(c.Params))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(c.Opcode))
	buf[2] = uint8(len(c.Params))
	copy(buf[3:], c.Params)
	return buf, nil
}

// Event is one inbound HCI event packet.
type Event struct {
	Code   EventCode
	Params []byte
}

// ParseEvent decodes an event frame, rejecting truncated packets and
// length fields that disagree with the payload.
func ParseEvent(data []byte) (Event, error) {
	if len(data) < 2 {
		return Event{}, fmt.Errorf("event packet too short: %d bytes", len(data))
	}
	plen := int(data[1])
	if len(data) != 2+plen {
		return Event{}, fmt.Errorf("event 0x%02X: length field %d does not match %d payload bytes",
			data[0], plen, len(data)-2)
	}
	return Event{Code: EventCode(data[0]), Params: data[2:]}, nil
}

// PacketBoundary is the 2-bit packet boundary flag of an ACL data packet.
type PacketBoundary uint8

const (
	BoundaryFirstNonFlushable PacketBoundary = 0b00
	BoundaryContinuing        PacketBoundary = 0b01
	BoundaryFirstFlushable    PacketBoundary = 0b10
)

// ACLData is one ACL data packet, either direction.
type ACLData struct {
	Handle    ConnHandle
	Boundary  PacketBoundary
	Broadcast uint8
	Data      []byte
}

// Marshal encodes the 4-byte ACL header followed by the payload.
func (a ACLData) Marshal() []byte {
	buf := make([]byte, 4+len(a.Data))
	hdr := uint16(a.Handle)&0x0FFF | uint16(a.Boundary)<<12 | uint16(a.Broadcast&0x03)<<14
	binary.LittleEndian.PutUint16(buf[0:2], hdr)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(a.Data)))
	copy(buf[4:], a.Data)
	return buf
}

// ParseACLData decodes an ACL frame, validating the length field.
func ParseACLData(data []byte) (ACLData, error) {
	if len(data) < 4 {
		return ACLData{}, fmt.Errorf("ACL packet too short: %d bytes", len(data))
	}
	hdr := binary.LittleEndian.Uint16(data[0:2])
	dlen := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) != 4+dlen {
		return ACLData{}, fmt.Errorf("ACL packet: length field %d does not match %d payload bytes",
			dlen, len(data)-4)
	}
	return ACLData{
		Handle:    ConnHandle(hdr & 0x0FFF),
		Boundary:  PacketBoundary(hdr >> 12 & 0x03),
		Broadcast: uint8(hdr >> 14 & 0x03),
		Data:      data[4:],
	}, nil
}
