// Package hci implements the Host Controller Interface layer: command
// submission with completion correlation, event distribution and ACL data
// flow control on top of a raw frame transport.
package hci

import (
	"errors"
	"fmt"
	"strings"
)

// Opcode identifies an HCI command: a 6-bit opcode group in the upper
// bits and a 10-bit opcode command field in the lower bits.
type Opcode uint16

// OpcodeFor assembles an opcode from its group and command fields.
func OpcodeFor(ogf, ocf uint16) Opcode {
	return Opcode(ogf<<10 | ocf&0x03FF)
}

func (o Opcode) Group() uint16   { return uint16(o) >> 10 }
func (o Opcode) Command() uint16 { return uint16(o) & 0x03FF }

func (o Opcode) String() string {
	return fmt.Sprintf("0x%04X", uint16(o))
}

// Opcode groups.
const (
	OgfLinkControl   = 0x01
	OgfLinkPolicy    = 0x02
	OgfBaseband      = 0x03
	OgfInformational = 0x04
	OgfVendor        = 0x3F
)

// Link control commands.
const (
	OpInquiry                     Opcode = 0x0401
	OpInquiryCancel               Opcode = 0x0402
	OpCreateConnection            Opcode = 0x0405
	OpDisconnect                  Opcode = 0x0406
	OpAcceptConnectionRequest     Opcode = 0x0409
	OpRejectConnectionRequest     Opcode = 0x040A
	OpLinkKeyRequestReply         Opcode = 0x040B
	OpLinkKeyRequestNegativeReply Opcode = 0x040C
	OpPinCodeRequestReply         Opcode = 0x040D
	OpPinCodeRequestNegativeReply Opcode = 0x040E
	OpAuthenticationRequested     Opcode = 0x0411
	OpSetConnectionEncryption     Opcode = 0x0413
	OpRemoteNameRequest           Opcode = 0x0419
	OpIOCapabilityRequestReply    Opcode = 0x042B
	OpUserConfirmationReply       Opcode = 0x042C
)

// Controller and baseband commands.
const (
	OpSetEventMask           Opcode = 0x0C01
	OpReset                  Opcode = 0x0C03
	OpWriteLocalName         Opcode = 0x0C13
	OpWriteScanEnable        Opcode = 0x0C1A
	OpWriteClassOfDevice     Opcode = 0x0C24
	OpWriteSimplePairingMode Opcode = 0x0C56
)

// Informational commands.
const (
	OpReadLocalVersion Opcode = 0x1001
	OpReadBufferSize   Opcode = 0x1005
	OpReadBdAddr       Opcode = 0x1009
)

// EventCode identifies an HCI event.
type EventCode uint8

const (
	EvtInquiryComplete          EventCode = 0x01
	EvtInquiryResult            EventCode = 0x02
	EvtConnectionComplete       EventCode = 0x03
	EvtConnectionRequest        EventCode = 0x04
	EvtDisconnectionComplete    EventCode = 0x05
	EvtAuthenticationComplete   EventCode = 0x06
	EvtRemoteNameComplete       EventCode = 0x07
	EvtEncryptionChange         EventCode = 0x08
	EvtCommandComplete          EventCode = 0x0E
	EvtCommandStatus            EventCode = 0x0F
	EvtRoleChange               EventCode = 0x12
	EvtNumberOfCompletedPackets EventCode = 0x13
	EvtMaxSlotsChange           EventCode = 0x1B
	EvtPinCodeRequest           EventCode = 0x16
	EvtLinkKeyRequest           EventCode = 0x17
	EvtLinkKeyNotification      EventCode = 0x18
	EvtExtendedInquiryResult    EventCode = 0x2F
	EvtIOCapabilityRequest      EventCode = 0x31
	EvtIOCapabilityResponse     EventCode = 0x32
	EvtUserConfirmationRequest  EventCode = 0x33
	EvtSimplePairingComplete    EventCode = 0x36
	EvtVendor                   EventCode = 0xFF
)

// Status is the controller status byte carried in completion events.
type Status uint8

const StatusSuccess Status = 0x00

var statusNames = map[Status]string{
	0x00: "success",
	0x01: "unknown HCI command",
	0x02: "unknown connection identifier",
	0x03: "hardware failure",
	0x04: "page timeout",
	0x05: "authentication failure",
	0x06: "PIN or key missing",
	0x07: "memory capacity exceeded",
	0x08: "connection timeout",
	0x09: "connection limit exceeded",
	0x0B: "connection already exists",
	0x0C: "command disallowed",
	0x0D: "connection rejected: limited resources",
	0x0E: "connection rejected: security reasons",
	0x0F: "connection rejected: unacceptable BD_ADDR",
	0x10: "connection accept timeout exceeded",
	0x11: "unsupported feature or parameter value",
	0x12: "invalid HCI command parameters",
	0x13: "remote user terminated connection",
	0x14: "remote device terminated connection: low resources",
	0x15: "remote device terminated connection: power off",
	0x16: "connection terminated by local host",
	0x18: "pairing not allowed",
	0x22: "LMP response timeout",
	0x28: "instant passed",
	0x2F: "insufficient security",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02X", uint8(s))
}

// StatusError wraps a non-success controller status so callers can branch
// on the raw code.
type StatusError struct {
	Op     Opcode
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.Op, e.Status)
}

// ErrCommandTimeout is returned when a submitted command never receives
// its completion event within the engine deadline.
var ErrCommandTimeout = errors.New("hci: command timed out")

// BdAddr is a Bluetooth device address. The array holds the address in
// wire order (least significant byte first).
type BdAddr [6]byte

func (a BdAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// ParseBdAddr parses the colon-separated display form.
func ParseBdAddr(s string) (BdAddr, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return BdAddr{}, fmt.Errorf("invalid address %q", s)
	}
	var a BdAddr
	for i, p := range parts {
		var b uint8
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return BdAddr{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		a[5-i] = b
	}
	return a, nil
}

// ConnHandle is a 12-bit baseband connection handle.
type ConnHandle uint16

func (h ConnHandle) String() string { return fmt.Sprintf("0x%03X", uint16(h)) }
