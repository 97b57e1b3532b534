package l2cap

import (
	"encoding/binary"
	"fmt"
)

// Fixed channel ids and the dynamic allocation floor.
const (
	cidNull           = 0x0000
	cidSignaling      = 0x0001
	cidConnectionless = 0x0002
	cidDynamicStart   = 0x0040
)

// Signaling command codes.
const (
	sigCommandReject         = 0x01
	sigConnectionRequest     = 0x02
	sigConnectionResponse    = 0x03
	sigConfigureRequest      = 0x04
	sigConfigureResponse     = 0x05
	sigDisconnectionRequest  = 0x06
	sigDisconnectionResponse = 0x07
	sigEchoRequest           = 0x08
	sigEchoResponse          = 0x09
	sigInformationRequest    = 0x0A
	sigInformationResponse   = 0x0B
)

// Connection response results.
const (
	connResultSuccess          = 0x0000
	connResultPending          = 0x0001
	connResultPsmNotSupported  = 0x0002
	connResultSecurityBlock    = 0x0003
	connResultNoResources      = 0x0004
	connResultInvalidSourceCID = 0x0006
)

// Configure response results.
const (
	cfgResultSuccess        = 0x0000
	cfgResultUnacceptable   = 0x0001
	cfgResultRejected       = 0x0002
	cfgResultUnknownOptions = 0x0003
)

// Information request types and results.
const (
	infoConnectionlessMTU = 0x0001
	infoExtendedFeatures  = 0x0002
	infoFixedChannels     = 0x0003

	infoResultSuccess      = 0x0000
	infoResultNotSupported = 0x0001
)

// Command reject reasons.
const (
	rejectNotUnderstood = 0x0000
	rejectMTUExceeded   = 0x0001
	rejectInvalidCID    = 0x0002
)

// Configuration option types. The high bit marks an option as a hint
// that may be silently ignored.
const (
	optMTU      = 0x01
	optHintMask = 0x80
)

// sigCommand is one command inside a signaling C-frame.
type sigCommand struct {
	code uint8
	id   uint8
	data []byte
}

func (c sigCommand) marshal() []byte {
	buf := make([]byte, 4+len(c.data))
	buf[0] = c.code
	buf[1] = c.id
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(c.data)))
	copy(buf[4:], c.data)
	return buf
}

// parseSigCommands splits a C-frame payload into its commands.
func parseSigCommands(data []byte) ([]sigCommand, error) {
	var cmds []sigCommand
	for len(data) > 0 {
		if len(data) < 4 {
			return cmds, fmt.Errorf("truncated signaling command header: %d bytes", len(data))
		}
		dlen := int(binary.LittleEndian.Uint16(data[2:4]))
		if len(data) < 4+dlen {
			return cmds, fmt.Errorf("truncated signaling command payload: want %d, have %d", dlen, len(data)-4)
		}
		cmds = append(cmds, sigCommand{code: data[0], id: data[1], data: data[4 : 4+dlen]})
		data = data[4+dlen:]
	}
	return cmds, nil
}

// basicFrame builds a complete B-frame: length, cid, payload.
func basicFrame(cid uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[2:4], cid)
	copy(buf[4:], payload)
	return buf
}

// parseBasicFrame splits a reassembled PDU into cid and payload.
func parseBasicFrame(pdu []byte) (cid uint16, payload []byte, err error) {
	if len(pdu) < 4 {
		return 0, nil, fmt.Errorf("PDU too short: %d bytes", len(pdu))
	}
	plen := int(binary.LittleEndian.Uint16(pdu[0:2]))
	if plen != len(pdu)-4 {
		return 0, nil, fmt.Errorf("PDU length field %d does not match %d payload bytes", plen, len(pdu)-4)
	}
	return binary.LittleEndian.Uint16(pdu[2:4]), pdu[4:], nil
}

func u16(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// mtuFromOptions extracts the MTU option from a configuration option
// list. Unknown non-hint option types are returned so the caller can
// reject them.
func mtuFromOptions(data []byte) (mtu uint16, hasMTU bool, unknown []uint8, err error) {
	for len(data) > 0 {
		if len(data) < 2 {
			return 0, false, nil, fmt.Errorf("truncated configuration option")
		}
		typ, olen := data[0], int(data[1])
		if len(data) < 2+olen {
			return 0, false, nil, fmt.Errorf("truncated configuration option 0x%02X", typ)
		}
		val := data[2 : 2+olen]
		switch {
		case typ == optMTU:
			if olen != 2 {
				return 0, false, nil, fmt.Errorf("MTU option with length %d", olen)
			}
			mtu = binary.LittleEndian.Uint16(val)
			hasMTU = true
		case typ&optHintMask != 0:
			// Hints may be ignored.
		default:
			unknown = append(unknown, typ)
		}
		data = data[2+olen:]
	}
	return mtu, hasMTU, unknown, nil
}

func mtuOption(mtu uint16) []byte {
	return []byte{optMTU, 2, uint8(mtu), uint8(mtu >> 8)}
}
