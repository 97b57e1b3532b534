package hci

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Scan enable modes for WriteScanEnable.
const (
	ScanOff         = 0x00
	ScanInquiryOnly = 0x01
	ScanPageOnly    = 0x02
	ScanBoth        = 0x03
)

// GIAC is the general inquiry access code LAP.
var GIAC = [3]byte{0x33, 0x8B, 0x9E}

// LocalVersion is the controller version information.
type LocalVersion struct {
	HCIVersion    uint8
	HCIRevision   uint16
	LMPVersion    uint8
	Manufacturer  uint16
	LMPSubversion uint16
}

// BufferSize is the controller data buffer geometry.
type BufferSize struct {
	ACLPacketLen uint16
	SCOPacketLen uint8
	ACLPackets   uint16
	SCOPackets   uint16
}

func (e *Engine) Reset(ctx context.Context) error {
	_, err := e.Submit(ctx, OpReset, nil)
	return err
}

func (e *Engine) ReadLocalVersion(ctx context.Context) (LocalVersion, error) {
	ret, err := e.Submit(ctx, OpReadLocalVersion, nil)
	if err != nil {
		return LocalVersion{}, err
	}
	if len(ret) < 9 {
		return LocalVersion{}, fmt.Errorf("short read local version response: %d bytes", len(ret))
	}
	return LocalVersion{
		HCIVersion:    ret[1],
		HCIRevision:   binary.LittleEndian.Uint16(ret[2:4]),
		LMPVersion:    ret[4],
		Manufacturer:  binary.LittleEndian.Uint16(ret[5:7]),
		LMPSubversion: binary.LittleEndian.Uint16(ret[7:9]),
	}, nil
}

func (e *Engine) ReadBufferSize(ctx context.Context) (BufferSize, error) {
	ret, err := e.Submit(ctx, OpReadBufferSize, nil)
	if err != nil {
		return BufferSize{}, err
	}
	if len(ret) < 8 {
		return BufferSize{}, fmt.Errorf("short read buffer size response: %d bytes", len(ret))
	}
	return BufferSize{
		ACLPacketLen: binary.LittleEndian.Uint16(ret[1:3]),
		SCOPacketLen: ret[3],
		ACLPackets:   binary.LittleEndian.Uint16(ret[4:6]),
		SCOPackets:   binary.LittleEndian.Uint16(ret[6:8]),
	}, nil
}

func (e *Engine) ReadBdAddr(ctx context.Context) (BdAddr, error) {
	ret, err := e.Submit(ctx, OpReadBdAddr, nil)
	if err != nil {
		return BdAddr{}, err
	}
	if len(ret) < 7 {
		return BdAddr{}, fmt.Errorf("short read BD_ADDR response: %d bytes", len(ret))
	}
	var a BdAddr
	copy(a[:], ret[1:7])
	return a, nil
}

func (e *Engine) SetEventMask(ctx context.Context, mask uint64) error {
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], mask)
	_, err := e.Submit(ctx, OpSetEventMask, p[:])
	return err
}

func (e *Engine) WriteScanEnable(ctx context.Context, mode uint8) error {
	_, err := e.Submit(ctx, OpWriteScanEnable, []byte{mode})
	return err
}

func (e *Engine) WriteLocalName(ctx context.Context, name string) error {
	p := make([]byte, 248)
	copy(p, name)
	_, err := e.Submit(ctx, OpWriteLocalName, p)
	return err
}

func (e *Engine) WriteClassOfDevice(ctx context.Context, cod uint32) error {
	p := []byte{uint8(cod), uint8(cod >> 8), uint8(cod >> 16)}
	_, err := e.Submit(ctx, OpWriteClassOfDevice, p)
	return err
}

func (e *Engine) WriteSimplePairingMode(ctx context.Context, enabled bool) error {
	p := []byte{0x00}
	if enabled {
		p[0] = 0x01
	}
	_, err := e.Submit(ctx, OpWriteSimplePairingMode, p)
	return err
}

// Inquiry starts device discovery. Results arrive as inquiry result
// events; completion is signalled by an inquiry complete event.
func (e *Engine) Inquiry(ctx context.Context, lap [3]byte, durationUnits, maxResponses uint8) error {
	p := []byte{lap[0], lap[1], lap[2], durationUnits, maxResponses}
	_, err := e.Submit(ctx, OpInquiry, p)
	return err
}

func (e *Engine) InquiryCancel(ctx context.Context) error {
	_, err := e.Submit(ctx, OpInquiryCancel, nil)
	return err
}

// Default packet types for CreateConnection: all DM/DH ACL types.
const DefaultPacketTypes = 0xCC18

// CreateConnection starts paging the given device. The command is
// acknowledged with a status event; the outcome arrives later as a
// connection complete event.
func (e *Engine) CreateConnection(ctx context.Context, addr BdAddr, pageScanRepMode uint8, clockOffset uint16, allowRoleSwitch bool) error {
	p := make([]byte, 13)
	copy(p[0:6], addr[:])
	binary.LittleEndian.PutUint16(p[6:8], DefaultPacketTypes)
	p[8] = pageScanRepMode
	binary.LittleEndian.PutUint16(p[10:12], clockOffset)
	if allowRoleSwitch {
		p[12] = 0x01
	}
	_, err := e.Submit(ctx, OpCreateConnection, p)
	return err
}

// Connection roles for AcceptConnectionRequest.
const (
	RoleCentral    = 0x00
	RolePeripheral = 0x01
)

func (e *Engine) AcceptConnectionRequest(ctx context.Context, addr BdAddr, role uint8) error {
	p := make([]byte, 7)
	copy(p[0:6], addr[:])
	p[6] = role
	_, err := e.Submit(ctx, OpAcceptConnectionRequest, p)
	return err
}

func (e *Engine) RejectConnectionRequest(ctx context.Context, addr BdAddr, reason Status) error {
	p := make([]byte, 7)
	copy(p[0:6], addr[:])
	p[6] = uint8(reason)
	_, err := e.Submit(ctx, OpRejectConnectionRequest, p)
	return err
}

func (e *Engine) Disconnect(ctx context.Context, handle ConnHandle, reason Status) error {
	p := make([]byte, 3)
	binary.LittleEndian.PutUint16(p[0:2], uint16(handle))
	p[2] = uint8(reason)
	_, err := e.Submit(ctx, OpDisconnect, p)
	return err
}

func (e *Engine) AuthenticationRequested(ctx context.Context, handle ConnHandle) error {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, uint16(handle))
	_, err := e.Submit(ctx, OpAuthenticationRequested, p)
	return err
}

func (e *Engine) SetConnectionEncryption(ctx context.Context, handle ConnHandle, enable bool) error {
	p := make([]byte, 3)
	binary.LittleEndian.PutUint16(p[0:2], uint16(handle))
	if enable {
		p[2] = 0x01
	}
	_, err := e.Submit(ctx, OpSetConnectionEncryption, p)
	return err
}

func (e *Engine) RemoteNameRequest(ctx context.Context, addr BdAddr, pageScanRepMode uint8, clockOffset uint16) error {
	p := make([]byte, 10)
	copy(p[0:6], addr[:])
	p[6] = pageScanRepMode
	binary.LittleEndian.PutUint16(p[8:10], clockOffset)
	_, err := e.Submit(ctx, OpRemoteNameRequest, p)
	return err
}

// LinkKey is a stored baseband link key.
type LinkKey [16]byte

func (e *Engine) LinkKeyRequestReply(ctx context.Context, addr BdAddr, key LinkKey) error {
	p := make([]byte, 22)
	copy(p[0:6], addr[:])
	copy(p[6:22], key[:])
	_, err := e.Submit(ctx, OpLinkKeyRequestReply, p)
	return err
}

func (e *Engine) LinkKeyRequestNegativeReply(ctx context.Context, addr BdAddr) error {
	_, err := e.Submit(ctx, OpLinkKeyRequestNegativeReply, addr[:])
	return err
}

// PinCodeRequestReply answers a PIN code request. The PIN is at most 16
// bytes; longer inputs are truncated.
func (e *Engine) PinCodeRequestReply(ctx context.Context, addr BdAddr, pin string) error {
	if len(pin) > 16 {
		pin = pin[:16]
	}
	p := make([]byte, 23)
	copy(p[0:6], addr[:])
	p[6] = uint8(len(pin))
	copy(p[7:23], pin)
	_, err := e.Submit(ctx, OpPinCodeRequestReply, p)
	return err
}

func (e *Engine) PinCodeRequestNegativeReply(ctx context.Context, addr BdAddr) error {
	_, err := e.Submit(ctx, OpPinCodeRequestNegativeReply, addr[:])
	return err
}

// IO capabilities for secure simple pairing.
const (
	IOCapDisplayOnly     = 0x00
	IOCapDisplayYesNo    = 0x01
	IOCapKeyboardOnly    = 0x02
	IOCapNoInputNoOutput = 0x03

	AuthNoBondingNoMITM  = 0x00
	AuthDedicatedBonding = 0x02
	AuthGeneralBonding   = 0x04
)

func (e *Engine) IOCapabilityRequestReply(ctx context.Context, addr BdAddr, ioCap, oobPresent, authReq uint8) error {
	p := make([]byte, 9)
	copy(p[0:6], addr[:])
	p[6] = ioCap
	p[7] = oobPresent
	p[8] = authReq
	_, err := e.Submit(ctx, OpIOCapabilityRequestReply, p)
	return err
}

const opUserConfirmationNegativeReply Opcode = 0x042D

func (e *Engine) UserConfirmationReply(ctx context.Context, addr BdAddr, accept bool) error {
	op := OpUserConfirmationReply
	if !accept {
		op = opUserConfirmationNegativeReply
	}
	_, err := e.Submit(ctx, op, addr[:])
	return err
}
