package l2cap

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/bluecore/hci"
	"github.com/Alia5/bluecore/internal/hcitest"
	"github.com/Alia5/bluecore/transport"
)

const testHandle = hci.ConnHandle(0x0042)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sigFrame(handle hci.ConnHandle, code, id uint8, data []byte) transport.Frame {
	pdu := basicFrame(cidSignaling, sigCommand{code: code, id: id, data: data}.marshal())
	return transport.Frame{
		Type: transport.FrameACL,
		Data: hci.ACLData{Handle: handle, Boundary: hci.BoundaryFirstFlushable, Data: pdu}.Marshal(),
	}
}

func injectSig(ctrl *hcitest.Controller, code, id uint8, data []byte) {
	pdu := basicFrame(cidSignaling, sigCommand{code: code, id: id, data: data}.marshal())
	ctrl.InjectACL(testHandle, hci.BoundaryFirstFlushable, pdu)
}

// sigResponses extracts signaling commands of one code from everything
// the host has sent so far.
func sigResponses(ctrl *hcitest.Controller, code uint8) []sigCommand {
	var out []sigCommand
	for _, pkt := range ctrl.ACLOut() {
		cid, payload, err := parseBasicFrame(pkt.Data)
		if err != nil || cid != cidSignaling {
			continue
		}
		cmds, _ := parseSigCommands(payload)
		for _, c := range cmds {
			if c.code == code {
				out = append(out, c)
			}
		}
	}
	return out
}

// scriptedPeer emulates the remote L2CAP entity on the far side of the
// fake controller: it answers channel establishment, accepts our MTU and
// announces its own.
type scriptedPeer struct {
	mu              sync.Mutex
	mtu             uint16
	reject          uint16 // non-zero: refuse connection requests with this result
	crossDisconnect bool   // answer the next disconnect with a crossed one of our own
	nextCID         uint16
	nextID          uint8
}

func newScriptedPeer(ctrl *hcitest.Controller, mtu uint16) *scriptedPeer {
	p := &scriptedPeer{mtu: mtu, nextCID: 0x0060, nextID: 0x80}
	ctrl.OnACL(p.react)
	return p
}

func (p *scriptedPeer) react(pkt hci.ACLData) []transport.Frame {
	cid, payload, err := parseBasicFrame(pkt.Data)
	if err != nil || cid != cidSignaling {
		return nil
	}
	cmds, _ := parseSigCommands(payload)
	var out []transport.Frame
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cmds {
		switch c.code {
		case sigConnectionRequest:
			scid := binary.LittleEndian.Uint16(c.data[2:4])
			if p.reject != 0 {
				rsp := append(u16(cidNull), u16(scid)...)
				rsp = append(rsp, u16(p.reject)...)
				rsp = append(rsp, u16(0)...)
				out = append(out, sigFrame(pkt.Handle, sigConnectionResponse, c.id, rsp))
				continue
			}
			dcid := p.nextCID
			p.nextCID++
			rsp := append(u16(dcid), u16(scid)...)
			rsp = append(rsp, u16(connResultSuccess)...)
			rsp = append(rsp, u16(0)...)
			out = append(out, sigFrame(pkt.Handle, sigConnectionResponse, c.id, rsp))
			out = append(out, p.configureRequest(pkt.Handle, scid))
		case sigConnectionResponse:
			// The host accepted our inbound request: configure its side.
			if binary.LittleEndian.Uint16(c.data[4:6]) != connResultSuccess {
				continue
			}
			dcid := binary.LittleEndian.Uint16(c.data[0:2])
			out = append(out, p.configureRequest(pkt.Handle, dcid))
		case sigConfigureRequest:
			rsp := append(u16(binary.LittleEndian.Uint16(c.data[0:2])), u16(0)...)
			rsp = append(rsp, u16(cfgResultSuccess)...)
			out = append(out, sigFrame(pkt.Handle, sigConfigureResponse, c.id, rsp))
		case sigDisconnectionRequest:
			if p.crossDisconnect {
				p.crossDisconnect = false
				p.nextID++
				req := append(u16(binary.LittleEndian.Uint16(c.data[2:4])),
					u16(binary.LittleEndian.Uint16(c.data[0:2]))...)
				out = append(out, sigFrame(pkt.Handle, sigDisconnectionRequest, p.nextID, req))
			}
			out = append(out, sigFrame(pkt.Handle, sigDisconnectionResponse, c.id, c.data[:4]))
		}
	}
	return out
}

func (p *scriptedPeer) configureRequest(handle hci.ConnHandle, dcid uint16) transport.Frame {
	p.nextID++
	cfg := append(u16(dcid), u16(0)...)
	cfg = append(cfg, mtuOption(p.mtu)...)
	return sigFrame(handle, sigConfigureRequest, p.nextID, cfg)
}

func testMux(t *testing.T) (*Mux, *hcitest.Controller) {
	t.Helper()
	ctrl := hcitest.New()
	e := hci.NewEngine(ctrl, testLogger())
	e.SetBufferConfig(1021, 64)
	m := NewMux(e, testLogger())
	t.Cleanup(func() {
		_ = m.Close()
		_ = e.Close()
	})
	return m, ctrl
}

func TestOpenNegotiatesMTU(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0040), ch.LocalCID())
	assert.Equal(t, uint16(0x0060), ch.RemoteCID())
	assert.Equal(t, uint16(48), ch.MTU())
}

func TestWriteFragmentsWithinPeerMTU(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)
	before := len(ctrl.ACLOut())

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, ch.Write(context.Background(), payload))

	// One PDU on the air, in fragments no bigger than the peer's MTU.
	frags := ctrl.ACLOut()[before:]
	require.Len(t, frags, 3)
	assert.Equal(t, hci.BoundaryFirstNonFlushable, frags[0].Boundary)
	for _, f := range frags[1:] {
		assert.Equal(t, hci.BoundaryContinuing, f.Boundary)
	}
	for _, f := range frags {
		assert.LessOrEqual(t, len(f.Data), 48)
	}

	// Boundary-flag reassembly yields the write back as a single PDU.
	var asm hci.Assembler
	var pdu []byte
	for _, f := range frags {
		got, err := asm.Feed(f)
		require.NoError(t, err)
		if got != nil {
			require.Nil(t, pdu, "expected exactly one reassembled PDU")
			pdu = got
		}
	}
	require.NotNil(t, pdu)
	cid, got, err := parseBasicFrame(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0060), cid)
	assert.Equal(t, payload, got)
}

func TestReadDeliversInboundPDU(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)

	ctrl.InjectACL(testHandle, hci.BoundaryFirstFlushable, basicFrame(ch.LocalCID(), []byte{1, 2, 3}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := ch.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestOpenRejectedByPeer(t *testing.T) {
	m, ctrl := testMux(t)
	peer := newScriptedPeer(ctrl, 48)
	peer.reject = connResultPsmNotSupported

	_, err := m.Open(context.Background(), testHandle, 0x1001)
	require.ErrorIs(t, err, ErrChannelRejected)
}

func TestOversizedInboundPDUClosesOnlyThatChannel(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch1, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)
	ch2, err := m.Open(context.Background(), testHandle, 0x1003)
	require.NoError(t, err)

	big := make([]byte, DefaultMTU+1)
	ctrl.InjectACL(testHandle, hci.BoundaryFirstFlushable, basicFrame(ch1.LocalCID(), big))

	select {
	case <-ch1.Done():
		assert.ErrorIs(t, ch1.Err(), ErrPduTooLarge)
	case <-time.After(time.Second):
		t.Fatal("oversized PDU did not close the channel")
	}

	// The sibling channel must keep working.
	ctrl.InjectACL(testHandle, hci.BoundaryFirstFlushable, basicFrame(ch2.LocalCID(), []byte{7}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := ch2.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, got)
}

func TestReassemblyFailureClosesVictimChannel(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)

	// Start a fragmented PDU for the channel, then preempt it with a
	// fresh start fragment before the continuation arrives.
	partial := basicFrame(ch.LocalCID(), make([]byte, 10))
	ctrl.InjectACL(testHandle, hci.BoundaryFirstFlushable, partial[:8])
	ctrl.InjectACL(testHandle, hci.BoundaryFirstFlushable, basicFrame(cidSignaling, nil))

	select {
	case <-ch.Done():
		assert.ErrorIs(t, ch.Err(), ErrReassemblyError)
	case <-time.After(time.Second):
		t.Fatal("reassembly failure did not close the channel")
	}
}

func TestCloseHandshake(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)

	require.NoError(t, ch.Close(context.Background()))
	select {
	case <-ch.Done():
	default:
		t.Fatal("channel not marked closed")
	}
	assert.NoError(t, ch.Err())

	// Closing again is a no-op.
	require.NoError(t, ch.Close(context.Background()))
}

func TestPeerDisconnectClosesChannel(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)

	injectSig(ctrl, sigDisconnectionRequest, 0x33, append(u16(ch.LocalCID()), u16(ch.RemoteCID())...))

	select {
	case <-ch.Done():
		assert.ErrorIs(t, ch.Err(), ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("peer disconnect did not close the channel")
	}

	_, err = ch.Read(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)

	// The peer's request got its acknowledgement.
	rsps := sigResponses(ctrl, sigDisconnectionResponse)
	require.Len(t, rsps, 1)
	assert.Equal(t, uint8(0x33), rsps[0].id)
}

func TestMutualCloseConvergesToSingleOutcome(t *testing.T) {
	m, ctrl := testMux(t)
	peer := newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)

	// The peer answers our disconnect with a crossed disconnect of its
	// own before the acknowledgement.
	peer.mu.Lock()
	peer.crossDisconnect = true
	peer.mu.Unlock()

	require.NoError(t, ch.Close(context.Background()))
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel not closed after mutual disconnect")
	}

	// Closing again reports the same settled outcome.
	require.NoError(t, ch.Close(context.Background()))

	// The crossed request still got exactly one acknowledgement from us.
	require.Eventually(t, func() bool {
		return len(sigResponses(ctrl, sigDisconnectionResponse)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, ch.Err(), ErrChannelClosed)
}

func TestFailedDisconnectionEventKeepsChannels(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)

	// Disconnection complete with a failure status: the link stays up.
	ctrl.InjectEvent(hci.EvtDisconnectionComplete, 0x0C, 0x42, 0x00, 0x13)

	time.Sleep(100 * time.Millisecond)
	select {
	case <-ch.Done():
		t.Fatal("failed disconnect must not close the channel")
	default:
	}

	ctrl.InjectACL(testHandle, hci.BoundaryFirstFlushable, basicFrame(ch.LocalCID(), []byte{5}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := ch.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, got)

	ctrl.InjectEvent(hci.EvtDisconnectionComplete, 0x00, 0x42, 0x00, 0x13)
	select {
	case <-ch.Done():
		assert.ErrorIs(t, ch.Err(), ErrLinkLost)
	case <-time.After(time.Second):
		t.Fatal("successful disconnect did not close the channel")
	}
}

func TestInboundChannelAccepted(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 128)

	accepted := make(chan *Channel, 1)
	require.NoError(t, m.RegisterServer(0x1001, func(ch *Channel) { accepted <- ch }))

	injectSig(ctrl, sigConnectionRequest, 0x21, append(u16(0x1001), u16(0x0070)...))

	select {
	case ch := <-accepted:
		assert.Equal(t, uint16(0x1001), ch.PSM)
		assert.Equal(t, uint16(0x0070), ch.RemoteCID())
		assert.Equal(t, uint16(128), ch.MTU())
	case <-time.After(time.Second):
		t.Fatal("inbound channel not accepted")
	}
}

func TestInboundUnknownPsmRefused(t *testing.T) {
	_, ctrl := testMux(t)

	injectSig(ctrl, sigConnectionRequest, 0x21, append(u16(0x1001), u16(0x0070)...))

	var rsp sigCommand
	require.Eventually(t, func() bool {
		rsps := sigResponses(ctrl, sigConnectionResponse)
		if len(rsps) == 0 {
			return false
		}
		rsp = rsps[0]
		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint8(0x21), rsp.id)
	require.GreaterOrEqual(t, len(rsp.data), 8)
	assert.Equal(t, uint16(cidNull), binary.LittleEndian.Uint16(rsp.data[0:2]))
	assert.Equal(t, uint16(connResultPsmNotSupported), binary.LittleEndian.Uint16(rsp.data[4:6]))
}

func TestInboundInvalidSourceCidRefused(t *testing.T) {
	m, ctrl := testMux(t)
	require.NoError(t, m.RegisterServer(0x1001, func(*Channel) {}))

	// Source CID below the dynamic range is invalid even on a served PSM.
	injectSig(ctrl, sigConnectionRequest, 0x22, append(u16(0x1001), u16(0x0005)...))

	var rsp sigCommand
	require.Eventually(t, func() bool {
		rsps := sigResponses(ctrl, sigConnectionResponse)
		if len(rsps) == 0 {
			return false
		}
		rsp = rsps[0]
		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint8(0x22), rsp.id)
	require.GreaterOrEqual(t, len(rsp.data), 8)
	assert.Equal(t, uint16(cidNull), binary.LittleEndian.Uint16(rsp.data[0:2]))
	assert.Equal(t, uint16(connResultInvalidSourceCID), binary.LittleEndian.Uint16(rsp.data[4:6]))
}

func TestDynamicCidAllocationIsBounded(t *testing.T) {
	m, _ := testMux(t)
	l := &link{
		mux:       m,
		handle:    testHandle,
		channels:  make(map[uint16]*Channel),
		nextSigID: 1,
		pending:   make(map[uint8]chan sigCommand),
	}
	for cid := uint16(cidDynamicStart); ; cid++ {
		l.channels[cid] = &Channel{}
		if cid == 0xFFFF {
			break
		}
	}

	assert.Nil(t, l.newChannel(m, 0x1001, false), "exhausted range must not allocate")

	delete(l.channels, 0x1234)
	ch := l.newChannel(m, 0x1001, false)
	require.NotNil(t, ch)
	assert.Equal(t, uint16(0x1234), ch.LocalCID())
}

func TestRegisterServerValidatesPSM(t *testing.T) {
	m, _ := testMux(t)

	assert.Error(t, m.RegisterServer(0x1000, func(*Channel) {}), "even PSMs are invalid")
	require.NoError(t, m.RegisterServer(0x1001, func(*Channel) {}))
	assert.Error(t, m.RegisterServer(0x1001, func(*Channel) {}), "duplicate registration")
	m.UnregisterServer(0x1001)
	assert.NoError(t, m.RegisterServer(0x1001, func(*Channel) {}))
}

func TestEchoAndInformationRequests(t *testing.T) {
	_, ctrl := testMux(t)

	injectSig(ctrl, sigEchoRequest, 0x11, []byte{0xCA, 0xFE})
	injectSig(ctrl, sigInformationRequest, 0x12, u16(infoExtendedFeatures))

	require.Eventually(t, func() bool {
		return len(sigResponses(ctrl, sigEchoResponse)) > 0 &&
			len(sigResponses(ctrl, sigInformationResponse)) > 0
	}, time.Second, 5*time.Millisecond)

	echo := sigResponses(ctrl, sigEchoResponse)[0]
	assert.Equal(t, uint8(0x11), echo.id)
	assert.Equal(t, []byte{0xCA, 0xFE}, echo.data)

	info := sigResponses(ctrl, sigInformationResponse)[0]
	assert.Equal(t, uint8(0x12), info.id)
	require.Len(t, info.data, 8)
	assert.Equal(t, uint16(infoExtendedFeatures), binary.LittleEndian.Uint16(info.data[0:2]))
	assert.Equal(t, uint16(infoResultSuccess), binary.LittleEndian.Uint16(info.data[2:4]))
	assert.Equal(t, []byte{0, 0, 0, 0}, info.data[4:8])
}

func TestUnknownSignalingCodeIsRejected(t *testing.T) {
	_, ctrl := testMux(t)

	injectSig(ctrl, 0x42, 0x13, nil)

	require.Eventually(t, func() bool {
		return len(sigResponses(ctrl, sigCommandReject)) > 0
	}, time.Second, 5*time.Millisecond)

	rej := sigResponses(ctrl, sigCommandReject)[0]
	assert.Equal(t, uint8(0x13), rej.id)
	assert.Equal(t, uint16(rejectNotUnderstood), binary.LittleEndian.Uint16(rej.data[0:2]))
}

func TestLinkLossClosesAllChannels(t *testing.T) {
	m, ctrl := testMux(t)
	newScriptedPeer(ctrl, 48)

	ch1, err := m.Open(context.Background(), testHandle, 0x1001)
	require.NoError(t, err)
	ch2, err := m.Open(context.Background(), testHandle, 0x1003)
	require.NoError(t, err)

	ctrl.InjectEvent(hci.EvtDisconnectionComplete, 0x00, 0x42, 0x00, 0x08)

	for _, ch := range []*Channel{ch1, ch2} {
		select {
		case <-ch.Done():
			assert.ErrorIs(t, ch.Err(), ErrLinkLost)
		case <-time.After(time.Second):
			t.Fatal("link loss did not close channel")
		}
	}
}

func TestSigIDAllocationSkipsZeroAndBusy(t *testing.T) {
	l := &link{
		nextSigID: 0xFF,
		pending:   map[uint8]chan sigCommand{0x01: nil},
	}
	assert.Equal(t, uint8(0xFF), l.allocSigID())
	// Wraps past zero and skips the outstanding id 0x01.
	assert.Equal(t, uint8(0x02), l.allocSigID())
}
