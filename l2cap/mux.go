// Package l2cap multiplexes connection-oriented channels over baseband
// links: channel establishment and configuration through the signaling
// channel, MTU-bounded segmentation and inbound PDU routing by channel id.
package l2cap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alia5/bluecore/hci"
)

// ErrLinkLost closes every channel of a baseband link that went away.
var ErrLinkLost = errors.New("l2cap: baseband link lost")

// sigTimeout bounds one signaling transaction once the request is on the
// air.
const sigTimeout = 5 * time.Second

// Acceptor receives inbound channels for a registered PSM, invoked once
// the channel is open.
type Acceptor func(ch *Channel)

// Mux owns the L2CAP layer of one controller. It consumes the engine's
// inbound ACL stream and routes PDUs to channels; signaling requests from
// the peer are answered inline.
type Mux struct {
	engine *hci.Engine
	log    *slog.Logger

	events <-chan hci.Event
	cancel func()
	done   chan struct{}

	mu      sync.Mutex
	links   map[hci.ConnHandle]*link
	servers map[uint16]Acceptor
	closed  bool
}

type link struct {
	mux    *Mux
	handle hci.ConnHandle
	asm    hci.Assembler

	mu        sync.Mutex
	channels  map[uint16]*Channel
	nextSigID uint8
	pending   map[uint8]chan sigCommand
}

// NewMux starts the pump. It takes over the engine's inbound ACL stream,
// so there must be exactly one Mux per engine.
func NewMux(engine *hci.Engine, logger *slog.Logger) *Mux {
	events, cancel := engine.Subscribe(hci.EvtDisconnectionComplete)
	m := &Mux{
		engine:  engine,
		log:     logger,
		events:  events,
		cancel:  cancel,
		done:    make(chan struct{}),
		links:   make(map[hci.ConnHandle]*link),
		servers: make(map[uint16]Acceptor),
	}
	go m.pump()
	return m
}

// RegisterServer accepts inbound channels on a PSM. Valid PSMs are odd
// per the assigned number rules.
func (m *Mux) RegisterServer(psm uint16, accept Acceptor) error {
	if psm&0x0001 == 0 {
		return fmt.Errorf("invalid PSM 0x%04X: must be odd", psm)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[psm]; exists {
		return fmt.Errorf("PSM 0x%04X already registered", psm)
	}
	m.servers[psm] = accept
	return nil
}

// UnregisterServer stops accepting new channels on a PSM. Established
// channels are unaffected.
func (m *Mux) UnregisterServer(psm uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, psm)
}

// Open establishes an outbound channel on the given link and blocks
// until it is configured on both sides.
func (m *Mux) Open(ctx context.Context, handle hci.ConnHandle, psm uint16) (*Channel, error) {
	l := m.linkFor(handle)
	ch := l.newChannel(m, psm, false)
	if ch == nil {
		return nil, fmt.Errorf("l2cap: no free dynamic channel id on %s", handle)
	}

	payload := append(u16(psm), u16(ch.localCID)...)
	rsp, err := l.transaction(ctx, sigConnectionRequest, payload, ch.closed)
	if err != nil {
		ch.finalize(err)
		return nil, err
	}
	if rsp.code != sigConnectionResponse || len(rsp.data) < 8 {
		err := fmt.Errorf("%w: unexpected signaling response 0x%02X", ErrChannelRejected, rsp.code)
		ch.finalize(err)
		return nil, err
	}
	result := binary.LittleEndian.Uint16(rsp.data[4:6])
	if result != connResultSuccess {
		err := fmt.Errorf("%w: result 0x%04X", ErrChannelRejected, result)
		ch.finalize(err)
		return nil, err
	}
	l.mu.Lock()
	ch.remoteCID = binary.LittleEndian.Uint16(rsp.data[0:2])
	ch.state = stateConfig
	l.mu.Unlock()

	if err := m.configureLocal(ctx, ch); err != nil {
		ch.finalize(err)
		return nil, err
	}

	select {
	case <-ch.opened:
		return ch, nil
	case <-ch.closed:
		return nil, ch.closeReason()
	case <-ctx.Done():
		ch.finalize(ctx.Err())
		return nil, ctx.Err()
	}
}

// Close stops the pump. Channels are not disconnected on the air; tear
// the links down through the connection layer first.
func (m *Mux) Close() error {
	m.cancel()
	m.mu.Lock()
	closed := m.closed
	m.closed = true
	m.mu.Unlock()
	if !closed {
		m.shutdownLinks(ErrLinkLost)
	}
	return nil
}

func (m *Mux) linkFor(handle hci.ConnHandle) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[handle]
	if !ok {
		l = &link{
			mux:       m,
			handle:    handle,
			channels:  make(map[uint16]*Channel),
			nextSigID: 1,
			pending:   make(map[uint8]chan sigCommand),
		}
		m.links[handle] = l
	}
	return l
}

// newChannel allocates the first free dynamic CID. It returns nil when
// the whole dynamic range is in use.
func (l *link) newChannel(m *Mux, psm uint16, inbound bool) *Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	cid := uint16(cidDynamicStart)
	for {
		if _, used := l.channels[cid]; !used {
			break
		}
		if cid == 0xFFFF {
			return nil
		}
		cid++
	}
	ch := &Channel{
		Handle:    l.handle,
		PSM:       psm,
		mux:       m,
		link:      l,
		inbound:   inbound,
		localCID:  cid,
		localMTU:  DefaultMTU,
		remoteMTU: DefaultMTU,
		state:     stateWaitConnectRsp,
		in:        make(chan []byte, 32),
		opened:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
	l.channels[cid] = ch
	return ch
}

// allocSigID hands out the next free transaction id. Zero is reserved
// and ids with an outstanding transaction are skipped, so a late response
// can never match a newer request. Caller holds l.mu.
func (l *link) allocSigID() uint8 {
	for {
		id := l.nextSigID
		l.nextSigID++
		if l.nextSigID == 0 {
			l.nextSigID = 1
		}
		if _, busy := l.pending[id]; !busy {
			return id
		}
	}
}

// transaction sends one signaling request and waits for its response. A
// pending connection response restarts the wait. abort, usually the
// channel's closed signal, cuts the wait short.
func (l *link) transaction(ctx context.Context, code uint8, payload []byte, abort <-chan struct{}) (sigCommand, error) {
	l.mu.Lock()
	id := l.allocSigID()
	waiter := make(chan sigCommand, 4)
	l.pending[id] = waiter
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	if err := l.sendSig(ctx, sigCommand{code: code, id: id, data: payload}); err != nil {
		return sigCommand{}, err
	}

	timer := time.NewTimer(sigTimeout)
	defer timer.Stop()
	for {
		select {
		case rsp := <-waiter:
			if rsp.code == sigConnectionResponse && len(rsp.data) >= 8 &&
				binary.LittleEndian.Uint16(rsp.data[4:6]) == connResultPending {
				timer.Reset(sigTimeout)
				continue
			}
			return rsp, nil
		case <-timer.C:
			return sigCommand{}, fmt.Errorf("signaling request 0x%02X (id %d) timed out", code, id)
		case <-abort:
			return sigCommand{}, ErrChannelClosed
		case <-ctx.Done():
			return sigCommand{}, ctx.Err()
		}
	}
}

func (l *link) sendSig(ctx context.Context, cmd sigCommand) error {
	return l.mux.engine.WriteACL(ctx, l.handle, basicFrame(cidSignaling, cmd.marshal()))
}

// replySig answers a peer request outside any transaction bookkeeping.
func (l *link) replySig(cmd sigCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), sigTimeout)
	defer cancel()
	if err := l.sendSig(ctx, cmd); err != nil {
		l.mux.log.Warn("sending signaling response failed", "handle", l.handle.String(), "error", err)
	}
}

// configureLocal announces our MTU and waits for the peer to accept it.
func (m *Mux) configureLocal(ctx context.Context, ch *Channel) error {
	payload := append(u16(ch.remoteCID), u16(0)...)
	payload = append(payload, mtuOption(ch.localMTU)...)
	rsp, err := ch.link.transaction(ctx, sigConfigureRequest, payload, ch.closed)
	if err != nil {
		return err
	}
	if rsp.code != sigConfigureResponse || len(rsp.data) < 6 {
		return fmt.Errorf("%w: unexpected configure response 0x%02X", ErrChannelRejected, rsp.code)
	}
	if result := binary.LittleEndian.Uint16(rsp.data[4:6]); result != cfgResultSuccess {
		return fmt.Errorf("%w: configuration refused with result 0x%04X", ErrChannelRejected, result)
	}
	ch.link.mu.Lock()
	ch.localDone = true
	open := ch.remoteDone && ch.state == stateConfig
	if open {
		ch.state = stateOpen
	}
	ch.link.mu.Unlock()
	if open {
		m.announceOpen(ch)
	}
	return nil
}

func (m *Mux) announceOpen(ch *Channel) {
	close(ch.opened)
	m.log.Debug("channel open",
		"handle", ch.Handle.String(),
		"psm", fmt.Sprintf("0x%04X", ch.PSM),
		"localCid", fmt.Sprintf("0x%04X", ch.localCID),
		"remoteCid", fmt.Sprintf("0x%04X", ch.remoteCID),
		"mtu", ch.remoteMTU)
	if !ch.inbound {
		return
	}
	m.mu.Lock()
	accept := m.servers[ch.PSM]
	m.mu.Unlock()
	if accept != nil {
		go accept(ch)
	}
}

func (m *Mux) pump() {
	defer close(m.done)
	acl := m.engine.ACLIn()
	for {
		select {
		case pkt, ok := <-acl:
			if !ok {
				m.shutdownLinks(ErrLinkLost)
				return
			}
			m.handleACL(pkt)
		case evt, ok := <-m.events:
			if !ok {
				m.events = nil
				continue
			}
			m.handleDisconnection(evt)
		}
	}
}

func (m *Mux) shutdownLinks(err error) {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for h, l := range m.links {
		delete(m.links, h)
		links = append(links, l)
	}
	m.mu.Unlock()
	for _, l := range links {
		l.mu.Lock()
		chans := make([]*Channel, 0, len(l.channels))
		for _, ch := range l.channels {
			chans = append(chans, ch)
		}
		l.mu.Unlock()
		for _, ch := range chans {
			ch.finalize(err)
		}
	}
}

func (m *Mux) handleDisconnection(evt hci.Event) {
	if evt.Code != hci.EvtDisconnectionComplete || len(evt.Params) < 4 {
		return
	}
	if hci.Status(evt.Params[0]) != hci.StatusSuccess {
		// The disconnect did not happen; the link and its channels live on.
		return
	}
	handle := hci.ConnHandle(binary.LittleEndian.Uint16(evt.Params[1:3]) & 0x0FFF)
	m.mu.Lock()
	l := m.links[handle]
	delete(m.links, handle)
	m.mu.Unlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	chans := make([]*Channel, 0, len(l.channels))
	for _, ch := range l.channels {
		chans = append(chans, ch)
	}
	l.mu.Unlock()
	for _, ch := range chans {
		ch.finalize(ErrLinkLost)
	}
}

func (m *Mux) handleACL(pkt hci.ACLData) {
	l := m.linkFor(pkt.Handle)
	victim, hasVictim := l.asm.InProgressCID()
	pdu, err := l.asm.Feed(pkt)
	if err != nil {
		var broken *hci.ErrBrokenReassembly
		if errors.As(err, &broken) && hasVictim {
			if ch := l.lookup(victim); ch != nil {
				m.log.Warn("reassembly failed, closing channel", "cid", victim, "error", err)
				m.teardownChannel(ch, fmt.Errorf("%w: %v", ErrReassemblyError, err))
			}
		} else {
			m.log.Warn("dropping ACL fragment", "handle", pkt.Handle.String(), "error", err)
		}
	}
	if pdu != nil {
		m.handlePDU(l, pdu)
	}
}

func (l *link) lookup(cid uint16) *Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channels[cid]
}

func (m *Mux) handlePDU(l *link, pdu []byte) {
	cid, payload, err := parseBasicFrame(pdu)
	if err != nil {
		m.log.Warn("dropping malformed PDU", "handle", l.handle.String(), "error", err)
		return
	}
	switch {
	case cid == cidSignaling:
		m.handleSignaling(l, payload)
	case cid >= cidDynamicStart:
		ch := l.lookup(cid)
		if ch == nil {
			m.log.Warn("data for unknown channel", "handle", l.handle.String(), "cid", cid)
			return
		}
		if len(payload) > int(ch.localMTU) {
			m.log.Warn("peer exceeded channel MTU, closing channel",
				"cid", cid, "bytes", len(payload), "mtu", ch.localMTU)
			m.teardownChannel(ch, fmt.Errorf("%w: %d bytes on channel with MTU %d",
				ErrPduTooLarge, len(payload), ch.localMTU))
			return
		}
		ch.deliver(payload)
	default:
		m.log.Debug("ignoring PDU on fixed channel", "cid", cid)
	}
}

// teardownChannel closes a misbehaving channel locally and tells the
// peer, best effort.
func (m *Mux) teardownChannel(ch *Channel, err error) {
	l := ch.link
	l.mu.Lock()
	remoteCID := ch.remoteCID
	l.mu.Unlock()
	ch.finalize(err)
	if remoteCID != cidNull {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sigTimeout)
			defer cancel()
			payload := append(u16(remoteCID), u16(ch.localCID)...)
			_, _ = l.transaction(ctx, sigDisconnectionRequest, payload, nil)
		}()
	}
}

func (m *Mux) handleSignaling(l *link, payload []byte) {
	cmds, err := parseSigCommands(payload)
	if err != nil {
		m.log.Warn("malformed signaling payload", "handle", l.handle.String(), "error", err)
	}
	for _, cmd := range cmds {
		switch cmd.code {
		case sigCommandReject, sigConnectionResponse, sigConfigureResponse,
			sigDisconnectionResponse, sigEchoResponse, sigInformationResponse:
			l.mu.Lock()
			waiter := l.pending[cmd.id]
			l.mu.Unlock()
			if waiter == nil {
				m.log.Debug("response for unknown signaling id", "id", cmd.id, "code", cmd.code)
				continue
			}
			select {
			case waiter <- cmd:
			default:
			}
		case sigConnectionRequest:
			m.onConnectionRequest(l, cmd)
		case sigConfigureRequest:
			m.onConfigureRequest(l, cmd)
		case sigDisconnectionRequest:
			m.onDisconnectionRequest(l, cmd)
		case sigEchoRequest:
			l.replySig(sigCommand{code: sigEchoResponse, id: cmd.id, data: cmd.data})
		case sigInformationRequest:
			m.onInformationRequest(l, cmd)
		default:
			l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: u16(rejectNotUnderstood)})
		}
	}
}

func (m *Mux) onConnectionRequest(l *link, cmd sigCommand) {
	if len(cmd.data) < 4 {
		l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: u16(rejectNotUnderstood)})
		return
	}
	psm := binary.LittleEndian.Uint16(cmd.data[0:2])
	scid := binary.LittleEndian.Uint16(cmd.data[2:4])

	refuse := func(result uint16) {
		rsp := append(u16(cidNull), u16(scid)...)
		rsp = append(rsp, u16(result)...)
		rsp = append(rsp, u16(0)...)
		l.replySig(sigCommand{code: sigConnectionResponse, id: cmd.id, data: rsp})
		m.log.Info("rejected inbound channel",
			"psm", fmt.Sprintf("0x%04X", psm), "result", fmt.Sprintf("0x%04X", result))
	}

	if scid < cidDynamicStart {
		refuse(connResultInvalidSourceCID)
		return
	}
	m.mu.Lock()
	_, served := m.servers[psm]
	m.mu.Unlock()
	if !served {
		refuse(connResultPsmNotSupported)
		return
	}

	ch := l.newChannel(m, psm, true)
	if ch == nil {
		refuse(connResultNoResources)
		return
	}
	l.mu.Lock()
	ch.remoteCID = scid
	ch.state = stateConfig
	l.mu.Unlock()

	rsp := append(u16(ch.localCID), u16(scid)...)
	rsp = append(rsp, u16(connResultSuccess)...)
	rsp = append(rsp, u16(0)...)
	l.replySig(sigCommand{code: sigConnectionResponse, id: cmd.id, data: rsp})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sigTimeout)
		defer cancel()
		if err := m.configureLocal(ctx, ch); err != nil {
			m.log.Warn("configuring inbound channel failed", "cid", ch.localCID, "error", err)
			m.teardownChannel(ch, err)
		}
	}()
}

func (m *Mux) onConfigureRequest(l *link, cmd sigCommand) {
	if len(cmd.data) < 4 {
		l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: u16(rejectNotUnderstood)})
		return
	}
	dcid := binary.LittleEndian.Uint16(cmd.data[0:2])
	ch := l.lookup(dcid)
	if ch == nil {
		reject := append(u16(rejectInvalidCID), append(u16(dcid), u16(0)...)...)
		l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: reject})
		return
	}

	l.mu.Lock()
	remoteCID := ch.remoteCID
	l.mu.Unlock()

	mtu, hasMTU, unknown, err := mtuFromOptions(cmd.data[4:])
	rsp := append(u16(remoteCID), u16(0)...)
	switch {
	case err != nil:
		l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: u16(rejectNotUnderstood)})
		return
	case len(unknown) > 0:
		rsp = append(rsp, u16(cfgResultUnknownOptions)...)
		rsp = append(rsp, unknown...)
		l.replySig(sigCommand{code: sigConfigureResponse, id: cmd.id, data: rsp})
		return
	case hasMTU && mtu < MinMTU:
		rsp = append(rsp, u16(cfgResultUnacceptable)...)
		rsp = append(rsp, mtuOption(MinMTU)...)
		l.replySig(sigCommand{code: sigConfigureResponse, id: cmd.id, data: rsp})
		return
	}

	l.mu.Lock()
	if hasMTU {
		ch.remoteMTU = mtu
	}
	ch.remoteDone = true
	open := ch.localDone && ch.state == stateConfig
	if open {
		ch.state = stateOpen
	}
	l.mu.Unlock()

	rsp = append(rsp, u16(cfgResultSuccess)...)
	if hasMTU {
		rsp = append(rsp, mtuOption(mtu)...)
	}
	l.replySig(sigCommand{code: sigConfigureResponse, id: cmd.id, data: rsp})

	if open {
		m.announceOpen(ch)
	}
}

func (m *Mux) onDisconnectionRequest(l *link, cmd sigCommand) {
	if len(cmd.data) < 4 {
		l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: u16(rejectNotUnderstood)})
		return
	}
	dcid := binary.LittleEndian.Uint16(cmd.data[0:2])
	scid := binary.LittleEndian.Uint16(cmd.data[2:4])
	ch := l.lookup(dcid)
	if ch == nil {
		reject := append(u16(rejectInvalidCID), append(u16(dcid), u16(scid)...)...)
		l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: reject})
		return
	}
	l.replySig(sigCommand{code: sigDisconnectionResponse, id: cmd.id, data: cmd.data[:4]})
	ch.finalize(fmt.Errorf("%w: disconnected by peer", ErrChannelClosed))
}

func (m *Mux) onInformationRequest(l *link, cmd sigCommand) {
	if len(cmd.data) < 2 {
		l.replySig(sigCommand{code: sigCommandReject, id: cmd.id, data: u16(rejectNotUnderstood)})
		return
	}
	infoType := binary.LittleEndian.Uint16(cmd.data[0:2])
	rsp := append(u16(infoType), u16(infoResultSuccess)...)
	switch infoType {
	case infoConnectionlessMTU:
		rsp = append(rsp, u16(DefaultMTU)...)
	case infoExtendedFeatures:
		// Basic mode only.
		rsp = append(rsp, 0, 0, 0, 0)
	case infoFixedChannels:
		rsp = append(rsp, 0x02, 0, 0, 0, 0, 0, 0, 0)
	default:
		rsp = append(u16(infoType), u16(infoResultNotSupported)...)
	}
	l.replySig(sigCommand{code: sigInformationResponse, id: cmd.id, data: rsp})
}
