// Package connection manages baseband links: paging, inbound connection
// acceptance, pairing and link supervision on top of the HCI engine.
package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Alia5/bluecore/hci"
)

var (
	// ErrConnectionFailed is returned when paging a peer does not result
	// in an established link.
	ErrConnectionFailed = errors.New("connection: connection failed")

	// ErrAuthenticationFailed is returned when pairing or authentication
	// is rejected by either side.
	ErrAuthenticationFailed = errors.New("connection: authentication failed")

	// ErrLinkLost marks a link that went away underneath its users.
	ErrLinkLost = errors.New("connection: link lost")
)

// State is the lifecycle position of one link.
type State int

const (
	StateIdle State = iota
	StatePaging
	StateConnected
	StateAuthenticating
	StateEncrypted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePaging:
		return "paging"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateEncrypted:
		return "encrypted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role is the local device's piconet role on one link.
type Role uint8

const (
	RoleCentral    Role = hci.RoleCentral
	RolePeripheral Role = hci.RolePeripheral
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// Conn is one established baseband link.
type Conn struct {
	Handle hci.ConnHandle
	Addr   hci.BdAddr
	Role   Role

	mu    sync.Mutex
	state State
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// EventType classifies manager notifications.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
)

// Event is a link lifecycle notification delivered to subscribers.
type Event struct {
	Type   EventType
	Conn   *Conn
	Reason hci.Status
	Err    error
}

// InquiryResult is one discovered device.
type InquiryResult struct {
	Addr            hci.BdAddr
	PageScanRepMode uint8
	ClassOfDevice   uint32
	ClockOffset     uint16
}

// PinPrompter supplies a PIN for legacy pairing.
type PinPrompter interface {
	RequestPin(addr hci.BdAddr) (string, error)
}

type connResult struct {
	conn *Conn
	err  error
}

type nameResult struct {
	name string
	err  error
}

// Manager supervises every link on one controller. It owns an event pump
// that reacts to connection and pairing events; commands triggered from
// the pump run in their own goroutines so the pump never blocks on the
// controller.
type Manager struct {
	engine *hci.Engine
	keys   *KeyStore
	pin    PinPrompter
	log    *slog.Logger

	events <-chan hci.Event
	cancel func()
	done   chan struct{}

	mu             sync.Mutex
	conns          map[hci.ConnHandle]*Conn
	pendingConnect map[hci.BdAddr]chan connResult
	pendingAuth    map[hci.ConnHandle]chan error
	pendingName    map[hci.BdAddr]chan nameResult
	observers      map[uuid.UUID]chan Event
	closed         bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPinPrompter overrides how legacy pairing PINs are obtained.
func WithPinPrompter(p PinPrompter) ManagerOption {
	return func(m *Manager) { m.pin = p }
}

// NewManager subscribes to the connection and pairing event groups and
// starts the pump.
func NewManager(engine *hci.Engine, keys *KeyStore, logger *slog.Logger, opts ...ManagerOption) *Manager {
	events, cancel := engine.Subscribe(
		hci.EvtConnectionComplete,
		hci.EvtConnectionRequest,
		hci.EvtDisconnectionComplete,
		hci.EvtAuthenticationComplete,
		hci.EvtRemoteNameComplete,
		hci.EvtEncryptionChange,
		hci.EvtPinCodeRequest,
		hci.EvtLinkKeyRequest,
		hci.EvtLinkKeyNotification,
		hci.EvtIOCapabilityRequest,
		hci.EvtUserConfirmationRequest,
		hci.EvtSimplePairingComplete,
	)
	m := &Manager{
		engine:         engine,
		keys:           keys,
		pin:            TerminalPinPrompter{},
		log:            logger,
		events:         events,
		cancel:         cancel,
		done:           make(chan struct{}),
		conns:          make(map[hci.ConnHandle]*Conn),
		pendingConnect: make(map[hci.BdAddr]chan connResult),
		pendingAuth:    make(map[hci.ConnHandle]chan error),
		pendingName:    make(map[hci.BdAddr]chan nameResult),
		observers:      make(map[uuid.UUID]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.pump()
	return m
}

// Subscribe registers a lifecycle observer. The channel is closed when
// the manager shuts down.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	id := uuid.New()
	ch := make(chan Event, 16)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.observers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.observers[id]; ok {
				delete(m.observers, id)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// Connections snapshots the currently established links.
func (m *Manager) Connections() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Lookup returns the link with the given handle.
func (m *Manager) Lookup(handle hci.ConnHandle) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[handle]
	return c, ok
}

// Connect pages the peer and blocks until the link is established or the
// controller gives up. Only one attempt per address may be in flight.
func (m *Manager) Connect(ctx context.Context, addr hci.BdAddr) (*Conn, error) {
	return m.ConnectWith(ctx, addr, 0x01, 0)
}

// ConnectWith pages with explicit page scan parameters, typically taken
// from an inquiry result to speed up paging.
func (m *Manager) ConnectWith(ctx context.Context, addr hci.BdAddr, pageScanRepMode uint8, clockOffset uint16) (*Conn, error) {
	waiter := make(chan connResult, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrLinkLost
	}
	if _, busy := m.pendingConnect[addr]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: connection attempt to %s already in progress", ErrConnectionFailed, addr)
	}
	m.pendingConnect[addr] = waiter
	m.mu.Unlock()

	if err := m.engine.CreateConnection(ctx, addr, pageScanRepMode, clockOffset, true); err != nil {
		m.mu.Lock()
		delete(m.pendingConnect, addr)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	select {
	case res := <-waiter:
		return res.conn, res.err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pendingConnect, addr)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Disconnect asks the controller to tear the link down. The link reaches
// its closed state when the disconnection complete event arrives.
func (m *Manager) Disconnect(ctx context.Context, handle hci.ConnHandle) error {
	return m.engine.Disconnect(ctx, handle, 0x13) // remote user terminated
}

// Authenticate runs authentication on an established link, pairing if no
// bond exists yet.
func (m *Manager) Authenticate(ctx context.Context, handle hci.ConnHandle) error {
	conn, ok := m.Lookup(handle)
	if !ok {
		return fmt.Errorf("%w: no connection %s", ErrLinkLost, handle)
	}
	waiter := make(chan error, 1)
	m.mu.Lock()
	m.pendingAuth[handle] = waiter
	m.mu.Unlock()
	conn.setState(StateAuthenticating)

	if err := m.engine.AuthenticationRequested(ctx, handle); err != nil {
		m.mu.Lock()
		delete(m.pendingAuth, handle)
		m.mu.Unlock()
		conn.setState(StateConnected)
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pendingAuth, handle)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Inquire discovers nearby devices for roughly the given duration,
// deduplicated by address.
func (m *Manager) Inquire(ctx context.Context, d time.Duration) ([]InquiryResult, error) {
	events, cancel := m.engine.Subscribe(hci.EvtInquiryResult, hci.EvtExtendedInquiryResult, hci.EvtInquiryComplete)
	defer cancel()

	// Inquiry length is in 1.28 s units, clamped to the valid range.
	units := int(d / (1280 * time.Millisecond))
	if units < 1 {
		units = 1
	}
	if units > 0x30 {
		units = 0x30
	}
	if err := m.engine.Inquiry(ctx, hci.GIAC, uint8(units), 0); err != nil {
		return nil, err
	}

	seen := make(map[hci.BdAddr]bool)
	var results []InquiryResult
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return results, ErrLinkLost
			}
			switch evt.Code {
			case hci.EvtInquiryComplete:
				return results, nil
			case hci.EvtInquiryResult:
				for _, r := range parseInquiryResults(evt.Params) {
					if !seen[r.Addr] {
						seen[r.Addr] = true
						results = append(results, r)
					}
				}
			case hci.EvtExtendedInquiryResult:
				if r, ok := parseExtendedInquiryResult(evt.Params); ok && !seen[r.Addr] {
					seen[r.Addr] = true
					results = append(results, r)
				}
			}
		case <-ctx.Done():
			_ = m.engine.InquiryCancel(context.WithoutCancel(ctx))
			return results, ctx.Err()
		}
	}
}

// RemoteName fetches the peer's user-friendly device name.
func (m *Manager) RemoteName(ctx context.Context, addr hci.BdAddr) (string, error) {
	waiter := make(chan nameResult, 1)
	m.mu.Lock()
	m.pendingName[addr] = waiter
	m.mu.Unlock()

	if err := m.engine.RemoteNameRequest(ctx, addr, 0x01, 0); err != nil {
		m.mu.Lock()
		delete(m.pendingName, addr)
		m.mu.Unlock()
		return "", err
	}
	select {
	case res := <-waiter:
		return res.name, res.err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pendingName, addr)
		m.mu.Unlock()
		return "", ctx.Err()
	}
}

// Close stops the pump. Links on the controller are not torn down; use
// Disconnect for that first.
func (m *Manager) Close() error {
	m.cancel()
	<-m.done
	return nil
}

func (m *Manager) pump() {
	defer close(m.done)
	for evt := range m.events {
		m.handleEvent(evt)
	}
	m.shutdown()
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for h, c := range m.conns {
		delete(m.conns, h)
		conns = append(conns, c)
	}
	for addr, w := range m.pendingConnect {
		delete(m.pendingConnect, addr)
		w <- connResult{err: ErrLinkLost}
	}
	for h, w := range m.pendingAuth {
		delete(m.pendingAuth, h)
		w <- ErrLinkLost
	}
	for addr, w := range m.pendingName {
		delete(m.pendingName, addr)
		w <- nameResult{err: ErrLinkLost}
	}
	observers := m.observers
	m.observers = nil
	m.mu.Unlock()

	for _, c := range conns {
		c.setState(StateClosed)
		m.notify(observers, Event{Type: EventDisconnected, Conn: c, Err: ErrLinkLost})
	}
	for _, ch := range observers {
		close(ch)
	}
}

func (m *Manager) notify(observers map[uuid.UUID]chan Event, evt Event) {
	for _, ch := range observers {
		select {
		case ch <- evt:
		default:
			m.log.Warn("connection observer lagging, dropping event")
		}
	}
}

func (m *Manager) broadcast(evt Event) {
	m.mu.Lock()
	observers := m.observers
	m.mu.Unlock()
	m.notify(observers, evt)
}

func (m *Manager) handleEvent(evt hci.Event) {
	switch evt.Code {
	case hci.EvtConnectionComplete:
		m.onConnectionComplete(evt.Params)
	case hci.EvtConnectionRequest:
		m.onConnectionRequest(evt.Params)
	case hci.EvtDisconnectionComplete:
		m.onDisconnectionComplete(evt.Params)
	case hci.EvtAuthenticationComplete:
		m.onAuthenticationComplete(evt.Params)
	case hci.EvtRemoteNameComplete:
		m.onRemoteNameComplete(evt.Params)
	case hci.EvtEncryptionChange:
		m.onEncryptionChange(evt.Params)
	case hci.EvtPinCodeRequest:
		m.onPinCodeRequest(evt.Params)
	case hci.EvtLinkKeyRequest:
		m.onLinkKeyRequest(evt.Params)
	case hci.EvtLinkKeyNotification:
		m.onLinkKeyNotification(evt.Params)
	case hci.EvtIOCapabilityRequest:
		m.onIOCapabilityRequest(evt.Params)
	case hci.EvtUserConfirmationRequest:
		m.onUserConfirmationRequest(evt.Params)
	case hci.EvtSimplePairingComplete:
		m.onSimplePairingComplete(evt.Params)
	}
}

func (m *Manager) onConnectionComplete(p []byte) {
	if len(p) < 11 {
		return
	}
	status := hci.Status(p[0])
	handle := hci.ConnHandle(binary.LittleEndian.Uint16(p[1:3]) & 0x0FFF)
	var addr hci.BdAddr
	copy(addr[:], p[3:9])

	m.mu.Lock()
	waiter := m.pendingConnect[addr]
	delete(m.pendingConnect, addr)
	m.mu.Unlock()

	if status != hci.StatusSuccess {
		m.log.Info("connection failed", "peer", addr.String(), "status", status.String())
		if waiter != nil {
			waiter <- connResult{err: fmt.Errorf("%w: %s", ErrConnectionFailed, status)}
		}
		return
	}

	// A pending local attempt means we paged, so we are central; links
	// we only accepted make us peripheral.
	role := RolePeripheral
	if waiter != nil {
		role = RoleCentral
	}
	conn := &Conn{Handle: handle, Addr: addr, Role: role, state: StateConnected}
	m.mu.Lock()
	m.conns[handle] = conn
	m.mu.Unlock()
	m.log.Info("connection established",
		"peer", addr.String(), "handle", handle.String(), "role", role.String())

	if waiter != nil {
		waiter <- connResult{conn: conn}
	}
	m.broadcast(Event{Type: EventConnected, Conn: conn})
}

// onConnectionRequest accepts every inbound connection as peripheral.
// Gatekeeping happens above the baseband, at service registration.
func (m *Manager) onConnectionRequest(p []byte) {
	if len(p) < 10 {
		return
	}
	var addr hci.BdAddr
	copy(addr[:], p[0:6])
	m.log.Info("inbound connection request", "peer", addr.String())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.engine.AcceptConnectionRequest(ctx, addr, hci.RolePeripheral); err != nil {
			m.log.Warn("accepting connection failed", "peer", addr.String(), "error", err)
		}
	}()
}

func (m *Manager) onDisconnectionComplete(p []byte) {
	if len(p) < 4 {
		return
	}
	handle := hci.ConnHandle(binary.LittleEndian.Uint16(p[1:3]) & 0x0FFF)
	if status := hci.Status(p[0]); status != hci.StatusSuccess {
		// The disconnect did not take place; keep the link.
		m.log.Warn("disconnection failed", "handle", handle.String(), "status", status.String())
		return
	}
	reason := hci.Status(p[3])

	m.mu.Lock()
	conn := m.conns[handle]
	delete(m.conns, handle)
	auth := m.pendingAuth[handle]
	delete(m.pendingAuth, handle)
	m.mu.Unlock()

	if auth != nil {
		auth <- fmt.Errorf("%w: %s", ErrLinkLost, reason)
	}
	if conn == nil {
		return
	}
	conn.setState(StateClosed)
	m.log.Info("connection closed", "peer", conn.Addr.String(), "handle", handle.String(), "reason", reason.String())
	m.broadcast(Event{Type: EventDisconnected, Conn: conn, Reason: reason})
}

func (m *Manager) onAuthenticationComplete(p []byte) {
	if len(p) < 3 {
		return
	}
	status := hci.Status(p[0])
	handle := hci.ConnHandle(binary.LittleEndian.Uint16(p[1:3]) & 0x0FFF)

	m.mu.Lock()
	waiter := m.pendingAuth[handle]
	delete(m.pendingAuth, handle)
	conn := m.conns[handle]
	if status != hci.StatusSuccess {
		delete(m.conns, handle)
	}
	m.mu.Unlock()

	if status == hci.StatusSuccess {
		if conn != nil {
			conn.setState(StateConnected)
		}
		if waiter != nil {
			waiter <- nil
		}
		return
	}

	err := fmt.Errorf("%w: %s", ErrAuthenticationFailed, status)
	if waiter != nil {
		waiter <- err
	}
	if conn == nil {
		return
	}
	// A link that failed authentication is forfeited, not kept around.
	conn.setState(StateClosed)
	m.log.Warn("authentication failed, dropping link",
		"peer", conn.Addr.String(), "handle", handle.String(), "status", status.String())
	m.broadcast(Event{Type: EventDisconnected, Conn: conn, Err: err})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.engine.Disconnect(ctx, conn.Handle, 0x05); err != nil {
			m.log.Warn("disconnect after failed authentication failed",
				"handle", conn.Handle.String(), "error", err)
		}
	}()
}

func (m *Manager) onRemoteNameComplete(p []byte) {
	if len(p) < 7 {
		return
	}
	status := hci.Status(p[0])
	var addr hci.BdAddr
	copy(addr[:], p[1:7])

	m.mu.Lock()
	waiter := m.pendingName[addr]
	delete(m.pendingName, addr)
	m.mu.Unlock()
	if waiter == nil {
		return
	}
	if status != hci.StatusSuccess {
		waiter <- nameResult{err: fmt.Errorf("remote name request failed: %s", status)}
		return
	}
	name := p[7:]
	if i := indexNul(name); i >= 0 {
		name = name[:i]
	}
	waiter <- nameResult{name: string(name)}
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (m *Manager) onEncryptionChange(p []byte) {
	if len(p) < 4 {
		return
	}
	handle := hci.ConnHandle(binary.LittleEndian.Uint16(p[1:3]) & 0x0FFF)
	conn, ok := m.Lookup(handle)
	if !ok {
		return
	}
	if hci.Status(p[0]) == hci.StatusSuccess && p[3] != 0 {
		conn.setState(StateEncrypted)
	} else {
		conn.setState(StateConnected)
	}
}

func (m *Manager) onPinCodeRequest(p []byte) {
	if len(p) < 6 {
		return
	}
	var addr hci.BdAddr
	copy(addr[:], p[0:6])
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pin, err := m.pin.RequestPin(addr)
		if err != nil || pin == "" {
			m.log.Warn("no PIN available, rejecting pairing", "peer", addr.String())
			_ = m.engine.PinCodeRequestNegativeReply(ctx, addr)
			return
		}
		if err := m.engine.PinCodeRequestReply(ctx, addr, pin); err != nil {
			m.log.Warn("PIN reply failed", "peer", addr.String(), "error", err)
		}
	}()
}

func (m *Manager) onLinkKeyRequest(p []byte) {
	if len(p) < 6 {
		return
	}
	var addr hci.BdAddr
	copy(addr[:], p[0:6])
	key, ok := m.keys.Get(addr)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok {
			if err := m.engine.LinkKeyRequestReply(ctx, addr, key); err != nil {
				m.log.Warn("link key reply failed", "peer", addr.String(), "error", err)
			}
			return
		}
		if err := m.engine.LinkKeyRequestNegativeReply(ctx, addr); err != nil {
			m.log.Warn("link key negative reply failed", "peer", addr.String(), "error", err)
		}
	}()
}

func (m *Manager) onLinkKeyNotification(p []byte) {
	if len(p) < 23 {
		return
	}
	var addr hci.BdAddr
	var key hci.LinkKey
	copy(addr[:], p[0:6])
	copy(key[:], p[6:22])
	if err := m.keys.Put(addr, key); err != nil {
		m.log.Error("storing link key failed", "peer", addr.String(), "error", err)
		return
	}
	m.log.Info("link key stored", "peer", addr.String())
}

func (m *Manager) onIOCapabilityRequest(p []byte) {
	if len(p) < 6 {
		return
	}
	var addr hci.BdAddr
	copy(addr[:], p[0:6])
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := m.engine.IOCapabilityRequestReply(ctx, addr, hci.IOCapNoInputNoOutput, 0x00, hci.AuthGeneralBonding)
		if err != nil {
			m.log.Warn("IO capability reply failed", "peer", addr.String(), "error", err)
		}
	}()
}

// onUserConfirmationRequest auto-accepts the numeric comparison. With no
// input and no output capability the pairing model is just-works.
func (m *Manager) onUserConfirmationRequest(p []byte) {
	if len(p) < 10 {
		return
	}
	var addr hci.BdAddr
	copy(addr[:], p[0:6])
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.engine.UserConfirmationReply(ctx, addr, true); err != nil {
			m.log.Warn("user confirmation reply failed", "peer", addr.String(), "error", err)
		}
	}()
}

func (m *Manager) onSimplePairingComplete(p []byte) {
	if len(p) < 7 {
		return
	}
	status := hci.Status(p[0])
	var addr hci.BdAddr
	copy(addr[:], p[1:7])
	if status != hci.StatusSuccess {
		m.log.Warn("simple pairing failed", "peer", addr.String(), "status", status.String())
		// A stale bond makes some peers refuse to re-pair.
		_ = m.keys.Delete(addr)
	}
}

func parseInquiryResults(p []byte) []InquiryResult {
	if len(p) < 1 {
		return nil
	}
	n := int(p[0])
	if len(p) < 1+n*14 {
		return nil
	}
	out := make([]InquiryResult, 0, n)
	for i := 0; i < n; i++ {
		off := 1 + i*14
		var r InquiryResult
		copy(r.Addr[:], p[off:off+6])
		r.PageScanRepMode = p[off+6]
		r.ClassOfDevice = uint32(p[off+9]) | uint32(p[off+10])<<8 | uint32(p[off+11])<<16
		r.ClockOffset = binary.LittleEndian.Uint16(p[off+12 : off+14])
		out = append(out, r)
	}
	return out
}

func parseExtendedInquiryResult(p []byte) (InquiryResult, bool) {
	if len(p) < 14 || p[0] != 1 {
		return InquiryResult{}, false
	}
	var r InquiryResult
	copy(r.Addr[:], p[1:7])
	r.PageScanRepMode = p[7]
	r.ClassOfDevice = uint32(p[9]) | uint32(p[10])<<8 | uint32(p[11])<<16
	r.ClockOffset = binary.LittleEndian.Uint16(p[12:14])
	return r, true
}
