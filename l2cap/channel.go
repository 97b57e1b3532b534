package l2cap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Alia5/bluecore/hci"
)

var (
	// ErrChannelRejected is returned when the peer refuses a channel
	// establishment request.
	ErrChannelRejected = errors.New("l2cap: channel rejected by peer")

	// ErrPduTooLarge closes a channel whose peer sent a PDU exceeding the
	// MTU we announced.
	ErrPduTooLarge = errors.New("l2cap: inbound PDU exceeds channel MTU")

	// ErrReassemblyError closes a channel whose inbound fragment stream
	// violated the reassembly rules.
	ErrReassemblyError = errors.New("l2cap: reassembly error")

	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("l2cap: channel closed")
)

// DefaultMTU is the MTU announced for new channels. MinMTU is the
// smallest MTU the protocol permits on dynamic channels.
const (
	DefaultMTU = 672
	MinMTU     = 48
)

type chanState int

const (
	stateWaitConnectRsp chanState = iota
	stateConfig
	stateOpen
	stateWaitDisconnect
	stateClosed
)

// Channel is one open connection-oriented channel. Read and Write move
// whole PDUs; there is no streaming reassembly above the MTU.
type Channel struct {
	Handle hci.ConnHandle
	PSM    uint16

	mux     *Mux
	link    *link
	inbound bool

	localCID  uint16
	remoteCID uint16
	localMTU  uint16
	remoteMTU uint16

	state      chanState
	localDone  bool
	remoteDone bool

	in     chan []byte
	opened chan struct{}
	closed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (ch *Channel) LocalCID() uint16  { return ch.localCID }
func (ch *Channel) RemoteCID() uint16 { return ch.remoteCID }

// MTU returns the MTU the peer announced during configuration.
func (ch *Channel) MTU() uint16 { return ch.remoteMTU }

// Read returns the next inbound PDU payload.
func (ch *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case p := <-ch.in:
		return p, nil
	case <-ch.closed:
		// Drain anything delivered before the close.
		select {
		case p := <-ch.in:
			return p, nil
		default:
		}
		return nil, ch.closeReason()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends a payload as a single PDU. Large payloads are fragmented
// at the ACL layer with fragments no bigger than the peer's MTU; the
// peer reassembles them by the packet boundary flags, so the PDU arrives
// whole.
func (ch *Channel) Write(ctx context.Context, p []byte) error {
	select {
	case <-ch.closed:
		return ch.closeReason()
	default:
	}
	if len(p) > 0xFFFF {
		return fmt.Errorf("l2cap: payload of %d bytes does not fit one PDU", len(p))
	}
	pdu := basicFrame(ch.remoteCID, p)
	if err := ch.mux.engine.WriteACLBounded(ctx, ch.Handle, pdu, int(ch.remoteMTU)); err != nil {
		return fmt.Errorf("writing channel 0x%04X: %w", ch.localCID, err)
	}
	return nil
}

// Close disconnects the channel and waits for the peer's acknowledgement.
// Closing an already-closed channel is a no-op.
func (ch *Channel) Close(ctx context.Context) error {
	ch.link.mu.Lock()
	if ch.state == stateClosed || ch.state == stateWaitDisconnect {
		ch.link.mu.Unlock()
		<-ch.closed
		return nil
	}
	ch.state = stateWaitDisconnect
	ch.link.mu.Unlock()

	payload := append(u16(ch.remoteCID), u16(ch.localCID)...)
	rsp, err := ch.link.transaction(ctx, sigDisconnectionRequest, payload, ch.closed)
	if err != nil && !errors.Is(err, ErrChannelClosed) {
		// The peer may have torn the channel down concurrently; the
		// channel is gone either way.
		ch.mux.log.Debug("disconnection request not answered", "cid", ch.localCID, "error", err)
	}
	_ = rsp
	ch.finalize(nil)
	return nil
}

// Done is closed once the channel is fully closed.
func (ch *Channel) Done() <-chan struct{} { return ch.closed }

// Err reports why the channel closed, nil for a clean local Close.
func (ch *Channel) Err() error {
	select {
	case <-ch.closed:
		return ch.closeErr
	default:
		return nil
	}
}

func (ch *Channel) closeReason() error {
	if ch.closeErr != nil {
		return ch.closeErr
	}
	return ErrChannelClosed
}

// finalize marks the channel closed exactly once. Concurrent local and
// remote disconnects collapse to a single close.
func (ch *Channel) finalize(err error) {
	ch.closeOnce.Do(func() {
		ch.link.mu.Lock()
		ch.state = stateClosed
		delete(ch.link.channels, ch.localCID)
		ch.link.mu.Unlock()
		ch.closeErr = err
		close(ch.closed)
	})
}

// deliver hands one inbound payload to the reader. Caller must have
// verified the channel is open and the payload fits the local MTU.
func (ch *Channel) deliver(p []byte) {
	select {
	case <-ch.closed:
	case ch.in <- p:
	default:
		ch.mux.log.Warn("channel reader lagging, dropping PDU", "cid", ch.localCID, "bytes", len(p))
	}
}
