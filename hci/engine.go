package hci

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alia5/bluecore/transport"
)

// DefaultCommandTimeout bounds how long a submitted command may wait for
// its completion event once it has been sent to the controller.
const DefaultCommandTimeout = time.Second

// defaultACLPacketLen is used until the controller buffer size is known.
// It is the minimum ACL payload every controller must support.
const defaultACLPacketLen = 27

type cmdResult struct {
	params []byte
	err    error
}

type submission struct {
	cmd    Command
	result chan cmdResult
	timer  *time.Timer
}

type subscriber struct {
	codes map[EventCode]bool
	ch    chan Event

	closeOnce sync.Once
}

func (s *subscriber) closeCh() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type aclFragment struct {
	pkt  ACLData
	done chan error
}

type aclWrite struct {
	handle ConnHandle
	data   []byte
	chunk  int
	done   chan error
}

type bufferConfig struct {
	packetLen int
	credits   int
}

// Engine owns the transport and multiplexes it: commands are correlated
// with their completion events by opcode, events fan out to subscribers
// and ACL data is flow-controlled against controller buffer credits.
//
// All protocol state lives in the run goroutine; the exported methods
// only exchange messages with it.
type Engine struct {
	tr  transport.Transport
	log *slog.Logger

	commandTimeout time.Duration

	submitCh  chan *submission
	timeoutCh chan *submission
	aclOutCh  chan *aclWrite
	configCh  chan bufferConfig

	aclIn chan ACLData
	done  chan struct{}

	subMu sync.Mutex
	subs  []*subscriber

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommandTimeout overrides the per-command completion deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Engine) { e.commandTimeout = d }
}

// NewEngine starts the run loop on the given transport. The engine takes
// ownership of the transport and closes it on Close.
func NewEngine(tr transport.Transport, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		tr:             tr,
		log:            logger,
		commandTimeout: DefaultCommandTimeout,
		submitCh:       make(chan *submission),
		timeoutCh:      make(chan *submission),
		aclOutCh:       make(chan *aclWrite),
		configCh:       make(chan bufferConfig),
		aclIn:          make(chan ACLData, 32),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Submit sends a command and blocks until its completion event, the
// engine deadline or ctx. The returned bytes are the return parameters of
// the Command Complete event (for status-only commands, a single status
// byte). A non-success status is reported as a *StatusError.
//
// Cancelling ctx abandons the wait but the opcode slot stays reserved
// until the controller answers or the deadline fires, so a late response
// can never be matched to a newer command with the same opcode.
func (e *Engine) Submit(ctx context.Context, opcode Opcode, params []byte) ([]byte, error) {
	s := &submission{
		cmd:    Command{Opcode: opcode, Params: params},
		result: make(chan cmdResult, 1),
	}
	if _, err := s.cmd.Marshal(); err != nil {
		return nil, err
	}
	select {
	case e.submitCh <- s:
	case <-e.done:
		return nil, e.runErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-s.result:
		return res.params, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a channel receiving every event whose code is listed.
// Each event is delivered to each subscriber at most once, in arrival
// order. Slow subscribers lose events rather than stalling the engine.
// The returned function cancels the subscription and closes the channel.
func (e *Engine) Subscribe(codes ...EventCode) (<-chan Event, func()) {
	sub := &subscriber{codes: make(map[EventCode]bool, len(codes)), ch: make(chan Event, 32)}
	for _, c := range codes {
		sub.codes[c] = true
	}
	e.subMu.Lock()
	e.subs = append(e.subs, sub)
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		for i, s := range e.subs {
			if s == sub {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				break
			}
		}
		e.subMu.Unlock()
		sub.closeCh()
	}
	return sub.ch, cancel
}

// ACLIn delivers reassembly-ready inbound ACL packets. The channel is
// closed when the engine shuts down.
func (e *Engine) ACLIn() <-chan ACLData { return e.aclIn }

// WriteACL sends one complete upper-layer PDU on a connection handle,
// fragmenting it to the controller buffer size. It blocks until every
// fragment has been handed to the transport or ctx is cancelled.
func (e *Engine) WriteACL(ctx context.Context, handle ConnHandle, data []byte) error {
	return e.WriteACLBounded(ctx, handle, data, 0)
}

// WriteACLBounded is WriteACL with an additional upper bound on the
// fragment size, for peers that cannot accept larger fragments. A bound
// of 0 leaves the controller buffer size as the only limit.
func (e *Engine) WriteACLBounded(ctx context.Context, handle ConnHandle, data []byte, maxFragment int) error {
	w := &aclWrite{handle: handle, data: data, chunk: maxFragment, done: make(chan error, 1)}
	select {
	case e.aclOutCh <- w:
	case <-e.done:
		return e.runErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetBufferConfig installs the ACL packet length and credit count learned
// from the controller during bringup.
func (e *Engine) SetBufferConfig(packetLen, packets int) {
	select {
	case e.configCh <- bufferConfig{packetLen: packetLen, credits: packets}:
	case <-e.done:
	}
}

// Done is closed when the run loop has terminated.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err reports why the engine stopped, nil for a clean Close.
func (e *Engine) runErr() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err != nil {
		return e.err
	}
	return fmt.Errorf("%w: engine closed", transport.ErrTransportLost)
}

// Err returns the terminal engine error, nil while running or after a
// clean Close.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Close tears down the transport and resolves every in-flight command
// with an error.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { _ = e.tr.Close() })
	<-e.done
	return nil
}

// engineState is the run-loop-owned protocol state.
type engineState struct {
	cmdCredits int
	pending    map[Opcode]*submission
	queue      []*submission

	aclPacketLen int
	aclCredits   int
	aclQueue     []aclFragment
}

func (e *Engine) run() {
	st := &engineState{
		cmdCredits:   1,
		pending:      make(map[Opcode]*submission),
		aclPacketLen: defaultACLPacketLen,
	}
	defer e.teardown(st)

	for {
		select {
		case f, ok := <-e.tr.Frames():
			if !ok {
				e.errMu.Lock()
				e.err = e.tr.Err()
				e.errMu.Unlock()
				return
			}
			e.handleFrame(st, f)
		case s := <-e.submitCh:
			st.queue = append(st.queue, s)
			e.pumpCommands(st)
		case s := <-e.timeoutCh:
			// The slot may have been resolved and handed to a newer
			// submission while this message was in flight; only the
			// submission the timer belongs to may time out.
			if st.pending[s.cmd.Opcode] == s {
				delete(st.pending, s.cmd.Opcode)
				s.result <- cmdResult{err: fmt.Errorf("%w: %s", ErrCommandTimeout, s.cmd.Opcode)}
				e.log.Warn("command timed out", "opcode", s.cmd.Opcode)
				e.pumpCommands(st)
			}
		case w := <-e.aclOutCh:
			e.enqueueACL(st, w)
			e.pumpACL(st)
		case cfg := <-e.configCh:
			st.aclPacketLen = cfg.packetLen
			st.aclCredits = cfg.credits
			e.log.Debug("ACL buffer configured", "packetLen", cfg.packetLen, "packets", cfg.credits)
			e.pumpACL(st)
		}
	}
}

func (e *Engine) teardown(st *engineState) {
	err := e.runErrOrClosed()
	for op, s := range st.pending {
		delete(st.pending, op)
		s.timer.Stop()
		s.result <- cmdResult{err: err}
	}
	for _, s := range st.queue {
		s.result <- cmdResult{err: err}
	}
	for _, f := range st.aclQueue {
		if f.done != nil {
			f.done <- err
		}
	}
	close(e.done)
	close(e.aclIn)

	e.subMu.Lock()
	subs := e.subs
	e.subs = nil
	e.subMu.Unlock()
	for _, sub := range subs {
		sub.closeCh()
	}
}

func (e *Engine) runErrOrClosed() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err != nil {
		return e.err
	}
	return fmt.Errorf("%w: engine closed", transport.ErrTransportLost)
}

func (e *Engine) handleFrame(st *engineState, f transport.Frame) {
	switch f.Type {
	case transport.FrameEvent:
		evt, err := ParseEvent(f.Data)
		if err != nil {
			e.log.Warn("dropping malformed event", "error", err)
			return
		}
		e.handleEvent(st, evt)
	case transport.FrameACL:
		pkt, err := ParseACLData(f.Data)
		if err != nil {
			e.log.Warn("dropping malformed ACL packet", "error", err)
			return
		}
		select {
		case e.aclIn <- pkt:
		default:
			e.log.Warn("inbound ACL queue full, dropping packet", "handle", pkt.Handle)
		}
	default:
		e.log.Warn("unexpected inbound frame", "type", f.Type.String())
	}
}

func (e *Engine) handleEvent(st *engineState, evt Event) {
	switch evt.Code {
	case EvtCommandComplete:
		if len(evt.Params) < 3 {
			e.log.Warn("short command complete event")
			return
		}
		st.cmdCredits = int(evt.Params[0])
		op := Opcode(binary.LittleEndian.Uint16(evt.Params[1:3]))
		e.resolve(st, op, evt.Params[3:], nil)
		e.pumpCommands(st)
	case EvtCommandStatus:
		if len(evt.Params) < 4 {
			e.log.Warn("short command status event")
			return
		}
		status := Status(evt.Params[0])
		st.cmdCredits = int(evt.Params[1])
		op := Opcode(binary.LittleEndian.Uint16(evt.Params[2:4]))
		if status != StatusSuccess {
			e.resolve(st, op, nil, &StatusError{Op: op, Status: status})
		} else {
			e.resolve(st, op, []byte{uint8(status)}, nil)
		}
		e.pumpCommands(st)
	case EvtNumberOfCompletedPackets:
		e.handleCompletedPackets(st, evt.Params)
		e.pumpACL(st)
	default:
	}
	e.fanout(evt)
}

func (e *Engine) resolve(st *engineState, op Opcode, params []byte, err error) {
	s, ok := st.pending[op]
	if !ok {
		// A late response after timeout, or controller noise.
		e.log.Debug("completion for unknown command", "opcode", op)
		return
	}
	delete(st.pending, op)
	s.timer.Stop()
	if err == nil && len(params) > 0 && Status(params[0]) != StatusSuccess {
		err = &StatusError{Op: op, Status: Status(params[0])}
	}
	buf := make([]byte, len(params))
	copy(buf, params)
	s.result <- cmdResult{params: buf, err: err}
}

// pumpCommands sends queued commands while credits last, never letting
// two commands with the same opcode be in flight at once.
func (e *Engine) pumpCommands(st *engineState) {
	for st.cmdCredits > 0 {
		idx := -1
		for i, s := range st.queue {
			if _, inFlight := st.pending[s.cmd.Opcode]; !inFlight {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		s := st.queue[idx]
		st.queue = append(st.queue[:idx], st.queue[idx+1:]...)

		data, _ := s.cmd.Marshal()
		if err := e.tr.Send(transport.Frame{Type: transport.FrameCommand, Data: data}); err != nil {
			s.result <- cmdResult{err: err}
			continue
		}
		st.cmdCredits--
		st.pending[s.cmd.Opcode] = s
		s.timer = time.AfterFunc(e.commandTimeout, func() {
			select {
			case e.timeoutCh <- s:
			case <-e.done:
			}
		})
	}
}

func (e *Engine) handleCompletedPackets(st *engineState, params []byte) {
	if len(params) < 1 {
		return
	}
	n := int(params[0])
	if len(params) < 1+n*4 {
		e.log.Warn("short number of completed packets event")
		return
	}
	for i := 0; i < n; i++ {
		off := 1 + i*4
		completed := binary.LittleEndian.Uint16(params[off+2 : off+4])
		st.aclCredits += int(completed)
	}
}

func (e *Engine) enqueueACL(st *engineState, w *aclWrite) {
	limit := st.aclPacketLen
	if w.chunk > 0 && w.chunk < limit {
		limit = w.chunk
	}
	data := w.data
	first := true
	for len(data) > 0 || first {
		n := len(data)
		if n > limit {
			n = limit
		}
		boundary := BoundaryFirstNonFlushable
		if !first {
			boundary = BoundaryContinuing
		}
		frag := aclFragment{pkt: ACLData{Handle: w.handle, Boundary: boundary, Data: data[:n]}}
		data = data[n:]
		if len(data) == 0 {
			frag.done = w.done
		}
		st.aclQueue = append(st.aclQueue, frag)
		first = false
	}
}

func (e *Engine) pumpACL(st *engineState) {
	for st.aclCredits > 0 && len(st.aclQueue) > 0 {
		frag := st.aclQueue[0]
		st.aclQueue = st.aclQueue[1:]
		if err := e.tr.Send(transport.Frame{Type: transport.FrameACL, Data: frag.pkt.Marshal()}); err != nil {
			if frag.done != nil {
				frag.done <- err
			}
			continue
		}
		st.aclCredits--
		if frag.done != nil {
			frag.done <- nil
		}
	}
}

func (e *Engine) fanout(evt Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, sub := range e.subs {
		if !sub.codes[evt.Code] {
			continue
		}
		cp := Event{Code: evt.Code, Params: make([]byte, len(evt.Params))}
		copy(cp.Params, evt.Params)
		select {
		case sub.ch <- cp:
		default:
			e.log.Warn("event subscriber lagging, dropping event", "code", fmt.Sprintf("0x%02X", uint8(evt.Code)))
		}
	}
}
