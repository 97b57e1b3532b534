// Package snoop writes btsnoop capture files of all traffic crossing the
// controller transport. The format is the btsnoop v1 container with the
// Linux monitor opcode set, which Wireshark and btmon both read.
package snoop

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"time"
)

var magic = []byte("btsnoop\x00")

const (
	version       = 1
	formatMonitor = 2001

	// Offset between 0 AD (the btsnoop epoch) and the Unix epoch,
	// in microseconds.
	epochOffsetMicros = 0x00E03AB44A676000
)

// PacketType tags each record with the monitor opcode for its direction
// and kind.
type PacketType uint32

const (
	PacketCommand PacketType = 0x02
	PacketEvent   PacketType = 0x03
	PacketAclTx   PacketType = 0x04
	PacketAclRx   PacketType = 0x05
	PacketScoTx   PacketType = 0x06
	PacketScoRx   PacketType = 0x07
)

type record struct {
	ts   time.Time
	kind PacketType
	data []byte
}

// Writer is an append-only btsnoop sink. A nil *Writer is a valid no-op
// sink, so the tap can stay unconditionally wired in the transport.
type Writer struct {
	ch    chan record
	done  chan struct{}
	start time.Time

	mu     sync.Mutex
	closed bool
}

// New starts a writer goroutine that owns w for its whole lifetime and
// emits the btsnoop file header followed by one record per logged frame.
// Records are written in the order Record is called.
func New(w io.WriteCloser) *Writer {
	sw := &Writer{
		ch:    make(chan record, 256),
		done:  make(chan struct{}),
		start: time.Now(),
	}
	go sw.run(w)
	return sw
}

// Record queues one frame for capture. The timestamp is derived from the
// monotonic clock so records never go backwards. data is copied; the
// caller keeps ownership of its buffer.
func (sw *Writer) Record(kind PacketType, data []byte) {
	if sw == nil {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	// start carries a monotonic reading, so Add(Since(start)) is ordered
	// even if the wall clock steps.
	rec := record{ts: sw.start.Add(time.Since(sw.start)), kind: kind, data: buf}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return
	}
	// The writer goroutine drains ch until it closes, so this send cannot
	// block indefinitely.
	sw.ch <- rec
}

// Close stops the writer after draining queued records.
func (sw *Writer) Close() error {
	if sw == nil {
		return nil
	}
	sw.mu.Lock()
	if !sw.closed {
		sw.closed = true
		close(sw.ch)
	}
	sw.mu.Unlock()
	<-sw.done
	return nil
}

func (sw *Writer) run(w io.WriteCloser) {
	defer close(sw.done)
	defer w.Close()

	bw := bufio.NewWriter(w)
	err := writeHeader(bw)
	if err == nil {
		err = bw.Flush()
	}

	// After a sink failure records are drained and discarded; returning
	// early would leave Record blocked once the queue fills up.
	for rec := range sw.ch {
		if err != nil {
			continue
		}
		if err = writeRecord(bw, rec); err == nil {
			err = bw.Flush()
		}
	}
}

func writeHeader(w io.Writer) error {
	if _, err := w.Write(magic); err != nil {
		return err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], version)
	binary.BigEndian.PutUint32(hdr[4:8], formatMonitor)
	_, err := w.Write(hdr[:])
	return err
}

func writeRecord(w io.Writer, rec record) error {
	micros := rec.ts.UnixMicro() + epochOffsetMicros
	var hdr [24]byte
	size := uint32(len(rec.data))
	binary.BigEndian.PutUint32(hdr[0:4], size)  // original length
	binary.BigEndian.PutUint32(hdr[4:8], size)  // included length
	binary.BigEndian.PutUint32(hdr[8:12], uint32(rec.kind))
	binary.BigEndian.PutUint32(hdr[12:16], 0) // cumulative drops
	binary.BigEndian.PutUint64(hdr[16:24], uint64(micros))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(rec.data)
	return err
}
