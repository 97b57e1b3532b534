package snoop

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closableBuffer struct{ bytes.Buffer }

func (c *closableBuffer) Close() error { return nil }

func TestWriterHeaderAndRecords(t *testing.T) {
	buf := &closableBuffer{}
	w := New(buf)
	w.Record(PacketCommand, []byte{0x01, 0x03, 0x0C, 0x00})
	w.Record(PacketAclRx, []byte{0xAA, 0xBB})
	require.NoError(t, w.Close())

	out := buf.Bytes()
	require.GreaterOrEqual(t, len(out), 16+24+4+24+2)

	assert.Equal(t, []byte("btsnoop\x00"), out[:8])
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(out[8:12]))
	assert.Equal(t, uint32(2001), binary.BigEndian.Uint32(out[12:16]))

	rec := out[16:]
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(rec[0:4]))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(rec[4:8]))
	assert.Equal(t, uint32(PacketCommand), binary.BigEndian.Uint32(rec[8:12]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(rec[12:16]))
	ts1 := binary.BigEndian.Uint64(rec[16:24])
	assert.Greater(t, ts1, uint64(epochOffsetMicros))
	assert.Equal(t, []byte{0x01, 0x03, 0x0C, 0x00}, rec[24:28])

	rec2 := rec[28:]
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(rec2[0:4]))
	assert.Equal(t, uint32(PacketAclRx), binary.BigEndian.Uint32(rec2[8:12]))
	ts2 := binary.BigEndian.Uint64(rec2[16:24])
	assert.GreaterOrEqual(t, ts2, ts1, "timestamps must be monotonic")
	assert.Equal(t, []byte{0xAA, 0xBB}, rec2[24:26])
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	w.Record(PacketEvent, []byte{0x01})
	assert.NoError(t, w.Close())
}

type brokenSink struct{}

func (brokenSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (brokenSink) Close() error              { return nil }

func TestRecordNeverBlocksAfterSinkFailure(t *testing.T) {
	w := New(brokenSink{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far more records than the queue holds.
		for i := 0; i < 2048; i++ {
			w.Record(PacketEvent, []byte{0x01})
		}
		require.NoError(t, w.Close())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked after the capture sink failed")
	}
}

func TestRecordCopiesData(t *testing.T) {
	buf := &closableBuffer{}
	w := New(buf)
	data := []byte{0x11, 0x22}
	w.Record(PacketEvent, data)
	data[0] = 0xFF
	require.NoError(t, w.Close())

	out := buf.Bytes()
	rec := out[16:]
	assert.Equal(t, byte(0x11), rec[24])
}
