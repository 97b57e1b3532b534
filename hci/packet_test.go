package hci

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandMarshal(t *testing.T) {
	testCases := []struct {
		name    string
		cmd     Command
		want    []byte
		wantErr bool
	}{
		{
			name: "no parameters",
			cmd:  Command{Opcode: OpReset},
			want: []byte{0x03, 0x0C, 0x00},
		},
		{
			name: "with parameters",
			cmd:  Command{Opcode: OpWriteScanEnable, Params: []byte{0x03}},
			want: []byte{0x1A, 0x0C, 0x01, 0x03},
		},
		{
			name: "max parameters",
			cmd:  Command{Opcode: OpReset, Params: bytes.Repeat([]byte{0xAB}, 255)},
			want: append([]byte{0x03, 0x0C, 0xFF}, bytes.Repeat([]byte{0xAB}, 255)...),
		},
		{
			name:    "oversized parameters",
			cmd:     Command{Opcode: OpReset, Params: make([]byte, 256)},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cmd.Marshal()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseEvent(t *testing.T) {
	testCases := []struct {
		name    string
		data    []byte
		want    Event
		wantErr bool
	}{
		{
			name: "command complete",
			data: []byte{0x0E, 0x04, 0x01, 0x03, 0x0C, 0x00},
			want: Event{Code: EvtCommandComplete, Params: []byte{0x01, 0x03, 0x0C, 0x00}},
		},
		{
			name: "empty parameters",
			data: []byte{0x10, 0x00},
			want: Event{Code: EventCode(0x10), Params: []byte{}},
		},
		{name: "too short", data: []byte{0x0E}, wantErr: true},
		{name: "length mismatch", data: []byte{0x0E, 0x05, 0x01}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEvent(tc.data)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want.Code, got.Code)
			assert.Equal(t, []byte(tc.want.Params), []byte(got.Params))
		})
	}
}

func TestACLDataRoundTrip(t *testing.T) {
	pkt := ACLData{
		Handle:   0x0ABC,
		Boundary: BoundaryContinuing,
		Data:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	wire := pkt.Marshal()
	require.Len(t, wire, 8)

	got, err := ParseACLData(wire)
	require.NoError(t, err)
	assert.Equal(t, pkt.Handle, got.Handle)
	assert.Equal(t, pkt.Boundary, got.Boundary)
	assert.Equal(t, pkt.Data, got.Data)
}

func TestACLDataHandleMask(t *testing.T) {
	// Handles are 12 bits; upper bits must not leak into the flags.
	pkt := ACLData{Handle: 0x0FFF, Boundary: BoundaryFirstFlushable, Data: []byte{0x01}}
	got, err := ParseACLData(pkt.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ConnHandle(0x0FFF), got.Handle)
	assert.Equal(t, BoundaryFirstFlushable, got.Boundary)
}

func TestParseACLDataLengthMismatch(t *testing.T) {
	wire := []byte{0x01, 0x00, 0x05, 0x00, 0xAA}
	_, err := ParseACLData(wire)
	require.Error(t, err)
}

func TestBdAddrStringRoundTrip(t *testing.T) {
	addr, err := ParseBdAddr("A0:B1:C2:D3:E4:F5")
	require.NoError(t, err)
	assert.Equal(t, BdAddr{0xF5, 0xE4, 0xD3, 0xC2, 0xB1, 0xA0}, addr)
	assert.Equal(t, "A0:B1:C2:D3:E4:F5", addr.String())

	_, err = ParseBdAddr("not-an-address")
	require.Error(t, err)
}

func TestOpcodeFields(t *testing.T) {
	op := OpcodeFor(OgfVendor, 0x0020)
	assert.Equal(t, Opcode(0xFC20), op)
	assert.Equal(t, uint16(OgfVendor), op.Group())
	assert.Equal(t, uint16(0x0020), op.Command())
}
