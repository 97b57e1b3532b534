package l2cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigCommandRoundTrip(t *testing.T) {
	frame := append(
		sigCommand{code: sigConnectionRequest, id: 1, data: []byte{0x01, 0x10, 0x40, 0x00}}.marshal(),
		sigCommand{code: sigEchoRequest, id: 2}.marshal()...)

	cmds, err := parseSigCommands(frame)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, uint8(sigConnectionRequest), cmds[0].code)
	assert.Equal(t, uint8(1), cmds[0].id)
	assert.Equal(t, []byte{0x01, 0x10, 0x40, 0x00}, cmds[0].data)
	assert.Equal(t, uint8(sigEchoRequest), cmds[1].code)
	assert.Empty(t, cmds[1].data)
}

func TestParseSigCommandsTruncated(t *testing.T) {
	good := sigCommand{code: sigEchoRequest, id: 1, data: []byte{0xAA}}.marshal()

	// A valid command followed by garbage still yields the valid one.
	cmds, err := parseSigCommands(append(good, 0x08, 0x02))
	assert.Error(t, err)
	assert.Len(t, cmds, 1)

	_, err = parseSigCommands([]byte{0x08, 0x01, 0x05, 0x00, 0xAA})
	assert.Error(t, err, "length field past the payload")
}

func TestBasicFrameRoundTrip(t *testing.T) {
	pdu := basicFrame(0x0040, []byte{1, 2, 3})
	assert.Equal(t, []byte{3, 0, 0x40, 0, 1, 2, 3}, pdu)

	cid, payload, err := parseBasicFrame(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0040), cid)
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestParseBasicFrameRejectsBadLength(t *testing.T) {
	_, _, err := parseBasicFrame([]byte{0x02, 0x00, 0x40})
	assert.Error(t, err)

	_, _, err = parseBasicFrame([]byte{0x05, 0x00, 0x40, 0x00, 1, 2, 3})
	assert.Error(t, err)
}

func TestMtuFromOptions(t *testing.T) {
	mtu, has, unknown, err := mtuFromOptions(mtuOption(672))
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, uint16(672), mtu)
	assert.Empty(t, unknown)

	// No options at all.
	_, has, unknown, err = mtuFromOptions(nil)
	require.NoError(t, err)
	assert.False(t, has)
	assert.Empty(t, unknown)

	// Unknown hint options are ignored, unknown mandatory ones reported.
	opts := append([]byte{0x85, 1, 0xFF}, mtuOption(256)...)
	opts = append(opts, 0x04, 2, 0x00, 0x00)
	mtu, has, unknown, err = mtuFromOptions(opts)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, uint16(256), mtu)
	assert.Equal(t, []uint8{0x04}, unknown)

	// Malformed MTU option.
	_, _, _, err = mtuFromOptions([]byte{optMTU, 1, 0x30})
	assert.Error(t, err)

	// Truncated option payload.
	_, _, _, err = mtuFromOptions([]byte{optMTU, 2, 0x30})
	assert.Error(t, err)
}
