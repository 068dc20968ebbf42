package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMACCommandsDownlink(t *testing.T) {
	// LinkADRReq + DutyCycleReq + DevStatusReq in one stream.
	data := []byte{
		LinkADRReq, 0x52, 0xFF, 0x00, 0x01,
		DutyCycleReq, 0x05,
		DevStatusReq,
	}

	cmds, err := ParseMACCommands(false, data)
	require.NoError(t, err)
	require.Len(t, cmds, 3)

	assert.Equal(t, LinkADRReq, cmds[0].CID)
	assert.Equal(t, []byte{0x52, 0xFF, 0x00, 0x01}, cmds[0].Payload)
	assert.Equal(t, DutyCycleReq, cmds[1].CID)
	assert.Equal(t, []byte{0x05}, cmds[1].Payload)
	assert.Equal(t, DevStatusReq, cmds[2].CID)
	assert.Empty(t, cmds[2].Payload)
}

func TestParseMACCommandsUnknownCIDStops(t *testing.T) {
	data := []byte{
		LinkCheckAns, 0x0A, 0x01,
		0xF0, // proprietary/unknown
		DevStatusReq,
	}

	cmds, err := ParseMACCommands(false, data)
	assert.ErrorIs(t, err, ErrUnknownMACCommand)

	// Commands before the unknown CID survive.
	require.Len(t, cmds, 1)
	assert.Equal(t, LinkCheckAns, cmds[0].CID)
	assert.Equal(t, []byte{0x0A, 0x01}, cmds[0].Payload)
}

func TestParseMACCommandsTruncatedPayload(t *testing.T) {
	data := []byte{LinkADRReq, 0x52, 0xFF} // needs 4 payload bytes

	cmds, err := ParseMACCommands(false, data)
	assert.Error(t, err)
	assert.Empty(t, cmds)
}

func TestParseMACCommandsUplinkDirection(t *testing.T) {
	// The same CID has different lengths per direction: LinkADR is a
	// 1-byte status answer uplink, a 4-byte request downlink.
	data := []byte{LinkADRAns, 0x07, LinkCheckReq}

	cmds, err := ParseMACCommands(true, data)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, []byte{0x07}, cmds[0].Payload)
	assert.Empty(t, cmds[1].Payload)
}

func TestEncodeMACCommands(t *testing.T) {
	cmds := []MACCommand{
		{CID: LinkADRAns, Payload: []byte{0x07}},
		{CID: DevStatusAns, Payload: []byte{0xFF, 0x05}},
	}

	assert.Equal(t, []byte{0x03, 0x07, 0x06, 0xFF, 0x05}, EncodeMACCommands(cmds))
}

func TestMACCommandRoundTrip(t *testing.T) {
	cmds := []MACCommand{
		{CID: LinkCheckReq, Payload: []byte{}},
		{CID: LinkADRAns, Payload: []byte{0x07}},
		{CID: DevStatusAns, Payload: []byte{0xFE, 0x12}},
	}

	wire := EncodeMACCommands(cmds)
	got, err := ParseMACCommands(true, wire)
	require.NoError(t, err)
	require.Len(t, got, len(cmds))
	for i := range cmds {
		assert.Equal(t, cmds[i].CID, got[i].CID)
		if len(cmds[i].Payload) > 0 {
			assert.Equal(t, cmds[i].Payload, got[i].Payload)
		}
	}
}
