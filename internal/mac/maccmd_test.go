package mac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/lorawan-node/pkg/lorawan"
)

func TestLinkADRReqAccepted(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// Park the device at SF12 (DR0) first.
	require.NoError(t, env.dev.ApplyADRSettings(0, 0))
	require.Equal(t, 12, env.dev.SpreadingFactor())

	// DR=5 (SF7), TXPower index 2 (10 dBm), ChMask 0x00FF, NbRep 1.
	env.dev.processMACCommands([]byte{0x03, 0x52, 0xFF, 0x00, 0x01})

	assert.Equal(t, 7, env.radio.sf)
	assert.Equal(t, 125.0, env.radio.bw)
	assert.Equal(t, int8(10), env.radio.powerDBm)
	assert.Equal(t, 5, env.dev.DataRate())
	assert.Equal(t, 1, env.dev.nbRep)

	// All three status bits set.
	assert.Equal(t, []byte{0x03, 0x07}, env.dev.pendingMAC)

	// The answer leads the next uplink's FOpts.
	require.NoError(t, env.dev.Send([]byte{1}, 1, false, false))
	frame := env.radio.sent[len(env.radio.sent)-1]
	foptsLen := int(frame[5] & 0x0F)
	require.Equal(t, 2, foptsLen)
	assert.Equal(t, []byte{0x03, 0x07}, frame[8:10])
	assert.Empty(t, env.dev.pendingMAC)
}

func TestLinkADRReqInvalidDataRate(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)
	before := env.radio.sf

	// DR=15 does not exist in EU868; nothing is committed.
	env.dev.processMACCommands([]byte{0x03, 0xF2, 0xFF, 0x00, 0x01})

	assert.Equal(t, before, env.radio.sf)
	require.Len(t, env.dev.pendingMAC, 2)
	status := env.dev.pendingMAC[1]
	assert.Zero(t, status&0x02, "DataRateAck must be cleared")
	assert.NotZero(t, status&0x04, "PowerAck unaffected")
	assert.NotZero(t, status&0x01, "ChMaskAck unaffected")
}

func TestLinkADRReqInvalidChannelMask(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// All-zero mask would disable every channel.
	env.dev.processMACCommands([]byte{0x03, 0x52, 0x00, 0x00, 0x01})

	require.Len(t, env.dev.pendingMAC, 2)
	status := env.dev.pendingMAC[1]
	assert.Zero(t, status&0x01, "ChMaskAck must be cleared")

	// Channels remain enabled.
	assert.True(t, env.dev.channelEnabled[0])
}

func TestLinkADRReqChannelMaskApplied(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// Enable only channels 0-2.
	env.dev.processMACCommands([]byte{0x03, 0x52, 0x07, 0x00, 0x01})

	require.Equal(t, []byte{0x03, 0x07}, env.dev.pendingMAC)
	for i := 0; i < 3; i++ {
		assert.True(t, env.dev.channelEnabled[i], "channel %d", i)
	}
	for i := 3; i < 8; i++ {
		assert.False(t, env.dev.channelEnabled[i], "channel %d", i)
	}
}

func TestDutyCycleReqCapsBudget(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// MaxDCyc=7: aggregated duty cycle 2^-7 < the regulatory 1%.
	env.dev.processMACCommands([]byte{0x04, 0x07})

	assert.Equal(t, []byte{0x04}, env.dev.pendingMAC)
	assert.InDelta(t, 1.0/128, env.dev.duty.limit(), 1e-9)

	// A loose cap never relaxes the regulatory ceiling.
	env.dev.processMACCommands([]byte{0x04, 0x01})
	assert.InDelta(t, 0.01, env.dev.duty.limit(), 1e-9)
}

func TestDevStatusReq(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	env.dev.stats.addSample(8.5, -90)
	env.dev.stats.addSample(7.5, -92)

	env.dev.processMACCommands([]byte{0x06})

	require.Len(t, env.dev.pendingMAC, 3)
	assert.Equal(t, byte(0x06), env.dev.pendingMAC[0])
	assert.Equal(t, byte(255), env.dev.pendingMAC[1]) // battery unknown
	assert.Equal(t, int8(8), int8(env.dev.pendingMAC[2]))
}

func TestDevStatusMarginClamped(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	for i := 0; i < 10; i++ {
		env.dev.stats.addSample(-40, -120)
	}
	env.dev.processMACCommands([]byte{0x06})
	require.Len(t, env.dev.pendingMAC, 3)
	assert.Equal(t, int8(-32), int8(env.dev.pendingMAC[2]))
}

func TestRxParamSetupReqApplied(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// RX1DROffset=1, RX2DR=0, RX2 freq 869.525 MHz (8695250 * 100 Hz).
	freqValue := uint32(8695250)
	env.dev.processMACCommands([]byte{
		0x05, 0x10,
		byte(freqValue), byte(freqValue >> 8), byte(freqValue >> 16),
	})

	assert.Equal(t, []byte{0x05, 0x07}, env.dev.pendingMAC)
	assert.Equal(t, 1, env.dev.rx1DROffset)
	assert.Equal(t, 0, env.dev.rx2DataRate)
	assert.InDelta(t, 869.525, env.dev.rx2Freq, 1e-9)
}

func TestRxParamSetupReqRejected(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)
	beforeFreq := env.dev.rx2Freq

	// RX2DR=15 is invalid; frequency of 0 is out of band.
	env.dev.processMACCommands([]byte{0x05, 0x1F, 0x00, 0x00, 0x00})

	require.Len(t, env.dev.pendingMAC, 2)
	status := env.dev.pendingMAC[1]
	assert.Zero(t, status&0x02, "RX2DRAck cleared")
	assert.Zero(t, status&0x01, "ChannelAck cleared")

	// Nothing committed.
	assert.Equal(t, beforeFreq, env.dev.rx2Freq)
}

func TestNewChannelReq(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// Configure channel 8 at 867.1 MHz, DR0-5.
	freqValue := uint32(8671000)
	env.dev.processMACCommands([]byte{
		0x07, 0x08,
		byte(freqValue), byte(freqValue >> 8), byte(freqValue >> 16),
		0x50,
	})

	assert.Equal(t, []byte{0x07, 0x03}, env.dev.pendingMAC)
	assert.True(t, env.dev.channelEnabled[8])
	assert.InDelta(t, 867.1, env.dev.channelFreq[8], 1e-9)

	// Frequency 0 disables the channel again.
	env.dev.pendingMAC = nil
	env.dev.processMACCommands([]byte{0x07, 0x08, 0x00, 0x00, 0x00, 0x50})
	assert.False(t, env.dev.channelEnabled[8])
}

func TestNewChannelReqRejectsDefaultChannels(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	env.dev.processMACCommands([]byte{0x07, 0x00, 0x10, 0x20, 0x30, 0x50})

	require.Len(t, env.dev.pendingMAC, 2)
	assert.Zero(t, env.dev.pendingMAC[1])
	assert.True(t, env.dev.channelEnabled[0])
}

func TestRxTimingSetupReq(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	env.dev.processMACCommands([]byte{0x08, 0x03})
	assert.Equal(t, []byte{0x08}, env.dev.pendingMAC)
	assert.Equal(t, 3*time.Second, env.dev.rx.delay1)

	// Delay 0 means one second.
	env.dev.pendingMAC = nil
	env.dev.processMACCommands([]byte{0x08, 0x00})
	assert.Equal(t, time.Second, env.dev.rx.delay1)
}

func TestLinkCheckAnsDeliveredAsEvent(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	var gotMargin, gotGwCnt uint8
	env.dev.OnLinkCheck(func(margin, gwCnt uint8) {
		gotMargin, gotGwCnt = margin, gwCnt
	})

	env.dev.processMACCommands([]byte{0x02, 0x14, 0x02})

	assert.Equal(t, uint8(0x14), gotMargin)
	assert.Equal(t, uint8(2), gotGwCnt)
	assert.Empty(t, env.dev.pendingMAC)
}

func TestUnknownCIDStopsButKeepsAnswers(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// DutyCycleReq answers, then an unknown CID aborts; the trailing
	// DevStatusReq is never processed.
	env.dev.processMACCommands([]byte{0x04, 0x00, 0xF0, 0x06})

	assert.Equal(t, []byte{0x04}, env.dev.pendingMAC)
}

func TestCommandsArriveViaFOpts(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)
	require.NoError(t, env.dev.SetDeviceClass(ClassC))

	env.radio.inject(buildDownlink(t, false, 1, 1, []byte{0x01}, []byte{0x06}, false))
	env.dev.Update()

	// DevStatusAns queued from the FOpts command.
	require.NotEmpty(t, env.dev.pendingMAC)
	assert.Equal(t, byte(0x06), env.dev.pendingMAC[0])
}

func TestCommandsArriveViaPort0(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)
	require.NoError(t, env.dev.SetDeviceClass(ClassC))

	// DevStatusReq encrypted with NwkSKey in a port-0 FRMPayload.
	env.radio.inject(buildDownlink(t, false, 1, 0, []byte{0x06}, nil, false))
	env.dev.Update()

	require.NotEmpty(t, env.dev.pendingMAC)
	assert.Equal(t, byte(0x06), env.dev.pendingMAC[0])
}

func TestRequestLinkCheckQueuesCID(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})

	assert.ErrorIs(t, env.dev.RequestLinkCheck(), ErrNotJoined)

	env.join(t)
	require.NoError(t, env.dev.RequestLinkCheck())
	assert.Equal(t, []byte{byte(lorawan.LinkCheckReq)}, env.dev.pendingMAC)
}

func TestPendingMACBufferBounded(t *testing.T) {
	env := newTestDevice(t, Options{BlockOnDutyCycle: true})
	env.join(t)

	// Fifteen bytes fit; the sixteenth answer byte is dropped.
	for i := 0; i < 20; i++ {
		env.dev.enqueueMACResponse(0x04)
	}
	assert.Len(t, env.dev.pendingMAC, lorawan.MaxFOptsLen)
}
