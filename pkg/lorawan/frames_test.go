package lorawan

import (
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEUI(t *testing.T, s string) EUI64 {
	t.Helper()
	e, err := ParseEUI64(s)
	require.NoError(t, err)
	return e
}

func TestBuildJoinRequestGolden(t *testing.T) {
	appEUI := mustEUI(t, "70b3d57ed00201a6")
	devEUI := mustEUI(t, "0004a30b001c0530")
	appKey := mustKey(t, "8d7f3b4c5a6b7c8d9e0f1a2b3c4d5e6f")

	packet := BuildJoinRequest(appKey, JoinRequestPayload{
		AppEUI:   appEUI,
		DevEUI:   devEUI,
		DevNonce: 0x0001,
	})

	require.Len(t, packet, 23)

	want := []byte{
		0x00,
		0xA6, 0x01, 0x02, 0xD0, 0x7E, 0xD5, 0xB3, 0x70,
		0x30, 0x05, 0x1C, 0x00, 0x0B, 0xA3, 0x04, 0x00,
		0x01, 0x00,
	}
	assert.Equal(t, want, packet[:19])

	mic := CalculateMIC(appKey, packet[:19])
	assert.Equal(t, mic[:], packet[19:])
}

// buildJoinAccept produces the wire form a network server would emit.
func buildJoinAccept(t *testing.T, appKey AES128Key, ja JoinAcceptPayload) []byte {
	t.Helper()

	plain := []byte{MHDR{MType: JoinAccept}.Byte()}
	plain = append(plain, ja.AppNonce[:]...)
	plain = append(plain, ja.NetID[:]...)
	plain = append(plain, ja.DevAddr[:]...)
	plain = append(plain, (ja.DLSettings.RX1DROffset<<4)|(ja.DLSettings.RX2DataRate&0x0F))
	plain = append(plain, ja.RxDelay)
	plain = append(plain, ja.CFList...)

	mic := CalculateMIC(appKey, plain)
	plain = append(plain, mic[:]...)

	// Network-side encryption uses the AES decrypt operation over
	// everything after the MHDR.
	block, err := aes.NewCipher(appKey[:])
	require.NoError(t, err)
	body := plain[1:]
	require.Zero(t, len(body)%16)
	wire := make([]byte, len(plain))
	wire[0] = plain[0]
	for i := 1; i < len(plain); i += 16 {
		block.Decrypt(wire[i:i+16], plain[i:i+16])
	}
	return wire
}

func TestParseJoinAccept(t *testing.T) {
	appKey := mustKey(t, "8d7f3b4c5a6b7c8d9e0f1a2b3c4d5e6f")

	want := JoinAcceptPayload{
		AppNonce:   [3]byte{0xA1, 0xB2, 0xC3},
		NetID:      [3]byte{0x13, 0x00, 0x00},
		DevAddr:    DevAddr{0xDA, 0x1B, 0x01, 0x26},
		DLSettings: DLSettings{RX1DROffset: 1, RX2DataRate: 3},
		RxDelay:    1,
	}

	wire := buildJoinAccept(t, appKey, want)
	require.Len(t, wire, 17)

	got, err := ParseJoinAccept(appKey, wire)
	require.NoError(t, err)
	assert.Equal(t, want.AppNonce, got.AppNonce)
	assert.Equal(t, want.NetID, got.NetID)
	assert.Equal(t, want.DevAddr, got.DevAddr)
	assert.Equal(t, want.DLSettings, got.DLSettings)
	assert.Equal(t, want.RxDelay, got.RxDelay)
	assert.Empty(t, got.CFList)
}

func TestParseJoinAcceptWithCFList(t *testing.T) {
	appKey := mustKey(t, "8d7f3b4c5a6b7c8d9e0f1a2b3c4d5e6f")

	cfList := make([]byte, 16)
	// 867.1 MHz in 100 Hz units = 8671000.
	freqValue := uint32(8671000)
	cfList[0] = byte(freqValue)
	cfList[1] = byte(freqValue >> 8)
	cfList[2] = byte(freqValue >> 16)

	wire := buildJoinAccept(t, appKey, JoinAcceptPayload{
		DevAddr: DevAddr{1, 2, 3, 4},
		CFList:  cfList,
	})
	require.Len(t, wire, 33)

	got, err := ParseJoinAccept(appKey, wire)
	require.NoError(t, err)
	assert.Equal(t, cfList, got.CFList)
}

func TestParseJoinAcceptBadMIC(t *testing.T) {
	appKey := mustKey(t, "8d7f3b4c5a6b7c8d9e0f1a2b3c4d5e6f")
	wrongKey := mustKey(t, "00000000000000000000000000000001")

	wire := buildJoinAccept(t, appKey, JoinAcceptPayload{DevAddr: DevAddr{1, 2, 3, 4}})

	_, err := ParseJoinAccept(wrongKey, wire)
	assert.ErrorIs(t, err, ErrBadMIC)
}

func TestParseJoinAcceptBadLength(t *testing.T) {
	appKey := mustKey(t, "8d7f3b4c5a6b7c8d9e0f1a2b3c4d5e6f")
	_, err := ParseJoinAccept(appKey, make([]byte, 20))
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestDataUplinkRoundTrip(t *testing.T) {
	key := mustKey(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	devAddr := DevAddr{0xDA, 0x1B, 0x01, 0x26}
	plain := []byte{0x01, 0x02, 0x03, 0x04}
	port := uint8(1)

	enc := EncryptFRMPayload(key, devAddr, 7, true, plain)

	mp := MACPayload{
		FHDR: FHDR{
			DevAddr: devAddr,
			FCnt:    7,
		},
		FPort:      &port,
		FRMPayload: enc,
	}
	mpBytes, err := mp.Marshal(true)
	require.NoError(t, err)

	phy := PHYPayload{
		MHDR:       MHDR{MType: UnconfirmedDataUp},
		MACPayload: mpBytes,
	}
	phy.SetDataMIC(key, devAddr, 7, true)

	wire, err := phy.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, wire, 1+4+1+2+1+4+4)

	// Decode side.
	var got PHYPayload
	require.NoError(t, got.UnmarshalBinary(wire))
	assert.Equal(t, UnconfirmedDataUp, got.MHDR.MType)
	assert.True(t, got.ValidateDataMIC(key, devAddr, 7, true))

	var gotMP MACPayload
	require.NoError(t, gotMP.Unmarshal(got.MACPayload, true))
	assert.Equal(t, devAddr, gotMP.FHDR.DevAddr)
	assert.Equal(t, uint16(7), gotMP.FHDR.FCnt)
	require.NotNil(t, gotMP.FPort)
	assert.Equal(t, port, *gotMP.FPort)

	dec := EncryptFRMPayload(key, devAddr, 7, true, gotMP.FRMPayload)
	assert.Equal(t, plain, dec)
}

func TestMACPayloadRoundTripVariants(t *testing.T) {
	port2 := uint8(2)

	tests := []struct {
		name     string
		mp       MACPayload
		isUplink bool
	}{
		{
			name: "uplink empty frame",
			mp: MACPayload{
				FHDR: FHDR{DevAddr: DevAddr{1, 2, 3, 4}, FCnt: 1},
			},
			isUplink: true,
		},
		{
			name: "uplink with FOpts",
			mp: MACPayload{
				FHDR: FHDR{
					DevAddr: DevAddr{1, 2, 3, 4},
					FCnt:    0xFFFF,
					FOpts:   []byte{0x03, 0x07, 0x02},
					FCtrl:   FCtrl{ADR: true, ADRACKReq: true},
				},
			},
			isUplink: true,
		},
		{
			name: "uplink with FOpts and payload",
			mp: MACPayload{
				FHDR: FHDR{
					DevAddr: DevAddr{9, 8, 7, 6},
					FCnt:    42,
					FOpts:   []byte{0x02},
					FCtrl:   FCtrl{ACK: true},
				},
				FPort:      &port2,
				FRMPayload: []byte{0xDE, 0xAD},
			},
			isUplink: true,
		},
		{
			name: "downlink with FPending",
			mp: MACPayload{
				FHDR: FHDR{
					DevAddr: DevAddr{1, 1, 1, 1},
					FCnt:    3,
					FCtrl:   FCtrl{FPending: true, ACK: true},
				},
				FPort:      &port2,
				FRMPayload: []byte{0x11},
			},
			isUplink: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := tt.mp.Marshal(tt.isUplink)
			require.NoError(t, err)

			var got MACPayload
			require.NoError(t, got.Unmarshal(wire, tt.isUplink))

			assert.Equal(t, tt.mp.FHDR.DevAddr, got.FHDR.DevAddr)
			assert.Equal(t, tt.mp.FHDR.FCnt, got.FHDR.FCnt)
			assert.Equal(t, tt.mp.FHDR.FCtrl, got.FHDR.FCtrl)
			if len(tt.mp.FHDR.FOpts) > 0 {
				assert.Equal(t, tt.mp.FHDR.FOpts, got.FHDR.FOpts)
			}
			if tt.mp.FPort != nil {
				require.NotNil(t, got.FPort)
				assert.Equal(t, *tt.mp.FPort, *got.FPort)
				assert.Equal(t, tt.mp.FRMPayload, got.FRMPayload)
			} else {
				assert.Nil(t, got.FPort)
			}
		})
	}
}

func TestMarshalRejectsPayloadWithoutPort(t *testing.T) {
	mp := MACPayload{
		FHDR:       FHDR{DevAddr: DevAddr{1, 2, 3, 4}},
		FRMPayload: []byte{0x01},
	}
	_, err := mp.Marshal(true)
	assert.Error(t, err)
}

func TestMarshalRejectsOversizedFOpts(t *testing.T) {
	mp := MACPayload{
		FHDR: FHDR{
			DevAddr: DevAddr{1, 2, 3, 4},
			FOpts:   make([]byte, 16),
		},
	}
	_, err := mp.Marshal(true)
	assert.Error(t, err)
}

func TestUnmarshalBinaryErrors(t *testing.T) {
	var phy PHYPayload

	// Shorter than the minimum data frame.
	assert.ErrorIs(t, phy.UnmarshalBinary(make([]byte, 11)), ErrTooShort)

	// Unsupported MType (RFU).
	bad := make([]byte, 12)
	bad[0] = byte(RFU) << 5
	assert.ErrorIs(t, phy.UnmarshalBinary(bad), ErrBadMHDR)
}

func TestValidateDataMICRejectsTamper(t *testing.T) {
	key := mustKey(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	devAddr := DevAddr{1, 2, 3, 4}

	mp := MACPayload{FHDR: FHDR{DevAddr: devAddr, FCnt: 5}}
	mpBytes, err := mp.Marshal(true)
	require.NoError(t, err)

	phy := PHYPayload{MHDR: MHDR{MType: UnconfirmedDataUp}, MACPayload: mpBytes}
	phy.SetDataMIC(key, devAddr, 5, true)
	require.True(t, phy.ValidateDataMIC(key, devAddr, 5, true))

	// Wrong counter, wrong direction, wrong key: all must fail.
	assert.False(t, phy.ValidateDataMIC(key, devAddr, 6, true))
	assert.False(t, phy.ValidateDataMIC(key, devAddr, 5, false))
	other := mustKey(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	assert.False(t, phy.ValidateDataMIC(other, devAddr, 5, true))
}
