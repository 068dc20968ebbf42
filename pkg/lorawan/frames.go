package lorawan

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame decode errors.
var (
	ErrTooShort     = errors.New("frame too short")
	ErrBadMHDR      = errors.New("unsupported message type")
	ErrBadMIC       = errors.New("invalid MIC")
	ErrWrongDevAddr = errors.New("DevAddr mismatch")
)

// minDataFrameLen is MHDR(1) + DevAddr(4) + FCtrl(1) + FCnt(2) + MIC(4).
const minDataFrameLen = 12

// MaxFOptsLen is the FOpts capacity encoded in FCtrl.
const MaxFOptsLen = 15

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(isUplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > MaxFOptsLen {
		return nil, fmt.Errorf("FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}
	if m.FPort == nil && len(m.FRMPayload) > 0 {
		return nil, fmt.Errorf("FRMPayload present without FPort")
	}

	var data []byte

	// DevAddr
	data = append(data, m.FHDR.DevAddr[:]...)

	// FCtrl
	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	// FCnt (16-bit, little-endian)
	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))

	// FOpts
	data = append(data, m.FHDR.FOpts...)

	// FPort is written whenever set, even with an empty FRMPayload; a
	// FRMPayload without FPort was rejected above.
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return ErrTooShort
	}

	pos := 0

	// DevAddr (4 bytes)
	copy(m.FHDR.DevAddr[:], data[pos:pos+4])
	pos += 4

	// FCtrl (1 byte)
	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = (fctrl & 0x80) != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	// FCnt (2 bytes)
	m.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	// FOpts (variable length)
	m.FHDR.FOpts = nil
	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return ErrTooShort
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	// FPort and FRMPayload (optional)
	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.Byte())
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < minDataFrameLen {
		return ErrTooShort
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)

	switch p.MHDR.MType {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
	case JoinRequest, JoinAccept:
	default:
		return ErrBadMHDR
	}

	p.MACPayload = data[1 : len(data)-4]
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// dataMICBlock builds the B0 block and concatenates the frame for data
// MIC computation:
//
//	B0 = 0x49 | 0x00*4 | Dir | DevAddr(LE) | FCnt(LE,4) | 0x00 | len(msg)
func dataMICBlock(devAddr DevAddr, fCnt uint32, uplink bool, msg []byte) []byte {
	var b0 [16]byte
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	copy(b0[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(msg))

	out := make([]byte, 0, 16+len(msg))
	out = append(out, b0[:]...)
	out = append(out, msg...)
	return out
}

// SetDataMIC computes and stores the 4-byte MIC over B0 | MHDR | MACPayload
// using the network session key.
func (p *PHYPayload) SetDataMIC(nwkSKey AES128Key, devAddr DevAddr, fCnt uint32, uplink bool) {
	msg := make([]byte, 0, 1+len(p.MACPayload))
	msg = append(msg, p.MHDR.Byte())
	msg = append(msg, p.MACPayload...)

	p.MIC = CalculateMIC(nwkSKey, dataMICBlock(devAddr, fCnt, uplink, msg))
}

// ValidateDataMIC recomputes the data MIC and compares it against the
// received one.
func (p *PHYPayload) ValidateDataMIC(nwkSKey AES128Key, devAddr DevAddr, fCnt uint32, uplink bool) bool {
	msg := make([]byte, 0, 1+len(p.MACPayload))
	msg = append(msg, p.MHDR.Byte())
	msg = append(msg, p.MACPayload...)

	return CalculateMIC(nwkSKey, dataMICBlock(devAddr, fCnt, uplink, msg)) == p.MIC
}

// BuildJoinRequest serializes a Join-Request with its MIC:
//
//	MHDR(0x00) | AppEUI(LE) | DevEUI(LE) | DevNonce(LE) | MIC
//
// EUIs are held MSB-first and reversed onto the wire.
func BuildJoinRequest(appKey AES128Key, req JoinRequestPayload) []byte {
	packet := make([]byte, 0, 23)
	packet = append(packet, MHDR{MType: JoinRequest}.Byte())

	for i := 7; i >= 0; i-- {
		packet = append(packet, req.AppEUI[i])
	}
	for i := 7; i >= 0; i-- {
		packet = append(packet, req.DevEUI[i])
	}

	packet = append(packet, byte(req.DevNonce), byte(req.DevNonce>>8))

	mic := CalculateMIC(appKey, packet)
	return append(packet, mic[:]...)
}

// ParseJoinAccept decrypts a received Join-Accept, verifies its MIC and
// parses the fields. packet is the raw frame as read from the radio
// (17 or 33 bytes).
func ParseJoinAccept(appKey AES128Key, packet []byte) (*JoinAcceptPayload, error) {
	if len(packet) != 17 && len(packet) != 33 {
		return nil, ErrTooShort
	}
	if MType((packet[0]>>5)&0x07) != JoinAccept {
		return nil, ErrBadMHDR
	}

	// MHDR is cleartext; the rest decrypts via the ECB encrypt operation.
	body, err := DecryptJoinAccept(appKey, packet[1:])
	if err != nil {
		return nil, err
	}

	plain := make([]byte, 0, len(packet))
	plain = append(plain, packet[0])
	plain = append(plain, body...)

	var mic [4]byte
	copy(mic[:], plain[len(plain)-4:])
	if CalculateMIC(appKey, plain[:len(plain)-4]) != mic {
		return nil, ErrBadMIC
	}

	ja := &JoinAcceptPayload{}
	copy(ja.AppNonce[:], plain[1:4])
	copy(ja.NetID[:], plain[4:7])
	copy(ja.DevAddr[:], plain[7:11])
	ja.DLSettings.RX1DROffset = (plain[11] >> 4) & 0x07
	ja.DLSettings.RX2DataRate = plain[11] & 0x0F
	ja.RxDelay = plain[12]

	if len(plain) > 17 {
		ja.CFList = make([]byte, len(plain)-17)
		copy(ja.CFList, plain[13:len(plain)-4])
	}

	return ja, nil
}
