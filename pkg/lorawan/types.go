package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length")
	}

	copy(e[:], b)
	return nil
}

// ParseEUI64 parses an EUI from a 16-character hex string, big-endian as
// written (MSB first).
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, fmt.Errorf("parse EUI64: %w", err)
	}
	if len(b) != 8 {
		return e, fmt.Errorf("invalid EUI64 length: %d", len(b))
	}
	copy(e[:], b)
	return e, nil
}

// DevAddr represents a 4-byte device address, stored in on-wire
// (little-endian) byte order.
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the address is all zeros.
func (d DevAddr) IsZero() bool {
	return d == DevAddr{}
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is all zeros.
func (k AES128Key) IsZero() bool {
	return k == AES128Key{}
}

// ParseAES128Key parses a key from a 32-character hex string.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parse AES128Key: %w", err)
	}
	if len(b) != 16 {
		return k, fmt.Errorf("invalid AES128Key length: %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

// String returns the message type name.
func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case Proprietary:
		return "Proprietary"
	}
	return "RFU"
}

// IsUplink reports whether the message type travels device to network.
func (m MType) IsUplink() bool {
	return m == JoinRequest || m == UnconfirmedDataUp || m == ConfirmedDataUp
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWAN1_0 Major = 0
)

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte encodes the header into its single-byte wire form.
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)
}

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload represents join request
type JoinRequestPayload struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce uint16
}

// JoinAcceptPayload represents the decrypted join accept
type JoinAcceptPayload struct {
	AppNonce   [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings represents downlink settings
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}
