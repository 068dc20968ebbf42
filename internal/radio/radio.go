// Package radio provides the SX127x radio-control capability used by the
// MAC core, on top of an abstract SPI bus.
package radio

import (
	"errors"
)

// SX127x IRQ flag bits (RegIrqFlags).
const (
	IRQCadDetected byte = 0x01
	IRQCadDone     byte = 0x02
	IRQRxTimeout   byte = 0x04
	IRQTxDone      byte = 0x08
	IRQValidHeader byte = 0x10
	IRQCrcError    byte = 0x20
	IRQRxDone      byte = 0x40
)

// LNA gain presets (RegLna top bits).
const (
	LNAMaxGain  byte = 0x23
	LNAHighGain byte = 0x20
	LNAMedGain  byte = 0x13
	LNALowGain  byte = 0x03
	LNAOff      byte = 0x00
)

var (
	ErrVersionMismatch = errors.New("radio version mismatch")
	ErrTxTimeout       = errors.New("tx-done timeout")
)

// Radio is the control capability the MAC core consumes. The MAC core is
// the sole owner of the handle; every setter mirrors into the core's
// shadow state.
type Radio interface {
	SetFrequency(mhz float64) error
	Frequency() float64
	SetTxPower(dBm int8, paBoost bool) error
	SetSpreadingFactor(sf int) error
	SetBandwidth(khz float64) error
	SetCodingRate(denominator int) error
	SetPreambleLength(length uint16) error
	SetSyncWord(sw byte) error
	SetLNA(gain byte, boost bool) error
	SetInvertIQ(invert bool) error

	Send(data []byte) error
	SetContinuousReceive() error
	Standby() error
	Sleep() error

	ClearIRQFlags() error
	IRQFlags() (byte, error)
	ReadPayload() ([]byte, error)

	RSSI() (int16, error)
	SNR() (float64, error)

	ReadRegister(addr byte) (byte, error)
	WriteRegister(addr byte, value byte) error
}
