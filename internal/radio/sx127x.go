package radio

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// SX127x drives a Semtech SX1276-family transceiver over the SPI
// capability. All mutating calls leave the LoRa long-range bit set.
type SX127x struct {
	spi SPI

	frequency float64 // MHz
	sf        int
	bandwidth float64 // kHz
	txTimeout time.Duration
}

// NewSX127x wraps an SPI bus. Call Init before any other operation.
func NewSX127x(bus SPI) *SX127x {
	return &SX127x{
		spi:       bus,
		frequency: 868.1,
		sf:        9,
		bandwidth: 125,
		txTimeout: 10 * time.Second,
	}
}

// Init checks the silicon version and prepares the modem: sleep to switch
// into LoRa mode, FIFO base pointers at zero, explicit header, CRC on.
func (r *SX127x) Init() error {
	v, err := r.ReadRegister(RegVersion)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if v != chipVersion {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrVersionMismatch, v, chipVersion)
	}

	if err := r.setMode(ModeSleep); err != nil {
		return err
	}

	if err := r.WriteRegister(RegFifoTxBaseAddr, 0); err != nil {
		return err
	}
	if err := r.WriteRegister(RegFifoRxBaseAddr, 0); err != nil {
		return err
	}

	// Explicit header mode, CRC on.
	mc1, err := r.ReadRegister(RegModemConfig1)
	if err != nil {
		return err
	}
	if err := r.WriteRegister(RegModemConfig1, mc1&0xfe); err != nil {
		return err
	}
	mc2, err := r.ReadRegister(RegModemConfig2)
	if err != nil {
		return err
	}
	if err := r.WriteRegister(RegModemConfig2, mc2|0x04); err != nil {
		return err
	}

	// Auto AGC.
	if err := r.WriteRegister(RegModemConfig3, 0x04); err != nil {
		return err
	}

	return r.setMode(ModeStandby)
}

func (r *SX127x) setMode(mode byte) error {
	return r.WriteRegister(RegOpMode, ModeLongRange|mode)
}

// SetFrequency programs the carrier in MHz via the 19-bit FRF registers.
func (r *SX127x) SetFrequency(mhz float64) error {
	frf := uint64(mhz*1e6) << 19 / rfCrystalHz

	if err := r.WriteRegister(RegFrfMsb, byte(frf>>16)); err != nil {
		return err
	}
	if err := r.WriteRegister(RegFrfMid, byte(frf>>8)); err != nil {
		return err
	}
	if err := r.WriteRegister(RegFrfLsb, byte(frf)); err != nil {
		return err
	}

	r.frequency = mhz
	return nil
}

// Frequency returns the last programmed carrier in MHz.
func (r *SX127x) Frequency() float64 {
	return r.frequency
}

// SetTxPower programs output power in dBm. With paBoost the PA_BOOST pin
// is used (2..17 dBm); without it, the RFO pin (0..14 dBm).
func (r *SX127x) SetTxPower(dBm int8, paBoost bool) error {
	if paBoost {
		if dBm < 2 {
			dBm = 2
		}
		if dBm > 17 {
			dBm = 17
		}
		return r.WriteRegister(RegPaConfig, paBoostBit|byte(dBm-2))
	}

	if dBm < 0 {
		dBm = 0
	}
	if dBm > 14 {
		dBm = 14
	}
	return r.WriteRegister(RegPaConfig, 0x70|byte(dBm))
}

// SetSpreadingFactor programs SF6..SF12 (clamped) with the matching detection
// optimize/threshold values.
func (r *SX127x) SetSpreadingFactor(sf int) error {
	if sf < 6 {
		sf = 6
	}
	if sf > 12 {
		sf = 12
	}

	detectionOptimize := byte(0xc3)
	detectionThreshold := byte(0x0a)
	if sf == 6 {
		detectionOptimize = 0xc5
		detectionThreshold = 0x0c
	}

	if err := r.WriteRegister(RegDetectionOptimize, detectionOptimize); err != nil {
		return err
	}
	if err := r.WriteRegister(RegDetectionThreshold, detectionThreshold); err != nil {
		return err
	}

	mc, err := r.ReadRegister(RegModemConfig2)
	if err != nil {
		return err
	}
	if err := r.WriteRegister(RegModemConfig2, (mc&0x0f)|byte(sf)<<4); err != nil {
		return err
	}

	r.sf = sf
	return nil
}

// SetBandwidth programs the channel bandwidth in kHz.
func (r *SX127x) SetBandwidth(khz float64) error {
	var bw byte
	switch {
	case khz <= 7.8:
		bw = 0
	case khz <= 10.4:
		bw = 1
	case khz <= 15.6:
		bw = 2
	case khz <= 20.8:
		bw = 3
	case khz <= 31.25:
		bw = 4
	case khz <= 41.7:
		bw = 5
	case khz <= 62.5:
		bw = 6
	case khz <= 125:
		bw = 7
	case khz <= 250:
		bw = 8
	default:
		bw = 9
	}

	mc, err := r.ReadRegister(RegModemConfig1)
	if err != nil {
		return err
	}
	if err := r.WriteRegister(RegModemConfig1, (mc&0x0f)|bw<<4); err != nil {
		return err
	}

	r.bandwidth = khz
	return nil
}

// SetCodingRate programs the 4/denominator coding rate, denominator 5..8.
func (r *SX127x) SetCodingRate(denominator int) error {
	if denominator < 5 {
		denominator = 5
	}
	if denominator > 8 {
		denominator = 8
	}

	mc, err := r.ReadRegister(RegModemConfig1)
	if err != nil {
		return err
	}
	return r.WriteRegister(RegModemConfig1, (mc&0xf1)|byte(denominator-4)<<1)
}

// SetPreambleLength programs the preamble symbol count.
func (r *SX127x) SetPreambleLength(length uint16) error {
	if err := r.WriteRegister(RegPreambleMsb, byte(length>>8)); err != nil {
		return err
	}
	return r.WriteRegister(RegPreambleLsb, byte(length))
}

// SetSyncWord programs the sync word (0x34 for public LoRaWAN).
func (r *SX127x) SetSyncWord(sw byte) error {
	return r.WriteRegister(RegSyncWord, sw)
}

// SetLNA programs the LNA gain preset and the high-frequency boost.
func (r *SX127x) SetLNA(gain byte, boost bool) error {
	v := gain
	if boost {
		v |= 0x03
	}
	return r.WriteRegister(RegLna, v)
}

// SetInvertIQ flips I/Q polarity; downlinks are transmitted inverted so
// gateways do not hear each other.
func (r *SX127x) SetInvertIQ(invert bool) error {
	if invert {
		if err := r.WriteRegister(RegInvertIQ, invertIQOnRx); err != nil {
			return err
		}
		return r.WriteRegister(RegInvertIQ2, invertIQ2On)
	}
	if err := r.WriteRegister(RegInvertIQ, invertIQOff); err != nil {
		return err
	}
	return r.WriteRegister(RegInvertIQ2, invertIQ2Off)
}

// Send writes the payload into the FIFO, switches to TX and polls until
// TxDone or timeout. The radio ends in standby.
func (r *SX127x) Send(data []byte) error {
	if len(data) > maxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes", len(data))
	}

	if err := r.setMode(ModeStandby); err != nil {
		return err
	}
	if err := r.ClearIRQFlags(); err != nil {
		return err
	}
	if err := r.WriteRegister(RegFifoAddrPtr, 0); err != nil {
		return err
	}
	if err := r.WriteRegister(RegPayloadLength, byte(len(data))); err != nil {
		return err
	}
	for _, b := range data {
		if err := r.WriteRegister(RegFifo, b); err != nil {
			return err
		}
	}

	if err := r.setMode(ModeTx); err != nil {
		return err
	}

	deadline := time.Now().Add(r.txTimeout)
	for time.Now().Before(deadline) {
		flags, err := r.IRQFlags()
		if err != nil {
			return err
		}
		if flags&IRQTxDone != 0 {
			if err := r.ClearIRQFlags(); err != nil {
				return err
			}
			return r.setMode(ModeStandby)
		}
		time.Sleep(time.Millisecond)
	}

	log.Warn().Int("bytes", len(data)).Msg("tx-done flag never raised")
	return ErrTxTimeout
}

// SetContinuousReceive arms RXCONTINUOUS mode.
func (r *SX127x) SetContinuousReceive() error {
	if err := r.WriteRegister(RegDioMapping1, 0x00); err != nil {
		return err
	}
	return r.setMode(ModeRxContinuous)
}

// Standby puts the modem in standby.
func (r *SX127x) Standby() error {
	return r.setMode(ModeStandby)
}

// Sleep powers the modem down.
func (r *SX127x) Sleep() error {
	return r.setMode(ModeSleep)
}

// ClearIRQFlags acknowledges every pending IRQ.
func (r *SX127x) ClearIRQFlags() error {
	flags, err := r.ReadRegister(RegIrqFlags)
	if err != nil {
		return err
	}
	return r.WriteRegister(RegIrqFlags, flags)
}

// IRQFlags reads the pending IRQ bits without acknowledging them.
func (r *SX127x) IRQFlags() (byte, error) {
	return r.ReadRegister(RegIrqFlags)
}

// ReadPayload drains the packet at the current RX FIFO position.
func (r *SX127x) ReadPayload() ([]byte, error) {
	n, err := r.ReadRegister(RegRxNbBytes)
	if err != nil {
		return nil, err
	}

	rxAddr, err := r.ReadRegister(RegFifoRxCurrentAddr)
	if err != nil {
		return nil, err
	}
	if err := r.WriteRegister(RegFifoAddrPtr, rxAddr); err != nil {
		return nil, err
	}

	payload := make([]byte, n)
	for i := range payload {
		payload[i], err = r.ReadRegister(RegFifo)
		if err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// RSSI returns the last packet RSSI in dBm, offset per the band in use.
func (r *SX127x) RSSI() (int16, error) {
	rssi, err := r.ReadRegister(RegPktRssiValue)
	if err != nil {
		return 0, err
	}

	if r.frequency < 525 {
		return int16(rssi) - 164, nil
	}
	return int16(rssi) - 157, nil
}

// SNR returns the last packet SNR in dB (0.25 dB steps, signed).
func (r *SX127x) SNR() (float64, error) {
	snr, err := r.ReadRegister(RegPktSnrValue)
	if err != nil {
		return 0, err
	}
	return float64(int8(snr)) * 0.25, nil
}

// ReadRegister reads one register over SPI (MSB clear selects read).
func (r *SX127x) ReadRegister(addr byte) (byte, error) {
	w := []byte{addr & 0x7f, 0x00}
	rd := make([]byte, len(w))
	if err := r.spi.Tx(w, rd); err != nil {
		return 0, err
	}
	return rd[1], nil
}

// WriteRegister writes one register over SPI (MSB set selects write).
func (r *SX127x) WriteRegister(addr byte, value byte) error {
	w := []byte{addr | 0x80, value}
	return r.spi.Tx(w, make([]byte, len(w)))
}
