package mac

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/region"
	"github.com/lorawan-node/lorawan-node/pkg/lorawan"
)

// processMACCommands decodes the downlink command stream (FOpts or a
// port-0 FRMPayload) and applies each command in order. Answers accrue in
// the pending-response buffer for the next uplink's FOpts. An unknown CID
// aborts the remainder but keeps the answers generated so far.
func (d *Device) processMACCommands(data []byte) {
	commands, err := lorawan.ParseMACCommands(false, data)
	if err != nil && !errors.Is(err, lorawan.ErrUnknownMACCommand) {
		log.Warn().Err(err).Msg("malformed MAC command stream")
	}
	if errors.Is(err, lorawan.ErrUnknownMACCommand) {
		log.Warn().Err(err).Msg("MAC command parsing stopped")
	}

	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckAns:
			d.handleLinkCheckAns(cmd.Payload)
		case lorawan.LinkADRReq:
			d.handleLinkADRReq(cmd.Payload)
		case lorawan.DutyCycleReq:
			d.handleDutyCycleReq(cmd.Payload)
		case lorawan.RXParamSetupReq:
			d.handleRxParamSetupReq(cmd.Payload)
		case lorawan.DevStatusReq:
			d.handleDevStatusReq()
		case lorawan.NewChannelReq:
			d.handleNewChannelReq(cmd.Payload)
		case lorawan.RXTimingSetupReq:
			d.handleRxTimingSetupReq(cmd.Payload)
		default:
			log.Warn().Uint8("cid", cmd.CID).Msg("unhandled MAC command")
		}
	}
}

// enqueueMACResponse appends answer bytes for the next uplink, bounded by
// the FOpts capacity.
func (d *Device) enqueueMACResponse(b ...byte) {
	if len(d.pendingMAC)+len(b) > lorawan.MaxFOptsLen {
		log.Warn().
			Int("pending", len(d.pendingMAC)).
			Int("add", len(b)).
			Msg("FOpts full, dropping MAC answer")
		return
	}
	d.pendingMAC = append(d.pendingMAC, b...)
}

// handleLinkCheckAns delivers the network's link margin report.
func (d *Device) handleLinkCheckAns(payload []byte) {
	if len(payload) != 2 {
		return
	}

	margin := payload[0]
	gwCnt := payload[1]

	log.Info().
		Uint8("margin", margin).
		Uint8("gwCnt", gwCnt).
		Msg("link check answer")

	if d.onLinkCheck != nil {
		d.onLinkCheck(margin, gwCnt)
	}
}

// handleLinkADRReq validates the requested data rate, TX power and
// channel mask; commits all three atomically on full success. Status
// bits: 0=ChMaskAck, 1=DataRateAck, 2=PowerAck.
func (d *Device) handleLinkADRReq(payload []byte) {
	if len(payload) != 4 {
		return
	}

	dr := int(payload[0]>>4) & 0x0F
	txPower := int(payload[0]) & 0x0F
	chMask := uint16(payload[1]) | uint16(payload[2])<<8
	chMaskCntl := (payload[3] >> 4) & 0x07
	nbRep := int(payload[3]) & 0x0F
	if nbRep < 1 {
		nbRep = 1
	}

	status := byte(0b111)

	sf, bw, drOK := d.plan.DataRateToSFBW(dr)
	if !drOK {
		status &^= 0x02
		log.Warn().Int("dr", dr).Str("region", string(d.plan.Name)).Msg("LinkADRReq: invalid data rate")
	}

	powerDBm, powerOK := d.plan.TXPowerDBm(txPower)
	if !powerOK {
		status &^= 0x04
		log.Warn().Int("txPower", txPower).Msg("LinkADRReq: invalid TX power index")
	}

	// For a 16-channel device plan only ChMaskCntl 0 (apply mask) and 6
	// (all defined channels on) are meaningful; the bank controls of the
	// 72-channel plans do not apply.
	var newEnabled [region.MaxChannels]bool
	maskOK := true
	switch chMaskCntl {
	case 0:
		any := false
		for i := 0; i < region.MaxChannels; i++ {
			on := chMask&(1<<i) != 0
			if on && d.channelFreq[i] == 0 {
				// Enabling a channel with no configured frequency.
				maskOK = false
			}
			newEnabled[i] = on && d.channelFreq[i] > 0
			any = any || newEnabled[i]
		}
		if !any {
			maskOK = false
		}
	case 6:
		for i := 0; i < region.MaxChannels; i++ {
			newEnabled[i] = d.channelFreq[i] > 0
		}
	default:
		maskOK = false
	}
	if !maskOK {
		status &^= 0x01
		log.Warn().
			Uint16("chMask", chMask).
			Uint8("chMaskCntl", chMaskCntl).
			Msg("LinkADRReq: invalid channel mask")
	}

	if status == 0b111 {
		d.channelEnabled = newEnabled
		d.nbRep = nbRep

		if err := d.applyTxParams(sf, bw, powerDBm); err != nil {
			log.Error().Err(err).Msg("LinkADRReq: radio programming failed")
		} else {
			d.dataRate = dr
			d.adr.onDownlink()
			log.Info().
				Int("dr", dr).
				Int("sf", sf).
				Float64("bw", bw).
				Int("power", powerDBm).
				Int("nbRep", nbRep).
				Msg("LinkADRReq applied")
		}
	}

	d.enqueueMACResponse(lorawan.LinkADRAns, status)
}

// handleDutyCycleReq caps the aggregated duty cycle at 2^-MaxDCycle.
func (d *Device) handleDutyCycleReq(payload []byte) {
	if len(payload) != 1 {
		return
	}

	maxDCycle := payload[0]
	d.duty.setMaxDCycle(maxDCycle)

	log.Info().Uint8("maxDCycle", maxDCycle).Msg("DutyCycleReq applied")

	d.enqueueMACResponse(lorawan.DutyCycleAns)
}

// handleRxParamSetupReq reconfigures RX1 offset and the RX2 window.
// Status bits: 0=ChannelAck, 1=RX2DRAck, 2=RX1DROffsetAck.
func (d *Device) handleRxParamSetupReq(payload []byte) {
	if len(payload) != 4 {
		return
	}

	dlSettings := payload[0]
	rx1DROffset := int(dlSettings>>4) & 0x07
	rx2DR := int(dlSettings) & 0x0F

	// 24-bit frequency in 100 Hz steps.
	freqValue := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16
	rx2Freq := float64(freqValue) / 10000.0

	status := byte(0b111)

	if rx1DROffset > 7 {
		status &^= 0x04
	}
	if _, _, ok := d.plan.DataRateToSFBW(rx2DR); !ok {
		status &^= 0x02
	}
	if rx2Freq < 100 || rx2Freq > 1000 {
		status &^= 0x01
	}

	if status == 0b111 {
		d.rx1DROffset = rx1DROffset
		d.rx2DataRate = rx2DR
		d.rx2Freq = rx2Freq
		log.Info().
			Int("rx1DROffset", rx1DROffset).
			Int("rx2DR", rx2DR).
			Float64("rx2Freq", rx2Freq).
			Msg("RxParamSetupReq applied")
	} else {
		log.Warn().Uint8("status", status).Msg("RxParamSetupReq rejected")
	}

	d.enqueueMACResponse(lorawan.RXParamSetupAns, status)
}

// handleDevStatusReq reports battery level and the demodulation margin of
// recent downlinks, clamped to [-32, 31] dB.
func (d *Device) handleDevStatusReq() {
	margin := d.stats.averageSNR()
	if margin < -32 {
		margin = -32
	}
	if margin > 31 {
		margin = 31
	}

	d.enqueueMACResponse(lorawan.DevStatusAns, d.batteryLevel, byte(int8(margin)))

	log.Debug().
		Uint8("battery", d.batteryLevel).
		Int8("margin", int8(margin)).
		Msg("DevStatusReq answered")
}

// handleNewChannelReq creates, retunes or disables one channel. The three
// default channels are immutable. Status bits: 0=FreqAck, 1=DRRangeAck.
func (d *Device) handleNewChannelReq(payload []byte) {
	if len(payload) != 5 {
		return
	}

	chIdx := int(payload[0])
	freqValue := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16
	freq := float64(freqValue) / 10000.0
	minDR := int(payload[4]) & 0x0F
	maxDR := int(payload[4]>>4) & 0x0F

	status := byte(0b11)

	if chIdx < 3 || chIdx >= region.MaxChannels {
		// Default channels cannot be modified.
		status = 0
	}
	if freq != 0 && (freq < 100 || freq > 1000) {
		status &^= 0x01
	}
	if minDR > maxDR || maxDR > d.plan.MaxDR() {
		status &^= 0x02
	}

	if status == 0b11 && chIdx >= 3 && chIdx < region.MaxChannels {
		if freq == 0 {
			d.channelEnabled[chIdx] = false
			log.Info().Int("channel", chIdx).Msg("NewChannelReq: channel disabled")
		} else {
			d.channelFreq[chIdx] = freq
			d.channelEnabled[chIdx] = true
			log.Info().Int("channel", chIdx).Float64("freq", freq).Msg("NewChannelReq: channel configured")
		}
		d.duty.setChannels(d.channelFreq)
	}

	d.enqueueMACResponse(lorawan.NewChannelAns, status)
}

// handleRxTimingSetupReq sets RECEIVE_DELAY1 in seconds (0 means 1).
func (d *Device) handleRxTimingSetupReq(payload []byte) {
	if len(payload) != 1 {
		return
	}

	delay := int(payload[0]) & 0x0F
	if delay == 0 {
		delay = 1
	}
	d.rx.delay1 = time.Duration(delay) * time.Second

	log.Info().Int("delay_s", delay).Msg("RxTimingSetupReq applied")

	d.enqueueMACResponse(lorawan.RXTimingSetupAns)
}
