package mac

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/metrics"
	"github.com/lorawan-node/lorawan-node/pkg/lorawan"
)

// Send transmits an application uplink. Uplinks are strictly FIFO; the
// frame counter increments by exactly one per successful transmission,
// confirmed or not. When the duty-cycle gate blocks and the device is
// configured to block, Send sleeps through the mandatory wait; otherwise
// it returns a DutyCycleError.
func (d *Device) Send(payload []byte, port uint8, confirmed bool, forceDutyCycle bool) error {
	if !d.Joined() {
		return ErrNotJoined
	}
	if confirmed && d.confirm.state == WaitingAck {
		return ErrConfirmPending
	}

	ackBit := d.confirm.state == AckPending

	if err := d.radio.Standby(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}

	// Channel selection: pinned frequency in single-channel mode, else
	// the active channel with the lowest duty-cycle usage.
	var txFreq float64
	if d.singleChannel {
		txFreq = d.singleChannelFreq
		if err := d.setFrequency(txFreq); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
		if err := d.setSpreadingFactor(d.singleChannelSF); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
		if err := d.setBandwidth(d.singleChannelBW); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
	} else {
		ch := d.lowestUsageChannel()
		if err := d.setFrequencyForChannel(ch); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
		txFreq = d.channelFreq[ch]
		if err := d.setSpreadingFactor(d.sf); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
		if err := d.setBandwidth(d.bw); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
	}

	uplinkSetup := []func() error{
		func() error { return d.setCodingRate(d.cr) },
		func() error { return d.setPreamble(d.preamble) },
		func() error { return d.setInvertIQ(false) },
		func() error { return d.setSyncWord(0x34) },
	}
	for _, step := range uplinkSetup {
		if err := step(); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
	}
	d.updateDataRateFromSF()

	// Duty-cycle gate runs before frame assembly so a non-blocking
	// refusal does not consume pending MAC answers.
	airtime := TimeOnAir(len(payload), d.sf, d.bw, d.cr, d.preamble)
	if !forceDutyCycle {
		if ok, waitMs := d.duty.check(txFreq, airtime); !ok {
			metrics.DutyCycleBlocks.Inc()
			if !d.blockOnDutyCycle {
				return &DutyCycleError{Wait: time.Duration(waitMs) * time.Millisecond}
			}
			log.Info().Int64("waitMs", waitMs).Float64("freq", txFreq).Msg("sleeping for duty cycle")
			d.sleep(time.Duration(waitMs) * time.Millisecond)
		}
	}

	packet, err := d.buildDataUplink(payload, port, confirmed, ackBit)
	if err != nil {
		return err
	}

	if err := d.radio.ClearIRQFlags(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if err := d.radio.Send(packet); err != nil {
		d.rx.state = RxIdle
		if d.class == ClassC {
			if cErr := d.enterContinuousRX2(); cErr != nil {
				log.Error().Err(cErr).Msg("continuous RX2 after failed TX")
			} else {
				d.rx.state = RxContinuous
			}
		}
		return fmt.Errorf("radio: %w", err)
	}

	if err := d.radio.Standby(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}

	// TX completed: account, count, arm the receive windows.
	d.duty.record(txFreq, airtime)
	d.sess.FCntUp++
	d.adr.onUplink()
	d.rx.armAfterTx()
	metrics.UplinksSent.Inc()

	if d.adr.shouldStepDown() {
		d.stepDownDataRate()
	}

	if confirmed {
		d.confirm.onConfirmedSent(payload, port, d.now())
		if d.confirm.retriesUsed > 1 {
			metrics.ConfirmRetries.Inc()
		}
		log.Debug().
			Int("attempt", d.confirm.retriesUsed).
			Int("max", MaxRetries).
			Msg("confirmed uplink sent, waiting for ACK")
	}
	if ackBit {
		// The owed ACK went out with this frame.
		d.confirm.reset()
	}

	d.persist()
	d.metricsSync()

	log.Info().
		Uint32("fCnt", d.sess.FCntUp-1).
		Uint8("port", port).
		Int("bytes", len(payload)).
		Float64("freq", txFreq).
		Int("sf", d.sf).
		Bool("confirmed", confirmed).
		Msg("uplink sent")

	d.emitEvent("up", Message{
		Payload:   payload,
		Port:      port,
		Confirmed: confirmed,
		FCnt:      uint16(d.sess.FCntUp - 1),
	})

	return nil
}

// buildDataUplink assembles MHDR|FHDR|FPort|FRMPayload|MIC with any
// pending MAC answers piggy-backed in FOpts.
func (d *Device) buildDataUplink(payload []byte, port uint8, confirmed bool, ackBit bool) ([]byte, error) {
	mtype := lorawan.UnconfirmedDataUp
	if confirmed {
		mtype = lorawan.ConfirmedDataUp
	}

	// Drain up to 15 bytes of pending MAC answers into FOpts.
	var fOpts []byte
	if n := len(d.pendingMAC); n > 0 {
		if n > lorawan.MaxFOptsLen {
			n = lorawan.MaxFOptsLen
		}
		fOpts = d.pendingMAC[:n]
		d.pendingMAC = d.pendingMAC[n:]
		log.Debug().Int("bytes", len(fOpts)).Msg("piggy-backing MAC answers in FOpts")
	}

	macPayload := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: d.sess.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:       d.adr.enabled,
				ADRACKReq: d.adr.shouldRequestAck(),
				ACK:       ackBit,
			},
			FCnt:  uint16(d.sess.FCntUp),
			FOpts: fOpts,
		},
	}

	// FPort is present iff FRMPayload is non-empty.
	if len(payload) > 0 {
		key := d.sess.AppSKey
		if port == 0 {
			key = d.sess.NwkSKey
		}
		macPayload.FPort = &port
		macPayload.FRMPayload = lorawan.EncryptFRMPayload(key, d.sess.DevAddr, d.sess.FCntUp, true, payload)
	}

	mp, err := macPayload.Marshal(true)
	if err != nil {
		return nil, fmt.Errorf("assemble uplink: %w", err)
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype},
		MACPayload: mp,
	}
	phy.SetDataMIC(d.sess.NwkSKey, d.sess.DevAddr, d.sess.FCntUp, true)

	return phy.MarshalBinary()
}

// stepDownDataRate is the ADR backoff: one data-rate step down (slower,
// longer range) and TX power back toward the regional maximum.
func (d *Device) stepDownDataRate() {
	newDR := d.dataRate
	if newDR > 0 {
		newDR--
	}
	sf, bw, ok := d.plan.DataRateToSFBW(newDR)
	if !ok {
		return
	}

	power := d.power + 2
	if power > d.plan.MaxEIRP {
		power = d.plan.MaxEIRP
	}

	if err := d.applyTxParams(sf, bw, power); err != nil {
		log.Error().Err(err).Msg("ADR step-down failed")
		return
	}
	d.dataRate = newDR
	d.adr.onStepDown()

	log.Info().
		Int("dr", newDR).
		Int("sf", sf).
		Int("power", power).
		Msg("ADR backoff: data rate stepped down")
}
