package mac

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/metrics"
	"github.com/lorawan-node/lorawan-node/internal/radio"
	"github.com/lorawan-node/lorawan-node/pkg/lorawan"
)

// receivePollInterval paces the synchronous Receive loop.
const receivePollInterval = 10 * time.Millisecond

// Update is the cooperative tick: it advances the RX-window state
// machine, drives confirmed-uplink retries and drains the radio IRQ
// flags. Call it at least every ~100 ms. It never blocks.
func (d *Device) Update() {
	if !d.Joined() {
		return
	}

	d.advanceRxWindows()
	d.handleConfirmation()
	d.pollRadio()
}

// advanceRxWindows acts on the scheduler deadlines: opening windows and
// returning the radio to its resting state when both have elapsed.
func (d *Device) advanceRxWindows() {
	switch d.rx.advance() {
	case rxOpenWindow1:
		if err := d.openWindow(d.configureRX1); err != nil {
			log.Error().Err(err).Msg("opening RX1 failed")
			return
		}
		log.Debug().
			Float64("freq", d.radio.Frequency()).
			Int("sf", d.sf).
			Msg("RX1 window open")

	case rxOpenWindow2:
		if err := d.openWindow(d.configureRX2); err != nil {
			log.Error().Err(err).Msg("opening RX2 failed")
			return
		}
		log.Debug().
			Float64("freq", d.radio.Frequency()).
			Int("sf", d.sf).
			Msg("RX2 window open")

	case rxClose:
		d.rx.close(d.class == ClassC)
		if d.class == ClassC {
			// RX2 parameters are already programmed; stay listening.
			if err := d.radio.SetContinuousReceive(); err != nil {
				log.Error().Err(err).Msg("continuous RX2 failed")
			}
			log.Debug().Msg("RX2 window closed, continuous receive (Class C)")
		} else {
			if err := d.radio.Standby(); err != nil {
				log.Error().Err(err).Msg("standby after RX2 failed")
			}
			log.Debug().Msg("RX2 window closed, standby until next TX (Class A)")
		}
	}
}

func (d *Device) openWindow(configure func() error) error {
	if err := d.radio.Standby(); err != nil {
		return err
	}
	if err := configure(); err != nil {
		return err
	}
	if err := d.radio.ClearIRQFlags(); err != nil {
		return err
	}
	return d.radio.SetContinuousReceive()
}

// handleConfirmation drives the confirmed-uplink retry cadence and the
// retry-exhaustion give-up.
func (d *Device) handleConfirmation() {
	now := d.now()

	if d.confirm.exhausted(now) {
		log.Warn().
			Int("retries", d.confirm.retriesUsed).
			Msg("confirmed uplink never acknowledged, giving up")
		payload, port := d.confirm.pendingPayload, d.confirm.pendingPort
		d.confirm.reset()
		d.emitEvent("not_confirmed", Message{Payload: payload, Port: port, Confirmed: true})
		return
	}

	if !d.confirm.shouldRetry(now) {
		return
	}

	log.Info().
		Int("attempt", d.confirm.retriesUsed+1).
		Int("max", MaxRetries).
		Msg("no ACK received, retransmitting confirmed uplink")

	payload, port := d.confirm.pendingPayload, d.confirm.pendingPort

	// Lift the pending state so Send accepts the retransmission; a
	// failed retry restores it for the next tick.
	saved := d.confirm
	d.confirm.state = ConfirmNone
	if err := d.Send(payload, port, true, false); err != nil {
		log.Error().Err(err).Msg("confirmed retransmission failed")
		d.confirm = saved
	}
}

// pollRadio drains one pending reception, if any.
func (d *Device) pollRadio() {
	// Outside a window, only Class C listens.
	if !d.rx.inWindow() && d.rx.state != RxContinuous {
		return
	}

	flags, err := d.radio.IRQFlags()
	if err != nil {
		log.Error().Err(err).Msg("IRQ read failed")
		return
	}
	if flags&radio.IRQRxDone == 0 {
		return
	}

	if err := d.radio.ClearIRQFlags(); err != nil {
		log.Error().Err(err).Msg("IRQ clear failed")
		return
	}

	if flags&radio.IRQCrcError != 0 {
		// Counters stay untouched on CRC failure.
		metrics.CRCErrors.Inc()
		log.Warn().Msg("CRC error on downlink, dropped")
		d.restartReceive()
		return
	}

	payload, err := d.radio.ReadPayload()
	if err != nil {
		log.Error().Err(err).Msg("payload read failed")
		return
	}

	rssi, _ := d.radio.RSSI()
	snr, _ := d.radio.SNR()
	d.lastRSSI = rssi
	d.lastSNR = snr
	metrics.LastRSSI.Set(float64(rssi))
	metrics.LastSNR.Set(snr)

	d.handleDownlink(payload, rssi, snr)
	d.restartReceive()
}

// restartReceive re-arms reception after a drain so Class C keeps
// listening; inside a timed window the radio is already in continuous
// mode.
func (d *Device) restartReceive() {
	if d.rx.state == RxContinuous || d.rx.inWindow() {
		if err := d.radio.SetContinuousReceive(); err != nil {
			log.Error().Err(err).Msg("re-arming receive failed")
		}
	}
}

// handleDownlink decodes a received frame: address filter, MIC, payload
// decryption, MAC commands, ACK bookkeeping and application delivery.
func (d *Device) handleDownlink(data []byte, rssi int16, snr float64) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(data); err != nil {
		if errors.Is(err, lorawan.ErrBadMHDR) {
			log.Debug().Msg("non-LoRaWAN frame ignored")
		} else {
			log.Debug().Err(err).Int("len", len(data)).Msg("undecodable frame dropped")
		}
		return
	}

	switch phy.MHDR.MType {
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
	default:
		log.Debug().Str("mtype", phy.MHDR.MType.String()).Msg("unexpected message type ignored")
		return
	}

	var mp lorawan.MACPayload
	if err := mp.Unmarshal(phy.MACPayload, false); err != nil {
		log.Debug().Err(err).Msg("malformed downlink dropped")
		return
	}

	// Frames for other devices are dropped silently.
	if mp.FHDR.DevAddr != d.sess.DevAddr {
		return
	}

	if !phy.ValidateDataMIC(d.sess.NwkSKey, d.sess.DevAddr, uint32(mp.FHDR.FCnt), false) {
		metrics.MICFailures.Inc()
		log.Warn().Uint16("fCnt", mp.FHDR.FCnt).Msg("downlink MIC invalid, dropped")
		return
	}

	// Accepted: advance the downlink counter (lower 16 bits are stored)
	// and clear the ADR backoff.
	d.sess.FCntDown = uint32(mp.FHDR.FCnt)
	d.adr.onDownlink()
	d.stats.addSample(snr, int(rssi))
	metrics.DownlinksReceived.Inc()
	d.metricsSync()

	confirmed := phy.MHDR.MType == lorawan.ConfirmedDataDown

	log.Info().
		Uint16("fCnt", mp.FHDR.FCnt).
		Bool("confirmed", confirmed).
		Int16("rssi", rssi).
		Float64("snr", snr).
		Msg("downlink accepted")

	// MAC commands ride in FOpts, or in FRMPayload when FPort is 0.
	if len(mp.FHDR.FOpts) > 0 {
		d.processMACCommands(mp.FHDR.FOpts)
	}

	var appPayload []byte
	var port uint8
	if mp.FPort != nil {
		port = *mp.FPort
		key := d.sess.AppSKey
		if port == 0 {
			key = d.sess.NwkSKey
		}
		plain := lorawan.EncryptFRMPayload(key, d.sess.DevAddr, uint32(mp.FHDR.FCnt), false, mp.FRMPayload)

		if port == 0 {
			d.processMACCommands(plain)
		} else {
			appPayload = plain
		}
	}

	// ACK bit settles a pending confirmed uplink.
	if mp.FHDR.FCtrl.ACK && d.confirm.onAck() {
		log.Info().Msg("ACK received for confirmed uplink")
	}

	// This reception ends the window sequence for the last uplink.
	d.rx.onPacketReceived(d.class == ClassC)

	// A confirmed downlink puts us in ACK debt; Class C answers with an
	// immediate empty uplink (which schedules its own windows), Class A
	// rides the next one.
	if confirmed {
		d.confirm.onConfirmedDownlink()
		if d.class == ClassC {
			if err := d.Send(nil, 0, false, true); err != nil {
				log.Error().Err(err).Msg("immediate ACK uplink failed")
			}
		}
	}

	if mp.FPort != nil && port > 0 {
		msg := Message{
			Payload:   appPayload,
			Port:      port,
			Confirmed: confirmed,
			FCnt:      mp.FHDR.FCnt,
			RSSI:      rssi,
			SNR:       snr,
		}
		d.deliver(msg)
	}
}

// deliver hands a decoded downlink to the application: callback when
// registered, else the Receive queue.
func (d *Device) deliver(msg Message) {
	d.emitEvent("rx", msg)
	if d.onReceive != nil {
		d.onReceive(msg)
		return
	}
	d.rxQueue = append(d.rxQueue, msg)
}

// Receive is the synchronous alternative to the OnReceive callback: it
// drives Update until a downlink is decoded or the timeout elapses.
func (d *Device) Receive(msg *Message, timeout time.Duration) bool {
	if !d.Joined() {
		return false
	}

	deadline := d.now().Add(timeout)
	for {
		if len(d.rxQueue) > 0 {
			*msg = d.rxQueue[0]
			d.rxQueue = d.rxQueue[1:]
			return true
		}
		if d.now().After(deadline) {
			return false
		}
		d.Update()
		d.sleep(receivePollInterval)
	}
}
