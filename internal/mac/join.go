package mac

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/metrics"
	"github.com/lorawan-node/lorawan-node/internal/radio"
	"github.com/lorawan-node/lorawan-node/internal/region"
	"github.com/lorawan-node/lorawan-node/internal/session"
	"github.com/lorawan-node/lorawan-node/pkg/lorawan"
)

// joinPollInterval paces the IRQ polling inside the synchronous join
// windows.
const joinPollInterval = 10 * time.Millisecond

// Join activates the device. A valid stored session short-circuits the
// OTAA handshake; otherwise the full Join-Request/Join-Accept exchange
// runs with both receive windows, bounded by timeout.
func (d *Device) Join(mode JoinMode, timeout time.Duration) error {
	d.joinMode = mode

	if !d.sess.Valid() {
		if stored, err := d.store.Load(); err == nil && stored.Valid() {
			d.sess = stored
			d.metricsSync()
			log.Info().
				Str("devAddr", d.sess.DevAddr.String()).
				Uint32("fCntUp", d.sess.FCntUp).
				Msg("restored previous session")
			if d.class == ClassC {
				if err := d.enterContinuousRX2(); err != nil {
					return fmt.Errorf("radio: %w", err)
				}
				d.rx.state = RxContinuous
			}
			return nil
		} else if err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Warn().Err(err).Msg("session load failed, joining fresh")
		}
	} else {
		return ErrAlreadyJoined
	}

	if mode == ABP {
		return d.joinABP()
	}
	return d.joinOTAA(timeout)
}

// joinABP validates preinstalled session material: DevAddr and both keys
// must be non-zero.
func (d *Device) joinABP() error {
	if d.sess.DevAddr.IsZero() || d.sess.NwkSKey.IsZero() || d.sess.AppSKey.IsZero() {
		return ErrInvalidKeys
	}

	d.sess.Joined = true
	d.persist()
	log.Info().Str("devAddr", d.sess.DevAddr.String()).Msg("ABP session activated")

	if d.onJoin != nil {
		d.onJoin(true)
	}
	return nil
}

// joinOTAA performs the over-the-air activation handshake.
func (d *Device) joinOTAA(timeout time.Duration) error {
	deadline := d.now().Add(timeout)
	metrics.JoinAttempts.Inc()

	// TX setup: random active channel (or the pinned single-channel
	// frequency), regional max power, SF9/BW125 defaults.
	if err := d.radio.Standby(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}

	ch := 0
	if !d.singleChannel {
		ch = d.randomActiveChannel()
	}
	txFreq := d.channelFreq[ch]
	if d.singleChannel {
		txFreq = d.singleChannelFreq
	}

	setup := []func() error{
		func() error { return d.setFrequency(txFreq) },
		func() error { return d.setTxPower(d.plan.MaxEIRP) },
		func() error { return d.setSpreadingFactor(9) },
		func() error { return d.setBandwidth(125) },
		func() error { return d.setCodingRate(5) },
		func() error { return d.setPreamble(8) },
		func() error { return d.setSyncWord(0x34) },
		func() error { return d.setInvertIQ(false) },
		func() error { return d.setLNA(radio.LNAMaxGain, true) },
	}
	for _, step := range setup {
		if err := step(); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
	}
	d.updateDataRateFromSF()

	nonce := d.generateDevNonce()
	packet := lorawan.BuildJoinRequest(d.appKey, lorawan.JoinRequestPayload{
		AppEUI:   d.appEUI,
		DevEUI:   d.devEUI,
		DevNonce: nonce,
	})

	log.Info().
		Str("devEUI", d.devEUI.String()).
		Float64("freq", txFreq).
		Uint16("devNonce", nonce).
		Msg("sending Join-Request")

	if err := d.radio.ClearIRQFlags(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if err := d.radio.Send(packet); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	txEnd := d.now()
	d.duty.record(txFreq, TimeOnAir(len(packet)-13, d.sf, d.bw, d.cr, d.preamble))

	var sawBadMIC bool

	// RX1: same frequency and data rate as the request, inverted IQ.
	if err := d.openJoinWindow(func() error { return d.configureRX1() }); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	ok, err := d.pollJoinAccept(txEnd, d.rx.delay1+d.rx.duration, deadline, &sawBadMIC)
	if err != nil {
		return err
	}

	if !ok {
		// RX2: regional parameters, inverted IQ.
		if err := d.openJoinWindow(func() error { return d.configureRX2() }); err != nil {
			return fmt.Errorf("radio: %w", err)
		}
		ok, err = d.pollJoinAccept(txEnd, d.rx.delay2()+d.rx.duration, deadline, &sawBadMIC)
		if err != nil {
			return err
		}
	}

	if !ok {
		if d.onJoin != nil {
			d.onJoin(false)
		}
		if sawBadMIC {
			return lorawan.ErrBadMIC
		}
		return ErrJoinTimeout
	}

	return nil
}

func (d *Device) openJoinWindow(configure func() error) error {
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

// pollJoinAccept waits for an RX-done inside the window and attempts the
// Join-Accept decode. false without error means the window elapsed.
func (d *Device) pollJoinAccept(txEnd time.Time, windowSpan time.Duration, deadline time.Time, sawBadMIC *bool) (bool, error) {
	for {
		now := d.now()
		if now.Sub(txEnd) >= windowSpan || now.After(deadline) {
			return false, nil
		}

		flags, err := d.radio.IRQFlags()
		if err != nil {
			return false, fmt.Errorf("radio: %w", err)
		}

		if flags&radio.IRQRxDone != 0 {
			if err := d.radio.ClearIRQFlags(); err != nil {
				return false, fmt.Errorf("radio: %w", err)
			}

			if flags&radio.IRQCrcError != 0 {
				metrics.CRCErrors.Inc()
				log.Warn().Msg("CRC error during join window")
			} else {
				payload, err := d.radio.ReadPayload()
				if err != nil {
					return false, fmt.Errorf("radio: %w", err)
				}
				if d.processJoinAccept(payload, sawBadMIC) {
					return true, nil
				}
			}
		}

		d.sleep(joinPollInterval)
	}
}

// processJoinAccept decrypts and verifies a candidate Join-Accept and, on
// success, derives the session keys and commits the new session. A MIC
// failure changes nothing.
func (d *Device) processJoinAccept(payload []byte, sawBadMIC *bool) bool {
	ja, err := lorawan.ParseJoinAccept(d.appKey, payload)
	if err != nil {
		if errors.Is(err, lorawan.ErrBadMIC) {
			*sawBadMIC = true
			metrics.MICFailures.Inc()
		}
		log.Warn().Err(err).Int("len", len(payload)).Msg("Join-Accept rejected")
		return false
	}

	nwkSKey, appSKey := lorawan.DeriveSessionKeys(d.appKey, ja.AppNonce, ja.NetID, d.sess.LastDevNonce)

	d.sess.DevAddr = ja.DevAddr
	d.sess.NwkSKey = nwkSKey
	d.sess.AppSKey = appSKey
	d.sess.FCntUp = 0
	d.sess.FCntDown = 0
	d.sess.Joined = true

	d.rx1DROffset = int(ja.DLSettings.RX1DROffset)
	if _, _, ok := d.plan.DataRateToSFBW(int(ja.DLSettings.RX2DataRate)); ok {
		d.rx2DataRate = int(ja.DLSettings.RX2DataRate)
	}
	if ja.RxDelay&0x0F > 0 {
		d.rx.delay1 = time.Duration(ja.RxDelay&0x0F) * time.Second
	}
	d.applyCFList(ja.CFList)

	d.persist()
	d.metricsSync()
	metrics.JoinsSucceeded.Inc()

	log.Info().
		Str("devAddr", d.sess.DevAddr.String()).
		Int("rx1DROffset", d.rx1DROffset).
		Int("rx2DR", d.rx2DataRate).
		Msg("joined")

	if d.class == ClassC {
		if err := d.enterContinuousRX2(); err != nil {
			log.Error().Err(err).Msg("entering continuous RX2 failed")
		} else {
			d.rx.state = RxContinuous
		}
	}

	if d.onJoin != nil {
		d.onJoin(true)
	}
	d.emitEvent("join", Message{})

	return true
}

// applyCFList activates the five extra channels a dynamic-plan
// Join-Accept may carry (3-byte frequencies in 100 Hz units, channels
// 3..7).
func (d *Device) applyCFList(cfList []byte) {
	if len(cfList) != 16 {
		return
	}

	for i := 0; i < 5; i++ {
		off := i * 3
		freqValue := uint32(cfList[off]) | uint32(cfList[off+1])<<8 | uint32(cfList[off+2])<<16
		if freqValue == 0 {
			continue
		}
		freq := float64(freqValue) / 10000.0
		ch := 3 + i
		if ch < region.MaxChannels {
			d.channelFreq[ch] = freq
			d.channelEnabled[ch] = true
		}
	}
	d.duty.setChannels(d.channelFreq)

	log.Debug().Msg("CFList channels applied")
}
