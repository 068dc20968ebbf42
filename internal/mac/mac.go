// Package mac implements the Class A/C LoRaWAN 1.0.x end-device MAC
// state machine on top of the radio capability: frame building, join,
// receive windows, duty cycle, MAC commands, confirmed traffic and
// session persistence.
package mac

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
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

// DeviceClass selects Class A or Class C receive behavior.
type DeviceClass int

const (
	ClassA DeviceClass = iota
	ClassC
)

// String returns the class letter.
func (c DeviceClass) String() string {
	if c == ClassC {
		return "C"
	}
	return "A"
}

// JoinMode selects the activation procedure.
type JoinMode int

const (
	OTAA JoinMode = iota
	ABP
)

// Message is a decoded application downlink (or, for Send, an uplink
// request).
type Message struct {
	Payload   []byte
	Port      uint8
	Confirmed bool
	FCnt      uint16
	RSSI      int16
	SNR       float64
}

// Surface errors (see the error taxonomy in the docs).
var (
	ErrNotJoined      = errors.New("device not joined")
	ErrAlreadyJoined  = errors.New("device already joined, reset the session first")
	ErrJoinTimeout    = errors.New("no Join-Accept received")
	ErrConfirmPending = errors.New("confirmed uplink pending ACK")
	ErrInvalidKeys    = errors.New("invalid ABP session material")
)

// DutyCycleError reports the remaining mandatory wait when Send is
// configured not to sleep through the duty-cycle gate.
type DutyCycleError struct {
	Wait time.Duration
}

func (e *DutyCycleError) Error() string {
	return fmt.Sprintf("duty cycle exceeded, wait %s", e.Wait)
}

// Options configures a Device.
type Options struct {
	Region      region.Name
	SessionPath string

	// BlockOnDutyCycle makes Send sleep through a duty-cycle wait
	// instead of returning a DutyCycleError.
	BlockOnDutyCycle bool

	// Single-channel gateway mode pins TX and RX1 to one frequency.
	SingleChannel     bool
	SingleChannelFreq float64
	SingleChannelSF   int
	SingleChannelBW   float64

	// RX2DataRate overrides the regional RX2 data rate when non-nil.
	// The EU868 table default is the deployed-gateway SF9;
	// standards-conforming networks override to DR0/SF12 here.
	RX2DataRate *int

	// ReceiveDelay1 overrides the 1 s default when non-zero.
	ReceiveDelay1 time.Duration
}

// Device is the MAC core. It exclusively owns the radio handle and all
// protocol state; all methods must be called from one goroutine.
type Device struct {
	radio radio.Radio
	plan  *region.Plan
	store *session.Store
	sess  *session.Session

	class    DeviceClass
	joinMode JoinMode

	devEUI lorawan.EUI64
	appEUI lorawan.EUI64
	appKey lorawan.AES128Key

	// Radio shadow state: mirrors the programmed radio configuration
	// after every operation.
	channel  int
	sf       int
	bw       float64
	cr       int
	power    int
	preamble uint16
	syncWord byte
	lna      byte
	invertIQ bool
	dataRate int

	channelFreq    [region.MaxChannels]float64
	channelEnabled [region.MaxChannels]bool

	rx1DROffset int
	rx2DataRate int
	rx2Freq     float64
	nbRep       int

	singleChannel     bool
	singleChannelFreq float64
	singleChannelSF   int
	singleChannelBW   float64

	blockOnDutyCycle bool
	batteryLevel     byte

	duty    *dutyCycleAccountant
	rx      *rxScheduler
	confirm confirmTracker
	adr     adrState
	stats   linkStats

	pendingMAC []byte
	rxQueue    []Message

	lastRSSI int16
	lastSNR  float64

	onReceive   func(Message)
	onJoin      func(bool)
	onLinkCheck func(margin, gwCnt uint8)
	onEvent     func(kind string, msg Message)

	// Injectable time sources keep the window timing testable.
	now   func() time.Time
	sleep func(time.Duration)
}

// New wires a Device to a radio and a session store. Call Init before
// joining.
func New(r radio.Radio, opts Options) (*Device, error) {
	plan, err := region.Get(opts.Region)
	if err != nil {
		return nil, err
	}

	path := opts.SessionPath
	if path == "" {
		path = "lorawan_session.json"
	}

	d := &Device{
		radio:            r,
		plan:             plan,
		store:            session.NewStore(path),
		sess:             &session.Session{},
		class:            ClassA,
		blockOnDutyCycle: opts.BlockOnDutyCycle,
		batteryLevel:     255,
		rx2DataRate:      plan.RX2DefaultDataRate(),
		rx2Freq:          plan.RX2Freq,
		nbRep:            1,
		now:              time.Now,
		sleep:            time.Sleep,
	}
	if _, ok := plan.SFBWToDataRate(plan.RX2SF, plan.RX2BW); !ok {
		// No uplink DR carries the plan's RX2 SF/BW (US915, AU915), so
		// configureRX2 falls back to RX2SF/RX2BW.
		d.rx2DataRate = -1
	}

	if opts.RX2DataRate != nil {
		d.rx2DataRate = *opts.RX2DataRate
	}
	if opts.SingleChannel {
		d.singleChannel = true
		d.singleChannelFreq = opts.SingleChannelFreq
		d.singleChannelSF = opts.SingleChannelSF
		d.singleChannelBW = opts.SingleChannelBW
		if d.singleChannelFreq == 0 {
			d.singleChannelFreq = plan.DefaultChannelFrequency(0)
		}
		if d.singleChannelSF == 0 {
			d.singleChannelSF = 9
		}
		if d.singleChannelBW == 0 {
			d.singleChannelBW = 125
		}
	}

	d.duty = newDutyCycleAccountant(func() time.Time { return d.now() })
	d.rx = newRxScheduler(func() time.Time { return d.now() })
	if opts.ReceiveDelay1 > 0 {
		d.rx.delay1 = opts.ReceiveDelay1
	}

	for i := 0; i < region.DefaultChannels; i++ {
		d.channelFreq[i] = plan.DefaultChannelFrequency(i)
		d.channelEnabled[i] = true
	}
	d.duty.setChannels(d.channelFreq)

	return d, nil
}

// Init programs the radio with the regional defaults: channel 0, SF9,
// BW125, CR4/5, preamble 8, public sync word, max LNA, upright IQ.
func (d *Device) Init() error {
	steps := []func() error{
		func() error { return d.radio.Standby() },
		func() error { return d.setFrequencyForChannel(0) },
		func() error { return d.setTxPower(14) },
		func() error { return d.setSpreadingFactor(9) },
		func() error { return d.setBandwidth(125) },
		func() error { return d.setCodingRate(5) },
		func() error { return d.setPreamble(8) },
		func() error { return d.setSyncWord(0x34) },
		func() error { return d.setLNA(radio.LNAMaxGain, true) },
		func() error { return d.setInvertIQ(false) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("radio init: %w", err)
		}
	}

	d.updateDataRateFromSF()

	log.Info().
		Str("region", string(d.plan.Name)).
		Float64("freq", d.channelFreq[0]).
		Msg("radio initialized")

	return nil
}

// Shadow-tracking radio setters. The shadow must equal the programmed
// radio state after every MAC operation.

func (d *Device) setFrequencyForChannel(ch int) error {
	freq := d.channelFreq[ch]
	if err := d.radio.SetFrequency(freq); err != nil {
		return err
	}
	d.channel = ch
	return nil
}

func (d *Device) setFrequency(freq float64) error {
	if err := d.radio.SetFrequency(freq); err != nil {
		return err
	}
	if ch := d.channelForFrequency(freq); ch >= 0 {
		d.channel = ch
	}
	return nil
}

func (d *Device) setTxPower(dBm int) error {
	if dBm < 2 {
		dBm = 2
	}
	if dBm > d.plan.MaxEIRP {
		dBm = d.plan.MaxEIRP
	}
	if err := d.radio.SetTxPower(int8(dBm), true); err != nil {
		return err
	}
	d.power = dBm
	return nil
}

func (d *Device) setSpreadingFactor(sf int) error {
	if err := d.radio.SetSpreadingFactor(sf); err != nil {
		return err
	}
	d.sf = sf
	return nil
}

func (d *Device) setBandwidth(bw float64) error {
	if err := d.radio.SetBandwidth(bw); err != nil {
		return err
	}
	d.bw = bw
	return nil
}

func (d *Device) setCodingRate(cr int) error {
	if err := d.radio.SetCodingRate(cr); err != nil {
		return err
	}
	d.cr = cr
	return nil
}

func (d *Device) setPreamble(length uint16) error {
	if err := d.radio.SetPreambleLength(length); err != nil {
		return err
	}
	d.preamble = length
	return nil
}

func (d *Device) setSyncWord(sw byte) error {
	if err := d.radio.SetSyncWord(sw); err != nil {
		return err
	}
	d.syncWord = sw
	return nil
}

func (d *Device) setLNA(gain byte, boost bool) error {
	if err := d.radio.SetLNA(gain, boost); err != nil {
		return err
	}
	d.lna = gain
	return nil
}

func (d *Device) setInvertIQ(invert bool) error {
	if err := d.radio.SetInvertIQ(invert); err != nil {
		return err
	}
	d.invertIQ = invert
	return nil
}

// applyTxParams commits an SF/BW/power triple (LinkADRReq, ADR backoff).
func (d *Device) applyTxParams(sf int, bw float64, powerDBm int) error {
	if err := d.setSpreadingFactor(sf); err != nil {
		return err
	}
	if err := d.setBandwidth(bw); err != nil {
		return err
	}
	if err := d.setTxPower(powerDBm); err != nil {
		return err
	}
	d.updateDataRateFromSF()
	return nil
}

func (d *Device) updateDataRateFromSF() {
	if dr, ok := d.plan.SFBWToDataRate(d.sf, d.bw); ok {
		d.dataRate = dr
	}
}

func (d *Device) channelForFrequency(freq float64) int {
	for i, f := range d.channelFreq {
		if f > 0 && f-freq < channelMatchToleranceMHz && freq-f < channelMatchToleranceMHz {
			return i
		}
	}
	return -1
}

// Credential setters. Hex strings are big-endian as written.

// SetDevEUI stores the device EUI from a hex string.
func (d *Device) SetDevEUI(hexStr string) error {
	e, err := lorawan.ParseEUI64(hexStr)
	if err != nil {
		return err
	}
	d.devEUI = e
	return nil
}

// SetAppEUI stores the application EUI from a hex string.
func (d *Device) SetAppEUI(hexStr string) error {
	e, err := lorawan.ParseEUI64(hexStr)
	if err != nil {
		return err
	}
	d.appEUI = e
	return nil
}

// SetAppKey stores the OTAA root key from a hex string.
func (d *Device) SetAppKey(hexStr string) error {
	k, err := lorawan.ParseAES128Key(hexStr)
	if err != nil {
		return err
	}
	d.appKey = k
	return nil
}

// SetDevAddr stores an ABP device address (hex, MSB first as read off
// the network server; reversed to wire order).
func (d *Device) SetDevAddr(hexStr string) error {
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 4 {
		return fmt.Errorf("invalid DevAddr %q", hexStr)
	}
	for i := 0; i < 4; i++ {
		d.sess.DevAddr[i] = b[3-i]
	}
	return nil
}

// SetNwkSKey stores an ABP network session key from a hex string.
func (d *Device) SetNwkSKey(hexStr string) error {
	k, err := lorawan.ParseAES128Key(hexStr)
	if err != nil {
		return err
	}
	d.sess.NwkSKey = k
	return nil
}

// SetAppSKey stores an ABP application session key from a hex string.
func (d *Device) SetAppSKey(hexStr string) error {
	k, err := lorawan.ParseAES128Key(hexStr)
	if err != nil {
		return err
	}
	d.sess.AppSKey = k
	return nil
}

// Callbacks.

// OnReceive registers the downlink delivery callback. Without one,
// downlinks queue for Receive.
func (d *Device) OnReceive(cb func(Message)) { d.onReceive = cb }

// OnJoin registers the activation-outcome callback.
func (d *Device) OnJoin(cb func(bool)) { d.onJoin = cb }

// OnLinkCheck registers the LinkCheckAns delivery callback.
func (d *Device) OnLinkCheck(cb func(margin, gwCnt uint8)) { d.onLinkCheck = cb }

// OnEvent registers a hook fired for uplink/downlink/join/not-confirmed
// events (consumed by the integration publisher).
func (d *Device) OnEvent(cb func(kind string, msg Message)) { d.onEvent = cb }

func (d *Device) emitEvent(kind string, msg Message) {
	if d.onEvent != nil {
		d.onEvent(kind, msg)
	}
}

// Accessors.

// Joined reports whether the device holds a valid session.
func (d *Device) Joined() bool { return d.sess.Valid() }

// DevAddr returns the current device address (wire order).
func (d *Device) DevAddr() lorawan.DevAddr { return d.sess.DevAddr }

// FCntUp returns the uplink frame counter.
func (d *Device) FCntUp() uint32 { return d.sess.FCntUp }

// FCntDown returns the downlink frame counter.
func (d *Device) FCntDown() uint32 { return d.sess.FCntDown }

// Class returns the device class.
func (d *Device) Class() DeviceClass { return d.class }

// DataRate returns the current uplink data-rate index.
func (d *Device) DataRate() int { return d.dataRate }

// SpreadingFactor returns the shadow SF.
func (d *Device) SpreadingFactor() int { return d.sf }

// LastRSSI returns the RSSI of the last reception.
func (d *Device) LastRSSI() int16 { return d.lastRSSI }

// LastSNR returns the SNR of the last reception.
func (d *Device) LastSNR() float64 { return d.lastSNR }

// RxState returns the scheduler state (diagnostics).
func (d *Device) RxState() RxState { return d.rx.state }

// ConfirmState returns the confirmation tracker state.
func (d *Device) ConfirmState() ConfirmState { return d.confirm.state }

// DutyCycleUsage returns the percentage of the hourly budget used on a
// channel.
func (d *Device) DutyCycleUsage(channel int) float64 { return d.duty.usage(channel) }

// SetBatteryLevel sets the value reported in DevStatusAns (0 = external
// power, 1..254 = level, 255 = unknown).
func (d *Device) SetBatteryLevel(level byte) { d.batteryLevel = level }

// EnableADR turns the adaptive-data-rate backoff machinery on or off.
func (d *Device) EnableADR(enable bool) {
	d.adr.enabled = enable
	log.Info().Bool("enabled", enable).Msg("ADR")
}

// ADREnabled reports the ADR switch.
func (d *Device) ADREnabled() bool { return d.adr.enabled }

// RequestLinkCheck schedules a LinkCheckReq on the next uplink.
func (d *Device) RequestLinkCheck() error {
	if !d.Joined() {
		return ErrNotJoined
	}
	d.enqueueMACResponse(lorawan.LinkCheckReq)
	log.Debug().Msg("LinkCheckReq scheduled for next uplink")
	return nil
}

// ApplyADRSettings programs a data rate and TX-power index directly, as
// if a LinkADRReq for them had been accepted.
func (d *Device) ApplyADRSettings(dataRate, txPowerIndex int) error {
	sf, bw, ok := d.plan.DataRateToSFBW(dataRate)
	if !ok {
		return fmt.Errorf("invalid data rate %d for %s", dataRate, d.plan.Name)
	}
	power, ok := d.plan.TXPowerDBm(txPowerIndex)
	if !ok {
		return fmt.Errorf("invalid TX power index %d for %s", txPowerIndex, d.plan.Name)
	}
	if err := d.applyTxParams(sf, bw, power); err != nil {
		return err
	}
	d.dataRate = dataRate
	return nil
}

// SetDataRate programs the uplink data rate directly.
func (d *Device) SetDataRate(dr int) error {
	sf, bw, ok := d.plan.DataRateToSFBW(dr)
	if !ok {
		return fmt.Errorf("invalid data rate %d for %s", dr, d.plan.Name)
	}
	if err := d.setSpreadingFactor(sf); err != nil {
		return err
	}
	if err := d.setBandwidth(bw); err != nil {
		return err
	}
	d.dataRate = dr
	return nil
}

// SetTxPower programs the TX power in dBm, clamped to the regional
// ceiling.
func (d *Device) SetTxPower(dBm int) error {
	return d.setTxPower(dBm)
}

// SetChannel selects an enabled channel for the next uplink.
func (d *Device) SetChannel(ch int) error {
	if ch < 0 || ch >= region.MaxChannels || d.channelFreq[ch] == 0 || !d.channelEnabled[ch] {
		return fmt.Errorf("channel %d not enabled", ch)
	}
	return d.setFrequencyForChannel(ch)
}

// SetDeviceClass switches between Class A and Class C. Switching to C
// with a valid session immediately parks the radio in continuous RX2.
func (d *Device) SetDeviceClass(c DeviceClass) error {
	d.class = c
	log.Info().Str("class", c.String()).Msg("device class set")

	if c == ClassC && d.Joined() {
		if err := d.enterContinuousRX2(); err != nil {
			return err
		}
		d.rx.state = RxContinuous
	}
	return nil
}

// enterContinuousRX2 parks the radio on the RX2 parameters in continuous
// receive, the Class C resting state.
func (d *Device) enterContinuousRX2() error {
	if err := d.radio.Standby(); err != nil {
		return err
	}
	if err := d.configureRX2(); err != nil {
		return err
	}
	return d.radio.SetContinuousReceive()
}

// configureRX2 programs frequency/SF/BW/CR/preamble/IQ for window 2.
func (d *Device) configureRX2() error {
	sf, bw, ok := d.plan.DataRateToSFBW(d.rx2DataRate)
	if !ok {
		sf, bw = d.plan.RX2SF, d.plan.RX2BW
	}

	if err := d.setFrequency(d.rx2Freq); err != nil {
		return err
	}
	if err := d.setSpreadingFactor(sf); err != nil {
		return err
	}
	if err := d.setBandwidth(bw); err != nil {
		return err
	}
	if err := d.setCodingRate(d.plan.RX2CR); err != nil {
		return err
	}
	if err := d.setPreamble(d.plan.RX2Preamble); err != nil {
		return err
	}
	return d.setInvertIQ(true)
}

// configureRX1 programs window 1: uplink frequency, uplink DR shifted by
// RX1DROffset, inverted IQ.
func (d *Device) configureRX1() error {
	rx1DR := d.plan.RX1DataRate(d.dataRate, d.rx1DROffset)
	sf, bw, ok := d.plan.DataRateToSFBW(rx1DR)
	if !ok {
		sf, bw = d.sf, d.bw
	}

	freq := d.channelFreq[d.channel]
	if d.singleChannel {
		freq = d.singleChannelFreq
	}

	if err := d.setFrequency(freq); err != nil {
		return err
	}
	if err := d.setSpreadingFactor(sf); err != nil {
		return err
	}
	if err := d.setBandwidth(bw); err != nil {
		return err
	}
	if err := d.setCodingRate(d.cr); err != nil {
		return err
	}
	if err := d.setPreamble(d.preamble); err != nil {
		return err
	}
	return d.setInvertIQ(true)
}

// generateDevNonce draws a random nonce not present in the history.
func (d *Device) generateDevNonce() uint16 {
	for {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand failure is unrecoverable for key material.
			panic("mac: crypto/rand: " + err.Error())
		}
		nonce := binary.LittleEndian.Uint16(b[:])
		if nonce == 0 {
			continue
		}
		// A reused nonce is retried internally with a fresh draw.
		if d.sess.NonceUsed(nonce) {
			continue
		}
		d.sess.RecordNonce(nonce)
		return nonce
	}
}

// randomActiveChannel picks an enabled channel for the next TX.
func (d *Device) randomActiveChannel() int {
	var active []int
	for i, on := range d.channelEnabled {
		if on && d.channelFreq[i] > 0 {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		return 0
	}

	var b [2]byte
	rand.Read(b[:])
	return active[int(binary.LittleEndian.Uint16(b[:]))%len(active)]
}

// lowestUsageChannel picks the enabled channel with the least duty-cycle
// consumption.
func (d *Device) lowestUsageChannel() int {
	best := 0
	lowest := 101.0
	for i := 0; i < region.MaxChannels; i++ {
		if !d.channelEnabled[i] || d.channelFreq[i] == 0 {
			continue
		}
		if u := d.duty.usage(i); u < lowest {
			lowest = u
			best = i
		}
	}
	return best
}

// persist saves the session, logging but not failing on storage errors;
// the in-memory session stays authoritative.
func (d *Device) persist() {
	if err := d.store.Save(d.sess); err != nil {
		log.Error().Err(err).Str("path", d.store.Path()).Msg("session persist failed")
	}
}

// ResetSession zeroizes the session material, clears counters and nonce
// history and deletes the session file.
func (d *Device) ResetSession() error {
	d.sess = &session.Session{}
	d.confirm.reset()
	d.adr.ackCounter = 0
	d.stats.clear()
	d.pendingMAC = nil
	d.rx.state = RxIdle

	if err := d.store.Clear(); err != nil {
		return err
	}

	log.Info().Msg("session reset")
	return nil
}

// Sleep powers the radio down.
func (d *Device) Sleep() error {
	return d.radio.Sleep()
}

// Wake returns the radio to standby.
func (d *Device) Wake() error {
	return d.radio.Standby()
}

// metricsSync pushes the counters into the gauges after session changes.
func (d *Device) metricsSync() {
	metrics.FCntUp.Set(float64(d.sess.FCntUp))
	metrics.FCntDown.Set(float64(d.sess.FCntDown))
}
