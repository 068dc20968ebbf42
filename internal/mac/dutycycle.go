package mac

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/region"
)

// dutyCycleLimit is the regulatory per-channel ceiling (1%).
const dutyCycleLimit = 0.01

// channelMatchToleranceMHz is how close a frequency must be to a plan
// entry to count as that channel.
const channelMatchToleranceMHz = 0.01

// TimeOnAir computes the LoRa air time in milliseconds for a PHY payload
// of the given size, using the canonical formula:
//
//	T_sym      = 2^SF / BW
//	n_preamble = preamble + 4.25
//	n_payload  = 8 + max(ceil((8*(size+13) - 4*SF + 28 + 16) / (4*SF)) * CR, 0)
//
// size is the application payload length; the 13-byte LoRaWAN framing
// overhead is added here.
func TimeOnAir(payloadSize int, sf int, bwKHz float64, crDenominator int, preamble uint16) float64 {
	bwHz := bwKHz * 1000
	symbolDuration := math.Pow(2, float64(sf)) / bwHz // seconds

	preambleSymbols := float64(preamble) + 4.25

	packetSize := payloadSize + 13
	payloadSymbols := 8 + math.Max(
		math.Ceil(float64(8*packetSize-4*sf+28+16)/float64(4*sf))*float64(crDenominator),
		0,
	)

	return (preambleSymbols + payloadSymbols) * symbolDuration * 1000
}

// dutyCycleAccountant keeps the per-channel air-time ledger and computes
// the mandatory gap before the next transmission on a channel.
type dutyCycleAccountant struct {
	now func() time.Time

	frequencies [region.MaxChannels]float64 // MHz, 0 = disabled
	lastUse     [region.MaxChannels]time.Time
	airtimeMs   [region.MaxChannels]float64 // accumulated in the trailing hour

	// cap set by DutyCycleReq: aggregated duty cycle = 2^-maxDCycle.
	maxDCycle uint8
}

func newDutyCycleAccountant(now func() time.Time) *dutyCycleAccountant {
	a := &dutyCycleAccountant{now: now}
	start := now().Add(-24 * time.Hour)
	for i := range a.lastUse {
		a.lastUse[i] = start
	}
	return a
}

// setChannels updates the frequency table the ledger keys on.
func (a *dutyCycleAccountant) setChannels(freqs [region.MaxChannels]float64) {
	a.frequencies = freqs
}

// setMaxDCycle applies a DutyCycleReq cap; 0 restores the regulatory 1%.
func (a *dutyCycleAccountant) setMaxDCycle(v uint8) {
	a.maxDCycle = v
}

// limit returns the effective duty-cycle fraction.
func (a *dutyCycleAccountant) limit() float64 {
	l := dutyCycleLimit
	if a.maxDCycle > 0 {
		capped := 1.0 / float64(uint64(1)<<a.maxDCycle)
		if capped < l {
			l = capped
		}
	}
	return l
}

// channelFor matches a frequency to a ledger slot (nearest within
// tolerance); unknown frequencies are accounted on channel 0.
func (a *dutyCycleAccountant) channelFor(freqMHz float64) int {
	for i, f := range a.frequencies {
		if f > 0 && math.Abs(f-freqMHz) < channelMatchToleranceMHz {
			return i
		}
	}
	return 0
}

// decay zeroes the ledger for a channel idle longer than one hour.
func (a *dutyCycleAccountant) decay(ch int) {
	if a.now().Sub(a.lastUse[ch]) > time.Hour {
		a.airtimeMs[ch] = 0
	}
}

// check reports whether a transmission of airtimeMs on freqMHz may start
// now. The second return is the remaining wait in milliseconds when it
// may not.
func (a *dutyCycleAccountant) check(freqMHz float64, airtimeMs float64) (bool, int64) {
	ch := a.channelFor(freqMHz)
	a.decay(ch)

	elapsed := a.now().Sub(a.lastUse[ch]).Milliseconds()
	minWait := airtimeMs/a.limit() - airtimeMs

	if float64(elapsed) < minWait {
		wait := int64(minWait - float64(elapsed))
		log.Debug().
			Int("channel", ch).
			Float64("freq", freqMHz).
			Int64("waitMs", wait).
			Msg("duty cycle restriction")
		return false, wait
	}

	return true, 0
}

// record charges a completed transmission to the ledger.
func (a *dutyCycleAccountant) record(freqMHz float64, airtimeMs float64) {
	ch := a.channelFor(freqMHz)
	a.decay(ch)
	a.lastUse[ch] = a.now()
	a.airtimeMs[ch] += airtimeMs
}

// usage returns the percentage of the 1%-hour budget consumed on a
// channel in the trailing hour.
func (a *dutyCycleAccountant) usage(ch int) float64 {
	if ch < 0 || ch >= region.MaxChannels {
		return 0
	}
	if a.now().Sub(a.lastUse[ch]) > time.Hour {
		return 0
	}
	return a.airtimeMs[ch] / 36000 * 100
}

// reset clears the ledger.
func (a *dutyCycleAccountant) reset() {
	start := a.now().Add(-24 * time.Hour)
	for i := range a.lastUse {
		a.lastUse[i] = start
		a.airtimeMs[i] = 0
	}
}
