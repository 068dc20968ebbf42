// Package region holds the declarative per-region channel plans and
// data-rate tables. Tables are read-only after init.
package region

import (
	"fmt"
)

// Name identifies a regional band plan.
type Name string

const (
	EU868 Name = "EU868"
	US915 Name = "US915"
	AU915 Name = "AU915"
	EU433 Name = "EU433"
	AS923 Name = "AS923"
	KR920 Name = "KR920"
	IN865 Name = "IN865"
	CN470 Name = "CN470"
	CN779 Name = "CN779"
)

// MaxChannels is the size of a device channel plan.
const MaxChannels = 16

// DefaultChannels is how many of those are pre-populated from
// BaseFreq + i*ChannelStep; the rest start disabled until a NewChannelReq
// activates them.
const DefaultChannels = 8

// DataRate maps a DR index to its modulation parameters.
type DataRate struct {
	SpreadFactor int
	Bandwidth    float64 // kHz
}

// Plan describes one region.
type Plan struct {
	Name        Name
	BaseFreq    float64 // MHz, channel 0
	ChannelStep float64 // MHz between default channels
	MaxEIRP     int     // dBm

	RX2Freq     float64
	RX2SF       int
	RX2BW       float64
	RX2CR       int
	RX2Preamble uint16

	DataRates []DataRate // index = DR
	TXPowers  []int      // index = TXPower field, value = dBm

	MaxChMaskCntl uint8
}

var plans = map[Name]*Plan{
	EU868: {
		Name:        EU868,
		BaseFreq:    868.1,
		ChannelStep: 0.2,
		MaxEIRP:     14,
		// SF9 matches the deployed gateway the original targets; the
		// LoRaWAN-mandated SF12 is a config override away.
		RX2Freq:     869.525,
		RX2SF:       9,
		RX2BW:       125,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125}, {7, 250},
		},
		TXPowers:      []int{14, 12, 10, 8, 6, 4, 2, 0},
		MaxChMaskCntl: 5,
	},
	US915: {
		Name:        US915,
		BaseFreq:    902.3,
		ChannelStep: 0.2,
		MaxEIRP:     30,
		RX2Freq:     923.3,
		RX2SF:       12,
		RX2BW:       500,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{10, 125}, {9, 125}, {8, 125}, {7, 125}, {8, 500},
		},
		TXPowers:      []int{30, 28, 26, 24, 22, 20, 18, 16, 14, 12, 10},
		MaxChMaskCntl: 7,
	},
	AU915: {
		Name:        AU915,
		BaseFreq:    915.2,
		ChannelStep: 0.2,
		MaxEIRP:     30,
		RX2Freq:     923.3,
		RX2SF:       12,
		RX2BW:       500,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125}, {8, 500},
		},
		TXPowers:      []int{30, 28, 26, 24, 22, 20, 18, 16, 14, 12, 10},
		MaxChMaskCntl: 7,
	},
	EU433: {
		Name:        EU433,
		BaseFreq:    433.05,
		ChannelStep: 0.1,
		MaxEIRP:     12,
		RX2Freq:     434.665,
		RX2SF:       12,
		RX2BW:       125,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125}, {7, 250},
		},
		TXPowers:      []int{12, 10, 8, 6, 4, 2},
		MaxChMaskCntl: 5,
	},
	AS923: {
		Name:        AS923,
		BaseFreq:    923.2,
		ChannelStep: 0.2,
		MaxEIRP:     16,
		RX2Freq:     923.2,
		RX2SF:       10,
		RX2BW:       125,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125}, {7, 250},
		},
		TXPowers:      []int{16, 14, 12, 10, 8, 6, 4, 2},
		MaxChMaskCntl: 5,
	},
	KR920: {
		Name:        KR920,
		BaseFreq:    920.9,
		ChannelStep: 0.2,
		MaxEIRP:     14,
		RX2Freq:     921.9,
		RX2SF:       12,
		RX2BW:       125,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125},
		},
		TXPowers:      []int{14, 12, 10, 8, 6, 4, 2, 0},
		MaxChMaskCntl: 5,
	},
	IN865: {
		Name:        IN865,
		BaseFreq:    865.1,
		ChannelStep: 0.2,
		MaxEIRP:     30,
		RX2Freq:     866.55,
		RX2SF:       10,
		RX2BW:       125,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125},
		},
		TXPowers:      []int{30, 28, 26, 24, 22, 20, 18, 16, 14, 12, 10},
		MaxChMaskCntl: 5,
	},
	CN470: {
		Name:        CN470,
		BaseFreq:    470.3,
		ChannelStep: 0.6,
		MaxEIRP:     19,
		RX2Freq:     505.3,
		RX2SF:       12,
		RX2BW:       125,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125},
		},
		TXPowers:      []int{19, 17, 15, 13, 11, 9, 7, 5},
		MaxChMaskCntl: 6,
	},
	CN779: {
		Name:        CN779,
		BaseFreq:    779.5,
		ChannelStep: 1.6,
		MaxEIRP:     12,
		RX2Freq:     786.0,
		RX2SF:       12,
		RX2BW:       125,
		RX2CR:       5,
		RX2Preamble: 8,
		DataRates: []DataRate{
			{12, 125}, {11, 125}, {10, 125}, {9, 125}, {8, 125}, {7, 125}, {7, 250},
		},
		TXPowers:      []int{12, 10, 8, 6, 4, 2},
		MaxChMaskCntl: 5,
	},
}

// Get returns the plan for a region tag.
func Get(name Name) (*Plan, error) {
	p, ok := plans[name]
	if !ok {
		return nil, fmt.Errorf("unknown region %q", name)
	}
	return p, nil
}

// Names lists the supported region tags.
func Names() []Name {
	out := make([]Name, 0, len(plans))
	for n := range plans {
		out = append(out, n)
	}
	return out
}

// MaxDR returns the highest valid LoRa data-rate index.
func (p *Plan) MaxDR() int {
	return len(p.DataRates) - 1
}

// DataRateToSFBW maps a DR index to spreading factor and bandwidth.
func (p *Plan) DataRateToSFBW(dr int) (sf int, bw float64, ok bool) {
	if dr < 0 || dr >= len(p.DataRates) {
		return 0, 0, false
	}
	d := p.DataRates[dr]
	return d.SpreadFactor, d.Bandwidth, true
}

// SFBWToDataRate is the reverse mapping.
func (p *Plan) SFBWToDataRate(sf int, bw float64) (int, bool) {
	for i, d := range p.DataRates {
		if d.SpreadFactor == sf && d.Bandwidth == bw {
			return i, true
		}
	}
	return 0, false
}

// TXPowerDBm maps a TXPower index from LinkADRReq to dBm.
func (p *Plan) TXPowerDBm(index int) (int, bool) {
	if index < 0 || index >= len(p.TXPowers) {
		return 0, false
	}
	return p.TXPowers[index], true
}

// DefaultChannelFrequency returns the frequency of default channel i in
// MHz, or 0 for indexes outside the fixed part of the plan.
func (p *Plan) DefaultChannelFrequency(i int) float64 {
	if i < 0 || i >= DefaultChannels {
		return 0
	}
	return p.BaseFreq + float64(i)*p.ChannelStep
}

// RX1DataRate derives the downlink DR for window 1 from the uplink DR and
// the RX1DROffset, clamped to the plan's valid range.
func (p *Plan) RX1DataRate(uplinkDR, offset int) int {
	dr := uplinkDR - offset
	if dr < 0 {
		dr = 0
	}
	if dr > p.MaxDR() {
		dr = p.MaxDR()
	}
	return dr
}

// RX2DefaultDataRate returns the DR index matching the plan's RX2 SF/BW
// pair.
func (p *Plan) RX2DefaultDataRate() int {
	if dr, ok := p.SFBWToDataRate(p.RX2SF, p.RX2BW); ok {
		return dr
	}
	return 0
}

// ValidChMaskCntl reports whether a LinkADRReq ChMaskCntl value is
// meaningful for the region.
func (p *Plan) ValidChMaskCntl(cntl uint8) bool {
	return cntl <= p.MaxChMaskCntl
}
