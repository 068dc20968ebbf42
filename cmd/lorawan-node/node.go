package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/internal/api"
	"github.com/lorawan-node/lorawan-node/internal/config"
	"github.com/lorawan-node/lorawan-node/internal/mac"
	"github.com/lorawan-node/lorawan-node/internal/region"
)

var errBusy = errors.New("node busy")

// node is the single owner of the MAC core: the run loop is the only
// goroutine that touches it. API requests arrive as closures on cmds and
// execute between ticks.
type node struct {
	dev    *mac.Device
	cfg    *config.Config
	region string
	cmds   chan func()
}

// run drives the periodic uplink and the cooperative MAC tick until the
// context is canceled.
func (n *node) run(ctx context.Context) {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	sendInterval := time.Duration(n.cfg.Options.SendInterval) * time.Second
	nextSend := time.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-n.cmds:
			cmd()

		case <-ticker.C:
			n.dev.Update()

			if time.Now().After(nextSend) {
				payload := []byte{0x01, 0x02, 0x03, 0x04}
				if err := n.dev.Send(payload, 1, false, false); err != nil {
					log.Error().Err(err).Msg("periodic uplink failed")
				}
				nextSend = time.Now().Add(sendInterval)
			}
		}
	}
}

// call runs f on the owner loop and waits for it.
func (n *node) call(f func()) error {
	done := make(chan struct{})
	wrapped := func() {
		f()
		close(done)
	}

	select {
	case n.cmds <- wrapped:
	case <-time.After(2 * time.Second):
		return errBusy
	}

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return errBusy
	}
}

// Status implements api.Node.
func (n *node) Status() api.Status {
	var st api.Status
	n.call(func() {
		st = api.Status{
			Joined:      n.dev.Joined(),
			DevEUI:      n.cfg.Device.DevEUI,
			DevAddr:     n.dev.DevAddr().String(),
			Region:      n.region,
			Class:       n.dev.Class().String(),
			FCntUp:      n.dev.FCntUp(),
			FCntDown:    n.dev.FCntDown(),
			DataRate:    n.dev.DataRate(),
			SF:          n.dev.SpreadingFactor(),
			RxState:     n.dev.RxState().String(),
			LastRSSI:    n.dev.LastRSSI(),
			LastSNR:     n.dev.LastSNR(),
			ADR:         n.dev.ADREnabled(),
			SessionFile: n.cfg.Network.SessionFile,
		}
	})
	return st
}

// DutyCycle implements api.Node.
func (n *node) DutyCycle() []api.ChannelUsage {
	var out []api.ChannelUsage
	n.call(func() {
		plan, err := region.Get(region.Name(n.region))
		if err != nil {
			return
		}
		for i := 0; i < region.DefaultChannels; i++ {
			out = append(out, api.ChannelUsage{
				Channel:   i,
				Frequency: plan.DefaultChannelFrequency(i),
				Usage:     n.dev.DutyCycleUsage(i),
			})
		}
	})
	return out
}

// EnqueueSend implements api.Node.
func (n *node) EnqueueSend(data []byte, port uint8, confirmed bool) error {
	return n.call(func() {
		if err := n.dev.Send(data, port, confirmed, false); err != nil {
			log.Error().Err(err).Msg("API uplink failed")
		}
	})
}

// EnqueueLinkCheck implements api.Node.
func (n *node) EnqueueLinkCheck() error {
	return n.call(func() {
		if err := n.dev.RequestLinkCheck(); err != nil {
			log.Error().Err(err).Msg("API link check failed")
		}
	})
}

// EnqueueReset implements api.Node.
func (n *node) EnqueueReset() error {
	return n.call(func() {
		if err := n.dev.ResetSession(); err != nil {
			log.Error().Err(err).Msg("API session reset failed")
		}
	})
}
