package mac

import (
	"time"
)

// ConfirmState tracks confirmed-traffic obligations in both directions.
type ConfirmState int

const (
	// ConfirmNone: no confirmation business pending.
	ConfirmNone ConfirmState = iota
	// WaitingAck: we sent a confirmed uplink and await the network's ACK.
	WaitingAck
	// AckPending: the network sent a confirmed downlink and is owed an
	// ACK bit on our next uplink.
	AckPending
)

const (
	// MaxRetries bounds transmissions of one confirmed uplink (initial
	// attempt included).
	MaxRetries = 8

	// retryInterval is how long to wait for an ACK before retransmitting.
	retryInterval = 5 * time.Second
)

// confirmTracker holds the retry state for confirmed uplinks and the
// ACK debt for confirmed downlinks.
type confirmTracker struct {
	state       ConfirmState
	retriesUsed int
	lastAttempt time.Time

	pendingPayload []byte
	pendingPort    uint8
}

// onConfirmedSent records a successful confirmed-uplink transmission.
func (c *confirmTracker) onConfirmedSent(payload []byte, port uint8, now time.Time) {
	c.state = WaitingAck
	c.retriesUsed++
	c.lastAttempt = now
	c.pendingPayload = append([]byte(nil), payload...)
	c.pendingPort = port
}

// onAck resolves a received ACK bit; reports whether one was pending.
func (c *confirmTracker) onAck() bool {
	if c.state != WaitingAck {
		return false
	}
	c.reset()
	return true
}

// onConfirmedDownlink marks the ACK debt for a confirmed downlink.
func (c *confirmTracker) onConfirmedDownlink() {
	c.state = AckPending
}

// shouldRetry reports whether the stashed confirmed uplink is due for
// retransmission.
func (c *confirmTracker) shouldRetry(now time.Time) bool {
	return c.state == WaitingAck &&
		c.retriesUsed < MaxRetries &&
		now.Sub(c.lastAttempt) >= retryInterval
}

// exhausted reports whether the retry budget is spent without an ACK,
// after the final attempt has had its full ACK window.
func (c *confirmTracker) exhausted(now time.Time) bool {
	return c.state == WaitingAck &&
		c.retriesUsed >= MaxRetries &&
		now.Sub(c.lastAttempt) >= retryInterval
}

// reset clears all confirmation state.
func (c *confirmTracker) reset() {
	c.state = ConfirmNone
	c.retriesUsed = 0
	c.pendingPayload = nil
	c.pendingPort = 0
}
