package mac

import (
	"time"
)

// RxState names the receive-window scheduler states.
type RxState int

const (
	RxIdle RxState = iota
	RxWait1
	RxWindow1
	RxWait2
	RxWindow2
	RxContinuous
)

// String returns the state name.
func (s RxState) String() string {
	switch s {
	case RxIdle:
		return "idle"
	case RxWait1:
		return "wait1"
	case RxWindow1:
		return "window1"
	case RxWait2:
		return "wait2"
	case RxWindow2:
		return "window2"
	case RxContinuous:
		return "continuous"
	}
	return "unknown"
}

// Default receive-window timing.
const (
	DefaultReceiveDelay1  = 1000 * time.Millisecond
	DefaultWindowDuration = 500 * time.Millisecond
)

// rxAction is what the scheduler asks the MAC core to do on a tick.
type rxAction int

const (
	rxNone rxAction = iota
	rxOpenWindow1
	rxOpenWindow2
	rxClose // both windows exhausted
)

// rxScheduler drives the RX1/RX2 state machine against a monotonic clock.
// RECEIVE_DELAY2 is always RECEIVE_DELAY1 + 1 s.
type rxScheduler struct {
	now func() time.Time

	state      RxState
	txEnd      time.Time
	windowOpen time.Time

	delay1   time.Duration
	duration time.Duration
}

func newRxScheduler(now func() time.Time) *rxScheduler {
	return &rxScheduler{
		now:      now,
		state:    RxIdle,
		delay1:   DefaultReceiveDelay1,
		duration: DefaultWindowDuration,
	}
}

func (s *rxScheduler) delay2() time.Duration {
	return s.delay1 + time.Second
}

// armAfterTx starts the Wait1 countdown from the TX-done instant.
func (s *rxScheduler) armAfterTx() {
	s.txEnd = s.now()
	s.state = RxWait1
}

// advance evaluates the deadlines and returns the action due now. The
// caller performs the radio work and the scheduler records the resulting
// state.
func (s *rxScheduler) advance() rxAction {
	now := s.now()
	sinceTx := now.Sub(s.txEnd)

	switch s.state {
	case RxWait1:
		if sinceTx >= s.delay1 {
			s.state = RxWindow1
			s.windowOpen = now
			return rxOpenWindow1
		}

	case RxWindow1:
		if now.Sub(s.windowOpen) >= s.duration {
			if sinceTx < s.delay2() {
				s.state = RxWait2
			} else {
				// Tick arrived late; go straight to RX2.
				s.state = RxWindow2
				s.windowOpen = now
				return rxOpenWindow2
			}
		}

	case RxWait2:
		if sinceTx >= s.delay2() {
			s.state = RxWindow2
			s.windowOpen = now
			return rxOpenWindow2
		}

	case RxWindow2:
		if now.Sub(s.windowOpen) >= s.duration {
			return rxClose
		}
	}

	return rxNone
}

// onPacketReceived ends the window sequence for this uplink.
func (s *rxScheduler) onPacketReceived(continuous bool) {
	if continuous {
		s.state = RxContinuous
	} else {
		s.state = RxIdle
	}
}

// close resolves rxClose into the device-class resting state.
func (s *rxScheduler) close(continuous bool) {
	if continuous {
		s.state = RxContinuous
	} else {
		s.state = RxIdle
	}
}

// inWindow reports whether a timed window is currently open.
func (s *rxScheduler) inWindow() bool {
	return s.state == RxWindow1 || s.state == RxWindow2
}
