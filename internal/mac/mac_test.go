package mac

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/lorawan-node/internal/radio"
	"github.com/lorawan-node/lorawan-node/internal/region"
	"github.com/lorawan-node/lorawan-node/pkg/lorawan"
)

// fakeClock is a manually advanced monotonic clock. Wiring it into both
// now and sleep lets duty-cycle waits pass instantly in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRadio records the programmed state and scripts receptions.
type fakeRadio struct {
	freq     float64
	sf       int
	bw       float64
	cr       int
	preamble uint16
	syncWord byte
	lnaGain  byte
	invertIQ bool
	powerDBm int8
	paBoost  bool

	mode string // standby | sleep | rx | tx

	irq     byte
	payload []byte
	rssi    int16
	snr     float64

	sent    [][]byte
	sendErr error
	onSend  func([]byte)

	rxOnReceive []byte

	freqLog []float64
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{mode: "standby", rssi: -80, snr: 7.5}
}

func (f *fakeRadio) SetFrequency(mhz float64) error {
	f.freq = mhz
	f.freqLog = append(f.freqLog, mhz)
	return nil
}
func (f *fakeRadio) Frequency() float64 { return f.freq }
func (f *fakeRadio) SetTxPower(dBm int8, paBoost bool) error {
	f.powerDBm = dBm
	f.paBoost = paBoost
	return nil
}
func (f *fakeRadio) SetSpreadingFactor(sf int) error    { f.sf = sf; return nil }
func (f *fakeRadio) SetBandwidth(khz float64) error     { f.bw = khz; return nil }
func (f *fakeRadio) SetCodingRate(d int) error          { f.cr = d; return nil }
func (f *fakeRadio) SetPreambleLength(l uint16) error   { f.preamble = l; return nil }
func (f *fakeRadio) SetSyncWord(sw byte) error          { f.syncWord = sw; return nil }
func (f *fakeRadio) SetLNA(gain byte, boost bool) error { f.lnaGain = gain; return nil }
func (f *fakeRadio) SetInvertIQ(invert bool) error      { f.invertIQ = invert; return nil }
func (f *fakeRadio) SetContinuousReceive() error        { f.receive(); return nil }
func (f *fakeRadio) Standby() error                     { f.mode = "standby"; return nil }
func (f *fakeRadio) Sleep() error                       { f.mode = "sleep"; return nil }
func (f *fakeRadio) ClearIRQFlags() error               { f.irq = 0; return nil }
func (f *fakeRadio) IRQFlags() (byte, error)            { return f.irq, nil }
func (f *fakeRadio) ReadPayload() ([]byte, error)       { return f.payload, nil }
func (f *fakeRadio) RSSI() (int16, error)               { return f.rssi, nil }
func (f *fakeRadio) SNR() (float64, error)              { return f.snr, nil }
func (f *fakeRadio) ReadRegister(a byte) (byte, error)  { return 0, nil }
func (f *fakeRadio) WriteRegister(a byte, v byte) error { return nil }

func (f *fakeRadio) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	if f.onSend != nil {
		f.onSend(data)
	}
	return nil
}

// inject queues a reception as if RX-done fired with a clean CRC.
func (f *fakeRadio) inject(payload []byte) {
	f.payload = payload
	f.irq = radio.IRQRxDone
}

// injectOnRx queues a reception that lands when the next receive window
// opens, after the MAC has cleared stale IRQ flags.
func (f *fakeRadio) injectOnRx(payload []byte) {
	f.rxOnReceive = payload
}

// receive enters RX mode and delivers a reception queued by injectOnRx.
func (f *fakeRadio) receive() {
	f.mode = "rx"
	if f.rxOnReceive != nil {
		f.inject(f.rxOnReceive)
		f.rxOnReceive = nil
	}
}

var (
	testNwkSKey = lorawan.AES128Key{
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
	}
	testAppSKey = testNwkSKey
	testDevAddr = lorawan.DevAddr{0xDA, 0x1B, 0x01, 0x26}
)

type testEnv struct {
	dev   *Device
	radio *fakeRadio
	clock *fakeClock
}

func newTestDevice(t *testing.T, opts Options) *testEnv {
	t.Helper()

	if opts.Region == "" {
		opts.Region = region.EU868
	}
	if opts.SessionPath == "" {
		opts.SessionPath = filepath.Join(t.TempDir(), "session.json")
	}
	r := newFakeRadio()
	clock := newFakeClock()

	dev, err := New(r, opts)
	require.NoError(t, err)

	dev.now = clock.now
	dev.sleep = clock.advance
	dev.duty.now = clock.now
	dev.rx.now = clock.now
	dev.duty.reset()

	require.NoError(t, dev.Init())

	return &testEnv{dev: dev, radio: r, clock: clock}
}

// join installs a valid session directly.
func (e *testEnv) join(t *testing.T) {
	t.Helper()
	e.dev.sess.DevAddr = testDevAddr
	e.dev.sess.NwkSKey = testNwkSKey
	e.dev.sess.AppSKey = testAppSKey
	e.dev.sess.Joined = true
}

// buildDownlink produces a network downlink for the test session.
func buildDownlink(t *testing.T, confirmed bool, fCnt uint16, port uint8, payload []byte, fOpts []byte, ack bool) []byte {
	t.Helper()

	mtype := lorawan.UnconfirmedDataDown
	if confirmed {
		mtype = lorawan.ConfirmedDataDown
	}

	mp := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: testDevAddr,
			FCnt:    fCnt,
			FOpts:   fOpts,
			FCtrl:   lorawan.FCtrl{ACK: ack},
		},
	}
	if len(payload) > 0 {
		key := testAppSKey
		if port == 0 {
			key = testNwkSKey
		}
		mp.FPort = &port
		mp.FRMPayload = lorawan.EncryptFRMPayload(key, testDevAddr, uint32(fCnt), false, payload)
	}

	mpBytes, err := mp.Marshal(false)
	require.NoError(t, err)

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype},
		MACPayload: mpBytes,
	}
	phy.SetDataMIC(testNwkSKey, testDevAddr, uint32(fCnt), false)

	wire, err := phy.MarshalBinary()
	require.NoError(t, err)
	return wire
}
