package radio

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI is the bus capability the SX127x driver sits on. Transactions are
// full-duplex: read is filled while write is shifted out.
type SPI interface {
	Tx(write, read []byte) error
	Close() error
}

// LinuxSPI drives a native spidev device through periph.io.
type LinuxSPI struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenLinuxSPI opens a spidev device (e.g. "/dev/spidev0.0") at the given
// bus speed in Hz.
func OpenLinuxSPI(device string, speedHz int64) (*LinuxSPI, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open SPI port %s: %w", device, err)
	}

	conn, err := port.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect SPI %s: %w", device, err)
	}

	return &LinuxSPI{port: port, conn: conn}, nil
}

// Tx runs one full-duplex transaction.
func (s *LinuxSPI) Tx(write, read []byte) error {
	return s.conn.Tx(write, read)
}

// Close releases the port.
func (s *LinuxSPI) Close() error {
	return s.port.Close()
}

// OpenSPI builds the SPI capability selected by the connection config.
// The CH341 USB-SPI bridge of the original hardware has no Go userspace
// driver; the type is recognized so configs port over, but it cannot be
// served yet.
func OpenSPI(spiType, device string, deviceIndex int, speedHz int64) (SPI, error) {
	switch spiType {
	case "linux", "":
		return OpenLinuxSPI(device, speedHz)
	case "ch341":
		return nil, fmt.Errorf("spi_type %q: CH341 USB-SPI bridge is not supported by this build, use spi_type \"linux\"", spiType)
	default:
		return nil, fmt.Errorf("unsupported spi_type %q", spiType)
	}
}
