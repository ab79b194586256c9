package plugins

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIDevice is an SPI port opened through periph.io. It satisfies
// sx127x.Bus: each Tx is one chip-select framed transaction.
type SPIDevice struct {
	conn   spi.Conn
	port   spi.PortCloser
	device string
	speed  physic.Frequency
}

// NewSPIDevice opens and initializes an SPI device using periph.io
func NewSPIDevice(device string, speed uint32) (*SPIDevice, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI device %s: %w", device, err)
	}

	// SX127x samples on the rising edge: SPI Mode 0 (CPOL=0, CPHA=0), MSB first
	conn, err := port.Connect(physic.Frequency(speed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect to SPI device: %w", err)
	}

	return &SPIDevice{
		conn:   conn,
		port:   port,
		device: device,
		speed:  physic.Frequency(speed) * physic.Hertz,
	}, nil
}

// Close closes the SPI device
func (s *SPIDevice) Close() error {
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		s.conn = nil
		return err
	}
	return nil
}

// Tx performs a full-duplex SPI transfer
func (s *SPIDevice) Tx(w, r []byte) error {
	if s.conn == nil {
		return fmt.Errorf("SPI device not open")
	}
	if r != nil && len(w) != len(r) {
		return fmt.Errorf("tx and rx buffers must be the same length")
	}

	if err := s.conn.Tx(w, r); err != nil {
		return fmt.Errorf("SPI transfer failed: %w", err)
	}
	return nil
}

// DeviceInfo provides information about the SPI device
func (s *SPIDevice) DeviceInfo() string {
	if s.conn == nil {
		return fmt.Sprintf("Device: %s (closed)", s.device)
	}
	return fmt.Sprintf("Device: %s, Speed: %s", s.device, s.speed)
}

// ValidateSPIDevice checks if the device can be opened
func ValidateSPIDevice(device string) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return fmt.Errorf("SPI device %s not accessible: %w", device, err)
	}
	defer port.Close()

	return nil
}
