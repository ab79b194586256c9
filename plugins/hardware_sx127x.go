package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/linht/lora-manager/sx127x"
)

// ErrNoResetLine is returned by Reset when no GPIO reset line is configured.
var ErrNoResetLine = errors.New("reset line not configured")

// dio0Recheck bounds the EventWaiter sleep between IRQ flag reads. DIO0 is
// mapped to RxDone, so TxDone is still found by polling.
const dio0Recheck = time.Millisecond

// LoRaDevice owns the SPI port and GPIO lines behind one sx127x.Radio.
type LoRaDevice struct {
	Radio *sx127x.Radio
	spi   *SPIDevice
	gpio  *GPIOController
}

// NewLoRaDevice opens the SPI port and, when a GPIO chip is configured, the
// reset, NSS and DIO0 lines. The radio is not initialized.
func NewLoRaDevice(cfg LoRaConfig, logger *slog.Logger) (*LoRaDevice, error) {
	spi, err := NewSPIDevice(cfg.SPIDevice, cfg.SPISpeed)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SPI: %w", err)
	}

	d := &LoRaDevice{spi: spi}
	opts := []sx127x.Option{sx127x.WithLogger(logger)}

	if cfg.GPIOChip != "" {
		gpio, err := NewGPIOController(cfg.GPIOChip, cfg.ResetPin, cfg.CSPin, cfg.DIO0Pin)
		if err != nil {
			spi.Close()
			return nil, fmt.Errorf("failed to initialize GPIO: %w", err)
		}
		d.gpio = gpio

		if cs := gpio.ChipSelect(); cs != nil {
			opts = append(opts, sx127x.WithChipSelect(cs))
		}
		if events := gpio.Events(); events != nil {
			opts = append(opts, sx127x.WithWaiter(sx127x.EventWaiter{Events: events, Interval: dio0Recheck}))
		}
	}

	d.Radio = sx127x.New(spi, cfg.Radio, opts...)
	return d, nil
}

// Setup resets the chip when possible, runs the init sequence and applies the
// configured sync word.
func (d *LoRaDevice) Setup(syncWord uint8) (uint8, error) {
	if err := d.Reset(); err != nil && !errors.Is(err, ErrNoResetLine) {
		return 0, err
	}

	if err := d.Radio.Init(); err != nil {
		return 0, err
	}

	if syncWord != 0 {
		if err := d.Radio.SetSyncWord(syncWord); err != nil {
			return 0, err
		}
	}

	return d.Radio.Version()
}

// Reset pulses the hardware reset line.
func (d *LoRaDevice) Reset() error {
	if d.gpio == nil {
		return ErrNoResetLine
	}
	return d.gpio.Reset()
}

// Close releases all resources
func (d *LoRaDevice) Close() error {
	var errs []error

	if d.spi != nil {
		if err := d.spi.Close(); err != nil {
			errs = append(errs, fmt.Errorf("SPI close error: %w", err))
		}
		d.spi = nil
	}

	if d.gpio != nil {
		if err := d.gpio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("GPIO close error: %w", err))
		}
		d.gpio = nil
	}

	return errors.Join(errs...)
}

// Info returns device information
func (d *LoRaDevice) Info() map[string]interface{} {
	info := map[string]interface{}{
		"chip": "SX127x",
	}
	if d.spi != nil {
		info["spi"] = d.spi.DeviceInfo()
	}
	if d.gpio != nil {
		info["gpio"] = d.gpio.Info()
	}
	return info
}
