package plugins

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Reset timing for the SX127x NRESET pin
const (
	resetPulse = 1 * time.Millisecond
	resetWait  = 100 * time.Millisecond
)

// GPIOController manages the SX127x reset, optional NSS and DIO0 lines.
// A pin number below zero leaves that line unused.
type GPIOController struct {
	chip      *gpiocdev.Chip
	resetLine *gpiocdev.Line
	csLine    *gpiocdev.Line
	dio0Line  *gpiocdev.Line
	events    chan struct{}
	chipPath  string
	resetPin  int
	csPin     int
	dio0Pin   int
}

// NewGPIOController creates a new GPIO controller
func NewGPIOController(chipPath string, resetPin, csPin, dio0Pin int) (*GPIOController, error) {
	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipPath, err)
	}

	g := &GPIOController{
		chip:     chip,
		chipPath: chipPath,
		resetPin: resetPin,
		csPin:    csPin,
		dio0Pin:  dio0Pin,
		events:   make(chan struct{}, 1),
	}

	// NRESET is active low; keep the chip running
	if resetPin >= 0 {
		g.resetLine, err = chip.RequestLine(resetPin,
			gpiocdev.AsOutput(1),
			gpiocdev.WithConsumer("sx127x-reset"))
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to request reset pin %d: %w", resetPin, err)
		}
	}

	// NSS is active low; idle high
	if csPin >= 0 {
		g.csLine, err = chip.RequestLine(csPin,
			gpiocdev.AsOutput(1),
			gpiocdev.WithConsumer("sx127x-nss"))
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to request NSS pin %d: %w", csPin, err)
		}
	}

	// DIO0 rises on RxDone with the mapping applied at init
	if dio0Pin >= 0 {
		g.dio0Line, err = chip.RequestLine(dio0Pin,
			gpiocdev.AsInput,
			gpiocdev.WithRisingEdge,
			gpiocdev.WithEventHandler(g.handleEdge),
			gpiocdev.WithConsumer("sx127x-dio0"))
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to request DIO0 pin %d: %w", dio0Pin, err)
		}
	}

	return g, nil
}

func (g *GPIOController) handleEdge(gpiocdev.LineEvent) {
	select {
	case g.events <- struct{}{}:
	default:
	}
}

// Close releases all GPIO resources
func (g *GPIOController) Close() error {
	var errs []error

	for name, line := range map[string]**gpiocdev.Line{
		"DIO0":  &g.dio0Line,
		"NSS":   &g.csLine,
		"reset": &g.resetLine,
	} {
		if *line == nil {
			continue
		}
		if err := (*line).Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s line: %w", name, err))
		}
		*line = nil
	}

	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GPIO chip: %w", err))
		}
		g.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing GPIO: %v", errs)
	}

	return nil
}

// Reset pulses NRESET low for 1 ms, then waits 100 ms for the chip to boot.
func (g *GPIOController) Reset() error {
	if g.resetLine == nil {
		return ErrNoResetLine
	}

	if err := g.resetLine.SetValue(0); err != nil {
		return fmt.Errorf("failed to set reset pin LOW: %w", err)
	}
	time.Sleep(resetPulse)

	if err := g.resetLine.SetValue(1); err != nil {
		return fmt.Errorf("failed to set reset pin HIGH: %w", err)
	}
	time.Sleep(resetWait)

	return nil
}

// ChipSelect drives NSS. It is nil when NSS is left to the SPI controller.
func (g *GPIOController) ChipSelect() func(active bool) error {
	if g.csLine == nil {
		return nil
	}
	return func(active bool) error {
		value := 1
		if active {
			value = 0
		}
		return g.csLine.SetValue(value)
	}
}

// Events delivers a value for every DIO0 rising edge, or nil without DIO0.
func (g *GPIOController) Events() <-chan struct{} {
	if g.dio0Line == nil {
		return nil
	}
	return g.events
}

// Info returns information about the GPIO controller
func (g *GPIOController) Info() string {
	if g.chip == nil {
		return fmt.Sprintf("GPIO: %s (closed)", g.chipPath)
	}

	return fmt.Sprintf("GPIO: %s (%s, %s), Reset Pin: %d, NSS Pin: %d, DIO0 Pin: %d",
		g.chipPath, g.chip.Name, g.chip.Label, g.resetPin, g.csPin, g.dio0Pin)
}
