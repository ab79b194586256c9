// Package sx127x drives a Semtech SX1276/77/78/79 transceiver in LoRa mode
// over a register addressed SPI bus.
//
// The driver is synchronous: every register access blocks until the bus
// transaction completes and transmit completion is detected by reading the
// IRQ flags through a Waiter. A Radio serializes its own operations, so one
// instance may be shared between goroutines.
//
// Transmit restores the mode that was active before the call. Receive always
// leaves the radio in continuous receive. The asymmetry is deliberate.
package sx127x

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("sx127x not found: unexpected version")
	ErrUnavailable     = errors.New("sx127x unavailable: invalid configuration")
	ErrTxTimeout       = errors.New("transmit timeout")
	ErrPayloadTooLarge = errors.New("payload exceeds 255 bytes")
	ErrInvalidMode     = errors.New("invalid operating mode")
)

// Settle delays after register writes
const (
	freqSettleDelay  = 5 * time.Millisecond
	writeSettleDelay = 10 * time.Millisecond
	loraSelectDelay  = 100 * time.Millisecond
)

// Radio is an SX127x in LoRa mode.
type Radio struct {
	mu     sync.Mutex
	bus    Bus
	cs     ChipSelect
	cfg    Config
	mode   Mode
	waiter Waiter
	sleep  func(time.Duration)
	log    *slog.Logger

	last PacketStatus
}

// Option configures a Radio.
type Option func(*Radio)

// WithChipSelect drives NSS manually around each transaction.
func WithChipSelect(cs ChipSelect) Option {
	return func(r *Radio) { r.cs = cs }
}

// WithWaiter replaces the default 1 ms PollWaiter.
func WithWaiter(w Waiter) Option {
	return func(r *Radio) { r.waiter = w }
}

// WithSleep replaces time.Sleep for settle delays.
func WithSleep(fn func(time.Duration)) Option {
	return func(r *Radio) { r.sleep = fn }
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Radio) { r.log = l }
}

// New returns a Radio on bus. It performs no I/O; call Init before use.
func New(bus Bus, cfg Config, opts ...Option) *Radio {
	r := &Radio{
		bus:    bus,
		cfg:    cfg,
		mode:   ModeSleep,
		waiter: PollWaiter{Interval: time.Millisecond},
		sleep:  time.Sleep,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the settings last written to the chip.
func (r *Radio) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Version reads the silicon revision register.
func (r *Radio) Version() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readReg(RegVersion)
}

// Init puts the chip in LoRa mode, applies the configuration and checks the
// silicon revision. It returns ErrUnavailable when the configuration cannot
// be encoded and ErrNotFound when the version register does not match.
func (r *Radio) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := r.setMode(ModeSleep); err != nil {
		return err
	}
	r.sleep(writeSettleDelay)

	// LoRa mode can only be selected from sleep
	if err := r.modifyReg(RegOpMode, func(v uint8) uint8 { return v | OpModeLongRange }); err != nil {
		return fmt.Errorf("failed to select LoRa mode: %w", err)
	}
	r.sleep(loraSelectDelay)

	if err := r.setFrequency(r.cfg.FrequencyMHz); err != nil {
		return err
	}
	if err := r.setPower(r.cfg.Power); err != nil {
		return err
	}
	if err := r.setOverCurrentProtection(r.cfg.OverCurrentMA); err != nil {
		return err
	}
	if err := r.writeReg(RegLna, lnaGainDefault); err != nil {
		return fmt.Errorf("failed to set LNA gain: %w", err)
	}
	if err := r.enableCRCAndSetTimeoutHighBits(); err != nil {
		return err
	}
	if err := r.setSpreadingFactor(r.cfg.SpreadingFactor); err != nil {
		return err
	}
	if err := r.writeReg(RegSymbTimeoutLsb, symbTimeoutLsb); err != nil {
		return fmt.Errorf("failed to set symbol timeout: %w", err)
	}
	if err := r.setBandwidthAndCodingRate(r.cfg.Bandwidth, r.cfg.CodingRate); err != nil {
		return err
	}
	if err := r.setPreamble(r.cfg.Preamble); err != nil {
		return err
	}

	// DIO0 stays mapped to RxDone, DIO1..DIO3 get mapping 11
	if err := r.modifyReg(RegDioMapping1, func(v uint8) uint8 { return v | dioRxDoneMapping }); err != nil {
		return fmt.Errorf("failed to set DIO mapping: %w", err)
	}

	if err := r.setMode(ModeStandby); err != nil {
		return err
	}
	r.sleep(writeSettleDelay)

	version, err := r.readReg(RegVersion)
	if err != nil {
		return err
	}
	if version != ChipVersion {
		return fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrNotFound, version, ChipVersion)
	}

	r.log.Debug("Radio initialized",
		"frequency_mhz", r.cfg.FrequencyMHz,
		"spreading_factor", r.cfg.SpreadingFactor,
		"bandwidth", r.cfg.Bandwidth,
		"coding_rate", r.cfg.CodingRate,
		"version", fmt.Sprintf("0x%02X", version))
	return nil
}
