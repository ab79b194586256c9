package sx127x

import (
	"fmt"
	"log/slog"
)

// Mode is a LoRa operating mode, encoded as RegOpMode bits 2:0.
// FSTX (2) and FSRX (4) exist on the chip but are never entered.
type Mode uint8

const (
	ModeSleep        Mode = 0x00
	ModeStandby      Mode = 0x01
	ModeTransmit     Mode = 0x03
	ModeRxContinuous Mode = 0x05
	ModeRxSingle     Mode = 0x06
)

var modeNames = map[Mode]string{
	ModeSleep:        "sleep",
	ModeStandby:      "standby",
	ModeTransmit:     "tx",
	ModeRxContinuous: "rx_continuous",
	ModeRxSingle:     "rx_single",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(0x%02X)", uint8(m))
}

// Valid reports whether the driver may enter m.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode maps a mode name as returned by String back to a Mode.
func ParseMode(name string) (Mode, error) {
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, name)
}

// setMode rewrites only the low 3 bits of RegOpMode. The upper bits hold the
// LoRa select flag and must survive. No settle delay is applied.
func (r *Radio) setMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidMode, m)
	}

	err := r.modifyReg(RegOpMode, func(v uint8) uint8 {
		return (v &^ OpModeMask) | uint8(m)
	})
	if err != nil {
		return fmt.Errorf("failed to set mode %s: %w", m, err)
	}

	if r.mode != m {
		r.log.Debug("Mode changed", "from", r.mode, "to", m)
	}
	r.mode = m
	return nil
}

// SetMode switches the operating mode.
func (r *Radio) SetMode(m Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMode(m)
}

// Mode returns the cached operating mode.
func (r *Radio) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SyncMode re-reads RegOpMode and replaces the cached mode, e.g. after the
// chip may have reset underneath the driver.
func (r *Radio) SyncMode() (Mode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.readReg(RegOpMode)
	if err != nil {
		return r.mode, err
	}

	m := Mode(v & OpModeMask)
	if m != r.mode {
		r.log.Warn("Mode cache out of sync", "cached", r.mode, "chip", m)
	}
	r.mode = m
	return m, nil
}

// logMode is a slog attribute helper for the current cached mode.
func (r *Radio) logMode() slog.Attr {
	return slog.String("mode", r.mode.String())
}
