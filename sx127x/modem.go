package sx127x

import (
	"fmt"
	"math"
)

// FrequencyStep is the synthesizer resolution in Hz: FXOSC / 2^19.
const FrequencyStep = 32e6 / (1 << 19)

// FrequencyRegisters returns the RegFrf MSB, MID and LSB bytes for mhz,
// F = floor(mhz * 2^19 / 32). Values that do not fit 24 bits are truncated
// the same way the chip would.
func FrequencyRegisters(mhz int) [3]uint8 {
	f := uint32((uint64(mhz) * (1 << 19)) >> 5)
	return [3]uint8{uint8(f >> 16), uint8(f >> 8), uint8(f)}
}

func (r *Radio) setFrequency(mhz int) error {
	frf := FrequencyRegisters(mhz)
	regs := [3]uint8{RegFrfMsb, RegFrfMid, RegFrfLsb}

	// Each byte is followed by a PLL settle wait
	for i, reg := range regs {
		if err := r.writeReg(reg, frf[i]); err != nil {
			return fmt.Errorf("failed to set frequency: %w", err)
		}
		r.sleep(freqSettleDelay)
	}

	r.cfg.FrequencyMHz = mhz
	return nil
}

// SetFrequency sets the carrier frequency in MHz.
func (r *Radio) SetFrequency(mhz int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setFrequency(mhz)
}

func (r *Radio) setPower(code PowerCode) error {
	if err := r.writeReg(RegPaConfig, uint8(code)); err != nil {
		return fmt.Errorf("failed to set power: %w", err)
	}
	r.sleep(writeSettleDelay)
	r.cfg.Power = code
	return nil
}

// SetPower writes a raw RegPaConfig code such as Power17dB.
func (r *Radio) SetPower(code PowerCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setPower(code)
}

// OCPTrim returns the RegOcp value for a current limit in mA, including the
// enable bit. The input is clamped to [45, 240].
func OCPTrim(mA int) uint8 {
	mA = clamp(mA, MinOverCurrentMA, MaxOverCurrentMA)

	var trim int
	if mA <= 120 {
		trim = (mA - 45) / 5
	} else {
		trim = (mA + 30) / 10
	}
	return uint8(trim) | ocpEnable
}

func (r *Radio) setOverCurrentProtection(mA int) error {
	if err := r.writeReg(RegOcp, OCPTrim(mA)); err != nil {
		return fmt.Errorf("failed to set over-current protection: %w", err)
	}
	r.sleep(writeSettleDelay)
	r.cfg.OverCurrentMA = clamp(mA, MinOverCurrentMA, MaxOverCurrentMA)
	return nil
}

// SetOverCurrentProtection sets the PA current limit in mA.
func (r *Radio) SetOverCurrentProtection(mA int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setOverCurrentProtection(mA)
}

func (r *Radio) setSpreadingFactor(sf int) error {
	sf = clamp(sf, MinSpreadingFactor, MaxSpreadingFactor)

	err := r.modifyReg(RegModemConfig2, func(v uint8) uint8 {
		return uint8(sf<<4) | (v & 0x0F)
	})
	if err != nil {
		return fmt.Errorf("failed to set spreading factor: %w", err)
	}
	r.sleep(writeSettleDelay)

	r.cfg.SpreadingFactor = sf
	return r.setAutoLDO()
}

// SetSpreadingFactor sets SF7..SF12, clamping out-of-range values, and
// recomputes low data rate optimization.
func (r *Radio) SetSpreadingFactor(sf int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setSpreadingFactor(sf)
}

// SymbolDuration returns the LoRa symbol time in milliseconds.
func SymbolDuration(sf int, bw Bandwidth) float64 {
	khz := bw.KHz()
	if khz == 0 {
		return math.Inf(1)
	}
	return float64(int(1)<<uint(sf)) / khz
}

// NeedsLowDataRateOptimization reports whether the symbol time exceeds 16 ms.
// The comparison is on the exact duration, so SF11 at 125 kHz (16.384 ms)
// needs it even though the whole-millisecond value is 16.
func NeedsLowDataRateOptimization(sf int, bw Bandwidth) bool {
	return SymbolDuration(sf, bw) > 16
}

func (r *Radio) setLowDataRateOptimization(on bool) error {
	err := r.modifyReg(RegModemConfig3, func(v uint8) uint8 {
		if on {
			return v | ldoBit
		}
		return v &^ ldoBit
	})
	if err != nil {
		return fmt.Errorf("failed to set low data rate optimization: %w", err)
	}
	r.sleep(writeSettleDelay)
	return nil
}

// SetLowDataRateOptimization sets or clears the LowDataRateOptimize bit.
func (r *Radio) SetLowDataRateOptimization(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLowDataRateOptimization(on)
}

func (r *Radio) setAutoLDO() error {
	return r.setLowDataRateOptimization(NeedsLowDataRateOptimization(r.cfg.SpreadingFactor, r.cfg.Bandwidth))
}

// SetAutoLowDataRateOptimization derives the LowDataRateOptimize bit from the
// current spreading factor and bandwidth.
func (r *Radio) SetAutoLowDataRateOptimization() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setAutoLDO()
}

func (r *Radio) setBandwidthAndCodingRate(bw Bandwidth, cr CodingRate) error {
	if !bw.Valid() {
		return fmt.Errorf("invalid bandwidth index %d", bw)
	}
	if !cr.Valid() {
		return fmt.Errorf("invalid coding rate %d", cr)
	}

	// | bandwidth (7:4) | coding rate (3:1) | implicit header (0) = 0 |
	if err := r.writeReg(RegModemConfig1, uint8(bw)<<4+uint8(cr)<<1); err != nil {
		return fmt.Errorf("failed to set bandwidth and coding rate: %w", err)
	}

	r.cfg.Bandwidth = bw
	r.cfg.CodingRate = cr
	return r.setAutoLDO()
}

// SetBandwidthAndCodingRate writes RegModemConfig1 with explicit header mode
// and recomputes low data rate optimization.
func (r *Radio) SetBandwidthAndCodingRate(bw Bandwidth, cr CodingRate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setBandwidthAndCodingRate(bw, cr)
}

// SetSyncWord writes the LoRa sync word (0x12 private, 0x34 LoRaWAN public).
func (r *Radio) SetSyncWord(word uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeReg(RegSyncWord, word); err != nil {
		return fmt.Errorf("failed to set sync word: %w", err)
	}
	r.sleep(writeSettleDelay)
	return nil
}

// SyncWord reads the sync word back from the chip.
func (r *Radio) SyncWord() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	word, err := r.readReg(RegSyncWord)
	if err != nil {
		return 0, fmt.Errorf("failed to read sync word: %w", err)
	}
	return word, nil
}

func (r *Radio) enableCRCAndSetTimeoutHighBits() error {
	if err := r.modifyReg(RegModemConfig2, func(v uint8) uint8 { return v | crcTimeoutBits }); err != nil {
		return fmt.Errorf("failed to enable CRC: %w", err)
	}
	r.sleep(writeSettleDelay)
	return nil
}

// EnableCRCAndSetTimeoutHighBits turns on payload CRC and sets SymbTimeout
// bits 9:8 in one write.
func (r *Radio) EnableCRCAndSetTimeoutHighBits() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enableCRCAndSetTimeoutHighBits()
}

// SetCRC toggles payload CRC generation and checking without touching the
// timeout bits.
func (r *Radio) SetCRC(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.modifyReg(RegModemConfig2, func(v uint8) uint8 {
		if on {
			return v | crcBit
		}
		return v &^ crcBit
	})
	if err != nil {
		return fmt.Errorf("failed to set CRC: %w", err)
	}
	return nil
}

func (r *Radio) setPreamble(n uint16) error {
	if err := r.writeReg(RegPreambleMsb, uint8(n>>8)); err != nil {
		return fmt.Errorf("failed to set preamble: %w", err)
	}
	if err := r.writeReg(RegPreambleLsb, uint8(n)); err != nil {
		return fmt.Errorf("failed to set preamble: %w", err)
	}
	r.cfg.Preamble = n
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
