package sx127x

import "fmt"

// Bandwidth is the RegModemConfig1 bandwidth index.
type Bandwidth uint8

const (
	BW7_8kHz Bandwidth = iota
	BW10_4kHz
	BW15_6kHz
	BW20_8kHz
	BW31_25kHz
	BW41_7kHz
	BW62_5kHz
	BW125kHz
	BW250kHz
	BW500kHz
)

var bandwidthKHz = [...]float64{7.8, 10.4, 15.6, 20.8, 31.25, 41.7, 62.5, 125.0, 250.0, 500.0}

// KHz returns the channel bandwidth in kHz, or 0 for an unknown index.
func (b Bandwidth) KHz() float64 {
	if int(b) >= len(bandwidthKHz) {
		return 0
	}
	return bandwidthKHz[b]
}

// Valid reports whether b indexes the bandwidth table.
func (b Bandwidth) Valid() bool {
	return int(b) < len(bandwidthKHz)
}

func (b Bandwidth) String() string {
	if !b.Valid() {
		return fmt.Sprintf("Bandwidth(%d)", uint8(b))
	}
	return fmt.Sprintf("%gkHz", b.KHz())
}

// CodingRate is the RegModemConfig1 coding rate code.
type CodingRate uint8

const (
	CR4_5 CodingRate = iota + 1
	CR4_6
	CR4_7
	CR4_8
)

// Valid reports whether c is one of 4/5 .. 4/8.
func (c CodingRate) Valid() bool {
	return c >= CR4_5 && c <= CR4_8
}

func (c CodingRate) String() string {
	if !c.Valid() {
		return fmt.Sprintf("CodingRate(%d)", uint8(c))
	}
	return fmt.Sprintf("4/%d", 4+uint8(c))
}

// PowerCode is a raw RegPaConfig value. No dB conversion is applied.
type PowerCode uint8

const (
	Power11dB PowerCode = 0xF6
	Power14dB PowerCode = 0xF9
	Power17dB PowerCode = 0xFC
	Power20dB PowerCode = 0xFF
)

// RFPort selects the RF front-end used for the RSSI offset.
type RFPort uint8

const (
	PortLF RFPort = iota // low-frequency port (169/433 MHz bands)
	PortHF               // high-frequency port (868/915 MHz bands)
)

// RSSIOffset returns the packet RSSI calibration offset in dBm.
func (p RFPort) RSSIOffset() int {
	if p == PortHF {
		return -157
	}
	return -164
}

// Spreading factor bounds
const (
	MinSpreadingFactor = 7
	MaxSpreadingFactor = 12
)

// Over-current protection bounds in mA
const (
	MinOverCurrentMA = 45
	MaxOverCurrentMA = 240
)

// Config holds the radio settings pushed to the chip. Once applied these
// live on the chip; the struct is a record of what was written, not a mirror.
type Config struct {
	FrequencyMHz    int        `yaml:"frequency_mhz" json:"frequency_mhz"`
	SpreadingFactor int        `yaml:"spreading_factor" json:"spreading_factor"`
	Bandwidth       Bandwidth  `yaml:"bandwidth" json:"bandwidth"`
	CodingRate      CodingRate `yaml:"coding_rate" json:"coding_rate"`
	Power           PowerCode  `yaml:"power" json:"power"`
	OverCurrentMA   int        `yaml:"over_current_ma" json:"over_current_ma"`
	Preamble        uint16     `yaml:"preamble" json:"preamble"`
	Port            RFPort     `yaml:"port" json:"port"`
}

// DefaultConfig returns 433 MHz, SF7, 125 kHz, CR 4/5, 20 dB, 100 mA OCP,
// preamble 8.
func DefaultConfig() Config {
	return Config{
		FrequencyMHz:    433,
		SpreadingFactor: 7,
		Bandwidth:       BW125kHz,
		CodingRate:      CR4_5,
		Power:           Power20dB,
		OverCurrentMA:   100,
		Preamble:        8,
		Port:            PortLF,
	}
}

// Validate rejects settings that cannot be encoded into the modem registers.
// Spreading factor and OCP are clamped by their setters and frequency is not
// range checked, so those never fail here.
func (c Config) Validate() error {
	if !c.Bandwidth.Valid() {
		return fmt.Errorf("invalid bandwidth index %d", c.Bandwidth)
	}
	if !c.CodingRate.Valid() {
		return fmt.Errorf("invalid coding rate %d", c.CodingRate)
	}
	if c.Port != PortLF && c.Port != PortHF {
		return fmt.Errorf("invalid RF port %d", c.Port)
	}
	return nil
}
