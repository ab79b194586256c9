package sx127x

// SX127x register addresses (LoRa mode)
const (
	RegFifo              = 0x00 // FIFO read/write access
	RegOpMode            = 0x01 // Operating mode and LoRa/FSK select
	RegFrfMsb            = 0x06 // RF carrier frequency MSB
	RegFrfMid            = 0x07 // RF carrier frequency middle byte
	RegFrfLsb            = 0x08 // RF carrier frequency LSB
	RegPaConfig          = 0x09 // PA selection and output power
	RegOcp               = 0x0B // Over-current protection
	RegLna               = 0x0C // LNA settings
	RegFifoAddrPtr       = 0x0D // FIFO SPI pointer
	RegFifoTxBaseAddr    = 0x0E // Start of TX data in FIFO
	RegFifoRxBaseAddr    = 0x0F // Start of RX data in FIFO
	RegFifoRxCurrentAddr = 0x10 // Start of last packet received
	RegIrqFlagsMask      = 0x11 // IRQ mask
	RegIrqFlags          = 0x12 // IRQ flags, cleared by writing 1
	RegRxNbBytes         = 0x13 // Number of payload bytes of last packet
	RegPktSnrValue       = 0x19 // SNR of last packet
	RegPktRssiValue      = 0x1A // RSSI of last packet
	RegModemConfig1      = 0x1D // Bandwidth, coding rate, header mode
	RegModemConfig2      = 0x1E // Spreading factor, CRC, RX timeout MSB
	RegSymbTimeoutLsb    = 0x1F // RX timeout LSB
	RegPreambleMsb       = 0x20 // Preamble length MSB
	RegPreambleLsb       = 0x21 // Preamble length LSB
	RegPayloadLength     = 0x22 // Payload length
	RegModemConfig3      = 0x26 // Low data rate optimize, AGC
	RegSyncWord          = 0x39 // LoRa sync word
	RegDioMapping1       = 0x40 // DIO0..DIO3 mapping
	RegDioMapping2       = 0x41 // DIO4, DIO5 mapping
	RegVersion           = 0x42 // Silicon revision
)

// RegOpMode (0x01) bits
const (
	OpModeLongRange = 1 << 7 // LoRa mode select
	OpModeMask      = 0x07   // Operating mode bits 2:0
)

// RegIrqFlags (0x12) bits
const (
	IrqRxTimeout     = 1 << 7
	IrqRxDone        = 1 << 6
	IrqPayloadCrcErr = 1 << 5
	IrqValidHeader   = 1 << 4
	IrqTxDone        = 1 << 3
	IrqCadDone       = 1 << 2
	IrqFhssChange    = 1 << 1
	IrqCadDetected   = 1 << 0
	IrqAll           = 0xFF
)

// Bit masks used by the modem configuration setters
const (
	ocpEnable        = 1 << 5 // RegOcp OcpOn
	ldoBit           = 1 << 3 // RegModemConfig3 LowDataRateOptimize
	crcBit           = 1 << 2 // RegModemConfig2 RxPayloadCrcOn
	crcTimeoutBits   = 0x07   // RegModemConfig2 CRC on + SymbTimeout(9:8)
	dioRxDoneMapping = 0x3F   // RegDioMapping1 bits applied at init
)

// Fixed values written during initialization
const (
	ChipVersion    = 0x12 // expected RegVersion for SX1276/77/78/79
	lnaGainDefault = 0x23 // G1 (max gain), LNA boost on
	symbTimeoutLsb = 0xFF
	maxPayload     = 0xFF
)

// RegisterDescriptions names the registers exposed through the API.
var RegisterDescriptions = map[uint8]string{
	RegFifo:              "FIFO - FIFO data access",
	RegOpMode:            "OP_MODE - Operating mode and LoRa select",
	RegFrfMsb:            "FRF_MSB - Carrier frequency MSB",
	RegFrfMid:            "FRF_MID - Carrier frequency middle",
	RegFrfLsb:            "FRF_LSB - Carrier frequency LSB",
	RegPaConfig:          "PA_CONFIG - PA select and output power",
	RegOcp:               "OCP - Over-current protection",
	RegLna:               "LNA - LNA gain and boost",
	RegFifoAddrPtr:       "FIFO_ADDR_PTR - FIFO SPI pointer",
	RegFifoTxBaseAddr:    "FIFO_TX_BASE_ADDR - TX base address",
	RegFifoRxBaseAddr:    "FIFO_RX_BASE_ADDR - RX base address",
	RegFifoRxCurrentAddr: "FIFO_RX_CURRENT_ADDR - Last packet start",
	RegIrqFlagsMask:      "IRQ_FLAGS_MASK - IRQ mask",
	RegIrqFlags:          "IRQ_FLAGS - IRQ flags",
	RegRxNbBytes:         "RX_NB_BYTES - Received payload length",
	RegPktSnrValue:       "PKT_SNR_VALUE - Last packet SNR",
	RegPktRssiValue:      "PKT_RSSI_VALUE - Last packet RSSI",
	RegModemConfig1:      "MODEM_CONFIG1 - Bandwidth, coding rate, header",
	RegModemConfig2:      "MODEM_CONFIG2 - Spreading factor, CRC, timeout MSB",
	RegSymbTimeoutLsb:    "SYMB_TIMEOUT_LSB - RX timeout LSB",
	RegPreambleMsb:       "PREAMBLE_MSB - Preamble length MSB",
	RegPreambleLsb:       "PREAMBLE_LSB - Preamble length LSB",
	RegPayloadLength:     "PAYLOAD_LENGTH - Payload length",
	RegModemConfig3:      "MODEM_CONFIG3 - Low data rate optimize, AGC",
	RegSyncWord:          "SYNC_WORD - LoRa sync word",
	RegDioMapping1:       "DIO_MAPPING1 - DIO0..3 mapping",
	RegDioMapping2:       "DIO_MAPPING2 - DIO4..5 mapping",
	RegVersion:           "VERSION - Silicon revision",
}
