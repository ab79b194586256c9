package plugins

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/linht/lora-manager/sx127x"
)

// ErrNotInitialized is returned by handlers that need an open device.
var ErrNotInitialized = errors.New("lora device not initialized")

// LoRaConfig holds the SX127x wiring and radio settings
type LoRaConfig struct {
	SPIDevice   string        `yaml:"spi_device" json:"spi_device"`
	SPISpeed    uint32        `yaml:"spi_speed" json:"spi_speed"`
	GPIOChip    string        `yaml:"gpio_chip" json:"gpio_chip"`
	ResetPin    int           `yaml:"reset_pin" json:"reset_pin"`
	CSPin       int           `yaml:"cs_pin" json:"cs_pin"`
	DIO0Pin     int           `yaml:"dio0_pin" json:"dio0_pin"`
	Radio       sx127x.Config `yaml:"radio" json:"radio"`
	SyncWord    uint8         `yaml:"sync_word" json:"sync_word"`
	TxTimeoutMs int           `yaml:"tx_timeout_ms" json:"tx_timeout_ms"`
	Monitor     MonitorConfig `yaml:"monitor" json:"monitor"`
}

// DefaultLoRaConfig returns the wiring of a Raspberry Pi LoRa HAT on
// spidev0.0 with reset on GPIO 22 and no NSS or DIO0 lines.
func DefaultLoRaConfig() LoRaConfig {
	return LoRaConfig{
		SPIDevice:   "/dev/spidev0.0",
		SPISpeed:    500000,
		GPIOChip:    "gpiochip0",
		ResetPin:    22,
		CSPin:       -1,
		DIO0Pin:     -1,
		Radio:       sx127x.DefaultConfig(),
		TxTimeoutMs: 1000,
		Monitor: MonitorConfig{
			PollTicks: DefaultMonitorPollTicks,
			History:   DefaultMonitorHistory,
		},
	}
}

// dBm to RegPaConfig codes accepted by the power endpoint
var powerCodes = map[int]sx127x.PowerCode{
	11: sx127x.Power11dB,
	14: sx127x.Power14dB,
	17: sx127x.Power17dB,
	20: sx127x.Power20dB,
}

// LoRaPlugin exposes an SX127x radio over HTTP. Unlike the transient
// hardware access elsewhere the device stays open between requests so the
// receive monitor can run.
type LoRaPlugin struct {
	config LoRaConfig
	open   func(LoRaConfig, *slog.Logger) (*LoRaDevice, error)
	log    *slog.Logger

	mu      sync.Mutex
	dev     *LoRaDevice
	monitor *Monitor
}

// NewLoRaPlugin creates a new LoRa plugin instance
func NewLoRaPlugin(cfg LoRaConfig) (*LoRaPlugin, error) {
	if cfg.SPISpeed == 0 {
		cfg.SPISpeed = 500000 // Default 500 kHz
	}
	if cfg.TxTimeoutMs <= 0 {
		cfg.TxTimeoutMs = 1000
	}
	if err := cfg.Radio.Validate(); err != nil {
		return nil, fmt.Errorf("invalid radio config: %w", err)
	}

	logger := slog.Default().With("plugin", "lora")
	logger.Info("LoRa plugin initializing",
		"spi_device", cfg.SPIDevice,
		"spi_speed", cfg.SPISpeed,
		"gpio_chip", cfg.GPIOChip,
		"reset_pin", cfg.ResetPin,
		"cs_pin", cfg.CSPin,
		"dio0_pin", cfg.DIO0Pin,
		"frequency_mhz", cfg.Radio.FrequencyMHz,
		"monitor", cfg.Monitor.Enabled)

	return &LoRaPlugin{
		config: cfg,
		open:   NewLoRaDevice,
		log:    logger,
	}, nil
}

// Name returns the plugin identifier
func (p *LoRaPlugin) Name() string {
	return "lora"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *LoRaPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/lora")

	// Device control endpoints
	api.Post("/init", p.handleInit)
	api.Post("/reset", p.handleReset)
	api.Get("/status", p.handleStatus)

	// Modem settings
	api.Post("/mode", p.handleSetMode)
	api.Post("/mode/sync", p.handleSyncMode)
	api.Post("/frequency", p.handleSetFrequency)
	api.Post("/spreading-factor", p.handleSetSpreadingFactor)
	api.Post("/bandwidth", p.handleSetBandwidth)
	api.Post("/power", p.handleSetPower)
	api.Post("/ocp", p.handleSetOCP)
	api.Post("/sync-word", p.handleSetSyncWord)
	api.Post("/crc", p.handleSetCRC)

	// Packet I/O
	api.Post("/transmit", p.handleTransmit)
	api.Post("/receive", p.handleReceive)
	api.Get("/rssi", p.handleRSSI)
	api.Get("/packets", p.handlePackets)
	api.Get("/stream", websocket.New(p.handleStream))

	// Register access endpoints
	api.Get("/register/:addr", p.handleReadRegister)
	api.Post("/register/:addr", p.handleWriteRegister)

	p.log.Info("LoRa plugin routes registered")
}

// Shutdown stops the monitor, puts the radio to sleep and releases the device.
func (p *LoRaPlugin) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *LoRaPlugin) closeLocked() error {
	if p.monitor != nil {
		p.monitor.Stop()
		p.monitor = nil
	}
	if p.dev == nil {
		return nil
	}

	if err := p.dev.Radio.SetMode(sx127x.ModeSleep); err != nil {
		p.log.Warn("Failed to put radio to sleep", "error", err)
	}
	err := p.dev.Close()
	p.dev = nil
	return err
}

// Open (re)opens the device, runs the init sequence and starts the monitor
// when enabled.
func (p *LoRaPlugin) Open() (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.closeLocked(); err != nil {
		p.log.Warn("Failed to close previous device", "error", err)
	}

	dev, err := p.open(p.config, p.log)
	if err != nil {
		return 0, err
	}

	version, err := dev.Setup(p.config.SyncWord)
	if err != nil {
		dev.Close()
		return 0, err
	}
	p.dev = dev

	if err := p.startMonitorLocked(); err != nil {
		p.closeLocked()
		return 0, err
	}

	return version, nil
}

func (p *LoRaPlugin) startMonitorLocked() error {
	if !p.config.Monitor.Enabled {
		return nil
	}
	m := NewMonitor(p.dev.Radio, p.config.Monitor, p.log)
	if err := m.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	p.monitor = m
	return nil
}

func (p *LoRaPlugin) radio() (*sx127x.Radio, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return nil, ErrNotInitialized
	}
	return p.dev.Radio, nil
}

func (p *LoRaPlugin) currentMonitor() *Monitor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monitor
}

// reply is the success payload of a radio operation.
type reply struct {
	data    interface{}
	message string
}

// withRadio runs fn against the open radio. Only errors from fn go through
// SendRadioError; a failure to write the success response is returned to
// fiber as is.
func (p *LoRaPlugin) withRadio(c *fiber.Ctx, fn func(*sx127x.Radio) (reply, error)) error {
	r, err := p.radio()
	if err != nil {
		return SendRadioError(c, err)
	}
	rep, err := fn(r)
	if err != nil {
		p.log.Error("LoRa operation failed", "path", c.Path(), "error", err)
		return SendRadioError(c, err)
	}
	return SendSuccess(c, rep.data, rep.message)
}

// Device control handlers

func (p *LoRaPlugin) handleInit(c *fiber.Ctx) error {
	version, err := p.Open()
	if err != nil {
		p.log.Error("Failed to initialize LoRa radio", "error", err)
		return SendRadioError(c, err)
	}

	p.log.Info("LoRa radio initialized", "version", fmt.Sprintf("0x%02X", version))
	return SendSuccess(c, map[string]interface{}{
		"version": fmt.Sprintf("0x%02X", version),
		"config":  p.config.Radio,
		"monitor": p.config.Monitor.Enabled,
	}, "LoRa radio initialized")
}

func (p *LoRaPlugin) handleReset(c *fiber.Ctx) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dev == nil {
		return SendRadioError(c, ErrNotInitialized)
	}

	if p.monitor != nil {
		p.monitor.Stop()
		p.monitor = nil
	}

	version, err := p.dev.Setup(p.config.SyncWord)
	if err == nil {
		err = p.startMonitorLocked()
	}
	if err != nil {
		p.log.Error("Failed to reset LoRa radio", "error", err)
		return SendRadioError(c, err)
	}

	p.log.Info("LoRa radio reset")
	return SendSuccess(c, map[string]interface{}{
		"version": fmt.Sprintf("0x%02X", version),
	}, "LoRa radio reset")
}

func (p *LoRaPlugin) handleStatus(c *fiber.Ctx) error {
	p.mu.Lock()
	dev, monitor := p.dev, p.monitor
	p.mu.Unlock()

	if dev == nil {
		return SendSuccess(c, map[string]interface{}{
			"initialized": false,
		}, "")
	}

	status := map[string]interface{}{
		"initialized": true,
		"mode":        dev.Radio.Mode().String(),
		"config":      dev.Radio.Config(),
		"last_packet": dev.Radio.LastPacket(),
		"info":        dev.Info(),
	}
	if version, err := dev.Radio.Version(); err == nil {
		status["version"] = fmt.Sprintf("0x%02X", version)
	}
	if word, err := dev.Radio.SyncWord(); err == nil {
		status["sync_word"] = fmt.Sprintf("0x%02X", word)
	}
	if monitor != nil {
		status["monitor"] = map[string]interface{}{
			"subscribers": monitor.Subscribers(),
			"packets":     len(monitor.Recent()),
		}
	}

	return SendSuccess(c, status, "")
}

// Modem setting handlers

func (p *LoRaPlugin) handleSetMode(c *fiber.Ctx) error {
	var req struct {
		Mode string `json:"mode"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	mode, err := sx127x.ParseMode(req.Mode)
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, err)
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetMode(mode); err != nil {
			return reply{}, err
		}
		p.log.Info("LoRa mode set", "mode", mode)
		return reply{map[string]interface{}{"mode": mode.String()}, "Mode set"}, nil
	})
}

func (p *LoRaPlugin) handleSyncMode(c *fiber.Ctx) error {
	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		mode, err := r.SyncMode()
		if err != nil {
			return reply{}, err
		}
		return reply{map[string]interface{}{"mode": mode.String()}, "Mode read from chip"}, nil
	})
}

func (p *LoRaPlugin) handleSetFrequency(c *fiber.Ctx) error {
	var req struct {
		MHz int `json:"mhz"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}
	if req.MHz <= 0 {
		return SendErrorMessage(c, fiber.StatusBadRequest, "Frequency must be positive")
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetFrequency(req.MHz); err != nil {
			return reply{}, err
		}
		regs := sx127x.FrequencyRegisters(req.MHz)
		p.log.Info("LoRa frequency set", "mhz", req.MHz)
		return reply{map[string]interface{}{
			"mhz":       req.MHz,
			"registers": fmt.Sprintf("%02X %02X %02X", regs[0], regs[1], regs[2]),
		}, fmt.Sprintf("Frequency set to %d MHz", req.MHz)}, nil
	})
}

func (p *LoRaPlugin) handleSetSpreadingFactor(c *fiber.Ctx) error {
	var req struct {
		SF int `json:"sf"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetSpreadingFactor(req.SF); err != nil {
			return reply{}, err
		}
		applied := r.Config().SpreadingFactor
		p.log.Info("LoRa spreading factor set", "requested", req.SF, "applied", applied)
		return reply{map[string]interface{}{"sf": applied}, "Spreading factor set"}, nil
	})
}

func (p *LoRaPlugin) handleSetBandwidth(c *fiber.Ctx) error {
	var req struct {
		Bandwidth  sx127x.Bandwidth  `json:"bandwidth"`
		CodingRate sx127x.CodingRate `json:"coding_rate"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}
	if !req.Bandwidth.Valid() || !req.CodingRate.Valid() {
		return SendErrorMessage(c, fiber.StatusBadRequest, "Invalid bandwidth or coding rate")
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetBandwidthAndCodingRate(req.Bandwidth, req.CodingRate); err != nil {
			return reply{}, err
		}
		p.log.Info("LoRa bandwidth set", "bandwidth", req.Bandwidth, "coding_rate", req.CodingRate)
		return reply{map[string]interface{}{
			"bandwidth":   req.Bandwidth.String(),
			"coding_rate": req.CodingRate.String(),
			"ldo":         sx127x.NeedsLowDataRateOptimization(r.Config().SpreadingFactor, req.Bandwidth),
		}, "Bandwidth and coding rate set"}, nil
	})
}

func (p *LoRaPlugin) handleSetPower(c *fiber.Ctx) error {
	var req struct {
		DBm int `json:"dbm"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	code, ok := powerCodes[req.DBm]
	if !ok {
		return SendErrorMessage(c, fiber.StatusBadRequest, "Power must be 11, 14, 17 or 20 dBm")
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetPower(code); err != nil {
			return reply{}, err
		}
		p.log.Info("LoRa power set", "dbm", req.DBm)
		return reply{map[string]interface{}{
			"dbm":  req.DBm,
			"code": fmt.Sprintf("0x%02X", uint8(code)),
		}, "Power set"}, nil
	})
}

func (p *LoRaPlugin) handleSetOCP(c *fiber.Ctx) error {
	var req struct {
		MA int `json:"ma"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetOverCurrentProtection(req.MA); err != nil {
			return reply{}, err
		}
		return reply{map[string]interface{}{
			"ma":   r.Config().OverCurrentMA,
			"trim": fmt.Sprintf("0x%02X", sx127x.OCPTrim(req.MA)),
		}, "Over-current protection set"}, nil
	})
}

func (p *LoRaPlugin) handleSetSyncWord(c *fiber.Ctx) error {
	var req struct {
		Value uint8 `json:"value"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetSyncWord(req.Value); err != nil {
			return reply{}, err
		}
		return reply{map[string]interface{}{
			"sync_word": fmt.Sprintf("0x%02X", req.Value),
		}, "Sync word set"}, nil
	})
}

func (p *LoRaPlugin) handleSetCRC(c *fiber.Ctx) error {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.SetCRC(req.Enabled); err != nil {
			return reply{}, err
		}
		return reply{map[string]interface{}{"crc": req.Enabled}, "CRC setting applied"}, nil
	})
}

// Packet handlers

func (p *LoRaPlugin) handleTransmit(c *fiber.Ctx) error {
	var req struct {
		Data string `json:"data"`
		Hex  string `json:"hex"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	payload := []byte(req.Data)
	if req.Hex != "" {
		var err error
		if payload, err = hex.DecodeString(req.Hex); err != nil {
			return SendErrorMessage(c, fiber.StatusBadRequest, "Invalid hex payload")
		}
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.Transmit(c.UserContext(), payload, p.config.TxTimeoutMs); err != nil {
			return reply{}, err
		}
		p.log.Info("LoRa packet sent", "length", len(payload))
		return reply{map[string]interface{}{
			"length": len(payload),
			"mode":   r.Mode().String(),
		}, "Packet sent"}, nil
	})
}

func (p *LoRaPlugin) handleReceive(c *fiber.Ctx) error {
	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		buf := make([]byte, 255)
		n, err := r.Receive(buf)
		if err != nil {
			return reply{}, err
		}
		if n == 0 {
			return reply{map[string]interface{}{"received": false}, "No packet pending"}, nil
		}

		status := r.LastPacket()
		return reply{map[string]interface{}{
			"received": true,
			"hex":      hex.EncodeToString(buf[:n]),
			"text":     string(buf[:n]),
			"status":   status,
		}, ""}, nil
	})
}

func (p *LoRaPlugin) handleRSSI(c *fiber.Ctx) error {
	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		rssi, err := r.RSSI()
		if err != nil {
			return reply{}, err
		}
		return reply{map[string]interface{}{"rssi": rssi}, ""}, nil
	})
}

func (p *LoRaPlugin) handlePackets(c *fiber.Ctx) error {
	m := p.currentMonitor()
	if m == nil {
		return SendErrorMessage(c, fiber.StatusConflict, "Receive monitor is not running")
	}

	packets := m.Recent()
	return SendSuccess(c, map[string]interface{}{
		"packets": packets,
		"count":   len(packets),
	}, "")
}

func (p *LoRaPlugin) handleStream(conn *websocket.Conn) {
	m := p.currentMonitor()
	if m == nil {
		conn.WriteJSON(fiber.Map{"error": "Receive monitor is not running"})
		return
	}

	id, packets := m.Subscribe()
	defer m.Unsubscribe(id)
	p.log.Info("LoRa stream opened", "subscriber", id)

	// Reader detects the client going away
	go func() {
		defer m.Unsubscribe(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for pkt := range packets {
		if err := conn.WriteJSON(pkt); err != nil {
			break
		}
	}
	p.log.Info("LoRa stream closed", "subscriber", id)
}

// Register access handlers

func (p *LoRaPlugin) handleReadRegister(c *fiber.Ctx) error {
	addr, err := parseRegisterAddr(c.Params("addr"))
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, err)
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		value, err := r.ReadRegister(addr)
		if err != nil {
			return reply{}, err
		}

		desc := sx127x.RegisterDescriptions[addr]
		if desc == "" {
			desc = "Unknown register"
		}

		return reply{map[string]interface{}{
			"address":     fmt.Sprintf("0x%02X", addr),
			"value":       fmt.Sprintf("0x%02X", value),
			"value_dec":   value,
			"description": desc,
		}, ""}, nil
	})
}

func (p *LoRaPlugin) handleWriteRegister(c *fiber.Ctx) error {
	addr, err := parseRegisterAddr(c.Params("addr"))
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, err)
	}

	var req struct {
		Value uint8 `json:"value"`
	}
	if ok, err := bindJSON(c, &req); !ok {
		return err
	}

	return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
		if err := r.WriteRegister(addr, req.Value); err != nil {
			return reply{}, err
		}
		p.log.Info("Register write", "address", fmt.Sprintf("0x%02X", addr), "value", fmt.Sprintf("0x%02X", req.Value))
		return reply{nil, "Register written successfully"}, nil
	})
}

// Register the plugin
func init() {
	Register("lora", func(config interface{}) (Plugin, error) {
		cfg, ok := config.(LoRaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config for lora plugin")
		}
		return NewLoRaPlugin(cfg)
	})
}
