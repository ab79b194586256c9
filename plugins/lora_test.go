package plugins

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/linht/lora-manager/sx127x"
	"github.com/linht/lora-manager/sx127x/sx127xtest"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestLoRa(t *testing.T, cfg LoRaConfig) (*fiber.App, *LoRaPlugin, *sx127xtest.Chip) {
	t.Helper()

	chip := sx127xtest.NewChip()
	chip.TxDone = true

	p, err := NewLoRaPlugin(cfg)
	if err != nil {
		t.Fatalf("NewLoRaPlugin failed: %v", err)
	}
	p.log = discardLogger
	p.open = func(cfg LoRaConfig, logger *slog.Logger) (*LoRaDevice, error) {
		return &LoRaDevice{
			Radio: sx127x.New(chip, cfg.Radio,
				sx127x.WithSleep(func(time.Duration) {}),
				sx127x.WithLogger(logger)),
		}, nil
	}

	app := fiber.New()
	p.RegisterRoutes(app)
	t.Cleanup(func() { p.Shutdown() })

	return app, p, chip
}

func doRequest(t *testing.T, app *fiber.App, method, path string, body interface{}) (int, APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func dataMap(t *testing.T, resp APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected object data, got %T", resp.Data)
	}
	return m
}

func initRadio(t *testing.T, app *fiber.App) {
	t.Helper()
	status, resp := doRequest(t, app, http.MethodPost, "/api/lora/init", nil)
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("init failed: %d %s", status, resp.Error)
	}
}

func TestDefaultLoRaConfig(t *testing.T) {
	cfg := DefaultLoRaConfig()

	if err := cfg.Radio.Validate(); err != nil {
		t.Errorf("Default radio config invalid: %v", err)
	}
	if cfg.CSPin != -1 || cfg.DIO0Pin != -1 {
		t.Errorf("Expected NSS and DIO0 disabled by default, got %d and %d", cfg.CSPin, cfg.DIO0Pin)
	}
	if cfg.Monitor.Enabled {
		t.Error("Expected monitor disabled by default")
	}
}

func TestNewLoRaPluginRejectsInvalidRadio(t *testing.T) {
	cfg := DefaultLoRaConfig()
	cfg.Radio.Bandwidth = 12

	if _, err := NewLoRaPlugin(cfg); err == nil {
		t.Error("Expected error for invalid bandwidth")
	}
}

func TestLoRaFactoryConfigType(t *testing.T) {
	factory, ok := Get("lora")
	if !ok {
		t.Fatal("lora plugin not registered")
	}
	if _, err := factory(map[string]interface{}{}); err == nil {
		t.Error("Expected error for untyped config")
	}
	plugin, err := factory(DefaultLoRaConfig())
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if plugin.Name() != "lora" {
		t.Errorf("Expected name lora, got %s", plugin.Name())
	}
}

func TestLoRaNotInitialized(t *testing.T) {
	app, _, _ := newTestLoRa(t, DefaultLoRaConfig())

	status, resp := doRequest(t, app, http.MethodPost, "/api/lora/mode", map[string]string{"mode": "standby"})
	if status != http.StatusConflict || resp.Success {
		t.Errorf("Expected 409, got %d", status)
	}

	status, resp = doRequest(t, app, http.MethodGet, "/api/lora/status", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if dataMap(t, resp)["initialized"] != false {
		t.Errorf("Expected initialized=false, got %v", resp.Data)
	}
}

func TestLoRaInitAndStatus(t *testing.T) {
	app, _, chip := newTestLoRa(t, DefaultLoRaConfig())

	status, resp := doRequest(t, app, http.MethodPost, "/api/lora/init", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, resp.Error)
	}
	if v := dataMap(t, resp)["version"]; v != "0x12" {
		t.Errorf("Expected version 0x12, got %v", v)
	}
	if chip.Mode() != sx127x.ModeStandby {
		t.Errorf("Expected standby after init, got %s", chip.Mode())
	}

	_, resp = doRequest(t, app, http.MethodGet, "/api/lora/status", nil)
	data := dataMap(t, resp)
	if data["initialized"] != true || data["mode"] != "standby" {
		t.Errorf("Unexpected status %v", data)
	}
}

func TestLoRaInitWrongVersion(t *testing.T) {
	app, p, chip := newTestLoRa(t, DefaultLoRaConfig())
	chip.SetReg(sx127x.RegVersion, 0x22)

	status, _ := doRequest(t, app, http.MethodPost, "/api/lora/init", nil)
	if status != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", status)
	}
	if _, err := p.radio(); err != ErrNotInitialized {
		t.Errorf("Expected device to stay closed, got %v", err)
	}
}

func TestLoRaInitAppliesSyncWord(t *testing.T) {
	cfg := DefaultLoRaConfig()
	cfg.SyncWord = 0x34
	app, _, chip := newTestLoRa(t, cfg)

	initRadio(t, app)
	if got := chip.Reg(sx127x.RegSyncWord); got != 0x34 {
		t.Errorf("Expected sync word 0x34, got 0x%02X", got)
	}

	_, resp := doRequest(t, app, http.MethodGet, "/api/lora/status", nil)
	if got := dataMap(t, resp)["sync_word"]; got != "0x34" {
		t.Errorf("Expected status sync_word 0x34, got %v", got)
	}

	// Status reports the chip, not the last value written through the API.
	chip.SetReg(sx127x.RegSyncWord, 0x12)
	_, resp = doRequest(t, app, http.MethodGet, "/api/lora/status", nil)
	if got := dataMap(t, resp)["sync_word"]; got != "0x12" {
		t.Errorf("Expected status sync_word 0x12, got %v", got)
	}
}

func TestLoRaResetWithoutResetLine(t *testing.T) {
	app, p, chip := newTestLoRa(t, DefaultLoRaConfig())
	p.open = func(cfg LoRaConfig, logger *slog.Logger) (*LoRaDevice, error) {
		return &LoRaDevice{
			Radio: sx127x.New(chip, cfg.Radio,
				sx127x.WithSleep(func(time.Duration) {}),
				sx127x.WithLogger(logger)),
			gpio: &GPIOController{chipPath: "gpiochip0", resetPin: -1, csPin: -1, dio0Pin: -1},
		}, nil
	}

	status, _ := doRequest(t, app, http.MethodPost, "/api/lora/reset", nil)
	if status != http.StatusConflict {
		t.Errorf("Expected 409 before init, got %d", status)
	}

	initRadio(t, app)

	want := sx127x.FrequencyRegisters(p.config.Radio.FrequencyMHz)
	chip.SetReg(sx127x.RegFrfMsb, 0x00)
	chip.SetReg(sx127x.RegModemConfig1, 0x00)

	status, resp := doRequest(t, app, http.MethodPost, "/api/lora/reset", nil)
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("Expected 200 from reset, got %d: %s", status, resp.Error)
	}
	if v := dataMap(t, resp)["version"]; v != "0x12" {
		t.Errorf("Expected version 0x12, got %v", v)
	}
	if got := chip.Reg(sx127x.RegFrfMsb); got != want[0] {
		t.Errorf("Expected frequency re-applied (0x%02X), got 0x%02X", want[0], got)
	}
	if got := chip.Reg(sx127x.RegModemConfig1); got == 0x00 {
		t.Error("Expected modem config re-applied")
	}
}

func TestLoRaResponseWriteFailureIsNotRadioError(t *testing.T) {
	app, p, _ := newTestLoRa(t, DefaultLoRaConfig())
	app.Get("/unencodable", func(c *fiber.Ctx) error {
		return p.withRadio(c, func(r *sx127x.Radio) (reply, error) {
			return reply{data: map[string]interface{}{"bad": make(chan int)}}, nil
		})
	})
	initRadio(t, app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/unencodable", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	if strings.Contains(string(body), `"success":false`) {
		t.Errorf("Encoding failure was answered as a radio error: %s", body)
	}
}

func TestLoRaSetMode(t *testing.T) {
	app, _, chip := newTestLoRa(t, DefaultLoRaConfig())
	initRadio(t, app)

	status, _ := doRequest(t, app, http.MethodPost, "/api/lora/mode", map[string]string{"mode": "rx_continuous"})
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if chip.Mode() != sx127x.ModeRxContinuous {
		t.Errorf("Expected rx_continuous, got %s", chip.Mode())
	}

	status, _ = doRequest(t, app, http.MethodPost, "/api/lora/mode", map[string]string{"mode": "fstx"})
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown mode, got %d", status)
	}

	// Out-of-band change picked up by a resync
	chip.SetReg(sx127x.RegOpMode, 0x80|uint8(sx127x.ModeSleep))
	_, resp := doRequest(t, app, http.MethodPost, "/api/lora/mode/sync", nil)
	if m := dataMap(t, resp)["mode"]; m != "sleep" {
		t.Errorf("Expected sleep after sync, got %v", m)
	}
}

func TestLoRaModemSettings(t *testing.T) {
	app, _, chip := newTestLoRa(t, DefaultLoRaConfig())
	initRadio(t, app)

	if status, _ := doRequest(t, app, http.MethodPost, "/api/lora/frequency", map[string]int{"mhz": 868}); status != http.StatusOK {
		t.Errorf("frequency: expected 200, got %d", status)
	}
	want := sx127x.FrequencyRegisters(868)
	got := [3]uint8{chip.Reg(sx127x.RegFrfMsb), chip.Reg(sx127x.RegFrfMid), chip.Reg(sx127x.RegFrfLsb)}
	if got != want {
		t.Errorf("Expected frequency registers % X, got % X", want, got)
	}

	_, resp := doRequest(t, app, http.MethodPost, "/api/lora/spreading-factor", map[string]int{"sf": 15})
	if sf := dataMap(t, resp)["sf"]; sf != float64(12) {
		t.Errorf("Expected SF clamped to 12, got %v", sf)
	}

	if status, _ := doRequest(t, app, http.MethodPost, "/api/lora/bandwidth", map[string]int{"bandwidth": 10, "coding_rate": 1}); status != http.StatusBadRequest {
		t.Errorf("bandwidth: expected 400, got %d", status)
	}
	if status, _ := doRequest(t, app, http.MethodPost, "/api/lora/bandwidth", map[string]int{"bandwidth": 8, "coding_rate": 2}); status != http.StatusOK {
		t.Errorf("bandwidth: expected 200, got %d", status)
	}
	if got := chip.Reg(sx127x.RegModemConfig1); got != 0x84 {
		t.Errorf("Expected ModemConfig1 0x84, got 0x%02X", got)
	}

	if status, _ := doRequest(t, app, http.MethodPost, "/api/lora/power", map[string]int{"dbm": 13}); status != http.StatusBadRequest {
		t.Errorf("power: expected 400, got %d", status)
	}
	doRequest(t, app, http.MethodPost, "/api/lora/power", map[string]int{"dbm": 17})
	if got := chip.Reg(sx127x.RegPaConfig); got != uint8(sx127x.Power17dB) {
		t.Errorf("Expected PaConfig 0xFC, got 0x%02X", got)
	}

	doRequest(t, app, http.MethodPost, "/api/lora/ocp", map[string]int{"ma": 300})
	if got := chip.Reg(sx127x.RegOcp); got != sx127x.OCPTrim(240) {
		t.Errorf("Expected OCP clamped to 240 mA, got 0x%02X", got)
	}

	doRequest(t, app, http.MethodPost, "/api/lora/sync-word", map[string]int{"value": 0x34})
	if got := chip.Reg(sx127x.RegSyncWord); got != 0x34 {
		t.Errorf("Expected sync word 0x34, got 0x%02X", got)
	}

	doRequest(t, app, http.MethodPost, "/api/lora/crc", map[string]bool{"enabled": false})
	if got := chip.Reg(sx127x.RegModemConfig2); got&0x04 != 0 {
		t.Errorf("Expected CRC disabled, got ModemConfig2 0x%02X", got)
	}
}

func TestLoRaTransmit(t *testing.T) {
	app, _, chip := newTestLoRa(t, DefaultLoRaConfig())
	initRadio(t, app)

	status, resp := doRequest(t, app, http.MethodPost, "/api/lora/transmit", map[string]string{"data": "hello"})
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, resp.Error)
	}
	if len(chip.Sent) != 1 || string(chip.Sent[0]) != "hello" {
		t.Errorf("Expected hello on air, got %q", chip.Sent)
	}
	if m := dataMap(t, resp)["mode"]; m != "standby" {
		t.Errorf("Expected standby restored, got %v", m)
	}

	doRequest(t, app, http.MethodPost, "/api/lora/transmit", map[string]string{"hex": "cafe"})
	if len(chip.Sent) != 2 || !bytes.Equal(chip.Sent[1], []byte{0xCA, 0xFE}) {
		t.Errorf("Expected CA FE on air, got % X", chip.Sent)
	}

	if status, _ := doRequest(t, app, http.MethodPost, "/api/lora/transmit", map[string]string{"hex": "zz"}); status != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad hex, got %d", status)
	}
	if status, _ := doRequest(t, app, http.MethodPost, "/api/lora/transmit", map[string]string{"data": strings.Repeat("x", 256)}); status != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversize payload, got %d", status)
	}
}

func TestLoRaTransmitTimeout(t *testing.T) {
	cfg := DefaultLoRaConfig()
	cfg.TxTimeoutMs = 2
	app, _, chip := newTestLoRa(t, cfg)
	initRadio(t, app)
	chip.TxDone = false

	status, _ := doRequest(t, app, http.MethodPost, "/api/lora/transmit", map[string]string{"data": "lost"})
	if status != http.StatusGatewayTimeout {
		t.Errorf("Expected 504, got %d", status)
	}
	if chip.Mode() != sx127x.ModeStandby {
		t.Errorf("Expected standby restored after timeout, got %s", chip.Mode())
	}
}

func TestLoRaReceive(t *testing.T) {
	app, _, chip := newTestLoRa(t, DefaultLoRaConfig())
	initRadio(t, app)

	_, resp := doRequest(t, app, http.MethodPost, "/api/lora/receive", nil)
	if dataMap(t, resp)["received"] != false {
		t.Errorf("Expected no packet, got %v", resp.Data)
	}

	chip.Deliver([]byte("ping"), 100, 0)
	_, resp = doRequest(t, app, http.MethodPost, "/api/lora/receive", nil)
	data := dataMap(t, resp)
	if data["hex"] != "70696e67" || data["text"] != "ping" {
		t.Errorf("Unexpected packet %v", data)
	}
	pkt, _ := data["status"].(map[string]interface{})
	if pkt["rssi"] != float64(100-164) {
		t.Errorf("Expected RSSI -64, got %v", pkt["rssi"])
	}
	if chip.Mode() != sx127x.ModeRxContinuous {
		t.Errorf("Expected rx_continuous after receive, got %s", chip.Mode())
	}

	_, resp = doRequest(t, app, http.MethodGet, "/api/lora/rssi", nil)
	if rssi := dataMap(t, resp)["rssi"]; rssi != float64(-64) {
		t.Errorf("Expected RSSI -64, got %v", rssi)
	}
}

func TestLoRaRegisterAccess(t *testing.T) {
	app, _, chip := newTestLoRa(t, DefaultLoRaConfig())
	initRadio(t, app)

	_, resp := doRequest(t, app, http.MethodGet, "/api/lora/register/0x42", nil)
	data := dataMap(t, resp)
	if data["value"] != "0x12" || data["address"] != "0x42" {
		t.Errorf("Unexpected register read %v", data)
	}

	if status, _ := doRequest(t, app, http.MethodGet, "/api/lora/register/0x80", nil); status != http.StatusBadRequest {
		t.Errorf("Expected 400 for address out of range, got %d", status)
	}

	doRequest(t, app, http.MethodPost, "/api/lora/register/57", map[string]int{"value": 0x2A})
	if got := chip.Reg(sx127x.RegSyncWord); got != 0x2A {
		t.Errorf("Expected 0x2A written to 0x39, got 0x%02X", got)
	}
}

func TestLoRaMonitorPackets(t *testing.T) {
	cfg := DefaultLoRaConfig()
	cfg.Monitor = MonitorConfig{Enabled: true, PollTicks: 5, History: 4}
	app, _, chip := newTestLoRa(t, cfg)

	if status, _ := doRequest(t, app, http.MethodGet, "/api/lora/packets", nil); status != http.StatusConflict {
		t.Errorf("Expected 409 before init, got %d", status)
	}

	initRadio(t, app)
	chip.Deliver([]byte("beacon"), 90, 0)

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, resp := doRequest(t, app, http.MethodGet, "/api/lora/packets", nil)
		if dataMap(t, resp)["count"] == float64(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("monitor did not record packet: %v", resp.Data)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoRaStreamRequiresUpgrade(t *testing.T) {
	app, _, _ := newTestLoRa(t, DefaultLoRaConfig())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/lora/stream", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("Expected 426, got %d", resp.StatusCode)
	}
}

func TestParseRegisterAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"0x42", 0x42, false},
		{"66", 66, false},
		{"0x7F", 0x7F, false},
		{"0x80", 0, true},
		{"-1", 0, true},
		{"reg", 0, true},
	}

	for _, tt := range tests {
		got, err := parseRegisterAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRegisterAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseRegisterAddr(%q) = 0x%02X, want 0x%02X", tt.in, got, tt.want)
		}
	}
}
