package plugins

import (
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/linht/lora-manager/mpu6050"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

type fakeI2C struct {
	regs   [0x80]byte
	closed bool
}

func (b *fakeI2C) String() string                  { return "fake-i2c" }
func (b *fakeI2C) SetSpeed(physic.Frequency) error { return nil }
func (b *fakeI2C) Close() error {
	b.closed = true
	return nil
}
func (b *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if len(r) == 0 {
		if len(w) == 2 {
			b.regs[w[0]] = w[1]
		}
		return nil
	}
	copy(r, b.regs[w[0]:])
	return nil
}

func newTestIMU(t *testing.T, bus *fakeI2C, openErr error) *fiber.App {
	t.Helper()

	p, err := NewIMUPlugin(IMUConfig{Bus: "1"})
	if err != nil {
		t.Fatalf("NewIMUPlugin failed: %v", err)
	}
	p.open = func(string) (i2c.BusCloser, error) {
		if openErr != nil {
			return nil, openErr
		}
		return bus, nil
	}

	app := fiber.New()
	p.RegisterRoutes(app)
	return app
}

func TestIMUDefaultAddress(t *testing.T) {
	p, _ := NewIMUPlugin(IMUConfig{})
	if p.config.Address != mpu6050.DefaultAddr {
		t.Errorf("Expected address 0x68, got 0x%02X", p.config.Address)
	}
}

func TestIMUScaled(t *testing.T) {
	bus := &fakeI2C{}
	bus.regs[mpu6050.RegWhoAmI] = 0x68
	copy(bus.regs[mpu6050.RegAccelXoutH:], []byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x00})
	copy(bus.regs[mpu6050.RegGyroXoutH:], []byte{0x00, 0x00, 0xFF, 0x7D, 0x00, 0x00})

	app := newTestIMU(t, bus, nil)

	status, resp := doRequest(t, app, http.MethodGet, "/api/imu/scaled", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, resp.Error)
	}
	data := dataMap(t, resp)
	accel, _ := data["accel_g"].(map[string]interface{})
	gyro, _ := data["gyro_dps"].(map[string]interface{})
	if accel["x"] != float64(1) || gyro["y"] != float64(-1) {
		t.Errorf("Unexpected reading %v", data)
	}
	if !bus.closed {
		t.Error("Expected bus closed after request")
	}
}

func TestIMURaw(t *testing.T) {
	bus := &fakeI2C{}
	bus.regs[mpu6050.RegWhoAmI] = 0x68
	copy(bus.regs[mpu6050.RegAccelXoutH:], []byte{0xC0, 0x00, 0x00, 0x01, 0x00, 0x00})

	app := newTestIMU(t, bus, nil)

	_, resp := doRequest(t, app, http.MethodGet, "/api/imu/raw", nil)
	accel, _ := dataMap(t, resp)["accel"].([]interface{})
	if len(accel) != 3 || accel[0] != float64(-16384) || accel[1] != float64(1) {
		t.Errorf("Unexpected raw accel %v", accel)
	}
}

func TestIMUErrors(t *testing.T) {
	bus := &fakeI2C{}
	bus.regs[mpu6050.RegWhoAmI] = 0x71

	if status, _ := doRequest(t, newTestIMU(t, bus, nil), http.MethodGet, "/api/imu/raw", nil); status != http.StatusInternalServerError {
		t.Errorf("Expected 500 for unknown device, got %d", status)
	}

	openErr := errors.New("no such bus")
	if status, _ := doRequest(t, newTestIMU(t, nil, openErr), http.MethodGet, "/api/imu/scaled", nil); status != http.StatusInternalServerError {
		t.Errorf("Expected 500 when bus cannot open, got %d", status)
	}
}
