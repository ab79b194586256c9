package plugins

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/linht/lora-manager/mpu6050"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// IMUConfig holds the MPU-6050 wiring
type IMUConfig struct {
	Bus     string `yaml:"i2c_bus" json:"i2c_bus"`
	Address uint16 `yaml:"address" json:"address"`
}

// IMUPlugin reads the MPU-6050 accelerometer and gyroscope.
// Uses transient connections - opens the bus for each request
type IMUPlugin struct {
	config IMUConfig
	open   func(name string) (i2c.BusCloser, error)
}

// NewIMUPlugin creates a new IMU plugin instance
func NewIMUPlugin(cfg IMUConfig) (*IMUPlugin, error) {
	if cfg.Address == 0 {
		cfg.Address = mpu6050.DefaultAddr
	}

	slog.Info("IMU plugin initializing", "i2c_bus", cfg.Bus, "address", fmt.Sprintf("0x%02X", cfg.Address))

	return &IMUPlugin{
		config: cfg,
		open:   openI2C,
	}, nil
}

func openI2C(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w", name, err)
	}
	return bus, nil
}

// Name returns the plugin identifier
func (p *IMUPlugin) Name() string {
	return "imu"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *IMUPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/imu")

	api.Get("/raw", p.handleRaw)
	api.Get("/scaled", p.handleScaled)
}

// Shutdown performs cleanup
func (p *IMUPlugin) Shutdown() error {
	// No persistent resources to clean up
	return nil
}

// withDevice opens the bus, initializes the sensor and runs fn.
func (p *IMUPlugin) withDevice(fn func(*mpu6050.Dev) error) error {
	bus, err := p.open(p.config.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()

	dev := mpu6050.New(bus, p.config.Address)
	if err := dev.Init(); err != nil {
		return err
	}
	return fn(dev)
}

func (p *IMUPlugin) handleRaw(c *fiber.Ctx) error {
	var accel, gyro [6]byte

	err := p.withDevice(func(dev *mpu6050.Dev) error {
		var err error
		if accel, err = dev.ReadAccelRegisters(); err != nil {
			return err
		}
		gyro, err = dev.ReadGyroRegisters()
		return err
	})
	if err != nil {
		slog.Error("Failed to read IMU", "error", err)
		return SendError(c, fiber.StatusInternalServerError, err)
	}

	return SendSuccess(c, map[string]interface{}{
		"accel": mpu6050.Raw(accel),
		"gyro":  mpu6050.Raw(gyro),
	}, "")
}

func (p *IMUPlugin) handleScaled(c *fiber.Ctx) error {
	var accel, gyro mpu6050.Vector

	err := p.withDevice(func(dev *mpu6050.Dev) error {
		var err error
		if accel, err = dev.ReadAccel(); err != nil {
			return err
		}
		gyro, err = dev.ReadGyro()
		return err
	})
	if err != nil {
		slog.Error("Failed to read IMU", "error", err)
		return SendError(c, fiber.StatusInternalServerError, err)
	}

	return SendSuccess(c, map[string]interface{}{
		"accel_g":  accel,
		"gyro_dps": gyro,
	}, "")
}

// Register the plugin
func init() {
	Register("imu", func(config interface{}) (Plugin, error) {
		cfg, ok := config.(IMUConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config for imu plugin")
		}
		return NewIMUPlugin(cfg)
	})
}
