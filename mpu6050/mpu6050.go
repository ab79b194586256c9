// Package mpu6050 reads raw accelerometer and gyroscope registers from an
// InvenSense MPU-6050 over I2C.
package mpu6050

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

// DefaultAddr is the 7-bit address with AD0 low.
const DefaultAddr = 0x68

// Register addresses
const (
	RegSmplrtDiv   = 0x19
	RegGyroConfig  = 0x1B
	RegAccelConfig = 0x1C
	RegAccelXoutH  = 0x3B
	RegGyroXoutH   = 0x43
	RegPwrMgmt1    = 0x6B
	RegWhoAmI      = 0x75
)

// Scale factors for the ±2 g and ±250 °/s ranges set by Init
const (
	AccelScale = 16384.0 // LSB per g
	GyroScale  = 131.0   // LSB per °/s
)

const whoAmI = 0x68

// Dev is an MPU-6050 on an I2C bus.
type Dev struct {
	c i2c.Dev
}

// New returns a Dev at addr on bus. It performs no I/O.
func New(bus i2c.Bus, addr uint16) *Dev {
	return &Dev{c: i2c.Dev{Bus: bus, Addr: addr}}
}

func (d *Dev) readRegs(addr uint8, n int) ([]byte, error) {
	r := make([]byte, n)
	if err := d.c.Tx([]byte{addr}, r); err != nil {
		return nil, fmt.Errorf("failed to read register 0x%02X: %w", addr, err)
	}
	return r, nil
}

func (d *Dev) writeReg(addr, value uint8) error {
	if err := d.c.Tx([]byte{addr, value}, nil); err != nil {
		return fmt.Errorf("failed to write register 0x%02X: %w", addr, err)
	}
	return nil
}

// Init checks WHO_AM_I, wakes the device and selects a 1 kHz sample rate with
// the ±2 g and ±250 °/s ranges.
func (d *Dev) Init() error {
	id, err := d.readRegs(RegWhoAmI, 1)
	if err != nil {
		return err
	}
	if id[0] != whoAmI {
		return fmt.Errorf("mpu6050 not found: WHO_AM_I 0x%02X", id[0])
	}

	for _, w := range [][2]uint8{
		{RegPwrMgmt1, 0x00},
		{RegSmplrtDiv, 0x07},
		{RegAccelConfig, 0x00},
		{RegGyroConfig, 0x00},
	} {
		if err := d.writeReg(w[0], w[1]); err != nil {
			return err
		}
	}
	return nil
}

// ReadAccelRegisters returns ACCEL_XOUT_H..ACCEL_ZOUT_L.
func (d *Dev) ReadAccelRegisters() ([6]byte, error) {
	var out [6]byte
	r, err := d.readRegs(RegAccelXoutH, len(out))
	if err != nil {
		return out, err
	}
	copy(out[:], r)
	return out, nil
}

// ReadGyroRegisters returns GYRO_XOUT_H..GYRO_ZOUT_L.
func (d *Dev) ReadGyroRegisters() ([6]byte, error) {
	var out [6]byte
	r, err := d.readRegs(RegGyroXoutH, len(out))
	if err != nil {
		return out, err
	}
	copy(out[:], r)
	return out, nil
}

// Vector is a three-axis reading.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Raw splits big-endian register bytes into signed axis values.
func Raw(b [6]byte) [3]int16 {
	return [3]int16{
		int16(binary.BigEndian.Uint16(b[0:2])),
		int16(binary.BigEndian.Uint16(b[2:4])),
		int16(binary.BigEndian.Uint16(b[4:6])),
	}
}

func scale(b [6]byte, s float64) Vector {
	raw := Raw(b)
	return Vector{X: float64(raw[0]) / s, Y: float64(raw[1]) / s, Z: float64(raw[2]) / s}
}

// ReadAccel returns acceleration in g.
func (d *Dev) ReadAccel() (Vector, error) {
	b, err := d.ReadAccelRegisters()
	if err != nil {
		return Vector{}, err
	}
	return scale(b, AccelScale), nil
}

// ReadGyro returns angular rate in °/s.
func (d *Dev) ReadGyro() (Vector, error) {
	b, err := d.ReadGyroRegisters()
	if err != nil {
		return Vector{}, err
	}
	return scale(b, GyroScale), nil
}
