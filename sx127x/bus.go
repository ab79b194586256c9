package sx127x

import "fmt"

// Bus is a full-duplex register bus. periph.io spi.Conn satisfies it.
// A single Tx call is one chip-select framed transaction.
type Bus interface {
	Tx(w, r []byte) error
}

// ChipSelect drives the NSS line when it is not handled by the SPI
// controller. active=true asserts the line (electrically low).
type ChipSelect func(active bool) error

// transact runs one framed transaction: assert chip select, exchange the
// address and payload, deassert chip select.
func (r *Radio) transact(w, rx []byte) error {
	if r.cs != nil {
		if err := r.cs(true); err != nil {
			return fmt.Errorf("failed to assert chip select: %w", err)
		}
	}

	err := r.bus.Tx(w, rx)

	if r.cs != nil {
		if csErr := r.cs(false); csErr != nil && err == nil {
			err = fmt.Errorf("failed to release chip select: %w", csErr)
		}
	}
	return err
}

func (r *Radio) readReg(addr uint8) (uint8, error) {
	tx := []byte{addr & 0x7F, 0x00}
	rx := make([]byte, 2)

	if err := r.transact(tx, rx); err != nil {
		return 0, fmt.Errorf("failed to read register 0x%02X: %w", addr, err)
	}
	return rx[1], nil
}

func (r *Radio) writeReg(addr uint8, value uint8) error {
	tx := []byte{addr | 0x80, value}
	rx := make([]byte, 2)

	if err := r.transact(tx, rx); err != nil {
		return fmt.Errorf("failed to write register 0x%02X: %w", addr, err)
	}
	return nil
}

func (r *Radio) burstWrite(addr uint8, values []uint8) error {
	if len(values) == 0 {
		return nil
	}

	// Address byte followed by the payload, chip select held throughout
	tx := make([]byte, len(values)+1)
	tx[0] = addr | 0x80
	copy(tx[1:], values)
	rx := make([]byte, len(tx))

	if err := r.transact(tx, rx); err != nil {
		return fmt.Errorf("failed to burst write starting at 0x%02X: %w", addr, err)
	}
	return nil
}

// modifyReg reads addr, applies fn and writes the result back.
func (r *Radio) modifyReg(addr uint8, fn func(uint8) uint8) error {
	v, err := r.readReg(addr)
	if err != nil {
		return err
	}
	return r.writeReg(addr, fn(v))
}

// ReadRegister reads a single register.
func (r *Radio) ReadRegister(addr uint8) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readReg(addr)
}

// WriteRegister writes a single register.
func (r *Radio) WriteRegister(addr uint8, value uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeReg(addr, value)
}

// BurstWrite writes values in one transaction starting at addr. For RegFifo
// every byte lands in the FIFO at the current pointer.
func (r *Radio) BurstWrite(addr uint8, values []uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.burstWrite(addr, values)
}
