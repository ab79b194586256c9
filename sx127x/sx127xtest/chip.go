// Package sx127xtest provides a simulated SX127x register file that
// satisfies sx127x.Bus, for tests that need a chip without hardware.
package sx127xtest

import (
	"sync"

	"github.com/linht/lora-manager/sx127x"
)

// Access is one register access seen on the bus.
type Access struct {
	Write bool
	Addr  uint8
	Value uint8
}

// Chip simulates the SX127x register file and FIFO. Registers auto-increment
// during bursts except RegFifo, which advances RegFifoAddrPtr instead.
type Chip struct {
	mu sync.Mutex

	Regs [0x80]uint8
	Fifo [0x100]uint8

	// TxDone makes the chip raise IrqTxDone as soon as it enters transmit.
	TxDone bool
	// Err is returned from every Tx when set.
	Err error

	Log          []Access
	Transactions int
	Sent         [][]byte
}

// NewChip returns a chip with SX1276 reset values and version 0x12.
func NewChip() *Chip {
	c := &Chip{}
	c.Regs[sx127x.RegOpMode] = 0x09
	c.Regs[sx127x.RegPaConfig] = 0x4F
	c.Regs[sx127x.RegOcp] = 0x2B
	c.Regs[sx127x.RegLna] = 0x20
	c.Regs[sx127x.RegFifoTxBaseAddr] = 0x80
	c.Regs[sx127x.RegFifoRxBaseAddr] = 0x00
	c.Regs[sx127x.RegModemConfig1] = 0x72
	c.Regs[sx127x.RegModemConfig2] = 0x70
	c.Regs[sx127x.RegSymbTimeoutLsb] = 0x64
	c.Regs[sx127x.RegPreambleLsb] = 0x08
	c.Regs[sx127x.RegPayloadLength] = 0x01
	c.Regs[sx127x.RegModemConfig3] = 0x04
	c.Regs[sx127x.RegSyncWord] = 0x12
	c.Regs[sx127x.RegVersion] = sx127x.ChipVersion
	return c
}

// Tx implements sx127x.Bus.
func (c *Chip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Err != nil {
		return c.Err
	}
	if len(w) == 0 {
		return nil
	}
	c.Transactions++

	write := w[0]&0x80 != 0
	addr := w[0] & 0x7F

	for i := 1; i < len(w); i++ {
		if write {
			c.write(addr, w[i])
		} else {
			v := c.read(addr)
			if r != nil && i < len(r) {
				r[i] = v
			}
		}
		if addr != sx127x.RegFifo {
			addr = (addr + 1) & 0x7F
		}
	}
	return nil
}

func (c *Chip) read(addr uint8) uint8 {
	c.Log = append(c.Log, Access{Addr: addr})

	if addr == sx127x.RegFifo {
		ptr := c.Regs[sx127x.RegFifoAddrPtr]
		c.Regs[sx127x.RegFifoAddrPtr] = ptr + 1
		return c.Fifo[ptr]
	}
	return c.Regs[addr]
}

func (c *Chip) write(addr, v uint8) {
	c.Log = append(c.Log, Access{Write: true, Addr: addr, Value: v})

	switch addr {
	case sx127x.RegFifo:
		ptr := c.Regs[sx127x.RegFifoAddrPtr]
		c.Fifo[ptr] = v
		c.Regs[sx127x.RegFifoAddrPtr] = ptr + 1
	case sx127x.RegIrqFlags:
		c.Regs[addr] &^= v
	case sx127x.RegVersion, sx127x.RegRxNbBytes, sx127x.RegFifoRxCurrentAddr, sx127x.RegPktRssiValue:
		// read-only
	case sx127x.RegOpMode:
		c.Regs[addr] = v
		if sx127x.Mode(v&sx127x.OpModeMask) == sx127x.ModeTransmit {
			c.startTransmit()
		}
	default:
		c.Regs[addr] = v
	}
}

func (c *Chip) startTransmit() {
	base := c.Regs[sx127x.RegFifoTxBaseAddr]
	n := int(c.Regs[sx127x.RegPayloadLength])

	payload := make([]byte, n)
	for i := range payload {
		payload[i] = c.Fifo[uint8(int(base)+i)]
	}
	c.Sent = append(c.Sent, payload)

	if c.TxDone {
		c.Regs[sx127x.RegIrqFlags] |= sx127x.IrqTxDone
	}
}

// Deliver places payload in the FIFO as if it had just been received and
// raises RxDone. flags are OR-ed into RegIrqFlags in addition.
func (c *Chip) Deliver(payload []byte, rssi uint8, flags uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := c.Regs[sx127x.RegFifoRxBaseAddr]
	for i, b := range payload {
		c.Fifo[uint8(int(base)+i)] = b
	}
	c.Regs[sx127x.RegFifoRxCurrentAddr] = base
	c.Regs[sx127x.RegRxNbBytes] = uint8(len(payload))
	c.Regs[sx127x.RegPktRssiValue] = rssi
	c.Regs[sx127x.RegIrqFlags] |= sx127x.IrqRxDone | flags
}

// Reg returns the current value of a register.
func (c *Chip) Reg(addr uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Regs[addr]
}

// SetReg sets a register without logging the access.
func (c *Chip) SetReg(addr, v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Regs[addr] = v
}

// Writes returns the values written to addr, in order.
func (c *Chip) Writes(addr uint8) []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint8
	for _, a := range c.Log {
		if a.Write && a.Addr == addr {
			out = append(out, a.Value)
		}
	}
	return out
}

// Reads returns how many times addr was read.
func (c *Chip) Reads(addr uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, a := range c.Log {
		if !a.Write && a.Addr == addr {
			n++
		}
	}
	return n
}

// ResetLog forgets all recorded accesses.
func (c *Chip) ResetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log = nil
	c.Transactions = 0
}

// Mode returns the low 3 bits of RegOpMode.
func (c *Chip) Mode() sx127x.Mode {
	return sx127x.Mode(c.Reg(sx127x.RegOpMode) & sx127x.OpModeMask)
}
