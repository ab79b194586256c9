package sx127x

import (
	"context"
	"fmt"
)

// PacketStatus describes the last packet taken from the FIFO by Receive.
type PacketStatus struct {
	Length   int  `json:"length"`
	Received int  `json:"received"` // RegRxNbBytes, may exceed Length
	CRCError bool `json:"crc_error"`
	RSSI     int  `json:"rssi"`
}

// Transmit sends payload and waits up to ticks Waiter intervals (1 ms with
// the default PollWaiter) for TxDone. The mode active before the call is
// restored on both the success and the ErrTxTimeout path.
func (r *Radio) Transmit(ctx context.Context, payload []byte, ticks int) error {
	if len(payload) > maxPayload {
		return ErrPayloadTooLarge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	saved := r.mode
	if err := r.setMode(ModeStandby); err != nil {
		return err
	}

	base, err := r.readReg(RegFifoTxBaseAddr)
	if err != nil {
		return err
	}
	if err := r.writeReg(RegFifoAddrPtr, base); err != nil {
		return err
	}
	if err := r.writeReg(RegPayloadLength, uint8(len(payload))); err != nil {
		return err
	}
	if err := r.burstWrite(RegFifo, payload); err != nil {
		return err
	}
	if err := r.setMode(ModeTransmit); err != nil {
		return err
	}

	done, err := r.waiter.Wait(ctx, ticks, func() (bool, error) {
		flags, err := r.readReg(RegIrqFlags)
		if err != nil {
			return false, err
		}
		return flags&IrqTxDone != 0, nil
	})
	if err != nil {
		// Still try to leave the chip where the caller had it
		if restoreErr := r.setMode(saved); restoreErr != nil {
			r.log.Error("Failed to restore mode", "error", restoreErr, r.logMode())
		}
		return fmt.Errorf("transmit: %w", err)
	}

	if done {
		if err := r.writeReg(RegIrqFlags, IrqAll); err != nil {
			return err
		}
	}
	if err := r.setMode(saved); err != nil {
		return err
	}

	if !done {
		r.log.Debug("Transmit timed out", "length", len(payload), "ticks", ticks)
		return ErrTxTimeout
	}
	r.log.Debug("Transmit done", "length", len(payload), r.logMode())
	return nil
}

// Receive copies the last received packet into buf and returns the number of
// bytes copied. It returns 0 when RxDone is not set. buf is zeroed first and
// at most len(buf) bytes are copied. The radio is always left in continuous
// receive, whatever mode it was in before, including when reading the packet
// fails; the first error is returned.
//
// Packets that failed the on-chip CRC are still delivered; LastPacket reports
// the CRC flag for callers that want to drop them. If the packet RSSI cannot
// be read it is reported as 0.
func (r *Radio) Receive(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(buf)

	n, err := r.readPacket(buf)
	if modeErr := r.setMode(ModeRxContinuous); err == nil {
		err = modeErr
	}
	return n, err
}

func (r *Radio) readPacket(buf []byte) (int, error) {
	if err := r.setMode(ModeStandby); err != nil {
		return 0, err
	}

	flags, err := r.readReg(RegIrqFlags)
	if err != nil {
		return 0, err
	}
	if flags&IrqRxDone == 0 {
		return 0, nil
	}

	if err := r.writeReg(RegIrqFlags, IrqAll); err != nil {
		return 0, err
	}
	count, err := r.readReg(RegRxNbBytes)
	if err != nil {
		return 0, err
	}
	current, err := r.readReg(RegFifoRxCurrentAddr)
	if err != nil {
		return 0, err
	}
	if err := r.writeReg(RegFifoAddrPtr, current); err != nil {
		return 0, err
	}

	n := min(len(buf), int(count))
	for i := 0; i < n; i++ {
		if buf[i], err = r.readReg(RegFifo); err != nil {
			return i, err
		}
	}

	r.last = PacketStatus{
		Length:   n,
		Received: int(count),
		CRCError: flags&IrqPayloadCrcErr != 0,
	}
	rssi, err := r.readReg(RegPktRssiValue)
	if err != nil {
		r.log.Warn("Failed to read packet RSSI", "error", err)
		return n, nil
	}
	r.last.RSSI = int(rssi) + r.cfg.Port.RSSIOffset()
	return n, nil
}

// LastPacket returns the status recorded by the last Receive that found a
// packet.
func (r *Radio) LastPacket() PacketStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// StartReceiving puts the radio in continuous receive.
func (r *Radio) StartReceiving() error {
	return r.SetMode(ModeRxContinuous)
}

// WaitForPacket waits up to ticks Waiter intervals for RxDone without
// changing the operating mode. The lock is only held while the flags are
// read, so transmits can run in between.
func (r *Radio) WaitForPacket(ctx context.Context, ticks int) (bool, error) {
	return r.waiter.Wait(ctx, ticks, func() (bool, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		flags, err := r.readReg(RegIrqFlags)
		if err != nil {
			return false, err
		}
		return flags&IrqRxDone != 0, nil
	})
}

// RSSI returns the RSSI of the last packet in dBm, offset for the configured
// RF port.
func (r *Radio) RSSI() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.readReg(RegPktRssiValue)
	if err != nil {
		return 0, err
	}
	return int(v) + r.cfg.Port.RSSIOffset(), nil
}
