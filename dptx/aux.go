// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"errors"
	"fmt"

	"github.com/go-lpc/dplink/dptx/internal/regs"
)

// auxReq describes one AUX request.
type auxReq struct {
	read     bool
	i2c      bool
	mot      bool // I2C middle-of-transaction
	addrOnly bool
	addr     uint32
}

func (req auxReq) String() string {
	kind := "native"
	if req.i2c {
		kind = "i2c"
	}
	dir := "write"
	if req.read {
		dir = "read"
	}
	return fmt.Sprintf("%s-%s@0x%05x", kind, dir, req.addr)
}

// cmd encodes the AUX_CMD register for a n-byte request.
func (req auxReq) cmd(n int) uint32 {
	var typ uint32
	if !req.i2c {
		typ |= regs.AUX_CMD_TYPE_NATIVE
	}
	if req.read {
		typ |= regs.AUX_CMD_TYPE_READ
	}
	if req.i2c && req.mot {
		typ |= regs.AUX_CMD_TYPE_MOT
	}

	v := typ<<regs.AUX_CMD_TYPE_SHIFT |
		(req.addr<<regs.AUX_CMD_ADDR_SHIFT)&regs.AUX_CMD_ADDR_MASK |
		uint32(n-1)<<regs.AUX_CMD_REQ_LEN_SHIFT&regs.AUX_CMD_REQ_LEN_MASK
	if req.addrOnly {
		v |= regs.AUX_CMD_I2C_ADDR_ONLY
	}
	return v
}

// auxTransact performs one AUX transaction of 1 to 15 bytes.
// Reads fill buf with the sink reply; buf content is undefined on error.
func (dev *Device) auxTransact(req auxReq, buf []byte) error {
	n := len(buf)
	if n < 1 || n > regs.AUX_MAX_LEN {
		return fmt.Errorf("%w (%d bytes)", ErrInvalidLength, n)
	}
	cmd := req.cmd(n)

	for try := 0; try < dev.cfg.auxRetries; try++ {
		if dev.abort.Load() {
			return ErrAborted
		}
		dev.cfg.sleep(auxDelay)

		for _, reg := range dev.regs.auxData {
			reg.w(0)
		}
		if !req.read && !req.addrOnly {
			dev.auxLoad(buf)
		}
		dev.regs.auxCmd.w(cmd)
		if err := dev.bus.reset(); err != nil {
			return err
		}

		sts, err := dev.auxWait()
		switch {
		case err == nil:
			// ok.
		case errors.Is(err, errAuxTimeout):
			dev.auxReset()
			continue
		default:
			return err
		}

		br := int(sts&regs.AUX_STATUS_BYTES_RD_MASK) >> regs.AUX_STATUS_BYTES_RD_SHIFT
		switch code := (sts & regs.AUX_STATUS_MASK) >> regs.AUX_STATUS_SHIFT; code {
		case regs.AUX_REPLY_ACK:
			if br == 0 {
				dev.auxReset()
				continue
			}
			if req.read && !req.addrOnly {
				if br-1 < n {
					dev.msg.Debugf("short AUX reply for %v: %d/%d bytes", req, br-1, n)
					continue
				}
				dev.auxUnload(buf)
				if err := dev.bus.reset(); err != nil {
					return err
				}
			}
			return nil

		case regs.AUX_REPLY_NACK, regs.AUX_REPLY_I2C_NACK:
			return fmt.Errorf("%w (%v)", ErrRejected, req)

		case regs.AUX_REPLY_DEFER, regs.AUX_REPLY_I2C_DEFER:
			continue

		default:
			dev.msg.Debugf("invalid AUX reply status 0x%x for %v", code, req)
			dev.auxReset()
			continue
		}
	}

	dev.msg.Warnf("no AUX response for %v after %d attempts", req, dev.cfg.auxRetries)
	return fmt.Errorf("%w (%v)", ErrNoResponse, req)
}

// auxWait waits for the reply of the AUX request in flight and returns
// the AUX status register.
func (dev *Device) auxWait() (uint32, error) {
	var sts uint32
	err := dev.poll(func() (bool, error) {
		if dev.abort.Load() {
			return false, ErrAborted
		}
		sts = dev.regs.auxSts.r()
		if err := dev.bus.reset(); err != nil {
			return false, err
		}
		switch {
		case sts&regs.AUX_STATUS_REPLY_RECEIVED != 0:
			return true, nil
		case sts&regs.AUX_STATUS_TIMEOUT != 0:
			return false, errAuxTimeout
		}
		return false, nil
	}, auxPollInterval, auxReplyPolls)
	if errors.Is(err, errPollTimeout) {
		err = errAuxTimeout
	}
	return sts, err
}

func (dev *Device) auxReset() {
	dev.softReset(regs.SOFT_RESET_AUX)
}

// auxLoad packs buf into the AUX data registers, little-endian.
func (dev *Device) auxLoad(buf []byte) {
	var words [4]uint32
	for i, v := range buf {
		words[i/4] |= uint32(v) << (8 * uint(i%4))
	}
	for i := 0; i < (len(buf)+3)/4; i++ {
		dev.regs.auxData[i].w(words[i])
	}
}

// auxUnload copies the AUX data registers into buf.
func (dev *Device) auxUnload(buf []byte) {
	for i := 0; i < (len(buf)+3)/4; i++ {
		w := dev.regs.auxData[i].r()
		for j := 0; j < 4 && 4*i+j < len(buf); j++ {
			buf[4*i+j] = byte(w >> (8 * uint(j)))
		}
	}
}

// auxReadBytes reads len(buf) bytes in AUX-sized chunks.
// Native addresses are incremented, I2C addresses are not.
func (dev *Device) auxReadBytes(req auxReq, buf []byte) error {
	req.read = true
	return dev.auxChunks(req, buf)
}

// auxWriteBytes writes buf in AUX-sized chunks.
func (dev *Device) auxWriteBytes(req auxReq, buf []byte) error {
	req.read = false
	return dev.auxChunks(req, buf)
}

func (dev *Device) auxChunks(req auxReq, buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w (0 bytes)", ErrInvalidLength)
	}
	for beg := 0; beg < len(buf); beg += regs.AUX_MAX_LEN {
		end := beg + regs.AUX_MAX_LEN
		if end > len(buf) {
			end = len(buf)
		}
		err := dev.auxTransact(req, buf[beg:end])
		if err != nil {
			return err
		}
		if !req.i2c {
			req.addr += uint32(end - beg)
		}
	}
	return nil
}

func (dev *Device) dpcdRead(addr uint32, buf []byte) error {
	return dev.auxReadBytes(auxReq{addr: addr}, buf)
}

func (dev *Device) dpcdWrite(addr uint32, buf ...byte) error {
	return dev.auxWriteBytes(auxReq{addr: addr}, buf)
}

func (dev *Device) dpcdReadByte(addr uint32) (byte, error) {
	var buf [1]byte
	err := dev.dpcdRead(addr, buf[:])
	return buf[0], err
}

// i2cStop ends an I2C-over-AUX transaction with an address-only,
// non-MOT request.
func (dev *Device) i2cStop(addr uint8, read bool) error {
	var dummy [1]byte
	return dev.auxTransact(auxReq{
		read:     read,
		i2c:      true,
		addrOnly: true,
		addr:     uint32(addr),
	}, dummy[:])
}

func (dev *Device) i2cRead(addr uint8, buf []byte) error {
	err := dev.auxReadBytes(auxReq{i2c: true, mot: true, addr: uint32(addr)}, buf)
	if err != nil {
		return err
	}
	return dev.i2cStop(addr, true)
}

func (dev *Device) i2cWrite(addr uint8, buf []byte, stop bool) error {
	err := dev.auxWriteBytes(auxReq{i2c: true, mot: true, addr: uint32(addr)}, buf)
	if err != nil || !stop {
		return err
	}
	return dev.i2cStop(addr, false)
}

// ReadDPCD reads len(p) bytes of the sink DPCD space at addr.
func (dev *Device) ReadDPCD(addr uint32, p []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.rearm(); err != nil {
		return err
	}
	err := dev.dpcdRead(addr, p)
	if err != nil {
		return fmt.Errorf("dptx: could not read DPCD 0x%05x: %w", addr, err)
	}
	return nil
}

// WriteDPCD writes p to the sink DPCD space at addr.
func (dev *Device) WriteDPCD(addr uint32, p []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.rearm(); err != nil {
		return err
	}
	err := dev.dpcdWrite(addr, p...)
	if err != nil {
		return fmt.Errorf("dptx: could not write DPCD 0x%05x: %w", addr, err)
	}
	return nil
}

// ReadI2C reads len(p) bytes from the I2C device at addr, over AUX.
func (dev *Device) ReadI2C(addr uint8, p []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.rearm(); err != nil {
		return err
	}
	err := dev.i2cRead(addr, p)
	if err != nil {
		return fmt.Errorf("dptx: could not read I2C 0x%02x: %w", addr, err)
	}
	return nil
}

// WriteI2C writes p to the I2C device at addr, over AUX.
func (dev *Device) WriteI2C(addr uint8, p []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.rearm(); err != nil {
		return err
	}
	err := dev.i2cWrite(addr, p, true)
	if err != nil {
		return fmt.Errorf("dptx: could not write I2C 0x%02x: %w", addr, err)
	}
	return nil
}
