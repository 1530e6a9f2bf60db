// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"bytes"
	"fmt"
)

const (
	ddcAddr     = 0x50 // EDID
	ddcSegAddr  = 0x30 // E-DDC segment pointer
	edidBlkSize = 128
	edidMaxExt  = 254
)

var edidHeader = []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

// ReadEDID reads the EDID of the connected sink, base block and extensions.
func (dev *Device) ReadEDID() ([]byte, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.rearm(); err != nil {
		return nil, err
	}

	base, err := dev.edidBlock(0)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(base[:len(edidHeader)], edidHeader) {
		return nil, errBadEDIDHeader
	}

	next := int(base[126])
	if next > edidMaxExt {
		next = edidMaxExt
	}
	edid := make([]byte, 0, (1+next)*edidBlkSize)
	edid = append(edid, base...)
	for i := 1; i <= next; i++ {
		blk, err := dev.edidBlock(i)
		if err != nil {
			return nil, err
		}
		edid = append(edid, blk...)
	}
	return edid, nil
}

func (dev *Device) edidBlock(i int) ([]byte, error) {
	var (
		seg = byte(i / 2)
		off = byte((i % 2) * edidBlkSize)
		blk = make([]byte, edidBlkSize)
	)
	if seg > 0 {
		err := dev.i2cWrite(ddcSegAddr, []byte{seg}, false)
		if err != nil {
			return nil, fmt.Errorf("dptx: could not select EDID segment %d: %w", seg, err)
		}
	}
	err := dev.i2cWrite(ddcAddr, []byte{off}, false)
	if err != nil {
		return nil, fmt.Errorf("dptx: could not set EDID offset of block %d: %w", i, err)
	}
	err = dev.i2cRead(ddcAddr, blk)
	if err != nil {
		return nil, fmt.Errorf("dptx: could not read EDID block %d: %w", i, err)
	}

	var sum byte
	for _, v := range blk {
		sum += v
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w (block %d)", errBadEDIDCsum, i)
	}
	return blk, nil
}
