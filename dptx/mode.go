// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import (
	"fmt"
)

// Encoding is a pixel encoding.
type Encoding uint8

const (
	RGB Encoding = iota
	YCbCr422
	YCbCr444
)

func (enc Encoding) String() string {
	switch enc {
	case RGB:
		return "RGB"
	case YCbCr422:
		return "YCbCr-4:2:2"
	case YCbCr444:
		return "YCbCr-4:4:4"
	}
	return fmt.Sprintf("Encoding(%d)", uint8(enc))
}

// Colorimetry is the colorimetry of YCbCr encodings.
type Colorimetry uint8

const (
	ITU601 Colorimetry = iota
	ITU709
)

// VideoParams are the video stream parameters handed to the video
// configurator once the link is trained.
type VideoParams struct {
	BPC         int // bits per color component
	Encoding    Encoding
	CEARange    bool // limited (CEA) quantization range
	Colorimetry Colorimetry
}

// DefaultVideoParams returns 8-bit RGB, CEA range, ITU-601.
func DefaultVideoParams() VideoParams {
	return VideoParams{
		BPC:         8,
		Encoding:    RGB,
		CEARange:    true,
		Colorimetry: ITU601,
	}
}

// BPP returns the number of bits per pixel.
func (p VideoParams) BPP() int {
	switch p.Encoding {
	case YCbCr422:
		return 2 * p.BPC
	default:
		return 3 * p.BPC
	}
}

// MaxPixelClock returns the highest pixel clock, in kHz, the link can
// carry at bpp bits per pixel.
func (cfg LinkConfig) MaxPixelClock(bpp int) int {
	if bpp <= 0 {
		return 0
	}
	return cfg.Rate.KHz() * cfg.Lanes * 8 / bpp
}

// ModeValid checks whether a video mode fits the current link, or the
// highest link of the core when the link is not trained.
func (dev *Device) ModeValid(pixelClockKHz, bpp int) error {
	dev.mu.Lock()
	link := dev.link.Config()
	if !dev.link.Trained {
		link = dev.MaxLink()
	}
	dev.mu.Unlock()

	if bpp <= 0 {
		return fmt.Errorf("dptx: invalid bits per pixel %d", bpp)
	}
	if max := link.MaxPixelClock(bpp); pixelClockKHz > max {
		return fmt.Errorf("%w: %d kHz > %d kHz at %v", errModeBandwidth, pixelClockKHz, max, link)
	}
	return nil
}
