// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dpcd

import (
	"fmt"
	"strings"
)

// Rate is a main-link symbol rate, encoded as the LINK_BW_SET code
// (multiples of 0.27 Gbps).
type Rate uint8

const (
	RBR  Rate = 0x06 // 1.62 Gbps
	HBR  Rate = 0x0a // 2.7 Gbps
	HBR2 Rate = 0x14 // 5.4 Gbps
	HBR3 Rate = 0x1e // 8.1 Gbps
)

// Rates lists the supported rates in ascending bandwidth.
var Rates = []Rate{RBR, HBR, HBR2, HBR3}

func (r Rate) String() string {
	switch r {
	case RBR:
		return "RBR"
	case HBR:
		return "HBR"
	case HBR2:
		return "HBR2"
	case HBR3:
		return "HBR3"
	}
	return fmt.Sprintf("Rate(0x%02x)", uint8(r))
}

// Valid reports whether r is one of the standard rates.
func (r Rate) Valid() bool {
	switch r {
	case RBR, HBR, HBR2, HBR3:
		return true
	}
	return false
}

// KHz returns the link symbol clock of r, in kHz.
func (r Rate) KHz() int {
	return int(r) * 27000
}

// Mbps returns the per-lane raw bit rate of r.
func (r Rate) Mbps() int {
	return int(r) * 270
}

// Lower returns the next lower standard rate.
func (r Rate) Lower() (Rate, bool) {
	for i := len(Rates) - 1; i > 0; i-- {
		if Rates[i] == r {
			return Rates[i-1], true
		}
	}
	return r, false
}

// ClampRate returns the highest standard rate not above v.
// Values below RBR clamp to RBR.
func ClampRate(v uint8) Rate {
	r := RBR
	for _, std := range Rates {
		if uint8(std) <= v {
			r = std
		}
	}
	return r
}

// MinRate returns the lowest of the provided rates.
func MinRate(r Rate, rs ...Rate) Rate {
	for _, v := range rs {
		if v < r {
			r = v
		}
	}
	return r
}

// ParseRate parses a rate name ("rbr", "HBR2", ...) or a rate in Gbps ("5.4").
func ParseRate(s string) (Rate, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RBR", "1.62":
		return RBR, nil
	case "HBR", "2.7":
		return HBR, nil
	case "HBR2", "5.4":
		return HBR2, nil
	case "HBR3", "8.1":
		return HBR3, nil
	}
	return 0, fmt.Errorf("dpcd: invalid link rate %q", s)
}

// ValidLanes reports whether n is a valid lane count.
func ValidLanes(n int) bool {
	switch n {
	case 1, 2, 4:
		return true
	}
	return false
}

// LowerLanes returns the next lower lane count.
func LowerLanes(n int) (int, bool) {
	switch n {
	case 4:
		return 2, true
	case 2:
		return 1, true
	}
	return n, false
}

// ClampLanes returns the highest valid lane count not above n.
func ClampLanes(n int) int {
	switch {
	case n >= 4:
		return 4
	case n >= 2:
		return 2
	}
	return 1
}
