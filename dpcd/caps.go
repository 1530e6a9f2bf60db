// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dpcd

import (
	"fmt"
	"strings"
	"time"
)

// Caps is a parsed snapshot of a sink receiver capability block.
type Caps struct {
	Raw [CapsSize]byte // receiver capability block in use

	Rev             uint8
	MaxRate         Rate
	MaxLanes        int
	TPS3            bool
	TPS4            bool
	EnhancedFraming bool
	NoAuxHandshake  bool // sink supports training without AUX handshake
	Downspread      bool
	Coding8b10b     bool

	DownstreamPort      bool
	DownstreamPortType  uint8
	DownstreamPortCount int

	Extended      bool // extended receiver capability block present
	AuxRdInterval byte // raw TRAINING_AUX_RD_INTERVAL

	MST  bool
	ALPM bool
	FEC  bool

	OUI      [3]byte
	DeviceID string
}

// ParseCaps decodes a receiver capability block read at DPCD_REV.
func ParseCaps(raw []byte) (Caps, error) {
	var caps Caps
	if len(raw) < CapsSize {
		return caps, fmt.Errorf("dpcd: capability block too short (%d bytes)", len(raw))
	}
	copy(caps.Raw[:], raw)
	caps.decode()
	caps.AuxRdInterval = raw[TRAINING_AUX_RD_INTERVAL] & AUX_RD_INTERVAL_MASK
	caps.Extended = raw[TRAINING_AUX_RD_INTERVAL]&EXTENDED_RECEIVER_CAP_PRSN != 0

	if caps.Rev == 0 {
		return caps, fmt.Errorf("dpcd: invalid DPCD revision 0x%02x", caps.Rev)
	}

	return caps, nil
}

// ApplyExtended overlays the extended receiver capability block
// read at EXTENDED_RECEIVER_CAP_BASE.
// The AUX read interval of the base block is kept.
func (caps *Caps) ApplyExtended(ext []byte) error {
	if len(ext) < CapsSize {
		return fmt.Errorf("dpcd: extended capability block too short (%d bytes)", len(ext))
	}
	if ext[DPCD_REV] == 0 {
		return fmt.Errorf("dpcd: invalid extended DPCD revision 0x%02x", ext[DPCD_REV])
	}
	copy(caps.Raw[:], ext)
	caps.decode()
	return nil
}

func (caps *Caps) decode() {
	raw := caps.Raw[:]
	caps.Rev = raw[DPCD_REV]
	caps.MaxRate = ClampRate(raw[MAX_LINK_RATE])
	caps.MaxLanes = ClampLanes(int(raw[MAX_LANE_COUNT] & LANE_COUNT_MASK))
	caps.TPS3 = raw[MAX_LANE_COUNT]&TPS3_SUPPORTED != 0
	caps.EnhancedFraming = raw[MAX_LANE_COUNT]&ENHANCED_FRAME_CAP != 0
	caps.TPS4 = raw[MAX_DOWNSPREAD]&TPS4_SUPPORTED != 0
	caps.NoAuxHandshake = raw[MAX_DOWNSPREAD]&NO_AUX_HANDSHAKE_LT != 0
	caps.Downspread = raw[MAX_DOWNSPREAD]&MAX_DOWNSPREAD_0_5 != 0
	caps.Coding8b10b = raw[MAIN_LINK_CHANNEL_CODING]&CHANNEL_CODING_8B10B != 0
	caps.DownstreamPort = raw[DOWNSTREAMPORT_PRESENT]&DWN_STRM_PORT_PRESENT != 0
	caps.DownstreamPortType = (raw[DOWNSTREAMPORT_PRESENT] & DWN_STRM_PORT_TYPE) >> 1
	caps.DownstreamPortCount = int(raw[DOWN_STREAM_PORT_COUNT] & DWN_STRM_PORT_COUNT)
}

// TrainingInterval returns the wait between channel-equalization
// status reads advertised by the sink.
func (caps *Caps) TrainingInterval() time.Duration {
	return AuxRdInterval(caps.AuxRdInterval)
}

// AuxRdInterval decodes a TRAINING_AUX_RD_INTERVAL value.
func AuxRdInterval(v byte) time.Duration {
	v &= AUX_RD_INTERVAL_MASK
	if v == 0 {
		return 400 * time.Microsecond
	}
	if v > 4 {
		v = 4
	}
	return time.Duration(v) * 4 * time.Millisecond
}

// SetIdentity decodes the sink OUI/device identification block
// read at SINK_OUI (3 bytes of OUI, 6 bytes of device id string).
func (caps *Caps) SetIdentity(raw []byte) {
	if len(raw) < 3 {
		return
	}
	copy(caps.OUI[:], raw[:3])
	id := raw[3:]
	if len(id) > 6 {
		id = id[:6]
	}
	caps.DeviceID = strings.TrimRight(string(id), "\x00 ")
}

// Name returns a stable identifier of the sink, from its OUI and device id.
func (caps *Caps) Name() string {
	name := fmt.Sprintf("%02x%02x%02x", caps.OUI[0], caps.OUI[1], caps.OUI[2])
	if caps.DeviceID != "" {
		name += "-" + caps.DeviceID
	}
	return name
}

func (caps Caps) String() string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "DPCD rev %d.%d, max %d lanes @ %v",
		caps.Rev>>4, caps.Rev&0xf, caps.MaxLanes, caps.MaxRate,
	)
	for _, v := range []struct {
		ok   bool
		name string
	}{
		{caps.TPS3, "TPS3"},
		{caps.TPS4, "TPS4"},
		{caps.EnhancedFraming, "EF"},
		{caps.NoAuxHandshake, "no-aux-lt"},
		{caps.Downspread, "ssc"},
		{caps.Extended, "ext-caps"},
		{caps.MST, "MST"},
		{caps.ALPM, "ALPM"},
		{caps.FEC, "FEC"},
	} {
		if v.ok {
			fmt.Fprintf(o, ", %s", v.name)
		}
	}
	if caps.DownstreamPort {
		fmt.Fprintf(o, ", %d downstream port(s) type=%d",
			caps.DownstreamPortCount, caps.DownstreamPortType,
		)
	}
	return o.String()
}
