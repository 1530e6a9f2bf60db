// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dpcd describes the DisplayPort Configuration Data space of a sink:
// register addresses, link rates, capability and lane-status decoding.
package dpcd // import "github.com/go-lpc/dplink/dpcd"

// DPCD addresses.
const (
	DPCD_REV                 = 0x000
	MAX_LINK_RATE            = 0x001
	MAX_LANE_COUNT           = 0x002
	MAX_DOWNSPREAD           = 0x003
	NORP                     = 0x004
	DOWNSTREAMPORT_PRESENT   = 0x005
	MAIN_LINK_CHANNEL_CODING = 0x006
	DOWN_STREAM_PORT_COUNT   = 0x007
	TRAINING_AUX_RD_INTERVAL = 0x00E
	MSTM_CAP                 = 0x021
	RECEIVER_ALPM_CAP        = 0x02E
	FEC_CAPABILITY           = 0x090

	LINK_BW_SET                  = 0x100
	LANE_COUNT_SET               = 0x101
	TRAINING_PATTERN_SET         = 0x102
	TRAINING_LANE0_SET           = 0x103
	TRAINING_LANE1_SET           = 0x104
	TRAINING_LANE2_SET           = 0x105
	TRAINING_LANE3_SET           = 0x106
	DOWNSPREAD_CTRL              = 0x107
	MAIN_LINK_CHANNEL_CODING_SET = 0x108
	MSTM_CTRL                    = 0x111
	FEC_CONFIGURATION            = 0x120

	SINK_COUNT                 = 0x200
	DEVICE_SERVICE_IRQ_VECTOR  = 0x201
	LANE0_1_STATUS             = 0x202
	LANE2_3_STATUS             = 0x203
	LANE_ALIGN_STATUS_UPDATED  = 0x204
	SINK_STATUS                = 0x205
	ADJUST_REQUEST_LANE0_1     = 0x206
	ADJUST_REQUEST_LANE2_3     = 0x207
	SINK_OUI                   = 0x400
	SINK_DEVICE_ID             = 0x403
	SET_POWER                  = 0x600
	EXTENDED_RECEIVER_CAP_BASE = 0x2200
)

// Size of the receiver capability block.
const CapsSize = 16

// Size of the lane status/adjust request block read at LANE0_1_STATUS.
const LinkStatusSize = 6

const (
	// MAX_LANE_COUNT
	LANE_COUNT_MASK      = 0x1f
	TPS3_SUPPORTED       = 1 << 6
	ENHANCED_FRAME_CAP   = 1 << 7
	LANE_COUNT_ENH_FRAME = 1 << 7 // LANE_COUNT_SET

	// MAX_DOWNSPREAD
	MAX_DOWNSPREAD_0_5    = 1 << 0
	NO_AUX_HANDSHAKE_LT   = 1 << 6
	TPS4_SUPPORTED        = 1 << 7
	DOWNSPREAD_CTRL_0_5   = 1 << 4
	CHANNEL_CODING_8B10B  = 1 << 0
	DWN_STRM_PORT_PRESENT = 1 << 0
	DWN_STRM_PORT_TYPE    = 0x06
	DWN_STRM_PORT_COUNT   = 0x0f

	// TRAINING_AUX_RD_INTERVAL
	AUX_RD_INTERVAL_MASK       = 0x7f
	EXTENDED_RECEIVER_CAP_PRSN = 1 << 7

	MST_CAP            = 1 << 0
	ALPM_CAP           = 1 << 0
	FEC_CAPABLE        = 1 << 0
	FEC_READY          = 1 << 0
	MST_EN             = 1 << 0
	UP_REQ_EN          = 1 << 1
	UPSTREAM_IS_SRC    = 1 << 2
	SET_POWER_D0       = 0x1
	SET_POWER_D3       = 0x2
	SET_POWER_MASK     = 0x7
	SINK_COUNT_CP_READ = 1 << 6

	// TRAINING_PATTERN_SET
	TRAINING_PATTERN_DISABLE = 0x0
	TRAINING_PATTERN_1       = 0x1
	TRAINING_PATTERN_2       = 0x2
	TRAINING_PATTERN_3       = 0x3
	TRAINING_PATTERN_4       = 0x7
	TRAINING_PATTERN_MASK    = 0x3
	TRAINING_PATTERN_MASK_14 = 0x7
	SCRAMBLING_DISABLE       = 1 << 5

	// TRAINING_LANEx_SET
	TRAIN_VOLTAGE_SWING_MASK       = 0x3
	TRAIN_MAX_SWING_REACHED        = 1 << 2
	TRAIN_PRE_EMPHASIS_SHIFT       = 3
	TRAIN_PRE_EMPHASIS_MASK        = 0x3 << TRAIN_PRE_EMPHASIS_SHIFT
	TRAIN_MAX_PRE_EMPHASIS_REACHED = 1 << 5

	// LANEx_y_STATUS, per lane nibble.
	LANE_CR_DONE        = 1 << 0
	LANE_CHANNEL_EQ     = 1 << 1
	LANE_SYMBOL_LOCKED  = 1 << 2
	LANE_CHANNEL_EQ_OK  = LANE_CR_DONE | LANE_CHANNEL_EQ | LANE_SYMBOL_LOCKED
	INTERLANE_ALIGN     = 1 << 0
	LINK_STATUS_UPDATED = 1 << 7

	// ADJUST_REQUEST_LANEx_y, per lane nibble.
	ADJUST_VOLTAGE_SWING_MASK = 0x3
	ADJUST_PRE_EMPHASIS_SHIFT = 2
	ADJUST_PRE_EMPHASIS_MASK  = 0x3 << ADJUST_PRE_EMPHASIS_SHIFT

	// DEVICE_SERVICE_IRQ_VECTOR
	REMOTE_CONTROL_COMMAND_PENDING = 1 << 0
	AUTOMATED_TEST_REQUEST         = 1 << 1
	CP_IRQ                         = 1 << 2
	MCCS_IRQ                       = 1 << 3
	DOWN_REP_MSG_RDY               = 1 << 4
	UP_REQ_MSG_RDY                 = 1 << 5
	SINK_SPECIFIC_IRQ              = 1 << 6
)

// MaxLevel is the highest voltage-swing and pre-emphasis level.
const MaxLevel = 3
