// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs describes the register map of the DisplayPort transmitter core.
package regs // import "github.com/go-lpc/dplink/dptx/internal/regs"

// Register offsets, from the base of the core.
const (
	DPTX_ID                  = 0x0000
	DPTX_VERSION             = 0x0004
	DPTX_CONFIG1             = 0x0100
	CCTL                     = 0x0200
	SOFT_RESET_CTRL          = 0x0204
	VSAMPLE_CTRL             = 0x0300
	PHYIF_CTRL               = 0x0a00
	PHY_TX_EQ                = 0x0a04
	AUX_CMD                  = 0x0b00
	AUX_STATUS               = 0x0b04
	AUX_DATA0                = 0x0b08
	AUX_DATA1                = 0x0b0c
	AUX_DATA2                = 0x0b10
	AUX_DATA3                = 0x0b14
	GENERAL_INTERRUPT        = 0x0d00
	GENERAL_INTERRUPT_ENABLE = 0x0d04
	HPD_STATUS               = 0x0d08
	HPD_INTERRUPT_ENABLE     = 0x0d0c

	SPAN = 0x1000
)

const (
	DPTX_ID_VALUE      = 0x900116c3 // device 0x9001, vendor 0x16c3
	DPTX_VERSION_VALUE = 0x3231302a // "210*"
)

// DPTX_CONFIG1 fields.
const (
	CONFIG1_FEC_EN          = 1 << 0
	CONFIG1_EDP_EN          = 1 << 1
	CONFIG1_GEN2_PHY        = 1 << 2
	CONFIG1_DSC_EN          = 1 << 3
	CONFIG1_MP_MODE_SHIFT   = 8
	CONFIG1_MP_MODE_MASK    = 0xf << CONFIG1_MP_MODE_SHIFT
	CONFIG1_NUM_STREAMS_SFT = 16
	CONFIG1_NUM_STREAMS_MSK = 0x7 << CONFIG1_NUM_STREAMS_SFT
	CONFIG1_MAX_LANES_SHIFT = 20
	CONFIG1_MAX_LANES_MASK  = 0x7 << CONFIG1_MAX_LANES_SHIFT

	MP_MODE_SINGLE = 1
	MP_MODE_DUAL   = 2
	MP_MODE_QUAD   = 4
)

// CCTL fields.
const (
	CCTL_SCRAMBLE_DIS      = 1 << 0
	CCTL_ENH_FRAME_EN      = 1 << 1
	CCTL_FAST_LINK_TRAINED = 1 << 2
	CCTL_FORCE_HPD         = 1 << 8
	CCTL_ENABLE_MST_MODE   = 1 << 25
	CCTL_ENABLE_FEC        = 1 << 26
)

// SOFT_RESET_CTRL fields.
const (
	SOFT_RESET_CONTROLLER = 1 << 0
	SOFT_RESET_PHY        = 1 << 1
	SOFT_RESET_HDCP       = 1 << 2
	SOFT_RESET_AUDIO      = 1 << 3
	SOFT_RESET_AUX        = 1 << 4
	SOFT_RESET_VIDEO      = 0xf << 5
	SOFT_RESET_ALL        = 0x1ff
)

// VSAMPLE_CTRL fields.
const (
	VSAMPLE_STREAM_EN = 1 << 5
)

// PHYIF_CTRL fields.
const (
	PHYIF_TPS_SEL_SHIFT = 0
	PHYIF_TPS_SEL_MASK  = 0xf << PHYIF_TPS_SEL_SHIFT
	PHYIF_RATE_SHIFT    = 4
	PHYIF_RATE_MASK     = 0x3 << PHYIF_RATE_SHIFT
	PHYIF_LANES_SHIFT   = 6
	PHYIF_LANES_MASK    = 0x3 << PHYIF_LANES_SHIFT
	PHYIF_XMIT_EN_SHIFT = 8
	PHYIF_XMIT_EN_MASK  = 0xf << PHYIF_XMIT_EN_SHIFT
	PHYIF_BUSY_SHIFT    = 12
	PHYIF_BUSY_MASK     = 0xf << PHYIF_BUSY_SHIFT
	PHYIF_SSC_DIS       = 1 << 16
	PHYIF_PWRDOWN_SHIFT = 17
	PHYIF_PWRDOWN_MASK  = 0xf << PHYIF_PWRDOWN_SHIFT
	PHYIF_WIDTH_40BIT   = 1 << 25

	// TPS_SEL values.
	TPS_NONE     = 0
	TPS_TPS1     = 1
	TPS_TPS2     = 2
	TPS_TPS3     = 3
	TPS_TPS4     = 4
	TPS_SYM_ERM  = 5
	TPS_PRBS7    = 6
	TPS_CUSTOM80 = 7
	TPS_CP2520_1 = 8
	TPS_CP2520_2 = 9

	// RATE values.
	PHY_RATE_RBR  = 0
	PHY_RATE_HBR  = 1
	PHY_RATE_HBR2 = 2
	PHY_RATE_HBR3 = 3

	// LANES values.
	PHY_LANES_1 = 0
	PHY_LANES_2 = 1
	PHY_LANES_4 = 2

	// PWRDOWN values.
	PHY_POWER_ON       = 0x0
	PHY_POWER_INTER_P2 = 0x2
	PHY_POWER_STANDBY  = 0x3
	PHY_POWER_DOWN     = 0xc
)

// PHY_TX_EQ fields, per lane.
const (
	PHY_TX_EQ_LANE_STRIDE    = 6
	PHY_TX_EQ_VSWING_SHIFT   = 0
	PHY_TX_EQ_VSWING_MASK    = 0x3
	PHY_TX_EQ_PREEMPH_SHIFT  = 2
	PHY_TX_EQ_PREEMPH_MASK   = 0x3
	PHY_TX_EQ_MAX_LANE_LEVEL = 3
)

// AUX_CMD fields.
const (
	AUX_CMD_REQ_LEN_SHIFT = 0
	AUX_CMD_REQ_LEN_MASK  = 0xf << AUX_CMD_REQ_LEN_SHIFT
	AUX_CMD_I2C_ADDR_ONLY = 1 << 4
	AUX_CMD_ADDR_SHIFT    = 8
	AUX_CMD_ADDR_MASK     = 0xfffff << AUX_CMD_ADDR_SHIFT
	AUX_CMD_TYPE_SHIFT    = 28
	AUX_CMD_TYPE_MASK     = 0xf << AUX_CMD_TYPE_SHIFT

	// TYPE values, combined.
	AUX_CMD_TYPE_WRITE  = 0x0
	AUX_CMD_TYPE_READ   = 0x1
	AUX_CMD_TYPE_WSTAT  = 0x2
	AUX_CMD_TYPE_MOT    = 0x4
	AUX_CMD_TYPE_NATIVE = 0x8
)

// AUX_STATUS fields.
//
// BYTES_READ counts the reply command byte followed by the data bytes,
// so a well-formed reply always has BYTES_READ >= 1.
const (
	AUX_STATUS_SHIFT          = 4
	AUX_STATUS_MASK           = 0xf << AUX_STATUS_SHIFT
	AUX_STATUS_TIMEOUT        = 1 << 17
	AUX_STATUS_REPLY_RECEIVED = 1 << 18
	AUX_STATUS_BYTES_RD_SHIFT = 19
	AUX_STATUS_BYTES_RD_MASK  = 0x1f << AUX_STATUS_BYTES_RD_SHIFT

	// STATUS values.
	AUX_REPLY_ACK       = 0x0
	AUX_REPLY_NACK      = 0x1
	AUX_REPLY_DEFER     = 0x2
	AUX_REPLY_I2C_NACK  = 0x4
	AUX_REPLY_I2C_DEFER = 0x8

	AUX_MAX_LEN = 15
)

// GENERAL_INTERRUPT and GENERAL_INTERRUPT_ENABLE fields.
const (
	GEN_INT_HPD_EVENT            = 1 << 0
	GEN_INT_AUX_REPLY            = 1 << 1
	GEN_INT_HDCP_EVENT           = 1 << 2
	GEN_INT_AUX_CMD_INVALID      = 1 << 3
	GEN_INT_SDP_EVENT            = 1 << 4
	GEN_INT_AUDIO_FIFO_OVERFLOW  = 1 << 5
	GEN_INT_VIDEO_FIFO_OVERFLOW  = 1 << 6
	GEN_INT_VIDEO_FIFO_UNDERFLOW = 1 << 7

	GEN_INT_VIDEO_MASK = GEN_INT_VIDEO_FIFO_OVERFLOW | GEN_INT_VIDEO_FIFO_UNDERFLOW
)

// HPD_STATUS and HPD_INTERRUPT_ENABLE fields.
// The event bits of HPD_STATUS are write-1-to-clear.
const (
	HPD_IRQ         = 1 << 0
	HPD_HOT_PLUG    = 1 << 1
	HPD_HOT_UNPLUG  = 1 << 2
	HPD_UNPLUG_ERR  = 1 << 3
	HPD_STATUS_LVL  = 1 << 8
	HPD_EVENTS_MASK = HPD_IRQ | HPD_HOT_PLUG | HPD_HOT_UNPLUG | HPD_UNPLUG_ERR
)
