// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/dplink/dpcd"
)

type command struct {
	help string
	run  func(sh *shell, args []string) error
}

var cmds map[string]command

func init() {
	cmds = map[string]command{
		"caps":   {"caps: display the sink capabilities", (*shell).cmdCaps},
		"status": {"status: display the connection status and the link", (*shell).cmdStatus},
		"read":   {"read <addr> [n]: read n bytes of DPCD at addr", (*shell).cmdRead},
		"write":  {"write <addr> <v0> [v1...]: write bytes to DPCD at addr", (*shell).cmdWrite},
		"edid":   {"edid: dump the sink EDID", (*shell).cmdEDID},
		"train":  {"train [lanes] [rate]: (re)train the link", (*shell).cmdTrain},
		"mode":   {"mode <pixel-clock-khz> [bpp]: check a video mode fits the link", (*shell).cmdMode},
		"plug":   {"plug: plug the simulated sink", (*shell).cmdPlug},
		"unplug": {"unplug: unplug the simulated sink", (*shell).cmdUnplug},
		"help":   {"help: display this help", (*shell).cmdHelp},
		"quit":   {"quit: exit the shell", func(*shell, []string) error { return errQuit }},
	}
}

func complete(line string) []string {
	var o []string
	for name := range cmds {
		if strings.HasPrefix(name, line) {
			o = append(o, name)
		}
	}
	sort.Strings(o)
	return o
}

func (sh *shell) exec(line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	cmd, ok := cmds[toks[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", toks[0])
	}
	return cmd.run(sh, toks[1:])
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return v, nil
}

func (sh *shell) cmdCaps(args []string) error {
	caps, err := sh.dev.Caps()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "sink: %s\n%v\n", caps.Name(), caps)
	return nil
}

func (sh *shell) cmdStatus(args []string) error {
	fmt.Fprintf(sh.out, "status: %v\n", sh.dev.Status())
	fmt.Fprintf(sh.out, "link:   %v\n", sh.dev.Link())
	fmt.Fprintf(sh.out, "max:    %v\n", sh.dev.MaxLink())
	return nil
}

func (sh *shell) cmdRead(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s", cmds["read"].help)
	}
	addr, err := parseUint(args[0], 20)
	if err != nil {
		return err
	}
	n := uint64(1)
	if len(args) == 2 {
		n, err = parseUint(args[1], 16)
		if err != nil {
			return err
		}
	}

	buf := make([]byte, n)
	err = sh.dev.ReadDPCD(uint32(addr), buf)
	if err != nil {
		return err
	}
	for i := 0; i < len(buf); i += 16 {
		j := i + 16
		if j > len(buf) {
			j = len(buf)
		}
		fmt.Fprintf(sh.out, "%05x: % x\n", addr+uint64(i), buf[i:j])
	}
	return nil
}

func (sh *shell) cmdWrite(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", cmds["write"].help)
	}
	addr, err := parseUint(args[0], 20)
	if err != nil {
		return err
	}
	buf := make([]byte, len(args)-1)
	for i, arg := range args[1:] {
		v, err := parseUint(arg, 8)
		if err != nil {
			return err
		}
		buf[i] = byte(v)
	}
	return sh.dev.WriteDPCD(uint32(addr), buf)
}

func (sh *shell) cmdEDID(args []string) error {
	edid, err := sh.dev.ReadEDID()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "EDID: %d block(s)\n%s", len(edid)/128, hex.Dump(edid))
	return nil
}

func (sh *shell) cmdTrain(args []string) error {
	var (
		lanes int
		rate  dpcd.Rate
	)
	switch len(args) {
	case 2:
		r, err := dpcd.ParseRate(args[1])
		if err != nil {
			return err
		}
		rate = r
		fallthrough
	case 1:
		v, err := parseUint(args[0], 8)
		if err != nil {
			return err
		}
		lanes = int(v)
	case 0:
	default:
		return fmt.Errorf("usage: %s", cmds["train"].help)
	}

	link, err := sh.dev.RequestLinkTraining(lanes, rate)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "link: %v\n", link)
	return nil
}

func (sh *shell) cmdMode(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s", cmds["mode"].help)
	}
	clk, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}
	bpp := uint64(24)
	if len(args) == 2 {
		bpp, err = parseUint(args[1], 8)
		if err != nil {
			return err
		}
	}
	err = sh.dev.ModeValid(int(clk), int(bpp))
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "mode %d kHz @%d bpp: ok\n", clk, bpp)
	return nil
}

func (sh *shell) cmdPlug(args []string) error {
	if sh.core == nil {
		return fmt.Errorf("plug needs a simulated sink")
	}
	sh.core.Plug()
	return nil
}

func (sh *shell) cmdUnplug(args []string) error {
	if sh.core == nil {
		return fmt.Errorf("unplug needs a simulated sink")
	}
	sh.core.Unplug()
	return nil
}

func (sh *shell) cmdHelp(args []string) error {
	names := complete("")
	for _, name := range names {
		fmt.Fprintf(sh.out, "  %s\n", cmds[name].help)
	}
	return nil
}
