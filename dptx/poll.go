// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dptx

import "time"

const (
	defaultAuxRetries = 80
	auxDelay          = 1 * time.Millisecond
	auxPollInterval   = 1 * time.Microsecond
	auxReplyPolls     = 4000 // hardware AUX timeout is 3.2ms
	softResetDelay    = 10 * time.Microsecond

	phyBusyInterval = 20 * time.Millisecond
	phyBusyPolls    = 50

	crPollInterval  = 100 * time.Microsecond
	crMaxUnchanged  = 5
	crMaxReads      = 10
	eqMaxIterations = 5

	fastSettleDelay = 500 * time.Microsecond

	sinkPowerRetries = 3
	sinkPowerDelay   = 1 * time.Millisecond

	eventQueueSize = 16
)

// poll evaluates cond every interval until it reports true, at most n times.
// A cond error stops the polling.
func (dev *Device) poll(cond func() (bool, error), interval time.Duration, n int) error {
	for i := 0; i < n; i++ {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		dev.cfg.sleep(interval)
	}
	return errPollTimeout
}
