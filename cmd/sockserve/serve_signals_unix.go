// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package cmd

import (
	"os"

	"golang.org/x/sys/unix"
)

var (
	suspendSignal os.Signal = unix.SIGUSR1
	resumeSignal  os.Signal = unix.SIGUSR2
)

func lifecycleSignals() []os.Signal {
	return []os.Signal{suspendSignal, resumeSignal}
}
