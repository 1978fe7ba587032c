// SPDX-License-Identifier: MPL-2.0

//go:build windows

package cmd

import "os"

// Windows has no user signals; use the control plane to suspend and resume.
var (
	suspendSignal os.Signal
	resumeSignal  os.Signal
)

func lifecycleSignals() []os.Signal {
	return nil
}
