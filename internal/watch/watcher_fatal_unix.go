// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package watch

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isFatalFsnotifyError reports inotify resource exhaustion: the watch limit
// (ENOSPC) or the process or system descriptor limits (EMFILE, ENFILE).
func isFatalFsnotifyError(err error) bool {
	return errors.Is(err, unix.ENOSPC) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE)
}
