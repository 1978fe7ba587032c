// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/invowk/sockserve/cmd/sockserve"

func main() {
	cmd.Execute()
}
