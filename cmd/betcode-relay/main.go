// Command betcode-relay runs the relay process: the tunnel fabric that
// daemons dial into from behind NAT, and the request router that
// forwards authenticated client RPCs onto the right daemon's tunnel
// (spec.md §4.4/§4.5).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
