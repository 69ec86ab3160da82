// Command betcode-daemon runs the per-host daemon: it dials out to a
// relay over the tunnel fabric, multiplexes clients onto coding-agent
// sessions, and arbitrates tool-use permissions (spec.md §1/§4).
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
