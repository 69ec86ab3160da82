// Command betcode-cli drives BetCode daemons through the relay's
// Request Router: logging in, verifying machine fingerprints, attaching
// to a coding session, and sending input (spec.md §1/§6).
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
