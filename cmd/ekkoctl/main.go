// Command ekkoctl runs administrative tasks against an ekko database:
// migrations, snapshot refreshes, expiry sweeps, job passes and bootstrap.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
