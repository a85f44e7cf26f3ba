// Command quotaledger is the operator tool for the quota ledger: retention
// sweeps, account inspection, manual ticket grants and schema setup.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
