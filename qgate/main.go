// qgate is a command line tool for building and verifying attestation
// evidence tokens.
package main

import (
	"os"

	"github.com/quotegate/quotegate/qgate/cmd"
)

func main() {
	if cmd.RootCmd.Execute() != nil {
		os.Exit(1)
	}
}
