// Command popdeploy deploys an ordered list of contracts to an EVM chain from
// a single account.
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, pterm.Error.Sprint(err))
		os.Exit(1)
	}
}
