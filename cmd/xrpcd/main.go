// Command xrpcd runs and exercises xrpc nodes from a YAML configuration.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
