// uirunner drives autonomous web-UI test runs from the command line.
package main

import (
	"fmt"
	"os"

	"uirunner/internal/logging"
)

func main() {
	logging.Initialize()
	defer logging.Sync()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
