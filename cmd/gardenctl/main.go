// Command gardenctl is the operator tool: migrations, manual grants, one-off
// sweeps, session tokens for testing, and job status.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		os.Exit(1)
	}
}
