// Command lab is the labcoord CLI: project enrollment, task review and lab
// resource reservations on a shared SQLite database.
package main

import (
	"fmt"
	"os"
)

const version = "0.3.0"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lab: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// flagOr returns flagVal if set, then the environment variable key, then def.
func flagOr(flagVal, key, def string) string {
	if flagVal != "" {
		return flagVal
	}
	return envOr(key, def)
}
