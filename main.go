// The main package for the ingest executable.
package main

import (
	"github.com/JakeFAU/source-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
