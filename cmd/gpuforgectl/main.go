// Idiomatic entrypoint for the Cobra CLI; delegates to the root command in
// cmd/gpuforgectl/cmd/root.go.
package main

import (
	"github.com/riftlab/gpuforge/cmd/gpuforgectl/cmd"
)

func main() {
	cmd.Execute()
}
