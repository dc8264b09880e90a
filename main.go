// Gantry is a local-first CI pipeline runner.
//
// Gantry reads a Semaphore-style pipeline definition, resolves the block
// dependency graph and runs each job in a shell or Docker agent.
package main

import (
	"github.com/gantryci/gantry/cmd/gantry"
)

func main() {
	gantry.Execute()
}
