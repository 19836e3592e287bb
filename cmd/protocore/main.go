// Command protocore simulates, inspects and recovers the persisted state of
// the protocol engine.
package main

import (
	"os"

	"github.com/roach88/protocore/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
