// kiln-corelet is a standalone corelet child. It reads one message from
// stdin, executes it with the built-in handler set, writes the result to
// stdout and exits. The daemon normally re-execs itself instead; this
// binary exists for running handlers out of a separate executable via
// KILN_CORELET_CMD-style deployments and for debugging the wire protocol
// by hand.
package main

import (
	"os"

	"github.com/sdewitt/kiln/internal/corelet"
	"github.com/sdewitt/kiln/internal/handlers"
)

func main() {
	os.Exit(corelet.Run(handlers.Builtin(), os.Stdin, os.Stdout))
}
