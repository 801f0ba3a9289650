package corelet

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/registry"
)

// EnvMarker is set in a corelet child's environment so a re-exec'd binary
// knows to act as the child side rather than start the daemon.
const EnvMarker = "KILN_CORELET"

// Main dispatches to the child runner when the process was spawned as a
// corelet. Host binaries that register process-mode handlers call this
// first thing in main; it does not return in child mode.
func Main(reg *registry.Registry) {
	if os.Getenv(EnvMarker) != "1" {
		return
	}
	os.Exit(Run(reg, os.Stdin, os.Stdout))
}

// Run executes one corelet request: decode the message from stdin, resolve
// the handler by its routing key against the child's own registry, execute
// under the message's timeout, and write the result to stdout. The returned
// exit code is zero for any outcome that produced a result, non-zero only
// for protocol failures.
func Run(reg *registry.Registry, stdin io.Reader, stdout io.Writer) int {
	var msg model.Message
	if err := ReadMessage(stdin, &msg); err != nil {
		fmt.Fprintf(os.Stderr, "corelet: read message: %v\n", err)
		return 1
	}

	res := execute(reg, &msg)

	if err := WriteMessage(stdout, res); err != nil {
		fmt.Fprintf(os.Stderr, "corelet: write result: %v\n", err)
		return 1
	}
	return 0
}

// execute runs the handler for msg, converting every failure mode into a
// failure result.
func execute(reg *registry.Registry, msg *model.Message) (res *model.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = model.Failed(msg, model.KindExecution, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	r, err := reg.Resolve(msg.Type)
	if err != nil {
		return model.Failed(msg, model.KindValidation, err.Error())
	}

	ctx := context.Background()
	if msg.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout())
		defer cancel()
	}

	data, err := r.Factory().Process(ctx, msg)
	if err != nil {
		kind := model.KindExecution
		if ctx.Err() == context.DeadlineExceeded {
			kind = model.KindTimeout
		}
		return model.Failed(msg, kind, err.Error())
	}
	return model.Succeeded(msg, data)
}
