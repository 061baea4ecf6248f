// Command tissuealign generates tissue masks and registers spatial-omics
// images from the command line.
//
// Usage:
//
//	tissuealign masks sample.ome.tif -o masks/
//	tissuealign circles visium_run/ --config visium.yaml
//	tissuealign align reference.ome.tif moving/ --strategy auto -o outcome.json
//	tissuealign config show xenium --format toml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"tissuealign/internal/regerr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error kind to the process status.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch regerr.KindOf(err) {
	case regerr.KindConfiguration:
		return 2
	case regerr.KindInvalidInput:
		return 3
	case regerr.KindTimeout, regerr.KindCanceled:
		return 4
	}
	return 1
}

// exitError carries a status for outcomes that were reported already.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
