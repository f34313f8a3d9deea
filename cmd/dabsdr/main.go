// Command dabsdr acquires IQ samples for a DAB receiver and reports on the
// health of the acquisition pipeline.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd(os.LookupEnv).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
