// Command workflowctl dispatches workflow events, re-enters scheduled
// actions and transitions, and runs the deferred job worker.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goliatone/go-trigger/cli"
)

func main() {
	if err := cli.Run(context.Background(), os.Args[1:], build); err != nil {
		fmt.Fprintf(os.Stderr, "workflowctl: %v\n", err)
		os.Exit(1)
	}
}
