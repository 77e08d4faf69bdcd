// Command jobtrack ingests job postings into structured records and serves
// them over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(buildApp).ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errIngestFailed) {
			fmt.Fprintln(os.Stderr, "jobtrack:", err)
		}
		os.Exit(1)
	}
}
