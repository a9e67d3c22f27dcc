package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"hansard/internal/runlock"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, runlock.ErrBusy) {
			fmt.Fprintln(os.Stderr, "another hansard run is already in progress")
			os.Exit(2)
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
