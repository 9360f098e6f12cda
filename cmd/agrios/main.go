// Package main is the agrios command: local store administration, sync and
// the env secret tool.
package main

import (
	"context"
	"fmt"
	"os"

	apperrors "github.com/agrios/offline/internal/errors"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", apperrors.CodeOf(err), err)
		os.Exit(1)
	}
}
