package main

import (
	"fmt"
	"os"

	"github.com/scttfrdmn/ringattn/internal/cmd"
)

func main() {
	root, err := cmd.NewRootCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Cobra prints the error itself.
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
