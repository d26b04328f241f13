package main

import (
	"fmt"
	"os"

	"skydrizzle/pkg/drizzle"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		if code := drizzle.ErrorCodeOf(err); code != "" {
			fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", code, err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
