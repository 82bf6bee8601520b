package main

import (
	"fmt"
	"os"

	"github.com/Dicklesworthstone/cmdgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cmdgate: %v\n", err)
		os.Exit(1)
	}
}
