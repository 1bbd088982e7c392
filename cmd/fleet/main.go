package main

// ============================================================================
// Fleet entry point. All commands live in internal/cli.
//
//   go build -o bin/fleet ./cmd/fleet
//   ./bin/fleet run --inventory hosts.yaml --admin 127.0.0.1:8080
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/fleet-rpc/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
