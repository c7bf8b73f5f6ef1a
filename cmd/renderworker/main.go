// Command renderworker consumes render requests and runs render passes.
//
// Usage:
//
//	renderworker serve --config tabflow.yaml
//	renderworker enqueue --workflow 42 --version 7
//	renderworker modules
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
