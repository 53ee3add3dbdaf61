// Package main is the entry point for the flowcap capture engine.
package main

import (
	"os"

	"firestige.xyz/flowcap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
