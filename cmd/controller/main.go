// Package main is the entry point for the maintenance controller.
package main

import (
	"os"

	"github.com/softcane/maintenance-controller/cmd/controller/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
