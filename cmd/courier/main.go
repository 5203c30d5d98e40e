package main

import (
	"os"

	"courier/cmd/courier/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
