package main

import (
	"os"

	"github.com/bdobrica/Tachikoma/cmd/tachikoma/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
