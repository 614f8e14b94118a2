package main

import (
	"os"

	"github.com/openfab/printhost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
