package main

import (
	"os"

	"github.com/prudhvinik1/fieldsync/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
