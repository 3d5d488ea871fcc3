package main

import (
	"os"

	"github.com/guestify/mediakit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
