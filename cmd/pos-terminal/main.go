package main

import (
	"os"
)

var version = "1.0.0"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
