package main

import "os"

// set by -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra has printed the error.
		os.Exit(1)
	}
}
