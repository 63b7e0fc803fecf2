// The main package for the stagecrawl executable.
package main

import (
	"os"

	"github.com/stagecrawl/stagecrawl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
