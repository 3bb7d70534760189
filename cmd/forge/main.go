// Command forge drives the phase orchestration engine from the shell.
package main

import (
	"os"

	"github.com/jdsingh122918/forge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
