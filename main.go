// The main package for the meshboard executable.
package main

import (
	"github.com/meshboard/meshboard/cmd"
)

func main() {
	cmd.Execute()
}
