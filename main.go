// The main package for the taxcrawler executable.
package main

import (
	"github.com/JakeFAU/taxdue-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
