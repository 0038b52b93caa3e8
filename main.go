// The main package for the grabtune executable.
package main

import (
	"github.com/grabtune/grabtune/cmd"
)

func main() {
	cmd.Execute()
}
