package main

import (
	"github.com/vortexlab/tetracer/cmd/tetracer/cmd"
)

func main() {
	cmd.Execute()
}
