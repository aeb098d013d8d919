package main

import (
	"os"

	"github.com/MegaGrindStone/episodic/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
