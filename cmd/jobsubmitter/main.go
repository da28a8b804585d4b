package main

import (
	"os"

	"github.com/armadaproject/jobsubmitter/cmd/jobsubmitter/cmd"
)

func main() {
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
