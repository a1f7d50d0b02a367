package main

import (
	"os"

	"github.com/orbitalops/fds-service/cmd/fds-service/cmd"
)

func main() {
	if err := cmd.GetRootCmd(os.Args[1:]).Execute(); err != nil {
		os.Exit(1)
	}
}
