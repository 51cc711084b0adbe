package main

import (
	"os"

	"github.com/swelldb/swell/cmd/scheduler/cmd"
	"github.com/swelldb/swell/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
