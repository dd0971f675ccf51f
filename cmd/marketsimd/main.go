package main

import (
	"os"

	"github.com/openalpha/market-sim/cmd/marketsimd/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
