package main

import (
	"os"

	"github.com/pmarget/httptun/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
