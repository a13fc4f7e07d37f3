package main

import (
	"os"

	"github.com/wwwzy/PaperAgent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
