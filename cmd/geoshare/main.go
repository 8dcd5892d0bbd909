package main

import (
	"os"

	"github.com/wilsonzlin/aero/proxy/geoshare/cmd/geoshare/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
