package main

import (
	"os"

	"snakkaz-e2ee/cmd/chatctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
