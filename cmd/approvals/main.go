package main

import (
	"os"

	"github.com/pesio-ai/be-ops-approvals/cmd/approvals/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
