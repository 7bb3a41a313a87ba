// Command authctl administers accounts, the permission catalog and refresh
// tokens directly against the configured backend.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"devosphere.org/cmd/authctl/commands"
)

func main() {
	_ = godotenv.Load()
	if err := commands.NewRootCommand(commands.OpenFromConfig).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
