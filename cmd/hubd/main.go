package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rafaelmqs/deskhub/internal/daemon"
	"github.com/rafaelmqs/deskhub/internal/workspace"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := workspace.Resolve(*profileFlag)
	if err := workspace.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName}),
	)

	app.Run()
}
