package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/coopgate/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Monitor      commands.MonitorCmd      `cmd:"" help:"Connect to a coopgate server and print every message"`
		HashPassword commands.HashPasswordCmd `cmd:"" help:"Hash a password for the users file"`
		Debug        bool                     `help:"Enable debug mode."`
		Version      kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("coopctl"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
