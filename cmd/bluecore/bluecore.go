package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/Alia5/bluecore/internal/cmd"
	"github.com/Alia5/bluecore/internal/configpaths"
	"github.com/Alia5/bluecore/internal/log"
)

func main() {
	var cli cmd.CLI

	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(findUserConfigPath(os.Args[1:]))
	parser := kong.Must(&cli,
		kong.Name("bluecore"),
		kong.Description("Host-side Bluetooth Classic stack for USB controllers."),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
		kong.UsageOnError(),
	)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	logger, closers, err := log.SetupLogger(cli.Log.Level, cli.Log.File)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = kctx.Run(&cmd.RunContext{Ctx: ctx, Logger: logger, CLI: &cli})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exiting with error", "error", err)
		os.Exit(1)
	}
}

// findUserConfigPath extracts --config before kong parses, so the value
// can steer which config files kong loads.
func findUserConfigPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if len(arg) > len("--config=") && arg[:len("--config=")] == "--config=" {
			return arg[len("--config="):]
		}
	}
	return ""
}
